package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"tradesim/internal/live"
	"tradesim/internal/util"
)

var errStreamEnded = errors.New("event stream ended")

func main() {
	defaultAddr := "localhost:9090"
	if a := os.Getenv("STREAM_ADDR"); a != "" {
		defaultAddr = a
	}
	addr := flag.String("addr", defaultAddr, "tradesim-server gRPC address")
	types := flag.String("types", "", "comma-separated event types or keys (empty for all)")
	level := flag.String("log-level", "info", "log level")
	logPath := flag.String("log", fmt.Sprintf("/tmp/tradesim-watch-%s.log", time.Now().Format(time.DateOnly)), "log file")
	flag.Parse()

	// The terminal belongs to the UI; logs go to a file.
	logFile, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	logger := util.NewLoggerTo(logFile, *level, "text")

	var filter []string
	if *types != "" {
		filter = strings.Split(*types, ",")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p := tea.NewProgram(
		initialModel(*addr, cancel),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
		tea.WithContext(ctx),
	)

	client := live.NewClient(*addr, logger)
	go func() {
		err := util.Retry(ctx, 0, time.Second, 30*time.Second, func() error {
			p.Send(streamMsg{connected: true})
			err := client.Watch(ctx, filter, func(e live.Event) error {
				p.Send(eventMsg(e))
				return nil
			})
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				err = errStreamEnded
			}
			logger.Warn("event stream interrupted, reconnecting", "error", err)
			p.Send(streamMsg{err: err})
			return err
		})
		if err != nil && ctx.Err() == nil {
			logger.Error("watch failed", "error", err)
		}
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
