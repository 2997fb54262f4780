package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"tradesim/internal/api"
	"tradesim/internal/broker"
	"tradesim/internal/config"
	"tradesim/internal/engine"
	"tradesim/internal/live"
	"tradesim/internal/market"
	"tradesim/internal/store"
	"tradesim/internal/util"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var srv *api.Server
	switch cfg.Server.Backend {
	case "alpaca":
		b := broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL, cfg.Alpaca.DataURL, cfg.Alpaca.RateLimitPerMin)
		srv = api.NewServer(b, nil, nil, cfg.Server.HTTPAddr(), "", logger)
		logger.Info("tradesim-server starting", "backend", b.Name(), "addr", cfg.Server.HTTPAddr())
		if err := srv.ListenAndServe(ctx); err != nil {
			log.Fatalf("server error: %v", err)
		}
		return
	}

	e, hub, closeStores := buildEmulator(ctx, cfg, logger)
	defer closeStores()

	sched := engine.NewScheduler(e, cfg.Emulator.TickInterval, logger)
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}

	srv = api.NewServer(broker.NewSimulatorBroker(e), e, hub, cfg.Server.HTTPAddr(), cfg.Server.GRPCAddr(), logger)
	logger.Info("tradesim-server starting",
		"backend", cfg.Server.Backend,
		"addr", cfg.Server.HTTPAddr(),
		"grpc", cfg.Server.GRPCAddr(),
		"tick", cfg.Emulator.TickInterval,
	)
	serveErr := srv.ListenAndServe(ctx)

	sched.Stop()
	saveCtx, saveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer saveCancel()
	if err := e.Save(saveCtx); err != nil {
		logger.Error("final save failed", "error", err)
	}
	if serveErr != nil {
		log.Fatalf("server error: %v", serveErr)
	}
	logger.Info("shutdown complete")
}

// buildEmulator wires the generator, stores and hub into a loaded engine.
// A snapshot that cannot be read aborts startup.
func buildEmulator(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*engine.Engine, *live.Hub, func()) {
	instruments := cfg.InstrumentList()
	if instruments == nil {
		instruments = market.DefaultInstruments()
	}
	gen := market.NewGenerator(instruments, market.Options{
		Seed:           cfg.Emulator.Seed,
		TickVolatility: cfg.Emulator.TickVolatility,
		SpreadBps:      cfg.Emulator.SpreadBps,
	})

	hub := live.NewHub(logger)
	options := []engine.Option{
		engine.WithPublisher(hub),
		engine.WithLogger(logger),
	}

	closers := []func(){}
	if cfg.Storage.JournalPath != config.JournalDisabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.JournalPath), 0o755); err != nil {
			log.Fatalf("failed to create data dir: %v", err)
		}
		journal, err := store.NewSQLiteJournal(cfg.Storage.JournalPath)
		if err != nil {
			logger.Warn("fill journal disabled", "path", cfg.Storage.JournalPath, "error", err)
		} else {
			options = append(options, engine.WithJournal(journal))
			closers = append(closers, func() { journal.Close() })
		}
	}
	if cfg.Storage.ArchiveBars {
		options = append(options, engine.WithBarArchive(store.NewParquetStore(cfg.Storage.DataDir)))
	}

	commission := cfg.Emulator.CommissionRate
	if commission == 0 {
		// The file asked for no commission; zero in Options means the default.
		commission = engine.NoCommission
	}

	e := engine.NewEngine(
		gen,
		store.NewFileSnapshotStore(cfg.Storage.SnapshotPath),
		engine.NewRiskManager(cfg.Risk.MaxPositionPct),
		engine.Options{
			AccountID:       cfg.Emulator.AccountID,
			Currency:        cfg.Emulator.Currency,
			SeedMonths:      cfg.Emulator.SeedMonths,
			HistoryDays:     cfg.Emulator.HistoryDays,
			CommissionRate:  commission,
			MaxFillLots:     cfg.Emulator.MaxFillLots,
			MarketHoursOnly: cfg.Emulator.MarketHoursOnly,
		},
		options...,
	)
	if err := e.Load(ctx); err != nil {
		log.Fatalf("failed to load ledger from %s: %v", cfg.Storage.SnapshotPath, err)
	}

	return e, hub, func() {
		for _, c := range closers {
			c()
		}
	}
}
