// Package api exposes the broker control surface over HTTP, live events over
// WebSocket, and the gRPC event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"tradesim/internal/broker"
	"tradesim/internal/domain"
	"tradesim/internal/engine"
	"tradesim/internal/live"
)

// Admin is the emulator admin surface. It is nil for real brokers.
type Admin interface {
	Status() engine.Status
	Save(ctx context.Context) error
	Reset(ctx context.Context) error
}

var _ Admin = (*engine.Engine)(nil)

// Server hosts the HTTP and gRPC endpoints.
type Server struct {
	broker   broker.Broker
	admin    Admin
	hub      *live.Hub
	httpAddr string
	grpcAddr string
	log      *slog.Logger
}

// NewServer creates a Server. admin and hub may be nil; the endpoints that
// need them then answer 501.
func NewServer(b broker.Broker, admin Admin, hub *live.Hub, httpAddr, grpcAddr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		broker:   b,
		admin:    admin,
		hub:      hub,
		httpAddr: httpAddr,
		grpcAddr: grpcAddr,
		log:      log.With("component", "api"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/accounts/{id}", s.handleGetAccount)
	mux.HandleFunc("GET /api/v1/accounts/{id}/positions", s.handleGetPositions)
	mux.HandleFunc("GET /api/v1/accounts/{id}/orders", s.handleGetOrders)
	mux.HandleFunc("GET /api/v1/accounts/{id}/transactions", s.handleGetTransactions)
	mux.HandleFunc("POST /api/v1/accounts/{id}/deposits", s.handleCash(false))
	mux.HandleFunc("POST /api/v1/accounts/{id}/withdrawals", s.handleCash(true))

	mux.HandleFunc("POST /api/v1/orders", s.handleSubmitOrder)
	mux.HandleFunc("GET /api/v1/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("DELETE /api/v1/orders/{id}", s.handleCancelOrder)

	mux.HandleFunc("GET /api/v1/quotes/{symbol}", s.handleGetQuote)
	mux.HandleFunc("GET /api/v1/orderbook/{symbol}", s.handleGetOrderBook)
	mux.HandleFunc("GET /api/v1/trades/{symbol}", s.handleGetTrades)
	mux.HandleFunc("GET /api/v1/bars/{symbol}", s.handleGetBars)

	mux.HandleFunc("GET /api/v1/admin/status", s.handleStatus)
	mux.HandleFunc("POST /api/v1/admin/save", s.handleSave)
	mux.HandleFunc("POST /api/v1/admin/reset", s.handleReset)

	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

// ListenAndServe starts the HTTP listener and, when a gRPC address and hub
// are configured, the gRPC event stream. It blocks until ctx is canceled or
// a listener fails, then shuts both down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("http server listening", "addr", s.httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if s.grpcAddr != "" && s.hub != nil {
		lis, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			return fmt.Errorf("grpc listen %s: %w", s.grpcAddr, err)
		}
		gs := grpc.NewServer()
		live.NewServer(s.hub, s.log).RegisterGRPC(gs)

		g.Go(func() error {
			s.log.Info("grpc server listening", "addr", lis.Addr().String())
			if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			gs.Stop()
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// statusFor maps domain sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnsupported):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}
