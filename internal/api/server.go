// Package api serves the engine's health surface: a read-only HTTP API, the
// WebSocket event stream and the gRPC health service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"

	"autotrade/internal/domain"
	"autotrade/internal/engine"
	"autotrade/internal/store"
)

// Engine is the read side of the trading engine. *engine.Engine satisfies
// it.
type Engine interface {
	Heartbeat() engine.Heartbeat
	ActivePositions() []domain.Position
	Diagnose(ctx context.Context) ([]engine.Diagnosis, error)
	OnTick(fn func(engine.Heartbeat))
}

// Store is the read side of the persistence store.
type Store interface {
	store.SignalStore
	store.TradeStore
	ListClosedPositions(ctx context.Context, start, end time.Time) ([]domain.Position, error)
}

// Options configures a Server.
type Options struct {
	HTTPAddr string
	GRPCAddr string
	Engine   Engine
	Store    Store
	Hub      *Hub // created when nil
	Loc      *time.Location
	Now      func() time.Time
}

// Server hosts the HTTP and gRPC endpoints.
type Server struct {
	engine   Engine
	store    Store
	hub      *Hub
	health   *HealthReporter
	loc      *time.Location
	now      func() time.Time
	httpAddr string
	grpcAddr string
	log      *slog.Logger

	httpSrv *http.Server
	grpcSrv *grpc.Server
}

// NewServer creates a Server and subscribes it to engine heartbeats.
func NewServer(opts Options) *Server {
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	if opts.Loc == nil {
		opts.Loc = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		engine:   opts.Engine,
		store:    opts.Store,
		hub:      opts.Hub,
		health:   NewHealthReporter(opts.Now),
		loc:      opts.Loc,
		now:      opts.Now,
		httpAddr: opts.HTTPAddr,
		grpcAddr: opts.GRPCAddr,
		log:      slog.Default().With("component", "api"),
	}
	s.engine.OnTick(s.health.Observe)
	s.engine.OnTick(s.hub.PublishHeartbeat)

	s.grpcSrv = grpc.NewServer()
	s.health.Register(s.grpcSrv)
	s.httpSrv = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Hub returns the WebSocket hub, which doubles as a notification sink.
func (s *Server) Hub() *Hub { return s.hub }

// Health returns the gRPC health reporter.
func (s *Server) Health() *HealthReporter { return s.health }

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/positions/closed", s.handleClosedPositions)
	mux.HandleFunc("GET /api/signals", s.handleSignals)
	mux.HandleFunc("GET /api/trades", s.handleTrades)
	mux.HandleFunc("GET /api/diagnosis", s.handleDiagnosis)
	mux.HandleFunc("GET /api/report", s.handleReport)
	mux.HandleFunc("GET /ws/events", s.hub.ServeWS)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe starts the hub and both listeners and blocks until ctx is
// cancelled or a listener fails. Either way the servers are shut down
// before it returns.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.grpcAddr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.hub.Run(ctx)
	go s.health.Watch(ctx, engine.MinScanInterval)

	errCh := make(chan error, 2)
	go func() {
		s.log.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := s.grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()
	go func() {
		s.log.Info("HTTP server listening", "addr", s.httpAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	return errors.Join(err, s.Shutdown(shutdownCtx))
}

// Shutdown gracefully stops both servers.
func (s *Server) Shutdown(ctx context.Context) error {
	stopped := make(chan struct{})
	go func() {
		s.grpcSrv.GracefulStop()
		close(stopped)
	}()
	err := s.httpSrv.Shutdown(ctx)
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcSrv.Stop()
	}
	return err
}
