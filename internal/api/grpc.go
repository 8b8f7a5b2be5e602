package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"autotrade/internal/engine"
)

// ServiceName is the gRPC health service name of the trading engine. The
// empty service name reports the same status.
const ServiceName = "autotrade.Engine"

// staleTicks is how many scan intervals may pass without a tick before the
// engine is reported unhealthy.
const staleTicks = 3

// Fresh reports whether hb is recent enough at now for the engine to count
// as serving.
func Fresh(hb engine.Heartbeat, now time.Time) bool {
	if hb.LastTick.IsZero() {
		return false
	}
	interval := max(time.Duration(hb.IntervalSec)*time.Second, engine.MinScanInterval)
	return now.Sub(hb.LastTick) <= staleTicks*interval
}

// HealthReporter keeps the standard grpc.health.v1 service in step with
// engine heartbeats.
type HealthReporter struct {
	srv *health.Server
	now func() time.Time
	log *slog.Logger

	mu      sync.Mutex
	last    engine.Heartbeat
	serving bool
}

// NewHealthReporter creates a reporter that starts NOT_SERVING until the
// first heartbeat arrives.
func NewHealthReporter(now func() time.Time) *HealthReporter {
	if now == nil {
		now = time.Now
	}
	r := &HealthReporter{
		srv: health.NewServer(),
		now: now,
		log: slog.Default().With("component", "health"),
	}
	r.set(false)
	return r
}

// Register installs the health service on gs.
func (r *HealthReporter) Register(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, r.srv)
}

// Server returns the underlying health server.
func (r *HealthReporter) Server() healthpb.HealthServer { return r.srv }

// Observe records a heartbeat. It is meant to be registered with
// engine.OnTick.
func (r *HealthReporter) Observe(hb engine.Heartbeat) {
	r.mu.Lock()
	r.last = hb
	r.mu.Unlock()
	r.Check()
}

// Check re-evaluates freshness against the clock and updates the status.
func (r *HealthReporter) Check() bool {
	r.mu.Lock()
	hb := r.last
	r.mu.Unlock()
	fresh := Fresh(hb, r.now())
	r.set(fresh)
	return fresh
}

// Watch re-checks freshness every period until ctx is cancelled, so a
// stalled engine turns NOT_SERVING without a new heartbeat.
func (r *HealthReporter) Watch(ctx context.Context, period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.srv.Shutdown()
			return
		case <-t.C:
			r.Check()
		}
	}
}

func (r *HealthReporter) set(serving bool) {
	r.mu.Lock()
	changed := r.serving != serving
	r.serving = serving
	r.mu.Unlock()

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	r.srv.SetServingStatus("", status)
	r.srv.SetServingStatus(ServiceName, status)
	if changed {
		r.log.Info("health status changed", "status", status.String())
	}
}
