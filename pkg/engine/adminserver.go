package engine

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codex-turnengine/turnengine/pkg/engine/metrics"
)

// AdminServer is the engine's operational HTTP surface: Prometheus scrape
// target plus a liveness probe. It generalizes the teacher's
// pkg/admin/server.go Server{socketPath,...}.Start(ctx) shape -- a
// net.Listen'd HTTP mux torn down on ctx.Done() -- from API-key/quota
// management endpoints onto the engine's own /metrics and /healthz, since
// an embedded turn engine has no billing concept of its own to administer.
type AdminServer struct {
	addr      string
	collector *metrics.Collector
	health    func() HealthStatus
}

// HealthStatus is what /healthz reports, supplied by the embedder's own
// readiness check (e.g. "can I reach the model provider").
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// NewAdminServer builds an admin server bound to addr (e.g. "127.0.0.1:9090").
// health may be nil, in which case /healthz always reports healthy.
func NewAdminServer(addr string, collector *metrics.Collector, health func() HealthStatus) *AdminServer {
	if health == nil {
		health = func() HealthStatus { return HealthStatus{Healthy: true} }
	}
	return &AdminServer{addr: addr, collector: collector, health: health}
}

// Start listens on a.addr and serves until ctx is cancelled, mirroring the
// teacher admin server's listen-then-goroutine-on-ctx.Done()-then-Serve
// ordering so a cancelled context always stops accepting new connections
// before Serve returns ErrServerClosed.
func (a *AdminServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	if a.collector != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(a.collector.Registry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", a.handleHealthz)

	server := &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	err = server.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (a *AdminServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := a.health()
	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
