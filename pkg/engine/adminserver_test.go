package engine

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-turnengine/turnengine/pkg/engine/metrics"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestAdminServerHealthzReportsHealthyByDefault(t *testing.T) {
	addr := freeAddr(t)
	admin := NewAdminServer(addr, metrics.NewCollector(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- admin.Start(ctx) }()
	waitForAddr(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.Healthy)

	cancel()
	require.NoError(t, <-done)
}

func TestAdminServerHealthzReportsUnhealthy(t *testing.T) {
	addr := freeAddr(t)
	admin := NewAdminServer(addr, metrics.NewCollector(), func() HealthStatus {
		return HealthStatus{Healthy: false, Detail: "model provider unreachable"}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- admin.Start(ctx) }()
	waitForAddr(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	cancel()
	require.NoError(t, <-done)
}

func TestAdminServerMetricsEndpointServesPrometheusFormat(t *testing.T) {
	addr := freeAddr(t)
	collector := metrics.NewCollector()
	collector.SetSubAgentsRunning(3)
	admin := NewAdminServer(addr, collector, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- admin.Start(ctx) }()
	waitForAddr(t, addr)

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "turnengine_")

	cancel()
	require.NoError(t, <-done)
}

func waitForAddr(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server never started listening on %s", addr)
}
