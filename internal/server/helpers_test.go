package server_test

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/relay/internal/relay"
	"github.com/Tyrowin/relay/internal/server"
	"github.com/Tyrowin/relay/internal/testhelpers"
)

// testEnv is a running hub behind an httptest server.
type testEnv struct {
	hub     *server.Hub
	metrics *server.Metrics
	ts      *httptest.Server
	wsURL   string
}

func newTestEnv(t *testing.T, customize func(cfg *server.Config)) *testEnv {
	t.Helper()

	cfg := server.DefaultConfig()
	cfg.AllowedOrigins = []string{testhelpers.TestOrigin}
	if customize != nil {
		customize(&cfg)
	}

	router := relay.NewRouter(relay.NewMemoryQueue(), relay.Options{
		EnforceSender: cfg.EnforceSender,
		Logger:        zerolog.Nop(),
	})
	metrics := server.NewMetrics()
	hub := server.NewHub(cfg, router, metrics, zerolog.Nop())
	go hub.Run()

	ts := httptest.NewServer(server.SetupRoutes(hub, metrics))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = hub.Shutdown(2 * time.Second) })

	return &testEnv{hub: hub, metrics: metrics, ts: ts, wsURL: testhelpers.WebSocketURL(ts)}
}

// waitForClients blocks until the hub tracks exactly n connections.
func (e *testEnv) waitForClients(t *testing.T, n int) {
	t.Helper()
	testhelpers.Eventually(t, func() bool { return e.hub.ClientCount() == n }, 2*time.Second,
		"hub did not reach expected client count")
}
