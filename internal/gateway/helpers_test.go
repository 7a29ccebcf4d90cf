// ABOUTME: Shared test helpers for the gateway: fake fleet, config builder and gateway harness
// ABOUTME: Upstreams are httptest servers; the fleet's readiness is set directly by tests

package gateway

import (
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/graph"
	"github.com/2389/fleet-gateway/internal/orchestrator"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeFleet is a Fleet whose states are set by the test.
type fakeFleet struct {
	mu     sync.Mutex
	states map[string]orchestrator.State
	phase  orchestrator.Phase
}

func newFakeFleet(names ...string) *fakeFleet {
	f := &fakeFleet{states: make(map[string]orchestrator.State), phase: orchestrator.PhaseBootstrapping}
	for _, n := range names {
		f.states[n] = orchestrator.StatePending
	}
	return f
}

func (f *fakeFleet) set(name string, state orchestrator.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[name] = state
}

func (f *fakeFleet) IsReady(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[name] == orchestrator.StateReady
}

func (f *fakeFleet) Snapshot() orchestrator.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := orchestrator.Status{
		Services: make(map[string]orchestrator.ServiceStatus, len(f.states)),
		Phase:    f.phase,
	}
	for name, s := range f.states {
		st.Services[name] = orchestrator.ServiceStatus{State: s, Kind: graph.KindService}
	}
	return st
}

// testConfig parses a YAML document the way the binary does, failing the test
// on any error.
func testConfig(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(doc), ".yaml")
	require.NoError(t, err)
	return cfg
}

// hostOf returns host:port of an httptest server.
func hostOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

// freeAddr returns a loopback address with a currently unused port.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// harness is a gateway served over httptest.
type harness struct {
	gw     *Gateway
	fleet  *fakeFleet
	events *orchestrator.Broadcaster
	server *httptest.Server
}

func newHarness(t *testing.T, cfg *config.Config, fleet *fakeFleet, ledger HistoryStore) *harness {
	t.Helper()
	events := orchestrator.NewBroadcaster(discardLogger())
	opts := Options{
		Config: cfg,
		Fleet:  fleet,
		Events: events,
		Logger: discardLogger(),
	}
	if ledger != nil {
		opts.Ledger = ledger
	}
	gw, err := New(opts)
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		gw.shutdownOnce.Do(func() { close(gw.shutdown) })
		events.Close()
		srv.Close()
	})
	return &harness{gw: gw, fleet: fleet, events: events, server: srv}
}

// eventually polls cond for up to two seconds.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond, msg)
}

// httptestRecorder serves one request against the gateway's handler in-process.
func httptestRecorder(gw *Gateway, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}
