// ABOUTME: Scenario tests for the bootstrap orchestrator.
// ABOUTME: Covers ordering, retries, fail-fast, secrets, run-once tasks, cancellation and supervision.

package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/graph"
	"github.com/2389/fleet-gateway/internal/secretstore"
	"github.com/2389/fleet-gateway/internal/store"
)

func TestNew_RequiresGraphAndLauncher(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	g, err := graph.Load([]graph.ServiceDescriptor{service("db")})
	require.NoError(t, err)
	_, err = New(Config{Graph: g})
	assert.Error(t, err)
}

func TestNew_SecretsNeedStore(t *testing.T) {
	d := service("api")
	d.Secrets = []graph.SecretRequirement{{Name: "token", Path: "secret/data/api"}}
	g, err := graph.Load([]graph.ServiceDescriptor{d})
	require.NoError(t, err)

	_, err = New(Config{Graph: g, Launcher: newFakeLauncher()})
	assert.Error(t, err)
}

func TestBootstrap_StartsInDependencyOrder(t *testing.T) {
	h := newHarness(t, []graph.ServiceDescriptor{
		service("api", "db", "migrate"),
		task("migrate", "db"),
		service("db", "vault"),
		service("vault"),
		service("metrics"),
	})

	var mu sync.Mutex
	var violations []string
	h.launcher.onStart = func(name string, _ map[string]string) {
		for _, dep := range h.orch.graph.Dependencies(name) {
			if !h.orch.IsReady(dep) {
				mu.Lock()
				violations = append(violations, name+" started before "+dep)
				mu.Unlock()
			}
		}
	}

	status, err := h.orch.Bootstrap(context.Background())
	require.NoError(t, err)

	assert.Empty(t, violations)
	assert.Equal(t, PhaseReady, status.Phase)
	for name, svc := range status.Services {
		assert.Equal(t, StateReady, svc.State, name)
		assert.Equal(t, 1, svc.Attempts, name)
	}
	assert.Equal(t, graph.KindTask, status.Services["migrate"].Kind)

	order := h.launcher.startOrder()
	assert.Less(t, slices.Index(order, "vault"), slices.Index(order, "db"))
	assert.Less(t, slices.Index(order, "migrate"), slices.Index(order, "api"))

	cycle, err := h.ledger.LatestCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, status.CycleID, cycle.ID)
	assert.Equal(t, store.PhaseReady, cycle.Phase)
}

func TestBootstrap_FailedTaskFailsFastDependents(t *testing.T) {
	h := newHarness(t, []graph.ServiceDescriptor{
		service("db"),
		task("migrate", "db"),
		service("api", "migrate"),
		service("ui", "api"),
		service("cache"),
	})
	h.launcher.behave["migrate"] = func(int) (*fakeProc, error) { return exitedProc(1), nil }

	status, err := h.orch.Bootstrap(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateTerminal, status.Services["migrate"].State)
	assert.Contains(t, status.Services["migrate"].LastError, "exited with code 1")

	for _, name := range []string{"api", "ui"} {
		assert.Equal(t, StateTerminal, status.Services[name].State, name)
		assert.Contains(t, status.Services[name].LastError, "dependency migrate", name)
		assert.Zero(t, h.launcher.startCount(name), "%s must never start", name)
		assert.Equal(t, []string{"pending->terminal"}, h.transitions(t, name))
	}

	assert.Equal(t, StateReady, status.Services["db"].State)
	assert.Equal(t, StateReady, status.Services["cache"].State)
	assert.Equal(t, PhaseDegraded, status.Phase)
}

func TestBootstrap_MaxAttemptsExactlyThree(t *testing.T) {
	flaky := service("flaky")
	flaky.Restart = fastRestart(3)
	h := newHarness(t, []graph.ServiceDescriptor{flaky}, func(c *Config) {
		c.ReadinessTimeout = 20 * time.Millisecond
	})
	h.probes.set("flaky", false)

	status, err := h.orch.Bootstrap(context.Background())
	require.NoError(t, err)

	svc := status.Services["flaky"]
	assert.Equal(t, StateTerminal, svc.State)
	assert.Equal(t, 3, svc.Attempts)
	assert.Contains(t, svc.LastError, "gave up after 3 attempts")
	assert.Contains(t, svc.LastError, "not ready after")

	starting := 0
	for _, tr := range h.transitions(t, "flaky") {
		if tr == "pending->starting" || tr == "retrying->starting" {
			starting++
		}
	}
	assert.Equal(t, 3, starting)
	assert.Equal(t, 3, h.launcher.startCount("flaky"))

	for _, p := range h.launcher.procsFor("flaky") {
		assert.True(t, p.stopped.Load(), "failed attempts are stopped")
	}
	assert.Equal(t, PhaseFailed, status.Phase)
}

func TestBootstrap_RetryThenSucceed(t *testing.T) {
	migrate := task("migrate")
	migrate.Restart = fastRestart(3)
	h := newHarness(t, []graph.ServiceDescriptor{migrate})
	h.launcher.behave["migrate"] = func(n int) (*fakeProc, error) {
		if n == 1 {
			return exitedProc(1), nil
		}
		return exitedProc(0), nil
	}

	status, err := h.orch.Bootstrap(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateReady, status.Services["migrate"].State)
	assert.Equal(t, 2, status.Services["migrate"].Attempts)
	assert.Empty(t, status.Services["migrate"].LastError)
	assert.Equal(t, []string{
		"pending->starting",
		"starting->failed",
		"failed->retrying",
		"retrying->starting",
		"starting->ready",
	}, h.transitions(t, "migrate"))
}

func TestBootstrap_ServiceExitsBeforeReady(t *testing.T) {
	h := newHarness(t, []graph.ServiceDescriptor{service("api")}, func(c *Config) {
		c.ReadinessTimeout = time.Second
	})
	h.probes.set("api", false)
	h.launcher.behave["api"] = func(int) (*fakeProc, error) { return exitedProc(2), nil }

	start := time.Now()
	status, err := h.orch.Bootstrap(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateTerminal, status.Services["api"].State)
	assert.Contains(t, status.Services["api"].LastError, "exited with code 2")
	assert.Less(t, time.Since(start), 500*time.Millisecond, "early exit must not wait for the readiness timeout")
}

func TestBootstrap_LaunchErrorRetried(t *testing.T) {
	api := service("api")
	api.Restart = fastRestart(2)
	h := newHarness(t, []graph.ServiceDescriptor{api})
	h.launcher.behave["api"] = func(n int) (*fakeProc, error) {
		if n == 1 {
			return nil, errors.New("port in use")
		}
		return newFakeProc(), nil
	}

	status, err := h.orch.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateReady, status.Services["api"].State)
	assert.Equal(t, 2, h.launcher.startCount("api"))
}

func TestBootstrap_MaterializesSecretsBeforeStart(t *testing.T) {
	api := service("api")
	api.Secrets = []graph.SecretRequirement{
		{Name: "db-password", Path: "secret/data/db", Role: "api", Policies: []string{"read-db"}, Key: "password"},
		{Name: "tls", Path: "secret/data/tls", File: "tls.pem"},
	}
	h := newHarness(t, []graph.ServiceDescriptor{api})
	h.secrets.values["secret/data/db"] = "hunter2"
	h.secrets.values["secret/data/tls"] = "PEM"

	var seen []string
	h.launcher.onStart = func(name string, env map[string]string) {
		for _, f := range []string{"db-password", "tls.pem"} {
			data, err := os.ReadFile(filepath.Join(env["SECRETS_DIR"], f))
			if err == nil {
				seen = append(seen, f+"="+string(data))
			}
		}
	}

	status, err := h.orch.Bootstrap(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateReady, status.Services["api"].State)
	assert.Equal(t, []string{"db-password=hunter2", "tls.pem=PEM"}, seen)
	assert.Equal(t, []string{"api", "api"}, h.secrets.issued, "role defaults to the service name")
	assert.Equal(t, int32(1), h.secrets.resets.Load())
}

func TestBootstrap_StoreUnavailable(t *testing.T) {
	api := service("api")
	api.Secrets = []graph.SecretRequirement{{Name: "token", Path: "secret/data/api"}}
	h := newHarness(t, []graph.ServiceDescriptor{
		api,
		service("ui", "api"),
		service("metrics"),
	})
	h.secrets.waitErr = &secretstore.TransientStoreError{Op: "waiting for store", State: secretstore.StateSealed}

	status, err := h.orch.Bootstrap(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateTerminal, status.Services["api"].State)
	assert.Contains(t, status.Services["api"].LastError, "secret store unavailable")
	assert.Equal(t, StateTerminal, status.Services["ui"].State)
	assert.Equal(t, StateReady, status.Services["metrics"].State)
	assert.Zero(t, h.launcher.startCount("api"))
}

func TestBootstrap_AuthRejected(t *testing.T) {
	api := service("api")
	api.Secrets = []graph.SecretRequirement{{Name: "token", Path: "secret/data/api"}}
	h := newHarness(t, []graph.ServiceDescriptor{api})
	h.secrets.authErr = &secretstore.AuthError{Status: 400, Message: "invalid secret id"}

	status, err := h.orch.Bootstrap(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateTerminal, status.Services["api"].State)
	assert.Contains(t, status.Services["api"].LastError, "invalid secret id")
}

func TestBootstrap_PermissionErrorIsFatal(t *testing.T) {
	api := service("api")
	api.Restart = fastRestart(3)
	api.Secrets = []graph.SecretRequirement{{Name: "root", Path: "secret/data/root"}}
	h := newHarness(t, []graph.ServiceDescriptor{api})
	h.secrets.fetchErr["secret/data/root"] = &secretstore.PermissionError{Path: "secret/data/root"}

	status, err := h.orch.Bootstrap(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateTerminal, status.Services["api"].State)
	assert.Equal(t, 1, status.Services["api"].Attempts)
	assert.Contains(t, status.Services["api"].LastError, "permission denied")
	assert.Zero(t, h.launcher.startCount("api"))
}

func TestBootstrap_NotFoundSecretRetried(t *testing.T) {
	api := service("api")
	api.Restart = fastRestart(3)
	api.Secrets = []graph.SecretRequirement{{Name: "token", Path: "secret/data/api"}}
	h := newHarness(t, []graph.ServiceDescriptor{api})

	status, err := h.orch.Bootstrap(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateTerminal, status.Services["api"].State)
	assert.Equal(t, 3, status.Services["api"].Attempts)
	assert.Contains(t, status.Services["api"].LastError, "not found")
}

func TestBootstrap_MissingSecretFile(t *testing.T) {
	api := service("api")
	api.Secrets = []graph.SecretRequirement{{Name: "token", Path: "secret/data/api"}}
	h := newHarness(t, []graph.ServiceDescriptor{api})
	h.secrets.values["secret/data/api"] = "t"
	h.secrets.skipWrite = true

	status, err := h.orch.Bootstrap(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateTerminal, status.Services["api"].State)
	assert.Contains(t, status.Services["api"].LastError, "secret file")
	assert.Zero(t, h.launcher.startCount("api"))
}

func TestBootstrap_RunOnceTaskSkippedOnNextCycle(t *testing.T) {
	migrate := task("migrate")
	migrate.RunOnce = true
	descs := []graph.ServiceDescriptor{migrate, service("api", "migrate")}

	first := newHarness(t, descs)
	status, err := first.orch.Bootstrap(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateReady, status.Services["migrate"].State)
	require.Equal(t, 1, first.launcher.startCount("migrate"))

	second := newHarness(t, descs, func(c *Config) { c.Ledger = first.ledger })
	status, err = second.orch.Bootstrap(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateReady, status.Services["migrate"].State)
	assert.Zero(t, second.launcher.startCount("migrate"), "completed run-once task is not re-run")
	assert.Equal(t, StateReady, status.Services["api"].State)
}

func TestBootstrap_RunOnceRerunsWhenDescriptorChanges(t *testing.T) {
	migrate := task("migrate")
	migrate.RunOnce = true
	ledger := store.NewMockStore()
	require.NoError(t, ledger.MarkTaskComplete(context.Background(), &store.TaskCompletion{
		Task: "migrate", Fingerprint: "stale", CycleID: "old",
	}))

	h := newHarness(t, []graph.ServiceDescriptor{migrate}, func(c *Config) { c.Ledger = ledger })
	_, err := h.orch.Bootstrap(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, h.launcher.startCount("migrate"))
	done, err := ledger.GetTaskCompletion(context.Background(), "migrate")
	require.NoError(t, err)
	assert.Equal(t, migrate.Fingerprint(), done.Fingerprint)
}

func TestBootstrap_Cancellation(t *testing.T) {
	h := newHarness(t, []graph.ServiceDescriptor{
		service("db"),
		service("api", "db"),
	}, func(c *Config) {
		c.ReadinessTimeout = 10 * time.Second
	})
	h.probes.set("db", false)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	status, err := h.orch.Bootstrap(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, StateTerminal, status.Services["db"].State)
	assert.Equal(t, "shutdown", status.Services["db"].LastError)
	assert.Equal(t, StateTerminal, status.Services["api"].State)
	assert.Equal(t, "shutdown", status.Services["api"].LastError)
	assert.Zero(t, h.launcher.startCount("api"))
	assert.Equal(t, PhaseStopped, status.Phase)

	procs := h.launcher.procsFor("db")
	require.Len(t, procs, 1)
	assert.True(t, procs[0].stopped.Load())
}

func TestSupervision_ReadyServiceExitIsReported(t *testing.T) {
	h := newHarness(t, []graph.ServiceDescriptor{service("api")})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := h.orch.Bootstrap(ctx)
	require.NoError(t, err)
	require.True(t, h.orch.IsReady("api"))

	h.launcher.procsFor("api")[0].exit(1)

	require.Eventually(t, func() bool {
		return h.orch.Tracker().State("api") == StateFailed
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, h.orch.Snapshot().Services["api"].LastError, "exited with code 1")
	assert.Equal(t, 1, h.launcher.startCount("api"), "not restarted")
}

func TestRun_StopsProcessesOnShutdown(t *testing.T) {
	h := newHarness(t, []graph.ServiceDescriptor{service("db"), service("api", "db")})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.orch.Tracker().Phase() == PhaseReady
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	for _, name := range []string{"db", "api"} {
		procs := h.launcher.procsFor(name)
		require.Len(t, procs, 1)
		assert.True(t, procs[0].stopped.Load(), name)
	}
	assert.Equal(t, PhaseStopped, h.orch.Tracker().Phase())
	assert.Equal(t, StateReady, h.orch.Tracker().State("api"), "shutdown does not report ready services as failed")
}

func TestSessionRenewal(t *testing.T) {
	api := service("api")
	api.Secrets = []graph.SecretRequirement{{Name: "token", Path: "secret/data/api"}}
	h := newHarness(t, []graph.ServiceDescriptor{api})
	h.secrets.values["secret/data/api"] = "t"
	h.secrets.ttl = 40 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := h.orch.Bootstrap(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.secrets.renewals.Load() >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestBroadcastsTransitions(t *testing.T) {
	h := newHarness(t, []graph.ServiceDescriptor{service("db")})
	ch, _ := h.orch.Broadcaster().Subscribe(t.Context(), AllServices)

	_, err := h.orch.Bootstrap(context.Background())
	require.NoError(t, err)

	var got []State
	for range 2 {
		select {
		case ev := <-ch:
			assert.Equal(t, "db", ev.Service)
			assert.NotEmpty(t, ev.CycleID)
			got = append(got, ev.To)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Equal(t, []State{StateStarting, StateReady}, got)
}
