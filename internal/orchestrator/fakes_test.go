// ABOUTME: Test doubles for the orchestrator: scripted launcher, processes, probes and secret store.
// ABOUTME: Everything is in-memory so bootstrap scenarios run in milliseconds.

package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/graph"
	"github.com/2389/fleet-gateway/internal/launcher"
	"github.com/2389/fleet-gateway/internal/probe"
	"github.com/2389/fleet-gateway/internal/retry"
	"github.com/2389/fleet-gateway/internal/secretstore"
	"github.com/2389/fleet-gateway/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProc is a controllable process.
type fakeProc struct {
	done    chan struct{}
	once    sync.Once
	code    int
	stopped atomic.Bool
}

func newFakeProc() *fakeProc {
	return &fakeProc{done: make(chan struct{})}
}

func exitedProc(code int) *fakeProc {
	p := newFakeProc()
	p.exit(code)
	return p
}

func (p *fakeProc) exit(code int) {
	p.once.Do(func() {
		p.code = code
		close(p.done)
	})
}

func (p *fakeProc) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *fakeProc) Stop(context.Context) error {
	p.stopped.Store(true)
	p.exit(-1)
	return nil
}

func (p *fakeProc) Done() <-chan struct{} { return p.done }

// fakeLauncher records starts. behave picks the process for the nth start
// of a service; by default tasks exit 0 and services keep running.
type fakeLauncher struct {
	mu      sync.Mutex
	starts  []string
	counts  map[string]int
	procs   map[string][]*fakeProc
	envs    map[string]map[string]string
	behave  map[string]func(n int) (*fakeProc, error)
	onStart func(name string, env map[string]string)
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		counts: map[string]int{},
		procs:  map[string][]*fakeProc{},
		envs:   map[string]map[string]string{},
		behave: map[string]func(int) (*fakeProc, error){},
	}
}

var _ launcher.Launcher = (*fakeLauncher)(nil)

func (l *fakeLauncher) Start(ctx context.Context, desc graph.ServiceDescriptor, env map[string]string) (launcher.Process, error) {
	l.mu.Lock()
	l.counts[desc.Name]++
	n := l.counts[desc.Name]
	l.starts = append(l.starts, desc.Name)
	l.envs[desc.Name] = env
	fn := l.behave[desc.Name]
	onStart := l.onStart
	l.mu.Unlock()

	if onStart != nil {
		onStart(desc.Name, env)
	}

	var p *fakeProc
	switch {
	case fn != nil:
		var err error
		p, err = fn(n)
		if err != nil {
			return nil, err
		}
	case desc.IsTask():
		p = exitedProc(0)
	default:
		p = newFakeProc()
	}

	l.mu.Lock()
	l.procs[desc.Name] = append(l.procs[desc.Name], p)
	l.mu.Unlock()
	return p, nil
}

func (l *fakeLauncher) startCount(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[name]
}

func (l *fakeLauncher) startOrder() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.starts...)
}

func (l *fakeLauncher) procsFor(name string) []*fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeProc(nil), l.procs[name]...)
}

// fakeProbes answers readiness per service; unknown services are ready.
type fakeProbes struct {
	mu       sync.Mutex
	notReady map[string]bool
}

func newFakeProbes() *fakeProbes {
	return &fakeProbes{notReady: map[string]bool{}}
}

func (f *fakeProbes) set(name string, ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notReady[name] = !ready
}

func (f *fakeProbes) factory() ProbeFactory {
	return func(spec graph.ProbeSpec, address string) (probe.Prober, error) {
		name := address
		return probe.ProberFunc(func(context.Context) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.notReady[name] {
				return errors.New("connection refused")
			}
			return nil
		}), nil
	}
}

// fakeSecrets is an in-memory secret store.
type fakeSecrets struct {
	mu        sync.Mutex
	waitErr   error
	authErr   error
	fetchErr  map[string]error
	values    map[string]string
	skipWrite bool
	ttl       time.Duration
	issued    []string
	renewals  atomic.Int32
	resets    atomic.Int32
}

func newFakeSecrets() *fakeSecrets {
	return &fakeSecrets{fetchErr: map[string]error{}, values: map[string]string{}}
}

var _ SecretStore = (*fakeSecrets)(nil)

func (f *fakeSecrets) WaitReady(ctx context.Context, _ retry.Policy) error {
	return f.waitErr
}

func (f *fakeSecrets) Authenticate(ctx context.Context, id secretstore.BootstrapIdentity) (secretstore.SessionToken, error) {
	if f.authErr != nil {
		return secretstore.SessionToken{}, f.authErr
	}
	return secretstore.SessionToken{Token: "session", TTL: f.ttl, Renewable: f.ttl > 0, IssuedAt: time.Now()}, nil
}

func (f *fakeSecrets) IssueRole(ctx context.Context, session secretstore.SessionToken, role string, policies []string) (secretstore.RoleCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued = append(f.issued, role)
	return secretstore.RoleCredential{Role: role, Policies: policies, Token: "role-" + role}, nil
}

func (f *fakeSecrets) FetchSecret(ctx context.Context, path, key string, cred secretstore.RoleCredential) (secretstore.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fetchErr[path]; err != nil {
		return secretstore.Value{}, err
	}
	v, ok := f.values[path]
	if !ok {
		return secretstore.Value{}, &secretstore.NotFoundError{Path: path}
	}
	return secretstore.NewValue(path, []byte(v)), nil
}

func (f *fakeSecrets) MaterializeToDisk(value secretstore.Value, target string) (secretstore.Lease, error) {
	if !f.skipWrite {
		if err := secretstore.WriteFileAtomic(target, value.Bytes()); err != nil {
			return secretstore.Lease{}, err
		}
	}
	return secretstore.Lease{Path: value.Path, Target: target, Fingerprint: value.Fingerprint()}, nil
}

func (f *fakeSecrets) RenewSelf(ctx context.Context, session secretstore.SessionToken) (secretstore.SessionToken, error) {
	f.renewals.Add(1)
	session.IssuedAt = time.Now()
	return session, nil
}

func (f *fakeSecrets) ResetCycle() {
	f.resets.Add(1)
}

// harness bundles an orchestrator with its fakes.
type harness struct {
	orch     *Orchestrator
	launcher *fakeLauncher
	probes   *fakeProbes
	secrets  *fakeSecrets
	ledger   *store.MockStore
}

func fastRestart(max int) graph.RestartPolicy {
	return graph.RestartPolicy{
		MaxAttempts: max,
		Backoff:     retry.Policy{Kind: retry.KindFixed, Initial: time.Millisecond},
	}
}

// service and task build descriptors whose address is their own name, so
// fakeProbes can key on it.
func service(name string, deps ...string) graph.ServiceDescriptor {
	return graph.ServiceDescriptor{
		Name:      name,
		Address:   name,
		Kind:      graph.KindService,
		DependsOn: deps,
		Restart:   fastRestart(1),
		Readiness: graph.ProbeSpec{Type: graph.ProbeTCP, Interval: time.Millisecond},
	}
}

func task(name string, deps ...string) graph.ServiceDescriptor {
	d := service(name, deps...)
	d.Kind = graph.KindTask
	d.Readiness = graph.ProbeSpec{}
	return d
}

func newHarness(t *testing.T, descs []graph.ServiceDescriptor, mutate ...func(*Config)) *harness {
	t.Helper()
	g, err := graph.Load(descs)
	require.NoError(t, err)

	h := &harness{
		launcher: newFakeLauncher(),
		probes:   newFakeProbes(),
		secrets:  newFakeSecrets(),
		ledger:   store.NewMockStore(),
	}
	cfg := Config{
		Graph:            g,
		Launcher:         h.launcher,
		Secrets:          h.secrets,
		SecretsDir:       t.TempDir(),
		ReadinessTimeout: 100 * time.Millisecond,
		StopTimeout:      time.Second,
		Ledger:           h.ledger,
		Probes:           h.probes.factory(),
		Logger:           testLogger(),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	h.orch, err = New(cfg)
	require.NoError(t, err)
	t.Cleanup(h.orch.Close)
	return h
}

// transitions returns "from->to" strings recorded for service.
func (h *harness) transitions(t *testing.T, service string) []string {
	t.Helper()
	recorded, err := h.ledger.ListTransitions(context.Background(), store.TransitionFilter{Service: &service})
	require.NoError(t, err)
	out := make([]string, 0, len(recorded))
	for _, tr := range recorded {
		out = append(out, tr.From+"->"+tr.To)
	}
	return out
}
