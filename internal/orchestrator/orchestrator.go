// ABOUTME: Bootstrap orchestrator: brings the fleet up batch by batch with secrets, retries and fail-fast.
// ABOUTME: Records every transition to the broadcaster and the ledger, then supervises until shutdown.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fleet-gateway/internal/graph"
	"github.com/2389/fleet-gateway/internal/launcher"
	"github.com/2389/fleet-gateway/internal/probe"
	"github.com/2389/fleet-gateway/internal/retry"
	"github.com/2389/fleet-gateway/internal/secretstore"
	"github.com/2389/fleet-gateway/internal/store"
)

const (
	defaultReadinessTimeout = 60 * time.Second
	defaultStopTimeout      = 10 * time.Second
	minRenewInterval        = time.Second
)

// SecretStore is the subset of the secret store client the orchestrator uses.
type SecretStore interface {
	WaitReady(ctx context.Context, policy retry.Policy) error
	Authenticate(ctx context.Context, id secretstore.BootstrapIdentity) (secretstore.SessionToken, error)
	IssueRole(ctx context.Context, session secretstore.SessionToken, role string, policies []string) (secretstore.RoleCredential, error)
	FetchSecret(ctx context.Context, path, key string, cred secretstore.RoleCredential) (secretstore.Value, error)
	MaterializeToDisk(value secretstore.Value, target string) (secretstore.Lease, error)
	RenewSelf(ctx context.Context, session secretstore.SessionToken) (secretstore.SessionToken, error)
	ResetCycle()
}

var _ SecretStore = (*secretstore.Client)(nil)

// ProbeFactory builds a readiness prober for a service.
type ProbeFactory func(spec graph.ProbeSpec, address string) (probe.Prober, error)

// Config wires an Orchestrator.
type Config struct {
	Graph    *graph.Graph
	Launcher launcher.Launcher

	// Secrets may be nil when no service declares secrets.
	Secrets     SecretStore
	Identity    secretstore.BootstrapIdentity
	StorePolicy retry.Policy
	SecretsDir  string

	ReadinessTimeout time.Duration
	// ProbePolicy paces readiness polls; a probe interval overrides it with a fixed delay.
	ProbePolicy retry.Policy
	StopTimeout time.Duration

	// Ledger and Broadcaster are optional.
	Ledger      store.Store
	Broadcaster *Broadcaster
	Probes      ProbeFactory
	Logger      *slog.Logger
}

// Orchestrator drives the service state machine.
type Orchestrator struct {
	cfg         Config
	graph       *graph.Graph
	tracker     *Tracker
	broadcaster *Broadcaster
	logger      *slog.Logger

	storeErr    error
	ledgerReady atomic.Bool
	stopping    atomic.Bool

	mu      sync.Mutex
	session secretstore.SessionToken
	procs   map[string]launcher.Process
	started []string
}

// New validates cfg and creates an orchestrator with every service pending.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Graph == nil {
		return nil, errors.New("orchestrator requires a dependency graph")
	}
	if cfg.Launcher == nil {
		return nil, errors.New("orchestrator requires a launcher")
	}
	for _, name := range cfg.Graph.Names() {
		d, _ := cfg.Graph.Get(name)
		if len(d.Secrets) > 0 && (cfg.Secrets == nil || cfg.SecretsDir == "") {
			return nil, fmt.Errorf("service %s declares secrets but no secret store or secrets dir is configured", name)
		}
	}
	if cfg.ReadinessTimeout <= 0 {
		cfg.ReadinessTimeout = defaultReadinessTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.ProbePolicy.Initial <= 0 {
		cfg.ProbePolicy = retry.Policy{Kind: retry.KindExponential, Initial: 250 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2}
	}
	if cfg.Probes == nil {
		cfg.Probes = probe.New
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "orchestrator")
	if cfg.Broadcaster == nil {
		cfg.Broadcaster = NewBroadcaster(cfg.Logger)
	}

	o := &Orchestrator{
		cfg:         cfg,
		graph:       cfg.Graph,
		tracker:     NewTracker(cfg.Graph),
		broadcaster: cfg.Broadcaster,
		logger:      logger,
		procs:       make(map[string]launcher.Process),
	}
	o.tracker.Observe(o.record)
	return o, nil
}

// Tracker returns the read side of service state.
func (o *Orchestrator) Tracker() *Tracker { return o.tracker }

// Broadcaster returns the transition broadcaster.
func (o *Orchestrator) Broadcaster() *Broadcaster { return o.broadcaster }

// Snapshot returns the current status.
func (o *Orchestrator) Snapshot() Status { return o.tracker.Snapshot() }

// IsReady reports whether name is ready.
func (o *Orchestrator) IsReady(name string) bool { return o.tracker.IsReady(name) }

// record fans a transition out to logs, subscribers and the ledger.
func (o *Orchestrator) record(ev Event) {
	attrs := []any{"service", ev.Service, "from", ev.From, "to", ev.To, "attempt", ev.Attempt}
	if ev.Reason != "" {
		attrs = append(attrs, "reason", ev.Reason)
	}
	switch ev.To {
	case StateFailed, StateTerminal:
		o.logger.Warn("service transition", attrs...)
	default:
		o.logger.Info("service transition", attrs...)
	}

	o.broadcaster.Publish(ev)

	if o.cfg.Ledger == nil || !o.ledgerReady.Load() {
		return
	}
	err := o.cfg.Ledger.RecordTransition(context.Background(), &store.Transition{
		CycleID: ev.CycleID,
		Service: ev.Service,
		From:    string(ev.From),
		To:      string(ev.To),
		Attempt: ev.Attempt,
		Reason:  ev.Reason,
		At:      ev.At,
	})
	if err != nil {
		o.logger.Warn("failed to record transition", "service", ev.Service, "error", err)
	}
}

// Run bootstraps the fleet, supervises it until ctx is done, then stops
// every process started in this cycle.
func (o *Orchestrator) Run(ctx context.Context) error {
	if _, err := o.Bootstrap(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), o.cfg.StopTimeout)
	defer cancel()
	o.Stop(stopCtx)
	return nil
}

// Bootstrap runs one bootstrap cycle and returns the resulting status.
// Service failures are reported in the status, not as an error; the error
// is non-nil only when ctx ends the cycle early.
func (o *Orchestrator) Bootstrap(ctx context.Context) (Status, error) {
	cycle := &store.Cycle{ID: uuid.New().String(), Services: o.graph.Len(), StartedAt: time.Now().UTC()}
	if o.cfg.Ledger != nil {
		if err := o.cfg.Ledger.StartCycle(ctx, cycle); err != nil {
			o.logger.Warn("failed to record cycle; ledger disabled for this cycle", "error", err)
		} else {
			o.ledgerReady.Store(true)
		}
	}
	o.tracker.setCycle(cycle.ID, cycle.StartedAt)
	logger := o.logger.With("cycle", cycle.ID)
	logger.Info("bootstrap starting", "services", o.graph.Len())

	if o.cfg.Secrets != nil {
		o.cfg.Secrets.ResetCycle()
	}
	if o.needsSecrets() {
		o.tracker.setPhase(PhaseWaitingOnStore)
		o.connectStore(ctx)
	}

	o.tracker.setPhase(PhaseBootstrapping)
	for i, batch := range o.graph.TopologicalBatches() {
		if ctx.Err() != nil {
			break
		}
		logger.Debug("starting batch", "batch", i, "services", batch)

		var wg sync.WaitGroup
		for _, name := range batch {
			wg.Add(1)
			go func() {
				defer wg.Done()
				o.bootService(ctx, name)
			}()
		}
		wg.Wait()
	}

	if ctx.Err() != nil {
		o.terminateRemaining("shutdown")
	}

	phase := o.finalPhase(ctx)
	o.tracker.setPhase(phase)
	if o.ledgerReady.Load() {
		if err := o.cfg.Ledger.FinishCycle(context.Background(), cycle.ID, ledgerPhase(phase), time.Now().UTC()); err != nil {
			logger.Warn("failed to finish cycle", "error", err)
		}
	}

	counts := o.tracker.counts()
	logger.Info("bootstrap finished", "phase", phase, "ready", counts[StateReady], "terminal", counts[StateTerminal])
	return o.tracker.Snapshot(), ctx.Err()
}

func (o *Orchestrator) needsSecrets() bool {
	for _, name := range o.graph.Names() {
		if d, _ := o.graph.Get(name); len(d.Secrets) > 0 {
			return true
		}
	}
	return false
}

// connectStore waits for the store and authenticates. On failure every
// service needing secrets is later marked terminal; the rest proceed.
func (o *Orchestrator) connectStore(ctx context.Context) {
	err := o.cfg.Secrets.WaitReady(ctx, o.cfg.StorePolicy)
	var session secretstore.SessionToken
	if err == nil {
		session, err = o.cfg.Secrets.Authenticate(ctx, o.cfg.Identity)
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.storeErr = err
		o.logger.Error("secret store unavailable; services that need secrets will not start", "error", err)
		return
	}

	o.mu.Lock()
	o.session = session
	o.mu.Unlock()
	go o.renewLoop(ctx)
}

func (o *Orchestrator) currentSession() secretstore.SessionToken {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// renewLoop renews the session at half its TTL until ctx is done.
func (o *Orchestrator) renewLoop(ctx context.Context) {
	session := o.currentSession()
	if !session.Renewable || session.TTL <= 0 {
		return
	}
	next := session.TTL / 2

	for {
		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		renewed, err := o.cfg.Secrets.RenewSelf(ctx, session)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if retry.IsPermanent(err) {
				o.logger.Error("session renewal rejected", "error", err)
				return
			}
			next = max(next/2, minRenewInterval)
			o.logger.Warn("session renewal failed", "error", err, "retry_in", next)
			continue
		}

		session = renewed
		o.mu.Lock()
		o.session = renewed
		o.mu.Unlock()
		if !renewed.Renewable || renewed.TTL <= 0 {
			return
		}
		next = max(renewed.TTL/2, minRenewInterval)
		o.logger.Debug("session renewed", "ttl", renewed.TTL)
	}
}

// bootService runs the attempt loop for one batch member.
func (o *Orchestrator) bootService(ctx context.Context, name string) {
	desc, _ := o.graph.Get(name)
	if o.tracker.State(name) != StatePending {
		return
	}
	if ctx.Err() != nil {
		o.terminate(name, "shutdown", false)
		return
	}
	for _, dep := range o.graph.Dependencies(name) {
		if !o.tracker.IsReady(dep) {
			o.terminate(name, fmt.Sprintf("dependency %s not ready", dep), true)
			return
		}
	}
	if len(desc.Secrets) > 0 && o.storeErr != nil {
		o.terminate(name, fmt.Sprintf("%v: %v", ErrStoreUnavailable, o.storeErr), true)
		return
	}
	if o.alreadyCompleted(ctx, desc) {
		return
	}

	maxAttempts := max(desc.Restart.MaxAttempts, 1)
	bo := desc.Restart.Backoff.NewBackOff()

	for attempt := 1; ; attempt++ {
		if _, err := o.tracker.Transition(name, StateStarting, ""); err != nil {
			o.logger.Error("cannot start service", "service", name, "error", err)
			return
		}

		proc, err := o.attempt(ctx, desc)
		if err == nil {
			o.tracker.Transition(name, StateReady, "")
			if desc.IsTask() {
				o.markCompleted(desc)
			} else {
				go o.watch(ctx, name, proc)
			}
			return
		}

		o.tracker.Transition(name, StateFailed, err.Error())
		switch {
		case ctx.Err() != nil:
			o.terminate(name, "shutdown", false)
			return
		case retry.IsPermanent(err):
			o.terminate(name, err.Error(), true)
			return
		case attempt >= maxAttempts:
			o.terminate(name, fmt.Sprintf("gave up after %d attempts: %v", attempt, err), true)
			return
		}

		o.tracker.Transition(name, StateRetrying, "")
		next := bo.NextBackOff()
		if next < 0 {
			next = 0
		}
		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			o.terminate(name, "shutdown", false)
			return
		case <-timer.C:
		}
	}
}

// attempt materializes secrets, starts the process and waits for readiness.
func (o *Orchestrator) attempt(ctx context.Context, desc graph.ServiceDescriptor) (launcher.Process, error) {
	env := map[string]string{"FLEET_SERVICE": desc.Name}
	if o.cfg.SecretsDir != "" {
		env["SECRETS_DIR"] = o.secretDir(desc.Name)
	}

	if len(desc.Secrets) > 0 {
		if err := o.materialize(ctx, desc); err != nil {
			return nil, err
		}
	}

	proc, err := o.cfg.Launcher.Start(ctx, desc, env)
	if err != nil {
		if errors.Is(err, launcher.ErrNoLauncher) {
			return nil, retry.Permanent(err)
		}
		return nil, fmt.Errorf("launching %s: %w", desc.Name, err)
	}
	o.trackProcess(desc.Name, proc)

	if err := o.awaitReady(ctx, desc, proc); err != nil {
		o.stopProcess(desc.Name, proc)
		return nil, err
	}
	return proc, nil
}

func (o *Orchestrator) secretDir(service string) string {
	return filepath.Join(o.cfg.SecretsDir, service)
}

// materialize fetches every secret the service needs and writes it under
// its secret directory, then verifies each expected file exists.
func (o *Orchestrator) materialize(ctx context.Context, desc graph.ServiceDescriptor) error {
	session := o.currentSession()
	dir := o.secretDir(desc.Name)

	for _, req := range desc.Secrets {
		role := req.Role
		if role == "" {
			role = desc.Name
		}
		cred, err := o.cfg.Secrets.IssueRole(ctx, session, role, req.Policies)
		if err != nil {
			return fmt.Errorf("issuing role %s: %w", role, err)
		}
		value, err := o.cfg.Secrets.FetchSecret(ctx, req.Path, req.Key, cred)
		if err != nil {
			return fmt.Errorf("fetching secret %s: %w", req.Name, err)
		}
		if _, err := o.cfg.Secrets.MaterializeToDisk(value, filepath.Join(dir, req.FileName())); err != nil {
			return fmt.Errorf("materializing secret %s: %w", req.Name, err)
		}
	}

	for _, req := range desc.Secrets {
		path := filepath.Join(dir, req.FileName())
		if _, err := os.Stat(path); err != nil {
			return &MissingSecretError{Service: desc.Name, Path: path}
		}
	}
	return nil
}

// awaitReady waits for a task to exit 0, or for a service's probe to pass
// within the readiness timeout.
func (o *Orchestrator) awaitReady(ctx context.Context, desc graph.ServiceDescriptor, proc launcher.Process) error {
	if desc.IsTask() {
		code, err := proc.Wait(ctx)
		if err != nil {
			return err
		}
		if code != 0 {
			return &ExitError{Service: desc.Name, Code: code}
		}
		return nil
	}

	prober, err := o.cfg.Probes(desc.Readiness, desc.Address)
	if err != nil {
		return retry.Permanent(fmt.Errorf("building probe for %s: %w", desc.Name, err))
	}

	policy := o.cfg.ProbePolicy
	if desc.Readiness.Interval > 0 {
		policy = retry.Policy{Kind: retry.KindFixed, Initial: desc.Readiness.Interval}
	}
	policy.MaxAttempts = 0
	policy.Deadline = o.cfg.ReadinessTimeout

	var lastErr error
	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		select {
		case <-proc.Done():
			code, _ := proc.Wait(ctx)
			return retry.Permanent(&ExitError{Service: desc.Name, Code: code})
		default:
		}
		lastErr = prober.Check(ctx)
		return lastErr
	}, func(attempt int, err error, next time.Duration) {
		o.logger.Debug("waiting for readiness", "service", desc.Name, "attempt", attempt, "error", err, "next", next)
	})
	if err == nil {
		return nil
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	if errors.Is(err, retry.ErrDeadlineExceeded) {
		return &ReadinessTimeoutError{Service: desc.Name, Timeout: o.cfg.ReadinessTimeout, Last: lastErr}
	}
	return err
}

// alreadyCompleted marks a run-once task ready without running it when the
// ledger holds a completion for the same descriptor.
func (o *Orchestrator) alreadyCompleted(ctx context.Context, desc graph.ServiceDescriptor) bool {
	if !desc.IsTask() || !desc.RunOnce || o.cfg.Ledger == nil {
		return false
	}
	done, err := o.cfg.Ledger.GetTaskCompletion(ctx, desc.Name)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("failed to read task completion", "task", desc.Name, "error", err)
		}
		return false
	}
	if done.Fingerprint != desc.Fingerprint() {
		return false
	}

	o.logger.Info("task already completed; skipping", "task", desc.Name, "completed_in", done.CycleID)
	if _, err := o.tracker.Transition(desc.Name, StateStarting, ""); err != nil {
		return false
	}
	o.tracker.Transition(desc.Name, StateReady, "")
	return true
}

func (o *Orchestrator) markCompleted(desc graph.ServiceDescriptor) {
	if !desc.RunOnce || o.cfg.Ledger == nil {
		return
	}
	err := o.cfg.Ledger.MarkTaskComplete(context.Background(), &store.TaskCompletion{
		Task:        desc.Name,
		Fingerprint: desc.Fingerprint(),
		CycleID:     o.tracker.Snapshot().CycleID,
	})
	if err != nil {
		o.logger.Warn("failed to record task completion", "task", desc.Name, "error", err)
	}
}

// watch reports a ready service whose process exits. It is not restarted.
func (o *Orchestrator) watch(ctx context.Context, name string, proc launcher.Process) {
	select {
	case <-ctx.Done():
		return
	case <-proc.Done():
	}
	if o.stopping.Load() {
		return
	}
	code, _ := proc.Wait(context.Background())
	o.tracker.TransitionFrom(name, StateReady, StateFailed, fmt.Sprintf("exited with code %d after becoming ready", code))
}

// terminate marks name terminal. With propagate, every transitive
// dependent still pending is marked terminal too.
func (o *Orchestrator) terminate(name, reason string, propagate bool) {
	if _, err := o.tracker.Transition(name, StateTerminal, reason); err != nil {
		o.logger.Error("cannot mark service terminal", "service", name, "error", err)
		return
	}
	if !propagate {
		return
	}
	for _, dep := range o.graph.Dependents(name) {
		o.tracker.TransitionFrom(dep, StatePending, StateTerminal, fmt.Sprintf("dependency %s terminal", name))
	}
}

// terminateRemaining marks every still-pending service terminal.
func (o *Orchestrator) terminateRemaining(reason string) {
	for _, name := range o.graph.Names() {
		o.tracker.TransitionFrom(name, StatePending, StateTerminal, reason)
	}
}

func (o *Orchestrator) finalPhase(ctx context.Context) Phase {
	if ctx.Err() != nil {
		return PhaseStopped
	}
	counts := o.tracker.counts()
	switch {
	case counts[StateReady] == o.graph.Len():
		return PhaseReady
	case counts[StateReady] == 0 && o.graph.Len() > 0:
		return PhaseFailed
	default:
		return PhaseDegraded
	}
}

func ledgerPhase(p Phase) string {
	switch p {
	case PhaseReady:
		return store.PhaseReady
	case PhaseFailed:
		return store.PhaseFailed
	case PhaseStopped:
		return store.PhaseStopped
	default:
		return store.PhaseDegraded
	}
}

func (o *Orchestrator) trackProcess(name string, proc launcher.Process) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.procs[name] = proc
	o.started = append(o.started, name)
}

func (o *Orchestrator) stopProcess(name string, proc launcher.Process) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StopTimeout)
	defer cancel()
	if err := proc.Stop(ctx); err != nil {
		o.logger.Warn("failed to stop process", "service", name, "error", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.procs[name] == proc {
		delete(o.procs, name)
	}
}

// Stop stops every process started in this cycle, most recent first.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.stopping.Store(true)

	o.mu.Lock()
	order := slices.Clone(o.started)
	procs := make(map[string]launcher.Process, len(o.procs))
	for k, v := range o.procs {
		procs[k] = v
	}
	o.mu.Unlock()

	slices.Reverse(order)
	seen := make(map[string]bool)
	for _, name := range order {
		proc, ok := procs[name]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		if err := proc.Stop(ctx); err != nil {
			o.logger.Warn("failed to stop process", "service", name, "error", err)
		}
	}
	o.tracker.setPhase(PhaseStopped)
	o.logger.Info("orchestrator stopped", "processes", len(seen))
}

// Close releases the broadcaster.
func (o *Orchestrator) Close() {
	o.broadcaster.Close()
}
