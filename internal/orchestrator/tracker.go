// ABOUTME: Tracker owns every service's state and enforces the transition table.
// ABOUTME: Observers receive each transition after it is applied.

package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/2389/fleet-gateway/internal/graph"
)

// Tracker holds service states. Only the orchestrator mutates it; readers
// use Snapshot, State and IsReady.
type Tracker struct {
	mu        sync.RWMutex
	services  map[string]*ServiceStatus
	phase     Phase
	cycleID   string
	startedAt time.Time
	observers []func(Event)
	now       func() time.Time
}

// NewTracker creates a tracker with every service in g pending.
func NewTracker(g *graph.Graph) *Tracker {
	now := time.Now
	t := &Tracker{
		services: make(map[string]*ServiceStatus, g.Len()),
		phase:    PhaseIdle,
		now:      now,
	}
	for _, name := range g.Names() {
		d, _ := g.Get(name)
		kind := d.Kind
		if kind == "" {
			kind = graph.KindService
		}
		t.services[name] = &ServiceStatus{State: StatePending, Kind: kind, UpdatedAt: now().UTC()}
	}
	return t
}

// Observe registers fn to be called after every transition. Must be called
// before the orchestrator starts.
func (t *Tracker) Observe(fn func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

// Transition moves name to the given state.
func (t *Tracker) Transition(name string, to State, reason string) (Event, error) {
	return t.transition(name, nil, to, reason)
}

// TransitionFrom moves name to the given state only if it is currently in from.
func (t *Tracker) TransitionFrom(name string, from, to State, reason string) (Event, error) {
	return t.transition(name, &from, to, reason)
}

func (t *Tracker) transition(name string, from *State, to State, reason string) (Event, error) {
	t.mu.Lock()
	svc, ok := t.services[name]
	if !ok {
		t.mu.Unlock()
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	if from != nil && svc.State != *from {
		current := svc.State
		t.mu.Unlock()
		return Event{}, fmt.Errorf("%w: %s is %s, not %s", ErrIllegalTransition, name, current, *from)
	}
	if !CanTransition(svc.State, to) {
		current := svc.State
		t.mu.Unlock()
		return Event{}, fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, name, current, to)
	}

	ev := Event{
		CycleID: t.cycleID,
		Service: name,
		From:    svc.State,
		To:      to,
		Reason:  reason,
		At:      t.now().UTC(),
	}
	svc.State = to
	svc.UpdatedAt = ev.At
	switch to {
	case StateStarting:
		svc.Attempts++
	case StateReady:
		svc.LastError = ""
	}
	if reason != "" && (to == StateFailed || to == StateTerminal) {
		svc.LastError = reason
	}
	ev.Attempt = svc.Attempts
	observers := t.observers
	t.mu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
	return ev, nil
}

// State returns name's current state.
func (t *Tracker) State(name string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if svc, ok := t.services[name]; ok {
		return svc.State
	}
	return ""
}

// IsReady reports whether name is ready.
func (t *Tracker) IsReady(name string) bool {
	return t.State(name) == StateReady
}

// Snapshot returns a copy of the current status.
func (t *Tracker) Snapshot() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	services := make(map[string]ServiceStatus, len(t.services))
	for name, svc := range t.services {
		services[name] = *svc
	}
	return Status{
		Services:  services,
		Phase:     t.phase,
		CycleID:   t.cycleID,
		StartedAt: t.startedAt,
	}
}

// Phase returns the current cycle phase.
func (t *Tracker) Phase() Phase {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.phase
}

func (t *Tracker) setPhase(p Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = p
}

func (t *Tracker) setCycle(id string, startedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cycleID = id
	t.startedAt = startedAt
}

// counts returns how many services are in each state.
func (t *Tracker) counts() map[State]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[State]int)
	for _, svc := range t.services {
		out[svc.State]++
	}
	return out
}
