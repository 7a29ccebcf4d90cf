// ABOUTME: Service lifecycle states, the legal transition table and status snapshot types.
// ABOUTME: Status is what the operator surface and the router read.

package orchestrator

import (
	"errors"
	"slices"
	"time"

	"github.com/2389/fleet-gateway/internal/graph"
)

// ErrIllegalTransition is returned when a state change is not in the table.
var ErrIllegalTransition = errors.New("illegal state transition")

// ErrUnknownService is returned for names not in the graph.
var ErrUnknownService = errors.New("unknown service")

// State is a service's lifecycle state.
type State string

const (
	StatePending  State = "pending"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateFailed   State = "failed"
	StateRetrying State = "retrying"
	StateTerminal State = "terminal"
)

// transitions lists the legal successors of each state.
var transitions = map[State][]State{
	StatePending:  {StateStarting, StateTerminal},
	StateStarting: {StateReady, StateFailed},
	StateReady:    {StateFailed},
	StateFailed:   {StateRetrying, StateTerminal},
	StateRetrying: {StateStarting, StateTerminal},
	StateTerminal: nil,
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Phase summarizes the whole bootstrap cycle.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseWaitingOnStore Phase = "waiting_for_store"
	PhaseBootstrapping  Phase = "bootstrapping"
	PhaseReady          Phase = "ready"
	PhaseDegraded       Phase = "degraded"
	PhaseFailed         Phase = "failed"
	PhaseStopped        Phase = "stopped"
)

// ServiceStatus is the operator view of one service.
type ServiceStatus struct {
	State     State      `json:"state"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	Kind      graph.Kind `json:"kind"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Status is a point-in-time snapshot of every service.
type Status struct {
	Services  map[string]ServiceStatus `json:"services"`
	Phase     Phase                    `json:"phase"`
	CycleID   string                   `json:"cycle_id,omitempty"`
	StartedAt time.Time                `json:"started_at"`
}

// NotReady returns the names of services that are not ready, sorted.
func (s Status) NotReady() []string {
	var out []string
	for name, svc := range s.Services {
		if svc.State != StateReady {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// Event is one state transition.
type Event struct {
	CycleID string    `json:"cycle_id"`
	Service string    `json:"service"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	Attempt int       `json:"attempt"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}
