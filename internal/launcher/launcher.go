// ABOUTME: Process supervisor contract used by the orchestrator to start fleet members.
// ABOUTME: Registry dispatches to exec, docker or external launchers by descriptor launch type.

package launcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/2389/fleet-gateway/internal/graph"
)

// ErrNoLauncher is returned when no launcher is registered for a launch type.
var ErrNoLauncher = errors.New("no launcher for launch type")

// Process is a started fleet member.
type Process interface {
	// Wait blocks until the process exits or ctx is done, returning the exit code.
	Wait(ctx context.Context) (int, error)
	// Stop asks the process to exit and waits for it, up to ctx.
	Stop(ctx context.Context) error
	// Done is closed when the process has exited.
	Done() <-chan struct{}
}

// Launcher starts processes. env is added to the process environment.
type Launcher interface {
	Start(ctx context.Context, desc graph.ServiceDescriptor, env map[string]string) (Process, error)
}

// Func adapts a function to Launcher.
type Func func(ctx context.Context, desc graph.ServiceDescriptor, env map[string]string) (Process, error)

// Start calls f.
func (f Func) Start(ctx context.Context, desc graph.ServiceDescriptor, env map[string]string) (Process, error) {
	return f(ctx, desc, env)
}

// Registry picks a launcher by desc.Launch.Type. An empty type uses Default.
type Registry struct {
	Default   graph.LaunchType
	launchers map[graph.LaunchType]Launcher
}

// NewRegistry creates an empty registry defaulting to external launches.
func NewRegistry() *Registry {
	return &Registry{
		Default:   graph.LaunchExternal,
		launchers: make(map[graph.LaunchType]Launcher),
	}
}

// Register adds l for typ, replacing any earlier registration.
func (r *Registry) Register(typ graph.LaunchType, l Launcher) {
	r.launchers[typ] = l
}

// Start dispatches to the registered launcher.
func (r *Registry) Start(ctx context.Context, desc graph.ServiceDescriptor, env map[string]string) (Process, error) {
	typ := desc.Launch.Type
	if typ == "" {
		typ = r.Default
	}
	l, ok := r.launchers[typ]
	if !ok {
		return nil, fmt.Errorf("%w %q (service %s)", ErrNoLauncher, typ, desc.Name)
	}
	return l.Start(ctx, desc, env)
}

// exitState is shared by process implementations: a done channel closed
// once the exit code and error are recorded.
type exitState struct {
	done chan struct{}
	once sync.Once
	code int
	err  error
}

func newExitState() *exitState {
	return &exitState{done: make(chan struct{})}
}

func (s *exitState) finish(code int, err error) {
	s.once.Do(func() {
		s.code = code
		s.err = err
		close(s.done)
	})
}

func (s *exitState) Done() <-chan struct{} { return s.done }

func (s *exitState) Wait(ctx context.Context) (int, error) {
	select {
	case <-s.done:
		return s.code, s.err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}
