// ABOUTME: Converts validated configuration into the typed values other packages consume
// ABOUTME: Service descriptors, the dependency graph, retry policies and the store identity

package config

import (
	"maps"
	"slices"
	"time"

	"github.com/2389/fleet-gateway/internal/graph"
	"github.com/2389/fleet-gateway/internal/retry"
	"github.com/2389/fleet-gateway/internal/secretstore"
)

// Policy returns the retry policy for restarts. MaxAttempts is left to the
// orchestrator's attempt loop.
func (r RestartConfig) Policy() retry.Policy {
	return retry.Policy{
		Kind:       retry.Kind(r.Backoff),
		Initial:    r.Initial,
		Max:        r.Max,
		Multiplier: r.Multiplier,
		Jitter:     r.Jitter,
	}
}

// StorePolicy is the polling policy used while waiting for the secret store.
func (s SecretStoreConfig) StorePolicy() retry.Policy {
	return retry.Policy{
		Kind:       retry.KindExponential,
		Initial:    500 * time.Millisecond,
		Max:        s.MaxPollInterval,
		Multiplier: 2,
		Jitter:     0.1,
		Deadline:   s.ReadyTimeout,
	}
}

// Identity returns the bootstrap identity presented to the store.
func (s SecretStoreConfig) Identity() secretstore.BootstrapIdentity {
	return secretstore.BootstrapIdentity{RoleID: s.RoleID, SecretID: s.SecretID}
}

// Descriptor converts one service entry. Defaults must already be applied.
func (s ServiceConfig) Descriptor() graph.ServiceDescriptor {
	d := graph.ServiceDescriptor{
		Name:      s.Name,
		Address:   s.Address,
		Kind:      graph.Kind(s.Kind),
		DependsOn: slices.Clone(s.DependsOn),
		RunOnce:   s.RunOnce,
		Readiness: graph.ProbeSpec{
			Type:         graph.ProbeType(s.Readiness.Type),
			Address:      s.Readiness.Address,
			Path:         s.Readiness.Path,
			ExpectStatus: slices.Clone(s.Readiness.ExpectStatus),
			GRPCService:  s.Readiness.GRPCService,
			Interval:     s.Readiness.Interval,
			Timeout:      s.Readiness.Timeout,
		},
		Launch: graph.LaunchSpec{
			Type:      graph.LaunchType(s.Launch.Type),
			Command:   slices.Clone(s.Launch.Command),
			Dir:       s.Launch.Dir,
			Env:       maps.Clone(s.Launch.Env),
			Container: s.Launch.Container,
		},
	}
	if s.Restart != nil {
		d.Restart = graph.RestartPolicy{MaxAttempts: s.Restart.MaxAttempts, Backoff: s.Restart.Policy()}
	}
	for _, sec := range s.Secrets {
		d.Secrets = append(d.Secrets, graph.SecretRequirement{
			Name:     sec.Name,
			Path:     sec.Path,
			Role:     sec.Role,
			Policies: slices.Clone(sec.Policies),
			Key:      sec.Key,
			File:     sec.File,
		})
	}
	return d
}

// Descriptors converts every service entry in configuration order.
func (c *Config) Descriptors() []graph.ServiceDescriptor {
	out := make([]graph.ServiceDescriptor, 0, len(c.Services))
	for _, s := range c.Services {
		out = append(out, s.Descriptor())
	}
	return out
}

// Graph builds the dependency graph. Graph errors are reported as ConfigErrors
// that still unwrap to the graph's typed errors.
func (c *Config) Graph() (*graph.Graph, error) {
	g, err := graph.Load(c.Descriptors())
	if err != nil {
		return nil, graphError(err)
	}
	return g, nil
}
