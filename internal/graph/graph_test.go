// ABOUTME: Tests for dependency graph loading, cycle detection and batching.
// ABOUTME: Includes a randomized check that batches respect every dependency edge.

package graph

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func svc(name string, deps ...string) ServiceDescriptor {
	return ServiceDescriptor{Name: name, Kind: KindService, DependsOn: deps}
}

func TestLoad_Valid(t *testing.T) {
	g, err := Load([]ServiceDescriptor{
		svc("vault"),
		svc("db", "vault"),
		svc("api", "db", "vault"),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, g.Len())
	assert.Equal(t, []string{"vault", "db", "api"}, g.Names())
	d, ok := g.Get("api")
	require.True(t, ok)
	assert.Equal(t, []string{"db", "vault"}, d.DependsOn)
}

func TestLoad_Duplicate(t *testing.T) {
	_, err := Load([]ServiceDescriptor{svc("a"), svc("a")})

	var dup *DuplicateServiceError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "a", dup.Name)
}

func TestLoad_EmptyName(t *testing.T) {
	_, err := Load([]ServiceDescriptor{svc("")})
	assert.ErrorIs(t, err, ErrEmptyName)
}

func TestLoad_UnknownDependency(t *testing.T) {
	_, err := Load([]ServiceDescriptor{svc("api", "db")})

	var unknown *UnknownDependencyError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "api", unknown.Service)
	assert.Equal(t, "db", unknown.Dependency)
}

func TestLoad_Cycle(t *testing.T) {
	_, err := Load([]ServiceDescriptor{
		svc("a", "b"),
		svc("b", "c"),
		svc("c", "a"),
	})

	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"a", "b", "c", "a"}, cycle.Path)
	assert.Equal(t, "dependency cycle: a -> b -> c -> a", cycle.Error())
}

func TestLoad_SelfDependencyIsCycle(t *testing.T) {
	_, err := Load([]ServiceDescriptor{svc("a", "a")})

	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"a", "a"}, cycle.Path)
}

func TestLoad_CycleNotAtRoot(t *testing.T) {
	_, err := Load([]ServiceDescriptor{
		svc("root", "x"),
		svc("x", "y"),
		svc("y", "x"),
	})

	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"x", "y", "x"}, cycle.Path)
}

func TestTopologicalBatches(t *testing.T) {
	g, err := Load([]ServiceDescriptor{
		svc("ui", "api"),
		svc("api", "db", "vault"),
		svc("migrate", "db"),
		svc("db", "vault"),
		svc("vault"),
		svc("metrics"),
	})
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"metrics", "vault"},
		{"db"},
		{"api", "migrate"},
		{"ui"},
	}, g.TopologicalBatches())
}

func TestTopologicalBatches_DuplicateDependencyListed(t *testing.T) {
	g, err := Load([]ServiceDescriptor{svc("db"), svc("api", "db", "db")})
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"db"}, {"api"}}, g.TopologicalBatches())
}

func TestTopologicalBatches_RandomDAGs(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))

	for round := range 50 {
		n := 1 + r.IntN(30)
		descs := make([]ServiceDescriptor, n)
		for i := range n {
			var deps []string
			for j := range i {
				if r.IntN(4) == 0 {
					deps = append(deps, fmt.Sprintf("s%02d", j))
				}
			}
			descs[i] = svc(fmt.Sprintf("s%02d", i), deps...)
		}
		r.Shuffle(n, func(i, j int) { descs[i], descs[j] = descs[j], descs[i] })

		g, err := Load(descs)
		require.NoError(t, err, "round %d", round)

		batchOf := map[string]int{}
		for k, batch := range g.TopologicalBatches() {
			for _, name := range batch {
				_, dup := batchOf[name]
				require.False(t, dup, "round %d: %s appears twice", round, name)
				batchOf[name] = k
			}
		}
		require.Len(t, batchOf, n, "round %d", round)

		for _, d := range descs {
			for _, dep := range d.DependsOn {
				assert.Less(t, batchOf[dep], batchOf[d.Name], "round %d: %s -> %s", round, d.Name, dep)
			}
		}
	}
}

func TestDependents(t *testing.T) {
	g, err := Load([]ServiceDescriptor{
		svc("vault"),
		svc("db", "vault"),
		svc("api", "db"),
		svc("ui", "api"),
		svc("cache"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"api", "db", "ui"}, g.Dependents("vault"))
	assert.Equal(t, []string{"ui"}, g.Dependents("api"))
	assert.Empty(t, g.Dependents("ui"))
	assert.Empty(t, g.Dependents("cache"))
}

func TestFingerprint_ChangesWithDescriptor(t *testing.T) {
	a := ServiceDescriptor{Name: "migrate", Kind: KindTask, Launch: LaunchSpec{Type: LaunchExec, Command: []string{"migrate", "up"}}}
	b := a
	b.Launch.Command = []string{"migrate", "up", "--all"}

	assert.Equal(t, a.Fingerprint(), a.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	assert.Len(t, a.Fingerprint(), 64)
}

func TestErrorsMatchable(t *testing.T) {
	var err error = &CycleError{Path: []string{"a", "a"}}
	wrapped := fmt.Errorf("loading graph: %w", err)

	var cycle *CycleError
	assert.True(t, errors.As(wrapped, &cycle))
}
