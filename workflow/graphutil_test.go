package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestTopologicalOrder(t *testing.T) {
	dependencies := map[string][]string{
		"build":   nil,
		"assign":  {"build"},
		"run":     {"assign", "build"},
		"analyze": {"run"},
	}

	order, err := topologicalOrder(dependencies)
	require.NoError(t, err)
	assert.Equal(t, []string{"build", "assign", "run", "analyze"}, order)
}

func TestTopologicalOrderDetectsCycles(t *testing.T) {
	_, err := topologicalOrder(map[string][]string{
		"a": {"b"},
		"b": {"a"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency cycle")
}

func TestTopologicalOrderIgnoresUnknownEdges(t *testing.T) {
	order, err := topologicalOrder(map[string][]string{
		"a": {"elsewhere"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, order)
}

func TestTopologicalOrderProperty(t *testing.T) {
	identifier := rapid.StringMatching(`[a-z][a-z0-9]{0,4}`)

	rapid.Check(t, func(t *rapid.T) {
		ids := rapid.SliceOfNDistinct(identifier, 1, 8, rapid.ID[string]).Draw(t, "ids")

		// Edges only point backwards in the generated id slice, so the
		// graph is acyclic by construction.
		dependencies := make(map[string][]string, len(ids))
		for index, id := range ids {
			count := rapid.IntRange(0, index).Draw(t, "deps")
			dependencies[id] = append([]string(nil), ids[:count]...)
		}

		order, err := topologicalOrder(dependencies)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(order) != len(ids) {
			t.Fatalf("order has %d ids, want %d", len(order), len(ids))
		}

		position := make(map[string]int, len(order))
		for index, id := range order {
			position[id] = index
		}
		for id, upstream := range dependencies {
			for _, dependency := range upstream {
				if position[dependency] > position[id] {
					t.Fatalf("%q ordered before its dependency %q", id, dependency)
				}
			}
		}
	})
}

func TestReduceParents(t *testing.T) {
	dependencies := map[string][]string{
		"build":  nil,
		"assign": {"build"},
		"run":    {"assign"},
	}

	// build is an ancestor of both other parents and drops out.
	reduced := reduceParents([]string{"build", "assign", "run"}, dependencies)
	assert.Equal(t, []string{"run"}, reduced)

	// Unrelated parents are all kept.
	reduced = reduceParents([]string{"build", "other"}, dependencies)
	assert.Equal(t, []string{"build", "other"}, reduced)

	assert.Empty(t, reduceParents(nil, dependencies))
}
