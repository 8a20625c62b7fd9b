package workflow

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"pgregory.net/rapid"
)

// randomDAG builds an acyclic definition: nodes are shuffled in the array,
// and every edge goes from a lower to a higher rank.
func randomDAG(seed int64, n int, density float64) *WorkflowDefinition {
	rng := rand.New(rand.NewSource(seed))
	types := StageTypes()
	rank := rng.Perm(n)

	def := &WorkflowDefinition{WorkflowID: fmt.Sprintf("wf-%d", seed), Version: 1}
	for i := 0; i < n; i++ {
		def.Nodes = append(def.Nodes, WorkflowNode{
			ID:        fmt.Sprintf("n%d", i),
			StageType: types[rng.Intn(len(types))],
		})
	}
	conds := []EdgeCondition{"", ConditionOnSuccess, ConditionOnFailure, ConditionAlways}
	for u := 0; u < n; u++ {
		for v := 0; v < n; v++ {
			if rank[u] < rank[v] && rng.Float64() < density {
				def.Edges = append(def.Edges, WorkflowEdge{
					ID:        fmt.Sprintf("e%d", len(def.Edges)),
					Source:    def.Nodes[u].ID,
					Target:    def.Nodes[v].ID,
					Condition: conds[rng.Intn(len(conds))],
				})
			}
		}
	}
	return def
}

// withBackEdge closes a cycle by adding an edge from the last node of an
// existing edge chain back to its start.
func withBackEdge(def *WorkflowDefinition, seed int64) *WorkflowDefinition {
	rng := rand.New(rand.NewSource(seed))
	if len(def.Edges) == 0 {
		a := def.Nodes[0].ID
		def.Edges = append(def.Edges, WorkflowEdge{ID: "back", Source: a, Target: a})
		return def
	}
	e := def.Edges[rng.Intn(len(def.Edges))]
	def.Edges = append(def.Edges, WorkflowEdge{ID: "back", Source: e.Target, Target: e.Source})
	return def
}

func edgeSet(def *WorkflowDefinition) map[[2]string]bool {
	set := make(map[[2]string]bool, len(def.Edges))
	for _, e := range def.Edges {
		set[[2]string{e.Source, e.Target}] = true
	}
	return set
}

func isRealCycle(def *WorkflowDefinition, path []string) bool {
	if len(path) == 0 {
		return false
	}
	edges := edgeSet(def)
	seen := make(map[string]bool, len(path))
	for i, id := range path {
		if seen[id] {
			return false
		}
		seen[id] = true
		next := path[(i+1)%len(path)]
		if !edges[[2]string{id, next}] {
			return false
		}
	}
	return true
}

func respectsEdges(def *WorkflowDefinition, cw *CompiledWorkflow) bool {
	order := orderOf(cw)
	for _, e := range def.Edges {
		if order[e.Source] >= order[e.Target] {
			return false
		}
	}
	return len(cw.Steps) == len(def.Nodes)
}

// Property: every edge u->v of an acyclic definition compiles to order(u) < order(v).
func TestProperty_CompiledOrderRespectsEdges(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("edges point forward in compiled order", prop.ForAll(
		func(seed int64, n int) bool {
			def := randomDAG(seed, n, 0.3)
			cw, err := Compile(def)
			if err != nil {
				t.Logf("compile failed: %v", err)
				return false
			}
			return respectsEdges(def, cw)
		},
		gen.Int64(),
		gen.IntRange(1, 25),
	))

	properties.TestingRun(t)
}

// Property: compiling the same definition twice yields the same order.
func TestProperty_CompileDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("identical input gives identical order", prop.ForAll(
		func(seed int64, n int) bool {
			first, err := Compile(randomDAG(seed, n, 0.4))
			if err != nil {
				return false
			}
			second, err := Compile(randomDAG(seed, n, 0.4))
			if err != nil {
				return false
			}
			a, b := stepIDs(first), stepIDs(second)
			if len(a) != len(b) {
				return false
			}
			for i := range a {
				if a[i] != b[i] {
					return false
				}
			}
			return true
		},
		gen.Int64(),
		gen.IntRange(1, 25),
	))

	properties.TestingRun(t)
}

// Property: a cyclic definition fails with a path made only of cycle nodes.
func TestProperty_CyclePathIsRealCycle(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("cyclePath lists a real cycle", prop.ForAll(
		func(seed int64, n int) bool {
			def := withBackEdge(randomDAG(seed, n, 0.35), seed)
			_, err := Compile(def)
			var cyc *CycleDetectedError
			if !errors.As(err, &cyc) {
				t.Logf("expected cycle error, got %v", err)
				return false
			}
			return isRealCycle(def, cyc.CyclePath)
		},
		gen.Int64(),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

func TestRapid_CompileOrderAndDepth(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 30).Draw(rt, "nodes")
		seed := rapid.Int64().Draw(rt, "seed")
		density := rapid.Float64Range(0, 0.6).Draw(rt, "density")

		def := randomDAG(seed, n, density)
		cw, err := Compile(def)
		if err != nil {
			rt.Fatalf("compile: %v", err)
		}
		if !respectsEdges(def, cw) {
			rt.Fatalf("order violates an edge")
		}

		depth := make(map[string]int, len(cw.Steps))
		for i, s := range cw.Steps {
			if s.Order != i {
				rt.Fatalf("step %s has order %d at position %d", s.NodeID, s.Order, i)
			}
			depth[s.NodeID] = s.Depth
			if i > 0 && cw.Steps[i-1].Depth > s.Depth {
				rt.Fatalf("depth decreases at %s", s.NodeID)
			}
		}
		for _, e := range def.Edges {
			if depth[e.Source] >= depth[e.Target] {
				rt.Fatalf("edge %s does not increase depth", e.ID)
			}
		}
	})
}

func TestRapid_CycleAlwaysRejected(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(rt, "nodes")
		seed := rapid.Int64().Draw(rt, "seed")

		def := withBackEdge(randomDAG(seed, n, 0.3), seed)
		_, err := Compile(def)
		if KindOf(err) != KindCycleDetected {
			rt.Fatalf("expected cycle, got %v", err)
		}
	})
}
