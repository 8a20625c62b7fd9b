package workflow

import (
	"fmt"
	"sort"
)

// Compile validates def and produces its execution plan. It is pure: the
// same definition always yields the same step order, and nothing outside
// def is consulted.
//
// Validation runs in a fixed sequence: schema, references, cycles. Only an
// acyclic graph reaches ordering.
func Compile(def *WorkflowDefinition) (*CompiledWorkflow, error) {
	if def == nil {
		return nil, &SchemaError{Field: "definition", Reason: "definition is nil"}
	}
	if err := validateSchema(def); err != nil {
		return nil, err
	}

	g, err := buildGraph(def)
	if err != nil {
		return nil, err
	}
	if path := g.findCycle(); path != nil {
		return nil, &CycleDetectedError{CyclePath: path}
	}

	order, depth := g.kahnOrder()
	steps := make([]CompiledStep, len(order))
	for pos, idx := range order {
		node := def.Nodes[idx]
		steps[pos] = CompiledStep{
			NodeID:    node.ID,
			StageType: node.StageType,
			Label:     node.Label,
			Config:    copyConfig(node.Config),
			DependsOn: g.dependsOn(idx),
			Inbound:   g.inbound[idx],
			Order:     pos,
			Depth:     depth[idx],
			Condition: sharedCondition(g.inbound[idx]),
			IsGate:    node.StageType == StageHumanReview,
		}
	}

	policy := def.Settings.RetryPolicy
	if policy == "" {
		policy = RetryNone
	}
	return &CompiledWorkflow{
		WorkflowID:        def.WorkflowID,
		Version:           def.Version,
		Steps:             steps,
		TimeoutMinutes:    def.Settings.TimeoutMinutes,
		RetryPolicy:       policy,
		CheckpointEnabled: def.Settings.CheckpointEnabled,
		RetryMaxAttempts:  def.Settings.RetryMaxAttempts,
		RetryBaseDelayMs:  def.Settings.RetryBaseDelayMs,
	}, nil
}

func validateSchema(def *WorkflowDefinition) error {
	if len(def.Nodes) == 0 {
		return &SchemaError{Field: "nodes", Reason: "definition has no nodes"}
	}
	for i, n := range def.Nodes {
		field := fmt.Sprintf("nodes[%d]", i)
		if n.ID == "" {
			return &SchemaError{Field: field + ".id", Reason: "node id is empty"}
		}
		if !n.StageType.Valid() {
			return &SchemaError{Field: field + ".stageType", Reason: fmt.Sprintf("unrecognized stage type %q", n.StageType)}
		}
	}

	edgeIDs := make(map[string]struct{}, len(def.Edges))
	for i, e := range def.Edges {
		field := fmt.Sprintf("edges[%d]", i)
		if e.ID == "" {
			return &SchemaError{Field: field + ".id", Reason: "edge id is empty"}
		}
		if _, dup := edgeIDs[e.ID]; dup {
			return &SchemaError{Field: field + ".id", Reason: fmt.Sprintf("duplicate edge id %q", e.ID)}
		}
		edgeIDs[e.ID] = struct{}{}
		if e.Source == "" {
			return &SchemaError{Field: field + ".source", Reason: "edge source is empty"}
		}
		if e.Target == "" {
			return &SchemaError{Field: field + ".target", Reason: "edge target is empty"}
		}
		if !e.Condition.Valid() {
			return &SchemaError{Field: field + ".condition", Reason: fmt.Sprintf("unrecognized condition %q", e.Condition)}
		}
	}

	s := def.Settings
	if s.TimeoutMinutes < 0 {
		return &SchemaError{Field: "settings.timeoutMinutes", Reason: "must not be negative"}
	}
	if !s.RetryPolicy.Valid() {
		return &SchemaError{Field: "settings.retryPolicy", Reason: fmt.Sprintf("unrecognized retry policy %q", s.RetryPolicy)}
	}
	if s.RetryMaxAttempts < 0 {
		return &SchemaError{Field: "settings.retryMaxAttempts", Reason: "must not be negative"}
	}
	if s.RetryBaseDelayMs < 0 {
		return &SchemaError{Field: "settings.retryBaseDelayMs", Reason: "must not be negative"}
	}
	return nil
}

// graph is an index-based view of a definition: nodes are addressed by
// their position in def.Nodes.
type graph struct {
	ids     []string
	adj     [][]int
	preds   [][]int
	inbound [][]Dependency
}

func buildGraph(def *WorkflowDefinition) (*graph, error) {
	n := len(def.Nodes)
	index := make(map[string]int, n)
	g := &graph{
		ids:     make([]string, n),
		adj:     make([][]int, n),
		preds:   make([][]int, n),
		inbound: make([][]Dependency, n),
	}
	for i, node := range def.Nodes {
		if _, dup := index[node.ID]; dup {
			return nil, &UnknownReferenceError{DuplicateNodeID: node.ID}
		}
		index[node.ID] = i
		g.ids[i] = node.ID
	}
	for _, e := range def.Edges {
		src, ok := index[e.Source]
		if !ok {
			return nil, &UnknownReferenceError{EdgeID: e.ID, MissingNodeID: e.Source}
		}
		dst, ok := index[e.Target]
		if !ok {
			return nil, &UnknownReferenceError{EdgeID: e.ID, MissingNodeID: e.Target}
		}
		g.adj[src] = append(g.adj[src], dst)
		g.preds[dst] = append(g.preds[dst], src)
		g.inbound[dst] = append(g.inbound[dst], Dependency{
			EdgeID:    e.ID,
			Source:    e.Source,
			Condition: e.Condition.Normalize(),
		})
	}
	return g, nil
}

const (
	white = iota // unvisited
	grey         // on the current DFS path
	black        // finished
)

// findCycle runs an iterative three-color DFS, starting roots in node-array
// order. It returns the first cycle found as the path segment from the
// back-edge target to the node that closes it.
func (g *graph) findCycle() []string {
	n := len(g.ids)
	color := make([]uint8, n)
	next := make([]int, n) // next adjacency position per node
	onPath := make([]int, n)
	var path []int

	for root := 0; root < n; root++ {
		if color[root] != white {
			continue
		}
		color[root] = grey
		onPath[root] = 0
		path = append(path[:0], root)

		for len(path) > 0 {
			u := path[len(path)-1]
			if next[u] == len(g.adj[u]) {
				color[u] = black
				path = path[:len(path)-1]
				continue
			}
			v := g.adj[u][next[u]]
			next[u]++
			switch color[v] {
			case white:
				color[v] = grey
				onPath[v] = len(path)
				path = append(path, v)
			case grey:
				cycle := make([]string, 0, len(path)-onPath[v])
				for _, idx := range path[onPath[v]:] {
					cycle = append(cycle, g.ids[idx])
				}
				return cycle
			}
		}
	}
	return nil
}

// kahnOrder releases nodes round by round. Within a round, ready nodes are
// taken in node-array order. It returns node indices in execution order
// and the round of each node.
func (g *graph) kahnOrder() ([]int, []int) {
	n := len(g.ids)
	indegree := make([]int, n)
	for u := range g.adj {
		for _, v := range g.adj[u] {
			indegree[v]++
		}
	}
	depth := make([]int, n)
	order := make([]int, 0, n)

	var ready []int
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	for round := 0; len(ready) > 0; round++ {
		sort.Ints(ready)
		var released []int
		for _, u := range ready {
			depth[u] = round
			order = append(order, u)
			for _, v := range g.adj[u] {
				indegree[v]--
				if indegree[v] == 0 {
					released = append(released, v)
				}
			}
		}
		ready = released
	}
	return order, depth
}

func (g *graph) dependsOn(idx int) []string {
	deps := make([]string, 0, len(g.preds[idx]))
	seen := make(map[int]struct{}, len(g.preds[idx]))
	for _, p := range g.preds[idx] {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		deps = append(deps, g.ids[p])
	}
	return deps
}

func sharedCondition(in []Dependency) EdgeCondition {
	if len(in) == 0 {
		return ""
	}
	c := in[0].Condition
	for _, d := range in[1:] {
		if d.Condition != c {
			return ""
		}
	}
	return c
}

func copyConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out
}
