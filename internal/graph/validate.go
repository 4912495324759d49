package graph

import "fmt"

// ValidationError reports a structural defect found before any execution
// starts; it always maps to the InvalidGraph error kind at the runtime
// boundary.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid graph: %s", e.Reason)
}

// Validate enforces the workflow's structural invariants: exactly one
// trigger node, every non-trigger node has at least one incoming edge, node
// ids are unique, every referenced dependency exists, and the graph has no
// cycles.
func (g *Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return &ValidationError{Reason: "workflow has no nodes"}
	}

	triggerCount := 0
	for id, n := range g.Nodes {
		if n.ID != "" && n.ID != id {
			return &ValidationError{Reason: fmt.Sprintf("node key %q does not match node id %q", id, n.ID)}
		}
		if n.Kind == KindTrigger {
			triggerCount++
		} else if len(n.DependsOn) == 0 {
			return &ValidationError{Reason: fmt.Sprintf("non-trigger node %q has no incoming edge", id)}
		}
		for _, dep := range n.DependsOn {
			if _, ok := g.Nodes[dep]; !ok {
				return &ValidationError{Reason: fmt.Sprintf("node %q depends on missing node %q", id, dep)}
			}
		}
	}
	if triggerCount != 1 {
		return &ValidationError{Reason: fmt.Sprintf("workflow must have exactly one trigger node, found %d", triggerCount)}
	}

	if cyc := g.findCycle(); cyc != "" {
		return &ValidationError{Reason: fmt.Sprintf("cycle detected involving node %q", cyc)}
	}
	return nil
}

// findCycle runs a three-color DFS and returns the id of a node found on a
// cycle, or "" if the graph is acyclic.
func (g *Graph) findCycle() string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Nodes))
	var found string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, dep := range g.Nodes[id].DependsOn {
			switch color[dep] {
			case gray:
				found = dep
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for id := range g.Nodes {
		if color[id] == white {
			if visit(id) {
				return found
			}
		}
	}
	return ""
}

// Trigger returns the workflow's single trigger node. Callers must run
// Validate first; Trigger panics if no trigger node is present.
func (g *Graph) Trigger() *Node {
	for _, n := range g.Nodes {
		if n.Kind == KindTrigger {
			return n
		}
	}
	panic("graph: no trigger node present; Validate was not called")
}

// Ready computes which not-yet-terminal nodes can progress given the
// current result set, split into two buckets:
//
//   - ready: every dependency succeeded (or the node is a Join, which
//     synchronizes on completion rather than success) — dispatch these.
//   - skip: every dependency is terminal but at least one did not succeed
//     — these must be recorded Skipped without running, since their
//     upstream produced no envelope for them to consume.
//
// succeeded is the set of node ids whose NodeResult.Status is
// NodeSucceeded; terminal is the superset that also includes NodeFailed
// and NodeSkipped (i.e. every node result already recorded, of any
// status). A node with a pending (non-terminal) dependency is in neither
// bucket — it waits for a later call.
func (g *Graph) Ready(succeeded, terminal map[string]struct{}) (ready []*Node, skip []*Node) {
	for id, n := range g.Nodes {
		if _, done := terminal[id]; done {
			continue
		}
		allDepsTerminal := true
		allDepsSucceeded := true
		for _, dep := range n.DependsOn {
			if _, ok := terminal[dep]; !ok {
				allDepsTerminal = false
				break
			}
			if _, ok := succeeded[dep]; !ok {
				allDepsSucceeded = false
			}
		}
		if !allDepsTerminal {
			continue
		}
		if allDepsSucceeded || n.Kind == KindJoin {
			ready = append(ready, n)
		} else {
			skip = append(skip, n)
		}
	}
	return ready, skip
}
