package runtime

import (
	"encoding/json"
	"fmt"

	"github.com/wfcore/engine/internal/graph"
	"github.com/wfcore/engine/internal/model"
)

// buildRenderContext derives the Stage-1 template rendering environment
// from a node's upstream results: a single upstream contributes its
// envelope data object directly; multiple upstreams (join nodes, or any
// node with more than one dependency) contribute a map keyed by upstream
// node id.
func (ex *execution) buildRenderContext(node *graph.Node) (map[string]any, error) {
	deps := node.DependsOn
	if len(deps) == 1 {
		return dataAsMap(ex.results[deps[0]])
	}

	env := make(map[string]any, len(deps))
	for _, dep := range deps {
		m, err := dataAsMap(ex.results[dep])
		if err != nil {
			return nil, err
		}
		env[dep] = m
	}
	return env, nil
}

// dataAsMap projects an upstream NodeResult's envelope into the template
// environment. A node with a nil result or no envelope produced no data —
// the scheduler's Ready propagation (internal/graph) guarantees this
// function is only reached for dependencies that actually succeeded, so
// hitting this case means that invariant broke; it is reported as an
// error rather than silently substituted with an empty object.
func dataAsMap(r *model.NodeResult) (map[string]any, error) {
	if r == nil {
		return nil, fmt.Errorf("upstream result missing")
	}
	if r.Status != model.NodeSucceeded || r.Envelope == nil {
		return nil, fmt.Errorf("upstream %q did not produce an envelope (status %q)", r.NodeID, r.Status)
	}
	var m map[string]any
	if len(r.Envelope.Data) == 0 {
		return map[string]any{}, nil
	}
	if err := json.Unmarshal(r.Envelope.Data, &m); err != nil {
		return nil, fmt.Errorf("upstream %q data is not a JSON object: %w", r.NodeID, err)
	}
	return m, nil
}
