package runtime

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wfcore/engine/internal/graph"
	"github.com/wfcore/engine/internal/model"
	"github.com/wfcore/engine/internal/telemetry"
)

// runWaves repeatedly computes the ready/skip split over the current
// result set (internal/graph.Graph.Ready) and either records skips or
// dispatches one goroutine per ready node, until nothing is left to run.
// Nodes within a wave run with unconstrained parallelism. Cancellation
// short-circuits immediately to CancelledError.
func (ex *execution) runWaves() error {
	for {
		if ex.cancelled() {
			ex.rt.Metrics.Cancellations.Add(ex.ctx, 1)
			return &model.CancelledError{}
		}

		succeeded, terminal := ex.terminalSets()
		ready, skip := ex.rt.Workflow.Graph.Ready(succeeded, terminal)

		if len(skip) > 0 {
			ex.recordSkips(skip)
			continue
		}
		if len(ready) == 0 {
			break
		}

		ex.rt.Metrics.ParallelismGauge.Add(ex.ctx, int64(len(ready)))

		waveCtx, endWave := telemetry.WithSpan(ex.ctx, "runtime.wave")
		trace.SpanFromContext(waveCtx).SetAttributes(attribute.Int("wave_size", len(ready)))

		type outcome struct {
			nodeID string
			result *model.NodeResult
		}
		out := make(chan outcome, len(ready))

		for _, node := range ready {
			node := node
			go func() {
				out <- outcome{nodeID: node.ID, result: ex.execNode(node)}
			}()
		}

		for range ready {
			o := <-out
			ex.mu.Lock()
			// A Skipped entry for a node of this wave can only be a
			// cancelRemaining placeholder; the real outcome replaces it.
			if prev, already := ex.results[o.nodeID]; !already || prev.Status == model.NodeSkipped {
				ex.results[o.nodeID] = o.result
			}
			ex.mu.Unlock()
			if o.result.Status == model.NodeFailed && o.result.Critical {
				ex.cancelRemaining()
			}
		}
		endWave()

		if ex.cancelled() {
			ex.rt.Metrics.Cancellations.Add(ex.ctx, 1)
			return &model.CancelledError{}
		}
	}
	return nil
}

// terminalSets snapshots results into the two sets Graph.Ready needs:
// succeeded (Status == NodeSucceeded) and terminal (any status — the
// superset that also includes failed and skipped nodes).
func (ex *execution) terminalSets() (succeeded, terminal map[string]struct{}) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	succeeded = make(map[string]struct{}, len(ex.results))
	terminal = make(map[string]struct{}, len(ex.results))
	for id, r := range ex.results {
		terminal[id] = struct{}{}
		if r.Status == model.NodeSucceeded {
			succeeded[id] = struct{}{}
		}
	}
	return succeeded, terminal
}

// recordSkips inserts a NodeSkipped result for every node Graph.Ready
// flagged as having a non-succeeded (but terminal) dependency: a
// non-critical failure's downstream is still skipped, since its upstream
// produced no envelope for it to consume.
func (ex *execution) recordSkips(skip []*graph.Node) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	now := time.Now()
	for _, node := range skip {
		if _, already := ex.results[node.ID]; already {
			continue
		}
		ex.results[node.ID] = &model.NodeResult{
			NodeID:    node.ID,
			Status:    model.NodeSkipped,
			Critical:  node.IsCritical(),
			StartedAt: now,
			EndedAt:   now,
		}
	}
}

// cancelRemaining marks every node not yet in results as skipped, once a
// critical failure has occurred. Nodes already in flight for the current
// wave are not stopped — they still finish, and runWaves replaces their
// placeholder with the real outcome; only nodes that would start in a
// later wave are pre-empted.
func (ex *execution) cancelRemaining() {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	for id, node := range ex.rt.Workflow.Graph.Nodes {
		if _, done := ex.results[id]; done {
			continue
		}
		ex.results[id] = &model.NodeResult{
			NodeID:    id,
			Status:    model.NodeSkipped,
			Critical:  node.IsCritical(),
			StartedAt: time.Now(),
			EndedAt:   time.Now(),
		}
	}
}
