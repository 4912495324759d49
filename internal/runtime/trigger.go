package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/wfcore/engine/internal/component"
	"github.com/wfcore/engine/internal/graph"
	"github.com/wfcore/engine/internal/hoststate"
	"github.com/wfcore/engine/internal/model"
)

// runTrigger adopts payload directly for a built-in trigger (no bound
// component), or calls trigger.handle for a component-backed trigger. It
// returns (result, pending, err); pending means the invocation ends here
// with Succeeded and no downstream nodes run.
func (ex *execution) runTrigger(ctx context.Context, node *graph.Node, payload json.RawMessage) (*model.NodeResult, bool, error) {
	started := time.Now()

	if node.Trigger == nil || node.Trigger.Component.Digest == "" {
		return &model.NodeResult{
			NodeID:    node.ID,
			Status:    model.NodeSucceeded,
			Critical:  node.IsCritical(),
			StartedAt: started,
			EndedAt:   time.Now(),
			Envelope: &model.Envelope{
				WorkflowID: ex.rt.Workflow.ID,
				NodeID:     node.ID,
				TaskID:     uuid.NewString(),
				StartedAt:  started,
				Data:       payload,
			},
		}, false, nil
	}

	ref := node.Trigger.Component
	state := hoststate.NewTriggerHostState(ex.id, node.ID, ex.kv, ex.rt.Config, ex.rt.Logger)

	event := component.TriggerEvent{
		Kind:    component.TriggerEventKind(node.Trigger.Kind),
		Request: payload,
	}
	reqJSON, err := json.Marshal(event)
	if err != nil {
		return nil, false, &model.InputResolutionError{NodeID: node.ID, Msg: err.Error()}
	}

	timeout := ex.rt.DefaultTimeout
	if node.TimeoutMs > 0 {
		timeout = time.Duration(node.TimeoutMs) * time.Millisecond
	}

	resultJSON, err := ex.rt.Host.Invoke(ctx, node.ID, ref.Digest, component.KindTrigger,
		component.FetcherFor(ex.rt.Registry, ref.Digest), &state.Base, ref.Capabilities,
		"trigger.handle", reqJSON, timeout)
	if err != nil {
		return nil, false, err
	}

	var status component.TriggerStatus
	if err := json.Unmarshal(resultJSON, &status); err != nil {
		return nil, false, &model.InvalidOutputError{NodeID: node.ID, Msg: err.Error()}
	}

	if status.Kind == component.StatusPending {
		return &model.NodeResult{
			NodeID:    node.ID,
			Status:    model.NodeSucceeded,
			Critical:  node.IsCritical(),
			StartedAt: started,
			EndedAt:   time.Now(),
		}, true, nil
	}

	return &model.NodeResult{
		NodeID:    node.ID,
		Status:    model.NodeSucceeded,
		Critical:  node.IsCritical(),
		StartedAt: started,
		EndedAt:   time.Now(),
		Envelope: &model.Envelope{
			WorkflowID: ex.rt.Workflow.ID,
			NodeID:     node.ID,
			TaskID:     uuid.NewString(),
			StartedAt:  started,
			Data:       status.Payload,
		},
	}, false, nil
}
