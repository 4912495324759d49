package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wfcore/engine/internal/component"
	"github.com/wfcore/engine/internal/graph"
	"github.com/wfcore/engine/internal/hoststate"
	"github.com/wfcore/engine/internal/model"
	"github.com/wfcore/engine/internal/pipeline"
	"github.com/wfcore/engine/internal/resilience"
	"github.com/wfcore/engine/internal/telemetry"
)

// execNode renders inputs, coerces them, dispatches to the node-kind
// specific handler, and wraps the outcome as a NodeResult. It never
// panics on a component-level failure — every error path here is turned
// into a NodeResult with Status=failed; only programmer errors escape as
// panics, same as the rest of this package.
func (ex *execution) execNode(node *graph.Node) *model.NodeResult {
	started := time.Now()
	nodeCtx, cancel := ex.nodeContext(node)
	defer cancel()

	nodeCtx, end := telemetry.WithSpan(nodeCtx, "runtime.dispatch")
	defer end()
	trace.SpanFromContext(nodeCtx).SetAttributes(
		attribute.String("node_id", node.ID),
		attribute.String("node_kind", string(node.Kind)),
	)

	data, err := ex.dispatch(nodeCtx, node)
	ended := time.Now()
	ex.rt.Metrics.NodeDuration.Record(ex.ctx, ended.Sub(started).Seconds())

	if err != nil {
		ex.rt.Metrics.NodeFailures.Add(ex.ctx, 1)
		ex.rt.Logger.Warn("node failed", "node_id", node.ID, "error", err)
		return &model.NodeResult{
			NodeID:    node.ID,
			Status:    model.NodeFailed,
			Critical:  node.IsCritical(),
			Error:     err.Error(),
			StartedAt: started,
			EndedAt:   ended,
		}
	}

	return &model.NodeResult{
		NodeID:    node.ID,
		Status:    model.NodeSucceeded,
		Critical:  node.IsCritical(),
		StartedAt: started,
		EndedAt:   ended,
		Envelope: &model.Envelope{
			WorkflowID: ex.rt.Workflow.ID,
			NodeID:     node.ID,
			TaskID:     uuid.NewString(),
			StartedAt:  started,
			Data:       data,
		},
	}
}

// nodeContext derives a node's deadline context from ex.ctx rather than any
// ambient ctx passed around dispatch — ex.ctx is cancelled the instant the
// invocation's cancel token fires (see newExecution), so this timeout is
// pre-empted immediately on cancellation instead of only being noticed
// between scheduler waves.
func (ex *execution) nodeContext(node *graph.Node) (context.Context, context.CancelFunc) {
	timeout := ex.rt.DefaultTimeout
	if node.TimeoutMs > 0 {
		timeout = time.Duration(node.TimeoutMs) * time.Millisecond
	}
	return context.WithTimeout(ex.ctx, timeout)
}

func (ex *execution) dispatch(ctx context.Context, node *graph.Node) (json.RawMessage, error) {
	switch node.Kind {
	case graph.KindComponent:
		return ex.execComponent(ctx, node)
	case graph.KindHttp:
		return ex.execHTTP(ctx, node)
	case graph.KindJoin:
		return ex.execJoin(node)
	case graph.KindLoop:
		return ex.execLoop(node)
	default:
		return nil, &model.InvalidGraphError{Reason: fmt.Sprintf("node %q has unsupported kind %q", node.ID, node.Kind)}
	}
}

func (ex *execution) execComponent(ctx context.Context, node *graph.Node) (json.RawMessage, error) {
	spec := node.Component
	env, err := ex.buildRenderContext(node)
	if err != nil {
		return nil, &model.InputResolutionError{NodeID: node.ID, Msg: err.Error()}
	}

	rendered, err := pipeline.Render(spec.Inputs, env)
	if err != nil {
		return nil, &model.InputResolutionError{NodeID: node.ID, Msg: err.Error()}
	}

	var schema pipeline.InputSchema
	if len(spec.Component.InputSchema) > 0 {
		if err := json.Unmarshal(spec.Component.InputSchema, &schema); err != nil {
			return nil, &model.InputResolutionError{NodeID: node.ID, Msg: "invalid input schema: " + err.Error()}
		}
	}

	inputs, err := pipeline.Coerce(rendered, schema)
	if err != nil {
		return nil, &model.InputResolutionError{NodeID: node.ID, Msg: err.Error()}
	}
	inputsJSON, err := json.Marshal(inputs)
	if err != nil {
		return nil, &model.InputResolutionError{NodeID: node.ID, Msg: err.Error()}
	}

	state := hoststate.NewTaskHostState(ex.id, node.ID, uuid.NewString(), ex.kv, ex.rt.Config, ex.rt.Logger)
	req := component.TaskRequest{
		Context: component.TaskContext{ExecutionID: ex.id, NodeID: node.ID, TaskID: state.TaskID},
		Inputs:  inputsJSON,
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, &model.InputResolutionError{NodeID: node.ID, Msg: err.Error()}
	}

	timeout := ex.rt.DefaultTimeout
	if node.TimeoutMs > 0 {
		timeout = time.Duration(node.TimeoutMs) * time.Millisecond
	}

	resultJSON, err := ex.rt.Host.Invoke(ctx, node.ID, spec.Component.Digest, component.KindTask,
		component.FetcherFor(ex.rt.Registry, spec.Component.Digest), &state.Base, spec.Component.Capabilities,
		"task.execute", reqJSON, timeout)
	if err != nil {
		return nil, err
	}

	var out component.TaskOutput
	if err := json.Unmarshal(resultJSON, &out); err != nil {
		return nil, &model.InvalidOutputError{NodeID: node.ID, Msg: err.Error()}
	}
	return out.Data, nil
}

func (ex *execution) execHTTP(ctx context.Context, node *graph.Node) (json.RawMessage, error) {
	spec := node.Http
	env, err := ex.buildRenderContext(node)
	if err != nil {
		return nil, &model.InputResolutionError{NodeID: node.ID, Msg: err.Error()}
	}

	templated := map[string]string{"url": spec.URL, "body": spec.Body}
	for k, v := range spec.Headers {
		templated["header."+k] = v
	}
	rendered, err := pipeline.Render(templated, env)
	if err != nil {
		return nil, &model.InputResolutionError{NodeID: node.ID, Msg: err.Error()}
	}

	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}

	if !ex.rt.httpBreaker.Allow() {
		return nil, &model.ComponentExecutionError{NodeID: node.ID, Host: &model.HostError{Kind: model.HostTrap, Message: "circuit open for outbound http"}}
	}

	type httpResult struct {
		raw        []byte
		statusCode int
	}

	policy := effectiveRetry(node.Retry, ex.rt.Workflow.DefaultRetry)
	out, err := resilience.Retry(ctx, policy.attempts, policy.initialWait, func() (httpResult, error) {
		var bodyReader io.Reader
		if rendered["body"] != "" {
			bodyReader = strings.NewReader(rendered["body"])
		}
		req, err := http.NewRequestWithContext(ctx, method, rendered["url"], bodyReader)
		if err != nil {
			return httpResult{}, err
		}
		for k := range spec.Headers {
			req.Header.Set(k, rendered["header."+k])
		}
		req.Header.Set("X-Workflow-ID", ex.rt.Workflow.ID)
		req.Header.Set("X-Node-ID", node.ID)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return httpResult{}, err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return httpResult{}, err
		}
		if resp.StatusCode >= 500 {
			return httpResult{raw: raw, statusCode: resp.StatusCode}, fmt.Errorf("http %d: %s", resp.StatusCode, string(raw))
		}
		return httpResult{raw: raw, statusCode: resp.StatusCode}, nil
	})
	if err != nil {
		ex.rt.httpBreaker.RecordResult(false)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &model.TimeoutError{NodeID: node.ID}
		}
		return nil, &model.ComponentExecutionError{NodeID: node.ID, Host: &model.HostError{Kind: model.HostTrap, Message: err.Error()}}
	}
	if out.statusCode >= 400 {
		ex.rt.httpBreaker.RecordResult(false)
		return nil, &model.ComponentExecutionError{NodeID: node.ID, Host: &model.HostError{Kind: model.HostComponentErr, Message: fmt.Sprintf("http %d: %s", out.statusCode, string(out.raw))}}
	}
	ex.rt.httpBreaker.RecordResult(true)
	raw := out.raw

	if len(raw) == 0 {
		return json.RawMessage(`{}`), nil
	}
	var probe any
	if json.Unmarshal(raw, &probe) != nil {
		wrapped, _ := json.Marshal(map[string]any{"body": string(raw), "status_code": out.statusCode})
		return wrapped, nil
	}
	return json.RawMessage(raw), nil
}

// retrySettings is the (attempts, initial wait) pair resilience.Retry needs,
// derived from a node's own retry policy or, failing that, the workflow's
// default. A nil result on both means no retry: one attempt, no backoff.
type retrySettings struct {
	attempts    int
	initialWait time.Duration
}

func effectiveRetry(node, workflowDefault *graph.RetryPolicy) retrySettings {
	policy := node
	if policy == nil {
		policy = workflowDefault
	}
	if policy == nil || policy.MaxAttempts <= 1 {
		return retrySettings{attempts: 1}
	}
	wait := time.Duration(policy.InitialWait) * time.Millisecond
	if wait <= 0 {
		wait = 200 * time.Millisecond
	}
	return retrySettings{attempts: policy.MaxAttempts, initialWait: wait}
}

func (ex *execution) execJoin(node *graph.Node) (json.RawMessage, error) {
	upstreams := node.Join.Upstreams
	if len(upstreams) == 0 {
		upstreams = node.DependsOn
	}
	out := model.JoinOutput{Branches: make(map[string]model.JoinBranch, len(upstreams))}
	for _, id := range upstreams {
		r := ex.results[id]
		if r == nil {
			continue
		}
		branch := model.JoinBranch{Status: r.Status}
		if r.Envelope != nil {
			branch.Data = r.Envelope.Data
		}
		out.Branches[id] = branch
	}
	return json.Marshal(out)
}

// execLoop is an interface-only stub: it passes its single upstream's data
// through unchanged. The loop driver (iteration, termination condition) is
// an external collaborator not implemented here.
func (ex *execution) execLoop(node *graph.Node) (json.RawMessage, error) {
	if len(node.DependsOn) == 0 {
		return json.RawMessage(`{}`), nil
	}
	r := ex.results[node.DependsOn[0]]
	if r == nil || r.Envelope == nil {
		return json.RawMessage(`{}`), nil
	}
	return r.Envelope.Data, nil
}
