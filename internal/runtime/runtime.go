package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wfcore/engine/internal/component"
	"github.com/wfcore/engine/internal/graph"
	"github.com/wfcore/engine/internal/hoststate"
	"github.com/wfcore/engine/internal/model"
	"github.com/wfcore/engine/internal/resilience"
	"github.com/wfcore/engine/internal/telemetry"
)

// Runtime executes one locked workflow definition. The component cache and
// Wasm engine behind Host are process-wide and shared across every Runtime;
// the KV store, results map, and cancellation token for a given invocation
// belong exclusively to that invocation.
type Runtime struct {
	Workflow *graph.LockedWorkflow
	Host     *component.Host
	Registry component.Registry
	Config   map[string]string
	Metrics  telemetry.Metrics
	Logger   *slog.Logger

	DefaultTimeout time.Duration

	// httpBreaker guards outbound calls made by built-in Http nodes; it is
	// shared across every Http node in the workflow rather than per-node,
	// since a single downstream dependency failing tends to affect every
	// node calling it.
	httpBreaker *resilience.CircuitBreaker
}

// New builds a Runtime bound to a single locked workflow.
func New(wf *graph.LockedWorkflow, host *component.Host, reg component.Registry, config map[string]string, metrics telemetry.Metrics, logger *slog.Logger) *Runtime {
	timeout := 30 * time.Second
	if wf.DefaultTimeoutMs > 0 {
		timeout = time.Duration(wf.DefaultTimeoutMs) * time.Millisecond
	}
	return &Runtime{
		Workflow:       wf,
		Host:           host,
		Registry:       reg,
		Config:         config,
		Metrics:        metrics,
		Logger:         logger,
		DefaultTimeout: timeout,
		httpBreaker:    resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 2),
	}
}

// execution is the per-invocation state: its results map, KV store, and
// cancellation signal are owned exclusively by this invocation. ctx is the
// execution-scoped context every node's context derives from; it is
// cancelled the moment the cancel token fires, so an in-flight node's
// timeout context (and the component host's deadline context derived from
// it) is pre-empted immediately instead of only being noticed between
// waves.
type execution struct {
	id      string
	rt      *Runtime
	kv      *hoststate.KVStore
	mu      sync.Mutex
	results map[string]*model.NodeResult
	cancel  <-chan struct{}
	ctx     context.Context
	stop    context.CancelFunc
}

// newExecution builds an execution bound to parentCtx, arming a watcher
// goroutine that cancels ex.ctx as soon as cancel fires. Callers must defer
// the returned stop func to release the watcher once the invocation ends.
func newExecution(rt *Runtime, parentCtx context.Context, cancel <-chan struct{}) *execution {
	execCtx, stop := context.WithCancel(parentCtx)
	ex := &execution{
		id:      uuid.NewString(),
		rt:      rt,
		kv:      hoststate.NewKVStore(),
		results: make(map[string]*model.NodeResult),
		cancel:  cancel,
		ctx:     execCtx,
		stop:    stop,
	}
	go func() {
		select {
		case <-cancel:
			stop()
		case <-execCtx.Done():
		}
	}()
	return ex
}

// Invoke runs the full workflow: validates the graph, runs the trigger
// phase, then wave-schedules the remaining DAG to completion or to the
// first critical/cancelled failure.
func (rt *Runtime) Invoke(ctx context.Context, payload json.RawMessage, cancel <-chan struct{}) (*model.ExecutionResult, error) {
	if err := rt.Workflow.Graph.Validate(); err != nil {
		var ve *graph.ValidationError
		if errors.As(err, &ve) {
			return nil, &model.InvalidGraphError{Reason: ve.Reason}
		}
		return nil, err
	}

	ex := newExecution(rt, ctx, cancel)
	defer ex.stop()

	trigger := rt.Workflow.Graph.Trigger()
	triggerResult, pending, err := ex.runTrigger(ex.ctx, trigger, payload)
	if err != nil {
		return nil, err
	}
	ex.results[trigger.ID] = triggerResult
	if pending {
		return &model.ExecutionResult{
			WorkflowID: rt.Workflow.ID,
			Status:     model.Succeeded,
			Nodes:      ex.results,
			Note:       "trigger pending",
		}, nil
	}

	if err := ex.runWaves(); err != nil {
		if _, ok := err.(*model.CancelledError); ok {
			return &model.ExecutionResult{
				WorkflowID: rt.Workflow.ID,
				Status:     model.Failed,
				Nodes:      ex.results,
				Note:       "cancelled",
			}, nil
		}
		return nil, err
	}

	return &model.ExecutionResult{
		WorkflowID: rt.Workflow.ID,
		Status:     aggregateStatus(ex.results),
		Nodes:      ex.results,
	}, nil
}

// InvokeNode executes a single node treating payload as if it were its
// single upstream's envelope data, for debugging.
func (rt *Runtime) InvokeNode(ctx context.Context, nodeID string, payload json.RawMessage, cancel <-chan struct{}) (*model.NodeResult, error) {
	node, ok := rt.Workflow.Graph.Nodes[nodeID]
	if !ok {
		return nil, &model.InvalidGraphError{Reason: fmt.Sprintf("no such node %q", nodeID)}
	}

	ex := newExecution(rt, ctx, cancel)
	defer ex.stop()

	stubID := "debug-upstream"
	ex.results[stubID] = &model.NodeResult{
		NodeID: stubID,
		Status: model.NodeSucceeded,
		Envelope: &model.Envelope{
			WorkflowID: rt.Workflow.ID,
			NodeID:     stubID,
			TaskID:     uuid.NewString(),
			StartedAt:  time.Now(),
			Data:       payload,
		},
	}
	stubNode := *node
	stubNode.DependsOn = []string{stubID}

	return ex.execNode(&stubNode), nil
}

func (ex *execution) cancelled() bool {
	select {
	case <-ex.cancel:
		return true
	default:
		return false
	}
}
