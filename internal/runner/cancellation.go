package runner

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ExecutionStatus tracks an in-flight or finished invocation registered
// with the Manager.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// trackedExecution is one invocation the Manager knows how to cancel.
type trackedExecution struct {
	id          string
	cancel      chan struct{}
	cancelled   bool
	status      ExecutionStatus
	cancelledAt time.Time
	reason      string
}

// Manager tracks every in-flight invocation's cancellation channel so an
// external caller (an HTTP cancel endpoint, a shutdown signal) can stop one
// by execution id without holding a direct reference to its goroutine.
type Manager struct {
	mu     sync.Mutex
	active map[string]*trackedExecution
	tracer trace.Tracer
}

// NewManager builds an empty cancellation registry.
func NewManager(tracer trace.Tracer) *Manager {
	return &Manager{active: make(map[string]*trackedExecution), tracer: tracer}
}

// Register creates and returns a cancellation channel for a new execution
// id, tracked until Complete or Cancel is called.
func (m *Manager) Register(ctx context.Context, id string) <-chan struct{} {
	_, span := m.tracer.Start(ctx, "cancellation.register", trace.WithAttributes(attribute.String("execution_id", id)))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{})
	m.active[id] = &trackedExecution{id: id, cancel: ch, status: StatusRunning}
	return ch
}

// Cancel closes the registered channel for id, if it is still running.
func (m *Manager) Cancel(ctx context.Context, id, reason string) bool {
	_, span := m.tracer.Start(ctx, "cancellation.cancel", trace.WithAttributes(
		attribute.String("execution_id", id),
		attribute.String("reason", reason),
	))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()
	te, ok := m.active[id]
	if !ok || te.cancelled || te.status != StatusRunning {
		span.AddEvent("not_found_or_already_cancelled")
		return false
	}
	te.cancelled = true
	te.status = StatusCancelled
	te.cancelledAt = time.Now()
	te.reason = reason
	close(te.cancel)
	span.AddEvent("execution_cancelled")
	return true
}

// Complete marks an execution as finished and stops tracking its
// cancellation channel (it is already closed-or-unused at this point).
func (m *Manager) Complete(ctx context.Context, id string, status ExecutionStatus) {
	_, span := m.tracer.Start(ctx, "cancellation.complete", trace.WithAttributes(
		attribute.String("execution_id", id),
		attribute.String("status", string(status)),
	))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()
	if te, ok := m.active[id]; ok {
		te.status = status
	}
}

// ListActive returns the ids of executions still running.
func (m *Manager) ListActive() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, te := range m.active {
		if te.status == StatusRunning {
			ids = append(ids, id)
		}
	}
	return ids
}

// CancelAll cancels every running execution, used on process shutdown.
func (m *Manager) CancelAll(ctx context.Context, reason string) {
	ctx, span := m.tracer.Start(ctx, "cancellation.cancel_all", trace.WithAttributes(attribute.String("reason", reason)))
	defer span.End()

	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id, te := range m.active {
		if te.status == StatusRunning {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	span.AddEvent("cancelling", trace.WithAttributes(attribute.Int("count", len(ids))))
	for _, id := range ids {
		m.Cancel(ctx, id, reason)
	}
}
