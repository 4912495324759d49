package runner

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/trace/noop"
)

func testManager() *Manager {
	return NewManager(noop.NewTracerProvider().Tracer("test"))
}

func TestRegisterThenCancelClosesChannel(t *testing.T) {
	m := testManager()
	ctx := context.Background()
	cancel := m.Register(ctx, "exec-1")

	if !m.Cancel(ctx, "exec-1", "test reason") {
		t.Fatal("expected cancel to succeed for a registered, running execution")
	}

	select {
	case <-cancel:
	default:
		t.Fatal("expected cancellation channel to be closed")
	}
}

func TestCancelUnknownIDFails(t *testing.T) {
	m := testManager()
	if m.Cancel(context.Background(), "missing", "reason") {
		t.Fatal("expected cancel of unknown id to fail")
	}
}

func TestCancelTwiceOnlySucceedsOnce(t *testing.T) {
	m := testManager()
	ctx := context.Background()
	m.Register(ctx, "exec-2")

	if !m.Cancel(ctx, "exec-2", "first") {
		t.Fatal("expected first cancel to succeed")
	}
	if m.Cancel(ctx, "exec-2", "second") {
		t.Fatal("expected second cancel to fail: already cancelled")
	}
}

func TestCompleteRemovesFromActiveList(t *testing.T) {
	m := testManager()
	ctx := context.Background()
	m.Register(ctx, "exec-3")

	active := m.ListActive()
	if len(active) != 1 || active[0] != "exec-3" {
		t.Fatalf("expected exec-3 to be active, got %v", active)
	}

	m.Complete(ctx, "exec-3", StatusCompleted)
	if active := m.ListActive(); len(active) != 0 {
		t.Fatalf("expected no active executions after Complete, got %v", active)
	}
}

func TestCancelAllCancelsEveryRunningExecution(t *testing.T) {
	m := testManager()
	ctx := context.Background()
	a := m.Register(ctx, "exec-a")
	b := m.Register(ctx, "exec-b")

	m.CancelAll(ctx, "shutdown")

	for name, ch := range map[string]<-chan struct{}{"a": a, "b": b} {
		select {
		case <-ch:
		default:
			t.Fatalf("expected %s to be cancelled", name)
		}
	}
}
