package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/wfcore/engine/internal/graph"
	"github.com/wfcore/engine/internal/model"
	"github.com/wfcore/engine/internal/telemetry"
)

func noopMetrics() telemetry.Metrics {
	meter := noop.NewMeterProvider().Meter("test")
	dur, _ := meter.Float64Histogram("d")
	fail, _ := meter.Int64Counter("f")
	cancel, _ := meter.Int64Counter("c")
	hits, _ := meter.Int64Counter("h")
	miss, _ := meter.Int64Counter("m")
	par, _ := meter.Int64UpDownCounter("p")
	return telemetry.Metrics{
		NodeDuration:     dur,
		NodeFailures:     fail,
		Cancellations:    cancel,
		CacheHits:        hits,
		CacheMisses:      miss,
		ParallelismGauge: par,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

func manualTrigger() *graph.Node {
	return &graph.Node{ID: "trigger", Kind: graph.KindTrigger, Trigger: &graph.TriggerSpec{Kind: graph.TriggerPoll}}
}

func httpNode(id string, upstream string, server *httptest.Server) *graph.Node {
	return &graph.Node{
		ID:        id,
		Kind:      graph.KindHttp,
		DependsOn: []string{upstream},
		Http: &graph.HttpSpec{
			Method: http.MethodGet,
			URL:    server.URL,
		},
	}
}

func TestLinearThreeNodeSucceeds(t *testing.T) {
	doubleSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"y":4}`))
	}))
	defer doubleSrv.Close()
	stringifySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"s":"4"}`))
	}))
	defer stringifySrv.Close()

	wf := &graph.LockedWorkflow{
		ID: "wf", Name: "wf",
		Graph: graph.Graph{Nodes: map[string]*graph.Node{
			"trigger":   manualTrigger(),
			"double":    httpNode("double", "trigger", doubleSrv),
			"stringify": httpNode("stringify", "double", stringifySrv),
		}},
	}

	rt := New(wf, nil, nil, map[string]string{}, noopMetrics(), testLogger())
	res, err := rt.Invoke(context.Background(), json.RawMessage(`{"v":2}`), make(chan struct{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != model.Succeeded {
		t.Fatalf("expected succeeded, got %s", res.Status)
	}
	sr := res.Nodes["stringify"]
	if sr == nil || sr.Status != model.NodeSucceeded {
		t.Fatalf("stringify node did not succeed: %+v", sr)
	}
	if string(sr.Envelope.Data) != `{"s":"4"}` {
		t.Fatalf("unexpected stringify output: %s", sr.Envelope.Data)
	}
}

func TestParallelBranchesJoinAll(t *testing.T) {
	aSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"branch":"a"}`))
	}))
	defer aSrv.Close()
	bSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"branch":"b"}`))
	}))
	defer bSrv.Close()

	wf := &graph.LockedWorkflow{
		ID: "wf", Name: "wf",
		Graph: graph.Graph{Nodes: map[string]*graph.Node{
			"trigger": manualTrigger(),
			"a":       httpNode("a", "trigger", aSrv),
			"b":       httpNode("b", "trigger", bSrv),
			"join":    {ID: "join", Kind: graph.KindJoin, DependsOn: []string{"a", "b"}, Join: &graph.JoinSpec{Upstreams: []string{"a", "b"}}},
		}},
	}

	rt := New(wf, nil, nil, map[string]string{}, noopMetrics(), testLogger())
	res, err := rt.Invoke(context.Background(), json.RawMessage(`{}`), make(chan struct{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != model.Succeeded {
		t.Fatalf("expected succeeded, got %s", res.Status)
	}
	join := res.Nodes["join"]
	if join == nil || join.Status != model.NodeSucceeded {
		t.Fatalf("join did not succeed: %+v", join)
	}
	var out model.JoinOutput
	if err := json.Unmarshal(join.Envelope.Data, &out); err != nil {
		t.Fatalf("decode join output: %v", err)
	}
	if len(out.Branches) != 2 {
		t.Fatalf("expected 2 branches, got %d", len(out.Branches))
	}
}

func TestNonCriticalFailureCompletesWithErrors(t *testing.T) {
	failSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failSrv.Close()

	falseV := false
	wf := &graph.LockedWorkflow{
		ID: "wf", Name: "wf",
		Graph: graph.Graph{Nodes: map[string]*graph.Node{
			"trigger": manualTrigger(),
			"flaky": {
				ID: "flaky", Kind: graph.KindHttp, DependsOn: []string{"trigger"}, Critical: &falseV,
				Http: &graph.HttpSpec{Method: http.MethodGet, URL: failSrv.URL},
			},
		}},
	}

	rt := New(wf, nil, nil, map[string]string{}, noopMetrics(), testLogger())
	res, err := rt.Invoke(context.Background(), json.RawMessage(`{}`), make(chan struct{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != model.CompletedWithErrors {
		t.Fatalf("expected completed_with_errors, got %s", res.Status)
	}
}

func TestCriticalFailureFailsExecution(t *testing.T) {
	failSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failSrv.Close()

	wf := &graph.LockedWorkflow{
		ID: "wf", Name: "wf",
		Graph: graph.Graph{Nodes: map[string]*graph.Node{
			"trigger": manualTrigger(),
			"broken":  httpNode("broken", "trigger", failSrv),
		}},
	}

	rt := New(wf, nil, nil, map[string]string{}, noopMetrics(), testLogger())
	res, err := rt.Invoke(context.Background(), json.RawMessage(`{}`), make(chan struct{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != model.Failed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
}

func TestTimeoutProducesNodeFailure(t *testing.T) {
	slowSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer slowSrv.Close()

	wf := &graph.LockedWorkflow{
		ID: "wf", Name: "wf",
		Graph: graph.Graph{Nodes: map[string]*graph.Node{
			"trigger": manualTrigger(),
			"slow": {
				ID: "slow", Kind: graph.KindHttp, DependsOn: []string{"trigger"}, TimeoutMs: 10,
				Http: &graph.HttpSpec{Method: http.MethodGet, URL: slowSrv.URL},
			},
		}},
	}

	rt := New(wf, nil, nil, map[string]string{}, noopMetrics(), testLogger())
	res, err := rt.Invoke(context.Background(), json.RawMessage(`{}`), make(chan struct{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Nodes["slow"].Status != model.NodeFailed {
		t.Fatalf("expected slow node to fail on timeout, got %s", res.Nodes["slow"].Status)
	}
	wantErr := (&model.TimeoutError{NodeID: "slow"}).Error()
	if res.Nodes["slow"].Error != wantErr {
		t.Fatalf("expected timeout error %q, got %q", wantErr, res.Nodes["slow"].Error)
	}
	if res.Status != model.Failed {
		t.Fatalf("expected overall status failed, got %s", res.Status)
	}
}

func TestCancellationShortCircuits(t *testing.T) {
	wf := &graph.LockedWorkflow{
		ID: "wf", Name: "wf",
		Graph: graph.Graph{Nodes: map[string]*graph.Node{
			"trigger": manualTrigger(),
			"a":       {ID: "a", Kind: graph.KindHttp, DependsOn: []string{"trigger"}, Http: &graph.HttpSpec{Method: http.MethodGet, URL: "http://127.0.0.1:0"}},
		}},
	}

	rt := New(wf, nil, nil, map[string]string{}, noopMetrics(), testLogger())
	cancel := make(chan struct{})
	close(cancel)
	res, err := rt.Invoke(context.Background(), json.RawMessage(`{}`), cancel)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != model.Failed {
		t.Fatalf("expected failed on cancellation, got %s", res.Status)
	}
}

// TestCancellationPreemptsInFlightNodes exercises cancellation firing after
// nodes are already dispatched and in flight, not just before Invoke starts.
// Both branches sleep 1s; cancel fires at 200ms; the whole invocation must
// return well before either branch's full sleep completes.
func TestCancellationPreemptsInFlightNodes(t *testing.T) {
	slowSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
		w.Write([]byte(`{}`))
	}))
	defer slowSrv.Close()

	wf := &graph.LockedWorkflow{
		ID: "wf", Name: "wf",
		Graph: graph.Graph{Nodes: map[string]*graph.Node{
			"trigger": manualTrigger(),
			"a":       httpNode("a", "trigger", slowSrv),
			"b":       httpNode("b", "trigger", slowSrv),
		}},
	}

	rt := New(wf, nil, nil, map[string]string{}, noopMetrics(), testLogger())
	cancel := make(chan struct{})
	time.AfterFunc(200*time.Millisecond, func() { close(cancel) })

	started := time.Now()
	res, err := rt.Invoke(context.Background(), json.RawMessage(`{}`), cancel)
	elapsed := time.Since(started)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != model.Failed {
		t.Fatalf("expected failed on cancellation, got %s", res.Status)
	}
	if elapsed > 300*time.Millisecond {
		t.Fatalf("expected cancellation to terminate in-flight nodes in bounded time, took %s", elapsed)
	}
}
