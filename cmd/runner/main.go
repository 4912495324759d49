// Command runner is the debug/administrative entrypoint: it loads one
// locked workflow, wires the engine (component cache, Wasm host,
// runtime, runner), and exposes a small HTTP surface for invoking it,
// invoking a single node, and cancelling an in-flight execution.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/wfcore/engine/internal/component"
	"github.com/wfcore/engine/internal/graph"
	"github.com/wfcore/engine/internal/runner"
	"github.com/wfcore/engine/internal/runtime"
	"github.com/wfcore/engine/internal/telemetry"
)

// memRegistry is a stand-in for the on-disk component registry, which is an
// external collaborator outside this repo's scope. It serves wasm bytes
// that were pre-loaded by digest, and nothing else.
type memRegistry struct {
	bytesByDigest map[string][]byte
}

func (r *memRegistry) Fetch(ctx context.Context, digest string) ([]byte, error) {
	b, ok := r.bytesByDigest[digest]
	if !ok {
		return nil, fmt.Errorf("registry: no component for digest %q", digest)
	}
	return b, nil
}

func main() {
	logger := telemetry.InitLogging("wfcore-runner")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "wfcore-runner")
	defer telemetry.Flush(context.Background(), shutdownTracer)
	shutdownMetrics, metricsHandler, metrics := telemetry.InitMetrics(ctx, "wfcore-runner")
	defer telemetry.Flush(context.Background(), shutdownMetrics)

	engine := component.NewEngine(ctx, component.EngineConfig{})
	defer engine.Close(context.Background())

	cache := component.NewCache(engine.Runtime, metrics)
	host, err := component.NewHost(ctx, engine, cache)
	if err != nil {
		logger.Error("failed to build component host", "error", err)
		os.Exit(1)
	}

	wf, err := loadWorkflow()
	if err != nil {
		logger.Error("failed to load workflow", "error", err)
		os.Exit(1)
	}

	reg := &memRegistry{bytesByDigest: map[string][]byte{}}
	rt := runtime.New(wf, host, reg, map[string]string{}, metrics, logger)

	manager := runner.NewManager(otel.Tracer("wfcore-runner"))
	run := runner.New(rt, manager, logger)

	runnerCancel := make(chan struct{})
	go run.Start(runnerCancel)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth)
	mux.HandleFunc("/v1/executions", handleInvoke(run))
	mux.HandleFunc("/v1/executions/cancel/", handleCancel(manager))
	mux.HandleFunc("/v1/nodes/", handleInvokeNode(rt))
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	srv := &http.Server{Addr: listenAddr(), Handler: mux}
	go func() {
		logger.Info("runner listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	close(runnerCancel)
	manager.CancelAll(context.Background(), "process shutdown")
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutCtx)
}

func listenAddr() string {
	if a := os.Getenv("WFCORE_LISTEN_ADDR"); a != "" {
		return a
	}
	return ":8080"
}

func loadWorkflow() (*graph.LockedWorkflow, error) {
	path := os.Getenv("WFCORE_WORKFLOW_PATH")
	if path == "" {
		return demoWorkflow(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	var wf graph.LockedWorkflow
	if err := json.Unmarshal(b, &wf); err != nil {
		return nil, fmt.Errorf("parse workflow file: %w", err)
	}
	return &wf, nil
}

// demoWorkflow is a single manual-trigger workflow used when no workflow
// file is configured, so the server has something to invoke out of the box.
func demoWorkflow() *graph.LockedWorkflow {
	return &graph.LockedWorkflow{
		ID:   "demo",
		Name: "demo",
		Graph: graph.Graph{
			Nodes: map[string]*graph.Node{
				"trigger": {ID: "trigger", Kind: graph.KindTrigger, Trigger: &graph.TriggerSpec{Kind: graph.TriggerPoll}},
			},
		},
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func handleInvoke(run *runner.Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var payload json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		id, res, err := run.Run(payload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Execution-ID", id)
		_ = json.NewEncoder(w).Encode(res)
	}
}

func handleCancel(manager *runner.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/v1/executions/cancel/"):]
		if id == "" {
			http.Error(w, "missing execution id", http.StatusBadRequest)
			return
		}
		if !manager.Cancel(r.Context(), id, "requested via http") {
			http.Error(w, "execution not found or already finished", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func handleInvokeNode(rt *runtime.Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		nodeID := r.URL.Path[len("/v1/nodes/"):]
		var payload json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		res, err := rt.InvokeNode(r.Context(), nodeID, payload, make(chan struct{}))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	}
}
