package component

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/wfcore/engine/internal/hoststate"
	"github.com/wfcore/engine/internal/model"
)

// Host compiles-on-miss through the Cache, instantiates a fresh module per
// call, wires host imports, arms a deadline, invokes the requested export,
// and unwraps the result.
type Host struct {
	engine *Engine
	cache  *Cache
	host   wazero.CompiledModule
}

// NewHost builds the shared "host" import module (kv/config/log/http) once
// for the engine's lifetime, registering the import functions the pattern
// zkoranges-go-claw's sandbox host uses.
func NewHost(ctx context.Context, engine *Engine, cache *Cache) (*Host, error) {
	h := &Host{engine: engine, cache: cache}

	builder := engine.Runtime.NewHostModuleBuilder("host")
	builder.NewFunctionBuilder().WithFunc(h.hostKVGet).Export("kv.get")
	builder.NewFunctionBuilder().WithFunc(h.hostKVSet).Export("kv.set")
	builder.NewFunctionBuilder().WithFunc(h.hostKVDelete).Export("kv.delete")
	builder.NewFunctionBuilder().WithFunc(h.hostConfigGet).Export("config.get")
	builder.NewFunctionBuilder().WithFunc(h.hostLog).Export("log.log")
	builder.NewFunctionBuilder().WithFunc(h.hostHTTPGet).Export("http.get")

	compiled, err := builder.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile host import module: %w", err)
	}
	if _, err := engine.Runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("host")); err != nil {
		return nil, fmt.Errorf("instantiate host import module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, engine.Runtime); err != nil {
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}
	h.host = compiled
	return h, nil
}

// callCtx is attached to a module's context so host import functions can
// reach the invoking state without a global registry; wazero propagates
// the instantiating context through to host function calls.
type callCtx struct {
	state        *hoststate.Base
	allowedHosts []string
}

type callCtxKey struct{}

func withCallCtx(ctx context.Context, cc *callCtx) context.Context {
	return context.WithValue(ctx, callCtxKey{}, cc)
}

func callCtxFrom(ctx context.Context) *callCtx {
	cc, _ := ctx.Value(callCtxKey{}).(*callCtx)
	return cc
}

// Invoke compiles (via the Cache), instantiates fresh, arms the deadline,
// and calls exportName with requestJSON written into guest memory. It
// returns the decoded result value, a *model.TimeoutError if the deadline
// fired, or a *model.ComponentExecutionError classifying the failure as
// Instantiation, Trap, or ComponentError.
func (h *Host) Invoke(ctx context.Context, nodeID string, digest string, kind Kind, fetch BytesFn, state *hoststate.Base, allowedHosts []string, exportName string, requestJSON []byte, timeout time.Duration) (json.RawMessage, error) {
	mod, err := h.cache.GetOrCompile(ctx, nodeID, digest, kind, fetch)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	callCtx := withCallCtx(ctx, &callCtx{state: state, allowedHosts: allowedHosts})
	instCtx, cancel := context.WithDeadline(callCtx, deadline)
	defer cancel()

	instance, err := h.engine.Runtime.InstantiateModule(instCtx, mod, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		if instCtx.Err() == context.DeadlineExceeded {
			return nil, &model.TimeoutError{NodeID: nodeID}
		}
		return nil, &model.ComponentExecutionError{NodeID: nodeID, Host: classifyFault(err)}
	}
	defer instance.Close(context.Background())

	resultJSON, err := callExport(instCtx, instance, exportName, requestJSON)
	if err != nil {
		if instCtx.Err() == context.DeadlineExceeded {
			return nil, &model.TimeoutError{NodeID: nodeID}
		}
		return nil, &model.ComponentExecutionError{NodeID: nodeID, Host: classifyFault(err)}
	}

	var res callResult
	if err := json.Unmarshal(resultJSON, &res); err != nil {
		return nil, &model.InvalidOutputError{NodeID: nodeID, Msg: err.Error()}
	}
	if !res.Ok {
		return nil, &model.ComponentExecutionError{NodeID: nodeID, Host: &model.HostError{Kind: model.HostComponentErr, Message: res.Error}}
	}
	return res.Value, nil
}

func classifyFault(err error) *model.HostError {
	msg := err.Error()
	if strings.Contains(msg, "import") || strings.Contains(msg, "link") {
		return &model.HostError{Kind: model.HostInstantiation, Message: msg}
	}
	return &model.HostError{Kind: model.HostTrap, Message: msg}
}

// callExport writes requestJSON into the guest's memory via its exported
// alloc function, invokes exportName with (ptr, len), and reads back the
// (ptr, len) result pair it returns.
func callExport(ctx context.Context, instance api.Module, exportName string, requestJSON []byte) ([]byte, error) {
	alloc := instance.ExportedFunction("alloc")
	if alloc == nil {
		return nil, fmt.Errorf("component does not export alloc")
	}
	fn := instance.ExportedFunction(exportName)
	if fn == nil {
		return nil, fmt.Errorf("component does not export %s", exportName)
	}

	reqLen := uint64(len(requestJSON))
	allocRes, err := alloc.Call(ctx, reqLen)
	if err != nil {
		return nil, fmt.Errorf("alloc request buffer: %w", err)
	}
	reqPtr := uint32(allocRes[0])
	if !instance.Memory().Write(reqPtr, requestJSON) {
		return nil, fmt.Errorf("write request into guest memory out of bounds")
	}

	callRes, err := fn.Call(ctx, uint64(reqPtr), reqLen)
	if err != nil {
		return nil, err
	}
	if len(callRes) < 2 {
		return nil, fmt.Errorf("export %s did not return (ptr, len)", exportName)
	}
	resPtr, resLen := uint32(callRes[0]), uint32(callRes[1])
	data, ok := instance.Memory().Read(resPtr, resLen)
	if !ok {
		return nil, fmt.Errorf("read result from guest memory out of bounds")
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func readGuestString(module api.Module, ptr, length uint32) (string, bool) {
	b, ok := module.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(b), true
}
