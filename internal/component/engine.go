package component

import (
	"context"
	"time"

	"github.com/tetratelabs/wazero"
)

// EngineConfig configures the single process-wide Wasm engine.
type EngineConfig struct {
	MemoryLimitPages uint32
	// EpochTick is the interval of the background ticker started by
	// NewEngine. Per-call deadlines are wall-clock deadlines set in
	// Host.Invoke and do not depend on it.
	EpochTick time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.MemoryLimitPages == 0 {
		c.MemoryLimitPages = 256 // 16MiB
	}
	if c.EpochTick == 0 {
		c.EpochTick = 100 * time.Millisecond
	}
	return c
}

// Engine is the process-wide Wasm runtime plus its epoch clock. Exactly one
// Engine is created per process; it is shared by every execution.
type Engine struct {
	Runtime wazero.Runtime
	cfg     EngineConfig
	stop    chan struct{}
}

// NewEngine builds the shared runtime and starts its background ticker,
// which runs for the engine's entire lifetime.
func NewEngine(ctx context.Context, cfg EngineConfig) *Engine {
	cfg = cfg.withDefaults()
	rtCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, rtCfg)

	e := &Engine{
		Runtime: runtime,
		cfg:     cfg,
		stop:    make(chan struct{}),
	}
	go e.epochClock()
	return e
}

// epochClock ticks every EpochTick until Close; it keeps no counter and
// takes no action per tick. wazero has no native epoch-counter primitive
// like wasmtime: deadline enforcement comes from WithCloseOnContextDone
// plus the per-call context.WithDeadline in Host.Invoke, which closes a
// module whose context has passed its deadline.
func (e *Engine) epochClock() {
	ticker := time.NewTicker(e.cfg.EpochTick)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
		}
	}
}

// Close stops the epoch clock and closes the runtime.
func (e *Engine) Close(ctx context.Context) error {
	close(e.stop)
	return e.Runtime.Close(ctx)
}
