// Package component implements the compile cache and the Wasm component
// host: compile-on-miss through the cache, a fresh module instance per
// call, host imports for kv/config/log, and epoch-based timeout.
package component

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"golang.org/x/sync/singleflight"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wfcore/engine/internal/model"
	"github.com/wfcore/engine/internal/telemetry"
)

// Kind distinguishes which WIT world a compiled component is linked
// against.
type Kind string

const (
	KindTask    Kind = "task"
	KindTrigger Kind = "trigger"
)

type cacheKey struct {
	digest string
	kind   Kind
}

// Cache is a process-wide, digest-keyed compile cache. Entries are never
// evicted: compiled workflow components are small and bounded in number.
// Concurrent misses on the same key compile at most once via a per-key
// single-flight group, instead of serializing every compilation behind one
// coarse writer lock.
type Cache struct {
	engine  wazero.Runtime
	metrics telemetry.Metrics

	mu      sync.RWMutex
	entries map[cacheKey]wazero.CompiledModule

	flight singleflight.Group
}

// NewCache binds the cache to the process-wide engine. metrics may be the
// zero value, in which case cache hit/miss counters are skipped.
func NewCache(engine wazero.Runtime, metrics telemetry.Metrics) *Cache {
	return &Cache{
		engine:  engine,
		metrics: metrics,
		entries: make(map[cacheKey]wazero.CompiledModule),
	}
}

// BytesFn fetches the wasm bytes for a digest; it is only invoked on a
// cache miss.
type BytesFn func(ctx context.Context) ([]byte, error)

// GetOrCompile returns the compiled module for (digest, kind), compiling it
// exactly once across all concurrent callers racing on the same key.
func (c *Cache) GetOrCompile(ctx context.Context, nodeID, digest string, kind Kind, fetch BytesFn) (wazero.CompiledModule, error) {
	ctx, end := telemetry.WithSpan(ctx, "component.cache.get_or_compile")
	defer end()
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("node_id", nodeID),
		attribute.String("digest", digest),
		attribute.String("kind", string(kind)),
	)

	key := cacheKey{digest: digest, kind: kind}

	c.mu.RLock()
	if mod, ok := c.entries[key]; ok {
		c.mu.RUnlock()
		c.recordHit(ctx)
		return mod, nil
	}
	c.mu.RUnlock()

	flightKey := fmt.Sprintf("%s:%s", digest, kind)
	v, err, _ := c.flight.Do(flightKey, func() (any, error) {
		c.mu.RLock()
		if mod, ok := c.entries[key]; ok {
			c.mu.RUnlock()
			c.recordHit(ctx)
			return mod, nil
		}
		c.mu.RUnlock()
		c.recordMiss(ctx)

		bytes, err := fetch(ctx)
		if err != nil {
			return nil, &model.ComponentLoadError{NodeID: nodeID, Cause: err}
		}
		mod, err := c.engine.CompileModule(ctx, bytes)
		if err != nil {
			return nil, &model.ComponentLoadError{NodeID: nodeID, Cause: err}
		}

		c.mu.Lock()
		c.entries[key] = mod
		c.mu.Unlock()
		return mod, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(wazero.CompiledModule), nil
}

func (c *Cache) recordHit(ctx context.Context) {
	if c.metrics.CacheHits != nil {
		c.metrics.CacheHits.Add(ctx, 1)
	}
}

func (c *Cache) recordMiss(ctx context.Context) {
	if c.metrics.CacheMisses != nil {
		c.metrics.CacheMisses.Add(ctx, 1)
	}
}
