package component

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"

	"github.com/wfcore/engine/internal/telemetry"
)

// emptyModule is the smallest valid wasm binary: just the magic header and
// version, no sections. wazero compiles it without error.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestGetOrCompileCompilesOnceUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	engine := wazero.NewRuntime(ctx)
	defer engine.Close(ctx)

	cache := NewCache(engine, telemetry.Metrics{})
	var calls int32
	fetch := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return emptyModule, nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.GetOrCompile(ctx, "n", "digest-a", KindTask, fetch); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.EqualValues(t, 1, atomic.LoadInt32(&calls), "expected fetch called exactly once")
}

func TestGetOrCompileDistinctKindsCompileSeparately(t *testing.T) {
	ctx := context.Background()
	engine := wazero.NewRuntime(ctx)
	defer engine.Close(ctx)

	cache := NewCache(engine, telemetry.Metrics{})
	var calls int32
	fetch := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return emptyModule, nil
	}

	_, err := cache.GetOrCompile(ctx, "n", "digest-b", KindTask, fetch)
	require.NoError(t, err)
	_, err = cache.GetOrCompile(ctx, "n", "digest-b", KindTrigger, fetch)
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls), "expected fetch called twice for distinct kinds")
}

func TestGetOrCompileReturnsErrorOnFetchFailure(t *testing.T) {
	ctx := context.Background()
	engine := wazero.NewRuntime(ctx)
	defer engine.Close(ctx)

	cache := NewCache(engine, telemetry.Metrics{})
	fetch := func(ctx context.Context) ([]byte, error) {
		return nil, context.DeadlineExceeded
	}

	_, err := cache.GetOrCompile(ctx, "n", "digest-c", KindTask, fetch)
	require.Error(t, err)
}
