package component

import "context"

// Registry resolves a component digest to its compiled wasm bytes. The
// on-disk component registry itself is an external collaborator outside
// this repo's scope (see package doc); Registry is the seam the runtime
// injects an implementation through.
type Registry interface {
	Fetch(ctx context.Context, digest string) ([]byte, error)
}

// FetcherFor adapts a Registry into the BytesFn the Cache expects for a
// specific digest.
func FetcherFor(reg Registry, digest string) BytesFn {
	return func(ctx context.Context) ([]byte, error) {
		return reg.Fetch(ctx, digest)
	}
}
