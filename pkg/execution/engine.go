package execution

import (
	"context"

	"smrcore/pkg/types"
)

// Engine is the deterministic execution collaborator. Apply must be
// deterministic: identical batches in identical order produce identical
// replies and state on every correct replica.
type Engine interface {
	Apply(ctx context.Context, batch []types.Request) ([]types.Reply, error)
	Snapshot() ([]byte, error)
	Restore(blob []byte) error
}

// ForkingEngine is an optional capability: a point-in-time snapshot that does
// not block subsequent applies (copy-on-write or equivalent). Detected once at
// gateway construction.
type ForkingEngine interface {
	Engine
	Fork() ([]byte, error)
}
