package ordering

import (
	"context"

	"smrcore/pkg/types"
)

// Protocol is the ordering/agreement collaborator: it turns proposed request
// batches into a stream of decisions with strictly increasing sequence
// numbers. Voting and quorum cryptography live behind this interface.
type Protocol interface {
	// Propose hands a batch to the protocol; it returns once the batch is
	// accepted for ordering (not necessarily decided).
	Propose(ctx context.Context, batch []types.Request) error

	// Decisions delivers agreed decisions in increasing sequence order.
	// Delivery may gap when this replica missed protocol messages.
	Decisions() <-chan types.Decision

	// NotifyApplied reports the last applied sequence for protocol-side
	// garbage collection.
	NotifyApplied(seq types.SeqNum)

	Start(ctx context.Context) error
	Stop() error
}
