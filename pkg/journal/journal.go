package journal

import (
	"fmt"
	"log/slog"

	"smrcore/pkg/smrerrors"
	"smrcore/pkg/types"
)

// Checkpoint is a durable snapshot of applied state at Seq. Blob is the
// serialized state owned by the execution engine; Digest covers Blob.
type Checkpoint struct {
	Seq    types.SeqNum `json:"seq"`
	Digest types.Digest `json:"digest"`
	Blob   []byte       `json:"blob"`
}

// DurableLog is the contract of the durable-log collaborator. The on-disk
// layout is owned by the implementation, not by this core.
type DurableLog interface {
	Append(d types.Decision) error
	Truncate(upto types.SeqNum) error
	PersistCheckpoint(cp Checkpoint) error
	LatestCheckpoint() (Checkpoint, bool, error)
	ReadRange(lo, hi types.SeqNum) ([]types.Decision, error)
	Close() error
}

// Adapter is the thin translation layer between the replica and the durable
// log engine: it classifies every engine failure as a durability failure so
// callers can halt progress instead of silently skipping persistence.
type Adapter struct {
	log DurableLog
}

func NewAdapter(log DurableLog) *Adapter {
	return &Adapter{log: log}
}

func (a *Adapter) Append(d types.Decision) error {
	if err := a.log.Append(d); err != nil {
		slog.Error("journal append failed", "seq", d.Seq, "error", err)
		return fmt.Errorf("%w: append seq %d: %w", smrerrors.ErrDurability, d.Seq, err)
	}
	return nil
}

func (a *Adapter) Truncate(upto types.SeqNum) error {
	if err := a.log.Truncate(upto); err != nil {
		slog.Error("journal truncate failed", "upto", upto, "error", err)
		return fmt.Errorf("%w: truncate upto %d: %w", smrerrors.ErrDurability, upto, err)
	}
	return nil
}

func (a *Adapter) PersistCheckpoint(cp Checkpoint) error {
	if err := a.log.PersistCheckpoint(cp); err != nil {
		slog.Error("checkpoint persist failed", "seq", cp.Seq, "error", err)
		return fmt.Errorf("%w: persist checkpoint %d: %w", smrerrors.ErrDurability, cp.Seq, err)
	}
	return nil
}

func (a *Adapter) LatestCheckpoint() (Checkpoint, bool, error) {
	cp, ok, err := a.log.LatestCheckpoint()
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("%w: latest checkpoint: %w", smrerrors.ErrDurability, err)
	}
	return cp, ok, nil
}

// ReadRange returns the contiguous run of decisions starting at lo, up to and
// including hi. hi == 0 means "to the end of the log".
func (a *Adapter) ReadRange(lo, hi types.SeqNum) ([]types.Decision, error) {
	ds, err := a.log.ReadRange(lo, hi)
	if err != nil {
		return nil, fmt.Errorf("%w: read range [%d, %d]: %w", smrerrors.ErrDurability, lo, hi, err)
	}
	return ds, nil
}

func (a *Adapter) Close() error {
	return a.log.Close()
}
