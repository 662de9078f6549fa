package execution

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"smrcore/pkg/clock"
	"smrcore/pkg/journal"
	"smrcore/pkg/smrerrors"
	"smrcore/pkg/types"
)

// Gateway is the single entrance to the execution engine. It enforces the
// exactly-once, strictly-increasing apply order and owns the last-applied
// sequence number.
type Gateway struct {
	engine  Engine
	forking ForkingEngine // non-nil when engine supports point-in-time forks

	// mu serializes applies against snapshot capture and restore.
	mu          sync.Mutex
	lastApplied *clock.AtomicClock
}

func NewGateway(engine Engine) *Gateway {
	g := &Gateway{
		engine:      engine,
		lastApplied: clock.NewAtomic(0),
	}
	if fe, ok := engine.(ForkingEngine); ok {
		g.forking = fe
	}
	return g
}

// LastApplied returns the sequence number of the last applied decision.
func (g *Gateway) LastApplied() types.SeqNum {
	return types.SeqNum(g.lastApplied.Val())
}

// ApplyDecision applies one decision's batch. The decision must be the direct
// successor of the last applied one; an execution-engine failure is a
// divergence, fatal to local progress.
func (g *Gateway) ApplyDecision(ctx context.Context, d types.Decision) ([]types.Reply, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	expected := types.SeqNum(g.lastApplied.Val()) + 1
	if d.Seq != expected {
		return nil, fmt.Errorf("%w: decision %d, expected %d", smrerrors.ErrProtocolGap, d.Seq, expected)
	}

	replies, err := g.engine.Apply(ctx, d.Requests)
	if err != nil {
		slog.Error("execution engine failed on agreed decision", "seq", d.Seq, "error", err)
		return nil, fmt.Errorf("%w: seq %d: %w", smrerrors.ErrExecutionDivergence, d.Seq, err)
	}

	g.lastApplied.Set(uint64(d.Seq))
	return replies, nil
}

// Snapshot captures the engine state at the current last-applied sequence.
// Engines without the forking capability block the applier for the capture.
func (g *Gateway) Snapshot() ([]byte, types.SeqNum, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	seq := types.SeqNum(g.lastApplied.Val())

	var blob []byte
	var err error
	if g.forking != nil {
		blob, err = g.forking.Fork()
	} else {
		blob, err = g.engine.Snapshot()
	}
	if err != nil {
		return nil, 0, fmt.Errorf("snapshot at %d: %w", seq, err)
	}

	return blob, seq, nil
}

// Install restores the engine from a certified checkpoint. All-or-nothing:
// last-applied moves only after the engine accepted the state.
func (g *Gateway) Install(cp journal.Checkpoint) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if got := types.DigestOf(cp.Blob); !bytes.Equal(got[:], cp.Digest[:]) {
		return fmt.Errorf("checkpoint %d: digest mismatch", cp.Seq)
	}

	if err := g.engine.Restore(cp.Blob); err != nil {
		return fmt.Errorf("restore checkpoint %d: %w", cp.Seq, err)
	}

	g.lastApplied.Set(uint64(cp.Seq))
	slog.Info("installed checkpoint", "seq", cp.Seq)
	return nil
}

// Recover rebuilds state from the journal: restore the latest durable
// checkpoint, then replay the surviving log suffix in order. The replayed
// replies are returned so the caller can warm its reply cache; without them a
// restarted replica would re-execute requests it already answered.
func (g *Gateway) Recover(ctx context.Context, jr *journal.Adapter) ([]types.Reply, error) {
	cp, ok, err := jr.LatestCheckpoint()
	if err != nil {
		return nil, err
	}

	from := types.SeqNum(1)
	if ok {
		if err := g.Install(cp); err != nil {
			return nil, err
		}
		from = cp.Seq + 1
	}

	suffix, err := jr.ReadRange(from, 0)
	if err != nil {
		return nil, err
	}
	var replies []types.Reply
	for _, d := range suffix {
		rs, err := g.ApplyDecision(ctx, d)
		if err != nil {
			return nil, err
		}
		replies = append(replies, rs...)
	}

	if len(suffix) > 0 || ok {
		slog.Info("recovered from journal", "last_applied", g.LastApplied(), "replayed", len(suffix))
	}
	return replies, nil
}
