package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"smrcore/pkg/journal"
	"smrcore/pkg/listener"
	"smrcore/pkg/metrics"
	"smrcore/pkg/types"
)

type iGateway interface {
	Snapshot() ([]byte, types.SeqNum, error)
}

type iJournal interface {
	PersistCheckpoint(cp journal.Checkpoint) error
	Truncate(upto types.SeqNum) error
	LatestCheckpoint() (journal.Checkpoint, bool, error)
}

// Manager takes periodic state snapshots, makes them durable and compacts the
// decision log behind them. It owns in-flight checkpoints until the journal
// confirms the write.
type Manager struct {
	gw       iGateway
	jr       iJournal
	mc       metrics.Collector
	interval uint64

	mu        sync.Mutex
	latest    journal.Checkpoint
	hasLatest bool

	notifyCh chan types.SeqNum
	worker   *listener.Listener[types.SeqNum]
}

func NewManager(gw iGateway, jr iJournal, mc metrics.Collector, interval uint64) (*Manager, error) {
	if mc == nil {
		mc = metrics.Nop{}
	}

	m := &Manager{
		gw:       gw,
		jr:       jr,
		mc:       mc,
		interval: interval,
		notifyCh: make(chan types.SeqNum, 8),
	}

	// Seed from the journal so the responder can serve state right after a
	// restart, before the first fresh checkpoint.
	cp, ok, err := jr.LatestCheckpoint()
	if err != nil {
		return nil, err
	}
	m.latest, m.hasLatest = cp, ok

	return m, nil
}

// Start consumes checkpoint-boundary notifications from the decision pipeline.
func (m *Manager) Start(ctx context.Context, boundaries <-chan types.SeqNum) {
	m.worker = listener.New(boundaries, func(seq types.SeqNum) error {
		if err := m.MaybeCheckpoint(seq); err != nil {
			// Durability failures must not be masked, but the applier keeps
			// running on the old checkpoint; the next boundary retries.
			slog.Error("checkpoint failed", "seq", seq, "error", err)
		}
		return nil
	})
	m.worker.Start(ctx)
}

func (m *Manager) Stop() {
	if m.worker != nil {
		m.worker.Stop()
	}
}

// MaybeCheckpoint captures a snapshot when lastApplied sits on an interval
// boundary past the latest durable checkpoint. A snapshot or persist failure
// leaves the previous checkpoint and the full log intact.
func (m *Manager) MaybeCheckpoint(lastApplied types.SeqNum) error {
	if m.interval == 0 || lastApplied == 0 || uint64(lastApplied)%m.interval != 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasLatest && lastApplied <= m.latest.Seq {
		return nil
	}

	blob, seq, err := m.gw.Snapshot()
	if err != nil {
		return fmt.Errorf("capture snapshot at %d: %w", lastApplied, err)
	}
	if seq < lastApplied {
		// The gateway only moves forward, so the capture point can be at or
		// past the boundary, never before it.
		return fmt.Errorf("snapshot at %d below boundary %d", seq, lastApplied)
	}

	cp := journal.Checkpoint{
		Seq:    seq,
		Digest: types.DigestOf(blob),
		Blob:   blob,
	}

	if err := m.jr.PersistCheckpoint(cp); err != nil {
		return err
	}

	m.latest, m.hasLatest = cp, true
	m.mc.IncCounter("checkpoints_taken", nil, 1)
	slog.Info("checkpoint durable", "seq", cp.Seq)

	select {
	case m.notifyCh <- cp.Seq:
	default:
	}

	// Compaction strictly follows durable confirmation; a failed truncate
	// costs log space, never correctness.
	if err := m.jr.Truncate(cp.Seq); err != nil {
		return err
	}

	return nil
}

// Latest returns the newest durable checkpoint. The blob is shared read-only
// with the state transfer responder.
func (m *Manager) Latest() (journal.Checkpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest, m.hasLatest
}

// Promote records a checkpoint installed by state transfer as the local
// latest, persisting it so the replica can answer for it.
func (m *Manager) Promote(cp journal.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasLatest && cp.Seq <= m.latest.Seq {
		return nil
	}
	if err := m.jr.PersistCheckpoint(cp); err != nil {
		return err
	}
	m.latest, m.hasLatest = cp, true

	if err := m.jr.Truncate(cp.Seq); err != nil {
		return err
	}
	return nil
}

// Notifications delivers sequence numbers of freshly durable checkpoints.
func (m *Manager) Notifications() <-chan types.SeqNum { return m.notifyCh }
