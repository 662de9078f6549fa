package journal

import (
	"sync"

	"smrcore/pkg/types"
)

// MemLog is an in-memory DurableLog for tests and single-process setups.
type MemLog struct {
	mu      sync.Mutex
	entries map[types.SeqNum]types.Decision
	lo, hi  types.SeqNum

	checkpoint    Checkpoint
	hasCheckpoint bool
}

func NewMemLog() *MemLog {
	return &MemLog{entries: make(map[types.SeqNum]types.Decision)}
}

func (m *MemLog) Append(d types.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[d.Seq] = d
	if m.lo == 0 || d.Seq < m.lo {
		m.lo = d.Seq
	}
	if d.Seq > m.hi {
		m.hi = d.Seq
	}
	return nil
}

func (m *MemLog) Truncate(upto types.SeqNum) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for seq := m.lo; seq <= upto; seq++ {
		delete(m.entries, seq)
	}
	if len(m.entries) == 0 {
		m.lo, m.hi = 0, 0
	} else if upto+1 > m.lo {
		m.lo = upto + 1
	}
	return nil
}

func (m *MemLog) PersistCheckpoint(cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkpoint = cp
	m.hasCheckpoint = true
	return nil
}

func (m *MemLog) LatestCheckpoint() (Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoint, m.hasCheckpoint, nil
}

func (m *MemLog) ReadRange(lo, hi types.SeqNum) ([]types.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hi == 0 {
		hi = m.hi
	}

	var out []types.Decision
	for seq := lo; seq <= hi; seq++ {
		d, ok := m.entries[seq]
		if !ok {
			break
		}
		out = append(out, d)
	}
	return out, nil
}

func (m *MemLog) Close() error { return nil }
