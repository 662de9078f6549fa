package reconfig

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"smrcore/pkg/smrerrors"
	"smrcore/pkg/types"
	"smrcore/pkg/view"
)

// Proposal is a decided membership change: the new configuration takes effect
// strictly after Effective has been applied.
type Proposal struct {
	View      view.View
	Effective types.SeqNum
}

// Integrator accepts certified reconfiguration proposals from the
// reconfiguration protocol and queues them for the controller, which installs
// them atomically against the decision pipeline.
type Integrator struct {
	mu        sync.Mutex
	queue     []Proposal
	installed types.SeqNum // effective seq of the last installed proposal

	signalCh chan struct{}
}

func NewIntegrator() *Integrator {
	return &Integrator{
		signalCh: make(chan struct{}, 1),
	}
}

// ProposeView queues a proposal. A proposal whose effective sequence is
// already installed is a conflict; two proposals for the same effective
// sequence resolve in favor of the later-certified one.
func (i *Integrator) ProposeView(v view.View, effective types.SeqNum) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if effective <= i.installed {
		return fmt.Errorf("%w: effective %d already installed (at %d)",
			smrerrors.ErrConfigurationConflict, effective, i.installed)
	}

	for idx, p := range i.queue {
		if p.Effective == effective {
			slog.Warn("replacing conflicting view proposal, later-certified wins",
				"effective", effective, "old_epoch", p.View.Epoch, "new_epoch", v.Epoch)
			i.queue[idx] = Proposal{View: v, Effective: effective}
			i.signal()
			return nil
		}
	}

	i.queue = append(i.queue, Proposal{View: v, Effective: effective})
	sort.Slice(i.queue, func(a, b int) bool { return i.queue[a].Effective < i.queue[b].Effective })
	i.signal()
	return nil
}

func (i *Integrator) signal() {
	select {
	case i.signalCh <- struct{}{}:
	default:
	}
}

// Signal fires when a proposal is waiting.
func (i *Integrator) Signal() <-chan struct{} { return i.signalCh }

// Next pops the proposal with the lowest effective sequence.
func (i *Integrator) Next() (Proposal, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if len(i.queue) == 0 {
		return Proposal{}, false
	}
	p := i.queue[0]
	i.queue = i.queue[1:]
	if len(i.queue) > 0 {
		i.signal()
	}
	return p, true
}

// MarkInstalled records a completed install; earlier proposals are conflicts
// from now on.
func (i *Integrator) MarkInstalled(p Proposal) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if p.Effective > i.installed {
		i.installed = p.Effective
	}
}
