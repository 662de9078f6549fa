package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zhangyunhao116/skipset"

	"smrcore/pkg/execution"
	"smrcore/pkg/journal"
	"smrcore/pkg/listener"
	"smrcore/pkg/metrics"
	"smrcore/pkg/smrerrors"
	"smrcore/pkg/types"
)

// GapSignal reports a sequence discontinuity to the state transfer
// coordinator. Expected is the first missing sequence number, Target the
// highest one observed so far.
type GapSignal struct {
	Expected types.SeqNum
	Target   types.SeqNum
}

type Config struct {
	// MaxBuffered bounds the out-of-order decision buffer.
	MaxBuffered int
	// ApplyBuffSize sizes the channel feeding the single applier worker.
	ApplyBuffSize int
	// ReplyBuffSize sizes the outbound reply channel.
	ReplyBuffSize int
	// CheckpointInterval is the decision count between checkpoint
	// notifications; 0 disables them.
	CheckpointInterval uint64
	// NotifyBuffSize sizes the checkpoint notification channel.
	NotifyBuffSize int
}

// Pipeline consumes ordering-protocol decisions and drives them, in exact
// sequence order, through the single applier worker into the execution
// gateway. It owns the reply cache and the out-of-order buffer.
type Pipeline struct {
	gw  *execution.Gateway
	jr  *journal.Adapter
	mc  metrics.Collector
	cfg Config

	cache *replyCache

	mu       sync.Mutex
	expected types.SeqNum // next sequence to hand to the worker
	buffer   map[types.SeqNum]types.Decision
	buffered *skipset.OrderedSet[uint64]
	highest  types.SeqNum

	// pauseMu is held for reading by the worker per decision; state transfer
	// takes the write side to pause application.
	pauseMu sync.RWMutex

	applyCh   chan types.Decision
	replyCh   chan types.Reply
	gapCh     chan GapSignal
	ckptCh    chan types.SeqNum
	appliedCh chan types.SeqNum

	worker *listener.Listener[types.Decision]
	cancel func()

	fatalMu  sync.Mutex
	fatalErr error
}

func New(gw *execution.Gateway, jr *journal.Adapter, mc metrics.Collector, cfg Config) *Pipeline {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Pipeline{
		gw:        gw,
		jr:        jr,
		mc:        mc,
		cfg:       cfg,
		cache:     newReplyCache(),
		expected:  gw.LastApplied() + 1,
		buffer:    make(map[types.SeqNum]types.Decision),
		buffered:  skipset.New[uint64](),
		applyCh:   make(chan types.Decision, cfg.ApplyBuffSize),
		replyCh:   make(chan types.Reply, cfg.ReplyBuffSize),
		gapCh:     make(chan GapSignal, 1),
		ckptCh:    make(chan types.SeqNum, cfg.NotifyBuffSize),
		appliedCh: make(chan types.SeqNum, cfg.ApplyBuffSize),
	}
}

// Start launches the single applier worker. Exactly one goroutine applies
// decisions; determinism depends on it.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.worker = listener.New(p.applyCh, func(d types.Decision) error {
		return p.apply(ctx, d)
	}).OnError(p.fail)
	p.worker.Start(ctx)
}

func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.worker != nil {
		p.worker.Stop()
	}
}

// Err returns the fatal error that halted the applier, if any.
func (p *Pipeline) Err() error {
	p.fatalMu.Lock()
	defer p.fatalMu.Unlock()
	return p.fatalErr
}

func (p *Pipeline) fail(err error) {
	p.fatalMu.Lock()
	p.fatalErr = err
	p.fatalMu.Unlock()
	slog.Error("applier halted", "error", err)
}

// Submit accepts a decision from the ordering protocol. In-order decisions go
// straight to the applier; future ones are buffered (bounded) and released
// once their predecessor is applied. Out-of-order arrival raises a gap signal.
func (p *Pipeline) Submit(d types.Decision) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if d.Seq > p.highest {
		p.highest = d.Seq
	}

	switch {
	case d.Seq < p.expected:
		// Already applied or subsumed by an installed checkpoint.
		return nil

	case d.Seq == p.expected:
		p.enqueue(d)
		p.release()
		return nil

	default:
		if len(p.buffer) >= p.cfg.MaxBuffered {
			p.signalGap()
			return fmt.Errorf("%w: buffer saturated at %d decisions, missing %d",
				smrerrors.ErrProtocolGap, len(p.buffer), p.expected)
		}
		if _, dup := p.buffer[d.Seq]; !dup {
			p.buffer[d.Seq] = d
			p.buffered.Add(uint64(d.Seq))
		}
		p.signalGap()
		return nil
	}
}

// enqueue hands one decision to the worker. Called with mu held; the bounded
// channel backpressures intake when the applier lags.
func (p *Pipeline) enqueue(d types.Decision) {
	p.applyCh <- d
	p.expected = d.Seq + 1
}

// release drains the contiguous run of buffered successors. Called with mu held.
func (p *Pipeline) release() {
	for {
		d, ok := p.buffer[p.expected]
		if !ok {
			return
		}
		delete(p.buffer, d.Seq)
		p.buffered.Remove(uint64(d.Seq))
		p.enqueue(d)
	}
}

func (p *Pipeline) signalGap() {
	sig := GapSignal{Expected: p.expected, Target: p.highest}
	// Coalesce: one pending signal is enough, the coordinator re-reads the
	// target when it starts.
	select {
	case p.gapCh <- sig:
	default:
	}
}

// apply is the body of the single applier worker.
func (p *Pipeline) apply(ctx context.Context, d types.Decision) error {
	p.pauseMu.RLock()
	defer p.pauseMu.RUnlock()

	return p.applyOne(ctx, d)
}

// ReplayDecision applies a certified log-suffix decision during state
// transfer. The caller holds the pause, so the applier worker is quiescent.
func (p *Pipeline) ReplayDecision(ctx context.Context, d types.Decision) error {
	return p.applyOne(ctx, d)
}

func (p *Pipeline) applyOne(ctx context.Context, d types.Decision) error {
	last := p.gw.LastApplied()
	if d.Seq <= last {
		// Stale: state transfer moved last-applied past this decision while
		// it sat in the channel.
		return nil
	}

	// The decision must be durable before its effects are.
	if err := p.jr.Append(d); err != nil {
		return err
	}

	// Answer duplicates from the cache; forward novel requests in batch order.
	novel := make([]types.Request, 0, len(d.Requests))
	for _, r := range d.Requests {
		if cached, seen := p.cache.lookup(r.Client, r.Num); seen {
			if cached.Client != "" {
				p.emitReply(cached)
			}
			continue
		}
		novel = append(novel, r)
	}

	replies, err := p.gw.ApplyDecision(ctx, types.Decision{
		Seq:      d.Seq,
		Requests: novel,
		Digest:   d.Digest,
	})
	if err != nil {
		return err
	}

	for _, r := range replies {
		p.cache.store(r)
		p.emitReply(r)
	}

	p.mc.IncCounter("decisions_applied", nil, 1)
	p.notifyApplied(d.Seq)

	if p.cfg.CheckpointInterval > 0 && uint64(d.Seq)%p.cfg.CheckpointInterval == 0 {
		select {
		case p.ckptCh <- d.Seq:
		case <-ctx.Done():
			return nil
		}
	}

	return nil
}

func (p *Pipeline) emitReply(r types.Reply) {
	select {
	case p.replyCh <- r:
	default:
		slog.Debug("reply channel full, dropping reply", "client", r.Client, "num", r.Num)
	}
}

func (p *Pipeline) notifyApplied(seq types.SeqNum) {
	select {
	case p.appliedCh <- seq:
	default:
	}
}

// Pause blocks new decision application and waits for the in-flight one.
// The returned func resumes the applier; calling it more than once is safe.
func (p *Pipeline) Pause() (resume func()) {
	p.pauseMu.Lock()
	var once sync.Once
	return func() { once.Do(p.pauseMu.Unlock) }
}

// Rebase re-anchors the pipeline after a state transfer installed state at
// lastApplied: stale buffered decisions are dropped, the surviving contiguous
// run is released to the worker. The applier must be running: release hands
// decisions to the worker over the bounded channel, and a paused worker
// cannot drain it.
func (p *Pipeline) Rebase(lastApplied types.SeqNum) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.expected = lastApplied + 1
	p.buffered.Range(func(seq uint64) bool {
		if types.SeqNum(seq) <= lastApplied {
			delete(p.buffer, types.SeqNum(seq))
			p.buffered.Remove(seq)
		}
		return true
	})
	p.release()
}

// WaitForApplied blocks until last-applied reaches seq or ctx expires.
func (p *Pipeline) WaitForApplied(ctx context.Context, seq types.SeqNum) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		if p.gw.LastApplied() >= seq {
			return nil
		}
		if err := p.Err(); err != nil {
			return err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WarmReplyCache seeds the duplicate-detection cache, typically with replies
// recovered from a journal replay after a restart. Replies must arrive in
// replay order so the latest per client wins.
func (p *Pipeline) WarmReplyCache(replies []types.Reply) {
	for _, r := range replies {
		p.cache.store(r)
	}
}

// CachedReply answers the request-intake duplicate check.
func (p *Pipeline) CachedReply(client types.ClientID, num types.RequestNum) (types.Reply, bool) {
	r, seen := p.cache.lookup(client, num)
	return r, seen && r.Client != ""
}

// LastApplied mirrors the gateway's last-applied sequence.
func (p *Pipeline) LastApplied() types.SeqNum { return p.gw.LastApplied() }

// Replies is the outbound stream of execution results.
func (p *Pipeline) Replies() <-chan types.Reply { return p.replyCh }

// Gaps delivers coalesced gap-detection signals.
func (p *Pipeline) Gaps() <-chan GapSignal { return p.gapCh }

// CheckpointBoundaries notifies the checkpoint manager at interval crossings.
func (p *Pipeline) CheckpointBoundaries() <-chan types.SeqNum { return p.ckptCh }

// Applied is a best-effort stream of applied sequence numbers, consumed for
// ordering-protocol garbage collection.
func (p *Pipeline) Applied() <-chan types.SeqNum { return p.appliedCh }
