package statetransfer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"smrcore/pkg/journal"
	"smrcore/pkg/listener"
	"smrcore/pkg/metrics"
	"smrcore/pkg/pipeline"
	"smrcore/pkg/smrerrors"
	"smrcore/pkg/types"
	"smrcore/pkg/view"
)

// Offer is a peer's attestation of its latest durable checkpoint.
type Offer struct {
	Peer   types.ReplicaID `json:"peer"`
	Seq    types.SeqNum    `json:"seq"`
	Digest types.Digest    `json:"digest"`
}

// Payload is the state a responder hands to a lagging peer: the checkpoint
// plus the log suffix past it.
type Payload struct {
	Checkpoint journal.Checkpoint `json:"checkpoint"`
	Suffix     []types.Decision   `json:"suffix"`
}

// PeerClient exchanges state-transfer messages with one peer at a time over
// the transport layer.
type PeerClient interface {
	RequestOffer(ctx context.Context, peer types.ReplicaID, target types.SeqNum) (Offer, error)
	FetchState(ctx context.Context, peer types.ReplicaID, seq types.SeqNum) (Payload, error)
}

type iGateway interface {
	Install(cp journal.Checkpoint) error
	LastApplied() types.SeqNum
}

type iPipeline interface {
	Pause() func()
	Rebase(lastApplied types.SeqNum)
	ReplayDecision(ctx context.Context, d types.Decision) error
	LastApplied() types.SeqNum
}

type iCheckpoints interface {
	Latest() (journal.Checkpoint, bool)
	Promote(cp journal.Checkpoint) error
}

type iJournal interface {
	ReadRange(lo, hi types.SeqNum) ([]types.Decision, error)
}

type Config struct {
	Self types.ReplicaID
	// CertQuorum overrides the view-derived f+1 when > 0.
	CertQuorum        int
	OfferTimeout      time.Duration
	RetryBackoff      time.Duration
	MaxRetries        int
	InitialCandidates int
}

// Coordinator runs both sides of state transfer: the requester that certifies
// and installs peer state when this replica lags, and the read-only responder
// that serves the latest durable checkpoint plus log suffix to lagging peers.
type Coordinator struct {
	cfg   Config
	peers PeerClient
	gw    iGateway
	pl    iPipeline
	ck    iCheckpoints
	jr    iJournal
	mc    metrics.Collector

	// lastDurable tracks checkpoint notifications from the manager so status
	// reporting does not touch the manager's lock.
	mu          sync.Mutex
	lastDurable types.SeqNum
	stalled     bool

	notifyWorker *listener.Listener[types.SeqNum]
}

func NewCoordinator(cfg Config, peers PeerClient, gw iGateway, pl iPipeline, ck iCheckpoints, jr iJournal, mc metrics.Collector) *Coordinator {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Coordinator{
		cfg:   cfg,
		peers: peers,
		gw:    gw,
		pl:    pl,
		ck:    ck,
		jr:    jr,
		mc:    mc,
	}
}

// Start consumes durable-checkpoint notifications from the checkpoint manager.
func (c *Coordinator) Start(ctx context.Context, checkpoints <-chan types.SeqNum) {
	c.notifyWorker = listener.New(checkpoints, func(seq types.SeqNum) error {
		c.mu.Lock()
		if seq > c.lastDurable {
			c.lastDurable = seq
		}
		c.mu.Unlock()
		c.mc.SetGauge("durable_checkpoint_seq", nil, float64(seq))
		return nil
	})
	c.notifyWorker.Start(ctx)
}

func (c *Coordinator) Stop() {
	if c.notifyWorker != nil {
		c.notifyWorker.Stop()
	}
}

// Stalled reports whether the last session exhausted retries without quorum.
func (c *Coordinator) Stalled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stalled
}

func (c *Coordinator) setStalled(v bool) {
	c.mu.Lock()
	c.stalled = v
	c.mu.Unlock()
}

// Run executes one requester session for the given gap. It returns once
// certified state is installed and the pipeline is rebased, or with
// ErrQuorumCertification after exhausting retries. Cancel ctx to abandon the
// session (a fresher gap signal supersedes it); installation itself is
// all-or-nothing, so cancellation never leaves partial state.
func (c *Coordinator) Run(ctx context.Context, sig pipeline.GapSignal, v view.View) error {
	session := uuid.New()
	quorum := c.cfg.CertQuorum
	if quorum == 0 {
		quorum = v.CertQuorum()
	}

	candidates := v.Others(c.cfg.Self)
	k := min(c.cfg.InitialCandidates, len(candidates))

	slog.Info("state transfer session started",
		"session", session, "expected", sig.Expected, "target", sig.Target, "quorum", quorum)
	c.mc.IncCounter("transfer_sessions", nil, 1)

	// The applier stays paused for the whole exchange: the replica cannot
	// safely apply decisions while its base state is missing.
	resume := c.pl.Pause()
	defer resume()

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		offers := c.gatherOffers(ctx, candidates[:k], sig.Target)
		cert, ok := certify(offers, quorum)
		if !ok {
			// No quorum yet: re-broadcast to an expanded candidate set.
			k = min(k*2, len(candidates))
			slog.Warn("no certification quorum, expanding candidates",
				"session", session, "attempt", attempt+1, "offers", len(offers), "candidates", k)
			c.mc.IncCounter("transfer_retries", nil, 1)

			select {
			case <-time.After(c.cfg.RetryBackoff * time.Duration(attempt+1)):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if cert.Seq <= c.gw.LastApplied() {
			// Peers hold nothing newer; the gap got filled while we gathered.
			c.setStalled(false)
			return nil
		}

		if err := c.fetchAndInstall(ctx, cert, offers, quorum); err != nil {
			slog.Warn("fetch/install failed, retrying", "session", session, "error", err)
			continue
		}

		// The backlog drains through the applier worker, so lift the pause
		// before re-anchoring the pipeline.
		resume()
		c.pl.Rebase(c.gw.LastApplied())

		c.setStalled(false)
		slog.Info("state transfer complete", "session", session, "last_applied", c.gw.LastApplied())
		return nil
	}

	// Never fabricate state: exhausting retries blocks the replica rather
	// than risking corruption.
	c.setStalled(true)
	return fmt.Errorf("%w: no %d matching attestations for target %d after %d attempts",
		smrerrors.ErrQuorumCertification, quorum, sig.Target, c.cfg.MaxRetries)
}

func (c *Coordinator) gatherOffers(ctx context.Context, peers []types.ReplicaID, target types.SeqNum) []Offer {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OfferTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		offers []Offer
		wg     sync.WaitGroup
	)
	for _, peer := range peers {
		wg.Add(1)
		go func(peer types.ReplicaID) {
			defer wg.Done()
			offer, err := c.peers.RequestOffer(ctx, peer, target)
			if err != nil {
				// Peer-induced, transient: absorbed here, retried by the
				// session loop.
				slog.Debug("offer request failed", "peer", peer, "error", err)
				return
			}
			offer.Peer = peer
			mu.Lock()
			offers = append(offers, offer)
			mu.Unlock()
		}(peer)
	}
	wg.Wait()

	return offers
}

// certify picks the highest (seq, digest) pair attested by at least quorum
// distinct peers. Byzantine quorum certification: f+1 identical attestations
// cannot all come from faulty replicas.
func certify(offers []Offer, quorum int) (Offer, bool) {
	type key struct {
		seq    types.SeqNum
		digest types.Digest
	}

	attesters := make(map[key]map[types.ReplicaID]struct{})
	for _, o := range offers {
		k := key{o.Seq, o.Digest}
		if attesters[k] == nil {
			attesters[k] = make(map[types.ReplicaID]struct{})
		}
		attesters[k][o.Peer] = struct{}{}
	}

	var best Offer
	var found bool
	for k, peers := range attesters {
		if len(peers) < quorum {
			continue
		}
		if !found || k.seq > best.Seq {
			best = Offer{Seq: k.seq, Digest: k.digest}
			found = true
		}
	}
	return best, found
}

// fetchAndInstall pulls the certified state from the matching attesters,
// verifies it against the certified digest and installs it all-or-nothing.
// The checkpoint blob needs a single valid copy since its digest is quorum
// certified; the log suffix past it is not, so a decision replays only when
// quorum distinct fetched copies agree on it.
func (c *Coordinator) fetchAndInstall(ctx context.Context, cert Offer, offers []Offer, quorum int) error {
	var payloads []Payload
	fetched := make(map[types.ReplicaID]struct{})
	for _, o := range offers {
		if o.Seq != cert.Seq || o.Digest != cert.Digest {
			continue
		}
		if _, dup := fetched[o.Peer]; dup {
			continue
		}
		p, err := c.peers.FetchState(ctx, o.Peer, cert.Seq)
		if err != nil {
			slog.Debug("state fetch failed", "peer", o.Peer, "error", err)
			continue
		}
		if p.Checkpoint.Seq != cert.Seq {
			slog.Warn("peer returned wrong checkpoint", "peer", o.Peer, "seq", p.Checkpoint.Seq)
			continue
		}
		if got := types.DigestOf(p.Checkpoint.Blob); !bytes.Equal(got[:], cert.Digest[:]) {
			// A certified digest mismatch means the responder lied; drop it.
			slog.Warn("peer state blob fails certified digest", "peer", o.Peer)
			continue
		}
		fetched[o.Peer] = struct{}{}
		payloads = append(payloads, p)
		if len(payloads) == quorum {
			break
		}
	}
	if len(payloads) == 0 {
		return fmt.Errorf("no attester delivered certified state at %d", cert.Seq)
	}

	if err := c.gw.Install(payloads[0].Checkpoint); err != nil {
		return err
	}
	if err := c.ck.Promote(payloads[0].Checkpoint); err != nil {
		return err
	}

	// Replay the quorum-agreed suffix beyond the checkpoint, in order.
	for _, d := range certifySuffix(payloads, cert.Seq, quorum) {
		if d.Seq <= c.gw.LastApplied() {
			continue
		}
		if err := c.pl.ReplayDecision(ctx, d); err != nil {
			return err
		}
	}

	return nil
}

// certifySuffix returns the longest contiguous run of log-suffix decisions
// past from that at least quorum distinct payloads agree on. A decision whose
// digest does not match its own seq and batch never counts: any peer can
// compute a digest over fabricated requests, so agreement is taken over the
// digest, which binds both. The uncertified tail is left for the next gap
// signal to recover through ordinary means.
func certifySuffix(payloads []Payload, from types.SeqNum, quorum int) []types.Decision {
	if len(payloads) < quorum {
		return nil
	}

	indexed := make([]map[types.SeqNum]types.Decision, 0, len(payloads))
	for _, p := range payloads {
		bySeq := make(map[types.SeqNum]types.Decision, len(p.Suffix))
		for _, d := range p.Suffix {
			if d.Seq <= from {
				continue
			}
			if d.Digest != types.DecisionDigest(d.Seq, d.Requests) {
				slog.Warn("suffix decision fails integrity digest", "seq", d.Seq)
				continue
			}
			bySeq[d.Seq] = d
		}
		indexed = append(indexed, bySeq)
	}

	var certified []types.Decision
	for seq := from + 1; ; seq++ {
		votes := make(map[types.Digest]int)
		byDigest := make(map[types.Digest]types.Decision)
		for _, bySeq := range indexed {
			d, ok := bySeq[seq]
			if !ok {
				continue
			}
			votes[d.Digest]++
			byDigest[d.Digest] = d
		}

		var next types.Decision
		ok := false
		for dig, n := range votes {
			if n >= quorum {
				next, ok = byDigest[dig], true
				break
			}
		}
		if !ok {
			return certified
		}
		certified = append(certified, next)
	}
}

// HandleOfferRequest answers a lagging peer with this replica's latest
// durable checkpoint attestation. Read-only; never blocks the applier.
func (c *Coordinator) HandleOfferRequest(target types.SeqNum) (Offer, bool) {
	cp, ok := c.ck.Latest()
	if !ok {
		return Offer{}, false
	}
	return Offer{Peer: c.cfg.Self, Seq: cp.Seq, Digest: cp.Digest}, true
}

// HandleFetch serves the checkpoint at seq plus the current log suffix.
func (c *Coordinator) HandleFetch(seq types.SeqNum) (Payload, error) {
	cp, ok := c.ck.Latest()
	if !ok || cp.Seq != seq {
		return Payload{}, fmt.Errorf("checkpoint %d not available", seq)
	}

	suffix, err := c.jr.ReadRange(cp.Seq+1, 0)
	if err != nil {
		return Payload{}, err
	}

	return Payload{Checkpoint: cp, Suffix: suffix}, nil
}
