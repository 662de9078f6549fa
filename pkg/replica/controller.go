package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"smrcore/pkg/journal"
	"smrcore/pkg/ordering"
	"smrcore/pkg/pipeline"
	"smrcore/pkg/reconfig"
	"smrcore/pkg/smrerrors"
	"smrcore/pkg/types"
	"smrcore/pkg/view"
)

type iPipeline interface {
	Submit(d types.Decision) error
	CachedReply(client types.ClientID, num types.RequestNum) (types.Reply, bool)
	WaitForApplied(ctx context.Context, seq types.SeqNum) error
	LastApplied() types.SeqNum
	Gaps() <-chan pipeline.GapSignal
	Applied() <-chan types.SeqNum
	Replies() <-chan types.Reply
	Err() error
}

type iTransfer interface {
	Run(ctx context.Context, sig pipeline.GapSignal, v view.View) error
	Stalled() bool
}

type iCheckpoints interface {
	Latest() (journal.Checkpoint, bool)
}

type iReconfig interface {
	Signal() <-chan struct{}
	Next() (reconfig.Proposal, bool)
	MarkInstalled(p reconfig.Proposal)
}

type Config struct {
	Self types.ReplicaID
	// DrainTimeout bounds one wait slice of a view-install drain; a pending
	// state transfer pre-empts the drain at slice boundaries.
	DrainTimeout time.Duration
}

// Status is the operator-facing snapshot of the replica.
type Status struct {
	Phase       string            `json:"phase"`
	LastApplied types.SeqNum      `json:"last_applied"`
	Epoch       types.Epoch       `json:"epoch"`
	Members     []types.ReplicaID `json:"members"`
	Checkpoint  types.SeqNum      `json:"checkpoint"`
	Stalled     bool              `json:"stalled"`
	Err         string            `json:"error,omitempty"`
}

// Controller is the top-level replica state machine. It exclusively owns the
// replica phase and the current view, and coordinates the pipeline, the
// checkpoint manager, the state transfer coordinator and the reconfiguration
// integrator. All phase transitions run on one event loop, so phases are
// mutually exclusive and queued, never interleaved.
type Controller struct {
	cfg Config
	ord ordering.Protocol
	pl  iPipeline
	st  iTransfer
	ck  iCheckpoints
	rc  iReconfig

	mu    sync.Mutex
	phase Phase
	view  view.View

	waitersMu sync.Mutex
	waiters   map[string]chan types.Reply

	cancel func()
	wg     sync.WaitGroup
}

func NewController(cfg Config, v view.View, ord ordering.Protocol, pl iPipeline, st iTransfer, ck iCheckpoints, rc iReconfig) *Controller {
	return &Controller{
		cfg:     cfg,
		ord:     ord,
		pl:      pl,
		st:      st,
		ck:      ck,
		rc:      rc,
		phase:   PhaseNormal,
		view:    v,
		waiters: make(map[string]chan types.Reply),
		cancel:  func() {},
	}
}

// Start launches the decision pump and the phase event loop.
func (c *Controller) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	if err := c.ord.Start(ctx); err != nil {
		return fmt.Errorf("start ordering protocol: %w", err)
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.pumpLoop(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.phaseLoop(ctx)
	}()

	return nil
}

func (c *Controller) Stop() {
	c.cancel()
	c.wg.Wait()
	if err := c.ord.Stop(); err != nil {
		slog.Warn("ordering protocol stop failed", "error", err)
	}
}

// pumpLoop moves data that must keep flowing regardless of the current
// phase: inbound decisions, applied notifications and outbound replies.
func (c *Controller) pumpLoop(ctx context.Context) {
	for {
		select {
		case d := <-c.ord.Decisions():
			if err := c.SubmitDecision(d); err != nil {
				slog.Warn("decision rejected", "seq", d.Seq, "error", err)
			}
		case seq := <-c.pl.Applied():
			c.ord.NotifyApplied(seq)
		case r := <-c.pl.Replies():
			c.dispatchReply(r)
		case <-ctx.Done():
			return
		}
	}
}

// phaseLoop services phase transition requests one at a time.
func (c *Controller) phaseLoop(ctx context.Context) {
	for {
		select {
		case sig := <-c.pl.Gaps():
			c.runStateTransfer(ctx, sig)
		case <-c.rc.Signal():
			for {
				p, ok := c.rc.Next()
				if !ok {
					break
				}
				c.runViewInstall(ctx, p)
			}
		case <-ctx.Done():
			return
		}
	}
}

// SubmitDecision is the ordering-protocol intake: integrity-check the
// decision and hand it to the pipeline.
func (c *Controller) SubmitDecision(d types.Decision) error {
	if want := types.DecisionDigest(d.Seq, d.Requests); want != d.Digest {
		return fmt.Errorf("decision %d: integrity digest mismatch", d.Seq)
	}
	return c.pl.Submit(d)
}

// SubmitRequest is the client intake: duplicates are answered from the reply
// cache without re-execution; novel requests go to the ordering protocol and
// the reply arrives once the request's decision is applied.
func (c *Controller) SubmitRequest(ctx context.Context, req types.Request) (types.Reply, error) {
	if r, ok := c.pl.CachedReply(req.Client, req.Num); ok {
		return r, nil
	}

	if c.Phase() == PhaseViewInstall {
		// Intake pauses only for the bounded drain interval.
		return types.Reply{}, fmt.Errorf("request intake paused: view install in progress")
	}

	waitCh := c.addWaiter(req.Client, req.Num)
	defer c.removeWaiter(req.Client, req.Num)

	if err := c.ord.Propose(ctx, []types.Request{req}); err != nil {
		return types.Reply{}, fmt.Errorf("propose request: %w", err)
	}

	select {
	case r := <-waitCh:
		return r, nil
	case <-ctx.Done():
		return types.Reply{}, ctx.Err()
	}
}

func waiterKey(client types.ClientID, num types.RequestNum) string {
	return fmt.Sprintf("%s/%d", client, num)
}

func (c *Controller) addWaiter(client types.ClientID, num types.RequestNum) chan types.Reply {
	ch := make(chan types.Reply, 1)
	c.waitersMu.Lock()
	c.waiters[waiterKey(client, num)] = ch
	c.waitersMu.Unlock()
	return ch
}

func (c *Controller) removeWaiter(client types.ClientID, num types.RequestNum) {
	c.waitersMu.Lock()
	delete(c.waiters, waiterKey(client, num))
	c.waitersMu.Unlock()
}

func (c *Controller) dispatchReply(r types.Reply) {
	c.waitersMu.Lock()
	ch, ok := c.waiters[waiterKey(r.Client, r.Num)]
	c.waitersMu.Unlock()
	if !ok {
		// Follower apply or a proposer that timed out.
		return
	}
	select {
	case ch <- r:
	default:
	}
}

// runStateTransfer executes transfer sessions until the gap is closed or the
// coordinator declares the replica stalled. A fresher gap signal cancels the
// running session and starts over with the updated target.
func (c *Controller) runStateTransfer(ctx context.Context, sig pipeline.GapSignal) {
	c.setPhase(PhaseStateTransfer)
	defer c.setPhase(PhaseNormal)

	for {
		sessionCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			done <- c.st.Run(sessionCtx, sig, c.View())
		}()

		select {
		case err := <-done:
			cancel()
			switch {
			case err == nil:
				return
			case errors.Is(err, smrerrors.ErrQuorumCertification):
				// Blocked but alive: reported, retried on the next signal.
				slog.Warn("replica stalled: state transfer could not certify", "error", err)
				return
			case errors.Is(err, context.Canceled):
				return
			default:
				slog.Error("state transfer failed", "error", err)
				return
			}

		case fresh := <-c.pl.Gaps():
			cancel()
			<-done
			sig = fresh
		}
	}
}

// runViewInstall drains all decisions strictly below the effective sequence,
// then swaps the configuration atomically. A state transfer needed to reach
// the effective sequence takes priority over the drain wait.
func (c *Controller) runViewInstall(ctx context.Context, p reconfig.Proposal) {
	c.setPhase(PhaseViewInstall)
	defer c.setPhase(PhaseNormal)

	for p.Effective > 1 {
		waitCtx, cancel := context.WithTimeout(ctx, c.cfg.DrainTimeout)
		err := c.pl.WaitForApplied(waitCtx, p.Effective-1)
		cancel()
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}

		select {
		case sig := <-c.pl.Gaps():
			// The drain cannot finish while base state is missing.
			c.runStateTransfer(ctx, sig)
			c.setPhase(PhaseViewInstall)
		default:
			if perr := c.pl.Err(); perr != nil {
				slog.Error("view install abandoned: applier halted", "error", perr)
				return
			}
			slog.Warn("view install drain still waiting",
				"effective", p.Effective, "last_applied", c.pl.LastApplied())
		}
	}

	c.mu.Lock()
	old := c.view
	c.view = p.View
	c.mu.Unlock()

	c.rc.MarkInstalled(p)
	slog.Info("view installed",
		"old_epoch", old.Epoch, "epoch", p.View.Epoch,
		"members", len(p.View.Members), "effective", p.Effective)
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	old := c.phase
	c.phase = p
	c.mu.Unlock()
	if old != p {
		slog.Info("phase transition", "from", old.String(), "to", p.String())
	}
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) View() view.View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	phase, v := c.phase, c.view
	c.mu.Unlock()

	st := Status{
		Phase:       phase.String(),
		LastApplied: c.pl.LastApplied(),
		Epoch:       v.Epoch,
		Members:     v.Members,
		Stalled:     c.st.Stalled(),
	}
	if cp, ok := c.ck.Latest(); ok {
		st.Checkpoint = cp.Seq
	}
	if err := c.pl.Err(); err != nil {
		st.Err = err.Error()
	}
	return st
}
