package ordering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"smrcore/pkg/config"
	"smrcore/pkg/types"
)

type iTransport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
}

// batchProposal is the unit raft agrees on; the decision sequence number is
// assigned by commit order, not carried in the proposal.
type batchProposal struct {
	ID       uuid.UUID       `json:"id"`
	Requests []types.Request `json:"requests"`
}

// RaftProtocol is the reference Protocol implementation on etcd raft. It is
// crash-fault tolerant, not Byzantine: a production deployment swaps in a BFT
// engine behind the same interface.
type RaftProtocol struct {
	id           uint64
	peers        map[uint64]string
	underlying   raft.Node
	storage      *raft.MemoryStorage
	conf         *raftpb.ConfState
	transport    iTransport
	tickInterval time.Duration

	decisionCh chan types.Decision
	nextSeq    types.SeqNum

	seqMu    sync.Mutex
	seqIndex map[types.SeqNum]uint64 // decision seq -> raft entry index

	proposalsMu sync.RWMutex
	proposals   map[uuid.UUID]chan error

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func NewRaftProtocol(id uint64, cfg config.RaftConfig) (*RaftProtocol, error) {
	storage := raft.NewMemoryStorage()
	rc := &raft.Config{
		ID:                        id,
		ElectionTick:              cfg.ElectionTick,
		HeartbeatTick:             cfg.HeartbeatTick,
		Storage:                   storage,
		MaxSizePerMsg:             cfg.MaxSizePerMsg,
		MaxCommittedSizePerReady:  cfg.MaxCommittedSizePerReady,
		MaxUncommittedEntriesSize: cfg.MaxUncommittedEntriesSize,
		MaxInflightMsgs:           cfg.MaxInflightMsgs,
		CheckQuorum:               cfg.CheckQuorum,
		PreVote:                   cfg.PreVote,
	}

	var (
		confState raftpb.ConfState
		peers     = make(map[uint64]string, len(cfg.Peers))
		raftPeers = make([]raft.Peer, 0, len(cfg.Peers))
	)
	for _, p := range cfg.Peers {
		if _, ok := peers[p.ID]; ok {
			return nil, fmt.Errorf("duplicate peer ID %d", p.ID)
		}
		peers[p.ID] = p.Address
		confState.Voters = append(confState.Voters, p.ID)
		raftPeers = append(raftPeers, raft.Peer{
			ID:      p.ID,
			Context: []byte(p.Address),
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RaftProtocol{
		id:           id,
		peers:        peers,
		conf:         &confState,
		underlying:   raft.StartNode(rc, raftPeers),
		storage:      storage,
		transport:    NewTransport(peers),
		tickInterval: 100 * time.Millisecond,
		decisionCh:   make(chan types.Decision, 64),
		seqIndex:     make(map[types.SeqNum]uint64),
		proposals:    make(map[uuid.UUID]chan error),
		ctx:          ctx,
		stop:         cancel,
	}, nil
}

func (n *RaftProtocol) Start(ctx context.Context) error {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("ordering protocol loop exited", "error", err)
		}
	}()
	return nil
}

func (n *RaftProtocol) run(ctx context.Context) error {
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.underlying.Tick()
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(ctx, rd); err != nil {
				return err
			}
		}
	}
}

func (n *RaftProtocol) handleReady(ctx context.Context, rd raft.Ready) error {
	if err := n.storage.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}

	n.sendMessages(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		if err := n.commitEntry(ctx, entry); err != nil {
			return fmt.Errorf("commit entry: %w", err)
		}

		if entry.Type == raftpb.EntryConfChange {
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				return fmt.Errorf("unmarshal conf change: %w", err)
			}
			n.conf = n.underlying.ApplyConfChange(cc)
			n.updateTransport(cc)
		}
	}

	n.underlying.Advance()
	return nil
}

// commitEntry turns one committed raft entry into a decision. Sequence
// numbers follow commit order, so every replica derives the same numbering.
func (n *RaftProtocol) commitEntry(ctx context.Context, entry raftpb.Entry) error {
	if entry.Type != raftpb.EntryNormal || len(entry.Data) == 0 {
		return nil
	}

	var prop batchProposal
	if err := json.Unmarshal(entry.Data, &prop); err != nil {
		return fmt.Errorf("unmarshal proposal: %w", err)
	}

	n.nextSeq++
	d := types.Decision{
		Seq:      n.nextSeq,
		Requests: prop.Requests,
		Digest:   types.DecisionDigest(n.nextSeq, prop.Requests),
	}

	n.seqMu.Lock()
	n.seqIndex[d.Seq] = entry.Index
	n.seqMu.Unlock()

	select {
	case n.decisionCh <- d:
	case <-ctx.Done():
		return ctx.Err()
	case <-n.ctx.Done():
		return n.ctx.Err()
	}

	n.notifyProposal(prop.ID, nil)
	return nil
}

func (n *RaftProtocol) updateTransport(cc raftpb.ConfChange) {
	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		peerAddr := string(cc.Context)
		n.peers[cc.NodeID] = peerAddr
		n.transport.AddPeer(cc.NodeID, peerAddr)
		slog.Info("added ordering peer", "id", cc.NodeID, "addr", peerAddr)

	case raftpb.ConfChangeRemoveNode:
		delete(n.peers, cc.NodeID)
		n.transport.RemovePeer(cc.NodeID)
		slog.Info("removed ordering peer", "id", cc.NodeID)

	case raftpb.ConfChangeUpdateNode:
		peerAddr := string(cc.Context)
		n.peers[cc.NodeID] = peerAddr
		n.transport.UpdatePeer(cc.NodeID, peerAddr)
		slog.Info("updated ordering peer", "id", cc.NodeID, "addr", peerAddr)
	}
}

func (n *RaftProtocol) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == n.id {
			continue
		}

		go func(m raftpb.Message) {
			if err := n.transport.Send(m); err != nil {
				slog.Error("failed to send ordering message",
					"from", m.From,
					"to", m.To,
					"type", m.Type,
					"error", err)
			}
		}(msg)
	}
}

func (n *RaftProtocol) notifyProposal(id uuid.UUID, result error) {
	n.proposalsMu.RLock()
	resultChan, ok := n.proposals[id]
	n.proposalsMu.RUnlock()

	if !ok {
		// Follower commit, or the proposer already gave up.
		slog.Debug("proposal result channel not found (ignored)", "proposal_id", id)
		return
	}

	select {
	case resultChan <- result:
	default:
		slog.Debug("proposal result channel is full (ignored)", "proposal_id", id)
	}
}

// Propose submits a batch and waits until raft commits it.
func (n *RaftProtocol) Propose(ctx context.Context, batch []types.Request) error {
	if len(batch) == 0 {
		return fmt.Errorf("empty batch")
	}

	prop := batchProposal{ID: uuid.New(), Requests: batch}
	data, err := json.Marshal(prop)
	if err != nil {
		return fmt.Errorf("marshal proposal: %w", err)
	}

	resultChan := make(chan error, 1)

	n.proposalsMu.Lock()
	n.proposals[prop.ID] = resultChan
	n.proposalsMu.Unlock()

	defer func() {
		n.proposalsMu.Lock()
		delete(n.proposals, prop.ID)
		n.proposalsMu.Unlock()
	}()

	if err := n.underlying.Propose(ctx, data); err != nil {
		return fmt.Errorf("propose: %w", err)
	}

	select {
	case err := <-resultChan:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *RaftProtocol) Decisions() <-chan types.Decision {
	return n.decisionCh
}

// NotifyApplied lets raft compact its in-memory log below the applied prefix.
func (n *RaftProtocol) NotifyApplied(seq types.SeqNum) {
	n.seqMu.Lock()
	defer n.seqMu.Unlock()

	idx, ok := n.seqIndex[seq]
	if !ok {
		return
	}
	if err := n.storage.Compact(idx); err != nil && !errors.Is(err, raft.ErrCompacted) {
		slog.Warn("raft storage compaction failed", "index", idx, "error", err)
	}
	for s := range n.seqIndex {
		if s <= seq {
			delete(n.seqIndex, s)
		}
	}
}

// Handle steps an inbound raft message from a peer.
func (n *RaftProtocol) Handle(ctx context.Context, msg raftpb.Message) error {
	return n.underlying.Step(ctx, msg)
}

func (n *RaftProtocol) IsLeader() bool {
	return n.underlying.Status().Lead == n.id
}

func (n *RaftProtocol) LeaderAddr() string {
	return n.peers[n.underlying.Status().Lead]
}

func (n *RaftProtocol) Stop() error {
	slog.Info("stopping ordering protocol", "id", n.id)

	n.underlying.Stop()
	n.stop()
	n.wg.Wait()

	n.proposalsMu.Lock()
	for _, resultChan := range n.proposals {
		select {
		case resultChan <- fmt.Errorf("protocol stopped"):
		default:
		}
		close(resultChan)
	}
	n.proposalsMu.Unlock()

	return nil
}
