package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"smrcore/pkg/types"
	"smrcore/pkg/view"
)

type iReconfig interface {
	ProposeView(v view.View, effective types.SeqNum) error
}

// ZKMembership tracks live replicas through ZooKeeper ephemeral nodes and
// turns membership changes into view proposals for the reconfiguration
// integrator. It is a deployment convenience; a certified reconfiguration
// protocol can feed the integrator directly instead.
type ZKMembership struct {
	conn     *zk.Conn
	rootPath string
	self     types.ReplicaID
	epoch    types.Epoch
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKMembership(servers []string, rootPath string, self types.ReplicaID, epoch types.Epoch) (*ZKMembership, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &ZKMembership{
		conn:     conn,
		rootPath: rootPath,
		self:     self,
		epoch:    epoch,
	}, nil
}

func (m *ZKMembership) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMembership) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf создаёт ephemeral-узел для текущей реплики.
func (m *ZKMembership) RegisterSelf() error {
	if err := m.waitConnected(10 * time.Second); err != nil {
		return err
	}

	if err := m.ensurePath(m.rootPath + "/replicas"); err != nil {
		return fmt.Errorf("ensure replicas path: %w", err)
	}

	nodePath := fmt.Sprintf("%s/replicas/%d", m.rootPath, m.self)

	_, err := m.conn.Create(nodePath, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("registered replica in zookeeper", "path", nodePath)
	return nil
}

// readReplicas reads the live replica set.
func (m *ZKMembership) readReplicas() ([]types.ReplicaID, error) {
	children, _, err := m.conn.Children(m.rootPath + "/replicas")
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}

	ids := make([]types.ReplicaID, 0, len(children))
	for _, c := range children {
		id, err := strconv.ParseUint(c, 10, 64)
		if err != nil {
			slog.Warn("ignoring malformed replica node", "name", c)
			continue
		}
		ids = append(ids, types.ReplicaID(id))
	}
	return ids, nil
}

// RunWatch follows /replicas and proposes a new view on every change. The
// effective sequence is taken just past the current last-applied so the drain
// stays short.
func (m *ZKMembership) RunWatch(ctx context.Context, rc iReconfig, lastApplied func() types.SeqNum) {
	go func() {
		var lastProposed string

		for {
			children, _, ch, err := m.conn.ChildrenW(m.rootPath + "/replicas")
			if err != nil {
				slog.Warn("zk watch error", "error", err)
				time.Sleep(2 * time.Second)
				continue
			}

			if key := strings.Join(children, ","); key != lastProposed && len(children) > 0 {
				if err := m.propose(rc, lastApplied()); err != nil {
					slog.Warn("membership view proposal rejected", "error", err)
				} else {
					lastProposed = key
				}
			}

			select {
			case ev := <-ch:
				slog.Debug("zk membership event", "type", ev.Type.String())
			case <-ctx.Done():
				slog.Info("zk membership watch stopped")
				return
			}
		}
	}()
}

func (m *ZKMembership) propose(rc iReconfig, lastApplied types.SeqNum) error {
	ids, err := m.readReplicas()
	if err != nil {
		return err
	}

	m.epoch++
	v, err := view.New(m.epoch, ids)
	if err != nil {
		m.epoch--
		return err
	}

	return rc.ProposeView(v, lastApplied+1)
}

func (m *ZKMembership) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
