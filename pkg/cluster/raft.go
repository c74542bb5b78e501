package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/collie-store/collie/pkg/log"
	"github.com/collie-store/collie/pkg/types"
)

func init() {
	Register("raft", func(dataDir, addr string) (Driver, error) {
		return NewRaftDriver(dataDir, addr), nil
	})
}

const applyTimeout = 10 * time.Second

// Forwarder sends an envelope to the named leader for proposal. The server
// wires this to an HTTP call against the leader's admin surface, since only
// the raft leader can append to the log.
type Forwarder func(leaderID string, envelope []byte) error

// RaftDriver provides total-order delivery through a raft log: committed
// entries are applied in identical order on every member, and membership
// events travel through the same log so they stay ordered relative to
// notifies.
type RaftDriver struct {
	dataDir string
	addr    string

	mu        sync.Mutex
	self      types.Node
	fsm       *deliveryFSM
	ra        *raft.Raft
	forwarder Forwarder
}

// NewRaftDriver returns an unstarted driver; Join brings raft up.
func NewRaftDriver(dataDir, addr string) *RaftDriver {
	return &RaftDriver{dataDir: dataDir, addr: addr}
}

// SetForwarder installs the leader-forwarding hook. Must be called before
// Join on followers that intend to originate broadcasts.
func (d *RaftDriver) SetForwarder(f Forwarder) {
	d.mu.Lock()
	d.forwarder = f
	d.mu.Unlock()
}

func (d *RaftDriver) Join(self types.Node, h Handler) error {
	d.self = self
	d.fsm = newDeliveryFSM(h)

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(self.ID)
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	cfg.ElectionTimeout = 500 * time.Millisecond
	cfg.LeaderLeaseTimeout = 250 * time.Millisecond

	raftDir := filepath.Join(d.dataDir, "raft")
	if err := os.MkdirAll(raftDir, 0o755); err != nil {
		return fmt.Errorf("creating raft directory: %w", err)
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", d.addr)
	if err != nil {
		return fmt.Errorf("resolving raft address: %w", err)
	}
	transport, err := raft.NewTCPTransport(d.addr, tcpAddr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("creating raft transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(raftDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("creating snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "log.db"))
	if err != nil {
		return fmt.Errorf("creating log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "stable.db"))
	if err != nil {
		return fmt.Errorf("creating stable store: %w", err)
	}

	ra, err := raft.NewRaft(cfg, d.fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return fmt.Errorf("starting raft: %w", err)
	}
	d.ra = ra

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshots)
	if err != nil {
		return fmt.Errorf("inspecting raft state: %w", err)
	}
	if !hasState {
		ra.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: cfg.LocalID, Address: transport.LocalAddr()}},
		})
	}

	go d.announce(encodeEnvelope(kindJoin, self, nil))
	return nil
}

// announce retries a membership envelope until the log accepts it, either
// locally on the leader or through the forwarder.
func (d *RaftDriver) announce(env []byte) {
	logger := log.WithComponent("cluster-raft")
	for {
		err := d.propose(env)
		if err == nil {
			return
		}
		if err != ErrNotLeader {
			logger.Warn().Err(err).Msg("membership announce failed, retrying")
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func (d *RaftDriver) propose(env []byte) error {
	if d.ra.State() == raft.Leader {
		return d.ra.Apply(env, applyTimeout).Error()
	}
	d.mu.Lock()
	fwd := d.forwarder
	d.mu.Unlock()
	leader := d.Leader()
	if fwd == nil || leader == "" {
		return ErrNotLeader
	}
	return fwd(leader, env)
}

// ProposeRaw appends an already-encoded envelope. The admin surface calls
// this on the leader when a follower forwards a broadcast.
func (d *RaftDriver) ProposeRaw(env []byte) error {
	if d.ra.State() != raft.Leader {
		return ErrNotLeader
	}
	return d.ra.Apply(env, applyTimeout).Error()
}

func (d *RaftDriver) Notify(payload []byte) error {
	return d.propose(encodeEnvelope(kindNotify, d.self, payload))
}

func (d *RaftDriver) UpdateNode(n types.Node) error {
	d.self = n
	return d.propose(encodeEnvelope(kindUpdate, n, nil))
}

func (d *RaftDriver) Leave() error {
	return d.propose(encodeEnvelope(kindLeave, d.self, nil))
}

// Leader returns the leader's node id ("" while electing).
func (d *RaftDriver) Leader() string {
	_, id := d.ra.LeaderWithID()
	return string(id)
}

// AddVoter grows the raft quorum; exposed to the admin surface so new nodes
// can be invited by id and raft address.
func (d *RaftDriver) AddVoter(id, raftAddr string) error {
	if d.ra.State() != raft.Leader {
		return ErrNotLeader
	}
	return d.ra.AddVoter(raft.ServerID(id), raft.ServerAddress(raftAddr), 0, applyTimeout).Error()
}

func (d *RaftDriver) Shutdown() error {
	if d.ra == nil {
		return nil
	}
	return d.ra.Shutdown().Error()
}

// deliveryFSM turns committed raft entries into Handler callbacks. Raft
// applies entries one at a time, which is exactly the total-order delivery
// the dispatcher needs.
type deliveryFSM struct {
	handler Handler
	members map[string]types.Node
}

func newDeliveryFSM(h Handler) *deliveryFSM {
	return &deliveryFSM{handler: h, members: make(map[string]types.Node)}
}

func (f *deliveryFSM) Apply(entry *raft.Log) interface{} {
	env, err := decodeEnvelope(entry.Data)
	if err != nil {
		return fmt.Errorf("undecodable cluster envelope: %w", err)
	}
	switch env.Kind {
	case kindNotify:
		f.handler.Deliver(env.Sender, env.Payload)
	case kindJoin, kindUpdate:
		f.members[env.Sender.ID] = env.Sender
		f.handler.ViewChange(f.view())
	case kindLeave:
		delete(f.members, env.Sender.ID)
		f.handler.ViewChange(f.view())
	}
	return nil
}

func (f *deliveryFSM) view() []types.Node {
	nodes := make([]types.Node, 0, len(f.members))
	for _, n := range f.members {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Less(nodes[j]) })
	return nodes
}

func (f *deliveryFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &membershipSnapshot{members: f.view()}, nil
}

func (f *deliveryFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var nodes []types.Node
	if err := json.NewDecoder(rc).Decode(&nodes); err != nil {
		return fmt.Errorf("decoding membership snapshot: %w", err)
	}
	f.members = make(map[string]types.Node, len(nodes))
	for _, n := range nodes {
		f.members[n.ID] = n
	}
	f.handler.ViewChange(f.view())
	return nil
}

type membershipSnapshot struct {
	members []types.Node
}

func (s *membershipSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.members); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *membershipSnapshot) Release() {}
