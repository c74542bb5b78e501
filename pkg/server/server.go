// Package server assembles one storage daemon: the object store, the VDI
// manager, the dispatcher, the cluster driver, the recovery coordinator and
// the request surface, and carries the node-local cluster state machine.
package server

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/collie-store/collie/pkg/cluster"
	"github.com/collie-store/collie/pkg/config"
	"github.com/collie-store/collie/pkg/log"
	"github.com/collie-store/collie/pkg/metrics"
	"github.com/collie-store/collie/pkg/ops"
	"github.com/collie-store/collie/pkg/placement"
	"github.com/collie-store/collie/pkg/recovery"
	"github.com/collie-store/collie/pkg/status"
	"github.com/collie-store/collie/pkg/store"
	"github.com/collie-store/collie/pkg/transport"
	"github.com/collie-store/collie/pkg/types"
	"github.com/collie-store/collie/pkg/vdi"
)

// Node is one running storage daemon.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	cstore     *config.ClusterStore
	driver     cluster.Driver
	dispatcher *ops.Dispatcher
	vdis       *vdi.Manager
	coord      *recovery.Coordinator
	httpSrv    *transport.Server
	tclient    *transport.Client
	peers      *transport.Peers

	mu      sync.RWMutex
	self    types.Node
	st      store.Driver
	stat    types.ClusterStatus
	info    types.ClusterInfo
	view    *placement.View
	members []types.Node
	media   map[string]struct{}

	joinBusy atomic.Bool
	killOnce sync.Once
	killCh   chan struct{}
}

// New builds a node from configuration. Start brings it into the cluster.
func New(cfg *config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cstore, err := config.OpenClusterStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	info, err := cstore.GetInfo()
	if err != nil {
		cstore.Close()
		return nil, err
	}

	storeName := cfg.StoreDriver
	if info.Formatted() && info.Store != "" {
		storeName = info.Store
	}
	factory := store.Find(storeName)
	if factory == nil {
		cstore.Close()
		return nil, fmt.Errorf("unknown store driver %q", storeName)
	}
	st := factory(cfg.DataDir)
	if code := st.Init(); code != status.Success {
		cstore.Close()
		return nil, fmt.Errorf("initializing store: %s", code)
	}

	driver, err := cluster.New(cfg.ClusterDriver, cfg.DataDir, cfg.RaftAddr)
	if err != nil {
		cstore.Close()
		return nil, err
	}

	n := &Node{
		cfg:     cfg,
		logger:  log.WithNodeID(cfg.NodeID),
		cstore:  cstore,
		driver:  driver,
		st:      st,
		tclient: transport.NewClient(),
		info:    info,
		view:    placement.NewView(info.Epoch, nil),
		media:   make(map[string]struct{}),
		killCh:  make(chan struct{}),
		self: types.Node{
			ID:     cfg.NodeID,
			Addr:   cfg.BindAddr,
			Zone:   cfg.Zone,
			Space:  cfg.Capacity,
			Status: types.NodeStatusRunning,
		},
	}
	n.peers = transport.NewPeers(n.tclient)

	if info.Formatted() {
		n.stat = types.StatusWaitForJoin
	} else {
		n.stat = types.StatusWaitForFormat
	}

	n.dispatcher = ops.NewDispatcher(n, driver)
	n.vdis = vdi.NewManager(ops.NewObjectAdapter(n.dispatcher))
	if oids, err := st.List(); err == nil {
		n.vdis.Rebuild(oids)
	}
	n.coord = recovery.New(n.self, st, &peerFetcher{n: n}, n.localRecoveryDone)

	var proposer transport.Proposer
	if rd, ok := driver.(*cluster.RaftDriver); ok {
		rd.SetForwarder(n.forwardToLeader)
		proposer = rd
	}
	n.httpSrv = transport.NewServer(cfg.BindAddr, n.dispatcher, proposer)

	metrics.Epoch.Set(float64(info.Epoch))
	return n, nil
}

// Start serves requests and joins the cluster. It returns once the surface
// is closed.
func (n *Node) Start() error {
	errCh := make(chan error, 1)
	go func() { errCh <- n.httpSrv.Start() }()

	if err := n.driver.Join(n.self, n.dispatcher); err != nil {
		return fmt.Errorf("joining cluster: %w", err)
	}
	n.logger.Info().
		Str("status", n.Status().String()).
		Uint32("epoch", n.Epoch()).
		Msg("node started")
	return <-errCh
}

// Done is closed when the node has been asked to stop.
func (n *Node) Done() <-chan struct{} { return n.killCh }

// Stop leaves the cluster and releases resources.
func (n *Node) Stop(ctx context.Context) {
	n.driver.Leave()
	n.driver.Shutdown()
	n.httpSrv.Stop(ctx)
	n.cstore.Close()
}

// Dispatcher exposes the request entry point, for in-process callers.
func (n *Node) Dispatcher() *ops.Dispatcher { return n.dispatcher }

func (n *Node) kill() {
	n.killOnce.Do(func() { close(n.killCh) })
}

func (n *Node) forwardToLeader(leaderID string, env []byte) error {
	n.mu.RLock()
	var addr string
	for _, m := range n.members {
		if m.ID == leaderID {
			addr = m.Addr
			break
		}
	}
	n.mu.RUnlock()
	if addr == "" {
		return cluster.ErrNotLeader
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return n.tclient.Propose(ctx, addr, env)
}

func (n *Node) localRecoveryDone(epoch uint32) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	rsp := n.dispatcher.Exec(ctx, &types.Request{Op: types.OpCompleteRecovery, Epoch: epoch})
	if c := status.Code(rsp.Result); c != status.Success {
		n.logger.Error().Str("code", c.String()).Uint32("epoch", epoch).Msg("cannot report recovery completion")
	}
}
