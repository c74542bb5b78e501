package server

import (
	"time"

	"github.com/collie-store/collie/pkg/metrics"
	"github.com/collie-store/collie/pkg/ops"
	"github.com/collie-store/collie/pkg/placement"
	"github.com/collie-store/collie/pkg/status"
	"github.com/collie-store/collie/pkg/store"
	"github.com/collie-store/collie/pkg/types"
	"github.com/collie-store/collie/pkg/vdi"
)

func (n *Node) Self() types.Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.self
}

func (n *Node) Status() types.ClusterStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stat
}

func (n *Node) setStatus(s types.ClusterStatus) {
	n.mu.Lock()
	old := n.stat
	n.stat = s
	n.mu.Unlock()
	if old != s {
		n.logger.Info().Str("from", old.String()).Str("to", s.String()).Msg("status changed")
	}
}

func (n *Node) Info() types.ClusterInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.info
}

func (n *Node) SetInfo(info types.ClusterInfo) status.Code {
	if err := n.cstore.PutInfo(info); err != nil {
		n.logger.Error().Err(err).Msg("cannot persist cluster info")
		return status.EIO
	}
	n.mu.Lock()
	n.info = info
	n.mu.Unlock()
	metrics.Epoch.Set(float64(info.Epoch))
	return status.Success
}

func (n *Node) Epoch() uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.info.Epoch
}

func (n *Node) EpochNodes(epoch uint32) []types.Node {
	entry, ok, err := n.cstore.GetEpoch(epoch)
	if err != nil || !ok {
		return nil
	}
	return entry.Nodes
}

func (n *Node) View() *placement.View {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.view
}

func (n *Node) Store() store.Driver {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.st
}

func (n *Node) VDIs() *vdi.Manager { return n.vdis }

func (n *Node) Peers() ops.PeerClient { return n.peers }

// FormatCluster runs in the make_fs main phase on every node: wipe the
// local store, reset VDI state and install epoch 1 over the current
// membership. Every node sees the identical request, so all converge.
func (n *Node) FormatCluster(ctime int64, copies, policy uint8, storeName string) status.Code {
	n.mu.Lock()
	if storeName != "" && storeName != n.st.Name() {
		factory := store.Find(storeName)
		if factory == nil {
			n.mu.Unlock()
			return status.NoStore
		}
		n.st = factory(n.cfg.DataDir)
	}
	st := n.st
	members := append([]types.Node(nil), n.members...)
	n.mu.Unlock()

	if code := st.Format(); code != status.Success {
		return code
	}
	n.vdis.Reset()

	// Drop the epoch history of the previous cluster generation.
	for e := n.cstore.LatestEpoch(); e > 0; e-- {
		n.cstore.RemoveEpoch(e)
	}

	info := types.ClusterInfo{
		Ctime:      ctime,
		Epoch:      1,
		Copies:     copies,
		CopyPolicy: policy,
		Store:      st.Name(),
	}
	entry := types.EpochLogEntry{Epoch: 1, Time: time.Now().UnixNano(), Nodes: members}
	if err := n.cstore.PutEpoch(entry); err != nil {
		// The epoch log must be durable before the epoch takes effect.
		n.logger.Fatal().Err(err).Msg("cannot persist epoch log entry")
	}
	if code := n.SetInfo(info); code != status.Success {
		return code
	}
	n.cstore.SetShutdown(false)

	n.mu.Lock()
	n.view = placement.NewView(1, members)
	n.mu.Unlock()
	n.setStatus(types.StatusOK)

	n.logger.Info().Uint8("copies", copies).Str("store", info.Store).Msg("cluster formatted")
	return status.Success
}

func (n *Node) ShutdownCluster() status.Code {
	if err := n.cstore.SetShutdown(true); err != nil {
		n.logger.Error().Err(err).Msg("cannot record clean shutdown")
	}
	n.setStatus(types.StatusShutdown)
	n.kill()
	return status.Success
}

// ForceRecover restarts service from the last logged membership when the
// cluster is stuck waiting for nodes that will never return. The epoch
// advances over the members that are actually alive.
func (n *Node) ForceRecover() status.Code {
	if n.Status() != types.StatusWaitForJoin {
		return status.ForceRecover
	}
	prior := n.EpochNodes(n.cstore.LatestEpoch())
	n.mu.RLock()
	live := append([]types.Node(nil), n.members...)
	n.mu.RUnlock()

	n.logger.Warn().
		Int("prior_nodes", len(prior)).
		Int("live_nodes", len(live)).
		Msg("force recovering from prior membership")

	n.setStatus(types.StatusOK)
	n.advanceEpoch(live)
	return status.Success
}

func (n *Node) NodeRecovered(epoch uint32, node types.Node) {
	n.coord.NodeRecovered(epoch, node.ID, n.View(), int(n.Info().Copies))
}

func (n *Node) RecoveryState() types.RecoveryState {
	return n.coord.State()
}

// HandleViewChange is the agreed-membership entry point. It runs on the
// cluster driver's delivery goroutine, ordered against main phases.
func (n *Node) HandleViewChange(nodes []types.Node) {
	n.mu.Lock()
	n.members = append([]types.Node(nil), nodes...)
	stat := n.stat
	sameView := n.view.Equal(placement.NewView(0, nodes)) && n.view.Len() > 0
	n.mu.Unlock()

	n.logger.Info().Int("nodes", len(nodes)).Str("status", stat.String()).Msg("membership changed")

	switch stat {
	case types.StatusWaitForFormat:
		// Either the whole cluster is new (an operator will format it) or
		// this node is joining a formatted cluster and must catch up.
		if len(nodes) > 1 {
			go n.syncJoin(nodes)
		}

	case types.StatusWaitForJoin:
		n.maybeRejoin(nodes)

	case types.StatusOK:
		if !sameView {
			n.advanceEpoch(nodes)
		}
	}
}

// maybeRejoin transitions a formatted node back to service once every
// member of the last logged epoch is present again. A clean shutdown with
// an identical membership resumes without recovery.
func (n *Node) maybeRejoin(nodes []types.Node) {
	logged := n.EpochNodes(n.cstore.LatestEpoch())
	if len(logged) == 0 {
		// Formatted but no epoch log: fall back to serving with whoever
		// is here.
		n.setStatus(types.StatusOK)
		n.advanceEpoch(nodes)
		return
	}
	present := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		present[node.ID] = struct{}{}
	}
	for _, want := range logged {
		if _, ok := present[want.ID]; !ok {
			return
		}
	}

	clean := n.cstore.WasShutdown() && len(logged) == len(nodes)
	n.setStatus(types.StatusOK)
	if clean {
		// Same membership, clean stop: resume the logged epoch as-is.
		n.mu.Lock()
		n.view = placement.NewView(n.info.Epoch, nodes)
		n.mu.Unlock()
		n.cstore.SetShutdown(false)
		n.logger.Info().Uint32("epoch", n.Epoch()).Msg("resumed cleanly")
		return
	}
	n.advanceEpoch(nodes)
}

// advanceEpoch logs and installs the next epoch over nodes, then starts
// object recovery toward the new placement. The log write precedes the
// epoch taking effect; losing it would fork placement history, so failure
// is fatal.
func (n *Node) advanceEpoch(nodes []types.Node) {
	n.mu.Lock()
	epoch := n.info.Epoch + 1
	info := n.info
	n.mu.Unlock()

	entry := types.EpochLogEntry{Epoch: epoch, Time: time.Now().UnixNano(), Nodes: nodes}
	if err := n.cstore.PutEpoch(entry); err != nil {
		n.logger.Fatal().Err(err).Uint32("epoch", epoch).Msg("cannot persist epoch log entry")
	}

	info.Epoch = epoch
	if code := n.SetInfo(info); code != status.Success {
		n.logger.Fatal().Str("code", code.String()).Msg("cannot persist epoch")
	}

	view := placement.NewView(epoch, nodes)
	n.mu.Lock()
	n.view = view
	n.mu.Unlock()

	n.logger.Info().Uint32("epoch", epoch).Int("nodes", len(nodes)).Msg("epoch advanced")
	n.coord.Start(view, nodes, int(info.Copies))
}

func (n *Node) Kill() {
	n.setStatus(types.StatusKilled)
	n.kill()
}
