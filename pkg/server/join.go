package server

import (
	"encoding/json"
	"time"

	"github.com/collie-store/collie/pkg/placement"
	"github.com/collie-store/collie/pkg/status"
	"github.com/collie-store/collie/pkg/types"
)

// syncJoin catches a never-formatted node up with a running cluster: it
// polls a peer for the replicated cluster info until the epoch log lists
// this node as a member, then adopts that epoch and recovers toward it.
// When every peer is equally unformatted it gives up and waits for format.
func (n *Node) syncJoin(nodes []types.Node) {
	if !n.joinBusy.CompareAndSwap(false, true) {
		return
	}
	defer n.joinBusy.Store(false)

	for attempt := 0; attempt < 20; attempt++ {
		if n.Status() != types.StatusWaitForFormat {
			return
		}
		if n.tryAdopt(nodes) {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
	n.logger.Debug().Msg("no formatted peer found, waiting for format")
}

func (n *Node) tryAdopt(nodes []types.Node) bool {
	for _, peer := range nodes {
		if peer.ID == n.self.ID {
			continue
		}
		rsp, err := n.peers.Exec(peer, &types.Request{Op: types.OpClusterInfo})
		if err != nil || status.Code(rsp.Result) != status.Success {
			continue
		}
		var info types.ClusterInfo
		if err := json.Unmarshal(rsp.Data, &info); err != nil || !info.Formatted() {
			continue
		}

		// The peer has advanced past the epoch we appeared in only once
		// it saw us; fetch the membership logged for its current epoch.
		epochRsp, err := n.peers.Exec(peer, &types.Request{Op: types.OpGetEpoch, Epoch: info.Epoch})
		if err != nil || status.Code(epochRsp.Result) != status.Success {
			continue
		}
		members := epochRsp.Nodes
		found := false
		for _, m := range members {
			if m.ID == n.self.ID {
				found = true
				break
			}
		}
		if !found {
			continue
		}

		entry := types.EpochLogEntry{Epoch: info.Epoch, Time: time.Now().UnixNano(), Nodes: members}
		if err := n.cstore.PutEpoch(entry); err != nil {
			n.logger.Fatal().Err(err).Msg("cannot persist adopted epoch")
		}
		if code := n.SetInfo(info); code != status.Success {
			return false
		}

		view := placement.NewView(info.Epoch, members)
		n.mu.Lock()
		n.view = view
		n.mu.Unlock()
		n.setStatus(types.StatusOK)

		n.logger.Info().
			Uint32("epoch", info.Epoch).
			Str("via", peer.ID).
			Msg("joined formatted cluster")
		n.coord.Start(view, members, int(info.Copies))
		return true
	}
	return false
}
