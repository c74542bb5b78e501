package ops

import (
	"github.com/collie-store/collie/pkg/placement"
	"github.com/collie-store/collie/pkg/status"
	"github.com/collie-store/collie/pkg/store"
	"github.com/collie-store/collie/pkg/types"
	"github.com/collie-store/collie/pkg/vdi"
)

// PeerClient executes a request on a remote node. The transport layer
// provides the production implementation.
type PeerClient interface {
	Exec(node types.Node, req *types.Request) (*types.Response, error)
}

// MediaInfo describes one attached storage medium.
type MediaInfo struct {
	Path string `json:"path"`
	Size uint64 `json:"size"`
	Used uint64 `json:"used"`
}

// System is the node state the operation handlers act on. The server
// implements it; tests substitute a fixture.
type System interface {
	Self() types.Node
	Status() types.ClusterStatus
	Info() types.ClusterInfo
	SetInfo(info types.ClusterInfo) status.Code
	Epoch() uint32
	EpochNodes(epoch uint32) []types.Node
	View() *placement.View
	Store() store.Driver
	VDIs() *vdi.Manager
	Peers() PeerClient

	// FormatCluster wipes the local store and installs the new cluster
	// generation. Runs in the FORMAT main phase on every node.
	FormatCluster(ctime int64, copies, policy uint8, storeName string) status.Code

	// ShutdownCluster records a clean stop and halts request service.
	ShutdownCluster() status.Code

	// ForceRecover adopts the last logged membership and restarts service.
	ForceRecover() status.Code

	// NodeRecovered accounts one member's recovery completion for epoch.
	NodeRecovered(epoch uint32, n types.Node)

	RecoveryState() types.RecoveryState

	// HandleViewChange reacts to an agreed membership change.
	HandleViewChange(nodes []types.Node)

	// Reweight re-advertises this node's capacity if it changed enough.
	Reweight() status.Code

	// Kill stops the daemon without a clean cluster shutdown.
	Kill()

	PlugMedia(paths []string) status.Code
	UnplugMedia(paths []string) status.Code
	MediaInfo() []MediaInfo
}
