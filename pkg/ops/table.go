// Package ops implements the request dispatcher and the operation table.
// Every request type is described by one Descriptor; CLUSTER descriptors
// split into a work phase run on the initiating node and a main phase run
// on every node in total order, which is what keeps replicated state
// identical across the cluster.
package ops

import (
	"github.com/collie-store/collie/pkg/status"
	"github.com/collie-store/collie/pkg/types"
)

// Class determines how an operation is executed.
type Class uint8

const (
	// ClassLocal runs entirely on the receiving node.
	ClassLocal Class = iota
	// ClassCluster runs its work phase locally, then broadcasts the
	// request plus work result so the main phase applies everywhere.
	ClassCluster
	// ClassGateway fans an object request out to the replica holders.
	ClassGateway
	// ClassPeer touches the local object store on behalf of a gateway.
	ClassPeer
)

// WorkFn is the phase executed on the node that received the request.
type WorkFn func(d *Dispatcher, req *types.Request, rsp *types.Response) status.Code

// MainFn is the phase executed on every node, in identical order. It only
// runs when the work phase succeeded.
type MainFn func(d *Dispatcher, sender types.Node, req *types.Request, work *types.Response) status.Code

// Descriptor is one operation table entry.
type Descriptor struct {
	Name  string
	Class Class

	// Force lets the operation through while the cluster is not
	// operational (formatting, shutdown, waiting for nodes).
	Force bool

	// Admin marks state-changing operations an operator issues; the
	// dispatcher audit-logs them on both phases.
	Admin bool

	Work WorkFn
	Main MainFn
}

var table map[types.Opcode]*Descriptor

// The map literal references work functions that in turn call Lookup, so
// the table is populated from init rather than a package-level initializer.
func init() {
	table = map[types.Opcode]*Descriptor{
		types.OpNop:       {Name: "nop", Class: ClassLocal, Force: true, Work: workNop},
		types.OpGetNodeID: {Name: "get_node_id", Class: ClassLocal, Force: true, Work: workGetNodeID},

		types.OpNewVDI:             {Name: "new_vdi", Class: ClassCluster, Admin: true, Work: workNewVDI, Main: mainNewVDI},
		types.OpDelVDI:             {Name: "del_vdi", Class: ClassCluster, Admin: true, Work: workDelVDI, Main: mainDelVDI},
		types.OpMakeFS:             {Name: "make_fs", Class: ClassCluster, Force: true, Admin: true, Work: workMakeFS, Main: mainMakeFS},
		types.OpShutdown:           {Name: "shutdown", Class: ClassCluster, Force: true, Admin: true, Main: mainShutdown},
		types.OpForceRecover:       {Name: "force_recover", Class: ClassCluster, Force: true, Admin: true, Work: workForceRecover, Main: mainForceRecover},
		types.OpCompleteRecovery:   {Name: "complete_recovery", Class: ClassCluster, Force: true, Main: mainCompleteRecovery},
		types.OpNotifyVDIAdd:       {Name: "notify_vdi_add", Class: ClassCluster, Admin: true, Main: mainNotifyVDIAdd},
		types.OpGetVDIInfo:         {Name: "get_vdi_info", Class: ClassCluster, Work: workGetVDIInfo},
		types.OpAlterClusterCopies: {Name: "alter_cluster_copies", Class: ClassCluster, Admin: true, Work: workAlterCopies, Main: mainAlterCopies},

		types.OpStatCluster:  {Name: "stat_cluster", Class: ClassLocal, Force: true, Work: workStatCluster},
		types.OpStatNode:     {Name: "stat_node", Class: ClassLocal, Force: true, Work: workStatNode},
		types.OpStatRecovery: {Name: "stat_recovery", Class: ClassLocal, Work: workStatRecovery},
		types.OpGetNodeList:  {Name: "get_node_list", Class: ClassLocal, Force: true, Work: workGetNodeList},
		types.OpReadVDIs:     {Name: "read_vdis", Class: ClassLocal, Work: workReadVDIs},
		types.OpGetEpoch:     {Name: "get_epoch", Class: ClassLocal, Force: true, Work: workGetEpoch},
		types.OpGetLogLevel:  {Name: "get_loglevel", Class: ClassLocal, Force: true, Work: workGetLogLevel},
		types.OpSetLogLevel:  {Name: "set_loglevel", Class: ClassLocal, Force: true, Admin: true, Work: workSetLogLevel},
		types.OpKillNode:     {Name: "kill_node", Class: ClassLocal, Force: true, Admin: true, Work: workKillNode},
		types.OpReweight:     {Name: "reweight", Class: ClassLocal, Admin: true, Work: workReweight},
		types.OpMediaPlug:    {Name: "media_plug", Class: ClassLocal, Admin: true, Work: workMediaPlug},
		types.OpMediaUnplug:  {Name: "media_unplug", Class: ClassLocal, Admin: true, Work: workMediaUnplug},
		types.OpMediaInfo:    {Name: "media_info", Class: ClassLocal, Force: true, Work: workMediaInfo},
		types.OpOidExist:     {Name: "oid_exist", Class: ClassLocal, Work: workOidExist},
		types.OpClusterInfo:  {Name: "cluster_info", Class: ClassLocal, Force: true, Work: workClusterInfo},
		types.OpDiscardObj:   {Name: "discard_obj", Class: ClassLocal, Admin: true, Work: workDiscardObj},

		types.OpReadObj:           {Name: "read_obj", Class: ClassGateway, Work: workGatewayRead},
		types.OpWriteObj:          {Name: "write_obj", Class: ClassGateway, Work: workGatewayWrite},
		types.OpCreateAndWriteObj: {Name: "create_and_write_obj", Class: ClassGateway, Work: workGatewayCreateAndWrite},
		types.OpRemoveObj:         {Name: "remove_obj", Class: ClassGateway, Work: workGatewayRemove},

		types.OpReadPeer:           {Name: "read_peer", Class: ClassPeer, Work: workPeerRead},
		types.OpWritePeer:          {Name: "write_peer", Class: ClassPeer, Work: workPeerWrite},
		types.OpCreateAndWritePeer: {Name: "create_and_write_peer", Class: ClassPeer, Work: workPeerCreateAndWrite},
		types.OpRemovePeer:         {Name: "remove_peer", Class: ClassPeer, Work: workPeerRemove},
		types.OpGetObjList:         {Name: "get_obj_list", Class: ClassPeer, Force: true, Work: workPeerObjList},
	}
}

// Lookup returns the descriptor for op, or nil for an unknown opcode.
func Lookup(op types.Opcode) *Descriptor {
	return table[op]
}

func workNop(_ *Dispatcher, _ *types.Request, _ *types.Response) status.Code {
	return status.Success
}

func workGetNodeID(d *Dispatcher, _ *types.Request, rsp *types.Response) status.Code {
	rsp.Nodes = []types.Node{d.sys.Self()}
	return status.Success
}
