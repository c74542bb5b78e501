package ops

import (
	"encoding/json"

	"github.com/collie-store/collie/pkg/log"
	"github.com/collie-store/collie/pkg/metrics"
	"github.com/collie-store/collie/pkg/status"
	"github.com/collie-store/collie/pkg/types"
)

// ClusterStat is the stat_cluster payload.
type ClusterStat struct {
	Status string            `json:"status"`
	Info   types.ClusterInfo `json:"info"`
	Nodes  []types.Node      `json:"nodes"`
}

// NodeStat is the stat_node payload.
type NodeStat struct {
	Node     types.Node `json:"node"`
	Capacity uint64     `json:"capacity"`
	Used     uint64     `json:"used"`
}

func workStatCluster(d *Dispatcher, _ *types.Request, rsp *types.Response) status.Code {
	stat := ClusterStat{
		Status: d.sys.Status().String(),
		Info:   d.sys.Info(),
		Nodes:  d.sys.View().Nodes(),
	}
	data, err := json.Marshal(stat)
	if err != nil {
		return status.SystemError
	}
	rsp.Data = data
	return status.Success
}

func workStatNode(d *Dispatcher, _ *types.Request, rsp *types.Response) status.Code {
	self := d.sys.Self()
	used := d.sys.Store().Used()
	metrics.StoreUsedBytes.Set(float64(used))
	data, err := json.Marshal(NodeStat{Node: self, Capacity: self.Space, Used: used})
	if err != nil {
		return status.SystemError
	}
	rsp.Data = data
	return status.Success
}

func workStatRecovery(d *Dispatcher, _ *types.Request, rsp *types.Response) status.Code {
	data, err := json.Marshal(d.sys.RecoveryState())
	if err != nil {
		return status.SystemError
	}
	rsp.Data = data
	return status.Success
}

func workGetNodeList(d *Dispatcher, _ *types.Request, rsp *types.Response) status.Code {
	rsp.Nodes = d.sys.View().Nodes()
	return status.Success
}

func workReadVDIs(d *Dispatcher, _ *types.Request, rsp *types.Response) status.Code {
	data, err := json.Marshal(d.sys.VDIs().List())
	if err != nil {
		return status.SystemError
	}
	rsp.Data = data
	return status.Success
}

// workGetEpoch reports the current epoch, or the membership logged at the
// epoch the request names.
func workGetEpoch(d *Dispatcher, req *types.Request, rsp *types.Response) status.Code {
	if req.Epoch == 0 {
		rsp.Epoch = d.sys.Epoch()
		return status.Success
	}
	nodes := d.sys.EpochNodes(req.Epoch)
	if nodes == nil {
		return status.NoObj
	}
	rsp.Epoch = req.Epoch
	rsp.Nodes = nodes
	return status.Success
}

func workGetLogLevel(_ *Dispatcher, _ *types.Request, rsp *types.Response) status.Code {
	rsp.Level = string(log.GetLevel())
	return status.Success
}

func workSetLogLevel(_ *Dispatcher, req *types.Request, rsp *types.Response) status.Code {
	if !log.SetLevel(log.Level(req.Level)) {
		return status.InvalidParms
	}
	rsp.Level = req.Level
	return status.Success
}

func workKillNode(d *Dispatcher, _ *types.Request, _ *types.Response) status.Code {
	d.sys.Kill()
	return status.Success
}

func workReweight(d *Dispatcher, _ *types.Request, _ *types.Response) status.Code {
	return d.sys.Reweight()
}

func workMediaPlug(d *Dispatcher, req *types.Request, _ *types.Response) status.Code {
	if len(req.Paths) == 0 {
		return status.InvalidParms
	}
	return d.sys.PlugMedia(req.Paths)
}

func workMediaUnplug(d *Dispatcher, req *types.Request, _ *types.Response) status.Code {
	if len(req.Paths) == 0 {
		return status.InvalidParms
	}
	return d.sys.UnplugMedia(req.Paths)
}

func workMediaInfo(d *Dispatcher, _ *types.Request, rsp *types.Response) status.Code {
	data, err := json.Marshal(d.sys.MediaInfo())
	if err != nil {
		return status.SystemError
	}
	rsp.Data = data
	return status.Success
}

func workOidExist(d *Dispatcher, req *types.Request, _ *types.Response) status.Code {
	if d.sys.Store().Exist(req.Oid) {
		return status.Success
	}
	return status.NoObj
}

func workClusterInfo(d *Dispatcher, _ *types.Request, rsp *types.Response) status.Code {
	data, err := json.Marshal(d.sys.Info())
	if err != nil {
		return status.SystemError
	}
	rsp.Data = data
	rsp.Epoch = d.sys.Epoch()
	return status.Success
}

func workDiscardObj(d *Dispatcher, req *types.Request, _ *types.Response) status.Code {
	if req.Oid == 0 || req.Oid.IsInode() {
		return status.InvalidParms
	}
	return d.sys.VDIs().Discard(req.Oid)
}
