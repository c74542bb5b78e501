package ops

import (
	"time"

	"github.com/collie-store/collie/pkg/status"
	"github.com/collie-store/collie/pkg/store"
	"github.com/collie-store/collie/pkg/types"
	"github.com/collie-store/collie/pkg/vdi"
)

// workNewVDI allocates the new instance on the initiating node: a plain
// creation, a snapshot (FlagCmdSnapshot) or a clone (Base names the source
// snapshot vid). The main phase commits the vid into every node's bitmap.
func workNewVDI(d *Dispatcher, req *types.Request, rsp *types.Response) status.Code {
	m := d.sys.VDIs()
	var (
		vid  types.VolumeID
		code status.Code
	)
	switch {
	case req.Flags&types.FlagCmdSnapshot != 0:
		vid, code = m.Snapshot(req.Name, req.Tag)
	case req.Base != 0:
		vid, code = m.Clone(req.Base, req.Name)
	default:
		copies := req.Copies
		if copies == 0 {
			copies = d.sys.Info().Copies
		}
		vid, code = m.Create(vdi.Params{
			Name:   req.Name,
			Size:   req.Size,
			Copies: copies,
			Policy: req.CopyPolicy,
		})
	}
	rsp.Vid = vid
	return code
}

func mainNewVDI(d *Dispatcher, sender types.Node, req *types.Request, work *types.Response) status.Code {
	d.sys.VDIs().MarkInUse(work.Vid)
	d.logger.Info().
		Str("name", req.Name).
		Uint32("vid", uint32(work.Vid)).
		Str("by", sender.ID).
		Msg("vdi added")
	return status.Success
}

func workDelVDI(d *Dispatcher, req *types.Request, rsp *types.Response) status.Code {
	vid, code := d.sys.VDIs().Delete(req.Name, req.Tag, req.SnapID)
	rsp.Vid = vid
	return code
}

// mainDelVDI keeps the vid allocated: the deleted instance stays a
// tombstone in the bitmap so lookup probe chains through its slot remain
// intact. Vids are never reused.
func mainDelVDI(d *Dispatcher, _ types.Node, req *types.Request, work *types.Response) status.Code {
	d.logger.Info().
		Str("name", req.Name).
		Uint32("vid", uint32(work.Vid)).
		Msg("vdi deleted")
	return status.Success
}

// workMakeFS validates and normalizes the format parameters; the broadcast
// then carries identical inputs to every main phase, ctime included.
func workMakeFS(d *Dispatcher, req *types.Request, _ *types.Response) status.Code {
	if req.Copies == 0 {
		req.Copies = types.DefaultCopies
	}
	if req.Name != "" && store.Find(req.Name) == nil {
		return status.NoStore
	}
	if req.Ctime == 0 {
		req.Ctime = time.Now().UnixNano()
	}
	return status.Success
}

func mainMakeFS(d *Dispatcher, _ types.Node, req *types.Request, _ *types.Response) status.Code {
	return d.sys.FormatCluster(req.Ctime, req.Copies, req.CopyPolicy, req.Name)
}

func mainShutdown(d *Dispatcher, _ types.Node, _ *types.Request, _ *types.Response) status.Code {
	return d.sys.ShutdownCluster()
}

func workForceRecover(d *Dispatcher, _ *types.Request, _ *types.Response) status.Code {
	if d.sys.Status() != types.StatusWaitForJoin {
		return status.ForceRecover
	}
	return status.Success
}

func mainForceRecover(d *Dispatcher, sender types.Node, _ *types.Request, _ *types.Response) status.Code {
	d.logger.Warn().Str("by", sender.ID).Msg("forcing recovery")
	return d.sys.ForceRecover()
}

func mainCompleteRecovery(d *Dispatcher, sender types.Node, req *types.Request, _ *types.Response) status.Code {
	d.sys.NodeRecovered(req.Epoch, sender)
	return status.Success
}

// mainNotifyVDIAdd installs an externally created vid into the bitmap, for
// tools that populate VDIs without going through new_vdi.
func mainNotifyVDIAdd(d *Dispatcher, _ types.Node, req *types.Request, _ *types.Response) status.Code {
	if req.Base == 0 {
		return status.InvalidParms
	}
	d.sys.VDIs().MarkInUse(req.Base)
	return status.Success
}

// workGetVDIInfo resolves a name (plus optional tag or snapshot id) to a
// vid. It is a CLUSTER operation with no main phase: the broadcast orders
// the lookup after any in-flight creation or deletion.
func workGetVDIInfo(d *Dispatcher, req *types.Request, rsp *types.Response) status.Code {
	inode, code := d.sys.VDIs().Lookup(req.Name, req.Tag, req.SnapID)
	if code != status.Success {
		return code
	}
	rsp.Vid = inode.VID
	rsp.Copies = inode.Copies
	return status.Success
}

func workAlterCopies(d *Dispatcher, req *types.Request, _ *types.Response) status.Code {
	if req.Copies == 0 || int(req.Copies) > d.sys.View().Len() {
		return status.InvalidParms
	}
	return status.Success
}

func mainAlterCopies(d *Dispatcher, _ types.Node, req *types.Request, _ *types.Response) status.Code {
	info := d.sys.Info()
	info.Copies = req.Copies
	return d.sys.SetInfo(info)
}
