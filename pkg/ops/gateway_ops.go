package ops

import (
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/collie-store/collie/pkg/status"
	"github.com/collie-store/collie/pkg/store"
	"github.com/collie-store/collie/pkg/types"
)

// replicas resolves the nodes holding req.Oid under the current view.
func (d *Dispatcher) replicas(req *types.Request) []types.Node {
	copies := int(req.Copies)
	if copies == 0 {
		copies = int(d.sys.Info().Copies)
	}
	return d.sys.View().Replicas(req.Oid, copies)
}

// execPeer runs a peer request on n, short-circuiting the transport when n
// is this node.
func (d *Dispatcher) execPeer(n types.Node, req *types.Request) *types.Response {
	if n.ID == d.sys.Self().ID {
		desc := Lookup(req.Op)
		rsp := &types.Response{}
		rsp.Result = uint8(desc.Work(d, req, rsp))
		return rsp
	}
	rsp, err := d.sys.Peers().Exec(n, req)
	if err != nil {
		d.logger.Warn().Err(err).Str("node", n.ID).Str("oid", req.Oid.String()).Msg("peer request failed")
		return &types.Response{Result: uint8(status.EIO)}
	}
	return rsp
}

// workGatewayRead reads from one replica, preferring the primary and
// falling through to the others on failure.
func workGatewayRead(d *Dispatcher, req *types.Request, rsp *types.Response) status.Code {
	nodes := d.replicas(req)
	if len(nodes) == 0 {
		return status.SystemError
	}
	peerReq := &types.Request{
		Op:     types.OpReadPeer,
		Epoch:  d.sys.Epoch(),
		Oid:    req.Oid,
		Offset: req.Offset,
		Length: req.Length,
	}
	code := status.EIO
	for _, n := range nodes {
		peerRsp := d.execPeer(n, peerReq)
		code = status.Code(peerRsp.Result)
		if code == status.Success {
			rsp.Data = peerRsp.Data
			return status.Success
		}
		if code == status.NoObj {
			// The object does not exist anywhere: placement is the same
			// on every replica, no point asking the rest.
			return code
		}
	}
	return code
}

// fanout runs the peer request on every replica holder in parallel. All
// must succeed; the first failure code wins.
func (d *Dispatcher) fanout(nodes []types.Node, peerReq *types.Request) status.Code {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		code = status.Success
	)
	for _, n := range nodes {
		n := n
		g.Go(func() error {
			rsp := d.execPeer(n, peerReq)
			if c := status.Code(rsp.Result); c != status.Success {
				mu.Lock()
				if code == status.Success {
					code = c
				}
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return code
}

func workGatewayWrite(d *Dispatcher, req *types.Request, _ *types.Response) status.Code {
	nodes := d.replicas(req)
	if len(nodes) == 0 {
		return status.SystemError
	}
	return d.fanout(nodes, &types.Request{
		Op:     types.OpWritePeer,
		Epoch:  d.sys.Epoch(),
		Oid:    req.Oid,
		Offset: req.Offset,
		Data:   req.Data,
	})
}

// workGatewayCreateAndWrite creates the object on every replica. With
// FlagCmdCow the ancestor object named by CowOid is read in full, the
// payload overlaid, and the merged object created, so the copy and the
// write land as one replicated creation.
func workGatewayCreateAndWrite(d *Dispatcher, req *types.Request, _ *types.Response) status.Code {
	nodes := d.replicas(req)
	if len(nodes) == 0 {
		return status.SystemError
	}

	data := req.Data
	offset := req.Offset
	if req.Flags&types.FlagCmdCow != 0 {
		base := make([]byte, types.ObjectSize)
		readReq := &types.Request{
			Op:     types.OpReadObj,
			Oid:    req.CowOid,
			Length: types.ObjectSize,
			Copies: req.Copies,
		}
		readRsp := &types.Response{}
		if c := workGatewayRead(d, readReq, readRsp); c != status.Success {
			return c
		}
		copy(base, readRsp.Data)
		copy(base[req.Offset:], req.Data)
		data = base
		offset = 0
	}

	return d.fanout(nodes, &types.Request{
		Op:     types.OpCreateAndWritePeer,
		Epoch:  d.sys.Epoch(),
		Oid:    req.Oid,
		Offset: offset,
		Data:   data,
	})
}

func workGatewayRemove(d *Dispatcher, req *types.Request, _ *types.Response) status.Code {
	nodes := d.replicas(req)
	if len(nodes) == 0 {
		return status.SystemError
	}
	code := d.fanout(nodes, &types.Request{
		Op:    types.OpRemovePeer,
		Epoch: d.sys.Epoch(),
		Oid:   req.Oid,
	})
	if code == status.NoObj {
		// Removing an object that is already gone is not a failure the
		// caller can act on.
		return status.Success
	}
	return code
}

// peerEpochGuard rejects requests stamped with a different epoch than this
// node serves; the sender refreshes its view and retries.
func peerEpochGuard(d *Dispatcher, req *types.Request) status.Code {
	if req.Epoch != 0 && req.Epoch != d.sys.Epoch() {
		return status.NewToOld
	}
	return status.Success
}

func workPeerRead(d *Dispatcher, req *types.Request, rsp *types.Response) status.Code {
	if c := peerEpochGuard(d, req); c != status.Success {
		return c
	}
	buf := make([]byte, req.Length)
	iocb := &store.IOCB{Epoch: req.Epoch, Offset: req.Offset, Buf: buf}
	if c := d.sys.Store().Read(req.Oid, iocb); c != status.Success {
		return c
	}
	rsp.Data = buf
	return status.Success
}

func workPeerWrite(d *Dispatcher, req *types.Request, _ *types.Response) status.Code {
	if c := peerEpochGuard(d, req); c != status.Success {
		return c
	}
	iocb := &store.IOCB{Epoch: req.Epoch, Offset: req.Offset, Buf: req.Data}
	return d.sys.Store().Write(req.Oid, iocb)
}

func workPeerCreateAndWrite(d *Dispatcher, req *types.Request, _ *types.Response) status.Code {
	if c := peerEpochGuard(d, req); c != status.Success {
		return c
	}
	iocb := &store.IOCB{Epoch: req.Epoch, Offset: req.Offset, Buf: req.Data}
	return d.sys.Store().CreateAndWrite(req.Oid, iocb)
}

func workPeerRemove(d *Dispatcher, req *types.Request, _ *types.Response) status.Code {
	if c := peerEpochGuard(d, req); c != status.Success {
		return c
	}
	return d.sys.Store().Remove(req.Oid)
}

func workPeerObjList(d *Dispatcher, _ *types.Request, rsp *types.Response) status.Code {
	oids, err := d.sys.Store().List()
	if err != nil {
		return status.EIO
	}
	data, err := json.Marshal(oids)
	if err != nil {
		return status.SystemError
	}
	rsp.Data = data
	return status.Success
}

// ObjectAdapter turns the dispatcher into the object access the VDI layers
// consume: gateway requests for replicated I/O, a local existence probe.
type ObjectAdapter struct {
	d *Dispatcher
}

// NewObjectAdapter wraps d.
func NewObjectAdapter(d *Dispatcher) *ObjectAdapter {
	return &ObjectAdapter{d: d}
}

func (a *ObjectAdapter) Read(oid types.ObjectID, buf []byte, offset uint64) status.Code {
	rsp := a.d.Exec(context.Background(), &types.Request{
		Op:     types.OpReadObj,
		Oid:    oid,
		Offset: offset,
		Length: uint64(len(buf)),
	})
	if c := status.Code(rsp.Result); c != status.Success {
		return c
	}
	copy(buf, rsp.Data)
	return status.Success
}

func (a *ObjectAdapter) Write(oid types.ObjectID, data []byte, offset uint64) status.Code {
	rsp := a.d.Exec(context.Background(), &types.Request{
		Op:     types.OpWriteObj,
		Oid:    oid,
		Offset: offset,
		Data:   data,
	})
	return status.Code(rsp.Result)
}

func (a *ObjectAdapter) CreateAndWrite(oid types.ObjectID, data []byte, offset uint64, cow types.ObjectID) status.Code {
	req := &types.Request{
		Op:     types.OpCreateAndWriteObj,
		Oid:    oid,
		Offset: offset,
		Data:   data,
	}
	if cow != 0 {
		req.Flags |= types.FlagCmdCow
		req.CowOid = cow
	}
	rsp := a.d.Exec(context.Background(), req)
	return status.Code(rsp.Result)
}

func (a *ObjectAdapter) Remove(oid types.ObjectID) status.Code {
	rsp := a.d.Exec(context.Background(), &types.Request{Op: types.OpRemoveObj, Oid: oid})
	return status.Code(rsp.Result)
}

func (a *ObjectAdapter) Exist(oid types.ObjectID) bool {
	rsp := a.d.Exec(context.Background(), &types.Request{Op: types.OpOidExist, Oid: oid})
	return status.Code(rsp.Result) == status.Success
}
