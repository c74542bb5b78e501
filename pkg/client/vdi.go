package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/collie-store/collie/pkg/gateway"
	"github.com/collie-store/collie/pkg/status"
	"github.com/collie-store/collie/pkg/types"
)

// CreateVDI creates a new empty VDI and returns its vid.
func (c *Client) CreateVDI(ctx context.Context, name string, size uint64, copies uint8) (types.VolumeID, error) {
	rsp, err := c.do(ctx, &types.Request{Op: types.OpNewVDI, Name: name, Size: size, Copies: copies})
	if err != nil {
		return 0, err
	}
	return rsp.Vid, nil
}

// SnapshotVDI freezes the working instance of name under tag.
func (c *Client) SnapshotVDI(ctx context.Context, name, tag string) (types.VolumeID, error) {
	rsp, err := c.do(ctx, &types.Request{
		Op:    types.OpNewVDI,
		Flags: types.FlagCmdSnapshot,
		Name:  name,
		Tag:   tag,
	})
	if err != nil {
		return 0, err
	}
	return rsp.Vid, nil
}

// CloneVDI creates a writable VDI from a snapshot of src.
func (c *Client) CloneVDI(ctx context.Context, src, tag string, snapID uint32, dst string) (types.VolumeID, error) {
	base, _, err := c.LookupVDI(ctx, src, tag, snapID)
	if err != nil {
		return 0, err
	}
	rsp, err := c.do(ctx, &types.Request{Op: types.OpNewVDI, Name: dst, Base: base})
	if err != nil {
		return 0, err
	}
	return rsp.Vid, nil
}

// DeleteVDI removes the instance selected by name plus optional tag or
// snapshot id.
func (c *Client) DeleteVDI(ctx context.Context, name, tag string, snapID uint32) error {
	_, err := c.do(ctx, &types.Request{Op: types.OpDelVDI, Name: name, Tag: tag, SnapID: snapID})
	return err
}

// LookupVDI resolves a name (plus optional tag or snapshot id) to its vid.
func (c *Client) LookupVDI(ctx context.Context, name, tag string, snapID uint32) (types.VolumeID, uint8, error) {
	rsp, err := c.do(ctx, &types.Request{Op: types.OpGetVDIInfo, Name: name, Tag: tag, SnapID: snapID})
	if err != nil {
		return 0, 0, err
	}
	return rsp.Vid, rsp.Copies, nil
}

// ListVDIs returns every allocated vid.
func (c *Client) ListVDIs(ctx context.Context) ([]types.VolumeID, error) {
	rsp, err := c.do(ctx, &types.Request{Op: types.OpReadVDIs})
	if err != nil {
		return nil, err
	}
	var vids []types.VolumeID
	if err := json.Unmarshal(rsp.Data, &vids); err != nil {
		return nil, fmt.Errorf("decoding vdi list: %w", err)
	}
	return vids, nil
}

// ReadInode fetches and parses the inode object of vid.
func (c *Client) ReadInode(ctx context.Context, vid types.VolumeID) (*types.Inode, error) {
	oid := types.InodeObjectID(vid)
	hdr := make([]byte, types.InodeIndexOffset)
	if code := c.objects().Read(oid, hdr, 0); code != status.Success {
		return nil, code
	}
	size := types.SizeFromHeader(hdr)
	if size == 0 || size > types.MaxVdiSize {
		return nil, fmt.Errorf("corrupt inode header for vid %x", uint32(vid))
	}
	full := make([]byte, types.InodeObjectSize(size))
	if code := c.objects().Read(oid, full, 0); code != status.Success {
		return nil, code
	}
	return types.UnmarshalInode(full)
}

// VDI is an open handle for data access. Reads and writes go through the
// I/O engine, so object splitting, copy-on-write and create races behave
// exactly as they do inside the cluster.
type VDI struct {
	c     *Client
	inode *types.Inode
	eng   *gateway.Engine
}

// OpenVDI opens the instance selected by name and optional tag.
func (c *Client) OpenVDI(ctx context.Context, name, tag string) (*VDI, error) {
	vid, _, err := c.LookupVDI(ctx, name, tag, 0)
	if err != nil {
		return nil, err
	}
	inode, err := c.ReadInode(ctx, vid)
	if err != nil {
		return nil, err
	}
	return &VDI{
		c:     c,
		inode: inode,
		eng:   gateway.NewEngine(c.objects(), 8),
	}, nil
}

// Name returns the VDI name.
func (v *VDI) Name() string { return v.inode.Name }

// Size returns the virtual size in bytes.
func (v *VDI) Size() uint64 { return v.inode.Size }

// ReadAt reads len(p) bytes at off.
func (v *VDI) ReadAt(p []byte, off int64) (int, error) {
	code := v.eng.SubmitAndWait(v.inode, types.OpReadObj, uint64(off), uint64(len(p)), p)
	if code != status.Success {
		return 0, code
	}
	return len(p), nil
}

// WriteAt writes len(p) bytes at off.
func (v *VDI) WriteAt(p []byte, off int64) (int, error) {
	code := v.eng.SubmitAndWait(v.inode, types.OpWriteObj, uint64(off), uint64(len(p)), p)
	if code != status.Success {
		return 0, code
	}
	return len(p), nil
}

// Close releases the engine workers.
func (v *VDI) Close() {
	v.eng.Close()
}

// objects adapts the transport to the engine's object access.
func (c *Client) objects() *remoteObjects {
	return &remoteObjects{c: c}
}

type remoteObjects struct {
	c *Client
}

func (r *remoteObjects) exec(req *types.Request) *types.Response {
	rsp, err := r.c.t.Exec(context.Background(), r.c.addr, req)
	if err != nil {
		return &types.Response{Result: uint8(status.EIO)}
	}
	return rsp
}

func (r *remoteObjects) Read(oid types.ObjectID, buf []byte, offset uint64) status.Code {
	rsp := r.exec(&types.Request{Op: types.OpReadObj, Oid: oid, Offset: offset, Length: uint64(len(buf))})
	if code := status.Code(rsp.Result); code != status.Success {
		return code
	}
	copy(buf, rsp.Data)
	return status.Success
}

func (r *remoteObjects) Write(oid types.ObjectID, data []byte, offset uint64) status.Code {
	rsp := r.exec(&types.Request{Op: types.OpWriteObj, Oid: oid, Offset: offset, Data: data})
	return status.Code(rsp.Result)
}

func (r *remoteObjects) CreateAndWrite(oid types.ObjectID, data []byte, offset uint64, cow types.ObjectID) status.Code {
	req := &types.Request{Op: types.OpCreateAndWriteObj, Oid: oid, Offset: offset, Data: data}
	if cow != 0 {
		req.Flags |= types.FlagCmdCow
		req.CowOid = cow
	}
	rsp := r.exec(req)
	return status.Code(rsp.Result)
}
