package server

import (
	"encoding/json"
	"fmt"

	"github.com/collie-store/collie/pkg/status"
	"github.com/collie-store/collie/pkg/types"
)

// peerFetcher backs the recovery coordinator with the peer transport.
type peerFetcher struct {
	n *Node
}

func (f *peerFetcher) ListObjects(node types.Node) ([]types.ObjectID, error) {
	rsp, err := f.n.peers.Exec(node, &types.Request{Op: types.OpGetObjList})
	if err != nil {
		return nil, err
	}
	if c := status.Code(rsp.Result); c != status.Success {
		return nil, fmt.Errorf("listing objects on %s: %s", node.ID, c)
	}
	var oids []types.ObjectID
	if err := json.Unmarshal(rsp.Data, &oids); err != nil {
		return nil, fmt.Errorf("decoding object list from %s: %w", node.ID, err)
	}
	return oids, nil
}

// FetchObject pulls the whole object. Data objects have a fixed size; for
// inode objects the header is read first to learn the index table length.
func (f *peerFetcher) FetchObject(node types.Node, oid types.ObjectID, epoch uint32) ([]byte, status.Code) {
	length := types.ObjectSize
	if oid.IsInode() {
		hdr, code := f.read(node, oid, epoch, 0, types.InodeIndexOffset)
		if code != status.Success {
			return nil, code
		}
		size := types.SizeFromHeader(hdr)
		if size == 0 || size > types.MaxVdiSize {
			return nil, status.SystemError
		}
		length = types.InodeObjectSize(size)
	}
	return f.read(node, oid, epoch, 0, length)
}

func (f *peerFetcher) read(node types.Node, oid types.ObjectID, epoch uint32, offset, length uint64) ([]byte, status.Code) {
	rsp, err := f.n.peers.Exec(node, &types.Request{
		Op:     types.OpReadPeer,
		Epoch:  epoch,
		Oid:    oid,
		Offset: offset,
		Length: length,
	})
	if err != nil {
		return nil, status.EIO
	}
	if c := status.Code(rsp.Result); c != status.Success {
		return nil, c
	}
	return rsp.Data, status.Success
}
