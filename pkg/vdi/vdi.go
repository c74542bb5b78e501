// Package vdi manages VDI metadata: volume id allocation, inode objects,
// and the create/snapshot/clone/delete lifecycle. The in-use bitmap is
// mutated only from CLUSTER main phases, so every node converges on the
// same allocation state.
package vdi

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/collie-store/collie/pkg/log"
	"github.com/collie-store/collie/pkg/status"
	"github.com/collie-store/collie/pkg/types"
)

// MaxVDIs bounds the volume id space (24 bits, id 0 reserved).
const MaxVDIs = 1 << 24

// ObjectIO is the replicated object access the manager needs. It is
// satisfied by the gateway fan-out.
type ObjectIO interface {
	Read(oid types.ObjectID, buf []byte, offset uint64) status.Code
	Write(oid types.ObjectID, data []byte, offset uint64) status.Code
	CreateAndWrite(oid types.ObjectID, data []byte, offset uint64, cow types.ObjectID) status.Code
	Remove(oid types.ObjectID) status.Code
	Exist(oid types.ObjectID) bool
}

// Manager owns the volume id bitmap and the inode-object lifecycle.
type Manager struct {
	io     ObjectIO
	logger zerolog.Logger

	mu    sync.RWMutex
	inuse []uint64
}

// NewManager returns a manager using io for inode and data objects.
func NewManager(io ObjectIO) *Manager {
	return &Manager{
		io:     io,
		logger: log.WithComponent("vdi"),
		inuse:  make([]uint64, MaxVDIs/64),
	}
}

// Reset clears the allocation state; used by cluster format.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.inuse {
		m.inuse[i] = 0
	}
}

// InUse reports whether vid is allocated.
func (m *Manager) InUse(vid types.VolumeID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inuseLocked(vid)
}

func (m *Manager) inuseLocked(vid types.VolumeID) bool {
	return m.inuse[vid/64]&(1<<(vid%64)) != 0
}

// MarkInUse records vid as allocated. Called from CLUSTER main phases only.
// Allocation is permanent: deletion leaves the bit set as a tombstone so
// the lookup probe chain never develops holes.
func (m *Manager) MarkInUse(vid types.VolumeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inuse[vid/64] |= 1 << (vid % 64)
}

// hashName maps a VDI name into the vid space; instances of the same name
// cluster right of this slot, which is what lookup's probe relies on.
func hashName(name string) types.VolumeID {
	h := fnv.New64a()
	h.Write([]byte(name))
	vid := types.VolumeID(h.Sum64() % (MaxVDIs - 1))
	return vid + 1 // vid 0 is reserved
}

func nextVID(vid types.VolumeID) types.VolumeID {
	vid++
	if vid >= MaxVDIs {
		vid = 1
	}
	return vid
}

// NewVID computes a candidate vid for name. It does not allocate: the
// candidate is only committed when the NEW_VDI main phase marks it in-use
// on every node, which is what makes concurrent creations safe.
func (m *Manager) NewVID(name string) (types.VolumeID, status.Code) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vid := hashName(name)
	for i := 0; i < MaxVDIs; i++ {
		if !m.inuseLocked(vid) {
			return vid, status.Success
		}
		vid = nextVID(vid)
	}
	return 0, status.NoSpace
}

// ReadInode fetches and parses the inode object of vid.
func (m *Manager) ReadInode(vid types.VolumeID) (*types.Inode, status.Code) {
	// Read the header first to learn the VDI size, then the full object
	// including the index table.
	hdr := make([]byte, types.InodeIndexOffset)
	if c := m.io.Read(types.InodeObjectID(vid), hdr, 0); c != status.Success {
		return nil, c
	}
	size := types.SizeFromHeader(hdr)
	if size == 0 || size > types.MaxVdiSize {
		m.logger.Error().Uint32("vid", uint32(vid)).Uint64("size", size).Msg("corrupt inode header")
		return nil, status.SystemError
	}
	full := make([]byte, types.InodeObjectSize(size))
	if c := m.io.Read(types.InodeObjectID(vid), full, 0); c != status.Success {
		return nil, c
	}
	inode, err := types.UnmarshalInode(full)
	if err != nil {
		m.logger.Error().Err(err).Uint32("vid", uint32(vid)).Msg("corrupt inode object")
		return nil, status.SystemError
	}
	return inode, status.Success
}

// writeInode persists the whole inode object (create or full rewrite).
func (m *Manager) writeInode(inode *types.Inode, create bool) status.Code {
	oid := types.InodeObjectID(inode.VID)
	data := inode.MarshalBinary()
	if create {
		return m.io.CreateAndWrite(oid, data, 0, 0)
	}
	return m.io.Write(oid, data, 0)
}

// Params describes one VDI mutation request.
type Params struct {
	Name     string
	Tag      string
	SnapID   uint32
	Size     uint64
	Base     types.VolumeID
	Snapshot bool
	Copies   uint8
	Policy   uint8
}

// Create builds a new empty VDI and returns its vid. Runs in the NEW_VDI
// work phase on the initiating node only.
func (m *Manager) Create(p Params) (types.VolumeID, status.Code) {
	if p.Name == "" || len(p.Name) > types.MaxNameLen || p.Size == 0 || p.Size > types.MaxVdiSize {
		return 0, status.InvalidParms
	}
	if _, c := m.Lookup(p.Name, "", 0); c == status.Success {
		return 0, status.VdiExist
	}
	vid, c := m.NewVID(p.Name)
	if c != status.Success {
		return 0, c
	}
	inode := types.NewInode(p.Name, vid, p.Size, p.Copies, p.Policy, time.Now().UnixNano())
	if c := m.writeInode(inode, true); c != status.Success {
		return 0, c
	}
	return vid, status.Success
}

// Snapshot freezes the working instance of name under tag and creates a new
// working instance that inherits its index table.
func (m *Manager) Snapshot(name, tag string) (types.VolumeID, status.Code) {
	if tag == "" || len(tag) > types.MaxNameLen {
		return 0, status.InvalidParms
	}
	base, c := m.Lookup(name, "", 0)
	if c != status.Success {
		return 0, c
	}
	if _, c := m.Lookup(name, tag, 0); c == status.Success {
		return 0, status.VdiExist
	}

	newVid, c := m.NewVID(name)
	if c != status.Success {
		return 0, c
	}

	now := time.Now().UnixNano()
	base.Tag = tag
	base.SnapID++
	base.SnapshotAt = now
	if c := m.writeInode(base, false); c != status.Success {
		return 0, c
	}

	work := types.NewInode(name, newVid, base.Size, base.Copies, base.CopyPolicy, now)
	work.ParentVID = base.VID
	work.SnapID = base.SnapID
	copy(work.Data, base.Data)
	if c := m.writeInode(work, true); c != status.Success {
		return 0, c
	}
	return newVid, status.Success
}

// Clone creates a writable VDI from the snapshot instance base. Cloning
// from a working (non-snapshot) instance is rejected.
func (m *Manager) Clone(base types.VolumeID, newName string) (types.VolumeID, status.Code) {
	if newName == "" || len(newName) > types.MaxNameLen || base == 0 {
		return 0, status.InvalidParms
	}
	if !m.InUse(base) {
		return 0, status.NoVDI
	}
	src, c := m.ReadInode(base)
	if c != status.Success {
		return 0, c
	}
	if !src.IsSnapshot() {
		return 0, status.InvalidParms
	}
	if _, c := m.Lookup(newName, "", 0); c == status.Success {
		return 0, status.VdiExist
	}

	vid, c := m.NewVID(newName)
	if c != status.Success {
		return 0, c
	}
	inode := types.NewInode(newName, vid, src.Size, src.Copies, src.CopyPolicy, time.Now().UnixNano())
	inode.ParentVID = src.VID
	copy(inode.Data, src.Data)
	if c := m.writeInode(inode, true); c != status.Success {
		return 0, c
	}
	return vid, status.Success
}

// Delete removes the instance selected by (name, tag, snapID): every data
// object it owns is destroyed and the inode is rewritten with its name
// cleared. The inode object and the bitmap bit survive as a tombstone, so
// instances probed past this slot stay reachable, including after a bitmap
// rebuild from surviving inode objects. Vids are never reused.
func (m *Manager) Delete(name, tag string, snapID uint32) (types.VolumeID, status.Code) {
	inode, c := m.Lookup(name, tag, snapID)
	if c != status.Success {
		return 0, c
	}
	for idx, owner := range inode.Data {
		if owner != inode.VID {
			continue
		}
		oid := types.DataObjectID(inode.VID, uint32(idx))
		if c := m.io.Remove(oid); c != status.Success && c != status.NoObj {
			m.logger.Warn().Str("oid", oid.String()).Str("code", c.String()).Msg("failed to remove data object")
		}
	}
	inode.Name = ""
	if c := m.writeInode(inode, false); c != status.Success {
		return 0, c
	}
	return inode.VID, status.Success
}

// Lookup resolves (name, tag, snapID) to an inode. Empty tag and zero
// snapID select the working instance; otherwise the matching snapshot.
func (m *Manager) Lookup(name, tag string, snapID uint32) (*types.Inode, status.Code) {
	m.mu.RLock()
	start := hashName(name)
	vids := make([]types.VolumeID, 0, 8)
	vid := start
	for i := 0; i < MaxVDIs; i++ {
		if !m.inuseLocked(vid) {
			break
		}
		vids = append(vids, vid)
		vid = nextVID(vid)
	}
	m.mu.RUnlock()

	wantSnapshot := tag != "" || snapID != 0
	foundName := false
	for _, v := range vids {
		inode, c := m.ReadInode(v)
		if c != status.Success {
			continue
		}
		if inode.Name != name {
			continue
		}
		foundName = true
		if wantSnapshot {
			if !inode.IsSnapshot() {
				continue
			}
			if (tag != "" && inode.Tag == tag) || (snapID != 0 && inode.SnapID == snapID) {
				return inode, status.Success
			}
			continue
		}
		if !inode.IsSnapshot() {
			return inode, status.Success
		}
	}
	if wantSnapshot && foundName {
		return nil, status.NoTag
	}
	return nil, status.NoVDI
}

// List returns every allocated vid, for the READ_VDIS operation.
func (m *Manager) List() []types.VolumeID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.VolumeID
	for w, word := range m.inuse {
		if word == 0 {
			continue
		}
		for b := 0; b < 64; b++ {
			if word&(1<<b) != 0 {
				out = append(out, types.VolumeID(w*64+b))
			}
		}
	}
	return out
}

// Discard drops one data object of a VDI and clears its index slot. The
// slot update is persisted first; losing the object removal only leaks
// space, losing the slot would resurrect stale data.
func (m *Manager) Discard(oid types.ObjectID) status.Code {
	vid := oid.Volume()
	idx := oid.Index()
	inode, c := m.ReadInode(vid)
	if c != status.Success {
		return c
	}
	if inode.GetVID(idx) == 0 {
		return status.Success
	}
	if c := m.io.Write(types.InodeObjectID(vid), types.EncodeSlot(0), types.SlotOffset(idx)); c != status.Success {
		return c
	}
	if c := m.io.Remove(oid); c != status.Success && c != status.NoObj {
		m.logger.Warn().Str("oid", oid.String()).Msg("failed to remove discarded object")
	}
	return status.Success
}

// Rebuild scans the store contents after restart and repopulates the
// in-use bitmap from surviving inode objects.
func (m *Manager) Rebuild(oids []types.ObjectID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, oid := range oids {
		if oid.IsInode() {
			vid := oid.Volume()
			m.inuse[vid/64] |= 1 << (vid % 64)
		}
	}
}
