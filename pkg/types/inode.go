package types

import (
	"encoding/binary"
	"fmt"
)

// Inode object layout, little endian. The header occupies the first
// InodeIndexOffset bytes; after it comes the index→vid table at 4 bytes per
// slot, so a single allocation can be persisted by rewriting exactly the 4
// bytes of its slot.
const (
	inodeNameOff   = 0
	inodeTagOff    = 256
	inodeVidOff    = 512
	inodeParentOff = 516
	inodeSnapOff   = 520
	inodeCopiesOff = 524
	inodePolicyOff = 525
	inodeSizeOff   = 528
	inodeCtimeOff  = 536
	inodeStimeOff  = 544

	// InodeIndexOffset is where the index table starts.
	InodeIndexOffset = 1024

	// InodeSlotSize is the width of one index table entry.
	InodeSlotSize = 4
)

// Inode is the per-VDI metadata object. Data maps each data-object index to
// the volume that owns that object: zero means unallocated, the VDI's own
// vid means a private copy, an ancestor's vid means the index is inherited
// from a snapshot and is read-only until copied.
type Inode struct {
	Name       string
	Tag        string
	VID        VolumeID
	ParentVID  VolumeID
	SnapID     uint32
	Copies     uint8
	CopyPolicy uint8
	Size       uint64
	CreatedAt  int64
	SnapshotAt int64

	Data []VolumeID
}

// NumObjects returns how many data objects a VDI of the given size spans.
func NumObjects(size uint64) uint32 {
	return uint32((size + ObjectSize - 1) / ObjectSize)
}

// NewInode builds a fresh inode with an unallocated index table.
func NewInode(name string, vid VolumeID, size uint64, copies, policy uint8, now int64) *Inode {
	return &Inode{
		Name:       name,
		VID:        vid,
		Size:       size,
		Copies:     copies,
		CopyPolicy: policy,
		CreatedAt:  now,
		Data:       make([]VolumeID, NumObjects(size)),
	}
}

// IsSnapshot reports whether this instance has been frozen.
func (i *Inode) IsSnapshot() bool {
	return i.SnapshotAt != 0
}

// GetVID returns the owner of the data object at idx, 0 if unallocated.
func (i *Inode) GetVID(idx uint32) VolumeID {
	if idx >= uint32(len(i.Data)) {
		return 0
	}
	return i.Data[idx]
}

// SetVID installs the owner of the data object at idx.
func (i *Inode) SetVID(idx uint32, vid VolumeID) {
	i.Data[idx] = vid
}

// SlotOffset is the byte offset of the index slot inside the inode object.
func SlotOffset(idx uint32) uint64 {
	return InodeIndexOffset + uint64(idx)*InodeSlotSize
}

// EncodeSlot renders one index entry as it appears on disk.
func EncodeSlot(vid VolumeID) []byte {
	b := make([]byte, InodeSlotSize)
	binary.LittleEndian.PutUint32(b, uint32(vid))
	return b
}

// MarshalBinary renders the whole inode object.
func (i *Inode) MarshalBinary() []byte {
	b := make([]byte, InodeIndexOffset+len(i.Data)*InodeSlotSize)
	copy(b[inodeNameOff:inodeNameOff+MaxNameLen], i.Name)
	copy(b[inodeTagOff:inodeTagOff+MaxNameLen], i.Tag)
	le := binary.LittleEndian
	le.PutUint32(b[inodeVidOff:], uint32(i.VID))
	le.PutUint32(b[inodeParentOff:], uint32(i.ParentVID))
	le.PutUint32(b[inodeSnapOff:], i.SnapID)
	b[inodeCopiesOff] = i.Copies
	b[inodePolicyOff] = i.CopyPolicy
	le.PutUint64(b[inodeSizeOff:], i.Size)
	le.PutUint64(b[inodeCtimeOff:], uint64(i.CreatedAt))
	le.PutUint64(b[inodeStimeOff:], uint64(i.SnapshotAt))
	for idx, vid := range i.Data {
		le.PutUint32(b[SlotOffset(uint32(idx)):], uint32(vid))
	}
	return b
}

// UnmarshalInode parses an inode object.
func UnmarshalInode(b []byte) (*Inode, error) {
	if len(b) < InodeIndexOffset {
		return nil, fmt.Errorf("inode object truncated: %d bytes", len(b))
	}
	le := binary.LittleEndian
	i := &Inode{
		Name:       cstr(b[inodeNameOff : inodeNameOff+MaxNameLen]),
		Tag:        cstr(b[inodeTagOff : inodeTagOff+MaxNameLen]),
		VID:        VolumeID(le.Uint32(b[inodeVidOff:])),
		ParentVID:  VolumeID(le.Uint32(b[inodeParentOff:])),
		SnapID:     le.Uint32(b[inodeSnapOff:]),
		Copies:     b[inodeCopiesOff],
		CopyPolicy: b[inodePolicyOff],
		Size:       le.Uint64(b[inodeSizeOff:]),
		CreatedAt:  int64(le.Uint64(b[inodeCtimeOff:])),
		SnapshotAt: int64(le.Uint64(b[inodeStimeOff:])),
	}
	n := NumObjects(i.Size)
	if uint64(len(b)) < InodeIndexOffset+uint64(n)*InodeSlotSize {
		return nil, fmt.Errorf("inode index table truncated for size %d", i.Size)
	}
	i.Data = make([]VolumeID, n)
	for idx := uint32(0); idx < n; idx++ {
		i.Data[idx] = VolumeID(le.Uint32(b[SlotOffset(idx):]))
	}
	return i, nil
}

// SizeFromHeader extracts the virtual-size field from an inode header
// prefix, without requiring the index table to be present.
func SizeFromHeader(b []byte) uint64 {
	if len(b) < inodeSizeOff+8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b[inodeSizeOff:])
}

// InodeObjectSize is the on-disk size of the inode object for a VDI of the
// given virtual size.
func InodeObjectSize(size uint64) uint64 {
	return InodeIndexOffset + uint64(NumObjects(size))*InodeSlotSize
}

func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
