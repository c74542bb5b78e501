package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectIDComposition(t *testing.T) {
	tests := []struct {
		name string
		vid  VolumeID
		idx  uint32
	}{
		{"small", 1, 0},
		{"typical", 0xbeef, 42},
		{"max index", 7, 1<<24 - 1},
		{"max vid", 1<<24 - 1, 12345},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oid := DataObjectID(tt.vid, tt.idx)
			assert.Equal(t, tt.vid, oid.Volume())
			assert.Equal(t, tt.idx, oid.Index())
			assert.False(t, oid.IsInode())
		})
	}
}

func TestInodeObjectID(t *testing.T) {
	oid := InodeObjectID(0xbeef)
	assert.True(t, oid.IsInode())
	assert.Equal(t, VolumeID(0xbeef), oid.Volume())
	assert.Equal(t, uint32(0), oid.Index())

	assert.NotEqual(t, DataObjectID(0xbeef, 0), oid)
}

func TestNumObjects(t *testing.T) {
	assert.Equal(t, uint32(1), NumObjects(1))
	assert.Equal(t, uint32(1), NumObjects(ObjectSize))
	assert.Equal(t, uint32(2), NumObjects(ObjectSize+1))
	assert.Equal(t, uint32(256), NumObjects(1<<30))
}

func TestInodeRoundTrip(t *testing.T) {
	inode := NewInode("vol0", 0x42, 3*ObjectSize, 3, 0, 12345)
	inode.Tag = "backup"
	inode.ParentVID = 0x41
	inode.SnapID = 2
	inode.SnapshotAt = 67890
	inode.SetVID(0, 0x42)
	inode.SetVID(2, 0x41)

	got, err := UnmarshalInode(inode.MarshalBinary())
	require.NoError(t, err)
	assert.Equal(t, inode, got)
}

func TestInodeTruncated(t *testing.T) {
	_, err := UnmarshalInode(make([]byte, 100))
	assert.Error(t, err)

	// Header promises a bigger index table than the buffer carries.
	inode := NewInode("v", 1, 100*ObjectSize, 3, 0, 1)
	raw := inode.MarshalBinary()
	_, err = UnmarshalInode(raw[:InodeIndexOffset+4])
	assert.Error(t, err)
}

func TestSlotEncoding(t *testing.T) {
	inode := NewInode("v", 9, 4*ObjectSize, 3, 0, 1)
	inode.SetVID(2, 9)
	raw := inode.MarshalBinary()

	// The slot bytes in the full marshal match the single-slot encoding.
	off := SlotOffset(2)
	assert.Equal(t, EncodeSlot(9), raw[off:off+InodeSlotSize])
	assert.Equal(t, EncodeSlot(0), raw[SlotOffset(1):SlotOffset(1)+InodeSlotSize])
}

func TestSizeFromHeader(t *testing.T) {
	inode := NewInode("v", 1, 5*ObjectSize+7, 3, 0, 1)
	raw := inode.MarshalBinary()
	assert.Equal(t, inode.Size, SizeFromHeader(raw[:InodeIndexOffset]))
	assert.Equal(t, uint64(0), SizeFromHeader(nil))
}

func TestClusterStatusCode(t *testing.T) {
	assert.NotEqual(t, StatusOK.Code(), StatusWaitForFormat.Code())
	assert.True(t, StatusOK.Code().OK())
	assert.False(t, StatusShutdown.Code().OK())
}

func TestClusterInfoFormatted(t *testing.T) {
	assert.False(t, ClusterInfo{}.Formatted())
	assert.True(t, ClusterInfo{Ctime: 1}.Formatted())
}
