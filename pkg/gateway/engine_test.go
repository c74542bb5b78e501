package gateway

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collie-store/collie/pkg/log"
	"github.com/collie-store/collie/pkg/status"
	"github.com/collie-store/collie/pkg/types"
)

// fakeObjects is an in-memory ObjectClient with the gateway's cow
// semantics: a create seeds the whole object from its ancestor first.
type fakeObjects struct {
	mu      sync.Mutex
	objs    map[types.ObjectID][]byte
	creates []types.ObjectID

	// createGate, when set, blocks creates until released.
	createGate chan struct{}
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objs: make(map[types.ObjectID][]byte)}
}

func (f *fakeObjects) Read(oid types.ObjectID, buf []byte, offset uint64) status.Code {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objs[oid]
	if !ok {
		return status.NoObj
	}
	copy(buf, obj[offset:])
	return status.Success
}

func (f *fakeObjects) Write(oid types.ObjectID, data []byte, offset uint64) status.Code {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objs[oid]
	if !ok {
		if !oid.IsInode() {
			return status.NoObj
		}
		// Tests rarely seed inode objects; accept slot writes anyway.
		obj = []byte{}
	}
	if oid.IsInode() {
		need := offset + uint64(len(data))
		if uint64(len(obj)) < need {
			grown := make([]byte, need)
			copy(grown, obj)
			obj = grown
		}
		f.objs[oid] = obj
	}
	copy(obj[offset:], data)
	return status.Success
}

func (f *fakeObjects) CreateAndWrite(oid types.ObjectID, data []byte, offset uint64, cow types.ObjectID) status.Code {
	if f.createGate != nil {
		<-f.createGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.objs[oid]; exists {
		return status.Success
	}
	size := types.ObjectSize
	if oid.IsInode() {
		size = offset + uint64(len(data))
	}
	obj := make([]byte, size)
	if cow != 0 {
		copy(obj, f.objs[cow])
	}
	copy(obj[offset:], data)
	f.objs[oid] = obj
	f.creates = append(f.creates, oid)
	return status.Success
}

func (f *fakeObjects) object(oid types.ObjectID) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.objs[oid]...)
}

func newTestEngine(t *testing.T, f *fakeObjects) *Engine {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})
	e := NewEngine(f, 4)
	t.Cleanup(e.Close)
	return e
}

func testInode(vid types.VolumeID, objects uint32) *types.Inode {
	return types.NewInode("disk", vid, uint64(objects)*types.ObjectSize, 3, 0, 1)
}

func TestWriteThenReadAcrossObjects(t *testing.T) {
	f := newFakeObjects()
	e := newTestEngine(t, f)
	inode := testInode(5, 4)

	// Spans the boundary between objects 0 and 1.
	payload := bytes.Repeat([]byte("abc123"), 1024)
	off := types.ObjectSize - 512
	require.Equal(t, status.Success,
		e.SubmitAndWait(inode, types.OpWriteObj, off, uint64(len(payload)), payload))

	assert.Equal(t, inode.VID, inode.GetVID(0))
	assert.Equal(t, inode.VID, inode.GetVID(1))
	assert.Equal(t, types.VolumeID(0), inode.GetVID(2))

	got := make([]byte, len(payload))
	require.Equal(t, status.Success,
		e.SubmitAndWait(inode, types.OpReadObj, off, uint64(len(got)), got))
	assert.Equal(t, payload, got)
}

func TestReadUnallocatedIsZero(t *testing.T) {
	f := newFakeObjects()
	e := newTestEngine(t, f)
	inode := testInode(5, 2)

	buf := bytes.Repeat([]byte{0xff}, 4096)
	require.Equal(t, status.Success,
		e.SubmitAndWait(inode, types.OpReadObj, 100, uint64(len(buf)), buf))
	assert.Equal(t, make([]byte, 4096), buf)
	// No object was touched.
	assert.Empty(t, f.creates)
}

func TestWriteSnapshotRejected(t *testing.T) {
	f := newFakeObjects()
	e := newTestEngine(t, f)
	inode := testInode(5, 1)
	inode.SnapshotAt = 42

	code := e.SubmitAndWait(inode, types.OpWriteObj, 0, 8, make([]byte, 8))
	assert.Equal(t, status.ReadOnly, code)
}

func TestOutOfRangeRejected(t *testing.T) {
	f := newFakeObjects()
	e := newTestEngine(t, f)
	inode := testInode(5, 1)

	code := e.SubmitAndWait(inode, types.OpWriteObj, inode.Size-4, 8, make([]byte, 8))
	assert.Equal(t, status.InvalidParms, code)
}

func TestCopyOnWrite(t *testing.T) {
	f := newFakeObjects()
	e := newTestEngine(t, f)

	// The base object belongs to the snapshot volume 5; the working
	// volume 6 inherits it through its index table.
	base := make([]byte, types.ObjectSize)
	copy(base, []byte("snapshot data"))
	f.objs[types.DataObjectID(5, 0)] = base

	inode := testInode(6, 2)
	inode.ParentVID = 5
	inode.SetVID(0, 5)

	require.Equal(t, status.Success,
		e.SubmitAndWait(inode, types.OpWriteObj, 100, 3, []byte("new")))

	// The index now points at the working volume.
	assert.Equal(t, types.VolumeID(6), inode.GetVID(0))

	// The new object carries the ancestor content with the write overlaid.
	obj := f.object(types.DataObjectID(6, 0))
	assert.Equal(t, []byte("snapshot data"), obj[:13])
	assert.Equal(t, []byte("new"), obj[100:103])

	// The ancestor object is untouched.
	assert.Equal(t, []byte("snapshot data"), f.object(types.DataObjectID(5, 0))[:13])
}

func TestInodeSlotPersisted(t *testing.T) {
	f := newFakeObjects()
	e := newTestEngine(t, f)
	inode := testInode(7, 2)
	f.objs[types.InodeObjectID(7)] = inode.MarshalBinary()

	require.Equal(t, status.Success,
		e.SubmitAndWait(inode, types.OpWriteObj, 0, 4, []byte("data")))

	raw := f.object(types.InodeObjectID(7))
	off := types.SlotOffset(0)
	assert.Equal(t, types.EncodeSlot(7), raw[off:off+types.InodeSlotSize])
}

func TestConcurrentCreateSameObject(t *testing.T) {
	f := newFakeObjects()
	f.createGate = make(chan struct{})
	e := newTestEngine(t, f)
	inode := testInode(8, 1)

	// Two writes race for the same not-yet-created object. The gate
	// holds the winning create in flight so the second write must park
	// in the blocking queue.
	done1 := make(chan status.Code, 1)
	done2 := make(chan status.Code, 1)
	go func() {
		done1 <- e.SubmitAndWait(inode, types.OpWriteObj, 0, 5, []byte("first"))
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		done2 <- e.SubmitAndWait(inode, types.OpWriteObj, 10, 6, []byte("second"))
	}()
	time.Sleep(20 * time.Millisecond)
	close(f.createGate)

	require.Equal(t, status.Success, <-done1)
	require.Equal(t, status.Success, <-done2)

	// Exactly one create happened; the loser took the plain write path.
	assert.Equal(t, []types.ObjectID{types.DataObjectID(8, 0)}, f.creates)

	obj := f.object(types.DataObjectID(8, 0))
	assert.Equal(t, []byte("first"), obj[:5])
	assert.Equal(t, []byte("second"), obj[10:16])
}

func TestCompletionFiresOnce(t *testing.T) {
	f := newFakeObjects()
	e := newTestEngine(t, f)
	inode := testInode(9, 8)

	var calls int
	var mu sync.Mutex
	donech := make(chan struct{})
	payload := make([]byte, 3*types.ObjectSize)
	e.Submit(inode, types.OpWriteObj, 0, uint64(len(payload)), payload, func(r *Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(donech)
	})

	<-donech
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestFirstFailureWins(t *testing.T) {
	f := newFakeObjects()
	e := newTestEngine(t, f)
	inode := testInode(10, 2)
	// Object 1 is owned but missing from the store, so its read fails
	// while object 0 is unallocated and succeeds as zeros.
	inode.SetVID(1, 10)

	buf := make([]byte, 2*types.ObjectSize)
	code := e.SubmitAndWait(inode, types.OpReadObj, 0, uint64(len(buf)), buf)
	assert.Equal(t, status.NoObj, code)
}
