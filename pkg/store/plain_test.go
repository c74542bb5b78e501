package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collie-store/collie/pkg/log"
	"github.com/collie-store/collie/pkg/status"
	"github.com/collie-store/collie/pkg/types"
)

func newTestPlain(t *testing.T) *Plain {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})
	p := NewPlain(t.TempDir())
	require.Equal(t, status.Success, p.Init())
	return p
}

func TestPlainCreateReadWrite(t *testing.T) {
	p := newTestPlain(t)
	oid := types.DataObjectID(1, 0)

	require.Equal(t, status.Success, p.CreateAndWrite(oid, &IOCB{Offset: 10, Buf: []byte("hello")}))
	assert.True(t, p.Exist(oid))

	buf := make([]byte, 5)
	require.Equal(t, status.Success, p.Read(oid, &IOCB{Offset: 10, Buf: buf}))
	assert.Equal(t, []byte("hello"), buf)

	// Never-written ranges of a data object read back zero.
	zero := make([]byte, 16)
	require.Equal(t, status.Success, p.Read(oid, &IOCB{Offset: 1000, Buf: zero}))
	assert.Equal(t, make([]byte, 16), zero)

	require.Equal(t, status.Success, p.Write(oid, &IOCB{Offset: 10, Buf: []byte("HELLO")}))
	require.Equal(t, status.Success, p.Read(oid, &IOCB{Offset: 10, Buf: buf}))
	assert.Equal(t, []byte("HELLO"), buf)
}

func TestPlainCreateReplay(t *testing.T) {
	p := newTestPlain(t)
	oid := types.DataObjectID(1, 1)
	require.Equal(t, status.Success, p.CreateAndWrite(oid, &IOCB{Buf: []byte("x")}))
	// A replayed create of the same object is not an error.
	assert.Equal(t, status.Success, p.CreateAndWrite(oid, &IOCB{Buf: []byte("x")}))
}

func TestPlainMissingObject(t *testing.T) {
	p := newTestPlain(t)
	oid := types.DataObjectID(9, 9)
	assert.False(t, p.Exist(oid))
	assert.Equal(t, status.NoObj, p.Read(oid, &IOCB{Buf: make([]byte, 1)}))
	assert.Equal(t, status.NoObj, p.Write(oid, &IOCB{Buf: []byte("a")}))
	assert.Equal(t, status.NoObj, p.Remove(oid))
}

func TestPlainRemove(t *testing.T) {
	p := newTestPlain(t)
	oid := types.DataObjectID(1, 2)
	require.Equal(t, status.Success, p.CreateAndWrite(oid, &IOCB{Buf: []byte("x")}))
	require.Equal(t, status.Success, p.Remove(oid))
	assert.False(t, p.Exist(oid))
}

func TestPlainList(t *testing.T) {
	p := newTestPlain(t)
	want := []types.ObjectID{
		types.DataObjectID(1, 0),
		types.DataObjectID(1, 1),
		types.InodeObjectID(1),
	}
	for _, oid := range want {
		require.Equal(t, status.Success, p.CreateAndWrite(oid, &IOCB{Buf: []byte("x")}))
	}
	got, err := p.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, want, got)
}

func TestPlainStashAndCleanup(t *testing.T) {
	p := newTestPlain(t)
	oid := types.DataObjectID(2, 0)
	require.Equal(t, status.Success, p.CreateAndWrite(oid, &IOCB{Buf: []byte("x")}))

	require.Equal(t, status.Success, p.Stash(oid, 3))
	assert.False(t, p.Exist(oid))
	got, err := p.List()
	require.NoError(t, err)
	assert.Empty(t, got)

	require.Equal(t, status.Success, p.Cleanup())
	// Cleanup on an empty stale area still succeeds.
	assert.Equal(t, status.Success, p.Cleanup())
}

func TestPlainFormat(t *testing.T) {
	p := newTestPlain(t)
	oid := types.DataObjectID(3, 0)
	require.Equal(t, status.Success, p.CreateAndWrite(oid, &IOCB{Buf: []byte("x")}))
	require.Equal(t, status.Success, p.Format())
	assert.False(t, p.Exist(oid))
}

func TestPlainUsed(t *testing.T) {
	p := newTestPlain(t)
	assert.Equal(t, uint64(0), p.Used())

	// Data objects are created at full object size.
	require.Equal(t, status.Success, p.CreateAndWrite(types.DataObjectID(4, 0), &IOCB{Buf: []byte("x")}))
	assert.Equal(t, types.ObjectSize, p.Used())

	require.Equal(t, status.Success, p.Remove(types.DataObjectID(4, 0)))
	assert.Equal(t, uint64(0), p.Used())
}

func TestDriverRegistry(t *testing.T) {
	require.NotNil(t, Find("plain"))
	assert.Nil(t, Find("no-such-driver"))
	assert.Contains(t, Names(), "plain")
}
