package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collie-store/collie/pkg/types"
)

func newTestClusterStore(t *testing.T) *ClusterStore {
	t.Helper()
	s, err := OpenClusterStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestClusterStoreInfoRoundTrip(t *testing.T) {
	s := newTestClusterStore(t)

	// An unformatted store reads back the zero value.
	info, err := s.GetInfo()
	require.NoError(t, err)
	assert.False(t, info.Formatted())

	want := types.ClusterInfo{Ctime: 12345, Epoch: 3, Copies: 2, Store: "plain"}
	require.NoError(t, s.PutInfo(want))
	info, err = s.GetInfo()
	require.NoError(t, err)
	assert.Equal(t, want, info)
	assert.True(t, info.Formatted())
}

func TestClusterStoreShutdownFlag(t *testing.T) {
	s := newTestClusterStore(t)
	assert.False(t, s.WasShutdown())

	require.NoError(t, s.SetShutdown(true))
	assert.True(t, s.WasShutdown())

	require.NoError(t, s.SetShutdown(false))
	assert.False(t, s.WasShutdown())
}

func TestClusterStoreEpochLog(t *testing.T) {
	s := newTestClusterStore(t)
	assert.Equal(t, uint32(0), s.LatestEpoch())

	_, ok, err := s.GetEpoch(1)
	require.NoError(t, err)
	assert.False(t, ok)

	nodes := []types.Node{{ID: "a", Addr: "x:1"}, {ID: "b", Addr: "y:1"}}
	for _, e := range []uint32{1, 2, 3} {
		require.NoError(t, s.PutEpoch(types.EpochLogEntry{Epoch: e, Time: int64(e) * 100, Nodes: nodes}))
	}
	assert.Equal(t, uint32(3), s.LatestEpoch())

	entry, ok, err := s.GetEpoch(2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(2), entry.Epoch)
	assert.Equal(t, nodes, entry.Nodes)

	require.NoError(t, s.RemoveEpoch(3))
	assert.Equal(t, uint32(2), s.LatestEpoch())
	_, ok, err = s.GetEpoch(3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClusterStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenClusterStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.PutInfo(types.ClusterInfo{Ctime: 7, Epoch: 1, Copies: 3}))
	require.NoError(t, s.PutEpoch(types.EpochLogEntry{Epoch: 1, Nodes: []types.Node{{ID: "a"}}}))
	require.NoError(t, s.Close())

	s, err = OpenClusterStore(dir)
	require.NoError(t, err)
	defer s.Close()

	info, err := s.GetInfo()
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.Ctime)
	assert.Equal(t, uint32(1), s.LatestEpoch())
}

func TestConfigLoadAndValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "collie.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: n1\nzone: 2\ncapacity: 1073741824\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "n1", cfg.NodeID)
	assert.Equal(t, uint32(2), cfg.Zone)
	assert.Equal(t, uint64(1<<30), cfg.Capacity)
	// Unset keys keep their defaults.
	assert.Equal(t, "plain", cfg.StoreDriver)
	require.NoError(t, cfg.Validate())

	cfg.NodeID = ""
	assert.Error(t, cfg.Validate())
}
