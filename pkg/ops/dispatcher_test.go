package ops

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collie-store/collie/pkg/cluster"
	"github.com/collie-store/collie/pkg/log"
	"github.com/collie-store/collie/pkg/placement"
	"github.com/collie-store/collie/pkg/status"
	"github.com/collie-store/collie/pkg/store"
	"github.com/collie-store/collie/pkg/types"
	"github.com/collie-store/collie/pkg/vdi"
)

// memObjects is a minimal in-memory ObjectIO backing the vdi manager in
// dispatcher tests.
type memObjects struct {
	mu   sync.Mutex
	objs map[types.ObjectID][]byte
}

func newMemObjects() *memObjects {
	return &memObjects{objs: make(map[types.ObjectID][]byte)}
}

func (m *memObjects) Read(oid types.ObjectID, buf []byte, offset uint64) status.Code {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objs[oid]
	if !ok {
		return status.NoObj
	}
	copy(buf, obj[offset:])
	return status.Success
}

func (m *memObjects) Write(oid types.ObjectID, data []byte, offset uint64) status.Code {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objs[oid]
	if !ok {
		return status.NoObj
	}
	copy(obj[offset:], data)
	return status.Success
}

func (m *memObjects) CreateAndWrite(oid types.ObjectID, data []byte, offset uint64, _ types.ObjectID) status.Code {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.objs[oid]; exists {
		return status.Success
	}
	obj := make([]byte, offset+uint64(len(data)))
	copy(obj[offset:], data)
	m.objs[oid] = obj
	return status.Success
}

func (m *memObjects) Remove(oid types.ObjectID) status.Code {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objs[oid]; !ok {
		return status.NoObj
	}
	delete(m.objs, oid)
	return status.Success
}

func (m *memObjects) Exist(oid types.ObjectID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objs[oid]
	return ok
}

type formatCall struct {
	ctime  int64
	copies uint8
}

// fakeSystem is the System fixture for dispatcher tests.
type fakeSystem struct {
	mu     sync.Mutex
	self   types.Node
	st     types.ClusterStatus
	info   types.ClusterInfo
	epoch  uint32
	view   *placement.View
	vdis   *vdi.Manager
	fmts   []formatCall
	recovd []types.Node
}

func newFakeSystem(id string, mem *memObjects) *fakeSystem {
	return &fakeSystem{
		self:  types.Node{ID: id},
		st:    types.StatusOK,
		info:  types.ClusterInfo{Ctime: 1, Epoch: 1, Copies: 3},
		epoch: 1,
		view:  placement.NewView(1, []types.Node{{ID: id, Space: 1}}),
		vdis:  vdi.NewManager(mem),
	}
}

func (s *fakeSystem) Self() types.Node { return s.self }

func (s *fakeSystem) Status() types.ClusterStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (s *fakeSystem) Info() types.ClusterInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *fakeSystem) SetInfo(info types.ClusterInfo) status.Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
	return status.Success
}

func (s *fakeSystem) Epoch() uint32 { return s.epoch }

func (s *fakeSystem) EpochNodes(uint32) []types.Node { return nil }

func (s *fakeSystem) View() *placement.View { return s.view }

func (s *fakeSystem) Store() store.Driver { return nil }

func (s *fakeSystem) VDIs() *vdi.Manager { return s.vdis }

func (s *fakeSystem) Peers() PeerClient { return nil }

func (s *fakeSystem) RecoveryState() types.RecoveryState { return types.RecoveryState{} }

func (s *fakeSystem) HandleViewChange([]types.Node) {}

func (s *fakeSystem) Reweight() status.Code { return status.Success }

func (s *fakeSystem) Kill() {}

func (s *fakeSystem) PlugMedia([]string) status.Code { return status.Success }

func (s *fakeSystem) UnplugMedia([]string) status.Code { return status.Success }

func (s *fakeSystem) MediaInfo() []MediaInfo { return nil }

func (s *fakeSystem) ShutdownCluster() status.Code { return status.Success }

func (s *fakeSystem) ForceRecover() status.Code { return status.Success }

func (s *fakeSystem) FormatCluster(ctime int64, copies, _ uint8, _ string) status.Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fmts = append(s.fmts, formatCall{ctime: ctime, copies: copies})
	return status.Success
}

func (s *fakeSystem) NodeRecovered(_ uint32, n types.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovd = append(s.recovd, n)
}

func (s *fakeSystem) setStatus(st types.ClusterStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = st
}

func (s *fakeSystem) formats() []formatCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]formatCall(nil), s.fmts...)
}

// newTestPair joins two dispatchers to one local hub so cluster operations
// run through a real total-order broadcast. The object store is shared, the
// way replicated objects are visible from every gateway.
func newTestPair(t *testing.T) (*Dispatcher, *Dispatcher, *fakeSystem, *fakeSystem) {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})
	hub := cluster.NewHub()
	mem := newMemObjects()
	s1, s2 := newFakeSystem("a", mem), newFakeSystem("b", mem)
	dr1, dr2 := hub.NewDriver(), hub.NewDriver()
	d1 := NewDispatcher(s1, dr1)
	d2 := NewDispatcher(s2, dr2)
	require.NoError(t, dr1.Join(s1.self, d1))
	require.NoError(t, dr2.Join(s2.self, d2))
	return d1, d2, s1, s2
}

func TestUnknownOpcode(t *testing.T) {
	d, _, _, _ := newTestPair(t)
	rsp := d.Exec(context.Background(), &types.Request{Op: types.Opcode(250)})
	assert.Equal(t, status.NoSupport, status.Code(rsp.Result))
}

func TestGateBlocksNonForceOps(t *testing.T) {
	d, _, s1, _ := newTestPair(t)
	s1.setStatus(types.StatusWaitForFormat)

	// Non-force operations report the cluster state instead of running.
	rsp := d.Exec(context.Background(), &types.Request{Op: types.OpStatRecovery})
	assert.Equal(t, status.WaitForFormat, status.Code(rsp.Result))

	// Force operations pass through.
	rsp = d.Exec(context.Background(), &types.Request{Op: types.OpStatCluster})
	assert.Equal(t, status.Success, status.Code(rsp.Result))
}

func TestResponseCarriesEpoch(t *testing.T) {
	d, _, s1, _ := newTestPair(t)
	s1.epoch = 7
	rsp := d.Exec(context.Background(), &types.Request{Op: types.OpNop})
	assert.Equal(t, uint32(7), rsp.Epoch)
}

func TestNewVDIConvergesOnBothNodes(t *testing.T) {
	d1, _, s1, s2 := newTestPair(t)

	rsp := d1.Exec(context.Background(), &types.Request{
		Op:   types.OpNewVDI,
		Name: "vol0",
		Size: types.ObjectSize,
	})
	require.Equal(t, status.Success, status.Code(rsp.Result))
	require.NotZero(t, rsp.Vid)

	// The initiator's main phase ran before Exec returned; the other
	// node's main phase is applied asynchronously by the hub.
	assert.True(t, s1.vdis.InUse(rsp.Vid))
	require.Eventually(t, func() bool {
		return s2.vdis.InUse(rsp.Vid)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFailedWorkIsNotBroadcast(t *testing.T) {
	d1, _, s1, s2 := newTestPair(t)

	rsp := d1.Exec(context.Background(), &types.Request{
		Op:   types.OpNewVDI,
		Name: "",
		Size: types.ObjectSize,
	})
	assert.Equal(t, status.InvalidParms, status.Code(rsp.Result))

	// No main phase ran anywhere.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, s1.vdis.List())
	assert.Empty(t, s2.vdis.List())
}

func TestMakeFSReplicatesNormalizedRequest(t *testing.T) {
	d1, _, s1, s2 := newTestPair(t)
	s1.setStatus(types.StatusWaitForFormat)
	s2.setStatus(types.StatusWaitForFormat)

	rsp := d1.Exec(context.Background(), &types.Request{Op: types.OpMakeFS})
	require.Equal(t, status.Success, status.Code(rsp.Result))

	require.Eventually(t, func() bool {
		return len(s1.formats()) == 1 && len(s2.formats()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The work phase normalized ctime and copies before the broadcast,
	// so every node formatted with identical inputs.
	f1, f2 := s1.formats()[0], s2.formats()[0]
	assert.Equal(t, f1, f2)
	assert.NotZero(t, f1.ctime)
	assert.Equal(t, uint8(types.DefaultCopies), f1.copies)
}

func TestGetVDIInfoOrdersAfterCreate(t *testing.T) {
	d1, d2, _, _ := newTestPair(t)

	rsp := d1.Exec(context.Background(), &types.Request{
		Op:   types.OpNewVDI,
		Name: "vol0",
		Size: types.ObjectSize,
	})
	require.Equal(t, status.Success, status.Code(rsp.Result))

	require.Eventually(t, func() bool {
		got := d2.Exec(context.Background(), &types.Request{
			Op:   types.OpGetVDIInfo,
			Name: "vol0",
		})
		return status.Code(got.Result) == status.Success && got.Vid == rsp.Vid
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCompleteRecoveryReachesEveryNode(t *testing.T) {
	d1, _, s1, s2 := newTestPair(t)
	s1.setStatus(types.StatusWaitForJoin)
	s2.setStatus(types.StatusWaitForJoin)

	rsp := d1.Exec(context.Background(), &types.Request{
		Op:    types.OpCompleteRecovery,
		Epoch: 2,
	})
	require.Equal(t, status.Success, status.Code(rsp.Result))

	require.Eventually(t, func() bool {
		s1.mu.Lock()
		n1 := len(s1.recovd)
		s1.mu.Unlock()
		s2.mu.Lock()
		n2 := len(s2.recovd)
		s2.mu.Unlock()
		return n1 == 1 && n2 == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "a", s1.recovd[0].ID)
}

func TestAlterCopiesValidation(t *testing.T) {
	d1, _, s1, s2 := newTestPair(t)

	// More copies than cluster members is rejected in the work phase.
	rsp := d1.Exec(context.Background(), &types.Request{
		Op:     types.OpAlterClusterCopies,
		Copies: 5,
	})
	assert.Equal(t, status.InvalidParms, status.Code(rsp.Result))

	rsp = d1.Exec(context.Background(), &types.Request{
		Op:     types.OpAlterClusterCopies,
		Copies: 1,
	})
	require.Equal(t, status.Success, status.Code(rsp.Result))
	require.Eventually(t, func() bool {
		return s1.Info().Copies == 1 && s2.Info().Copies == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDeliverMalformedEvent(t *testing.T) {
	d1, _, _, _ := newTestPair(t)

	// Neither an undecodable payload nor an event without a request may
	// take down the delivery goroutine.
	d1.Deliver(types.Node{ID: "x"}, []byte("not json"))
	d1.Deliver(types.Node{ID: "x"}, []byte("{}"))

	rsp := d1.Exec(context.Background(), &types.Request{Op: types.OpNop})
	assert.Equal(t, status.Success, status.Code(rsp.Result))
}

func TestAdminOpsAudited(t *testing.T) {
	var buf bytes.Buffer
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: &buf})
	hub := cluster.NewHub()
	s := newFakeSystem("a", newMemObjects())
	dr := hub.NewDriver()
	d := NewDispatcher(s, dr)
	require.NoError(t, dr.Join(s.self, d))

	rsp := d.Exec(context.Background(), &types.Request{
		Op:   types.OpNewVDI,
		Name: "vol0",
		Size: types.ObjectSize,
	})
	require.Equal(t, status.Success, status.Code(rsp.Result))
	assert.Contains(t, buf.String(), "admin operation requested")
	assert.Contains(t, buf.String(), "admin operation applied")

	// Read-only operations leave no audit trail.
	buf.Reset()
	rsp = d.Exec(context.Background(), &types.Request{Op: types.OpStatCluster})
	require.Equal(t, status.Success, status.Code(rsp.Result))
	assert.NotContains(t, buf.String(), "admin operation")
}
