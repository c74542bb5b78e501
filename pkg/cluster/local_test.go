package cluster

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collie-store/collie/pkg/types"
)

// recordingHandler captures delivery order for one member.
type recordingHandler struct {
	mu       sync.Mutex
	messages []string
	views    [][]types.Node
}

func (h *recordingHandler) Deliver(sender types.Node, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, sender.ID+":"+string(payload))
}

func (h *recordingHandler) ViewChange(nodes []types.Node) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.views = append(h.views, nodes)
}

func (h *recordingHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}

func (h *recordingHandler) lastView() []types.Node {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.views) == 0 {
		return nil
	}
	return h.views[len(h.views)-1]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestHubJoinView(t *testing.T) {
	hub := NewHub()
	h1, h2 := &recordingHandler{}, &recordingHandler{}
	d1 := hub.NewDriver()
	d2 := hub.NewDriver()

	require.NoError(t, d1.Join(types.Node{ID: "a"}, h1))
	require.NoError(t, d2.Join(types.Node{ID: "b"}, h2))

	waitFor(t, func() bool { return len(h1.lastView()) == 2 && len(h2.lastView()) == 2 })

	// Views are identity-ordered on every member.
	assert.Equal(t, "a", h1.lastView()[0].ID)
	assert.Equal(t, h1.lastView(), h2.lastView())
}

func TestHubTotalOrder(t *testing.T) {
	hub := NewHub()
	h1, h2 := &recordingHandler{}, &recordingHandler{}
	d1 := hub.NewDriver()
	d2 := hub.NewDriver()
	require.NoError(t, d1.Join(types.Node{ID: "a"}, h1))
	require.NoError(t, d2.Join(types.Node{ID: "b"}, h2))
	waitFor(t, func() bool { return len(h1.lastView()) == 2 && len(h2.lastView()) == 2 })

	const n = 50
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			d1.Notify([]byte(fmt.Sprintf("a%d", i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			d2.Notify([]byte(fmt.Sprintf("b%d", i)))
		}
	}()
	wg.Wait()

	waitFor(t, func() bool { return len(h1.snapshot()) == 2*n && len(h2.snapshot()) == 2*n })

	// Every member observes the identical interleaving.
	assert.Equal(t, h1.snapshot(), h2.snapshot())
}

func TestHubLeave(t *testing.T) {
	hub := NewHub()
	h1, h2 := &recordingHandler{}, &recordingHandler{}
	d1 := hub.NewDriver()
	d2 := hub.NewDriver()
	require.NoError(t, d1.Join(types.Node{ID: "a"}, h1))
	require.NoError(t, d2.Join(types.Node{ID: "b"}, h2))
	waitFor(t, func() bool { return len(h1.lastView()) == 2 })

	require.NoError(t, d2.Leave())
	waitFor(t, func() bool {
		v := h1.lastView()
		return len(v) == 1 && v[0].ID == "a"
	})

	// The departed member stops receiving notifies.
	before := len(h2.snapshot())
	require.NoError(t, d1.Notify([]byte("post-leave")))
	waitFor(t, func() bool {
		msgs := h1.snapshot()
		return len(msgs) > 0 && msgs[len(msgs)-1] == "a:post-leave"
	})
	assert.Equal(t, before, len(h2.snapshot()))
}

func TestHubUpdateNode(t *testing.T) {
	hub := NewHub()
	h1 := &recordingHandler{}
	d1 := hub.NewDriver()
	require.NoError(t, d1.Join(types.Node{ID: "a", Space: 100}, h1))
	waitFor(t, func() bool { return len(h1.lastView()) == 1 })

	require.NoError(t, d1.UpdateNode(types.Node{ID: "a", Space: 200}))
	waitFor(t, func() bool {
		v := h1.lastView()
		return len(v) == 1 && v[0].Space == 200
	})
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := encodeEnvelope(kindNotify, types.Node{ID: "a", Addr: "x:1"}, []byte("payload"))
	got, err := decodeEnvelope(env)
	require.NoError(t, err)
	assert.Equal(t, kindNotify, got.Kind)
	assert.Equal(t, "a", got.Sender.ID)
	assert.Equal(t, []byte("payload"), got.Payload)
}

func TestDriverFactory(t *testing.T) {
	d, err := New("local", "", "")
	require.NoError(t, err)
	require.NotNil(t, d)

	_, err = New("no-such-driver", "", "")
	assert.Error(t, err)
}
