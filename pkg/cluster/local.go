package cluster

import (
	"sort"
	"sync"

	"github.com/collie-store/collie/pkg/types"
)

func init() {
	// The default hub backs every "local" driver in the process, so a
	// single-process cluster needs no configuration.
	Register("local", func(dataDir, addr string) (Driver, error) {
		return defaultHub.NewDriver(), nil
	})
}

var defaultHub = NewHub()

// Hub is an in-process group-communication fabric. One goroutine applies
// every event, which is what gives delivery its total order: members see
// joins, leaves and notifies in exactly the sequence the hub ran them.
type Hub struct {
	mu      sync.Mutex
	members map[string]*localDriver

	events chan func()
	once   sync.Once
	done   chan struct{}
}

// NewHub creates an isolated fabric. Tests use private hubs to simulate
// multi-node clusters inside one process.
func NewHub() *Hub {
	return &Hub{
		members: make(map[string]*localDriver),
		events:  make(chan func(), 4096),
		done:    make(chan struct{}),
	}
}

func (h *Hub) start() {
	h.once.Do(func() {
		go func() {
			for {
				select {
				case fn := <-h.events:
					fn()
				case <-h.done:
					return
				}
			}
		}()
	})
}

// NewDriver returns a driver attached to this hub.
func (h *Hub) NewDriver() Driver {
	return &localDriver{hub: h}
}

func (h *Hub) enqueue(fn func()) {
	h.start()
	h.events <- fn
}

// view returns the current membership, identity-ordered. Caller must run on
// the hub goroutine.
func (h *Hub) view() []types.Node {
	h.mu.Lock()
	defer h.mu.Unlock()
	nodes := make([]types.Node, 0, len(h.members))
	for _, m := range h.members {
		nodes = append(nodes, m.self)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Less(nodes[j]) })
	return nodes
}

func (h *Hub) fanoutView() {
	nodes := h.view()
	h.mu.Lock()
	members := make([]*localDriver, 0, len(h.members))
	for _, m := range h.members {
		members = append(members, m)
	}
	h.mu.Unlock()
	for _, m := range members {
		m.handler.ViewChange(nodes)
	}
}

type localDriver struct {
	hub     *Hub
	self    types.Node
	handler Handler
	joined  bool
}

func (d *localDriver) Join(self types.Node, h Handler) error {
	d.self = self
	d.handler = h
	d.hub.enqueue(func() {
		d.hub.mu.Lock()
		d.hub.members[self.ID] = d
		d.joined = true
		d.hub.mu.Unlock()
		d.hub.fanoutView()
	})
	return nil
}

func (d *localDriver) Leave() error {
	d.hub.enqueue(func() {
		d.hub.mu.Lock()
		delete(d.hub.members, d.self.ID)
		d.joined = false
		d.hub.mu.Unlock()
		d.hub.fanoutView()
	})
	return nil
}

func (d *localDriver) Notify(payload []byte) error {
	// Copy out so the caller can reuse its buffer.
	msg := make([]byte, len(payload))
	copy(msg, payload)
	d.hub.enqueue(func() {
		d.hub.mu.Lock()
		members := make([]*localDriver, 0, len(d.hub.members))
		for _, m := range d.hub.members {
			members = append(members, m)
		}
		d.hub.mu.Unlock()
		for _, m := range members {
			m.handler.Deliver(d.self, msg)
		}
	})
	return nil
}

func (d *localDriver) UpdateNode(n types.Node) error {
	d.hub.enqueue(func() {
		d.hub.mu.Lock()
		if _, ok := d.hub.members[n.ID]; ok {
			d.self = n
			d.hub.members[n.ID] = d
		}
		d.hub.mu.Unlock()
		d.hub.fanoutView()
	})
	return nil
}

func (d *localDriver) Leader() string { return "" }

func (d *localDriver) Shutdown() error {
	d.hub.mu.Lock()
	delete(d.hub.members, d.self.ID)
	d.hub.mu.Unlock()
	return nil
}
