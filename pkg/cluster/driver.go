// Package cluster provides the group-communication layer the replicated
// dispatcher builds on: a broadcast primitive with total-order delivery and
// agreed membership views. Two drivers are included: an in-process hub for
// single-process clusters and tests, and a raft-backed driver for real
// deployments.
package cluster

import (
	"errors"
	"sync"

	"github.com/collie-store/collie/pkg/types"
)

// Handler receives totally-ordered events from a driver. Deliver and
// ViewChange calls arrive one at a time, in the same order on every member.
type Handler interface {
	// Deliver hands over one broadcast payload.
	Deliver(sender types.Node, payload []byte)

	// ViewChange announces an agreed membership change. The slice is the
	// complete new membership.
	ViewChange(nodes []types.Node)
}

// ErrNotLeader is returned by drivers that can only originate broadcasts on
// one member; the caller forwards the payload to Leader().
var ErrNotLeader = errors.New("not the broadcast leader")

// Driver is the group-communication contract.
type Driver interface {
	// Join attaches this node and starts delivering events to h. The
	// join itself is delivered as a ViewChange, ordered like any event.
	Join(self types.Node, h Handler) error

	// Leave detaches this node.
	Leave() error

	// Notify broadcasts payload to every live member, self included, with
	// total-order delivery.
	Notify(payload []byte) error

	// UpdateNode re-announces this node with changed attributes (e.g.
	// capacity); members observe it as a ViewChange.
	UpdateNode(n types.Node) error

	// Leader reports where Notify must be sent when ErrNotLeader is
	// returned. Drivers without a leader return "".
	Leader() string

	// Shutdown releases driver resources without announcing a leave.
	Shutdown() error
}

// Factory builds a driver from the daemon data directory and a
// driver-specific address.
type Factory func(dataDir, addr string) (Driver, error)

var (
	driversMu sync.Mutex
	drivers   = map[string]Factory{}
)

// Register adds a driver under name.
func Register(name string, f Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = f
}

// New instantiates a registered driver.
func New(name, dataDir, addr string) (Driver, error) {
	driversMu.Lock()
	f := drivers[name]
	driversMu.Unlock()
	if f == nil {
		return nil, errors.New("unknown cluster driver: " + name)
	}
	return f(dataDir, addr)
}
