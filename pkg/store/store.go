// Package store defines the object store driver contract the rest of the
// daemon consumes. Drivers persist fixed-size objects keyed by object id;
// everything above this layer is driver-agnostic.
package store

import (
	"sort"
	"sync"

	"github.com/collie-store/collie/pkg/status"
	"github.com/collie-store/collie/pkg/types"
)

// IOCB carries one object-level I/O: the epoch it happens under, the
// intra-object offset and the buffer to fill or flush.
type IOCB struct {
	Epoch  uint32
	Offset uint64
	Buf    []byte
}

// Driver is the backend contract. All methods return a result code from the
// shared taxonomy so failures propagate to clients unchanged.
type Driver interface {
	Name() string

	// Init prepares an existing store for use; Format wipes it.
	Init() status.Code
	Format() status.Code

	Exist(oid types.ObjectID) bool
	Read(oid types.ObjectID, iocb *IOCB) status.Code
	Write(oid types.ObjectID, iocb *IOCB) status.Code
	CreateAndWrite(oid types.ObjectID, iocb *IOCB) status.Code
	Remove(oid types.ObjectID) status.Code

	// List enumerates every object the driver holds, for recovery.
	List() ([]types.ObjectID, error)

	// Used reports bytes consumed by the driver's objects.
	Used() uint64

	// Stash moves an object to the stale area, where it survives until
	// Cleanup but is invisible to normal reads.
	Stash(oid types.ObjectID, epoch uint32) status.Code

	// Cleanup purges objects stashed away by previous epochs. Called once
	// per epoch after every node reports recovered.
	Cleanup() status.Code
}

var (
	driversMu sync.Mutex
	drivers   = map[string]func(dir string) Driver{}
)

// Register makes a driver constructor available under name. Drivers
// register from init, mirroring how backends self-register in a list.
func Register(name string, factory func(dir string) Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = factory
}

// Find resolves a registered driver factory, or nil.
func Find(name string) func(dir string) Driver {
	driversMu.Lock()
	defer driversMu.Unlock()
	return drivers[name]
}

// Names lists registered drivers in stable order.
func Names() []string {
	driversMu.Lock()
	defer driversMu.Unlock()
	out := make([]string, 0, len(drivers))
	for name := range drivers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
