package types

import (
	"fmt"

	"github.com/collie-store/collie/pkg/status"
)

// VolumeID identifies one VDI or snapshot instance. It is unique per
// creation event and never reused while referenced.
type VolumeID uint32

// ObjectID identifies one fixed-size data object in the store. The top bit
// marks inode objects, the next 32 bits carry the volume id and the low 24
// bits the data-object index.
type ObjectID uint64

const (
	// ObjectSize is the fixed size of every data object (4 MiB).
	ObjectSizeShift = 22
	ObjectSize      = uint64(1) << ObjectSizeShift

	indexBits = 24
	indexMask = ObjectID(1)<<indexBits - 1

	inodeFlag = ObjectID(1) << 63

	// MaxVdiSize is bounded by the 24-bit index space.
	MaxVdiSize = ObjectSize << indexBits

	// MaxNameLen bounds VDI names and snapshot tags.
	MaxNameLen = 255

	// DefaultCopies is the replica count used when a request does not
	// specify a redundancy scheme.
	DefaultCopies = 3

	// MaxNodes bounds the membership a single cluster may reach.
	MaxNodes = 1024
)

// DataObjectID composes the object id of data object idx of volume vid.
func DataObjectID(vid VolumeID, idx uint32) ObjectID {
	return ObjectID(vid)<<indexBits | ObjectID(idx)&indexMask
}

// InodeObjectID composes the object id of the inode object of volume vid.
func InodeObjectID(vid VolumeID) ObjectID {
	return inodeFlag | ObjectID(vid)<<indexBits
}

// Volume extracts the volume id an object belongs to.
func (oid ObjectID) Volume() VolumeID {
	return VolumeID(oid &^ inodeFlag >> indexBits)
}

// Index extracts the data-object index.
func (oid ObjectID) Index() uint32 {
	return uint32(oid & indexMask)
}

// IsInode reports whether oid addresses an inode object.
func (oid ObjectID) IsInode() bool {
	return oid&inodeFlag != 0
}

func (oid ObjectID) String() string {
	return fmt.Sprintf("%016x", uint64(oid))
}

// NodeStatus represents a member's state inside a view.
type NodeStatus string

const (
	NodeStatusRunning NodeStatus = "running"
	NodeStatusRecover NodeStatus = "recover"
	NodeStatusGone    NodeStatus = "gone"
)

// Node identifies one storage daemon. ID ordering determines replica
// placement, so it must be stable across the cluster.
type Node struct {
	ID     string     `json:"id"`
	Addr   string     `json:"addr"`
	Zone   uint32     `json:"zone"`
	Space  uint64     `json:"space"`
	Status NodeStatus `json:"status,omitempty"`
}

// Less orders nodes by identity. Placement determinism depends on every
// node sorting membership the same way.
func (n Node) Less(other Node) bool {
	return n.ID < other.ID
}

func (n Node) String() string {
	return n.ID + "/" + n.Addr
}

// ClusterStatus is the node-local view of the cluster state machine.
type ClusterStatus uint8

const (
	StatusWaitForFormat ClusterStatus = iota
	StatusWaitForJoin
	StatusOK
	StatusShutdown
	StatusKilled
)

func (s ClusterStatus) String() string {
	switch s {
	case StatusWaitForFormat:
		return "waiting for format"
	case StatusWaitForJoin:
		return "waiting for join"
	case StatusOK:
		return "running"
	case StatusShutdown:
		return "shutdown"
	case StatusKilled:
		return "killed"
	}
	return "invalid"
}

// Code maps the status to the result code reported to clients that probe a
// cluster which is not operational.
func (s ClusterStatus) Code() status.Code {
	switch s {
	case StatusWaitForFormat:
		return status.WaitForFormat
	case StatusWaitForJoin:
		return status.WaitForJoin
	case StatusShutdown:
		return status.Shutdown
	case StatusKilled:
		return status.Killed
	default:
		return status.Success
	}
}

// ClusterInfo is the replicated cluster configuration. Every field here is
// either set at format time or advanced through CLUSTER operations, so all
// nodes converge on identical contents.
type ClusterInfo struct {
	Ctime      int64  `json:"ctime"`
	Epoch      uint32 `json:"epoch"`
	Copies     uint8  `json:"copies"`
	CopyPolicy uint8  `json:"copy_policy"`
	Store      string `json:"store"`
}

// Formatted reports whether the cluster has ever been formatted.
func (c ClusterInfo) Formatted() bool {
	return c.Ctime != 0
}

// RecoveryState is returned by the STAT_RECOVERY operation.
type RecoveryState struct {
	Running   bool   `json:"running"`
	Epoch     uint32 `json:"epoch"`
	Total     uint64 `json:"total"`
	Recovered uint64 `json:"recovered"`
}

// EpochLogEntry records the membership accepted at one epoch.
type EpochLogEntry struct {
	Epoch uint32 `json:"epoch"`
	Time  int64  `json:"time"`
	Nodes []Node `json:"nodes"`
}
