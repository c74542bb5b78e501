package types

// Opcode identifies one request type. The numeric values are part of the
// wire contract between nodes and must not be reordered.
type Opcode uint8

const (
	OpNop Opcode = iota

	// non-queued
	OpGetNodeID

	// cluster operations
	OpNewVDI
	OpDelVDI
	OpMakeFS
	OpShutdown
	OpForceRecover
	OpCompleteRecovery
	OpNotifyVDIAdd
	OpGetVDIInfo
	OpAlterClusterCopies
	OpReweight

	// local operations
	OpStatCluster
	OpStatNode
	OpStatRecovery
	OpGetNodeList
	OpReadVDIs
	OpGetEpoch
	OpGetLogLevel
	OpSetLogLevel
	OpKillNode
	OpMediaPlug
	OpMediaUnplug
	OpMediaInfo
	OpOidExist
	OpClusterInfo
	OpDiscardObj

	// gateway I/O operations
	OpReadObj
	OpWriteObj
	OpCreateAndWriteObj
	OpRemoveObj

	// peer I/O operations
	OpReadPeer
	OpWritePeer
	OpCreateAndWritePeer
	OpRemovePeer
	OpGetObjList
)

// Request flags.
const (
	FlagCmdWrite    uint32 = 1 << 0
	FlagCmdCow      uint32 = 1 << 1
	FlagCmdSnapshot uint32 = 1 << 2
)

// Request is the header every operation carries. Unused fields stay at
// their zero value; Data is the variable-length payload.
type Request struct {
	Op     Opcode   `json:"op"`
	Epoch  uint32   `json:"epoch,omitempty"`
	Flags  uint32   `json:"flags,omitempty"`
	Oid    ObjectID `json:"oid,omitempty"`
	CowOid ObjectID `json:"cow_oid,omitempty"`
	Offset uint64   `json:"offset,omitempty"`
	Length uint64   `json:"length,omitempty"`

	// VDI operation fields.
	Name       string   `json:"name,omitempty"`
	Tag        string   `json:"tag,omitempty"`
	Base       VolumeID `json:"base,omitempty"`
	SnapID     uint32   `json:"snap_id,omitempty"`
	Size       uint64   `json:"size,omitempty"`
	Copies     uint8    `json:"copies,omitempty"`
	CopyPolicy uint8    `json:"copy_policy,omitempty"`

	// Administrative fields.
	Ctime int64    `json:"ctime,omitempty"`
	Level string   `json:"level,omitempty"`
	Paths []string `json:"paths,omitempty"`

	Data []byte `json:"data,omitempty"`
}

// Response mirrors Request on the way back.
type Response struct {
	Result uint8    `json:"result"`
	Epoch  uint32   `json:"epoch,omitempty"`
	Vid    VolumeID `json:"vid,omitempty"`
	Copies uint8    `json:"copies,omitempty"`
	Level  string   `json:"level,omitempty"`
	Nodes  []Node   `json:"nodes,omitempty"`
	Data   []byte   `json:"data,omitempty"`
}
