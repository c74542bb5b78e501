// Package placement computes which nodes hold the replicas of an object.
// Every node builds the same view from the same membership, so placement is
// a pure function of (epoch membership, oid).
package placement

import (
	"hash/fnv"
	"sort"
	"strconv"

	"github.com/google/btree"

	"github.com/collie-store/collie/pkg/types"
)

const (
	// vnodes per node before capacity weighting.
	baseVnodes = 128
	// weighting granularity: one extra vnode per this many bytes.
	spacePerVnode = 1 << 32 // 4 GiB
	maxVnodes     = 1024
)

type vnode struct {
	hash uint64
	node types.Node
}

// View is an immutable placement snapshot for one epoch.
type View struct {
	Epoch uint32

	tree  *btree.BTreeG[types.Node]
	ring  []vnode
	zones map[uint32]struct{}
}

// NewView builds the vnode ring for the given membership. The node set is
// kept in an ordered tree keyed by node identity; that ordering feeds the
// ring construction and must stay stable across all nodes.
func NewView(epoch uint32, nodes []types.Node) *View {
	v := &View{
		Epoch: epoch,
		tree:  btree.NewG(8, types.Node.Less),
		zones: make(map[uint32]struct{}),
	}
	for _, n := range nodes {
		v.tree.ReplaceOrInsert(n)
		v.zones[n.Zone] = struct{}{}
	}
	v.tree.Ascend(func(n types.Node) bool {
		for i := 0; i < vnodeCount(n); i++ {
			v.ring = append(v.ring, vnode{hash: vnodeHash(n.ID, i), node: n})
		}
		return true
	})
	sort.Slice(v.ring, func(i, j int) bool { return v.ring[i].hash < v.ring[j].hash })
	return v
}

func vnodeCount(n types.Node) int {
	c := baseVnodes + int(n.Space/spacePerVnode)
	if c > maxVnodes {
		c = maxVnodes
	}
	return c
}

// mix64 is the murmur3 finalizer. FNV alone scatters the near-identical
// "id-i" vnode keys poorly, which would break the proportionality between
// vnode count and ring coverage that capacity weighting depends on.
func mix64(h uint64) uint64 {
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}

func vnodeHash(id string, i int) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	h.Write([]byte("-"))
	h.Write([]byte(strconv.Itoa(i)))
	return mix64(h.Sum64())
}

func oidHash(oid types.ObjectID) uint64 {
	h := fnv.New64a()
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(oid >> (8 * i))
	}
	h.Write(b[:])
	return mix64(h.Sum64())
}

// Len returns the number of member nodes.
func (v *View) Len() int { return v.tree.Len() }

// NumZones returns the number of distinct failure zones.
func (v *View) NumZones() int { return len(v.zones) }

// Nodes returns the membership in identity order.
func (v *View) Nodes() []types.Node {
	out := make([]types.Node, 0, v.tree.Len())
	v.tree.Ascend(func(n types.Node) bool {
		out = append(out, n)
		return true
	})
	return out
}

// Contains reports whether the node id is a member of this view.
func (v *View) Contains(id string) bool {
	_, ok := v.tree.Get(types.Node{ID: id})
	return ok
}

// Replicas returns the nodes responsible for oid, at most copies entries.
// When the view spans at least copies zones the replicas land in distinct
// zones, otherwise on distinct nodes.
func (v *View) Replicas(oid types.ObjectID, copies int) []types.Node {
	if len(v.ring) == 0 || copies <= 0 {
		return nil
	}
	if copies > v.Len() {
		copies = v.Len()
	}
	byZone := v.NumZones() >= copies

	start := sort.Search(len(v.ring), func(i int) bool {
		return v.ring[i].hash >= oidHash(oid)
	})

	out := make([]types.Node, 0, copies)
	seenNode := make(map[string]struct{})
	seenZone := make(map[uint32]struct{})
	for i := 0; i < len(v.ring) && len(out) < copies; i++ {
		n := v.ring[(start+i)%len(v.ring)].node
		if _, dup := seenNode[n.ID]; dup {
			continue
		}
		if byZone {
			if _, dup := seenZone[n.Zone]; dup {
				continue
			}
		}
		seenNode[n.ID] = struct{}{}
		seenZone[n.Zone] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Primary returns the first replica holder for oid.
func (v *View) Primary(oid types.ObjectID, copies int) (types.Node, bool) {
	r := v.Replicas(oid, copies)
	if len(r) == 0 {
		return types.Node{}, false
	}
	return r[0], true
}

// Equal reports whether two views contain the same node identities.
func (v *View) Equal(other *View) bool {
	if other == nil || v.Len() != other.Len() {
		return false
	}
	equal := true
	v.tree.Ascend(func(n types.Node) bool {
		if !other.Contains(n.ID) {
			equal = false
			return false
		}
		return true
	})
	return equal
}
