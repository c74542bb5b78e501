package placement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collie-store/collie/pkg/types"
)

func testNodes(zones bool) []types.Node {
	zone := func(i uint32) uint32 {
		if zones {
			return i
		}
		return 0
	}
	return []types.Node{
		{ID: "node-a", Addr: "10.0.0.1:7000", Zone: zone(0), Space: 100 << 30},
		{ID: "node-b", Addr: "10.0.0.2:7000", Zone: zone(1), Space: 100 << 30},
		{ID: "node-c", Addr: "10.0.0.3:7000", Zone: zone(2), Space: 100 << 30},
		{ID: "node-d", Addr: "10.0.0.4:7000", Zone: zone(3), Space: 100 << 30},
	}
}

func TestReplicasDeterministic(t *testing.T) {
	nodes := testNodes(true)
	v1 := NewView(1, nodes)
	// Same membership presented in a different order.
	shuffled := []types.Node{nodes[2], nodes[0], nodes[3], nodes[1]}
	v2 := NewView(1, shuffled)

	for i := uint32(0); i < 200; i++ {
		oid := types.DataObjectID(7, i)
		assert.Equal(t, v1.Replicas(oid, 3), v2.Replicas(oid, 3), "oid %s", oid)
	}
}

func TestReplicasDistinct(t *testing.T) {
	tests := []struct {
		name  string
		zones bool
	}{
		{"distinct zones", true},
		{"single zone falls back to distinct nodes", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewView(1, testNodes(tt.zones))
			for i := uint32(0); i < 100; i++ {
				r := v.Replicas(types.DataObjectID(3, i), 3)
				require.Len(t, r, 3)
				seenNode := map[string]bool{}
				seenZone := map[uint32]bool{}
				for _, n := range r {
					assert.False(t, seenNode[n.ID], "duplicate node")
					seenNode[n.ID] = true
					if tt.zones {
						assert.False(t, seenZone[n.Zone], "duplicate zone")
						seenZone[n.Zone] = true
					}
				}
			}
		})
	}
}

func TestReplicasClampedToMembership(t *testing.T) {
	v := NewView(1, testNodes(true)[:2])
	r := v.Replicas(types.DataObjectID(1, 1), 3)
	assert.Len(t, r, 2)
}

func TestEmptyView(t *testing.T) {
	v := NewView(0, nil)
	assert.Nil(t, v.Replicas(types.DataObjectID(1, 0), 3))
	assert.Equal(t, 0, v.Len())
	_, ok := v.Primary(types.DataObjectID(1, 0), 3)
	assert.False(t, ok)
}

func TestCapacityWeighting(t *testing.T) {
	nodes := []types.Node{
		{ID: "big", Zone: 0, Space: 1 << 40},
		{ID: "small", Zone: 1, Space: 1 << 30},
	}
	v := NewView(1, nodes)

	counts := map[string]int{}
	for i := uint32(0); i < 5000; i++ {
		n, ok := v.Primary(types.DataObjectID(1, i), 1)
		require.True(t, ok)
		counts[n.ID]++
	}
	assert.Greater(t, counts["big"], counts["small"])
}

func TestViewEqual(t *testing.T) {
	nodes := testNodes(true)
	assert.True(t, NewView(1, nodes).Equal(NewView(2, nodes)))
	assert.False(t, NewView(1, nodes).Equal(NewView(1, nodes[:3])))
	assert.False(t, NewView(1, nodes).Equal(nil))
}

func TestContains(t *testing.T) {
	v := NewView(1, testNodes(true))
	assert.True(t, v.Contains("node-a"))
	assert.False(t, v.Contains("node-z"))
}
