// Package cluster routes a user's traffic to the single node that owns the
// user's actor. Ownership is a consistent-hash ring over the current member
// set; membership comes from a discovery collaborator and is re-read on
// every change. Placement is cooperative: duplicates that appear during a
// transition are resolved by conflict-killing every actor whose home moved.
package cluster

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Node is one cluster member.
type Node struct {
	ID   string
	Addr string
}

const defaultVirtualNodes = 64

// Ring is an immutable consistent-hash ring. Build a new one on every
// membership change; readers hold a pointer and never see partial updates.
type Ring struct {
	points []ringPoint
	nodes  []Node
}

type ringPoint struct {
	hash uint64
	node Node
}

// NewRing places vnodes points per member on the hash circle. Hash ties are
// broken toward the lexically lowest node id, so every ring built from the
// same member set makes identical placement decisions.
func NewRing(nodes []Node, vnodes int) *Ring {
	if vnodes <= 0 {
		vnodes = defaultVirtualNodes
	}
	r := &Ring{nodes: append([]Node(nil), nodes...)}
	sort.Slice(r.nodes, func(i, j int) bool { return r.nodes[i].ID < r.nodes[j].ID })

	seen := make(map[uint64]int, len(nodes)*vnodes)
	for _, n := range r.nodes {
		for v := 0; v < vnodes; v++ {
			h := xxhash.Sum64String(fmt.Sprintf("%s#%d", n.ID, v))
			if idx, dup := seen[h]; dup {
				if n.ID < r.points[idx].node.ID {
					r.points[idx].node = n
				}
				continue
			}
			seen[h] = len(r.points)
			r.points = append(r.points, ringPoint{hash: h, node: n})
		}
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i].hash < r.points[j].hash })
	return r
}

// Owner returns the home node for a key: the ring successor of hash(key).
// ok is false on an empty ring.
func (r *Ring) Owner(key string) (Node, bool) {
	if len(r.points) == 0 {
		return Node{}, false
	}
	h := xxhash.Sum64String(key)
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if i == len(r.points) {
		i = 0
	}
	return r.points[i].node, true
}

// Nodes returns the member set, sorted by id.
func (r *Ring) Nodes() []Node {
	return append([]Node(nil), r.nodes...)
}

// Version fingerprints the member set so snapshots can be deduplicated.
func (r *Ring) Version() uint64 {
	d := xxhash.New()
	for _, n := range r.nodes {
		_, _ = d.WriteString(n.ID)
		_, _ = d.WriteString("=")
		_, _ = d.WriteString(n.Addr)
		_, _ = d.WriteString(";")
	}
	return d.Sum64()
}
