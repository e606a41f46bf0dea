package mesh

import (
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/dropmesh/dropmesh/interfaces"
)

const (
	// DefaultNodeTTL is how long an observed node stays a candidate
	// without a fresh beacon.
	DefaultNodeTTL = 2 * time.Minute

	// DefaultDemoteWindow is the cool-down during which aborts against a
	// node push it to the back of the candidate ranking.
	DefaultDemoteWindow = 5 * time.Minute

	// demoteThreshold is how many aborts within the window demote a node.
	demoteThreshold = 2
)

// NodeTable holds peers observed during discovery. Entries expire on
// their own when beacons stop arriving; identity is the ephemeral key
// only, so an expired entry and a rotated peer are indistinguishable by
// construction.
type NodeTable struct {
	nodes   *gocache.Cache
	demoted *gocache.Cache
}

// NewNodeTable creates a table with the given beacon TTL and abort
// cool-down window.
func NewNodeTable(nodeTTL, demoteWindow time.Duration) *NodeTable {
	if nodeTTL <= 0 {
		nodeTTL = DefaultNodeTTL
	}
	if demoteWindow <= 0 {
		demoteWindow = DefaultDemoteWindow
	}
	return &NodeTable{
		nodes:   gocache.New(nodeTTL, nodeTTL),
		demoted: gocache.New(demoteWindow, demoteWindow),
	}
}

// Observe records or refreshes a node from a capacity beacon.
func (t *NodeTable) Observe(node interfaces.MeshNode) {
	t.nodes.SetDefault(node.Key.String(), node)
}

// Touch updates the latency estimate for a known node.
func (t *NodeTable) Touch(key interfaces.NodeKey, latency time.Duration) {
	if v, ok := t.nodes.Get(key.String()); ok {
		node := v.(interfaces.MeshNode)
		node.Latency = latency
		t.nodes.SetDefault(key.String(), node)
	}
}

// Demote records an aborted session against a node. Nodes that
// accumulate aborts within the cool-down window rank behind every
// healthy candidate.
func (t *NodeTable) Demote(key interfaces.NodeKey) {
	k := key.String()
	if err := t.demoted.Increment(k, 1); err != nil {
		t.demoted.SetDefault(k, int(1))
	}
}

// Forget drops a node from the table immediately.
func (t *NodeTable) Forget(key interfaces.NodeKey) {
	t.nodes.Delete(key.String())
}

// Len returns the number of live candidates.
func (t *NodeTable) Len() int {
	return t.nodes.ItemCount()
}

// Candidates returns live nodes ranked for dispatch: demoted nodes
// last, then most recently seen, then highest capacity, ties broken by
// smallest latency estimate.
func (t *NodeTable) Candidates() []interfaces.MeshNode {
	items := t.nodes.Items()
	out := make([]interfaces.MeshNode, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(interfaces.MeshNode))
	}

	sort.Slice(out, func(i, j int) bool {
		di, dj := t.isDemoted(out[i].Key), t.isDemoted(out[j].Key)
		if di != dj {
			return !di
		}
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		if out[i].Capacity != out[j].Capacity {
			return out[i].Capacity > out[j].Capacity
		}
		return out[i].Latency < out[j].Latency
	})
	return out
}

func (t *NodeTable) isDemoted(key interfaces.NodeKey) bool {
	v, ok := t.demoted.Get(key.String())
	return ok && v.(int) >= demoteThreshold
}
