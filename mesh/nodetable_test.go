package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropmesh/dropmesh/interfaces"
)

func nodeWithKey(b byte, seen time.Time, capacity int, latency time.Duration) interfaces.MeshNode {
	var key interfaces.NodeKey
	key[0] = b
	return interfaces.MeshNode{Key: key, LastSeen: seen, Capacity: capacity, Latency: latency}
}

func TestNodeTableRanking(t *testing.T) {
	table := NewNodeTable(time.Minute, time.Minute)
	now := time.Now()

	stale := nodeWithKey(1, now.Add(-30*time.Second), 10, 5*time.Millisecond)
	freshSmall := nodeWithKey(2, now, 2, 5*time.Millisecond)
	freshBig := nodeWithKey(3, now, 8, 5*time.Millisecond)
	freshBigSlow := nodeWithKey(4, now, 8, 50*time.Millisecond)

	table.Observe(stale)
	table.Observe(freshSmall)
	table.Observe(freshBigSlow)
	table.Observe(freshBig)

	ranked := table.Candidates()
	require.Len(t, ranked, 4)
	assert.Equal(t, freshBig.Key, ranked[0].Key, "fresh, high-capacity, low-latency node ranks first")
	assert.Equal(t, freshBigSlow.Key, ranked[1].Key, "latency breaks the capacity tie")
	assert.Equal(t, freshSmall.Key, ranked[2].Key, "recency outranks capacity")
	assert.Equal(t, stale.Key, ranked[3].Key, "stale node ranks last")
}

func TestNodeTableDemotion(t *testing.T) {
	table := NewNodeTable(time.Minute, time.Minute)
	now := time.Now()

	good := nodeWithKey(1, now.Add(-10*time.Second), 4, 0)
	flaky := nodeWithKey(2, now, 10, 0)
	table.Observe(good)
	table.Observe(flaky)

	require.Equal(t, flaky.Key, table.Candidates()[0].Key, "flaky node initially ranks first")

	// One abort is not enough to demote.
	table.Demote(flaky.Key)
	assert.Equal(t, flaky.Key, table.Candidates()[0].Key, "a single abort does not demote")

	table.Demote(flaky.Key)
	ranked := table.Candidates()
	assert.Equal(t, good.Key, ranked[0].Key, "repeated aborts demote the node")
	assert.Equal(t, flaky.Key, ranked[1].Key, "demoted node stays listed, ranked last")
}

func TestNodeTableExpiry(t *testing.T) {
	table := NewNodeTable(30*time.Millisecond, time.Minute)
	table.Observe(nodeWithKey(1, time.Now(), 4, 0))
	require.Equal(t, 1, table.Len())

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, table.Candidates(), "nodes expire without fresh beacons")
}
