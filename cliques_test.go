package blockclique

import (
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/require"
)

func testBlockID(b byte) BlockID {
	var id BlockID
	id[0] = b
	return id
}

func TestComputeMaxCliques(t *testing.T) {
	require := require.New(t)

	a, b, c, d := testBlockID(1), testBlockID(2), testBlockID(3), testBlockID(4)
	vertices := mapset.NewThreadUnsafeSet(a, b, c, d)

	// everything compatible
	cliques := computeMaxCliques(vertices, map[BlockID]mapset.Set[BlockID]{})
	require.Len(cliques, 1)
	require.True(cliques[0].Equal(vertices))

	// a and b conflict, so do c and d
	incompatible := map[BlockID]mapset.Set[BlockID]{
		a: mapset.NewThreadUnsafeSet(b),
		b: mapset.NewThreadUnsafeSet(a),
		c: mapset.NewThreadUnsafeSet(d),
		d: mapset.NewThreadUnsafeSet(c),
	}
	cliques = computeMaxCliques(vertices, incompatible)
	require.Len(cliques, 4)
	expected := []mapset.Set[BlockID]{
		mapset.NewThreadUnsafeSet(a, c),
		mapset.NewThreadUnsafeSet(a, d),
		mapset.NewThreadUnsafeSet(b, c),
		mapset.NewThreadUnsafeSet(b, d),
	}
	for _, e := range expected {
		found := false
		for _, c := range cliques {
			if c.Equal(e) {
				found = true
			}
		}
		require.True(found, "missing clique %v", e)
	}

	// no vertices is one empty clique
	cliques = computeMaxCliques(mapset.NewThreadUnsafeSet[BlockID](), nil)
	require.Len(cliques, 1)
	require.Equal(0, cliques[0].Cardinality())
}

func TestSelectBlockclique(t *testing.T) {
	require := require.New(t)

	low := &Clique{Blocks: mapset.NewThreadUnsafeSet(testBlockID(1)), Fitness: 3}
	high := &Clique{Blocks: mapset.NewThreadUnsafeSet(testBlockID(2)), Fitness: 5}
	require.Equal(1, selectBlockclique([]*Clique{low, high}))

	// equal fitness goes to the lowest block IDs
	tiedLow := &Clique{Blocks: mapset.NewThreadUnsafeSet(testBlockID(1), testBlockID(9)), Fitness: 5}
	require.Equal(1, selectBlockclique([]*Clique{high, tiedLow}))
	require.Equal(0, selectBlockclique([]*Clique{tiedLow, high}))
}
