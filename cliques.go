package blockclique

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// Clique is a maximal set of mutually compatible non-final blocks.
type Clique struct {
	Blocks        mapset.Set[BlockID]
	Fitness       uint64
	IsBlockclique bool
}

// SortedBlocks returns the clique's block IDs in ascending order.
func (c *Clique) SortedBlocks() []BlockID {
	ids := c.Blocks.ToSlice()
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
	return ids
}

// computeMaxCliques returns the maximal independent sets of the incompatibility graph over
// vertices, i.e. the maximal cliques of its complement, using Bron–Kerbosch with pivoting.
func computeMaxCliques(vertices mapset.Set[BlockID], incompatible map[BlockID]mapset.Set[BlockID]) []mapset.Set[BlockID] {
	if vertices.Cardinality() == 0 {
		return []mapset.Set[BlockID]{mapset.NewThreadUnsafeSet[BlockID]()}
	}

	compatible := make(map[BlockID]mapset.Set[BlockID], vertices.Cardinality())
	vertices.Each(func(v BlockID) bool {
		n := vertices.Clone()
		n.Remove(v)
		if gi, ok := incompatible[v]; ok {
			n = n.Difference(gi)
		}
		compatible[v] = n
		return false
	})

	var out []mapset.Set[BlockID]
	bronKerbosch(mapset.NewThreadUnsafeSet[BlockID](), vertices.Clone(), mapset.NewThreadUnsafeSet[BlockID](),
		compatible, &out)
	return out
}

func bronKerbosch(r, p, x mapset.Set[BlockID], neighbors map[BlockID]mapset.Set[BlockID],
	out *[]mapset.Set[BlockID]) {

	if p.Cardinality() == 0 {
		if x.Cardinality() == 0 {
			*out = append(*out, r.Clone())
		}
		return
	}

	// pivot on the vertex of p ∪ x with the most neighbors in p. ties go to the lowest ID
	var pivot BlockID
	best := -1
	p.Union(x).Each(func(u BlockID) bool {
		n := p.Intersect(neighbors[u]).Cardinality()
		if n > best || (n == best && u.Compare(pivot) < 0) {
			best, pivot = n, u
		}
		return false
	})

	candidates := p.Difference(neighbors[pivot]).ToSlice()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Compare(candidates[j]) < 0 })
	for _, v := range candidates {
		nv := neighbors[v]
		r2 := r.Clone()
		r2.Add(v)
		bronKerbosch(r2, p.Intersect(nv), x.Intersect(nv), neighbors, out)
		p.Remove(v)
		x.Add(v)
	}
}

// selectBlockclique returns the index of the highest fitness clique. Ties are broken by the
// lexicographically lowest sorted list of block IDs.
func selectBlockclique(cliques []*Clique) int {
	best := 0
	var bestIDs []BlockID
	for i, c := range cliques {
		if i == 0 {
			bestIDs = c.SortedBlocks()
			continue
		}
		if c.Fitness < cliques[best].Fitness {
			continue
		}
		ids := c.SortedBlocks()
		if c.Fitness > cliques[best].Fitness || compareIDLists(ids, bestIDs) < 0 {
			best, bestIDs = i, ids
		}
	}
	return best
}

func compareIDLists(a, b []BlockID) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := a[i].Compare(b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}
