package blockclique

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sort"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/sha3"
)

// DrawSource provides the frozen roll distribution and seed a cycle's draws depend on.
type DrawSource interface {
	LookbackState(cycle uint64) (map[Address]uint64, Hash, error)
}

// Selection is the draw of one slot: the producer and the endorsers in index order.
type Selection struct {
	Producer  Address   `json:"producer"`
	Endorsers []Address `json:"endorsers"`
}

// SlotSelection pairs a slot with its draw.
type SlotSelection struct {
	Slot      Slot       `json:"slot"`
	Selection *Selection `json:"selection"`
}

// Selector computes and caches proof-of-stake draws. Draws are a pure function of the
// lookback cycle's rolls and seed, so cached entries are never invalidated by new blocks.
type Selector struct {
	cfg     *Config
	source  DrawSource
	genesis Address
	cache   *lru.Cache // cycle -> []*Selection
}

// NewSelector returns a new Selector.
func NewSelector(cfg *Config, source DrawSource) (*Selector, error) {
	cache, err := lru.New(cfg.PosDrawCachedCycle)
	if err != nil {
		return nil, err
	}
	return &Selector{
		cfg:     cfg,
		source:  source,
		genesis: cfg.GenesisAddress(),
		cache:   cache,
	}, nil
}

// DrawForSlot returns the producer and endorsers of a slot.
func (s *Selector) DrawForSlot(slot Slot) (*Selection, error) {
	if slot.Thread >= s.cfg.ThreadCount {
		return nil, fmt.Errorf("%w: thread %d out of range", ErrValidation, slot.Thread)
	}
	cycle := slot.Cycle(s.cfg.PeriodsPerCycle)
	draws, err := s.cycleDraws(cycle)
	if err != nil {
		return nil, err
	}
	return draws[s.slotIndex(cycle, slot)], nil
}

// GetSelectionDraws returns the draws of every slot in [start, end).
func (s *Selector) GetSelectionDraws(start, end Slot) ([]SlotSelection, error) {
	var out []SlotSelection
	for cur := start; cur.Before(end); {
		sel, err := s.DrawForSlot(cur)
		if err != nil {
			return nil, err
		}
		out = append(out, SlotSelection{Slot: cur, Selection: sel})
		next, err := cur.NextSlot(s.cfg.ThreadCount)
		if err != nil {
			break
		}
		cur = next
	}
	return out, nil
}

// Purge drops every cached draw. Used when the PoS state is replaced wholesale.
func (s *Selector) Purge() {
	s.cache.Purge()
}

// CachedCycles returns the number of cycles held in the cache.
func (s *Selector) CachedCycles() int {
	return s.cache.Len()
}

func (s *Selector) slotIndex(cycle uint64, slot Slot) int {
	offset := slot.Period - cycle*s.cfg.PeriodsPerCycle
	return int(offset)*int(s.cfg.ThreadCount) + int(slot.Thread)
}

func (s *Selector) cycleDraws(cycle uint64) ([]*Selection, error) {
	if cached, ok := s.cache.Get(cycle); ok {
		return cached.([]*Selection), nil
	}
	rolls, seed, err := s.source.LookbackState(cycle)
	if err != nil {
		return nil, err
	}
	draws, err := computeCycleDraws(s.cfg, s.genesis, cycle, rolls, seed)
	if err != nil {
		return nil, err
	}
	// concurrent misses compute identical draws so the race is harmless
	s.cache.Add(cycle, draws)
	return draws, nil
}

// computeCycleDraws draws every slot of a cycle. Roll owners are ordered by address and each
// draw picks a roll uniformly with a ChaCha8 stream keyed by the lookback seed and the cycle.
func computeCycleDraws(cfg *Config, genesis Address, cycle uint64,
	rolls map[Address]uint64, seed Hash) ([]*Selection, error) {

	owners := make([]Address, 0, len(rolls))
	for addr, n := range rolls {
		if n != 0 {
			owners = append(owners, addr)
		}
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i].Compare(owners[j]) < 0 })

	cumulative := make([]uint64, len(owners))
	var total uint64
	for i, addr := range owners {
		total += rolls[addr]
		cumulative[i] = total
	}

	slots := int(cfg.PeriodsPerCycle) * int(cfg.ThreadCount)
	draws := make([]*Selection, slots)
	firstPeriod := cycle * cfg.PeriodsPerCycle

	var cycleBytes [8]byte
	binary.BigEndian.PutUint64(cycleBytes[:], cycle)
	hasher := sha3.New256()
	hasher.Write(seed[:])
	hasher.Write(cycleBytes[:])
	var key [32]byte
	copy(key[:], hasher.Sum(nil))
	rng := rand.New(rand.NewChaCha8(key))

	pick := func() Address {
		x := rng.Uint64N(total)
		i := sort.Search(len(cumulative), func(i int) bool { return cumulative[i] > x })
		return owners[i]
	}

	for i := 0; i < slots; i++ {
		period := firstPeriod + uint64(i/int(cfg.ThreadCount))
		sel := &Selection{Endorsers: make([]Address, cfg.EndorsementCount)}
		if period == 0 {
			sel.Producer = genesis
			for j := range sel.Endorsers {
				sel.Endorsers[j] = genesis
			}
			draws[i] = sel
			continue
		}
		if total == 0 {
			return nil, fmt.Errorf("%w: no rolls to draw cycle %d from", ErrDrawUnavailable, cycle)
		}
		sel.Producer = pick()
		for j := range sel.Endorsers {
			sel.Endorsers[j] = pick()
		}
		draws[i] = sel
	}
	return draws, nil
}
