package blockclique

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/crypto/sha3"
)

// ProductionStats counts produced and missed slots of an address within a cycle.
type ProductionStats struct {
	OK  uint64 `json:"ok"`
	NOK uint64 `json:"nok"`
}

// MissRate returns the ratio of missed slots.
func (s ProductionStats) MissRate() float64 {
	if s.OK+s.NOK == 0 {
		return 0
	}
	return float64(s.NOK) / float64(s.OK+s.NOK)
}

// CycleInfo is the proof-of-stake record of one cycle. Once Complete, Seed and RollCounts are
// frozen and draws of later cycles may depend on them.
type CycleInfo struct {
	Cycle           uint64                      `json:"cycle"`
	Complete        bool                        `json:"complete"`
	Seed            Hash                        `json:"seed"`
	RollCounts      map[Address]uint64          `json:"roll_counts,omitempty"`
	ProductionStats map[Address]ProductionStats `json:"production_stats"`
}

func (c *CycleInfo) clone() *CycleInfo {
	out := &CycleInfo{
		Cycle:           c.Cycle,
		Complete:        c.Complete,
		Seed:            c.Seed,
		ProductionStats: make(map[Address]ProductionStats, len(c.ProductionStats)),
	}
	if c.RollCounts != nil {
		out.RollCounts = copyRolls(c.RollCounts)
	}
	for addr, st := range c.ProductionStats {
		out.ProductionStats[addr] = st
	}
	return out
}

// PoSSnapshot is a serializable copy of the proof-of-stake state.
type PoSSnapshot struct {
	Rolls           map[Address]uint64            `json:"rolls"`
	Cycles          []*CycleInfo                  `json:"cycles"`
	DeferredCredits map[uint64]map[Address]uint64 `json:"deferred_credits"`
}

// Entries returns the number of address entries held by the snapshot.
func (s *PoSSnapshot) Entries() int {
	n := len(s.Rolls)
	for _, c := range s.Cycles {
		n += len(c.RollCounts) + len(c.ProductionStats)
	}
	for _, credits := range s.DeferredCredits {
		n += len(credits)
	}
	return n
}

// PoSState holds final roll ownership and the cycle history draws are computed from.
// It is mutated only by slot settlement and is safe for concurrent readers.
type PoSState struct {
	cfg          *Config
	initialRolls map[Address]uint64
	initialSeed  Hash
	lock         sync.RWMutex
	rolls        map[Address]uint64
	cycles       []*CycleInfo // ascending, only the last may be incomplete
	deferred     map[uint64]map[Address]uint64
}

// posSettlement is what settling a slot changed in the PoS state.
type posSettlement struct {
	credits       map[Address]uint64 // released deferred credits
	deactivated   []Address
	rolls         map[Address]uint64
	cycle         *CycleInfo
	placeholders  []*CycleInfo // complete cycles opened without being settled
	droppedCycles []uint64
	deferred      map[uint64]map[Address]uint64
}

// NewPoSState returns the PoS state resumed from a snapshot, or the genesis state if snapshot is nil.
func NewPoSState(cfg *Config, initialRolls map[Address]uint64, snapshot *PoSSnapshot) *PoSState {
	p := &PoSState{
		cfg:          cfg,
		initialRolls: copyRolls(initialRolls),
		initialSeed:  sha3.Sum256([]byte(cfg.InitialDrawSeed)),
	}
	p.reset(snapshot)
	return p
}

func (p *PoSState) reset(snapshot *PoSSnapshot) {
	if snapshot == nil {
		p.rolls = copyRolls(p.initialRolls)
		p.cycles = nil
		p.deferred = make(map[uint64]map[Address]uint64)
		return
	}
	p.rolls = copyRolls(snapshot.Rolls)
	p.cycles = make([]*CycleInfo, 0, len(snapshot.Cycles))
	for _, c := range snapshot.Cycles {
		p.cycles = append(p.cycles, c.clone())
	}
	sort.Slice(p.cycles, func(i, j int) bool { return p.cycles[i].Cycle < p.cycles[j].Cycle })
	p.deferred = make(map[uint64]map[Address]uint64, len(snapshot.DeferredCredits))
	for cycle, credits := range snapshot.DeferredCredits {
		p.deferred[cycle] = copyRolls(credits)
	}
}

// Reset replaces the whole state, as when applying a bootstrap snapshot.
func (p *PoSState) Reset(snapshot *PoSSnapshot) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.reset(snapshot)
}

// Export returns a deep copy of the state.
func (p *PoSState) Export() *PoSSnapshot {
	p.lock.RLock()
	defer p.lock.RUnlock()
	s := &PoSSnapshot{
		Rolls:           copyRolls(p.rolls),
		Cycles:          make([]*CycleInfo, len(p.cycles)),
		DeferredCredits: make(map[uint64]map[Address]uint64, len(p.deferred)),
	}
	for i, c := range p.cycles {
		s.Cycles[i] = c.clone()
	}
	for cycle, credits := range p.deferred {
		s.DeferredCredits[cycle] = copyRolls(credits)
	}
	return s
}

// GetRolls returns the final roll count of an address.
func (p *PoSState) GetRolls(addr Address) uint64 {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.rolls[addr]
}

// GetCycleInfo returns a copy of a cycle's record.
func (p *PoSState) GetCycleInfo(cycle uint64) (*CycleInfo, bool) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if c := p.findCycle(cycle); c != nil {
		return c.clone(), true
	}
	return nil, false
}

func (p *PoSState) findCycle(cycle uint64) *CycleInfo {
	i := sort.Search(len(p.cycles), func(i int) bool { return p.cycles[i].Cycle >= cycle })
	if i < len(p.cycles) && p.cycles[i].Cycle == cycle {
		return p.cycles[i]
	}
	return nil
}

// LookbackState returns the roll distribution and seed draws of the given cycle are computed from.
func (p *PoSState) LookbackState(cycle uint64) (map[Address]uint64, Hash, error) {
	if cycle < p.cfg.PosLookbackCycles+1 {
		return p.initialRolls, p.initialSeed, nil
	}
	lookback := cycle - p.cfg.PosLookbackCycles - 1

	p.lock.RLock()
	defer p.lock.RUnlock()
	c := p.findCycle(lookback)
	if c == nil || !c.Complete {
		return nil, Hash{}, fmt.Errorf("%w: cycle %d needs final cycle %d", ErrDrawUnavailable, cycle, lookback)
	}
	return c.RollCounts, c.Seed, nil
}

// settleSlot records the outcome of a settled slot. buys and sells are the roll operations
// executed in it. Seed contributions are the block signature or, for a miss, the slot itself.
func (p *PoSState) settleSlot(slot Slot, producer Address, block *Block,
	buys, sells map[Address]uint64) (*posSettlement, error) {

	p.lock.Lock()
	defer p.lock.Unlock()

	// a slot selling more than owned is rejected before anything changes
	for addr, n := range sells {
		if owned := p.rolls[addr] + buys[addr]; n > owned {
			return nil, fmt.Errorf("%w: %s sells %d rolls but owns %d", ErrStateCorruption, addr, n, owned)
		}
	}

	cycle := slot.Cycle(p.cfg.PeriodsPerCycle)
	before := len(p.cycles)
	current, err := p.cycleFor(cycle)
	if err != nil {
		return nil, err
	}

	out := &posSettlement{
		credits:  make(map[Address]uint64),
		rolls:    make(map[Address]uint64),
		deferred: make(map[uint64]map[Address]uint64),
	}
	for i := before; i < len(p.cycles)-1; i++ {
		out.placeholders = append(out.placeholders, p.cycles[i].clone())
	}

	// production stats
	st := current.ProductionStats[producer]
	if block != nil {
		st.OK++
	} else {
		st.NOK++
	}
	current.ProductionStats[producer] = st

	// seed chain
	hasher := sha3.New256()
	hasher.Write(current.Seed[:])
	if block != nil {
		sigHash := sha3.Sum256(block.Header.Signature)
		hasher.Write(sigHash[:])
	} else {
		hasher.Write(slot.Bytes())
	}
	copy(current.Seed[:], hasher.Sum(nil))

	// roll changes. sale proceeds are locked
	creditCycle := cycle + p.cfg.PosLockCycles
	for addr, n := range buys {
		p.rolls[addr] += n
		out.rolls[addr] = p.rolls[addr]
	}
	for addr, n := range sells {
		p.rolls[addr] -= n
		out.rolls[addr] = p.rolls[addr]
		p.addDeferred(creditCycle, addr, n*p.cfg.RollPrice)
		out.deferred[creditCycle] = nil
	}

	if slot.IsLastOfCycle(p.cfg.PeriodsPerCycle, p.cfg.ThreadCount) {
		// forced sale of every roll of addresses missing too many slots
		for addr, stats := range current.ProductionStats {
			if stats.MissRate() <= p.cfg.PosMissRateDeactivationRatio {
				continue
			}
			owned := p.rolls[addr]
			if owned == 0 {
				continue
			}
			p.rolls[addr] = 0
			out.rolls[addr] = 0
			out.deactivated = append(out.deactivated, addr)
			p.addDeferred(creditCycle, addr, owned*p.cfg.RollPrice)
			out.deferred[creditCycle] = nil
		}
		sort.Slice(out.deactivated, func(i, j int) bool {
			return out.deactivated[i].Compare(out.deactivated[j]) < 0
		})

		// release credits locked until this cycle
		for addr, amount := range p.deferred[cycle] {
			out.credits[addr] = amount
		}
		delete(p.deferred, cycle)
		out.deferred[cycle] = nil

		// freeze the cycle
		current.RollCounts = make(map[Address]uint64, len(p.rolls))
		for addr, n := range p.rolls {
			if n == 0 {
				delete(p.rolls, addr)
				continue
			}
			current.RollCounts[addr] = n
		}
		current.Complete = true

		// keep what future draws and bootstrap need
		keep := int(p.cfg.PosLookbackCycles) + 2
		if p.cfg.MaxBootstrapPosCycles > keep {
			keep = p.cfg.MaxBootstrapPosCycles
		}
		for len(p.cycles) > keep {
			out.droppedCycles = append(out.droppedCycles, p.cycles[0].Cycle)
			p.cycles = p.cycles[1:]
		}
	}

	for c := range out.deferred {
		if credits, ok := p.deferred[c]; ok {
			out.deferred[c] = copyRolls(credits)
		}
	}
	out.cycle = current.clone()
	return out, nil
}

// cycleFor returns the record of the cycle being settled, opening it if needed.
func (p *PoSState) cycleFor(cycle uint64) (*CycleInfo, error) {
	seed := p.initialSeed
	if n := len(p.cycles); n != 0 {
		last := p.cycles[n-1]
		if last.Cycle == cycle {
			return last, nil
		}
		if !last.Complete || last.Cycle+1 != cycle {
			return nil, fmt.Errorf("%w: settling cycle %d after cycle %d (complete: %v)",
				ErrStateCorruption, cycle, last.Cycle, last.Complete)
		}
		seed = last.Seed
	} else {
		// cycles made only of genesis slots are never settled
		for c := uint64(0); c < cycle; c++ {
			p.cycles = append(p.cycles, &CycleInfo{
				Cycle:           c,
				Complete:        true,
				Seed:            seed,
				RollCounts:      copyRolls(p.initialRolls),
				ProductionStats: make(map[Address]ProductionStats),
			})
		}
	}
	c := &CycleInfo{
		Cycle:           cycle,
		Seed:            seed,
		ProductionStats: make(map[Address]ProductionStats),
	}
	p.cycles = append(p.cycles, c)
	return c, nil
}

func (p *PoSState) addDeferred(cycle uint64, addr Address, amount uint64) {
	credits, ok := p.deferred[cycle]
	if !ok {
		credits = make(map[Address]uint64)
		p.deferred[cycle] = credits
	}
	credits[addr] += amount
}

// copyRolls copies an address to amount map.
func copyRolls(rolls map[Address]uint64) map[Address]uint64 {
	out := make(map[Address]uint64, len(rolls))
	for addr, n := range rolls {
		out[addr] = n
	}
	return out
}
