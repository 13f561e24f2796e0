package blockclique

import (
	"fmt"
	"sort"
	"sync"
)

// EndorsementPool holds endorsements until a block producer includes them.
type EndorsementPool struct {
	cfg    *Config
	lock   sync.RWMutex
	bySlot map[Slot]map[EndorsementID]*Endorsement
}

// NewEndorsementPool returns a new, empty EndorsementPool.
func NewEndorsementPool(cfg *Config) *EndorsementPool {
	return &EndorsementPool{
		cfg:    cfg,
		bySlot: make(map[Slot]map[EndorsementID]*Endorsement),
	}
}

// Add adds a signed endorsement. Returns true if it was added on this call.
func (p *EndorsementPool) Add(e *Endorsement) (bool, error) {
	if e.Index >= p.cfg.EndorsementCount {
		return false, fmt.Errorf("%w: endorsement index %d out of range", ErrValidation, e.Index)
	}
	ok, err := e.Verify()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: endorsement signature verification failed", ErrValidation)
	}
	id, err := e.ID()
	if err != nil {
		return false, err
	}

	p.lock.Lock()
	defer p.lock.Unlock()
	endorsements, ok := p.bySlot[e.Slot]
	if !ok {
		endorsements = make(map[EndorsementID]*Endorsement)
		p.bySlot[e.Slot] = endorsements
	}
	if _, ok := endorsements[id]; ok {
		return false, nil
	}
	endorsements[id] = e
	return true, nil
}

// Get returns at most one endorsement per index for the endorsed block, in index order.
func (p *EndorsementPool) Get(slot Slot, endorsed BlockID) []*Endorsement {
	p.lock.RLock()
	defer p.lock.RUnlock()
	byIndex := make(map[uint32]*Endorsement)
	for _, e := range p.bySlot[slot] {
		if e.EndorsedBlock == endorsed {
			byIndex[e.Index] = e
		}
	}
	out := make([]*Endorsement, 0, len(byIndex))
	for _, e := range byIndex {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Prune removes endorsements of slots no new block can endorse anymore.
func (p *EndorsementPool) Prune(latestFinalSlots []Slot) {
	p.lock.Lock()
	defer p.lock.Unlock()
	for slot := range p.bySlot {
		if slot.Before(latestFinalSlots[slot.Thread]) {
			delete(p.bySlot, slot)
		}
	}
}

// Len returns the number of pooled endorsements.
func (p *EndorsementPool) Len() int {
	p.lock.RLock()
	defer p.lock.RUnlock()
	n := 0
	for _, endorsements := range p.bySlot {
		n += len(endorsements)
	}
	return n
}
