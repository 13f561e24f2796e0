package blockclique

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"sort"
	"sync"

	"github.com/google/btree"
)

const asyncPoolTreeDegree = 32

// AsyncMessageID identifies an async message by where it was emitted.
type AsyncMessageID struct {
	EmissionSlot  Slot   `json:"emission_slot"`
	EmissionIndex uint64 `json:"emission_index"`
}

// Compare orders IDs by emission slot then index.
func (id AsyncMessageID) Compare(other AsyncMessageID) int {
	if c := id.EmissionSlot.Compare(other.EmissionSlot); c != 0 {
		return c
	}
	switch {
	case id.EmissionIndex < other.EmissionIndex:
		return -1
	case id.EmissionIndex > other.EmissionIndex:
		return 1
	}
	return 0
}

// Bytes returns an order-preserving encoding of the ID.
func (id AsyncMessageID) Bytes() []byte {
	b := make([]byte, 17)
	copy(b, id.EmissionSlot.Bytes())
	binary.BigEndian.PutUint64(b[9:], id.EmissionIndex)
	return b
}

// AsyncMessage is a deferred smart contract call awaiting execution within its validity window.
type AsyncMessage struct {
	EmissionSlot  Slot    `json:"emission_slot"`
	EmissionIndex uint64  `json:"emission_index"`
	Sender        Address `json:"sender"`
	Destination   Address `json:"destination"`
	Handler       string  `json:"handler"`
	MaxGas        uint64  `json:"max_gas"`
	GasPrice      uint64  `json:"gas_price"`
	Coins         uint64  `json:"coins"`
	ValidityStart Slot    `json:"validity_start"`
	ValidityEnd   Slot    `json:"validity_end"`
	Data          []byte  `json:"data,omitempty"`
}

// ID returns the message's identifier.
func (m AsyncMessage) ID() AsyncMessageID {
	return AsyncMessageID{EmissionSlot: m.EmissionSlot, EmissionIndex: m.EmissionIndex}
}

// IsValidAt returns true if the message may be executed at the slot.
func (m AsyncMessage) IsValidAt(slot Slot) bool {
	return !slot.Before(m.ValidityStart) && !m.ValidityEnd.Before(slot)
}

// Priority is the gas price times the periods left in the validity window, saturating.
func (m AsyncMessage) Priority(refPeriod uint64) uint64 {
	if m.ValidityEnd.Period < refPeriod {
		return 0
	}
	hi, lo := bits.Mul64(m.GasPrice, m.ValidityEnd.Period-refPeriod+1)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

type asyncEntry struct {
	priority uint64
	msg      *AsyncMessage
}

// highest priority first, then oldest
func (a asyncEntry) less(b asyncEntry) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.msg.ID().Compare(b.msg.ID()) < 0
}

// AsyncPool holds async messages ordered by priority, bounded in count and total gas.
type AsyncPool struct {
	maxLength int
	maxGas    uint64
	lock      sync.Mutex
	refPeriod uint64
	tree      *btree.BTreeG[asyncEntry]
	byID      map[AsyncMessageID]asyncEntry
	gas       uint64
}

// NewAsyncPool returns a new, empty AsyncPool.
func NewAsyncPool(maxLength int, maxGas uint64) *AsyncPool {
	return &AsyncPool{
		maxLength: maxLength,
		maxGas:    maxGas,
		tree:      btree.NewG(asyncPoolTreeDegree, asyncEntry.less),
		byID:      make(map[AsyncMessageID]asyncEntry),
	}
}

// Len returns the number of messages in the pool.
func (p *AsyncPool) Len() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.byID)
}

// Gas returns the total gas of messages in the pool.
func (p *AsyncPool) Gas() uint64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.gas
}

// Insert adds a message. If the pool is full, lower priority messages are evicted to make room
// only if the new message outranks every one of them. Evicted messages are returned.
func (p *AsyncPool) Insert(msg *AsyncMessage) ([]*AsyncMessage, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	id := msg.ID()
	if _, ok := p.byID[id]; ok {
		return nil, fmt.Errorf("%w: async message %v already pooled", ErrValidation, id)
	}
	if msg.ValidityEnd.Period < p.refPeriod {
		return nil, fmt.Errorf("%w: async message %v expired", ErrValidation, id)
	}
	if msg.MaxGas > p.maxGas {
		return nil, fmt.Errorf("%w: async message gas %d exceeds pool gas %d", ErrPoolFull, msg.MaxGas, p.maxGas)
	}

	entry := asyncEntry{priority: msg.Priority(p.refPeriod), msg: msg}

	// walk from the lowest priority up until enough room is freed
	var evict []asyncEntry
	length, gas := len(p.byID), p.gas
	outranked := true
	p.tree.Descend(func(e asyncEntry) bool {
		if length < p.maxLength && gas+msg.MaxGas <= p.maxGas {
			return false
		}
		if !entry.less(e) {
			outranked = false
			return false
		}
		evict = append(evict, e)
		length--
		gas -= e.msg.MaxGas
		return true
	})
	if !outranked || length >= p.maxLength || gas+msg.MaxGas > p.maxGas {
		return nil, fmt.Errorf("%w: %d messages, %d gas", ErrPoolFull, len(p.byID), p.gas)
	}

	evicted := make([]*AsyncMessage, len(evict))
	for i, e := range evict {
		p.remove(e)
		evicted[i] = e.msg
	}
	p.tree.ReplaceOrInsert(entry)
	p.byID[id] = entry
	p.gas += msg.MaxGas
	return evicted, nil
}

func (p *AsyncPool) remove(e asyncEntry) {
	p.tree.Delete(e)
	delete(p.byID, e.msg.ID())
	p.gas -= e.msg.MaxGas
}

// SetReferencePeriod re-ranks messages for the given period.
func (p *AsyncPool) SetReferencePeriod(period uint64) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if period == p.refPeriod {
		return
	}
	p.refPeriod = period
	tree := btree.NewG(asyncPoolTreeDegree, asyncEntry.less)
	for id, e := range p.byID {
		e.priority = e.msg.Priority(period)
		p.byID[id] = e
		tree.ReplaceOrInsert(e)
	}
	p.tree = tree
}

// PruneExpired removes messages whose validity ended before the slot and returns them in
// emission order.
func (p *AsyncPool) PruneExpired(slot Slot) []*AsyncMessage {
	p.lock.Lock()
	defer p.lock.Unlock()
	var removed []*AsyncMessage
	for _, e := range p.byID {
		if e.msg.ValidityEnd.Before(slot) {
			p.remove(e)
			removed = append(removed, e.msg)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].ID().Compare(removed[j].ID()) < 0 })
	return removed
}

// Messages returns every pooled message in priority order.
func (p *AsyncPool) Messages() []*AsyncMessage {
	p.lock.Lock()
	defer p.lock.Unlock()
	msgs := make([]*AsyncMessage, 0, len(p.byID))
	p.tree.Ascend(func(e asyncEntry) bool {
		msgs = append(msgs, e.msg)
		return true
	})
	return msgs
}

// Reset replaces the pool's content.
func (p *AsyncPool) Reset(refPeriod uint64, msgs []*AsyncMessage) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.refPeriod = refPeriod
	p.tree = btree.NewG(asyncPoolTreeDegree, asyncEntry.less)
	p.byID = make(map[AsyncMessageID]asyncEntry, len(msgs))
	p.gas = 0
	for _, msg := range msgs {
		e := asyncEntry{priority: msg.Priority(refPeriod), msg: msg}
		p.tree.ReplaceOrInsert(e)
		p.byID[msg.ID()] = e
		p.gas += msg.MaxGas
	}
}

// SelectForExecution returns the messages executable at the slot in priority order, up to
// gasBudget. Nothing leaves the pool until the selection is committed.
func (p *AsyncPool) SelectForExecution(slot Slot, gasBudget uint64) *AsyncSelection {
	p.lock.Lock()
	defer p.lock.Unlock()
	return &AsyncSelection{
		pool:   p,
		tree:   p.tree.Clone(),
		slot:   slot,
		budget: gasBudget,
	}
}

// AsyncSelection is a lazy, single-pass walk over a copy-on-write view of the pool.
type AsyncSelection struct {
	pool    *AsyncPool
	tree    *btree.BTreeG[asyncEntry]
	slot    Slot
	budget  uint64
	last    *asyncEntry
	taken   []AsyncMessageID
	gasUsed uint64
	done    bool
}

// Next returns the next message to execute, or false once the selection is exhausted.
func (s *AsyncSelection) Next() (*AsyncMessage, bool) {
	if s.done {
		return nil, false
	}
	var found *asyncEntry
	visit := func(e asyncEntry) bool {
		if s.last != nil && !s.last.less(e) {
			// the pivot itself
			return true
		}
		if e.msg.IsValidAt(s.slot) && e.msg.MaxGas <= s.budget-s.gasUsed {
			found = &e
			return false
		}
		return true
	}
	if s.last == nil {
		s.tree.Ascend(visit)
	} else {
		s.tree.AscendGreaterOrEqual(*s.last, visit)
	}
	if found == nil {
		s.done = true
		return nil, false
	}
	s.last = found
	s.gasUsed += found.msg.MaxGas
	s.taken = append(s.taken, found.msg.ID())
	return found.msg, true
}

// GasUsed returns the gas of the messages returned so far.
func (s *AsyncSelection) GasUsed() uint64 {
	return s.gasUsed
}

// Commit removes the returned messages from the pool and returns the ones it removed.
func (s *AsyncSelection) Commit() []AsyncMessageID {
	s.done = true
	s.pool.lock.Lock()
	defer s.pool.lock.Unlock()
	var removed []AsyncMessageID
	for _, id := range s.taken {
		if e, ok := s.pool.byID[id]; ok {
			s.pool.remove(e)
			removed = append(removed, id)
		}
	}
	s.taken = nil
	return removed
}

// Rollback ends the selection leaving the pool untouched.
func (s *AsyncSelection) Rollback() {
	s.done = true
	s.taken = nil
}
