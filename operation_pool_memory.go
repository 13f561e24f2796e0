package blockclique

import (
	"bytes"
	"container/list"
	"fmt"
	"sync"
)

// OperationPoolMemory is an in-memory FIFO implementation of the OperationPool interface.
type OperationPoolMemory struct {
	cfg     *Config
	opMap   map[OperationID]*list.Element
	opQueue *list.List
	lock    sync.RWMutex
}

// NewOperationPoolMemory returns a new OperationPoolMemory instance.
func NewOperationPoolMemory(cfg *Config) *OperationPoolMemory {
	return &OperationPoolMemory{
		cfg:     cfg,
		opMap:   make(map[OperationID]*list.Element),
		opQueue: list.New(),
	}
}

// Add adds the operation to the pool. Returns true if the operation was added on this call.
func (p *OperationPoolMemory) Add(id OperationID, op *Operation, period uint64) (bool, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, ok := p.opMap[id]; ok {
		// already exists
		return false, nil
	}
	if op.IsExpired(period) {
		return false, fmt.Errorf("%w: operation %s expired at period %d", ErrValidation, id, op.ExpirePeriod)
	}
	if op.ExpirePeriod > period+p.cfg.OperationValidityPeriods {
		return false, fmt.Errorf("%w: operation %s expires too far in the future", ErrValidation, id)
	}
	if err := checkOperation(p.cfg, id, op); err != nil {
		return false, err
	}
	if p.opQueue.Len() >= p.cfg.MaxOperationPoolLength {
		return false, fmt.Errorf("%w: %d operations pooled", ErrPoolFull, p.opQueue.Len())
	}

	// add to the back of the queue
	e := p.opQueue.PushBack(op)
	p.opMap[id] = e
	return true, nil
}

// AddBatch adds a batch of operations to the pool, as received by bootstrap.
func (p *OperationPoolMemory) AddBatch(ids []OperationID, ops []*Operation, period uint64) error {
	for i, op := range ops {
		if _, err := p.Add(ids[i], op, period); err != nil {
			return err
		}
	}
	return nil
}

// RemoveBatch removes a batch of operations from the pool (their block became final.)
func (p *OperationPoolMemory) RemoveBatch(ids []OperationID) {
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, id := range ids {
		e, ok := p.opMap[id]
		if !ok {
			// not in the pool
			continue
		}
		p.opQueue.Remove(e)
		delete(p.opMap, id)
	}
}

// PruneExpired removes operations that can't be included at or after the period.
func (p *OperationPoolMemory) PruneExpired(period uint64) {
	p.lock.Lock()
	defer p.lock.Unlock()
	for id, e := range p.opMap {
		if e.Value.(*Operation).IsExpired(period) {
			p.opQueue.Remove(e)
			delete(p.opMap, id)
		}
	}
}

// Get returns operations of the thread includable in a block at the period.
func (p *OperationPoolMemory) Get(thread uint8, period uint64, limit int, maxGas uint64,
	exclude map[OperationID]BlockID) []*Operation {

	p.lock.RLock()
	defer p.lock.RUnlock()
	var ops []*Operation
	var gas uint64
	for e := p.opQueue.Front(); e != nil && len(ops) < limit; e = e.Next() {
		op := e.Value.(*Operation)
		if op.Sender().Thread(p.cfg.ThreadCount) != thread {
			continue
		}
		if !op.IsValidInPeriod(period, p.cfg.OperationValidityPeriods) {
			continue
		}
		if gas+op.Gas() > maxGas {
			continue
		}
		id, err := op.ID()
		if err != nil {
			continue
		}
		if _, ok := exclude[id]; ok {
			continue
		}
		ops = append(ops, op)
		gas += op.Gas()
	}
	return ops
}

// All returns every pooled operation in pool order.
func (p *OperationPoolMemory) All() []*Operation {
	p.lock.RLock()
	defer p.lock.RUnlock()
	ops := make([]*Operation, 0, p.opQueue.Len())
	for e := p.opQueue.Front(); e != nil; e = e.Next() {
		ops = append(ops, e.Value.(*Operation))
	}
	return ops
}

// Exists returns true if the given operation is in the pool.
func (p *OperationPoolMemory) Exists(id OperationID) bool {
	p.lock.RLock()
	defer p.lock.RUnlock()
	_, ok := p.opMap[id]
	return ok
}

// ExistsSigned returns true if the given operation is in the pool and contains the given signature.
func (p *OperationPoolMemory) ExistsSigned(id OperationID, signature Signature) bool {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if e, ok := p.opMap[id]; ok {
		op := e.Value.(*Operation)
		return bytes.Equal(op.Signature, signature)
	}
	return false
}

// Len returns the pool length.
func (p *OperationPoolMemory) Len() int {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.opQueue.Len()
}
