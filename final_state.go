package blockclique

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// SettledSlot is the outcome of settling one slot.
type SettledSlot struct {
	Slot        Slot
	BlockID     *BlockID
	Executed    []OperationID
	Deactivated []Address
	Events      []Event
}

// FinalState owns the final ledger, the proof-of-stake state and the async pool, and moves them
// forward one settled slot at a time. Only the processor goroutine settles slots.
type FinalState struct {
	cfg      *Config
	ledger   Ledger
	cache    *LedgerCache
	pos      *PoSState
	selector *Selector
	pool     *AsyncPool
	executor Executor
	logger   *zap.Logger

	lock        sync.RWMutex
	slot        Slot
	latestFinal []BlockID // latest settled block of every thread
	events      []Event   // ring of the most recent events
	eventsStart int
}

// NewFinalState resumes the final state persisted by the ledger. The ledger must be initialized.
func NewFinalState(cfg *Config, ledger Ledger, initialRolls map[Address]uint64, executor Executor,
	logger *zap.Logger) (*FinalState, error) {

	cache, err := NewLedgerCache(ledger, cfg.LedgerCacheCapacity)
	if err != nil {
		return nil, err
	}
	fs := &FinalState{
		cfg:      cfg,
		ledger:   ledger,
		cache:    cache,
		pool:     NewAsyncPool(cfg.MaxAsyncPoolLength, cfg.MaxAsyncGas),
		executor: executor,
		logger:   logger.Named("final"),
	}
	fs.pos = NewPoSState(cfg, initialRolls, nil)
	if fs.selector, err = NewSelector(cfg, fs.pos); err != nil {
		return nil, err
	}
	if err := fs.reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

// reload reads everything back from the ledger
func (fs *FinalState) reload() error {
	slot, err := fs.ledger.GetFinalSlot()
	if err != nil {
		return err
	}
	if slot == nil {
		return fmt.Errorf("%w: ledger is not initialized", ErrStateCorruption)
	}
	latestFinal, err := fs.ledger.GetLatestFinalBlocks()
	if err != nil {
		return err
	}
	if len(latestFinal) != int(fs.cfg.ThreadCount) {
		return fmt.Errorf("%w: %d latest final blocks for %d threads",
			ErrStateCorruption, len(latestFinal), fs.cfg.ThreadCount)
	}
	snapshot, err := fs.ledger.LoadPoS()
	if err != nil {
		return err
	}
	msgs, err := fs.ledger.LoadAsyncMessages()
	if err != nil {
		return err
	}

	fs.pos.Reset(snapshot)
	fs.selector.Purge()
	fs.cache.Reset()
	fs.pool.Reset(slot.Period, msgs)

	fs.lock.Lock()
	defer fs.lock.Unlock()
	fs.slot = *slot
	fs.latestFinal = latestFinal
	return nil
}

// Slot returns the last settled slot.
func (fs *FinalState) Slot() Slot {
	fs.lock.RLock()
	defer fs.lock.RUnlock()
	return fs.slot
}

// LatestFinal returns the latest settled block of every thread.
func (fs *FinalState) LatestFinal() []BlockID {
	fs.lock.RLock()
	defer fs.lock.RUnlock()
	return append([]BlockID{}, fs.latestFinal...)
}

// Ledger returns the underlying ledger.
func (fs *FinalState) Ledger() Ledger {
	return fs.ledger
}

// PoS returns the proof-of-stake state.
func (fs *FinalState) PoS() *PoSState {
	return fs.pos
}

// Selector returns the draw selector over the proof-of-stake state.
func (fs *FinalState) Selector() *Selector {
	return fs.selector
}

// AsyncPool returns the async message pool.
func (fs *FinalState) AsyncPool() *AsyncPool {
	return fs.pool
}

// GetBalance returns the final balance of an address.
func (fs *FinalState) GetBalance(addr Address) (uint64, error) {
	return fs.cache.GetBalance(addr)
}

// Events returns the retained events, oldest first, optionally only those of a slot range.
func (fs *FinalState) Events(start, end *Slot) []Event {
	fs.lock.RLock()
	defer fs.lock.RUnlock()
	var out []Event
	for i := 0; i < len(fs.events); i++ {
		e := fs.events[(fs.eventsStart+i)%len(fs.events)]
		if start != nil && e.Slot.Before(*start) {
			continue
		}
		if end != nil && !e.Slot.Before(*end) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (fs *FinalState) appendEvents(events []Event) {
	max := fs.cfg.MaxFinalEvents
	for _, e := range events {
		if len(fs.events) < max {
			fs.events = append(fs.events, e)
			continue
		}
		if max == 0 {
			return
		}
		fs.events[fs.eventsStart] = e
		fs.eventsStart = (fs.eventsStart + 1) % max
	}
}

// SettleSlot executes the slot following the last settled one. block is the final block of the
// slot or nil for a miss. A slot that fails to settle leaves the final state unusable, so every
// error is an ErrStateCorruption.
func (fs *FinalState) SettleSlot(slot Slot, blockID *BlockID, block *Block) (*SettledSlot, error) {
	settled, err := fs.settle(slot, blockID, block)
	if err != nil && !errors.Is(err, ErrStateCorruption) {
		return nil, fmt.Errorf("%w: settling slot %s: %w", ErrStateCorruption, slot, err)
	}
	return settled, err
}

func (fs *FinalState) settle(slot Slot, blockID *BlockID, block *Block) (*SettledSlot, error) {
	expected, err := fs.Slot().NextSlot(fs.cfg.ThreadCount)
	if err != nil {
		return nil, err
	}
	if slot != expected {
		return nil, fmt.Errorf("%w: settling slot %s, expected %s", ErrStateCorruption, slot, expected)
	}
	if block != nil && block.Header.Slot != slot {
		return nil, fmt.Errorf("%w: block %s at %s settled for slot %s",
			ErrStateCorruption, blockID, block.Header.Slot, slot)
	}

	sel, err := fs.selector.DrawForSlot(slot)
	if err != nil {
		return nil, fmt.Errorf("%w: settling slot %s: %s", ErrStateCorruption, slot, err.Error())
	}

	// async messages get whatever gas the block left
	fs.pool.SetReferencePeriod(slot.Period)
	expired := fs.pool.PruneExpired(slot)
	budget := fs.cfg.MaxGasPerBlock
	if block != nil {
		budget -= block.Gas()
	}
	async := fs.pool.SelectForExecution(slot, budget)

	ctx := &ExecutionContext{
		Cfg:     fs.cfg,
		Slot:    slot,
		BlockID: blockID,
		Block:   block,
		Ledger:  fs.cache,
		Rolls:   fs.pos.GetRolls,
		Async:   async,
	}
	out, err := fs.executor.ExecuteSlot(ctx)
	if err != nil {
		async.Rollback()
		return nil, err
	}

	settlement, err := fs.pos.settleSlot(slot, sel.Producer, block, out.RollBuys, out.RollSells)
	if err != nil {
		return nil, err
	}

	// released deferred credits
	exec := &executionState{ctx: ctx, out: out}
	for addr, amount := range settlement.credits {
		if err := exec.credit(addr, amount); err != nil {
			return nil, err
		}
	}

	// coins of messages leaving the pool unexecuted go back to their senders
	refund := func(msg *AsyncMessage, data string) error {
		id := msg.ID()
		exec.event(data, true).Message = &id
		return exec.credit(msg.Sender, msg.Coins)
	}

	var removed []AsyncMessageID
	for _, msg := range expired {
		removed = append(removed, msg.ID())
		if err := refund(msg, fmt.Sprintf("message %s to %s expired", msg.Handler, msg.Destination)); err != nil {
			return nil, err
		}
	}
	removed = append(removed, async.Commit()...)

	var added []*AsyncMessage
	addedIndex := make(map[AsyncMessageID]int)
	for _, msg := range out.Emitted {
		evicted, err := fs.pool.Insert(msg)
		if err != nil {
			if err := refund(msg, fmt.Sprintf("message %s to %s dropped: %s",
				msg.Handler, msg.Destination, err.Error())); err != nil {
				return nil, err
			}
			continue
		}
		for _, e := range evicted {
			// messages emitted at this slot never reached the ledger
			if i, ok := addedIndex[e.ID()]; ok {
				added[i] = nil
			} else {
				removed = append(removed, e.ID())
			}
			if err := refund(e, fmt.Sprintf("message %s to %s evicted", e.Handler, e.Destination)); err != nil {
				return nil, err
			}
		}
		addedIndex[msg.ID()] = len(added)
		added = append(added, msg)
	}
	kept := added[:0]
	for _, msg := range added {
		if msg != nil {
			kept = append(kept, msg)
		}
	}
	added = kept

	latestFinal := fs.LatestFinal()
	if blockID != nil {
		latestFinal[slot.Thread] = *blockID
	}

	update := &FinalUpdate{
		Slot:            slot,
		LatestFinal:     latestFinal,
		Ledger:          out.Ledger,
		Rolls:           settlement.rolls,
		Cycles:          append(settlement.placeholders, settlement.cycle),
		DroppedCycles:   settlement.droppedCycles,
		DeferredCredits: settlement.deferred,
		AsyncAdded:      added,
		AsyncRemoved:    removed,
	}
	if err := fs.ledger.Commit(update); err != nil {
		return nil, fmt.Errorf("%w: committing slot %s: %s", ErrStateCorruption, slot, err.Error())
	}
	fs.cache.Apply(out.Ledger)

	for _, addr := range settlement.deactivated {
		fs.logger.Info("Rolls deactivated for missing too many slots",
			zap.Stringer("address", addr), zap.Uint64("cycle", settlement.cycle.Cycle))
	}

	fs.lock.Lock()
	fs.slot = slot
	fs.latestFinal = latestFinal
	fs.appendEvents(out.Events)
	fs.lock.Unlock()

	return &SettledSlot{
		Slot:        slot,
		BlockID:     blockID,
		Executed:    out.Executed,
		Deactivated: settlement.deactivated,
		Events:      out.Events,
	}, nil
}

// Snapshot returns a read-only view of the final state for bootstrap along with the PoS state
// and async pool as of the same slot.
func (fs *FinalState) Snapshot() (*LedgerSnapshot, *PoSSnapshot, []*AsyncMessage, error) {
	snap, err := fs.ledger.Snapshot()
	if err != nil {
		return nil, nil, nil, err
	}
	return snap, fs.pos.Export(), fs.pool.Messages(), nil
}

// Replace swaps in a final state received by bootstrap.
func (fs *FinalState) Replace(state *FinalStateSnapshot) error {
	if err := fs.ledger.Replace(state); err != nil {
		return err
	}
	if err := fs.reload(); err != nil {
		return err
	}
	fs.lock.Lock()
	defer fs.lock.Unlock()
	fs.events, fs.eventsStart = nil, 0
	return nil
}
