package blockclique

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ed25519"
)

// BlockProducer creates blocks and endorsements for the slots its staking keys are drawn for.
type BlockProducer struct {
	cfg             *Config
	clock           *SlotClock
	keys            map[Address]ed25519.PrivateKey
	processor       *Processor
	final           *FinalState
	opPool          OperationPool
	endorsementPool *EndorsementPool
	logger          *zap.Logger
	shutdownChan    chan struct{}
	wg              sync.WaitGroup
}

// NewBlockProducer returns a new BlockProducer instance.
func NewBlockProducer(cfg *Config, keys []ed25519.PrivateKey, processor *Processor, final *FinalState,
	opPool OperationPool, endorsementPool *EndorsementPool, logger *zap.Logger) *BlockProducer {

	byAddr := make(map[Address]ed25519.PrivateKey, len(keys))
	for _, key := range keys {
		byAddr[AddressFromPublicKey(key.Public().(ed25519.PublicKey))] = key
	}
	return &BlockProducer{
		cfg:             cfg,
		clock:           cfg.Clock(),
		keys:            byAddr,
		processor:       processor,
		final:           final,
		opPool:          opPool,
		endorsementPool: endorsementPool,
		logger:          logger.Named("producer"),
		shutdownChan:    make(chan struct{}),
	}
}

// Run executes the producer's main loop in its own goroutine.
func (m *BlockProducer) Run() {
	m.wg.Add(1)
	go m.run()
}

func (m *BlockProducer) run() {
	defer m.wg.Done()

	// register for graph changes to endorse new blocks
	graphChan := make(chan GraphChange, m.cfg.ChannelSize)
	m.processor.RegisterForGraphChanges(graphChan)
	defer m.processor.UnregisterForGraphChanges(graphChan)

	slotTimer := time.NewTimer(m.untilNextSlot())
	defer slotTimer.Stop()

	for {
		select {
		case <-slotTimer.C:
			if slot, ok := m.clock.SlotAt(time.Now()); ok && slot.Period > 0 {
				m.produce(slot)
			}
			slotTimer.Reset(m.untilNextSlot())

		case change := <-graphChan:
			m.endorse(change)

		case _, ok := <-m.shutdownChan:
			if !ok {
				m.logger.Info("Producer shutting down...")
				return
			}
		}
	}
}

// Shutdown stops the producer synchronously.
func (m *BlockProducer) Shutdown() {
	close(m.shutdownChan)
	m.wg.Wait()
	m.logger.Info("Producer shutdown")
}

func (m *BlockProducer) untilNextSlot() time.Duration {
	now := time.Now()
	_, at, err := m.clock.NextSlotAt(now)
	if err != nil {
		return time.Hour
	}
	return at.Sub(now)
}

// produce creates a block at the slot if one of our keys was drawn for it
func (m *BlockProducer) produce(slot Slot) {
	sel, err := m.final.Selector().DrawForSlot(slot)
	if err != nil {
		if errors.Is(err, ErrDrawUnavailable) {
			m.logger.Debug("No draw for slot yet", zap.Stringer("slot", slot))
		} else {
			m.logger.Error("Drawing slot", zap.Stringer("slot", slot), zap.Error(err))
		}
		return
	}
	key, ok := m.keys[sel.Producer]
	if !ok {
		return
	}

	block, err := m.createBlock(slot, key)
	if err != nil {
		m.logger.Error("Creating block", zap.Stringer("slot", slot), zap.Error(err))
		return
	}
	id, err := block.ID()
	if err != nil {
		m.logger.Error("Computing block ID", zap.Error(err))
		return
	}
	if err := m.processor.ProcessBlock(id, block, ""); err != nil {
		m.logger.Error("Produced block rejected", zap.Stringer("block", id), zap.Error(err))
		return
	}
	m.logger.Info("Block produced",
		zap.Stringer("block", id),
		zap.Stringer("slot", slot),
		zap.Int("operations", len(block.Operations)),
		zap.Int("endorsements", len(block.Header.Endorsements)))
}

// createBlock builds and signs a block on the best parents
func (m *BlockProducer) createBlock(slot Slot, key ed25519.PrivateKey) (*Block, error) {
	export := m.processor.Export()
	parents := export.BestParents
	ownParent := parents[slot.Thread]
	ownParentSlot := Slot{Thread: slot.Thread}
	if b, ok := export.Blocks[ownParent]; ok {
		ownParentSlot = b.Block.Header.Slot
	}
	endorsements := m.endorsementPool.Get(ownParentSlot, ownParent)

	// leave room for the async messages executable at the slot
	asyncBudget := m.cfg.MaxAsyncGasPerSlot
	if asyncBudget > m.cfg.MaxGasPerBlock {
		asyncBudget = m.cfg.MaxGasPerBlock
	}
	peek := m.final.AsyncPool().SelectForExecution(slot, asyncBudget)
	for {
		if _, ok := peek.Next(); !ok {
			break
		}
	}
	peek.Rollback()

	ops := m.opPool.Get(slot.Thread, slot.Period, m.cfg.MaxOperationsPerBlock,
		m.cfg.MaxGasPerBlock-peek.GasUsed(), includedOperations(export))

	pubKey := key.Public().(ed25519.PublicKey)
	block, err := NewBlock(slot, parents, pubKey, endorsements, ops)
	if err != nil {
		return nil, err
	}
	if err := block.Sign(key); err != nil {
		return nil, err
	}
	return block, nil
}

// includedOperations returns the operations already in the blockclique or in final blocks in memory
func includedOperations(export *GraphExport) map[OperationID]BlockID {
	included := export.OperationsInBlockclique()
	for id, b := range export.Blocks {
		if b.Status != BLOCK_FINAL {
			continue
		}
		for _, op := range b.Block.Operations {
			if opID, err := op.ID(); err == nil {
				included[opID] = id
			}
		}
	}
	return included
}

// endorse creates endorsements of new blockclique blocks our keys are drawn to endorse
func (m *BlockProducer) endorse(change GraphChange) {
	blockclique := make(map[BlockID]struct{})
	for _, id := range change.Export.Blockclique().Blocks {
		blockclique[id] = struct{}{}
	}
	for _, id := range change.Changes.NewActive {
		if _, ok := blockclique[id]; !ok {
			continue
		}
		b, ok := change.Export.Blocks[id]
		if !ok {
			continue
		}
		slot := b.Block.Header.Slot
		sel, err := m.final.Selector().DrawForSlot(slot)
		if err != nil {
			continue
		}
		for index, endorser := range sel.Endorsers {
			key, ok := m.keys[endorser]
			if !ok {
				continue
			}
			e := NewEndorsement(slot, uint32(index), id, key.Public().(ed25519.PublicKey))
			if err := e.Sign(key); err != nil {
				m.logger.Error("Signing endorsement", zap.Error(err))
				continue
			}
			if err := m.processor.ProcessEndorsement(e, ""); err != nil {
				m.logger.Error("Endorsement rejected", zap.Stringer("block", id), zap.Error(err))
			}
		}
	}
}
