package blockclique

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Processor owns the block graph and the final state. Its goroutine is the only writer of
// both: it validates and inserts blocks, settles final slots, prunes memory and serves the
// commands that need a consistent view. Readers use the published GraphExport.
type Processor struct {
	cfg             *Config
	clock           *SlotClock
	genesis         []BlockID
	genesisBlocks   map[BlockID]*Block
	graph           *BlockGraph
	final           *FinalState
	blockStore      BlockStorage
	opPool          OperationPool
	endorsementPool *EndorsementPool
	metrics         *Metrics
	logger          *zap.Logger
	export          atomic.Pointer[GraphExport]

	blockChan                 chan blockToProcess             // receive new blocks to process on this channel
	opChan                    chan opToProcess                // receive new operations to process on this channel
	endorsementChan           chan endorsementToProcess       // receive new endorsements to process on this channel
	addressInfoChan           chan addressInfoRequest         // receive address info requests on this channel
	snapshotChan              chan snapshotRequest            // receive bootstrap snapshot requests on this channel
	registerPoolItemChan      chan chan<- PoolItem            // receive registration requests for pool item notifications
	unregisterPoolItemChan    chan chan<- PoolItem            // receive unregistration requests for pool item notifications
	registerGraphChangeChan   chan chan<- GraphChange         // receive registration requests for graph change notifications
	unregisterGraphChangeChan chan chan<- GraphChange         // receive unregistration requests for graph change notifications
	poolItemChannels          map[chan<- PoolItem]struct{}    // channels needing notification of new pool items
	graphChangeChannels       map[chan<- GraphChange]struct{} // channels needing notification of graph changes
	fatalChan                 chan error
	shutdownChan              chan struct{}
	doneChan                  chan struct{} // closed once the loop has stopped
	started                   bool
	wg                        sync.WaitGroup
}

// PoolItem is a message sent to registered pool item channels when an operation or an
// endorsement is pooled.
type PoolItem struct {
	OperationID *OperationID
	Operation   *Operation
	Endorsement *Endorsement
	Source      string // who sent it
}

// GraphChange is a message sent to registered graph change channels after every mutation.
type GraphChange struct {
	Changes *GraphChanges
	Export  *GraphExport
	Source  string // who sent the block that caused this change
}

// AddressInfo is the final and pending stake and balance of an address.
type AddressInfo struct {
	Address        Address `json:"address"`
	FinalBalance   uint64  `json:"final_balance"`
	FinalRolls     uint64  `json:"final_rolls"`
	ActiveRolls    uint64  `json:"active_rolls"`
	CandidateRolls uint64  `json:"candidate_rolls"`
}

// BootstrapSnapshot is a consistent view of the node taken between two mutations.
// The ledger snapshot must be released by the receiver.
type BootstrapSnapshot struct {
	Slot          Slot
	LatestFinal   []BlockID
	Ledger        *LedgerSnapshot
	PoS           *PoSSnapshot
	AsyncMessages []*AsyncMessage
	Graph         *GraphExport
	Operations    []*Operation
}

// BootstrapState is everything a bootstrap client received, ready to be applied.
type BootstrapState struct {
	Final       *FinalStateSnapshot
	FinalBlocks []*Block
	Blocks      []*Block // non-final
	Operations  []*Operation
}

// check rejects states with missing parts, which a node must not apply
func (s *BootstrapState) check() error {
	if s.Final == nil || s.Final.PoS == nil {
		return fmt.Errorf("%w: bootstrap state without final state", ErrValidation)
	}
	for _, blocks := range [][]*Block{s.FinalBlocks, s.Blocks} {
		for _, block := range blocks {
			if block == nil || block.Header == nil {
				return fmt.Errorf("%w: empty block in bootstrap state", ErrValidation)
			}
		}
	}
	for _, op := range s.Operations {
		if op == nil {
			return fmt.Errorf("%w: empty operation in bootstrap state", ErrValidation)
		}
	}
	for _, msg := range s.Final.AsyncMessages {
		if msg == nil {
			return fmt.Errorf("%w: empty async message in bootstrap state", ErrValidation)
		}
	}
	return nil
}

type blockToProcess struct {
	id         BlockID
	block      *Block
	source     string
	resultChan chan<- error
}

type opToProcess struct {
	id         OperationID
	op         *Operation
	source     string
	resultChan chan<- error
}

type endorsementToProcess struct {
	endorsement *Endorsement
	source      string
	resultChan  chan<- error
}

type addressInfoRequest struct {
	addrs      []Address
	resultChan chan<- []AddressInfo
}

type snapshotResult struct {
	snapshot *BootstrapSnapshot
	err      error
}

type snapshotRequest struct {
	resultChan chan<- snapshotResult
}

// NewProcessor returns a new Processor resuming from the final state. The graph starts from
// the latest settled block of every thread plus the final blocks archived after it.
func NewProcessor(cfg *Config, final *FinalState, blockStore BlockStorage, opPool OperationPool,
	endorsementPool *EndorsementPool, metrics *Metrics, logger *zap.Logger) (*Processor, error) {

	genesisKey, err := cfg.GenesisPublicKey()
	if err != nil {
		return nil, err
	}
	genesis, genesisBlocks, err := GenesisBlocks(cfg.ThreadCount, genesisKey)
	if err != nil {
		return nil, err
	}
	p := &Processor{
		cfg:                       cfg,
		clock:                     cfg.Clock(),
		genesis:                   genesis,
		genesisBlocks:             make(map[BlockID]*Block, len(genesis)),
		final:                     final,
		blockStore:                blockStore,
		opPool:                    opPool,
		endorsementPool:           endorsementPool,
		metrics:                   metrics,
		logger:                    logger.Named("processor"),
		blockChan:                 make(chan blockToProcess, cfg.ChannelSize),
		opChan:                    make(chan opToProcess, cfg.ChannelSize),
		endorsementChan:           make(chan endorsementToProcess, cfg.ChannelSize),
		addressInfoChan:           make(chan addressInfoRequest),
		snapshotChan:              make(chan snapshotRequest),
		registerPoolItemChan:      make(chan chan<- PoolItem),
		unregisterPoolItemChan:    make(chan chan<- PoolItem),
		registerGraphChangeChan:   make(chan chan<- GraphChange),
		unregisterGraphChangeChan: make(chan chan<- GraphChange),
		poolItemChannels:          make(map[chan<- PoolItem]struct{}),
		graphChangeChannels:       make(map[chan<- GraphChange]struct{}),
		fatalChan:                 make(chan error, 1),
		shutdownChan:              make(chan struct{}),
		doneChan:                  make(chan struct{}),
	}
	for i, id := range genesis {
		p.genesisBlocks[id] = genesisBlocks[i]
	}

	finals, err := p.loadFinalBlocks()
	if err != nil {
		return nil, err
	}
	if p.graph, err = NewBlockGraph(cfg, final.Selector(), genesis, finals, logger); err != nil {
		return nil, err
	}
	p.export.Store(p.graph.Export())
	return p, nil
}

// loadFinalBlocks returns the blocks the graph resumes from
func (p *Processor) loadFinalBlocks() ([]*Block, error) {
	var finals []*Block
	for _, id := range p.final.LatestFinal() {
		block, err := p.getStoredBlock(id)
		if err != nil {
			return nil, err
		}
		if block == nil {
			return nil, fmt.Errorf("%w: latest final block %s not found", ErrStateCorruption, id)
		}
		finals = append(finals, block)
	}
	if p.blockStore == nil {
		return finals, nil
	}
	unsettled, err := p.blockStore.GetFinalBlocksAfter(p.final.Slot())
	if err != nil {
		return nil, err
	}
	for _, id := range unsettled {
		block, err := p.blockStore.GetBlock(id)
		if err != nil {
			return nil, err
		}
		if block == nil {
			return nil, fmt.Errorf("%w: indexed final block %s not found", ErrStateCorruption, id)
		}
		finals = append(finals, block)
	}
	return finals, nil
}

func (p *Processor) getStoredBlock(id BlockID) (*Block, error) {
	if block, ok := p.genesisBlocks[id]; ok {
		return block, nil
	}
	if p.blockStore == nil {
		return nil, nil
	}
	return p.blockStore.GetBlock(id)
}

// ApplyBootstrap replaces the final state and the graph with a bootstrapped state.
// It must be called before Run.
func (p *Processor) ApplyBootstrap(state *BootstrapState) error {
	if err := state.check(); err != nil {
		return err
	}
	finalIDs := make(map[BlockID]struct{}, len(state.FinalBlocks))
	for _, block := range state.FinalBlocks {
		id, err := block.ID()
		if err != nil {
			return err
		}
		finalIDs[id] = struct{}{}
		if _, ok := p.genesisBlocks[id]; ok || p.blockStore == nil {
			continue
		}
		if err := p.blockStore.Store(id, block, time.Now().Unix()); err != nil {
			return err
		}
	}
	for _, id := range state.Final.LatestFinal {
		if _, ok := finalIDs[id]; !ok {
			return fmt.Errorf("%w: latest final block %s missing from bootstrap", ErrValidation, id)
		}
	}

	if err := p.final.Replace(state.Final); err != nil {
		return err
	}
	graph, err := NewBlockGraph(p.cfg, p.final.Selector(), p.genesis, state.FinalBlocks, p.logger)
	if err != nil {
		return err
	}
	p.graph = graph

	current := p.currentSlot()
	blocks := append([]*Block{}, state.Blocks...)
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Header.Slot.Before(blocks[j].Header.Slot) })
	for _, block := range blocks {
		id, err := block.ID()
		if err != nil {
			return err
		}
		if _, err := p.graph.AddBlock(id, block, current); err != nil {
			p.logger.Debug("Bootstrapped block rejected", zap.Stringer("block", id), zap.Error(err))
		}
	}
	for _, op := range state.Operations {
		id, err := op.ID()
		if err != nil {
			return err
		}
		if _, err := p.opPool.Add(id, op, current.Period); err != nil {
			p.logger.Debug("Bootstrapped operation rejected", zap.Stringer("operation", id), zap.Error(err))
		}
	}
	p.export.Store(p.graph.Export())
	p.logger.Info("Bootstrap state applied",
		zap.Stringer("final_slot", state.Final.Slot),
		zap.Int("final_blocks", len(state.FinalBlocks)),
		zap.Int("blocks", len(state.Blocks)),
		zap.Int("operations", len(state.Operations)))
	return nil
}

// Run executes the Processor's main loop in its own goroutine.
func (p *Processor) Run() {
	p.started = true
	p.wg.Add(1)
	go p.run()
}

func (p *Processor) run() {
	defer p.wg.Done()
	defer close(p.doneChan)

	// settle whatever was final but unexecuted when the node stopped
	if err := p.afterGraphChange(newGraphChanges(), ""); errors.Is(err, ErrStateCorruption) {
		p.halt(err)
		return
	}

	slotTimer := time.NewTimer(p.untilNextSlot())
	defer slotTimer.Stop()
	pruneTicker := time.NewTicker(p.cfg.BlockDBPruneInterval)
	defer pruneTicker.Stop()

	for {
		var err error
		select {
		case b := <-p.blockChan:
			err = p.processBlock(b.id, b.block, b.source)
			b.resultChan <- err
			if errors.Is(err, ErrStateCorruption) {
				p.halt(err)
				return
			}

		case o := <-p.opChan:
			o.resultChan <- p.processOperation(o.id, o.op, o.source)

		case e := <-p.endorsementChan:
			e.resultChan <- p.processEndorsement(e.endorsement, e.source)

		case <-slotTimer.C:
			current := p.currentSlot()
			p.logger.Debug("Slot tick", zap.Stringer("slot", current))
			err = p.afterGraphChange(p.graph.SlotTick(current), "")
			if errors.Is(err, ErrStateCorruption) {
				p.halt(err)
				return
			}
			p.opPool.PruneExpired(current.Period)
			slotTimer.Reset(p.untilNextSlot())

		case <-pruneTicker.C:
			p.prune()

		case req := <-p.addressInfoChan:
			req.resultChan <- p.addressInfo(req.addrs)

		case req := <-p.snapshotChan:
			snapshot, err := p.bootstrapSnapshot()
			req.resultChan <- snapshotResult{snapshot: snapshot, err: err}

		case ch := <-p.registerPoolItemChan:
			p.poolItemChannels[ch] = struct{}{}

		case ch := <-p.unregisterPoolItemChan:
			delete(p.poolItemChannels, ch)

		case ch := <-p.registerGraphChangeChan:
			p.graphChangeChannels[ch] = struct{}{}

		case ch := <-p.unregisterGraphChangeChan:
			delete(p.graphChangeChannels, ch)

		case _, ok := <-p.shutdownChan:
			if !ok {
				p.logger.Info("Processor shutting down...")
				return
			}
		}
	}
}

// halt stops the processor on a fatal error
func (p *Processor) halt(err error) {
	p.logger.Error("Final state corrupted, processor halted", zap.Error(err))
	p.fatalChan <- err
}

// Fatal returns a channel receiving the error that halted the processor.
func (p *Processor) Fatal() <-chan error {
	return p.fatalChan
}

// Shutdown stops the processor synchronously.
func (p *Processor) Shutdown() {
	close(p.shutdownChan)
	if !p.started {
		close(p.doneChan)
	}
	p.wg.Wait()
	p.logger.Info("Processor shutdown")
}

// ProcessBlock is called to process a new block.
func (p *Processor) ProcessBlock(id BlockID, block *Block, from string) error {
	resultChan := make(chan error, 1)
	select {
	case p.blockChan <- blockToProcess{id: id, block: block, source: from, resultChan: resultChan}:
	case <-p.doneChan:
		return fmt.Errorf("processor is shut down")
	}
	return p.awaitResult(resultChan)
}

// ProcessOperation is called to process a new candidate operation for the operation pool.
func (p *Processor) ProcessOperation(id OperationID, op *Operation, from string) error {
	resultChan := make(chan error, 1)
	select {
	case p.opChan <- opToProcess{id: id, op: op, source: from, resultChan: resultChan}:
	case <-p.doneChan:
		return fmt.Errorf("processor is shut down")
	}
	return p.awaitResult(resultChan)
}

// ProcessEndorsement is called to process a new endorsement for the endorsement pool.
func (p *Processor) ProcessEndorsement(e *Endorsement, from string) error {
	resultChan := make(chan error, 1)
	select {
	case p.endorsementChan <- endorsementToProcess{endorsement: e, source: from, resultChan: resultChan}:
	case <-p.doneChan:
		return fmt.Errorf("processor is shut down")
	}
	return p.awaitResult(resultChan)
}

func (p *Processor) awaitResult(resultChan <-chan error) error {
	select {
	case err := <-resultChan:
		return err
	case <-p.doneChan:
		return fmt.Errorf("processor is shut down")
	}
}

// GetAddressInfo returns the final and pending stake of the addresses.
func (p *Processor) GetAddressInfo(addrs []Address) []AddressInfo {
	resultChan := make(chan []AddressInfo, 1)
	select {
	case p.addressInfoChan <- addressInfoRequest{addrs: addrs, resultChan: resultChan}:
	case <-p.doneChan:
		return nil
	}
	select {
	case info := <-resultChan:
		return info
	case <-p.doneChan:
		return nil
	}
}

// GetBootstrapSnapshot returns a consistent snapshot for a bootstrap session.
func (p *Processor) GetBootstrapSnapshot() (*BootstrapSnapshot, error) {
	resultChan := make(chan snapshotResult, 1)
	select {
	case p.snapshotChan <- snapshotRequest{resultChan: resultChan}:
	case <-p.doneChan:
		return nil, fmt.Errorf("processor is shut down")
	}
	select {
	case res := <-resultChan:
		return res.snapshot, res.err
	case <-p.doneChan:
		return nil, fmt.Errorf("processor is shut down")
	}
}

// GetSelectionDraws returns the draws of every slot in [start, end).
func (p *Processor) GetSelectionDraws(start, end Slot) ([]SlotSelection, error) {
	return p.final.Selector().GetSelectionDraws(start, end)
}

// GetEvents returns the retained execution events of a slot range.
func (p *Processor) GetEvents(start, end *Slot) []Event {
	return p.final.Events(start, end)
}

// Export returns the latest published graph export.
func (p *Processor) Export() *GraphExport {
	return p.export.Load()
}

// GetBlockStatus returns a block's status in the latest export.
func (p *Processor) GetBlockStatus(id BlockID) BlockStatus {
	return p.export.Load().Status(id)
}

// GetBlock returns a block from the graph or the archive.
func (p *Processor) GetBlock(id BlockID) (*Block, error) {
	if b, ok := p.export.Load().Blocks[id]; ok {
		return b.Block, nil
	}
	return p.getStoredBlock(id)
}

// RegisterForPoolItems is called to register to receive notifications of newly pooled items.
func (p *Processor) RegisterForPoolItems(ch chan<- PoolItem) {
	select {
	case p.registerPoolItemChan <- ch:
	case <-p.doneChan:
	}
}

// UnregisterForPoolItems is called to unregister to receive notifications of newly pooled items.
func (p *Processor) UnregisterForPoolItems(ch chan<- PoolItem) {
	select {
	case p.unregisterPoolItemChan <- ch:
	case <-p.doneChan:
	}
}

// RegisterForGraphChanges is called to register to receive notifications of graph changes.
func (p *Processor) RegisterForGraphChanges(ch chan<- GraphChange) {
	select {
	case p.registerGraphChangeChan <- ch:
	case <-p.doneChan:
	}
}

// UnregisterForGraphChanges is called to unregister to receive notifications of graph changes.
func (p *Processor) UnregisterForGraphChanges(ch chan<- GraphChange) {
	select {
	case p.unregisterGraphChangeChan <- ch:
	case <-p.doneChan:
	}
}

func (p *Processor) currentSlot() Slot {
	slot, ok := p.clock.SlotAt(time.Now())
	if !ok {
		return Slot{}
	}
	return slot
}

func (p *Processor) untilNextSlot() time.Duration {
	now := time.Now()
	_, at, err := p.clock.NextSlotAt(now)
	if err != nil {
		return time.Duration(math.MaxInt64)
	}
	return at.Sub(now)
}

// Process a block
func (p *Processor) processBlock(id BlockID, block *Block, source string) error {
	p.metrics.blocksReceived.Inc()
	changes, err := p.graph.AddBlock(id, block, p.currentSlot())
	if err != nil {
		p.logger.Debug("Block rejected", zap.Stringer("block", id), zap.String("source", source), zap.Error(err))
	}
	if changeErr := p.afterGraphChange(changes, source); changeErr != nil {
		return changeErr
	}
	return err
}

// Process an operation
func (p *Processor) processOperation(id OperationID, op *Operation, source string) error {
	if _, ok := p.export.Load().OperationsInBlockclique()[id]; ok {
		return nil
	}
	added, err := p.opPool.Add(id, op, p.currentSlot().Period)
	if err != nil || !added {
		return err
	}
	p.logger.Debug("Operation pooled", zap.Stringer("operation", id), zap.String("source", source))
	for ch := range p.poolItemChannels {
		// we don't want to block
		select {
		case ch <- PoolItem{OperationID: &id, Operation: op, Source: source}:
		default:
		}
	}
	return nil
}

// Process an endorsement
func (p *Processor) processEndorsement(e *Endorsement, source string) error {
	if e.Index >= p.cfg.EndorsementCount {
		return fmt.Errorf("%w: endorsement index %d out of range", ErrValidation, e.Index)
	}
	sel, err := p.final.Selector().DrawForSlot(e.Slot)
	if err != nil {
		return err
	}
	if sel.Endorsers[e.Index] != e.Sender() {
		return fmt.Errorf("%w: endorsement %d at %s not signed by the drawn endorser", ErrInvalidProducer, e.Index, e.Slot)
	}
	added, err := p.endorsementPool.Add(e)
	if err != nil || !added {
		return err
	}
	for ch := range p.poolItemChannels {
		select {
		case ch <- PoolItem{Endorsement: e, Source: source}:
		default:
		}
	}
	return nil
}

// afterGraphChange archives and settles new final blocks, then publishes the new export.
// Every error it returns is an ErrStateCorruption.
func (p *Processor) afterGraphChange(changes *GraphChanges, source string) error {
	var settledOps []OperationID
	newFinal := changes.NewFinal
	for {
		if err := p.archive(newFinal); err != nil {
			return err
		}
		ops, slots, err := p.settle()
		if err != nil {
			if !errors.Is(err, ErrStateCorruption) {
				err = fmt.Errorf("%w: %w", ErrStateCorruption, err)
			}
			return err
		}
		settledOps = append(settledOps, ops...)

		// blocks waiting for draws may be checked once the final PoS state moved forward
		if slots == 0 || p.graph.WaitingForDraws() == 0 {
			break
		}
		retried := p.graph.RetryDraws()
		changes.Merge(retried)
		if len(retried.NewFinal) == 0 {
			break
		}
		newFinal = retried.NewFinal
	}
	if len(settledOps) != 0 {
		p.opPool.RemoveBatch(settledOps)
	}
	p.endorsementPool.Prune(p.graph.LatestFinalSlots())

	for _, attack := range changes.Attacks {
		p.logger.Warn("Multiple blocks signed for one slot",
			zap.Stringer("creator", attack.Creator), zap.Stringer("slot", attack.Slot),
			zap.Int("blocks", len(attack.Blocks)))
	}

	if changes.Empty() && len(settledOps) == 0 {
		return nil
	}
	export := p.graph.Export()
	p.export.Store(export)
	p.metrics.observeGraph(changes, export)
	p.metrics.observeFinal(p.final, p.opPool)
	if changes.BlockcliqueChanged {
		p.logger.Debug("Blockclique changed",
			zap.Int("cliques", len(export.Cliques)),
			zap.Uint64("fitness", export.Blockclique().Fitness))
	}

	for ch := range p.graphChangeChannels {
		// we don't want to block
		select {
		case ch <- GraphChange{Changes: changes, Export: export, Source: source}:
		default:
		}
	}
	return nil
}

// archive stores new final blocks in the block storage
func (p *Processor) archive(newFinal []BlockID) error {
	now := time.Now().Unix()
	for _, id := range newFinal {
		if _, ok := p.genesisBlocks[id]; ok || p.blockStore == nil {
			continue
		}
		block, err := p.graphBlock(id)
		if err != nil {
			return err
		}
		if err := p.blockStore.Store(id, block, now); err != nil {
			return fmt.Errorf("%w: archiving final block %s: %s", ErrStateCorruption, id, err.Error())
		}
	}
	return nil
}

func (p *Processor) graphBlock(id BlockID) (*Block, error) {
	if ab, ok := p.graph.active[id]; ok {
		return ab.block, nil
	}
	return nil, fmt.Errorf("%w: block %s not in graph", ErrStateCorruption, id)
}

// settle executes every slot whose final content is known, in slot order. A slot is settled
// once its thread has a final block at or after it. It returns the operations of the settled
// blocks and the number of settled slots.
func (p *Processor) settle() ([]OperationID, int, error) {
	var ops []OperationID
	var slots int
	latestFinalSlots := p.graph.LatestFinalSlots()
	for {
		next, err := p.final.Slot().NextSlot(p.cfg.ThreadCount)
		if err != nil {
			return ops, slots, err
		}
		if latestFinalSlots[next.Thread].Before(next) {
			return ops, slots, nil
		}

		var blockID *BlockID
		var block *Block
		if id, b, ok := p.graph.GetFinalBlockAt(next); ok {
			blockID, block = &id, b
		} else if p.blockStore != nil {
			if blockID, err = p.blockStore.GetFinalBlockAt(next); err != nil {
				return ops, slots, err
			}
			if blockID != nil {
				if block, err = p.blockStore.GetBlock(*blockID); err != nil {
					return ops, slots, err
				}
			}
		}

		settled, err := p.final.SettleSlot(next, blockID, block)
		if err != nil {
			return ops, slots, err
		}
		slots++
		p.metrics.slotsSettled.Inc()
		if block != nil {
			for _, op := range block.Operations {
				id, err := op.ID()
				if err != nil {
					return ops, slots, err
				}
				ops = append(ops, id)
			}
		}
		for _, addr := range settled.Deactivated {
			p.logger.Info("Address rolls deactivated", zap.Stringer("address", addr))
		}
	}
}

// prune evicts old final blocks from the graph. They were archived when they became final.
func (p *Processor) prune() {
	pruned := p.graph.Prune(p.final.Slot())
	if len(pruned) == 0 {
		return
	}
	p.export.Store(p.graph.Export())
	p.logger.Debug("Pruned final blocks", zap.Int("count", len(pruned)))
}

func (p *Processor) addressInfo(addrs []Address) []AddressInfo {
	export := p.export.Load()
	cycle := p.currentSlot().Cycle(p.cfg.PeriodsPerCycle)
	lookbackRolls, _, lookbackErr := p.final.PoS().LookbackState(cycle)

	// pending roll trades in non-final blockclique blocks
	buys := make(map[Address]uint64)
	sells := make(map[Address]uint64)
	for _, block := range export.BlockcliqueBlocks() {
		for _, op := range block.Operations {
			switch op.Type {
			case ROLL_BUY:
				buys[op.Sender()] += op.RollCount
			case ROLL_SELL:
				sells[op.Sender()] += op.RollCount
			}
		}
	}

	infos := make([]AddressInfo, 0, len(addrs))
	for _, addr := range addrs {
		info := AddressInfo{Address: addr, FinalRolls: p.final.PoS().GetRolls(addr)}
		balance, err := p.final.GetBalance(addr)
		if err != nil {
			p.logger.Error("Reading final balance", zap.Stringer("address", addr), zap.Error(err))
		}
		info.FinalBalance = balance
		if lookbackErr == nil {
			info.ActiveRolls = lookbackRolls[addr]
		}
		candidate := info.FinalRolls + buys[addr]
		if candidate > sells[addr] {
			info.CandidateRolls = candidate - sells[addr]
		}
		infos = append(infos, info)
	}
	return infos
}

func (p *Processor) bootstrapSnapshot() (*BootstrapSnapshot, error) {
	ledger, pos, msgs, err := p.final.Snapshot()
	if err != nil {
		return nil, err
	}
	return &BootstrapSnapshot{
		Slot:          p.final.Slot(),
		LatestFinal:   p.final.LatestFinal(),
		Ledger:        ledger,
		PoS:           pos,
		AsyncMessages: msgs,
		Graph:         p.export.Load(),
		Operations:    p.opPool.All(),
	}, nil
}
