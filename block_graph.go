package blockclique

import (
	"errors"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

// BlockStatus is where a block stands in the graph.
type BlockStatus int

const (
	BLOCK_UNKNOWN BlockStatus = iota
	BLOCK_WAITING_FOR_SLOT
	BLOCK_WAITING_FOR_DEPENDENCIES
	BLOCK_ACTIVE
	BLOCK_FINAL
	BLOCK_DISCARDED
)

// String implements the Stringer interface.
func (s BlockStatus) String() string {
	switch s {
	case BLOCK_WAITING_FOR_SLOT:
		return "waiting_for_slot"
	case BLOCK_WAITING_FOR_DEPENDENCIES:
		return "waiting_for_dependencies"
	case BLOCK_ACTIVE:
		return "active"
	case BLOCK_FINAL:
		return "final"
	case BLOCK_DISCARDED:
		return "discarded"
	}
	return "unknown"
}

// DiscardReason tells why a block was discarded.
type DiscardReason int

const (
	DISCARD_INVALID DiscardReason = iota
	DISCARD_STALE
	DISCARD_UNRESOLVED
)

// String implements the Stringer interface.
func (r DiscardReason) String() string {
	switch r {
	case DISCARD_INVALID:
		return "invalid"
	case DISCARD_STALE:
		return "stale"
	}
	return "unresolved"
}

// DrawProvider answers who was drawn for a slot.
type DrawProvider interface {
	DrawForSlot(slot Slot) (*Selection, error)
}

// AttackAttempt is a creator signing more than one block for the same slot.
type AttackAttempt struct {
	Creator Address   `json:"creator"`
	Slot    Slot      `json:"slot"`
	Blocks  []BlockID `json:"blocks"`
}

// GraphChanges reports what one graph mutation did.
type GraphChanges struct {
	NewActive          []BlockID
	NewFinal           []BlockID // slot order
	Discarded          map[BlockID]DiscardReason
	WishlistAdd        []BlockID
	WishlistRemove     []BlockID
	Attacks            []AttackAttempt
	BlockcliqueChanged bool
}

func newGraphChanges() *GraphChanges {
	return &GraphChanges{Discarded: make(map[BlockID]DiscardReason)}
}

// Merge appends the changes of a later mutation.
func (c *GraphChanges) Merge(other *GraphChanges) {
	c.NewActive = append(c.NewActive, other.NewActive...)
	c.NewFinal = append(c.NewFinal, other.NewFinal...)
	for id, reason := range other.Discarded {
		c.Discarded[id] = reason
	}
	c.WishlistAdd = append(c.WishlistAdd, other.WishlistAdd...)
	c.WishlistRemove = append(c.WishlistRemove, other.WishlistRemove...)
	c.Attacks = append(c.Attacks, other.Attacks...)
	c.BlockcliqueChanged = c.BlockcliqueChanged || other.BlockcliqueChanged
}

// Empty returns true if nothing changed.
func (c *GraphChanges) Empty() bool {
	return len(c.NewActive) == 0 && len(c.NewFinal) == 0 && len(c.Discarded) == 0 &&
		len(c.WishlistAdd) == 0 && len(c.WishlistRemove) == 0 && len(c.Attacks) == 0 &&
		!c.BlockcliqueChanged
}

type activeBlock struct {
	id          BlockID
	block       *Block
	slot        Slot
	creator     Address
	parents     []BlockID
	parentSlots []Slot // nil when the block was loaded without its ancestry
	children    mapset.Set[BlockID]
	operations  []OperationID
	isFinal     bool
	fitness     uint64
}

type pendingBlock struct {
	id      BlockID
	block   *Block
	missing mapset.Set[BlockID]
	seq     uint64
}

type discardedBlock struct {
	slot   Slot
	reason DiscardReason
	seq    uint64
}

type creatorSlot struct {
	creator Address
	slot    Slot
}

// BlockGraph maintains the multithreaded block DAG, its cliques and finality.
// It is not safe for concurrent use. The processor is its only writer and readers use exports.
type BlockGraph struct {
	cfg      *Config
	draws    DrawProvider
	logger   *zap.Logger
	seq      uint64
	genesis  []BlockID
	active   map[BlockID]*activeBlock // active and final blocks in memory
	waitSlot map[BlockID]*pendingBlock
	waitDeps map[BlockID]*pendingBlock
	waitDraw map[BlockID]*pendingBlock // parents known, the PoS draws of its slots not yet
	discard  map[BlockID]*discardedBlock
	gi       map[BlockID]mapset.Set[BlockID] // incompatibilities between non-final blocks
	cliques  []*Clique
	bc       int // blockclique index

	latestFinal      []BlockID
	latestFinalSlots []Slot
	finalBySlot      map[Slot]BlockID
	opIndex          map[OperationID]mapset.Set[BlockID]
	creatorSlots     map[creatorSlot][]BlockID
	wishlist         mapset.Set[BlockID]
}

// NewBlockGraph returns a graph whose only blocks are the given final blocks. At genesis these
// are the genesis blocks. On restart or after bootstrap they are the recent final history.
func NewBlockGraph(cfg *Config, draws DrawProvider, genesis []BlockID, finals []*Block, logger *zap.Logger) (
	*BlockGraph, error) {

	g := &BlockGraph{
		cfg:              cfg,
		draws:            draws,
		logger:           logger.Named("graph"),
		genesis:          genesis,
		active:           make(map[BlockID]*activeBlock),
		waitSlot:         make(map[BlockID]*pendingBlock),
		waitDeps:         make(map[BlockID]*pendingBlock),
		waitDraw:         make(map[BlockID]*pendingBlock),
		discard:          make(map[BlockID]*discardedBlock),
		gi:               make(map[BlockID]mapset.Set[BlockID]),
		latestFinal:      make([]BlockID, cfg.ThreadCount),
		latestFinalSlots: make([]Slot, cfg.ThreadCount),
		finalBySlot:      make(map[Slot]BlockID),
		opIndex:          make(map[OperationID]mapset.Set[BlockID]),
		creatorSlots:     make(map[creatorSlot][]BlockID),
		wishlist:         mapset.NewThreadUnsafeSet[BlockID](),
	}

	sorted := append([]*Block{}, finals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Header.Slot.Before(sorted[j].Header.Slot) })
	haveThread := make([]bool, cfg.ThreadCount)
	for _, block := range sorted {
		id, err := block.ID()
		if err != nil {
			return nil, err
		}
		slot := block.Header.Slot
		if slot.Thread >= cfg.ThreadCount {
			return nil, fmt.Errorf("%w: final block %s in thread %d", ErrStateCorruption, id, slot.Thread)
		}
		ab := g.newActiveBlock(id, block)
		ab.isFinal = true
		g.insert(ab)
		g.finalBySlot[slot] = id
		g.latestFinal[slot.Thread] = id
		g.latestFinalSlots[slot.Thread] = slot
		haveThread[slot.Thread] = true
	}
	for t, ok := range haveThread {
		if !ok {
			return nil, fmt.Errorf("%w: no final block in thread %d", ErrStateCorruption, t)
		}
	}
	g.cliques = []*Clique{{Blocks: mapset.NewThreadUnsafeSet[BlockID](), IsBlockclique: true}}
	return g, nil
}

func (g *BlockGraph) newActiveBlock(id BlockID, block *Block) *activeBlock {
	ab := &activeBlock{
		id:       id,
		block:    block,
		slot:     block.Header.Slot,
		creator:  block.Creator(),
		parents:  block.Header.Parents,
		children: mapset.NewThreadUnsafeSet[BlockID](),
		fitness:  block.Fitness(),
	}
	if len(ab.parents) != 0 {
		slots := make([]Slot, 0, len(ab.parents))
		for _, pid := range ab.parents {
			p, ok := g.active[pid]
			if !ok {
				slots = nil
				break
			}
			slots = append(slots, p.slot)
		}
		ab.parentSlots = slots
	}
	for _, op := range block.Operations {
		if opID, err := op.ID(); err == nil {
			ab.operations = append(ab.operations, opID)
		}
	}
	return ab
}

// insert links a block into the arena
func (g *BlockGraph) insert(ab *activeBlock) {
	g.active[ab.id] = ab
	for _, pid := range ab.parents {
		if p, ok := g.active[pid]; ok {
			p.children.Add(ab.id)
		}
	}
	// children loaded before their parent
	for id, other := range g.active {
		for _, pid := range other.parents {
			if pid == ab.id {
				ab.children.Add(id)
			}
		}
	}
	for _, opID := range ab.operations {
		set, ok := g.opIndex[opID]
		if !ok {
			set = mapset.NewThreadUnsafeSet[BlockID]()
			g.opIndex[opID] = set
		}
		set.Add(ab.id)
	}
}

// unlink removes a block from the arena
func (g *BlockGraph) unlink(ab *activeBlock) {
	delete(g.active, ab.id)
	for _, pid := range ab.parents {
		if p, ok := g.active[pid]; ok {
			p.children.Remove(ab.id)
		}
	}
	for _, opID := range ab.operations {
		if set, ok := g.opIndex[opID]; ok {
			set.Remove(ab.id)
			if set.Cardinality() == 0 {
				delete(g.opIndex, opID)
			}
		}
	}
	if gi, ok := g.gi[ab.id]; ok {
		gi.Each(func(other BlockID) bool {
			if set, ok := g.gi[other]; ok {
				set.Remove(ab.id)
			}
			return false
		})
		delete(g.gi, ab.id)
	}
}

// GetStatus returns a block's status.
func (g *BlockGraph) GetStatus(id BlockID) BlockStatus {
	if ab, ok := g.active[id]; ok {
		if ab.isFinal {
			return BLOCK_FINAL
		}
		return BLOCK_ACTIVE
	}
	if _, ok := g.waitSlot[id]; ok {
		return BLOCK_WAITING_FOR_SLOT
	}
	if _, ok := g.waitDeps[id]; ok {
		return BLOCK_WAITING_FOR_DEPENDENCIES
	}
	if _, ok := g.waitDraw[id]; ok {
		return BLOCK_WAITING_FOR_DEPENDENCIES
	}
	if _, ok := g.discard[id]; ok {
		return BLOCK_DISCARDED
	}
	return BLOCK_UNKNOWN
}

// GetFinalBlockAt returns the final block of a slot if it is still in memory.
func (g *BlockGraph) GetFinalBlockAt(slot Slot) (BlockID, *Block, bool) {
	id, ok := g.finalBySlot[slot]
	if !ok {
		return BlockID{}, nil, false
	}
	return id, g.active[id].block, true
}

// LatestFinalSlots returns the slot of the latest final block of every thread.
func (g *BlockGraph) LatestFinalSlots() []Slot {
	return append([]Slot{}, g.latestFinalSlots...)
}

// LatestFinalBlocks returns the latest final block of every thread.
func (g *BlockGraph) LatestFinalBlocks() []BlockID {
	return append([]BlockID{}, g.latestFinal...)
}

// AddBlock processes a block received from the network or produced locally. current is
// the slot at the time of reception. Adding a known block is a no-op.
func (g *BlockGraph) AddBlock(id BlockID, block *Block, current Slot) (*GraphChanges, error) {
	ch := newGraphChanges()
	if g.GetStatus(id) != BLOCK_UNKNOWN {
		return ch, nil
	}
	if g.wishlist.Contains(id) {
		g.wishlist.Remove(id)
		ch.WishlistRemove = append(ch.WishlistRemove, id)
	}

	if err := checkBlock(g.cfg, id, block); err != nil {
		g.markDiscarded(ch, id, block.Header, DISCARD_INVALID)
		return ch, err
	}

	slot := block.Header.Slot
	if !g.latestFinalSlots[slot.Thread].Before(slot) {
		// every block of this thread up to there is already final
		g.markDiscarded(ch, id, block.Header, DISCARD_STALE)
		return ch, nil
	}

	if current.Before(slot) {
		if slot.Period > current.Period+g.cfg.FutureBlockProcessingMaxPeriods {
			return ch, fmt.Errorf("%w: block %s at %s is too far in the future", ErrValidation, id, slot)
		}
		g.addWaitingForSlot(id, block)
		return ch, nil
	}

	err := g.processIncoming(ch, id, block)
	return ch, err
}

// SlotTick releases the blocks waiting for slots up to current, then retries the blocks
// waiting for draws.
func (g *BlockGraph) SlotTick(current Slot) *GraphChanges {
	ch := newGraphChanges()
	var ready []*pendingBlock
	for _, pb := range g.waitSlot {
		if !current.Before(pb.block.Header.Slot) {
			ready = append(ready, pb)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		return ready[i].block.Header.Slot.Before(ready[j].block.Header.Slot)
	})
	for _, pb := range ready {
		delete(g.waitSlot, pb.id)
		if err := g.processIncoming(ch, pb.id, pb.block); err != nil {
			g.logger.Debug("Block released at its slot rejected", zap.Stringer("block", pb.id), zap.Error(err))
		}
	}
	ch.Merge(g.RetryDraws())
	return ch
}

// WaitingForDraws returns the number of blocks waiting for the draws of their slots.
func (g *BlockGraph) WaitingForDraws() int {
	return len(g.waitDraw)
}

// RetryDraws checks again the blocks waiting for draws, in slot order. Those whose draws are
// still unavailable keep waiting.
func (g *BlockGraph) RetryDraws() *GraphChanges {
	ch := newGraphChanges()
	if len(g.waitDraw) == 0 {
		return ch
	}
	waiting := make([]*pendingBlock, 0, len(g.waitDraw))
	for _, pb := range g.waitDraw {
		waiting = append(waiting, pb)
	}
	sort.Slice(waiting, func(i, j int) bool {
		if waiting[i].block.Header.Slot == waiting[j].block.Header.Slot {
			return waiting[i].seq < waiting[j].seq
		}
		return waiting[i].block.Header.Slot.Before(waiting[j].block.Header.Slot)
	})
	for _, pb := range waiting {
		if _, ok := g.waitDraw[pb.id]; !ok {
			// discarded meanwhile
			continue
		}
		delete(g.waitDraw, pb.id)
		if err := g.activate(ch, pb.id, pb.block); err != nil {
			g.logger.Debug("Block waiting for draws rejected", zap.Stringer("block", pb.id), zap.Error(err))
		}
	}
	g.resolveDependents(ch)
	return ch
}

func (g *BlockGraph) addWaitingForDraws(ch *GraphChanges, id BlockID, block *Block) {
	g.seq++
	g.waitDraw[id] = &pendingBlock{id: id, block: block, seq: g.seq}
	for len(g.waitDraw) > g.cfg.MaxDependencyBlock {
		// evict the oldest slot
		var oldest *pendingBlock
		for _, pb := range g.waitDraw {
			if oldest == nil || pb.block.Header.Slot.Before(oldest.block.Header.Slot) ||
				(pb.block.Header.Slot == oldest.block.Header.Slot && pb.seq < oldest.seq) {
				oldest = pb
			}
		}
		delete(g.waitDraw, oldest.id)
		g.logger.Debug("Dropping block waiting for draws", zap.Stringer("block", oldest.id))
		g.markDiscarded(ch, oldest.id, oldest.block.Header, DISCARD_UNRESOLVED)
	}
}

func (g *BlockGraph) addWaitingForSlot(id BlockID, block *Block) {
	g.seq++
	g.waitSlot[id] = &pendingBlock{id: id, block: block, seq: g.seq}
	for len(g.waitSlot) > g.cfg.MaxFutureProcessingBlock {
		// evict the furthest in the future
		var furthest *pendingBlock
		for _, pb := range g.waitSlot {
			if furthest == nil || furthest.block.Header.Slot.Before(pb.block.Header.Slot) {
				furthest = pb
			}
		}
		delete(g.waitSlot, furthest.id)
	}
}

// processIncoming activates a block whose slot has come, or parks it until its parents are known
func (g *BlockGraph) processIncoming(ch *GraphChanges, id BlockID, block *Block) error {
	missing := mapset.NewThreadUnsafeSet[BlockID]()
	for _, pid := range block.Header.Parents {
		if _, ok := g.active[pid]; ok {
			continue
		}
		if d, ok := g.discard[pid]; ok {
			reason := d.reason
			if reason == DISCARD_UNRESOLVED {
				reason = DISCARD_STALE
			}
			g.markDiscarded(ch, id, block.Header, reason)
			return nil
		}
		missing.Add(pid)
		_, waitingSlot := g.waitSlot[pid]
		_, waitingDeps := g.waitDeps[pid]
		_, waitingDraw := g.waitDraw[pid]
		if !waitingSlot && !waitingDeps && !waitingDraw && !g.wishlist.Contains(pid) {
			g.wishlist.Add(pid)
			ch.WishlistAdd = append(ch.WishlistAdd, pid)
		}
	}

	if missing.Cardinality() != 0 {
		g.addWaitingForDependencies(ch, id, block, missing)
		return nil
	}

	err := g.activate(ch, id, block)
	g.resolveDependents(ch)
	return err
}

func (g *BlockGraph) addWaitingForDependencies(ch *GraphChanges, id BlockID, block *Block,
	missing mapset.Set[BlockID]) {

	g.seq++
	g.waitDeps[id] = &pendingBlock{id: id, block: block, missing: missing, seq: g.seq}
	for len(g.waitDeps) > g.cfg.MaxDependencyBlock {
		// evict the oldest slot
		var oldest *pendingBlock
		for _, pb := range g.waitDeps {
			if oldest == nil || pb.block.Header.Slot.Before(oldest.block.Header.Slot) ||
				(pb.block.Header.Slot == oldest.block.Header.Slot && pb.seq < oldest.seq) {
				oldest = pb
			}
		}
		delete(g.waitDeps, oldest.id)
		g.logger.Debug("Dropping block waiting for dependencies",
			zap.Stringer("block", oldest.id), zap.Error(ErrUnresolvedDependency))
		g.markDiscarded(ch, oldest.id, oldest.block.Header, DISCARD_UNRESOLVED)
	}
}

// resolveDependents activates waiting blocks whose parents all became active
func (g *BlockGraph) resolveDependents(ch *GraphChanges) {
	for {
		var ready []*pendingBlock
		for _, pb := range g.waitDeps {
			pb.missing.Each(func(pid BlockID) bool {
				if _, ok := g.active[pid]; ok {
					pb.missing.Remove(pid)
				}
				return false
			})
			if pb.missing.Cardinality() == 0 {
				ready = append(ready, pb)
			}
		}
		if len(ready) == 0 {
			return
		}
		sort.Slice(ready, func(i, j int) bool {
			return ready[i].block.Header.Slot.Before(ready[j].block.Header.Slot)
		})
		for _, pb := range ready {
			delete(g.waitDeps, pb.id)
			if err := g.activate(ch, pb.id, pb.block); err != nil {
				g.logger.Debug("Dependent block rejected", zap.Stringer("block", pb.id), zap.Error(err))
			}
		}
	}
}

// markDiscarded remembers a discarded block and cascades to blocks waiting on it
func (g *BlockGraph) markDiscarded(ch *GraphChanges, id BlockID, header *BlockHeader, reason DiscardReason) {
	var slot Slot
	if header != nil {
		slot = header.Slot
	}
	g.seq++
	g.discard[id] = &discardedBlock{slot: slot, reason: reason, seq: g.seq}
	ch.Discarded[id] = reason
	if g.wishlist.Contains(id) {
		g.wishlist.Remove(id)
		ch.WishlistRemove = append(ch.WishlistRemove, id)
	}

	for len(g.discard) > g.cfg.MaxDiscardedBlocks {
		var oldestID BlockID
		var oldest *discardedBlock
		for did, d := range g.discard {
			if oldest == nil || d.seq < oldest.seq {
				oldestID, oldest = did, d
			}
		}
		delete(g.discard, oldestID)
	}

	if reason == DISCARD_UNRESOLVED {
		reason = DISCARD_STALE
	}
	for _, pb := range g.waitDeps {
		if pb.missing.Contains(id) {
			delete(g.waitDeps, pb.id)
			g.markDiscarded(ch, pb.id, pb.block.Header, reason)
		}
	}
}

// activate runs the contextual checks and inserts a block whose parents are all in memory
func (g *BlockGraph) activate(ch *GraphChanges, id BlockID, block *Block) error {
	hdr := block.Header
	if !g.latestFinalSlots[hdr.Slot.Thread].Before(hdr.Slot) {
		g.markDiscarded(ch, id, hdr, DISCARD_STALE)
		return nil
	}

	ab := g.newActiveBlock(id, block)
	parents := make([]*activeBlock, len(hdr.Parents))
	for i, pid := range hdr.Parents {
		parents[i] = g.active[pid]
	}

	if err := g.checkParents(ab, parents); err != nil {
		g.markDiscarded(ch, id, hdr, DISCARD_INVALID)
		return err
	}
	if err := g.checkDraws(id, block, parents); err != nil {
		if isDrawUnavailable(err) {
			g.logger.Debug("Waiting for draws", zap.Stringer("block", id), zap.Error(err))
			g.addWaitingForDraws(ch, id, block)
			return nil
		}
		g.markDiscarded(ch, id, hdr, DISCARD_INVALID)
		return err
	}

	incompatible, err := g.computeIncompatibilities(ab, parents)
	if err != nil {
		g.markDiscarded(ch, id, hdr, DISCARD_INVALID)
		return err
	}
	staleVsFinal := false
	incompatible.Each(func(other BlockID) bool {
		if o, ok := g.active[other]; ok && o.isFinal {
			staleVsFinal = true
			return true
		}
		return false
	})
	if staleVsFinal {
		g.markDiscarded(ch, id, hdr, DISCARD_STALE)
		return nil
	}

	// a creator signing two blocks for one slot is reported, both stay eligible
	key := creatorSlot{creator: ab.creator, slot: ab.slot}
	if previous := g.creatorSlots[key]; len(previous) != 0 {
		ch.Attacks = append(ch.Attacks, AttackAttempt{
			Creator: ab.creator,
			Slot:    ab.slot,
			Blocks:  append(append([]BlockID{}, previous...), id),
		})
	}
	g.creatorSlots[key] = append(g.creatorSlots[key], id)

	g.insert(ab)
	g.gi[id] = incompatible
	incompatible.Each(func(other BlockID) bool {
		g.gi[other].Add(id)
		return false
	})
	ch.NewActive = append(ch.NewActive, id)

	g.updateConsensus(ch)
	return nil
}

func isDrawUnavailable(err error) bool {
	return errors.Is(err, ErrDrawUnavailable)
}

// checkParents verifies the parent references of a block
func (g *BlockGraph) checkParents(ab *activeBlock, parents []*activeBlock) error {
	threadCount := int(g.cfg.ThreadCount)
	for i, p := range parents {
		if int(p.slot.Thread) != i {
			return fmt.Errorf("%w: parent %d of %s is in thread %d", ErrValidation, i, ab.id, p.slot.Thread)
		}
		if !p.slot.Before(ab.slot) {
			return fmt.Errorf("%w: parent %s of %s is not older", ErrValidation, p.id, ab.id)
		}
	}
	if parents[ab.slot.Thread].slot.Period >= ab.slot.Period {
		return fmt.Errorf("%w: own thread parent of %s has period %d", ErrValidation,
			ab.id, parents[ab.slot.Thread].slot.Period)
	}
	for i := 0; i < threadCount; i++ {
		pi := parents[i]
		for j := 0; j < threadCount; j++ {
			if i == j {
				continue
			}
			pj := parents[j]
			if gi, ok := g.gi[pi.id]; ok && gi.Contains(pj.id) {
				return fmt.Errorf("%w: parents %s and %s of %s are incompatible", ErrValidation, pi.id, pj.id, ab.id)
			}
			// topological consistency
			if pi.parentSlots != nil && pi.parentSlots[j].Period > pj.slot.Period {
				return fmt.Errorf("%w: parent %s of %s refers to a newer block in thread %d than parent %s",
					ErrValidation, pi.id, ab.id, j, pj.id)
			}
		}
	}
	return nil
}

// checkDraws verifies the creator and endorsers were drawn for their slots
func (g *BlockGraph) checkDraws(id BlockID, block *Block, parents []*activeBlock) error {
	hdr := block.Header
	sel, err := g.draws.DrawForSlot(hdr.Slot)
	if err != nil {
		return err
	}
	if sel.Producer != block.Creator() {
		return fmt.Errorf("%w: %w: block %s created by %s but %s was drawn",
			ErrValidation, ErrInvalidProducer, id, block.Creator(), sel.Producer)
	}

	own := parents[hdr.Slot.Thread]
	for _, e := range hdr.Endorsements {
		if e.Slot != own.slot {
			return fmt.Errorf("%w: endorsement %d of %s is for slot %s, expected %s",
				ErrValidation, e.Index, id, e.Slot, own.slot)
		}
		esel, err := g.draws.DrawForSlot(e.Slot)
		if err != nil {
			return err
		}
		if esel.Endorsers[e.Index] != e.Sender() {
			return fmt.Errorf("%w: %w: endorsement %d of %s not by the drawn endorser",
				ErrValidation, ErrInvalidProducer, e.Index, id)
		}
	}
	return nil
}

// reaches returns true if target is an ancestor of (or one of) the blocks in from
func (g *BlockGraph) reaches(from []BlockID, target BlockID, targetPeriod uint64) bool {
	visited := make(map[BlockID]struct{})
	stack := append([]BlockID{}, from...)
	for len(stack) != 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		ab, ok := g.active[id]
		if !ok || ab.slot.Period < targetPeriod {
			continue
		}
		for _, pid := range ab.parents {
			stack = append(stack, pid)
		}
	}
	return false
}

// descendants returns every in-memory descendant of a block
func (g *BlockGraph) descendants(id BlockID) mapset.Set[BlockID] {
	out := mapset.NewThreadUnsafeSet[BlockID]()
	ab, ok := g.active[id]
	if !ok {
		return out
	}
	stack := ab.children.ToSlice()
	for len(stack) != 0 {
		cid := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !out.Add(cid) {
			continue
		}
		if c, ok := g.active[cid]; ok {
			stack = append(stack, c.children.ToSlice()...)
		}
	}
	return out
}

// computeIncompatibilities returns every block the new block is incompatible with
func (g *BlockGraph) computeIncompatibilities(ab *activeBlock, parents []*activeBlock) (mapset.Set[BlockID], error) {
	direct := mapset.NewThreadUnsafeSet[BlockID]()
	tb := ab.slot.Thread

	for cid, c := range g.active {
		if c.isFinal {
			// finals of a thread form a chain the own thread parent extends unless it is older
			if c.slot.Thread == tb && ab.parentSlots[tb].Before(c.slot) {
				direct.Add(cid)
			}
			continue
		}
		var conflict bool
		if c.slot.Thread == tb {
			// same thread fork
			conflict = true
		} else if c.parentSlots != nil {
			tc := c.slot.Thread
			conflict = c.parentSlots[tb].Period < ab.parentSlots[tb].Period &&
				ab.parentSlots[tc].Period < c.parentSlots[tc].Period
		}
		if conflict && !g.reaches(ab.parents, cid, c.slot.Period) {
			direct.Add(cid)
		}
	}

	for _, opID := range ab.operations {
		holders, ok := g.opIndex[opID]
		if !ok {
			continue
		}
		var reused bool
		holders.Each(func(hid BlockID) bool {
			h := g.active[hid]
			if g.reaches(ab.parents, hid, h.slot.Period) {
				reused = true
				return true
			}
			direct.Add(hid)
			return false
		})
		if reused {
			return nil, fmt.Errorf("%w: block %s reuses operation %s of an ancestor", ErrValidation, ab.id, opID)
		}
	}

	out := mapset.NewThreadUnsafeSet[BlockID]()
	direct.Each(func(cid BlockID) bool {
		out.Add(cid)
		out = out.Union(g.descendants(cid))
		return false
	})
	for _, p := range parents {
		if gi, ok := g.gi[p.id]; ok {
			out = out.Union(gi)
		}
	}
	return out, nil
}

// updateConsensus recomputes cliques, drops stale ones and promotes final blocks
func (g *BlockGraph) updateConsensus(ch *GraphChanges) {
	var previousBC []BlockID
	if len(g.cliques) != 0 {
		previousBC = g.cliques[g.bc].SortedBlocks()
	}

	vertices := mapset.NewThreadUnsafeSet[BlockID]()
	for id, ab := range g.active {
		if !ab.isFinal {
			vertices.Add(id)
		}
	}

	sets := computeMaxCliques(vertices, g.gi)
	cliques := make([]*Clique, len(sets))
	for i, set := range sets {
		c := &Clique{Blocks: set}
		set.Each(func(id BlockID) bool {
			c.Fitness += g.active[id].fitness
			return false
		})
		cliques[i] = c
	}
	sort.Slice(cliques, func(i, j int) bool {
		return compareIDLists(cliques[i].SortedBlocks(), cliques[j].SortedBlocks()) < 0
	})
	bc := selectBlockclique(cliques)

	// drop stale cliques
	bcFitness := cliques[bc].Fitness
	kept := cliques[:0]
	for i, c := range cliques {
		if i == bc || c.Fitness+g.cfg.DeltaF0 >= bcFitness {
			kept = append(kept, c)
		}
	}
	cliques = kept
	bc = selectBlockclique(cliques)
	cliques[bc].IsBlockclique = true

	// blocks in no clique are stale
	inClique := mapset.NewThreadUnsafeSet[BlockID]()
	for _, c := range cliques {
		inClique = inClique.Union(c.Blocks)
	}
	var stale []BlockID
	vertices.Difference(inClique).Each(func(id BlockID) bool {
		stale = append(stale, id)
		return false
	})
	for _, id := range stale {
		ab := g.active[id]
		g.unlink(ab)
		g.markDiscarded(ch, id, ab.block.Header, DISCARD_STALE)
	}

	// finality
	final := mapset.NewThreadUnsafeSet[BlockID]()
	inClique.Each(func(id BlockID) bool {
		for _, c := range cliques {
			if !c.Blocks.Contains(id) {
				return false
			}
		}
		for _, c := range cliques {
			var fitness uint64
			g.descendants(id).Each(func(d BlockID) bool {
				if c.Blocks.Contains(d) {
					fitness += g.active[d].fitness
				}
				return false
			})
			if fitness <= g.cfg.DeltaF0 {
				return false
			}
		}
		final.Add(id)
		return false
	})
	// ancestors of final blocks are final
	final.Clone().Each(func(id BlockID) bool {
		stack := append([]BlockID{}, g.active[id].parents...)
		for len(stack) != 0 {
			pid := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if p, ok := g.active[pid]; ok && !p.isFinal && final.Add(pid) {
				stack = append(stack, p.parents...)
			}
		}
		return false
	})

	newFinal := final.ToSlice()
	sort.Slice(newFinal, func(i, j int) bool { return g.active[newFinal[i]].slot.Before(g.active[newFinal[j]].slot) })
	for _, id := range newFinal {
		ab := g.active[id]
		ab.isFinal = true
		if gi, ok := g.gi[id]; ok && gi.Cardinality() != 0 {
			// anything incompatible with a final block is in no clique and was dropped above
			g.logger.Error("Final block still has incompatibilities", zap.Stringer("block", id))
		}
		delete(g.gi, id)
		for _, c := range cliques {
			if c.Blocks.Contains(id) {
				c.Blocks.Remove(id)
				c.Fitness -= ab.fitness
			}
		}
		g.finalBySlot[ab.slot] = id
		if g.latestFinalSlots[ab.slot.Thread].Before(ab.slot) {
			g.latestFinal[ab.slot.Thread] = id
			g.latestFinalSlots[ab.slot.Thread] = ab.slot
		}
	}
	ch.NewFinal = append(ch.NewFinal, newFinal...)

	g.cliques = cliques
	g.bc = bc
	if compareIDLists(previousBC, g.cliques[g.bc].SortedBlocks()) != 0 || len(newFinal) != 0 {
		ch.BlockcliqueChanged = true
	}
}

// BestParents returns, per thread, the latest block of the blockclique or the latest final block.
func (g *BlockGraph) BestParents() []BlockID {
	best := g.LatestFinalBlocks()
	bestSlots := g.LatestFinalSlots()
	g.cliques[g.bc].Blocks.Each(func(id BlockID) bool {
		ab := g.active[id]
		t := ab.slot.Thread
		if bestSlots[t].Before(ab.slot) {
			best[t], bestSlots[t] = id, ab.slot
		}
		return false
	})
	return best
}

// Prune evicts old final blocks from memory and returns them. Final blocks after the settled
// slot are kept until they are executed.
func (g *BlockGraph) Prune(settled Slot) []*Block {
	referenced := mapset.NewThreadUnsafeSet[BlockID]()
	perThread := make([][]*activeBlock, g.cfg.ThreadCount)
	for _, ab := range g.active {
		if ab.isFinal {
			perThread[ab.slot.Thread] = append(perThread[ab.slot.Thread], ab)
			continue
		}
		for _, pid := range ab.parents {
			referenced.Add(pid)
		}
	}

	var pruned []*Block
	for t, finals := range perThread {
		sort.Slice(finals, func(i, j int) bool { return finals[j].slot.Before(finals[i].slot) })
		latest := g.latestFinalSlots[t].Period
		for i, ab := range finals {
			if i < g.cfg.FinalHistoryLength || ab.slot.Period+g.cfg.ForceKeepFinalPeriod >= latest ||
				referenced.Contains(ab.id) || settled.Before(ab.slot) {
				continue
			}
			g.unlink(ab)
			delete(g.finalBySlot, ab.slot)
			pruned = append(pruned, ab.block)
		}
	}

	// attack detection only matters above the final slots
	for key := range g.creatorSlots {
		if !g.latestFinalSlots[key.slot.Thread].Before(key.slot) {
			delete(g.creatorSlots, key)
		}
	}
	return pruned
}

// Export returns an immutable copy of the graph for concurrent readers.
func (g *BlockGraph) Export() *GraphExport {
	e := &GraphExport{
		GenesisBlocks:          append([]BlockID{}, g.genesis...),
		BestParents:            g.BestParents(),
		LatestFinal:            g.LatestFinalBlocks(),
		LatestFinalSlots:       g.LatestFinalSlots(),
		Blocks:                 make(map[BlockID]*ExportedBlock, len(g.active)),
		Discarded:              make(map[BlockID]DiscardReason, len(g.discard)),
		WaitingForSlot:         make([]BlockID, 0, len(g.waitSlot)),
		WaitingForDependencies: make([]BlockID, 0, len(g.waitDeps)+len(g.waitDraw)),
	}
	for id, ab := range g.active {
		status := BLOCK_ACTIVE
		if ab.isFinal {
			status = BLOCK_FINAL
		}
		e.Blocks[id] = &ExportedBlock{
			Block:    ab.block,
			Status:   status,
			Children: ab.children.ToSlice(),
			Fitness:  ab.fitness,
		}
	}
	for id, d := range g.discard {
		e.Discarded[id] = d.reason
	}
	for id := range g.waitSlot {
		e.WaitingForSlot = append(e.WaitingForSlot, id)
	}
	for id := range g.waitDeps {
		e.WaitingForDependencies = append(e.WaitingForDependencies, id)
	}
	for id := range g.waitDraw {
		e.WaitingForDependencies = append(e.WaitingForDependencies, id)
	}
	for i, c := range g.cliques {
		e.Cliques = append(e.Cliques, &ExportedClique{
			Blocks:        c.SortedBlocks(),
			Fitness:       c.Fitness,
			IsBlockclique: i == g.bc,
		})
	}
	return e
}
