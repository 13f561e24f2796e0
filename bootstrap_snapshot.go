package blockclique

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"sort"

	"golang.org/x/crypto/sha3"
)

// bootstrapPlan is the part of a snapshot streamed to one client, within the transfer ceilings
type bootstrapPlan struct {
	slot             Slot
	latestFinal      []BlockID
	pos              *PoSSnapshot
	asyncBatches     [][]*AsyncMessage
	finalBlocks      []*Block
	blocks           []*Block
	cliques          [][]BlockID
	operationBatches [][]*Operation
	graphTier        string
}

// planBootstrap fits a snapshot within the transfer ceilings, falling back to fewer non-final
// blocks when the graph doesn't fit. Every frame but the ledger batches is measured against
// the frame size cap here so a session never fails after its commitment.
func planBootstrap(cfg *Config, snap *BootstrapSnapshot) (*bootstrapPlan, error) {
	plan := &bootstrapPlan{
		slot:        snap.Slot,
		latestFinal: snap.LatestFinal,
	}

	// only the most recent cycles matter for draws
	pos := *snap.PoS
	if len(pos.Cycles) > cfg.MaxBootstrapPosCycles {
		pos.Cycles = pos.Cycles[len(pos.Cycles)-cfg.MaxBootstrapPosCycles:]
	}
	if n := pos.Entries(); n > cfg.MaxBootstrapPosEntries {
		return nil, fmt.Errorf("%w: %d PoS entries, max: %d", ErrSnapshotTooLarge, n, cfg.MaxBootstrapPosEntries)
	}
	if err := checkFrameSize(cfg, "bootstrap_pos", BootstrapPoSMessage{PoS: &pos}); err != nil {
		return nil, err
	}
	plan.pos = &pos

	finals, err := planFinalBlocks(cfg, snap)
	if err != nil {
		return nil, err
	}
	plan.finalBlocks = finals

	for _, tier := range graphTiers(snap.Graph) {
		if err := checkGraphTier(cfg, snap.Graph, tier.blocks, tier.cliques); err != nil {
			continue
		}
		blocks := make([]*Block, 0, len(tier.blocks))
		for _, id := range tier.blocks {
			blocks = append(blocks, snap.Graph.Blocks[id].Block)
		}
		sort.Slice(blocks, func(i, j int) bool {
			return blocks[i].Header.Slot.Before(blocks[j].Header.Slot)
		})
		err := checkFrameSize(cfg, "bootstrap_graph", BootstrapGraphMessage{Blocks: blocks, Cliques: tier.cliques})
		if errors.Is(err, ErrSnapshotTooLarge) {
			continue
		}
		if err != nil {
			return nil, err
		}
		plan.blocks = blocks
		plan.cliques = tier.cliques
		plan.graphTier = tier.name
		break
	}
	if plan.graphTier == "" {
		return nil, fmt.Errorf("%w: no graph representation fits", ErrSnapshotTooLarge)
	}

	// pooled operations are optional, those too large for a frame of their own are left out
	ops, _, err := fitBatches(cfg, "bootstrap_operations", snap.Operations, cfg.OperationBatchSize,
		func(batch []*Operation) interface{} { return BootstrapOperationsMessage{Operations: batch} })
	if err != nil {
		return nil, err
	}
	plan.operationBatches = ops

	async, dropped, err := fitBatches(cfg, "bootstrap_async_pool", snap.AsyncMessages, cfg.MaxAsyncPoolLength,
		func(batch []*AsyncMessage) interface{} { return BootstrapAsyncPoolMessage{Messages: batch} })
	if err != nil {
		return nil, err
	}
	if len(dropped) != 0 {
		return nil, fmt.Errorf("%w: %d async messages exceed the frame size", ErrSnapshotTooLarge, len(dropped))
	}
	if len(async) == 0 {
		async = [][]*AsyncMessage{{}}
	}
	plan.asyncBatches = async
	return plan, nil
}

// frameSize is the size of a message once framed, before compression
func frameSize(msgType string, body interface{}) (int, error) {
	msgJson, err := json.Marshal(Message{Type: msgType, Body: body})
	if err != nil {
		return 0, err
	}
	return len(msgJson), nil
}

func checkFrameSize(cfg *Config, msgType string, body interface{}) error {
	size, err := frameSize(msgType, body)
	if err != nil {
		return err
	}
	if size > cfg.MaxBootstrapMessageSize {
		return fmt.Errorf("%w: %s frame is %d bytes, max: %d",
			ErrSnapshotTooLarge, msgType, size, cfg.MaxBootstrapMessageSize)
	}
	return nil
}

// encodedSizes returns the JSON size of each item. A JSON array of them takes the sum of
// the sizes plus one separator between consecutive items.
func encodedSizes[T any](items []T) ([]int, error) {
	sizes := make([]int, len(items))
	for i, item := range items {
		itemJson, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		sizes[i] = len(itemJson)
	}
	return sizes, nil
}

// fitBatches splits items in order into frames of at most maxItems items within the frame
// size cap. Items too large for a frame of their own are returned apart.
func fitBatches[T any](cfg *Config, msgType string, items []T, maxItems int,
	body func([]T) interface{}) ([][]T, []T, error) {

	base, err := frameSize(msgType, body([]T{}))
	if err != nil {
		return nil, nil, err
	}
	sizes, err := encodedSizes(items)
	if err != nil {
		return nil, nil, err
	}

	var batches [][]T
	var tooLarge, batch []T
	size := base
	for i, item := range items {
		if base+sizes[i] > cfg.MaxBootstrapMessageSize {
			tooLarge = append(tooLarge, item)
			continue
		}
		added := sizes[i]
		if len(batch) != 0 {
			added++
		}
		if len(batch) != 0 && (len(batch) >= maxItems || size+added > cfg.MaxBootstrapMessageSize) {
			batches = append(batches, batch)
			batch, size, added = nil, base, sizes[i]
		}
		batch = append(batch, item)
		size += added
	}
	if len(batch) != 0 {
		batches = append(batches, batch)
	}
	return batches, tooLarge, nil
}

// planFinalBlocks keeps the latest settled block of every thread, every final block not
// settled yet, then as many recent final blocks as fit in count and in frame size.
func planFinalBlocks(cfg *Config, snap *BootstrapSnapshot) ([]*Block, error) {
	required := make(map[BlockID]struct{}, len(snap.LatestFinal))
	for _, id := range snap.LatestFinal {
		required[id] = struct{}{}
	}
	var mandatory, optional []*Block
	for id, b := range snap.Graph.Blocks {
		if b.Status != BLOCK_FINAL {
			continue
		}
		if _, ok := required[id]; ok || snap.Slot.Before(b.Block.Header.Slot) {
			mandatory = append(mandatory, b.Block)
		} else {
			optional = append(optional, b.Block)
		}
	}
	if len(mandatory) > cfg.MaxBootstrapBlocks {
		return nil, fmt.Errorf("%w: %d unsettled final blocks, max: %d",
			ErrSnapshotTooLarge, len(mandatory), cfg.MaxBootstrapBlocks)
	}

	// most recent first
	sort.Slice(optional, func(i, j int) bool {
		return optional[j].Header.Slot.Before(optional[i].Header.Slot)
	})
	room := cfg.MaxBootstrapBlocks - len(mandatory)
	if len(optional) > room {
		optional = optional[:room]
	}

	size, err := frameSize("bootstrap_final_blocks", BootstrapFinalBlocksMessage{
		Slot:        snap.Slot,
		LatestFinal: snap.LatestFinal,
		Blocks:      []*Block{},
	})
	if err != nil {
		return nil, err
	}
	blocks := make([]*Block, 0, len(mandatory)+len(optional))
	for _, group := range [][]*Block{mandatory, optional} {
		sizes, err := encodedSizes(group)
		if err != nil {
			return nil, err
		}
		for i, block := range group {
			added := sizes[i]
			if len(blocks) != 0 {
				added++
			}
			if size+added > cfg.MaxBootstrapMessageSize {
				if len(blocks) < len(mandatory) {
					return nil, fmt.Errorf("%w: required final blocks exceed the frame size of %d bytes",
						ErrSnapshotTooLarge, cfg.MaxBootstrapMessageSize)
				}
				// keep the retained history contiguous
				break
			}
			blocks = append(blocks, block)
			size += added
		}
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Header.Slot.Before(blocks[j].Header.Slot) })
	return blocks, nil
}

type graphTier struct {
	name    string
	blocks  []BlockID
	cliques [][]BlockID
}

// graphTiers lists the graph representations from the most to the least complete
func graphTiers(export *GraphExport) []graphTier {
	full := graphTier{name: "full"}
	for id, b := range export.Blocks {
		if b.Status == BLOCK_ACTIVE {
			full.blocks = append(full.blocks, id)
		}
	}
	for _, c := range export.Cliques {
		full.cliques = append(full.cliques, c.Blocks)
	}
	bc := export.Blockclique()
	blockclique := graphTier{name: "blockclique", blocks: bc.Blocks, cliques: [][]BlockID{bc.Blocks}}
	return []graphTier{full, blockclique, {name: "none"}}
}

func checkGraphTier(cfg *Config, export *GraphExport, blocks []BlockID, cliques [][]BlockID) error {
	if len(blocks) > cfg.MaxBootstrapDeps {
		return fmt.Errorf("%w: %d non-final blocks, max: %d", ErrSnapshotTooLarge, len(blocks), cfg.MaxBootstrapDeps)
	}
	if len(cliques) > cfg.MaxBootstrapCliques {
		return fmt.Errorf("%w: %d cliques, max: %d", ErrSnapshotTooLarge, len(cliques), cfg.MaxBootstrapCliques)
	}
	for _, id := range blocks {
		if n := len(export.Blocks[id].Children); n > cfg.MaxBootstrapChildren {
			return fmt.Errorf("%w: block %s has %d children, max: %d",
				ErrSnapshotTooLarge, id, n, cfg.MaxBootstrapChildren)
		}
	}
	return nil
}

// streamPlan walks the frames of a bootstrap session in order, calling fn with each frame's
// type and encoded body.
func streamPlan(cfg *Config, plan *bootstrapPlan, ledger *LedgerSnapshot,
	fn func(msgType string, body []byte) error) error {

	emit := func(msgType string, body interface{}) error {
		bodyJson, err := json.Marshal(body)
		if err != nil {
			return err
		}
		if err := checkFrameSize(cfg, msgType, json.RawMessage(bodyJson)); err != nil {
			return err
		}
		return fn(msgType, bodyJson)
	}

	if err := emit("bootstrap_pos", BootstrapPoSMessage{PoS: plan.pos}); err != nil {
		return err
	}

	err := ledger.ForEachEntries(cfg.BootstrapLedgerBatchSize, func(batch map[Address]*LedgerEntry) error {
		msg := BootstrapLedgerMessage{Entries: make([]BootstrapLedgerEntry, 0, len(batch))}
		for addr, entry := range batch {
			msg.Entries = append(msg.Entries, BootstrapLedgerEntry{Address: addr, Entry: entry})
		}
		sort.Slice(msg.Entries, func(i, j int) bool {
			return msg.Entries[i].Address.Compare(msg.Entries[j].Address) < 0
		})
		return emit("bootstrap_ledger", msg)
	})
	if err != nil {
		return err
	}

	err = emit("bootstrap_final_blocks", BootstrapFinalBlocksMessage{
		Slot:        plan.slot,
		LatestFinal: plan.latestFinal,
		Blocks:      plan.finalBlocks,
	})
	if err != nil {
		return err
	}

	if err := emit("bootstrap_graph", BootstrapGraphMessage{Blocks: plan.blocks, Cliques: plan.cliques}); err != nil {
		return err
	}

	for _, batch := range plan.operationBatches {
		if err := emit("bootstrap_operations", BootstrapOperationsMessage{Operations: batch}); err != nil {
			return err
		}
	}

	for _, batch := range plan.asyncBatches {
		if err := emit("bootstrap_async_pool", BootstrapAsyncPoolMessage{Messages: batch}); err != nil {
			return err
		}
	}
	return nil
}

// snapshotDigest hashes the frames of a bootstrap session. Server and client feed it the same
// encoded bodies so a partial or altered transfer yields a different digest.
type snapshotDigest struct {
	h hash.Hash
}

func newSnapshotDigest() *snapshotDigest {
	return &snapshotDigest{h: sha3.New256()}
}

func (d *snapshotDigest) add(msgType string, body []byte) {
	d.h.Write([]byte(msgType))
	d.h.Write(uint64Bytes(uint64(len(body))))
	d.h.Write(body)
}

func (d *snapshotDigest) sum() Hash {
	var h Hash
	copy(h[:], d.h.Sum(nil))
	return h
}

// computeCommitHash is what a bootstrap server signs to commit to a snapshot
func computeCommitHash(randomness []byte, digest Hash, serverTime int64) Hash {
	h := sha3.New256()
	h.Write(randomness)
	h.Write(digest[:])
	h.Write(uint64Bytes(uint64(serverTime)))
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
