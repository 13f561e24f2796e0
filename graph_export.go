package blockclique

import (
	"sort"
)

// ExportedBlock is a block as seen by readers of a GraphExport.
type ExportedBlock struct {
	Block    *Block      `json:"block"`
	Status   BlockStatus `json:"status"`
	Children []BlockID   `json:"children"`
	Fitness  uint64      `json:"fitness"`
}

// ExportedClique is a clique as seen by readers of a GraphExport.
type ExportedClique struct {
	Blocks        []BlockID `json:"blocks"`
	Fitness       uint64    `json:"fitness"`
	IsBlockclique bool      `json:"is_blockclique"`
}

// GraphExport is an immutable copy of the block graph. It is published after every mutation
// and may be read from any goroutine.
type GraphExport struct {
	GenesisBlocks          []BlockID                  `json:"genesis_blocks"`
	BestParents            []BlockID                  `json:"best_parents"`
	LatestFinal            []BlockID                  `json:"latest_final"`
	LatestFinalSlots       []Slot                     `json:"latest_final_slots"`
	Blocks                 map[BlockID]*ExportedBlock `json:"blocks"`
	Cliques                []*ExportedClique          `json:"cliques"`
	Discarded              map[BlockID]DiscardReason  `json:"discarded"`
	WaitingForSlot         []BlockID                  `json:"waiting_for_slot"`
	WaitingForDependencies []BlockID                  `json:"waiting_for_dependencies"`
}

// Status returns a block's status in the export.
func (e *GraphExport) Status(id BlockID) BlockStatus {
	if b, ok := e.Blocks[id]; ok {
		return b.Status
	}
	if _, ok := e.Discarded[id]; ok {
		return BLOCK_DISCARDED
	}
	for _, w := range e.WaitingForSlot {
		if w == id {
			return BLOCK_WAITING_FOR_SLOT
		}
	}
	for _, w := range e.WaitingForDependencies {
		if w == id {
			return BLOCK_WAITING_FOR_DEPENDENCIES
		}
	}
	return BLOCK_UNKNOWN
}

// Blockclique returns the blockclique of the export.
func (e *GraphExport) Blockclique() *ExportedClique {
	for _, c := range e.Cliques {
		if c.IsBlockclique {
			return c
		}
	}
	return &ExportedClique{}
}

// BlockcliqueBlocks returns the non-final blockclique blocks in slot order.
func (e *GraphExport) BlockcliqueBlocks() []*Block {
	var blocks []*Block
	for _, id := range e.Blockclique().Blocks {
		if b, ok := e.Blocks[id]; ok {
			blocks = append(blocks, b.Block)
		}
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Header.Slot.Before(blocks[j].Header.Slot) })
	return blocks
}

// OperationsInBlockclique returns the IDs of operations included in active blockclique blocks.
func (e *GraphExport) OperationsInBlockclique() map[OperationID]BlockID {
	ops := make(map[OperationID]BlockID)
	for _, id := range e.Blockclique().Blocks {
		b, ok := e.Blocks[id]
		if !ok {
			continue
		}
		for _, op := range b.Block.Operations {
			if opID, err := op.ID(); err == nil {
				ops[opID] = id
			}
		}
	}
	return ops
}

// FinalBlocks returns the final blocks held by the export in slot order.
func (e *GraphExport) FinalBlocks() []*Block {
	var blocks []*Block
	for _, b := range e.Blocks {
		if b.Status == BLOCK_FINAL {
			blocks = append(blocks, b.Block)
		}
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Header.Slot.Before(blocks[j].Header.Slot) })
	return blocks
}
