package blockclique

// BlockStorage is an interface for archiving final blocks and their operations.
type BlockStorage interface {
	// Store is called to store all of the final block's information.
	Store(id BlockID, block *Block, now int64) error

	// GetBlock returns the referenced block.
	GetBlock(id BlockID) (*Block, error)

	// GetBlockBytes returns the referenced block as a byte slice.
	GetBlockBytes(id BlockID) ([]byte, error)

	// GetBlockHeader returns the referenced block's header and the timestamp of when it was stored.
	GetBlockHeader(id BlockID) (*BlockHeader, int64, error)

	// GetOperation returns an operation within a block and the block's header.
	GetOperation(id BlockID, index int) (*Operation, *BlockHeader, error)

	// GetFinalBlockAt returns the ID of the final block stored for the slot, if any.
	GetFinalBlockAt(slot Slot) (*BlockID, error)

	// GetFinalBlocksAfter returns the IDs of the stored final blocks with a slot after the given one, in slot order.
	GetFinalBlocksAfter(slot Slot) ([]BlockID, error)
}
