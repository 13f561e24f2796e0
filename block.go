package blockclique

import (
	"bytes"
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/sha3"
)

// BlockKind tags the variant of a block. Genesis blocks have no parents and no signature check.
type BlockKind string

const (
	GENESIS_BLOCK BlockKind = "genesis"
	NORMAL_BLOCK  BlockKind = "normal"
)

// Block represents a block in one thread of the graph. It has a header and a list of operations.
// As blocks become final their operations affect the underlying ledger.
type Block struct {
	Header     *BlockHeader `json:"header"`
	Operations []*Operation `json:"operations"`
}

// BlockHeader contains data used to determine block validity and its place in the graph.
type BlockHeader struct {
	Kind             BlockKind         `json:"kind"`
	Slot             Slot              `json:"slot"`
	Parents          []BlockID         `json:"parents"` // one per thread, parent i is in thread i
	OperationsHash   Hash              `json:"operations_hash"`
	OperationCount   int32             `json:"operation_count"`
	Endorsements     []*Endorsement    `json:"endorsements"`
	CreatorPublicKey ed25519.PublicKey `json:"creator_public_key"`
	Signature        Signature         `json:"signature,omitempty"`
}

// BlockID is a block's unique identifier.
type BlockID [32]byte // SHA3-256 hash

// NewBlock creates and returns a new unsigned block. The configured operation limit is
// enforced by checkBlock.
func NewBlock(slot Slot, parents []BlockID, creator ed25519.PublicKey,
	endorsements []*Endorsement, operations []*Operation) (*Block, error) {

	opsHash, err := computeOperationsHash(operations)
	if err != nil {
		return nil, err
	}

	return &Block{
		Header: &BlockHeader{
			Kind:             NORMAL_BLOCK,
			Slot:             slot,
			Parents:          parents,
			OperationsHash:   opsHash,
			OperationCount:   int32(len(operations)),
			Endorsements:     endorsements,
			CreatorPublicKey: creator,
		},
		Operations: operations,
	}, nil
}

// NewGenesisBlock returns the deterministic genesis block of a thread.
func NewGenesisBlock(thread uint8, genesisKey ed25519.PublicKey) *Block {
	opsHash, _ := computeOperationsHash(nil)
	return &Block{
		Header: &BlockHeader{
			Kind:             GENESIS_BLOCK,
			Slot:             Slot{Period: 0, Thread: thread},
			Parents:          []BlockID{},
			OperationsHash:   opsHash,
			Endorsements:     []*Endorsement{},
			CreatorPublicKey: genesisKey,
		},
		Operations: []*Operation{},
	}
}

// GenesisBlocks returns the genesis block of every thread with their IDs.
func GenesisBlocks(threadCount uint8, genesisKey ed25519.PublicKey) ([]BlockID, []*Block, error) {
	ids := make([]BlockID, threadCount)
	blocks := make([]*Block, threadCount)
	for t := uint8(0); t < threadCount; t++ {
		blocks[t] = NewGenesisBlock(t, genesisKey)
		id, err := blocks[t].ID()
		if err != nil {
			return nil, nil, err
		}
		ids[t] = id
	}
	return ids, blocks, nil
}

// ID computes an ID for a given block.
func (b Block) ID() (BlockID, error) {
	return b.Header.ID()
}

// Sign is called to sign a block header.
func (b *Block) Sign(privKey ed25519.PrivateKey) error {
	id, err := b.ID()
	if err != nil {
		return err
	}
	b.Header.Signature = ed25519.Sign(privKey, id[:])
	return nil
}

// Verify checks the creator's signature over the block ID.
func (b Block) Verify(id BlockID) bool {
	if len(b.Header.CreatorPublicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(b.Header.CreatorPublicKey, id[:], b.Header.Signature)
}

// Creator returns the address of the block's creator.
func (b Block) Creator() Address {
	return AddressFromPublicKey(b.Header.CreatorPublicKey)
}

// Fitness is the weight a block contributes to its cliques.
func (b Block) Fitness() uint64 {
	return 1 + uint64(len(b.Header.Endorsements))
}

// IsGenesis returns true for genesis blocks.
func (b Block) IsGenesis() bool {
	return b.Header.Kind == GENESIS_BLOCK
}

// Gas returns the total gas declared by the block's operations.
func (b Block) Gas() uint64 {
	var gas uint64
	for _, op := range b.Operations {
		gas += op.Gas()
	}
	return gas
}

// Compute a hash of all operation IDs in order
func computeOperationsHash(operations []*Operation) (Hash, error) {
	hasher := sha3.New256()
	for _, op := range operations {
		id, err := op.ID()
		if err != nil {
			return Hash{}, err
		}
		hasher.Write(id[:])
	}
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h, nil
}

// ID computes an ID for a given block header.
func (header BlockHeader) ID() (BlockID, error) {
	// the signature covers the ID so it can't be part of it
	header.Signature = nil
	headerJson, err := json.Marshal(header)
	if err != nil {
		return BlockID{}, err
	}
	return sha3.Sum256(headerJson), nil
}

// String implements the Stringer interface
func (id BlockID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText marshals BlockID as a hex string.
func (id BlockID) MarshalText() ([]byte, error) {
	return marshalHex(id[:]), nil
}

// UnmarshalText unmarshals a hex string to BlockID.
func (id *BlockID) UnmarshalText(b []byte) error {
	return unmarshalHex(id[:], b, "block ID")
}

// Compare orders block IDs by their bytes.
func (id BlockID) Compare(other BlockID) int {
	return bytes.Compare(id[:], other[:])
}
