package blockclique

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"
)

func TestCheckBlockOperationLimit(t *testing.T) {
	require := require.New(t)
	cfg := testConfig()
	cfg.MaxOperationsPerBlock = 2

	genesisKey, err := cfg.GenesisPublicKey()
	require.NoError(err)
	genesisIDs, _, err := GenesisBlocks(cfg.ThreadCount, genesisKey)
	require.NoError(err)

	creator := testKey(1)
	sender := testKeyInThread(t, cfg.ThreadCount, 1)
	var ops []*Operation
	for i := 0; i < 3; i++ {
		_, op := mustSignedTransaction(t, sender, testAddress(100), uint64(i+1), 0, 5)
		ops = append(ops, op)
	}

	// exactly at the limit
	id, block := mustSignedBlock(t, creator, NewSlot(1, 1), genesisIDs, nil, ops[:2])
	require.NoError(checkBlock(cfg, id, block))

	id, block = mustSignedBlock(t, creator, NewSlot(1, 1), genesisIDs, nil, ops)
	err = checkBlock(cfg, id, block)
	require.True(errors.Is(err, ErrValidation))

	// the same operation twice
	id, block = mustSignedBlock(t, creator, NewSlot(1, 1), genesisIDs, nil, []*Operation{ops[0], ops[0]})
	require.True(errors.Is(checkBlock(cfg, id, block), ErrValidation))
}

func TestCheckBlockStructure(t *testing.T) {
	require := require.New(t)
	cfg := testConfig()

	genesisKey, err := cfg.GenesisPublicKey()
	require.NoError(err)
	genesisIDs, genesisBlocks, err := GenesisBlocks(cfg.ThreadCount, genesisKey)
	require.NoError(err)
	creator := testKey(1)

	// genesis blocks are never accepted
	require.True(errors.Is(checkBlock(cfg, genesisIDs[0], genesisBlocks[0]), ErrValidation))

	// claimed ID must match
	id, block := mustSignedBlock(t, creator, NewSlot(1, 0), genesisIDs, nil, nil)
	require.NoError(checkBlock(cfg, id, block))
	require.True(errors.Is(checkBlock(cfg, genesisIDs[1], block), ErrValidation))

	// one parent per thread
	id, block = mustSignedBlock(t, creator, NewSlot(1, 0), genesisIDs[:1], nil, nil)
	require.True(errors.Is(checkBlock(cfg, id, block), ErrValidation))

	// thread out of range
	id, block = mustSignedBlock(t, creator, NewSlot(1, cfg.ThreadCount), genesisIDs, nil, nil)
	require.True(errors.Is(checkBlock(cfg, id, block), ErrValidation))

	// operations must come from the block's thread
	sender := testKeyInThread(t, cfg.ThreadCount, 1)
	_, op := mustSignedTransaction(t, sender, testAddress(100), 1, 0, 5)
	id, block = mustSignedBlock(t, creator, NewSlot(1, 0), genesisIDs, nil, []*Operation{op})
	require.True(errors.Is(checkBlock(cfg, id, block), ErrValidation))

	// endorsements vote for the own thread parent
	endorser := testKey(2)
	good := NewEndorsement(NewSlot(0, 0), 0, genesisIDs[0], endorser.Public().(ed25519.PublicKey))
	require.NoError(good.Sign(endorser))
	id, block = mustSignedBlock(t, creator, NewSlot(1, 0), genesisIDs, []*Endorsement{good}, nil)
	require.NoError(checkBlock(cfg, id, block))
	require.Equal(uint64(2), block.Fitness())

	wrong := NewEndorsement(NewSlot(0, 1), 1, genesisIDs[1], endorser.Public().(ed25519.PublicKey))
	require.NoError(wrong.Sign(endorser))
	id, block = mustSignedBlock(t, creator, NewSlot(1, 0), genesisIDs, []*Endorsement{wrong}, nil)
	require.True(errors.Is(checkBlock(cfg, id, block), ErrValidation))

	duplicate := NewEndorsement(NewSlot(0, 0), 0, genesisIDs[0], testPubKey(3))
	require.NoError(duplicate.Sign(testKey(3)))
	id, block = mustSignedBlock(t, creator, NewSlot(1, 0), genesisIDs, []*Endorsement{good, duplicate}, nil)
	require.True(errors.Is(checkBlock(cfg, id, block), ErrValidation))
}

func TestCheckBlockConfiguredOperationLimit(t *testing.T) {
	require := require.New(t)
	cfg := testConfig()
	cfg.MaxOperationsPerBlock = MAX_OPERATIONS_PER_BLOCK + 1

	genesisKey, err := cfg.GenesisPublicKey()
	require.NoError(err)
	genesisIDs, _, err := GenesisBlocks(cfg.ThreadCount, genesisKey)
	require.NoError(err)

	// more than the default limit builds and passes when configured
	sender := testKeyInThread(t, cfg.ThreadCount, 0)
	ops := make([]*Operation, cfg.MaxOperationsPerBlock)
	for i := range ops {
		_, ops[i] = mustSignedTransaction(t, sender, testAddress(100), uint64(i+1), 0, 5)
	}
	id, block := mustSignedBlock(t, testKey(1), NewSlot(1, 0), genesisIDs, nil, ops)
	require.NoError(checkBlock(cfg, id, block))

	cfg.MaxOperationsPerBlock = MAX_OPERATIONS_PER_BLOCK
	require.ErrorIs(checkBlock(cfg, id, block), ErrValidation)
}
