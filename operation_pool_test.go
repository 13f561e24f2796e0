package blockclique

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"
)

func TestOperationPool(t *testing.T) {
	require := require.New(t)
	cfg := testConfig()
	cfg.MaxOperationPoolLength = 3
	pool := NewOperationPoolMemory(cfg)

	key0 := testKeyInThread(t, cfg.ThreadCount, 0)
	key1 := testKeyInThread(t, cfg.ThreadCount, 1)

	id1, op1 := mustSignedTransaction(t, key0, testAddress(100), 1, 0, 5)
	id2, op2 := mustSignedTransaction(t, key1, testAddress(100), 2, 0, 8)
	id3, op3 := mustSignedTransaction(t, key0, testAddress(100), 3, 0, 12)

	ok, err := pool.Add(id1, op1, 1)
	require.NoError(err)
	require.True(ok)
	ok, err = pool.Add(id1, op1, 1)
	require.NoError(err)
	require.False(ok)
	_, err = pool.Add(id2, op2, 1)
	require.NoError(err)
	_, err = pool.Add(id3, op3, 3)
	require.NoError(err)
	require.Equal(3, pool.Len())
	require.True(pool.Exists(id2))
	require.True(pool.ExistsSigned(id2, op2.Signature))
	require.False(pool.ExistsSigned(id2, op1.Signature))

	// full
	id4, op4 := mustSignedTransaction(t, key1, testAddress(100), 4, 0, 5)
	_, err = pool.Add(id4, op4, 1)
	require.True(errors.Is(err, ErrPoolFull))

	// only the thread's operations includable at the period, skipping excluded ones
	require.Equal([]*Operation{op1}, pool.Get(0, 1, 10, cfg.MaxGasPerBlock, nil))
	require.Equal([]*Operation{op1, op3}, pool.Get(0, 4, 10, cfg.MaxGasPerBlock, nil))
	require.Equal([]*Operation{op3}, pool.Get(0, 4, 10, cfg.MaxGasPerBlock, map[OperationID]BlockID{id1: {}}))
	require.Equal([]*Operation{op1}, pool.Get(0, 4, 1, cfg.MaxGasPerBlock, nil))
	require.Equal([]*Operation{op2}, pool.Get(1, 4, 10, cfg.MaxGasPerBlock, nil))

	pool.PruneExpired(6)
	require.Equal([]*Operation{op2, op3}, pool.All())

	pool.RemoveBatch([]OperationID{id2, id4})
	require.Equal([]*Operation{op3}, pool.All())
}

func TestOperationPoolRejects(t *testing.T) {
	require := require.New(t)
	cfg := testConfig()
	pool := NewOperationPoolMemory(cfg)
	key := testKey(1)

	// expired
	id, op := mustSignedTransaction(t, key, testAddress(100), 1, 0, 5)
	_, err := pool.Add(id, op, 6)
	require.True(errors.Is(err, ErrValidation))

	// too far ahead
	id, op = mustSignedTransaction(t, key, testAddress(100), 1, 0, 5+cfg.OperationValidityPeriods+1)
	_, err = pool.Add(id, op, 5)
	require.True(errors.Is(err, ErrValidation))

	// bad signature
	op = NewTransaction(key.Public().(ed25519.PublicKey), testAddress(100), 1, 0, 5)
	require.NoError(op.Sign(testKey(2)))
	id, err = op.ID()
	require.NoError(err)
	_, err = pool.Add(id, op, 1)
	require.True(errors.Is(err, ErrValidation))

	// to self
	id, op = mustSignedTransaction(t, key, testAddress(1), 1, 0, 5)
	_, err = pool.Add(id, op, 1)
	require.True(errors.Is(err, ErrValidation))
	require.Equal(0, pool.Len())
}

func TestEndorsementPool(t *testing.T) {
	require := require.New(t)
	cfg := testConfig()
	pool := NewEndorsementPool(cfg)

	endorsed := testBlockID(7)
	var endorsements []*Endorsement
	for i := uint32(0); i < cfg.EndorsementCount; i++ {
		e := NewEndorsement(NewSlot(3, 1), cfg.EndorsementCount-1-i, endorsed, testPubKey(int(i)))
		require.NoError(e.Sign(testKey(int(i))))
		endorsements = append(endorsements, e)
		ok, err := pool.Add(e)
		require.NoError(err)
		require.True(ok)
	}
	ok, err := pool.Add(endorsements[0])
	require.NoError(err)
	require.False(ok)

	// index order
	got := pool.Get(NewSlot(3, 1), endorsed)
	require.Len(got, int(cfg.EndorsementCount))
	for i, e := range got {
		require.Equal(uint32(i), e.Index)
	}
	require.Empty(pool.Get(NewSlot(3, 1), testBlockID(8)))

	outOfRange := NewEndorsement(NewSlot(3, 1), cfg.EndorsementCount, endorsed, testPubKey(9))
	require.NoError(outOfRange.Sign(testKey(9)))
	_, err = pool.Add(outOfRange)
	require.True(errors.Is(err, ErrValidation))

	unsigned := NewEndorsement(NewSlot(3, 1), 0, endorsed, testPubKey(9))
	_, err = pool.Add(unsigned)
	require.True(errors.Is(err, ErrValidation))

	// slots below the latest final slot of their thread can't be endorsed anymore
	pool.Prune([]Slot{NewSlot(9, 0), NewSlot(3, 1)})
	require.Equal(int(cfg.EndorsementCount), pool.Len())
	pool.Prune([]Slot{NewSlot(9, 0), NewSlot(4, 1)})
	require.Equal(0, pool.Len())
}
