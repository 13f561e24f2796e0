package blockclique

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLedgerCache(t *testing.T) {
	require := require.New(t)
	ledger, err := NewLedgerMemory()
	require.NoError(err)
	defer ledger.Close()

	staker, other := testAddress(1), testAddress(2)
	require.NoError(ledger.Initialize(testGenesisLedger(staker, 1, 100), []BlockID{testBlockID(1), testBlockID(2)}))

	cache, err := NewLedgerCache(ledger, 2)
	require.NoError(err)
	balance, err := cache.GetBalance(staker)
	require.NoError(err)
	require.Equal(uint64(100), balance)
	entry, err := cache.GetEntry(other)
	require.NoError(err)
	require.Nil(entry)
	require.Equal(2, cache.Len())

	// cached entries are copies
	entry, err = cache.GetEntry(staker)
	require.NoError(err)
	entry.Balance = 1
	balance, err = cache.GetBalance(staker)
	require.NoError(err)
	require.Equal(uint64(100), balance)

	// committed changes reach cached entries, including missing ones
	changes := LedgerChanges{}
	changes.SetBalance(staker, 40)
	changes.SetBalance(other, 60)
	cache.Apply(changes)
	balance, err = cache.GetBalance(staker)
	require.NoError(err)
	require.Equal(uint64(40), balance)
	balance, err = cache.GetBalance(other)
	require.NoError(err)
	require.Equal(uint64(60), balance)

	cache.Reset()
	require.Equal(0, cache.Len())
	balance, err = cache.GetBalance(staker)
	require.NoError(err)
	require.Equal(uint64(100), balance)
}
