package blockclique

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLedgerDisk(t *testing.T) {
	require := require.New(t)
	ledger, err := NewLedgerDisk(filepath.Join(t.TempDir(), "ledger.db"), false)
	require.NoError(err)
	defer ledger.Close()

	slot, err := ledger.GetFinalSlot()
	require.NoError(err)
	require.Nil(slot)

	staker, other := testAddress(1), testAddress(2)
	genesisIDs := []BlockID{testBlockID(1), testBlockID(2)}
	genesis := testGenesisLedger(staker, 10, 1000)
	require.NoError(ledger.Initialize(genesis, genesisIDs))
	require.Error(ledger.Initialize(genesis, genesisIDs))

	slot, err = ledger.GetFinalSlot()
	require.NoError(err)
	require.Equal(NewSlot(0, 1), *slot)
	latest, err := ledger.GetLatestFinalBlocks()
	require.NoError(err)
	require.Equal(genesisIDs, latest)
	balance, err := ledger.GetBalance(staker)
	require.NoError(err)
	require.Equal(uint64(1000), balance)

	changes := LedgerChanges{}
	changes.SetBalance(staker, 400)
	changes.SetBalance(other, 600)
	msg := testAsyncMessage(1, 0, 1, 100, 10)
	update := &FinalUpdate{
		Slot:            NewSlot(1, 0),
		LatestFinal:     []BlockID{testBlockID(3), testBlockID(2)},
		Ledger:          changes,
		Rolls:           map[Address]uint64{staker: 0, other: 2},
		Cycles:          []*CycleInfo{{Cycle: 0, Seed: Hash{1}, ProductionStats: map[Address]ProductionStats{}}},
		DeferredCredits: map[uint64]map[Address]uint64{2: {staker: 50}},
		AsyncAdded:      []*AsyncMessage{msg},
	}
	require.NoError(ledger.Commit(update))

	balance, err = ledger.GetBalance(other)
	require.NoError(err)
	require.Equal(uint64(600), balance)
	pos, err := ledger.LoadPoS()
	require.NoError(err)
	require.Equal(map[Address]uint64{other: 2}, pos.Rolls)
	require.Len(pos.Cycles, 1)
	require.Equal(Hash{1}, pos.Cycles[0].Seed)
	require.Equal(map[uint64]map[Address]uint64{2: {staker: 50}}, pos.DeferredCredits)
	msgs, err := ledger.LoadAsyncMessages()
	require.NoError(err)
	require.Len(msgs, 1)
	require.Equal(msg.ID(), msgs[0].ID())

	// a snapshot doesn't see later commits
	snap, err := ledger.Snapshot()
	require.NoError(err)
	defer snap.Release()

	require.NoError(ledger.Commit(&FinalUpdate{
		Slot:            NewSlot(1, 1),
		LatestFinal:     []BlockID{testBlockID(3), testBlockID(4)},
		Ledger:          LedgerChanges{other: {Kind: LEDGER_DELETE}},
		DroppedCycles:   []uint64{0},
		DeferredCredits: map[uint64]map[Address]uint64{2: {}},
		AsyncRemoved:    []AsyncMessageID{msg.ID()},
	}))
	entry, err := ledger.GetEntry(other)
	require.NoError(err)
	require.Nil(entry)
	pos, err = ledger.LoadPoS()
	require.NoError(err)
	require.Empty(pos.Cycles)
	require.Empty(pos.DeferredCredits)

	snapSlot, err := snap.GetFinalSlot()
	require.NoError(err)
	require.Equal(NewSlot(1, 0), *snapSlot)
	entries := make(map[Address]*LedgerEntry)
	batches := 0
	require.NoError(snap.ForEachEntries(1, func(batch map[Address]*LedgerEntry) error {
		batches++
		for addr, e := range batch {
			entries[addr] = e
		}
		return nil
	}))
	require.Equal(2, batches)
	require.Equal(uint64(400), entries[staker].Balance)
	require.Equal(uint64(600), entries[other].Balance)
	snapMsgs, err := snap.LoadAsyncMessages()
	require.NoError(err)
	require.Len(snapMsgs, 1)
}

func TestLedgerDiskReplace(t *testing.T) {
	require := require.New(t)
	ledger, err := NewLedgerMemory()
	require.NoError(err)
	defer ledger.Close()

	staker := testAddress(1)
	require.NoError(ledger.Initialize(testGenesisLedger(staker, 10, 1000), []BlockID{testBlockID(1), testBlockID(2)}))

	other := testAddress(2)
	require.NoError(ledger.Replace(&FinalStateSnapshot{
		Slot:        NewSlot(7, 1),
		LatestFinal: []BlockID{testBlockID(5), testBlockID(6)},
		Entries:     map[Address]*LedgerEntry{other: {Balance: 42, Datastore: map[string][]byte{"k": []byte("v")}}},
		PoS:         &PoSSnapshot{Rolls: map[Address]uint64{other: 3}},
	}))

	entry, err := ledger.GetEntry(staker)
	require.NoError(err)
	require.Nil(entry)
	entry, err = ledger.GetEntry(other)
	require.NoError(err)
	require.Equal(uint64(42), entry.Balance)
	require.Equal([]byte("v"), entry.Datastore["k"])
	slot, err := ledger.GetFinalSlot()
	require.NoError(err)
	require.Equal(NewSlot(7, 1), *slot)
	pos, err := ledger.LoadPoS()
	require.NoError(err)
	require.Equal(map[Address]uint64{other: 3}, pos.Rolls)

	require.NoError(ledger.Reset())
	slot, err = ledger.GetFinalSlot()
	require.NoError(err)
	require.Nil(slot)
}
