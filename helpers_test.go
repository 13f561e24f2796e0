package blockclique

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/ed25519"
)

func testKey(i int) ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(bytes.Repeat([]byte{byte(i + 1)}, ed25519.SeedSize))
}

func testPubKey(i int) ed25519.PublicKey {
	return testKey(i).Public().(ed25519.PublicKey)
}

func testAddress(i int) Address {
	return AddressFromPublicKey(testPubKey(i))
}

// testKeyInThread returns the first test key whose address belongs to the thread
func testKeyInThread(t *testing.T, threadCount, thread uint8) ed25519.PrivateKey {
	for i := 0; i < 1000; i++ {
		if testAddress(i).Thread(threadCount) == thread {
			return testKey(i)
		}
	}
	t.Fatalf("no test key in thread %d", thread)
	return nil
}

// testConfig is a small two thread network whose genesis is an hour old
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.ThreadCount = 2
	cfg.T0 = time.Second
	cfg.GenesisTimestamp = time.Now().Add(-time.Hour).UnixMilli()
	cfg.PeriodsPerCycle = 4
	cfg.EndorsementCount = 2
	cfg.DeltaF0 = 2
	cfg.PosDrawCachedCycle = 4
	cfg.MaxFinalEvents = 100
	cfg.LedgerCacheCapacity = 64
	cfg.FinalHistoryLength = 2
	cfg.ForceKeepFinalPeriod = 10
	cfg.OperationValidityPeriods = 10
	cfg.MaxSendWait = time.Second
	cfg.MaxClockCompensation = time.Hour
	return cfg
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}

// testGenesisLedger gives the staker rolls and coins
func testGenesisLedger(staker Address, rolls, balance uint64) *GenesisLedger {
	return &GenesisLedger{
		Balances: map[Address]uint64{staker: balance},
		Rolls:    map[Address]uint64{staker: rolls},
	}
}

// newTestFinalState returns a final state over an in-memory ledger initialized at genesis
func newTestFinalState(t *testing.T, cfg *Config, genesis *GenesisLedger) (*FinalState, []BlockID) {
	require := require.New(t)
	genesisKey, err := cfg.GenesisPublicKey()
	require.NoError(err)
	genesisIDs, _, err := GenesisBlocks(cfg.ThreadCount, genesisKey)
	require.NoError(err)

	ledger, err := NewLedgerMemory()
	require.NoError(err)
	t.Cleanup(func() { ledger.Close() })
	require.NoError(ledger.Initialize(genesis, genesisIDs))

	fs, err := NewFinalState(cfg, ledger, genesis.Rolls, NewBasicExecutor(), testLogger())
	require.NoError(err)
	return fs, genesisIDs
}

// staticDraws draws the same address for every producer and endorser slot
type staticDraws struct {
	cfg  *Config
	addr Address
}

func (d staticDraws) DrawForSlot(slot Slot) (*Selection, error) {
	sel := &Selection{Producer: d.addr, Endorsers: make([]Address, d.cfg.EndorsementCount)}
	for i := range sel.Endorsers {
		sel.Endorsers[i] = d.addr
	}
	return sel, nil
}

// staticSource serves fixed lookback state to a Selector
type staticSource struct {
	rolls map[Address]uint64
	seed  Hash
	err   error
	calls int
}

func (s *staticSource) LookbackState(cycle uint64) (map[Address]uint64, Hash, error) {
	s.calls++
	return s.rolls, s.seed, s.err
}

func mustSignedBlock(t *testing.T, key ed25519.PrivateKey, slot Slot, parents []BlockID,
	endorsements []*Endorsement, ops []*Operation) (BlockID, *Block) {

	require := require.New(t)
	block, err := NewBlock(slot, parents, key.Public().(ed25519.PublicKey), endorsements, ops)
	require.NoError(err)
	require.NoError(block.Sign(key))
	id, err := block.ID()
	require.NoError(err)
	return id, block
}

func mustSignedTransaction(t *testing.T, key ed25519.PrivateKey, recipient Address, amount, fee, expire uint64) (
	OperationID, *Operation) {

	require := require.New(t)
	op := NewTransaction(key.Public().(ed25519.PublicKey), recipient, amount, fee, expire)
	require.NoError(op.Sign(key))
	id, err := op.ID()
	require.NoError(err)
	return id, op
}
