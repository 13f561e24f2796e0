package blockclique

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"
)

func TestFinalStateSettlement(t *testing.T) {
	require := require.New(t)
	cfg := testConfig()

	key := testKeyInThread(t, cfg.ThreadCount, 0)
	pub := key.Public().(ed25519.PublicKey)
	staker := AddressFromPublicKey(pub)
	recipient, target := testAddress(100), testAddress(101)

	start := 1000 * uint64(COIN)
	genesis := testGenesisLedger(staker, 5, start)
	fs, genesisIDs := newTestFinalState(t, cfg, genesis)
	require.Equal(NewSlot(0, 1), fs.Slot())
	require.Equal(genesisIDs, fs.LatestFinal())

	txID, tx := mustSignedTransaction(t, key, recipient, 10*COIN, COIN, 5)
	buy := NewRollOperation(ROLL_BUY, pub, 1, 0, 5)
	require.NoError(buy.Sign(key))
	call := NewCallSC(pub, target, "receive", nil, 1000, 1, 5, 0, 5)
	require.NoError(call.Sign(key))

	id, block := mustSignedBlock(t, key, NewSlot(1, 0), genesisIDs, nil, []*Operation{tx, buy, call})
	settled, err := fs.SettleSlot(NewSlot(1, 0), &id, block)
	require.NoError(err)
	require.Len(settled.Executed, 3)
	require.Equal(txID, settled.Executed[0])

	balance, err := fs.GetBalance(staker)
	require.NoError(err)
	require.Equal(start-10*COIN-cfg.RollPrice-1005+cfg.BlockReward, balance)
	balance, err = fs.GetBalance(recipient)
	require.NoError(err)
	require.Equal(uint64(10*COIN), balance)
	require.Equal(uint64(6), fs.PoS().GetRolls(staker))
	require.Equal(1, fs.AsyncPool().Len())

	// slots settle in order
	_, err = fs.SettleSlot(NewSlot(1, 0), &id, block)
	require.True(errors.Is(err, ErrStateCorruption))

	// the emitted message runs at the next slot, a miss
	settled, err = fs.SettleSlot(NewSlot(1, 1), nil, nil)
	require.NoError(err)
	require.Len(settled.Events, 1)
	require.NotNil(settled.Events[0].Message)
	balance, err = fs.GetBalance(target)
	require.NoError(err)
	require.Equal(uint64(5), balance)
	require.Equal(0, fs.AsyncPool().Len())

	require.Equal(NewSlot(1, 1), fs.Slot())
	require.Equal([]BlockID{id, genesisIDs[1]}, fs.LatestFinal())

	// a resumed final state reads everything back
	resumed, err := NewFinalState(cfg, fs.Ledger(), genesis.Rolls, NewBasicExecutor(), testLogger())
	require.NoError(err)
	require.Equal(fs.Slot(), resumed.Slot())
	require.Equal(fs.LatestFinal(), resumed.LatestFinal())
	require.Equal(uint64(6), resumed.PoS().GetRolls(staker))
	require.Equal(fs.PoS().Export(), resumed.PoS().Export())
	balance, err = resumed.GetBalance(target)
	require.NoError(err)
	require.Equal(uint64(5), balance)
}

func TestFinalStateFailedOperation(t *testing.T) {
	require := require.New(t)
	cfg := testConfig()

	key := testKeyInThread(t, cfg.ThreadCount, 0)
	staker := AddressFromPublicKey(key.Public().(ed25519.PublicKey))
	fs, genesisIDs := newTestFinalState(t, cfg, testGenesisLedger(staker, 5, COIN))

	// more than the sender owns
	opID, tx := mustSignedTransaction(t, key, testAddress(100), 2*COIN, 0, 5)
	id, block := mustSignedBlock(t, key, NewSlot(1, 0), genesisIDs, nil, []*Operation{tx})
	settled, err := fs.SettleSlot(NewSlot(1, 0), &id, block)
	require.NoError(err)
	require.Empty(settled.Executed)
	require.Len(settled.Events, 1)
	require.True(settled.Events[0].Failure)
	require.Equal(opID, *settled.Events[0].Operation)

	events := fs.Events(nil, nil)
	require.Len(events, 1)
	after := NewSlot(1, 1)
	require.Empty(fs.Events(&after, nil))

	balance, err := fs.GetBalance(staker)
	require.NoError(err)
	require.Equal(COIN+cfg.BlockReward, balance)
}

func TestFinalStateRefundsUnexecutedMessages(t *testing.T) {
	require := require.New(t)
	cfg := testConfig()
	cfg.MaxAsyncGas = 500

	key := testKeyInThread(t, cfg.ThreadCount, 0)
	pub := key.Public().(ed25519.PublicKey)
	staker := AddressFromPublicKey(pub)
	start := 1000 * uint64(COIN)
	fs, genesisIDs := newTestFinalState(t, cfg, testGenesisLedger(staker, 5, start))

	// expires before the first slot settles
	expiring := &AsyncMessage{
		EmissionSlot:  NewSlot(0, 0),
		Sender:        staker,
		Destination:   testAddress(101),
		Handler:       "receive",
		MaxGas:        100,
		GasPrice:      1,
		Coins:         7,
		ValidityStart: NewSlot(0, 0),
		ValidityEnd:   NewSlot(0, 1),
	}
	_, err := fs.AsyncPool().Insert(expiring)
	require.NoError(err)

	// more gas than the pool holds, dropped on emission
	call := NewCallSC(pub, testAddress(101), "receive", nil, 1000, 1, 5, 0, 5)
	require.NoError(call.Sign(key))
	id, block := mustSignedBlock(t, key, NewSlot(1, 0), genesisIDs, nil, []*Operation{call})
	settled, err := fs.SettleSlot(NewSlot(1, 0), &id, block)
	require.NoError(err)
	require.Equal(0, fs.AsyncPool().Len())

	var refunded []AsyncMessageID
	for _, e := range settled.Events {
		if e.Message != nil {
			require.True(e.Failure)
			refunded = append(refunded, *e.Message)
		}
	}
	require.Equal([]AsyncMessageID{expiring.ID(), {EmissionSlot: NewSlot(1, 0)}}, refunded)

	// only the gas is spent
	balance, err := fs.GetBalance(staker)
	require.NoError(err)
	require.Equal(start+7-1000+cfg.BlockReward, balance)
	balance, err = fs.GetBalance(testAddress(101))
	require.NoError(err)
	require.Zero(balance)
}

func TestFinalStateSettlementErrorsAreFatal(t *testing.T) {
	require := require.New(t)
	cfg := testConfig()
	key := testKeyInThread(t, cfg.ThreadCount, 0)
	staker := AddressFromPublicKey(key.Public().(ed25519.PublicKey))
	fs, _ := newTestFinalState(t, cfg, testGenesisLedger(staker, 5, COIN))
	fs.executor = failingExecutor{}

	_, err := fs.SettleSlot(NewSlot(1, 0), nil, nil)
	require.ErrorIs(err, ErrStateCorruption)
	require.ErrorIs(err, errExecutorFailed)
}

var errExecutorFailed = errors.New("executor failed")

type failingExecutor struct{}

func (failingExecutor) ExecuteSlot(*ExecutionContext) (*ExecutionOutput, error) {
	return nil, errExecutorFailed
}
