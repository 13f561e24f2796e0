package blockclique

import (
	"fmt"
	"math/bits"
)

// EntryReader reads the final ledger.
type EntryReader interface {
	GetEntry(addr Address) (*LedgerEntry, error)
}

// Event is a noteworthy outcome of executing a settled slot.
type Event struct {
	Slot      Slot            `json:"slot"`
	Block     *BlockID        `json:"block,omitempty"`
	Operation *OperationID    `json:"operation,omitempty"`
	Message   *AsyncMessageID `json:"message,omitempty"`
	Failure   bool            `json:"failure,omitempty"`
	Data      string          `json:"data"`
}

// ExecutionContext is what an Executor sees of a settled slot.
type ExecutionContext struct {
	Cfg     *Config
	Slot    Slot
	BlockID *BlockID // nil for a missed slot
	Block   *Block
	Ledger  EntryReader
	Rolls   func(addr Address) uint64 // final roll count before the slot
	Async   *AsyncSelection           // async messages executable at the slot
}

// ExecutionOutput is what executing a settled slot changed.
type ExecutionOutput struct {
	Ledger    LedgerChanges
	RollBuys  map[Address]uint64
	RollSells map[Address]uint64
	Emitted   []*AsyncMessage
	Executed  []OperationID
	Events    []Event
}

// Executor runs the operations of a final block and the async messages of its slot. It is the
// boundary to the smart contract runtime.
type Executor interface {
	ExecuteSlot(ctx *ExecutionContext) (*ExecutionOutput, error)
}

// BasicExecutor executes coin transfers, roll trades, fees and rewards. Smart contract
// operations are charged their gas and call_sc schedules an async message to its target.
type BasicExecutor struct{}

// NewBasicExecutor returns a new BasicExecutor.
func NewBasicExecutor() *BasicExecutor {
	return &BasicExecutor{}
}

// executionState overlays pending changes over the final ledger
type executionState struct {
	ctx *ExecutionContext
	out *ExecutionOutput
}

func (s *executionState) balance(addr Address) (uint64, error) {
	if balance, ok := s.out.Ledger.Balance(addr); ok {
		return balance, nil
	}
	entry, err := s.ctx.Ledger.GetEntry(addr)
	if err != nil || entry == nil {
		return 0, err
	}
	if change, ok := s.out.Ledger[addr]; ok {
		return change.ApplyToEntry(entry).Balance, nil
	}
	return entry.Balance, nil
}

func (s *executionState) credit(addr Address, amount uint64) error {
	balance, err := s.balance(addr)
	if err != nil {
		return err
	}
	balance, ok := addAmount(balance, amount)
	if !ok {
		return fmt.Errorf("%w: balance overflow for %s", ErrStateCorruption, addr)
	}
	s.out.Ledger.SetBalance(addr, balance)
	return nil
}

// debit returns false without changing anything if addr can't afford amount
func (s *executionState) debit(addr Address, amount uint64) (bool, error) {
	balance, err := s.balance(addr)
	if err != nil {
		return false, err
	}
	balance, ok := subAmount(balance, amount)
	if !ok {
		return false, nil
	}
	s.out.Ledger.SetBalance(addr, balance)
	return true, nil
}

func (s *executionState) event(data string, failure bool) *Event {
	s.out.Events = append(s.out.Events, Event{
		Slot:    s.ctx.Slot,
		Block:   s.ctx.BlockID,
		Failure: failure,
		Data:    data,
	})
	return &s.out.Events[len(s.out.Events)-1]
}

// ExecuteSlot implements the Executor interface.
func (e BasicExecutor) ExecuteSlot(ctx *ExecutionContext) (*ExecutionOutput, error) {
	s := &executionState{
		ctx: ctx,
		out: &ExecutionOutput{
			Ledger:    make(LedgerChanges),
			RollBuys:  make(map[Address]uint64),
			RollSells: make(map[Address]uint64),
		},
	}

	if ctx.Block != nil {
		creator := ctx.Block.Creator()
		if err := s.credit(creator, ctx.Cfg.BlockReward); err != nil {
			return nil, err
		}
		for _, op := range ctx.Block.Operations {
			opID, err := op.ID()
			if err != nil {
				return nil, err
			}
			if err := e.executeOperation(s, creator, opID, op); err != nil {
				return nil, err
			}
		}
	}

	if ctx.Async != nil {
		for {
			msg, ok := ctx.Async.Next()
			if !ok {
				break
			}
			// coins were debited from the sender on emission
			if err := s.credit(msg.Destination, msg.Coins); err != nil {
				return nil, err
			}
			id := msg.ID()
			s.event(fmt.Sprintf("message %s executed on %s", msg.Handler, msg.Destination), false).Message = &id
		}
	}
	return s.out, nil
}

func (e BasicExecutor) executeOperation(s *executionState, creator Address, opID OperationID, op *Operation) error {
	sender := op.Sender()
	cost, ok := operationCost(s.ctx.Cfg, op)
	if !ok {
		s.event(fmt.Sprintf("operation %s cost overflows", opID), true).Operation = &opID
		return nil
	}

	if op.Type == ROLL_SELL {
		owned := s.ctx.Rolls(sender) + s.out.RollBuys[sender] - s.out.RollSells[sender]
		if op.RollCount > owned {
			s.event(fmt.Sprintf("operation %s sells %d rolls, %d owned", opID, op.RollCount, owned), true).
				Operation = &opID
			return nil
		}
	}

	paid, err := s.debit(sender, cost)
	if err != nil {
		return err
	}
	if !paid {
		s.event(fmt.Sprintf("operation %s unaffordable by %s", opID, sender), true).Operation = &opID
		return nil
	}
	if err := s.credit(creator, op.Fee); err != nil {
		return err
	}

	switch op.Type {
	case TRANSACTION:
		if err := s.credit(*op.Recipient, op.Amount); err != nil {
			return err
		}
	case ROLL_BUY:
		s.out.RollBuys[sender] += op.RollCount
	case ROLL_SELL:
		s.out.RollSells[sender] += op.RollCount
	case EXECUTE_SC:
		s.out.Ledger.Apply(LedgerChanges{sender: &LedgerChange{
			Kind:   LEDGER_UPDATE,
			Update: &LedgerEntryUpdate{Bytecode: SetOrKeep[[]byte]{Set: true, Value: op.Data}},
		}})
	case CALL_SC:
		next, err := s.ctx.Slot.NextSlot(s.ctx.Cfg.ThreadCount)
		if err != nil {
			return err
		}
		end := Slot{Period: s.ctx.Slot.Period + s.ctx.Cfg.OperationValidityPeriods, Thread: s.ctx.Slot.Thread}
		s.out.Emitted = append(s.out.Emitted, &AsyncMessage{
			EmissionSlot:  s.ctx.Slot,
			EmissionIndex: uint64(len(s.out.Emitted)),
			Sender:        sender,
			Destination:   *op.Recipient,
			Handler:       op.Handler,
			MaxGas:        op.MaxGas,
			GasPrice:      op.GasPrice,
			Coins:         op.Coins,
			ValidityStart: next,
			ValidityEnd:   end,
			Data:          op.Data,
		})
	}
	s.out.Executed = append(s.out.Executed, opID)
	return nil
}

// operationCost returns everything the sender pays for an operation, fee included.
func operationCost(cfg *Config, op *Operation) (uint64, bool) {
	var cost uint64
	switch op.Type {
	case TRANSACTION:
		cost = op.Amount
	case ROLL_BUY:
		hi, lo := bits.Mul64(op.RollCount, cfg.RollPrice)
		if hi != 0 {
			return 0, false
		}
		cost = lo
	case EXECUTE_SC, CALL_SC:
		hi, lo := bits.Mul64(op.MaxGas, op.GasPrice)
		if hi != 0 {
			return 0, false
		}
		var ok bool
		if cost, ok = addAmount(lo, op.Coins); !ok {
			return 0, false
		}
	}
	return addAmount(cost, op.Fee)
}
