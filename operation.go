package blockclique

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/sha3"
)

// OperationType tags the variant of an Operation.
type OperationType string

const (
	TRANSACTION OperationType = "transaction"
	ROLL_BUY    OperationType = "roll_buy"
	ROLL_SELL   OperationType = "roll_sell"
	EXECUTE_SC  OperationType = "execute_sc"
	CALL_SC     OperationType = "call_sc"
)

// MAX_OPERATION_DATA_LENGTH bounds bytecode and call parameters.
const MAX_OPERATION_DATA_LENGTH = 1024 * 1024

// Operation is a signed request by the sender to change the ledger. Which fields are
// meaningful depends on Type.
type Operation struct {
	Type            OperationType     `json:"type"`
	Fee             uint64            `json:"fee"`
	ExpirePeriod    uint64            `json:"expire_period"`
	SenderPublicKey ed25519.PublicKey `json:"sender_public_key"`
	Recipient       *Address          `json:"recipient,omitempty"` // transaction recipient or call_sc target
	Amount          uint64            `json:"amount,omitempty"`
	RollCount       uint64            `json:"roll_count,omitempty"`
	MaxGas          uint64            `json:"max_gas,omitempty"`
	GasPrice        uint64            `json:"gas_price,omitempty"`
	Coins           uint64            `json:"coins,omitempty"`
	Handler         string            `json:"handler,omitempty"`
	Data            []byte            `json:"data,omitempty"`
	Signature       Signature         `json:"signature,omitempty"`
}

// OperationID is an operation's unique identifier.
type OperationID [32]byte // SHA3-256 hash

// NewTransaction returns a new unsigned coin transfer.
func NewTransaction(sender ed25519.PublicKey, recipient Address, amount, fee, expirePeriod uint64) *Operation {
	return &Operation{
		Type:            TRANSACTION,
		Fee:             fee,
		ExpirePeriod:    expirePeriod,
		SenderPublicKey: sender,
		Recipient:       &recipient,
		Amount:          amount,
	}
}

// NewRollOperation returns a new unsigned roll buy or sell.
func NewRollOperation(opType OperationType, sender ed25519.PublicKey, rolls, fee, expirePeriod uint64) *Operation {
	return &Operation{
		Type:            opType,
		Fee:             fee,
		ExpirePeriod:    expirePeriod,
		SenderPublicKey: sender,
		RollCount:       rolls,
	}
}

// NewCallSC returns a new unsigned smart contract call.
func NewCallSC(sender ed25519.PublicKey, target Address, handler string, params []byte,
	maxGas, gasPrice, coins, fee, expirePeriod uint64) *Operation {
	return &Operation{
		Type:            CALL_SC,
		Fee:             fee,
		ExpirePeriod:    expirePeriod,
		SenderPublicKey: sender,
		Recipient:       &target,
		MaxGas:          maxGas,
		GasPrice:        gasPrice,
		Coins:           coins,
		Handler:         handler,
		Data:            params,
	}
}

// ID computes an ID for a given operation.
func (op Operation) ID() (OperationID, error) {
	// never include the signature in the ID
	op.Signature = nil
	opJson, err := json.Marshal(op)
	if err != nil {
		return OperationID{}, err
	}
	return sha3.Sum256(opJson), nil
}

// Sign is called to sign an operation.
func (op *Operation) Sign(privKey ed25519.PrivateKey) error {
	id, err := op.ID()
	if err != nil {
		return err
	}
	op.Signature = ed25519.Sign(privKey, id[:])
	return nil
}

// Verify is called to verify only that the operation is properly signed.
func (op Operation) Verify() (bool, error) {
	if len(op.SenderPublicKey) != ed25519.PublicKeySize {
		return false, nil
	}
	id, err := op.ID()
	if err != nil {
		return false, err
	}
	return ed25519.Verify(op.SenderPublicKey, id[:], op.Signature), nil
}

// Sender returns the address paying for the operation.
func (op Operation) Sender() Address {
	return AddressFromPublicKey(op.SenderPublicKey)
}

// Gas returns the gas the operation declares. Only smart contract operations use gas.
func (op Operation) Gas() uint64 {
	switch op.Type {
	case EXECUTE_SC, CALL_SC:
		return op.MaxGas
	}
	return 0
}

// IsValidInPeriod returns true if the operation can be included in a block of the given period.
func (op Operation) IsValidInPeriod(period, validityPeriods uint64) bool {
	return op.ExpirePeriod >= period && op.ExpirePeriod <= period+validityPeriods
}

// IsExpired returns true if the operation can no longer be included at or after the given period.
func (op Operation) IsExpired(period uint64) bool {
	return op.ExpirePeriod < period
}

// Contains returns true if the operation involves the given address.
func (op Operation) Contains(addr Address) bool {
	if op.Sender() == addr {
		return true
	}
	return op.Recipient != nil && *op.Recipient == addr
}

// CheckStructure performs context-free checks on the operation's fields.
func (op Operation) CheckStructure() error {
	if len(op.SenderPublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: operation sender public key is invalid", ErrValidation)
	}
	if len(op.Data) > MAX_OPERATION_DATA_LENGTH {
		return fmt.Errorf("%w: operation data exceeds %d bytes", ErrValidation, MAX_OPERATION_DATA_LENGTH)
	}
	switch op.Type {
	case TRANSACTION:
		if op.Recipient == nil {
			return fmt.Errorf("%w: transaction has no recipient", ErrValidation)
		}
		if *op.Recipient == op.Sender() {
			return fmt.Errorf("%w: transaction to self", ErrValidation)
		}
	case ROLL_BUY, ROLL_SELL:
		if op.RollCount == 0 {
			return fmt.Errorf("%w: roll operation with no rolls", ErrValidation)
		}
	case EXECUTE_SC:
		if len(op.Data) == 0 {
			return fmt.Errorf("%w: execute_sc without bytecode", ErrValidation)
		}
	case CALL_SC:
		if op.Recipient == nil || len(op.Handler) == 0 {
			return fmt.Errorf("%w: call_sc without target", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown operation type %q", ErrValidation, op.Type)
	}
	return nil
}

// String implements the Stringer interface.
func (id OperationID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText marshals OperationID as a hex string.
func (id OperationID) MarshalText() ([]byte, error) {
	return marshalHex(id[:]), nil
}

// UnmarshalText unmarshals a hex string to OperationID.
func (id *OperationID) UnmarshalText(b []byte) error {
	return unmarshalHex(id[:], b, "operation ID")
}
