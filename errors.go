package blockclique

import "errors"

var (
	// ErrValidation indicates a malformed or over-limit block, endorsement or operation.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidProducer indicates a block or endorsement not signed by the drawn address.
	ErrInvalidProducer = errors.New("invalid producer")

	// ErrUnresolvedDependency indicates a block whose ancestors could not be resolved in time.
	ErrUnresolvedDependency = errors.New("unresolved dependency")

	// ErrDrawUnavailable indicates the lookback cycle needed for a draw is not final locally yet.
	ErrDrawUnavailable = errors.New("draw unavailable")

	ErrPoolFull = errors.New("pool full")

	ErrSnapshotTooLarge = errors.New("snapshot too large")

	ErrBootstrapTimeout = errors.New("bootstrap timeout")

	// ErrStateCorruption indicates a violated invariant in final state. It is fatal.
	ErrStateCorruption = errors.New("state corruption")

	ErrSlotOverflow = errors.New("slot overflow")

	ErrMsgTooLarge = errors.New("message too large")
)
