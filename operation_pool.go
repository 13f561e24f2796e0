package blockclique

// OperationPool is an interface to a pool of operations awaiting inclusion in a block.
type OperationPool interface {
	// Add adds the operation to the pool. Returns true if the operation was added on this call.
	// "period" is the current period.
	Add(id OperationID, op *Operation, period uint64) (bool, error)

	// AddBatch adds a batch of operations to the pool, as received by bootstrap.
	AddBatch(ids []OperationID, ops []*Operation, period uint64) error

	// RemoveBatch removes a batch of operations from the pool (their block became final.)
	RemoveBatch(ids []OperationID)

	// PruneExpired removes operations that can't be included at or after the period.
	PruneExpired(period uint64)

	// Get returns operations of the thread includable in a block at the period, in pool order,
	// skipping excluded ones and keeping their total gas within maxGas.
	Get(thread uint8, period uint64, limit int, maxGas uint64, exclude map[OperationID]BlockID) []*Operation

	// All returns every pooled operation in pool order.
	All() []*Operation

	// Exists returns true if the given operation is in the pool.
	Exists(id OperationID) bool

	// ExistsSigned returns true if the given operation is in the pool and contains the given signature.
	ExistsSigned(id OperationID, signature Signature) bool

	// Len returns the pool length.
	Len() int
}
