package blockclique

// LedgerEntry is the final state of one address. Rolls are held in the PoS tables.
type LedgerEntry struct {
	Balance   uint64            `json:"balance"`
	Bytecode  []byte            `json:"bytecode,omitempty"`
	Datastore map[string][]byte `json:"datastore,omitempty"`
}

// Clone returns a deep copy of the entry.
func (e *LedgerEntry) Clone() *LedgerEntry {
	if e == nil {
		return nil
	}
	c := &LedgerEntry{Balance: e.Balance}
	if e.Bytecode != nil {
		c.Bytecode = append([]byte{}, e.Bytecode...)
	}
	if e.Datastore != nil {
		c.Datastore = make(map[string][]byte, len(e.Datastore))
		for k, v := range e.Datastore {
			c.Datastore[k] = append([]byte{}, v...)
		}
	}
	return c
}

// SetOrKeep either replaces a value or leaves it untouched.
type SetOrKeep[T any] struct {
	Set   bool `json:"set"`
	Value T    `json:"value"`
}

// Apply composes a later change over this one.
func (s *SetOrKeep[T]) Apply(later SetOrKeep[T]) {
	if later.Set {
		*s = later
	}
}

// SetOrDelete either replaces a value or removes it.
type SetOrDelete[T any] struct {
	Delete bool `json:"delete,omitempty"`
	Value  T    `json:"value"`
}

// LedgerEntryUpdate changes some fields of an existing entry.
type LedgerEntryUpdate struct {
	Balance   SetOrKeep[uint64]              `json:"balance"`
	Bytecode  SetOrKeep[[]byte]              `json:"bytecode"`
	Datastore map[string]SetOrDelete[[]byte] `json:"datastore,omitempty"`
}

// Apply composes a later update over this one.
func (u *LedgerEntryUpdate) Apply(later *LedgerEntryUpdate) {
	u.Balance.Apply(later.Balance)
	u.Bytecode.Apply(later.Bytecode)
	for k, v := range later.Datastore {
		if u.Datastore == nil {
			u.Datastore = make(map[string]SetOrDelete[[]byte])
		}
		u.Datastore[k] = v
	}
}

// applyTo returns a copy of entry with the update applied. A nil entry starts empty.
func (u *LedgerEntryUpdate) applyTo(entry *LedgerEntry) *LedgerEntry {
	e := entry.Clone()
	if e == nil {
		e = &LedgerEntry{}
	}
	if u.Balance.Set {
		e.Balance = u.Balance.Value
	}
	if u.Bytecode.Set {
		e.Bytecode = u.Bytecode.Value
	}
	for k, v := range u.Datastore {
		if v.Delete {
			delete(e.Datastore, k)
			continue
		}
		if e.Datastore == nil {
			e.Datastore = make(map[string][]byte)
		}
		e.Datastore[k] = v.Value
	}
	return e
}

// LedgerChangeKind tells whether a change replaces, updates or deletes an entry.
type LedgerChangeKind int

const (
	LEDGER_SET LedgerChangeKind = iota
	LEDGER_UPDATE
	LEDGER_DELETE
)

// LedgerChange is the change of one entry.
type LedgerChange struct {
	Kind   LedgerChangeKind   `json:"kind"`
	Entry  *LedgerEntry       `json:"entry,omitempty"`
	Update *LedgerEntryUpdate `json:"update,omitempty"`
}

// LedgerChanges are the changes a settled slot makes to the final ledger.
type LedgerChanges map[Address]*LedgerChange

// Apply composes later changes over these.
func (c LedgerChanges) Apply(later LedgerChanges) {
	for addr, change := range later {
		current, ok := c[addr]
		if !ok || change.Kind != LEDGER_UPDATE {
			c[addr] = change
			continue
		}
		switch current.Kind {
		case LEDGER_SET:
			current.Entry = change.Update.applyTo(current.Entry)
		case LEDGER_UPDATE:
			current.Update.Apply(change.Update)
		case LEDGER_DELETE:
			c[addr] = &LedgerChange{Kind: LEDGER_SET, Entry: change.Update.applyTo(nil)}
		}
	}
}

// SetBalance records a new balance for the address.
func (c LedgerChanges) SetBalance(addr Address, balance uint64) {
	c.Apply(LedgerChanges{addr: &LedgerChange{
		Kind:   LEDGER_UPDATE,
		Update: &LedgerEntryUpdate{Balance: SetOrKeep[uint64]{Set: true, Value: balance}},
	}})
}

// Balance returns the balance the changes assign to addr, if any.
func (c LedgerChanges) Balance(addr Address) (uint64, bool) {
	change, ok := c[addr]
	if !ok {
		return 0, false
	}
	switch change.Kind {
	case LEDGER_SET:
		return change.Entry.Balance, true
	case LEDGER_DELETE:
		return 0, true
	}
	return change.Update.Balance.Value, change.Update.Balance.Set
}

// ApplyToEntry returns the entry resulting from applying the change to entry. nil means deleted.
func (c *LedgerChange) ApplyToEntry(entry *LedgerEntry) *LedgerEntry {
	switch c.Kind {
	case LEDGER_SET:
		return c.Entry.Clone()
	case LEDGER_DELETE:
		return nil
	}
	return c.Update.applyTo(entry)
}

// Ledger is an interface to the final ledger and PoS tables. Only slot settlement writes to it.
type Ledger interface {
	// GetEntry returns the final entry of an address or nil if it doesn't exist.
	GetEntry(addr Address) (*LedgerEntry, error)

	// GetBalance returns the final balance of an address.
	GetBalance(addr Address) (uint64, error)

	// GetFinalSlot returns the last settled slot or nil if the ledger is uninitialized.
	GetFinalSlot() (*Slot, error)

	// GetLatestFinalBlocks returns the latest final block ID of every thread.
	GetLatestFinalBlocks() ([]BlockID, error)

	// LoadPoS returns the persisted proof-of-stake state.
	LoadPoS() (*PoSSnapshot, error)

	// LoadAsyncMessages returns the persisted async pool.
	LoadAsyncMessages() ([]*AsyncMessage, error)

	// Commit atomically applies everything a settled slot changes.
	Commit(update *FinalUpdate) error

	// Snapshot returns a consistent read-only view of the final state for bootstrap.
	Snapshot() (*LedgerSnapshot, error)

	// Replace atomically replaces the whole final state.
	Replace(state *FinalStateSnapshot) error
}

// FinalUpdate is everything settling one slot writes to the final state.
type FinalUpdate struct {
	Slot            Slot
	LatestFinal     []BlockID
	Ledger          LedgerChanges
	Rolls           map[Address]uint64 // new roll counts, 0 removes
	Cycles          []*CycleInfo       // upserted cycles
	DroppedCycles   []uint64
	DeferredCredits map[uint64]map[Address]uint64 // full replacement per cycle, empty removes
	AsyncAdded      []*AsyncMessage
	AsyncRemoved    []AsyncMessageID
}
