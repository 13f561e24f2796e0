package blockclique

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LedgerDisk is an on-disk implementation of the Ledger interface using LevelDB.
type LedgerDisk struct {
	db       *leveldb.DB
	readOnly bool
}

// NewLedgerDisk returns a new instance of an on-disk ledger.
func NewLedgerDisk(dbPath string, readOnly bool) (*LedgerDisk, error) {
	opts := opt.Options{ReadOnly: readOnly}
	db, err := leveldb.OpenFile(dbPath, &opts)
	if err != nil {
		return nil, err
	}
	return &LedgerDisk{db: db, readOnly: readOnly}, nil
}

// NewLedgerMemory returns a ledger backed by in-memory LevelDB storage.
func NewLedgerMemory() (*LedgerDisk, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LedgerDisk{db: db}, nil
}

// GetEntry returns the final entry of an address or nil if it doesn't exist.
func (l LedgerDisk) GetEntry(addr Address) (*LedgerEntry, error) {
	return getEntry(l.db, addr)
}

// GetBalance returns the final balance of an address.
func (l LedgerDisk) GetBalance(addr Address) (uint64, error) {
	entry, err := l.GetEntry(addr)
	if err != nil || entry == nil {
		return 0, err
	}
	return entry.Balance, nil
}

// GetFinalSlot returns the last settled slot or nil if the ledger is uninitialized.
func (l LedgerDisk) GetFinalSlot() (*Slot, error) {
	return getFinalSlot(l.db)
}

// GetLatestFinalBlocks returns the latest final block ID of every thread.
func (l LedgerDisk) GetLatestFinalBlocks() ([]BlockID, error) {
	return getLatestFinalBlocks(l.db)
}

// LoadPoS returns the persisted proof-of-stake state.
func (l LedgerDisk) LoadPoS() (*PoSSnapshot, error) {
	return loadPoS(l.db)
}

// LoadAsyncMessages returns the persisted async pool.
func (l LedgerDisk) LoadAsyncMessages() ([]*AsyncMessage, error) {
	return loadAsyncMessages(l.db)
}

// Commit atomically applies everything a settled slot changes.
func (l LedgerDisk) Commit(update *FinalUpdate) error {
	if l.readOnly {
		return fmt.Errorf("Ledger is in read-only mode")
	}

	batch := new(leveldb.Batch)
	for addr, change := range update.Ledger {
		var current *LedgerEntry
		if change.Kind == LEDGER_UPDATE {
			var err error
			if current, err = l.GetEntry(addr); err != nil {
				return err
			}
		}
		entry := change.ApplyToEntry(current)
		if entry == nil {
			batch.Delete(computeEntryKey(addr))
			continue
		}
		entryBytes, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		batch.Put(computeEntryKey(addr), entryBytes)
	}

	if err := putPoS(batch, update.Rolls, update.Cycles, update.DroppedCycles, update.DeferredCredits); err != nil {
		return err
	}

	for _, id := range update.AsyncRemoved {
		batch.Delete(computeAsyncKey(id))
	}
	for _, msg := range update.AsyncAdded {
		msgBytes, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		batch.Put(computeAsyncKey(msg.ID()), msgBytes)
	}

	putFinalPosition(batch, update.Slot, update.LatestFinal)

	wo := opt.WriteOptions{Sync: true}
	return l.db.Write(batch, &wo)
}

// Initialize writes the genesis final state. The final slot becomes the last genesis slot.
func (l LedgerDisk) Initialize(genesis *GenesisLedger, genesisIDs []BlockID) error {
	slot, err := getFinalSlot(l.db)
	if err != nil {
		return err
	}
	if slot != nil {
		return fmt.Errorf("Ledger already initialized at slot %s", *slot)
	}
	batch := new(leveldb.Batch)
	for addr, balance := range genesis.Balances {
		entryBytes, err := json.Marshal(&LedgerEntry{Balance: balance})
		if err != nil {
			return err
		}
		batch.Put(computeEntryKey(addr), entryBytes)
	}
	if err := putPoS(batch, genesis.Rolls, nil, nil, nil); err != nil {
		return err
	}
	putFinalPosition(batch, Slot{Period: 0, Thread: uint8(len(genesisIDs) - 1)}, genesisIDs)
	wo := opt.WriteOptions{Sync: true}
	return l.db.Write(batch, &wo)
}

// Replace atomically replaces the whole final state, as after a bootstrap.
func (l LedgerDisk) Replace(state *FinalStateSnapshot) error {
	batch := new(leveldb.Batch)
	iter := l.db.NewIterator(nil, nil)
	for iter.Next() {
		batch.Delete(append([]byte{}, iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}

	for addr, entry := range state.Entries {
		entryBytes, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		batch.Put(computeEntryKey(addr), entryBytes)
	}
	if state.PoS != nil {
		if err := putPoS(batch, state.PoS.Rolls, state.PoS.Cycles, nil, state.PoS.DeferredCredits); err != nil {
			return err
		}
	}
	for _, msg := range state.AsyncMessages {
		msgBytes, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		batch.Put(computeAsyncKey(msg.ID()), msgBytes)
	}
	if len(state.LatestFinal) != 0 {
		putFinalPosition(batch, state.Slot, state.LatestFinal)
	}

	wo := opt.WriteOptions{Sync: true}
	return l.db.Write(batch, &wo)
}

// Reset wipes the whole final state.
func (l LedgerDisk) Reset() error {
	return l.Replace(&FinalStateSnapshot{})
}

// Snapshot returns a consistent read-only view of the final state.
func (l LedgerDisk) Snapshot() (*LedgerSnapshot, error) {
	snap, err := l.db.GetSnapshot()
	if err != nil {
		return nil, err
	}
	return &LedgerSnapshot{snap: snap}, nil
}

// Close is called to close any underlying storage.
func (l *LedgerDisk) Close() error {
	return l.db.Close()
}

// LedgerSnapshot is a point-in-time view of a LedgerDisk. It must be released.
type LedgerSnapshot struct {
	snap *leveldb.Snapshot
}

// GetFinalSlot returns the snapshot's settled slot.
func (s *LedgerSnapshot) GetFinalSlot() (*Slot, error) {
	return getFinalSlot(s.snap)
}

// GetLatestFinalBlocks returns the snapshot's latest final blocks.
func (s *LedgerSnapshot) GetLatestFinalBlocks() ([]BlockID, error) {
	return getLatestFinalBlocks(s.snap)
}

// LoadPoS returns the snapshot's proof-of-stake state.
func (s *LedgerSnapshot) LoadPoS() (*PoSSnapshot, error) {
	return loadPoS(s.snap)
}

// LoadAsyncMessages returns the snapshot's async pool.
func (s *LedgerSnapshot) LoadAsyncMessages() ([]*AsyncMessage, error) {
	return loadAsyncMessages(s.snap)
}

// ForEachEntries calls fn with batches of at most batchSize ledger entries in address order.
func (s *LedgerSnapshot) ForEachEntries(batchSize int, fn func(map[Address]*LedgerEntry) error) error {
	iter := s.snap.NewIterator(util.BytesPrefix([]byte{entryPrefix}), nil)
	defer iter.Release()
	batch := make(map[Address]*LedgerEntry, batchSize)
	for iter.Next() {
		var addr Address
		copy(addr[:], iter.Key()[1:])
		entry := new(LedgerEntry)
		if err := json.Unmarshal(iter.Value(), entry); err != nil {
			return err
		}
		batch[addr] = entry
		if len(batch) == batchSize {
			if err := fn(batch); err != nil {
				return err
			}
			batch = make(map[Address]*LedgerEntry, batchSize)
		}
	}
	if err := iter.Error(); err != nil {
		return err
	}
	if len(batch) != 0 {
		return fn(batch)
	}
	return nil
}

// Release releases the snapshot.
func (s *LedgerSnapshot) Release() {
	s.snap.Release()
}

// FinalStateSnapshot is a complete copy of a final state.
type FinalStateSnapshot struct {
	Slot          Slot                     `json:"slot"`
	LatestFinal   []BlockID                `json:"latest_final"`
	Entries       map[Address]*LedgerEntry `json:"entries"`
	PoS           *PoSSnapshot             `json:"pos"`
	AsyncMessages []*AsyncMessage          `json:"async_messages"`
}

// leveldb schema

// l{address} -> {json entry}
// r{address} -> {rolls}
// c{cycle} -> {json cycle info}
// d{cycle} -> {json deferred credits}
// a{emission slot}{emission index} -> {json async message}
// s -> {final slot}
// f{thread} -> {latest final block ID}

const entryPrefix = 'l'

const rollsPrefix = 'r'

const cyclePrefix = 'c'

const deferredPrefix = 'd'

const asyncPrefix = 'a'

const finalSlotKey = 's'

const latestFinalPrefix = 'f'

// satisfied by both *leveldb.DB and *leveldb.Snapshot
type leveldbReader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

func getEntry(db leveldbReader, addr Address) (*LedgerEntry, error) {
	entryBytes, err := db.Get(computeEntryKey(addr), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry := new(LedgerEntry)
	if err := json.Unmarshal(entryBytes, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func getFinalSlot(db leveldbReader) (*Slot, error) {
	slotBytes, err := db.Get([]byte{finalSlotKey}, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(slotBytes) != 9 {
		return nil, fmt.Errorf("%w: final slot record has %d bytes", ErrStateCorruption, len(slotBytes))
	}
	slot := Slot{Period: binary.BigEndian.Uint64(slotBytes), Thread: slotBytes[8]}
	return &slot, nil
}

func getLatestFinalBlocks(db leveldbReader) ([]BlockID, error) {
	iter := db.NewIterator(util.BytesPrefix([]byte{latestFinalPrefix}), nil)
	defer iter.Release()
	var ids []BlockID
	for iter.Next() {
		thread := int(iter.Key()[1])
		if thread != len(ids) {
			return nil, fmt.Errorf("%w: no latest final block for thread %d", ErrStateCorruption, len(ids))
		}
		var id BlockID
		copy(id[:], iter.Value())
		ids = append(ids, id)
	}
	return ids, iter.Error()
}

func loadPoS(db leveldbReader) (*PoSSnapshot, error) {
	s := &PoSSnapshot{
		Rolls:           make(map[Address]uint64),
		DeferredCredits: make(map[uint64]map[Address]uint64),
	}

	iter := db.NewIterator(util.BytesPrefix([]byte{rollsPrefix}), nil)
	for iter.Next() {
		var addr Address
		copy(addr[:], iter.Key()[1:])
		s.Rolls[addr] = binary.BigEndian.Uint64(iter.Value())
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}

	// big endian keys iterate in cycle order
	iter = db.NewIterator(util.BytesPrefix([]byte{cyclePrefix}), nil)
	for iter.Next() {
		c := new(CycleInfo)
		if err := json.Unmarshal(iter.Value(), c); err != nil {
			iter.Release()
			return nil, err
		}
		s.Cycles = append(s.Cycles, c)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}

	iter = db.NewIterator(util.BytesPrefix([]byte{deferredPrefix}), nil)
	for iter.Next() {
		credits := make(map[Address]uint64)
		if err := json.Unmarshal(iter.Value(), &credits); err != nil {
			iter.Release()
			return nil, err
		}
		s.DeferredCredits[binary.BigEndian.Uint64(iter.Key()[1:])] = credits
	}
	iter.Release()
	return s, iter.Error()
}

func loadAsyncMessages(db leveldbReader) ([]*AsyncMessage, error) {
	iter := db.NewIterator(util.BytesPrefix([]byte{asyncPrefix}), nil)
	defer iter.Release()
	var msgs []*AsyncMessage
	for iter.Next() {
		msg := new(AsyncMessage)
		if err := json.Unmarshal(iter.Value(), msg); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, iter.Error()
}

func putPoS(batch *leveldb.Batch, rolls map[Address]uint64, cycles []*CycleInfo, dropped []uint64,
	deferred map[uint64]map[Address]uint64) error {

	for addr, n := range rolls {
		if n == 0 {
			batch.Delete(computeRollsKey(addr))
			continue
		}
		batch.Put(computeRollsKey(addr), uint64Bytes(n))
	}
	for _, c := range cycles {
		cycleBytes, err := json.Marshal(c)
		if err != nil {
			return err
		}
		batch.Put(computeCycleKey(cyclePrefix, c.Cycle), cycleBytes)
	}
	for _, c := range dropped {
		batch.Delete(computeCycleKey(cyclePrefix, c))
	}
	for c, credits := range deferred {
		if len(credits) == 0 {
			batch.Delete(computeCycleKey(deferredPrefix, c))
			continue
		}
		creditsBytes, err := json.Marshal(credits)
		if err != nil {
			return err
		}
		batch.Put(computeCycleKey(deferredPrefix, c), creditsBytes)
	}
	return nil
}

func putFinalPosition(batch *leveldb.Batch, slot Slot, latestFinal []BlockID) {
	batch.Put([]byte{finalSlotKey}, slot.Bytes())
	for thread, id := range latestFinal {
		batch.Put([]byte{latestFinalPrefix, byte(thread)}, id[:])
	}
}

func computeEntryKey(addr Address) []byte {
	key := new(bytes.Buffer)
	key.WriteByte(entryPrefix)
	key.Write(addr[:])
	return key.Bytes()
}

func computeRollsKey(addr Address) []byte {
	key := new(bytes.Buffer)
	key.WriteByte(rollsPrefix)
	key.Write(addr[:])
	return key.Bytes()
}

func computeCycleKey(prefix byte, cycle uint64) []byte {
	key := new(bytes.Buffer)
	key.WriteByte(prefix)
	key.Write(uint64Bytes(cycle))
	return key.Bytes()
}

func computeAsyncKey(id AsyncMessageID) []byte {
	key := new(bytes.Buffer)
	key.WriteByte(asyncPrefix)
	key.Write(id.Bytes())
	return key.Bytes()
}
