package blockclique

import (
	lru "github.com/hashicorp/golang-lru"
)

// LedgerCache keeps recently read final ledger entries in memory.
// It's used by slot settlement to read balances without hitting the disk.
type LedgerCache struct {
	ledger Ledger
	cache  *lru.Cache // Address -> *LedgerEntry, nil for a missing entry
}

// NewLedgerCache returns a new instance of a LedgerCache.
func NewLedgerCache(ledger Ledger, capacity int) (*LedgerCache, error) {
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	return &LedgerCache{ledger: ledger, cache: cache}, nil
}

// GetEntry returns a copy of the final entry of an address or nil if it doesn't exist.
func (c *LedgerCache) GetEntry(addr Address) (*LedgerEntry, error) {
	if cached, ok := c.cache.Get(addr); ok {
		return cached.(*LedgerEntry).Clone(), nil
	}
	entry, err := c.ledger.GetEntry(addr)
	if err != nil {
		return nil, err
	}
	c.cache.Add(addr, entry)
	return entry.Clone(), nil
}

// GetBalance returns the final balance of an address.
func (c *LedgerCache) GetBalance(addr Address) (uint64, error) {
	entry, err := c.GetEntry(addr)
	if err != nil || entry == nil {
		return 0, err
	}
	return entry.Balance, nil
}

// Apply updates cached entries with committed changes.
func (c *LedgerCache) Apply(changes LedgerChanges) {
	for addr, change := range changes {
		cached, ok := c.cache.Peek(addr)
		if !ok {
			continue
		}
		c.cache.Add(addr, change.ApplyToEntry(cached.(*LedgerEntry)))
	}
}

// Reset drops every cached entry.
func (c *LedgerCache) Reset() {
	c.cache.Purge()
}

// Len returns the number of cached entries.
func (c *LedgerCache) Len() int {
	return c.cache.Len()
}
