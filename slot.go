package blockclique

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Slot is a block production opportunity. Slots are ordered by period then thread.
type Slot struct {
	Period uint64 `json:"period"`
	Thread uint8  `json:"thread"`
}

// NewSlot returns a new Slot.
func NewSlot(period uint64, thread uint8) Slot {
	return Slot{Period: period, Thread: thread}
}

// Compare returns -1, 0 or 1 if s is before, equal to or after other.
func (s Slot) Compare(other Slot) int {
	switch {
	case s.Period < other.Period:
		return -1
	case s.Period > other.Period:
		return 1
	case s.Thread < other.Thread:
		return -1
	case s.Thread > other.Thread:
		return 1
	}
	return 0
}

// Before returns true if s is strictly before other.
func (s Slot) Before(other Slot) bool {
	return s.Compare(other) < 0
}

// NextSlot returns the slot following s.
func (s Slot) NextSlot(threadCount uint8) (Slot, error) {
	if s.Thread+1 < threadCount {
		return Slot{Period: s.Period, Thread: s.Thread + 1}, nil
	}
	if s.Period == math.MaxUint64 {
		return Slot{}, ErrSlotOverflow
	}
	return Slot{Period: s.Period + 1, Thread: 0}, nil
}

// PrevSlot returns the slot preceding s. It returns false for the very first slot.
func (s Slot) PrevSlot(threadCount uint8) (Slot, bool) {
	if s.Thread > 0 {
		return Slot{Period: s.Period, Thread: s.Thread - 1}, true
	}
	if s.Period == 0 {
		return Slot{}, false
	}
	return Slot{Period: s.Period - 1, Thread: threadCount - 1}, true
}

// Cycle returns the cycle the slot belongs to.
func (s Slot) Cycle(periodsPerCycle uint64) uint64 {
	return s.Period / periodsPerCycle
}

// IsLastOfCycle returns true if no slot of the same cycle follows s.
func (s Slot) IsLastOfCycle(periodsPerCycle uint64, threadCount uint8) bool {
	return s.Period%periodsPerCycle == periodsPerCycle-1 && s.Thread == threadCount-1
}

// Bytes returns a fixed-size, order-preserving encoding of the slot.
func (s Slot) Bytes() []byte {
	b := make([]byte, 9)
	binary.BigEndian.PutUint64(b, s.Period)
	b[8] = s.Thread
	return b
}

// String implements the Stringer interface.
func (s Slot) String() string {
	return fmt.Sprintf("(%d,%d)", s.Period, s.Thread)
}

// SlotClock maps wall-clock time to slots. It is pure and safe for concurrent use.
type SlotClock struct {
	genesis     time.Time
	t0          time.Duration
	threadCount uint8
}

// NewSlotClock returns a new SlotClock.
func NewSlotClock(genesis time.Time, t0 time.Duration, threadCount uint8) *SlotClock {
	return &SlotClock{genesis: genesis, t0: t0, threadCount: threadCount}
}

func (c SlotClock) threadDuration() time.Duration {
	return c.t0 / time.Duration(c.threadCount)
}

// SlotAt returns the latest slot whose timestamp is not after t.
// It returns false if t precedes genesis.
func (c SlotClock) SlotAt(t time.Time) (Slot, bool) {
	if t.Before(c.genesis) {
		return Slot{}, false
	}
	elapsed := t.Sub(c.genesis)
	period := uint64(elapsed / c.t0)
	thread := uint8((elapsed % c.t0) / c.threadDuration())
	return Slot{Period: period, Thread: thread}, true
}

// SlotTimestamp returns the time at which the slot begins.
func (c SlotClock) SlotTimestamp(s Slot) time.Time {
	return c.genesis.
		Add(time.Duration(s.Period) * c.t0).
		Add(time.Duration(s.Thread) * c.threadDuration())
}

// NextSlotAt returns the first slot whose timestamp is strictly after t along with that timestamp.
func (c SlotClock) NextSlotAt(t time.Time) (Slot, time.Time, error) {
	current, ok := c.SlotAt(t)
	if !ok {
		first := Slot{}
		return first, c.SlotTimestamp(first), nil
	}
	next, err := current.NextSlot(c.threadCount)
	if err != nil {
		return Slot{}, time.Time{}, err
	}
	return next, c.SlotTimestamp(next), nil
}
