package blockclique

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSlotOrdering(t *testing.T) {
	require := require.New(t)

	require.True(NewSlot(1, 0).Before(NewSlot(1, 1)))
	require.True(NewSlot(1, 31).Before(NewSlot(2, 0)))
	require.False(NewSlot(2, 0).Before(NewSlot(2, 0)))
	require.Equal(0, NewSlot(5, 3).Compare(NewSlot(5, 3)))
	require.Equal(1, NewSlot(6, 0).Compare(NewSlot(5, 3)))

	// byte encoding preserves the order
	slots := []Slot{NewSlot(0, 0), NewSlot(0, 1), NewSlot(1, 0), NewSlot(255, 7), NewSlot(256, 0)}
	for i := 1; i < len(slots); i++ {
		require.Equal(-1, bytes.Compare(slots[i-1].Bytes(), slots[i].Bytes()))
	}
}

func TestNextAndPrevSlot(t *testing.T) {
	require := require.New(t)
	const threads = 4

	next, err := NewSlot(3, 2).NextSlot(threads)
	require.NoError(err)
	require.Equal(NewSlot(3, 3), next)

	next, err = NewSlot(3, 3).NextSlot(threads)
	require.NoError(err)
	require.Equal(NewSlot(4, 0), next)

	_, err = NewSlot(math.MaxUint64, threads-1).NextSlot(threads)
	require.True(errors.Is(err, ErrSlotOverflow))

	prev, ok := NewSlot(4, 0).PrevSlot(threads)
	require.True(ok)
	require.Equal(NewSlot(3, 3), prev)

	_, ok = NewSlot(0, 0).PrevSlot(threads)
	require.False(ok)
}

func TestSlotCycle(t *testing.T) {
	require := require.New(t)

	require.Equal(uint64(0), NewSlot(127, 0).Cycle(128))
	require.Equal(uint64(1), NewSlot(128, 0).Cycle(128))
	require.True(NewSlot(127, 31).IsLastOfCycle(128, 32))
	require.False(NewSlot(127, 30).IsLastOfCycle(128, 32))
	require.False(NewSlot(128, 31).IsLastOfCycle(128, 32))
}

func TestSlotClock(t *testing.T) {
	require := require.New(t)

	genesis := time.UnixMilli(1_600_000_000_000)
	clock := NewSlotClock(genesis, 16*time.Second, 32)

	_, ok := clock.SlotAt(genesis.Add(-time.Millisecond))
	require.False(ok)

	slot, ok := clock.SlotAt(genesis)
	require.True(ok)
	require.Equal(NewSlot(0, 0), slot)

	// each thread gets t0 / thread count
	slot, ok = clock.SlotAt(genesis.Add(16*time.Second + 1499*time.Millisecond))
	require.True(ok)
	require.Equal(NewSlot(1, 2), slot)

	require.Equal(genesis.Add(16*time.Second+1000*time.Millisecond), clock.SlotTimestamp(NewSlot(1, 2)))

	// bijective over a range of slots
	for period := uint64(0); period < 3; period++ {
		for thread := uint8(0); thread < 32; thread++ {
			s := NewSlot(period, thread)
			back, ok := clock.SlotAt(clock.SlotTimestamp(s))
			require.True(ok)
			require.Equal(s, back)
		}
	}

	next, at, err := clock.NextSlotAt(genesis.Add(16*time.Second + 1499*time.Millisecond))
	require.NoError(err)
	require.Equal(NewSlot(1, 3), next)
	require.Equal(clock.SlotTimestamp(next), at)

	next, at, err = clock.NextSlotAt(genesis.Add(-time.Hour))
	require.NoError(err)
	require.Equal(NewSlot(0, 0), next)
	require.Equal(genesis, at)
}
