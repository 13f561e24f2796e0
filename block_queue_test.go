package blockclique

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBlockQueue(t *testing.T) {
	require := require.New(t)
	q := NewBlockQueue(time.Hour)

	a, b := testBlockID(1), testBlockID(2)
	require.True(q.Add(a, "peer1"))
	require.True(q.Add(b, "peer2"))
	require.False(q.Add(a, "peer3"))
	require.Equal(2, q.Len())

	who, ok := q.Who(a)
	require.True(ok)
	require.Equal("peer1", who)
	require.Empty(q.Expired())

	require.True(q.Remove(a))
	require.False(q.Remove(a))
	require.False(q.Exists(a))
	require.True(q.Exists(b))
	_, ok = q.Who(a)
	require.False(ok)
}

func TestBlockQueueExpiry(t *testing.T) {
	require := require.New(t)
	q := NewBlockQueue(0)

	a, b := testBlockID(1), testBlockID(2)
	require.True(q.Add(a, "peer1"))
	require.True(q.Add(b, "peer1"))
	require.Equal([]BlockID{a, b}, q.Expired())

	// an expired request goes to the next peer and keeps its place
	require.True(q.Add(a, "peer2"))
	who, _ := q.Who(a)
	require.Equal("peer2", who)
	require.Equal([]BlockID{a, b}, q.Expired())
	require.Equal(2, q.Len())
}
