package deadlock

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tigerblue77/kvdo/internal/kvdo/request"
)

func TestFIFOOrder(t *testing.T) {
	q := New()
	for i := 0; i < 5; i++ {
		q.Push(request.Request{Operation: request.Write, PayloadBytes: 4096 * (i + 1)}, int64(i))
	}
	require.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		entry, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, 4096*(i+1), entry.Request.PayloadBytes, "pop order must equal push order")
		require.Equal(t, int64(0), entry.ArrivalTicks, "arrival tick is pinned to the oldest deferral in the burst")
		_ = entry
	}
	_, ok := q.Pop()
	require.False(t, ok)
}

func TestArrivalTimeResetsOnDrain(t *testing.T) {
	q := New()
	q.Push(request.Request{}, 10)
	entry, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, int64(10), entry.ArrivalTicks)

	q.Push(request.Request{}, 99)
	entry, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, int64(99), entry.ArrivalTicks)
}
