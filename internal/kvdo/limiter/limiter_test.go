package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquirePollExhaustion(t *testing.T) {
	l := New(2)
	require.True(t, l.AcquirePoll())
	require.True(t, l.AcquirePoll())
	require.False(t, l.AcquirePoll())
	require.Equal(t, 2, l.Outstanding())
}

func TestReleaseWakesBlockedAcquire(t *testing.T) {
	l := New(1)
	require.True(t, l.AcquirePoll())

	unblocked := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.AcquireBlocking(ctx)
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("acquire should not have unblocked yet")
	case <-time.After(20 * time.Millisecond):
	}

	l.ReleaseOne()

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("blocked acquire did not unblock after release")
	}
}

// limit=4, four outstanding writes, a fifth
// submit from a non-worker thread blocks and unblocks on completion of one
// of the first four.
func TestBlockingBackpressure(t *testing.T) {
	l := New(4)
	for i := 0; i < 4; i++ {
		require.True(t, l.AcquirePoll())
	}

	var wg sync.WaitGroup
	wg.Add(1)
	unblocked := make(chan struct{})
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, l.AcquireBlocking(ctx))
		close(unblocked)
	}()

	l.ReleaseOne()

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("fifth submit did not unblock")
	}
	wg.Wait()
	require.Equal(t, 4, l.Outstanding())
}

func TestWaitForIdle(t *testing.T) {
	l := New(2)
	require.True(t, l.IsIdle())
	require.True(t, l.AcquirePoll())
	require.False(t, l.IsIdle())

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.WaitForIdle(ctx)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitForIdle returned before idle")
	case <-time.After(10 * time.Millisecond):
	}

	l.ReleaseOne()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForIdle did not return once idle")
	}
}

func TestWaitForIdleHonorsContextDeadline(t *testing.T) {
	l := New(1)
	require.True(t, l.AcquirePoll())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := l.WaitForIdle(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseManyWakesMultiple(t *testing.T) {
	l := New(2)
	require.True(t, l.AcquirePoll())
	require.True(t, l.AcquirePoll())

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			require.NoError(t, l.AcquireBlocking(ctx))
		}()
	}

	l.ReleaseMany(2)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ReleaseMany did not wake both waiters")
	}
}
