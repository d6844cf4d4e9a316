package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type closeRecorder struct {
	mu    sync.Mutex
	calls []closeCall
}

type closeCall struct {
	auctionID string
	endTime   time.Time
}

func (r *closeRecorder) onClose(_ context.Context, auctionID string, endTime time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, closeCall{auctionID: auctionID, endTime: endTime})
}

func (r *closeRecorder) snapshot() []closeCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]closeCall(nil), r.calls...)
}

func (r *closeRecorder) count() int {
	return len(r.snapshot())
}

func TestScheduler_FiresAtEndTime(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	rec := &closeRecorder{}
	s := New(clock, rec.onClose)
	defer s.Stop()

	end := clock.Now().Add(5 * time.Second)
	s.Schedule("a1", end)
	require.Equal(t, 1, s.Len())

	got, ok := s.EndTime("a1")
	require.True(t, ok)
	require.True(t, got.Equal(end))

	clock.Advance(4 * time.Second)
	require.Never(t, func() bool { return rec.count() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	calls := rec.snapshot()
	require.Equal(t, "a1", calls[0].auctionID)
	require.True(t, calls[0].endTime.Equal(end))
	require.Zero(t, s.Len())
}

func TestScheduler_ExtensionReplacesCountdown(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	rec := &closeRecorder{}
	s := New(clock, rec.onClose)
	defer s.Stop()

	s.Schedule("a1", clock.Now().Add(5*time.Second))

	// a late bid at t=3s pushes the end to now+30s
	clock.Advance(3 * time.Second)
	extended := clock.Now().Add(30 * time.Second)
	s.Schedule("a1", extended)
	require.Equal(t, 1, s.Len())

	// the original 5s deadline passes without a close
	clock.Advance(2 * time.Second)
	require.Never(t, func() bool { return rec.count() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	clock.Advance(28 * time.Second)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, rec.snapshot()[0].endTime.Equal(extended))
}

func TestScheduler_RapidReschedulesCoalesce(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	rec := &closeRecorder{}
	s := New(clock, rec.onClose)
	defer s.Stop()

	base := clock.Now()
	var last time.Time
	for i := 1; i <= 50; i++ {
		last = base.Add(time.Duration(i) * time.Second)
		s.Schedule("a1", last)
	}
	require.Equal(t, 1, s.Len())

	clock.Advance(60 * time.Second)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return rec.count() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	require.True(t, rec.snapshot()[0].endTime.Equal(last))
}

func TestScheduler_SameEndTimeIsNoOp(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	rec := &closeRecorder{}
	s := New(clock, rec.onClose)
	defer s.Stop()

	end := clock.Now().Add(time.Second)
	s.Schedule("a1", end)
	s.Schedule("a1", end)
	require.Equal(t, 1, s.Len())

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return rec.count() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestScheduler_PastEndTimeFiresImmediately(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	rec := &closeRecorder{}
	s := New(clock, rec.onClose)
	defer s.Stop()

	s.Schedule("a1", clock.Now().Add(-time.Minute))
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_Cancel(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	rec := &closeRecorder{}
	s := New(clock, rec.onClose)
	defer s.Stop()

	s.Schedule("a1", clock.Now().Add(time.Second))
	s.Schedule("a2", clock.Now().Add(time.Second))
	s.Cancel("a1")
	s.Cancel("a1")
	s.Cancel("unknown")
	require.Equal(t, 1, s.Len())

	_, ok := s.EndTime("a1")
	require.False(t, ok)

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "a2", rec.snapshot()[0].auctionID)
}

func TestScheduler_StopCancelsEverything(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	rec := &closeRecorder{}
	s := New(clock, rec.onClose)

	s.Schedule("a1", clock.Now().Add(time.Second))
	s.Schedule("a2", clock.Now().Add(2*time.Second))
	s.Stop()
	require.Zero(t, s.Len())

	// scheduling after Stop is ignored
	s.Schedule("a3", clock.Now().Add(time.Second))
	require.Zero(t, s.Len())

	clock.Advance(5 * time.Second)
	require.Never(t, func() bool { return rec.count() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestScheduler_CloseContextCancelledByStop(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	started := make(chan struct{})
	done := make(chan error, 1)
	s := New(clock, func(ctx context.Context, _ string, _ time.Time) {
		close(started)
		<-ctx.Done()
		done <- ctx.Err()
	})

	s.Schedule("a1", clock.Now())
	<-started
	s.Stop()

	require.ErrorIs(t, <-done, context.Canceled)
}

func TestScheduler_SetCloseFunc(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	rec := &closeRecorder{}
	s := New(clock, nil)
	defer s.Stop()
	s.SetCloseFunc(rec.onClose)

	s.Schedule("a1", clock.Now())
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}
