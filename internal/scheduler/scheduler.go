// Package scheduler keeps one countdown per auction to its end date and
// fires a close callback when it expires. Rescheduling replaces the live
// countdown, so rapid anti-snipe extensions coalesce to a single timer at
// the latest end date.
package scheduler

import (
	"context"
	"sync"
	"time"

	"bidding-tracker/utils"

	"github.com/jonboulle/clockwork"
)

// CloseFunc is invoked when an auction's countdown reaches its end time
type CloseFunc func(ctx context.Context, auctionID string, endTime time.Time)

type entry struct {
	endTime    time.Time
	timer      clockwork.Timer
	generation uint64
}

// Scheduler owns the timer entries. Its map is guarded by its own mutex and
// is independent of the auction locks.
type Scheduler struct {
	clock   clockwork.Clock
	onClose CloseFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	entries    map[string]*entry
	generation uint64
	stopped    bool
	inflight   sync.WaitGroup
}

// New creates a scheduler. onClose runs in its own goroutine with a context
// that is cancelled by Stop.
func New(clock clockwork.Clock, onClose CloseFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:   clock,
		onClose: onClose,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
}

// SetCloseFunc replaces the close callback. It exists to break the
// construction cycle between the scheduler and the service that closes
// auctions; call it before the first Schedule.
func (s *Scheduler) SetCloseFunc(onClose CloseFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = onClose
}

// Schedule sets auctionID's countdown to endTime, replacing any live one.
// Re-scheduling the same end time is a no-op. An end time already in the
// past fires immediately.
func (s *Scheduler) Schedule(auctionID string, endTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if e, ok := s.entries[auctionID]; ok {
		if e.endTime.Equal(endTime) {
			return
		}
		stopTimer(e.timer)
	}

	s.generation++
	gen := s.generation
	d := endTime.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	timer := s.clock.AfterFunc(d, func() { go s.fire(auctionID, gen) })
	s.entries[auctionID] = &entry{endTime: endTime, timer: timer, generation: gen}

	utils.Debug("scheduler: countdown scheduled", map[string]any{
		"auction_id": auctionID,
		"end_time":   endTime.UTC().Format(time.RFC3339Nano),
		"in":         d.String(),
	})
}

// Cancel removes auctionID's countdown. Cancelling an unknown auction is a no-op.
func (s *Scheduler) Cancel(auctionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[auctionID]; ok {
		stopTimer(e.timer)
		delete(s.entries, auctionID)
		utils.Debug("scheduler: countdown cancelled", map[string]any{"auction_id": auctionID})
	}
}

// EndTime returns the live countdown's end time for auctionID
func (s *Scheduler) EndTime(auctionID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[auctionID]; ok {
		return e.endTime, true
	}
	return time.Time{}, false
}

// Len returns the number of live countdowns
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop cancels every countdown and waits for running close callbacks
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, e := range s.entries {
		stopTimer(e.timer)
		delete(s.entries, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.inflight.Wait()
}

func (s *Scheduler) fire(auctionID string, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[auctionID]
	if !ok || e.generation != gen || s.stopped {
		// replaced or cancelled after the timer had already fired
		s.mu.Unlock()
		return
	}
	delete(s.entries, auctionID)
	endTime := e.endTime
	onClose := s.onClose
	s.inflight.Add(1)
	s.mu.Unlock()

	defer s.inflight.Done()
	if onClose == nil {
		return
	}
	utils.Debug("scheduler: countdown fired", map[string]any{
		"auction_id": auctionID,
		"end_time":   endTime.UTC().Format(time.RFC3339Nano),
	})
	onClose(s.ctx, auctionID, endTime)
}

func stopTimer(timer clockwork.Timer) {
	if timer == nil {
		return
	}
	timer.Stop()
}
