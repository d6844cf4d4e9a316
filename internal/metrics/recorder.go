// Package metrics records lock contention and admission telemetry for the
// bid path and renders it in a Prometheus-style text format.
//
// Every update is a best-effort atomic increment. Nothing here returns an
// error to the caller, so recording can never fail or delay a bid.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// DefaultBucketsMs are the lock-wait histogram thresholds in milliseconds
var DefaultBucketsMs = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500}

const (
	defaultHotAuctions = 10
	maxHotAuctions     = 100
)

// Collector is what the lock manager and rate limiter report to
type Collector interface {
	ObserveLockWait(auctionID string, wait time.Duration)
	IncLockTimeout(auctionID string)
	IncRateLimitReject()
}

// auctionSeries holds the per-auction series. buckets[i] counts observations
// <= bucketsMs[i]; the last slot is the +Inf overflow bucket. Buckets are
// stored non-cumulatively and summed on exposition.
type auctionSeries struct {
	lockTimeouts *atomic.Int64
	waitSumMs    *atomic.Float64
	waitCount    *atomic.Int64
	buckets      []*atomic.Int64
}

// Recorder is a concurrency-safe in-process metrics store
type Recorder struct {
	bucketsMs []float64
	maxHot    int

	mu       sync.RWMutex
	auctions map[string]*auctionSeries

	rateLimitRejects   *atomic.Int64
	lockTimeoutRejects *atomic.Int64
}

// NewRecorder creates a recorder with the given histogram thresholds (ms)
// and hot-auction cap. Empty buckets fall back to DefaultBucketsMs.
func NewRecorder(bucketsMs []float64, maxHot int) *Recorder {
	if len(bucketsMs) == 0 {
		bucketsMs = DefaultBucketsMs
	}
	if maxHot <= 0 || maxHot > maxHotAuctions {
		maxHot = maxHotAuctions
	}
	b := make([]float64, len(bucketsMs))
	copy(b, bucketsMs)
	sort.Float64s(b)

	return &Recorder{
		bucketsMs:          b,
		maxHot:             maxHot,
		auctions:           make(map[string]*auctionSeries),
		rateLimitRejects:   atomic.NewInt64(0),
		lockTimeoutRejects: atomic.NewInt64(0),
	}
}

func (r *Recorder) newSeries() *auctionSeries {
	s := &auctionSeries{
		lockTimeouts: atomic.NewInt64(0),
		waitSumMs:    atomic.NewFloat64(0),
		waitCount:    atomic.NewInt64(0),
		buckets:      make([]*atomic.Int64, len(r.bucketsMs)+1),
	}
	for i := range s.buckets {
		s.buckets[i] = atomic.NewInt64(0)
	}
	return s
}

// series returns the series for auctionID, creating it on first use
func (r *Recorder) series(auctionID string) *auctionSeries {
	r.mu.RLock()
	s, ok := r.auctions[auctionID]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.auctions[auctionID]; ok {
		return s
	}
	s = r.newSeries()
	r.auctions[auctionID] = s
	return s
}

// ObserveLockWait records how long a caller waited for an auction's lock
func (r *Recorder) ObserveLockWait(auctionID string, wait time.Duration) {
	ms := float64(wait) / float64(time.Millisecond)
	if ms < 0 || math.IsNaN(ms) {
		ms = 0
	}
	s := r.series(auctionID)
	s.waitSumMs.Add(ms)
	s.waitCount.Inc()
	s.buckets[r.bucketIndex(ms)].Inc()
}

func (r *Recorder) bucketIndex(ms float64) int {
	return sort.SearchFloat64s(r.bucketsMs, ms)
}

// IncLockTimeout counts a lock acquisition that gave up on auctionID. The
// global lock-timeout rejection counter moves with it.
func (r *Recorder) IncLockTimeout(auctionID string) {
	r.series(auctionID).lockTimeouts.Inc()
	r.lockTimeoutRejects.Inc()
}

// IncRateLimitReject counts a submission rejected by admission control
func (r *Recorder) IncRateLimitReject() {
	r.rateLimitRejects.Inc()
}

// LockTimeouts returns the lock-timeout count for one auction
func (r *Recorder) LockTimeouts(auctionID string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.auctions[auctionID]; ok {
		return s.lockTimeouts.Load()
	}
	return 0
}

// RateLimitRejects returns the global rate-limit rejection count
func (r *Recorder) RateLimitRejects() int64 {
	return r.rateLimitRejects.Load()
}

// LockTimeoutRejects returns the global lock-timeout rejection count
func (r *Recorder) LockTimeoutRejects() int64 {
	return r.lockTimeoutRejects.Load()
}

// HotAuction is one row of the hot-auctions admin query
type HotAuction struct {
	AuctionID    string `json:"auction_id"`
	LockTimeouts int64  `json:"lock_timeouts"`
}

// HotAuctions returns auctions with at least one lock timeout, ordered by
// timeout count descending then id. limit <= 0 means the default of 10; it
// is capped at the recorder's maximum.
func (r *Recorder) HotAuctions(limit int) []HotAuction {
	if limit <= 0 {
		limit = defaultHotAuctions
	}
	if limit > r.maxHot {
		limit = r.maxHot
	}

	r.mu.RLock()
	rows := make([]HotAuction, 0, len(r.auctions))
	for id, s := range r.auctions {
		if n := s.lockTimeouts.Load(); n > 0 {
			rows = append(rows, HotAuction{AuctionID: id, LockTimeouts: n})
		}
	}
	r.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].LockTimeouts != rows[j].LockTimeouts {
			return rows[i].LockTimeouts > rows[j].LockTimeouts
		}
		return rows[i].AuctionID < rows[j].AuctionID
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// Reset zeroes every series. It is an explicit admin action; counters are
// otherwise monotonic for the process lifetime.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.auctions = make(map[string]*auctionSeries)
	r.mu.Unlock()
	r.rateLimitRejects.Store(0)
	r.lockTimeoutRejects.Store(0)
}

// NoOp discards everything
type NoOp struct{}

func (NoOp) ObserveLockWait(string, time.Duration) {}
func (NoOp) IncLockTimeout(string)                 {}
func (NoOp) IncRateLimitReject()                   {}
