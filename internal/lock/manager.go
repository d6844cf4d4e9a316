// Package lock provides a short-lived, auction-scoped mutual-exclusion lock
// backed by a shared store. The lock is the only way into the critical
// section that mutates an auction's price and version.
package lock

import (
	"context"
	"time"

	"bidding-tracker/internal/biddingerrors"
	"bidding-tracker/internal/metrics"
	"bidding-tracker/utils"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
)

const keyPrefix = "auction-lock."

// Store is the shared low-latency store the lock lives in.
//
// SetNX sets key to owner with ttl only if the key is absent or expired.
// CompareAndDelete deletes key only if it still holds owner.
type Store interface {
	SetNX(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, owner string) (bool, error)
}

// Handle identifies one held lock. Only the acquirer may release it.
type Handle struct {
	AuctionID  string
	Key        string
	Owner      string
	AcquiredAt time.Time
	TTL        time.Duration
}

// Manager acquires and releases auction locks
type Manager struct {
	store   Store
	ttl     time.Duration
	clock   clockwork.Clock
	metrics metrics.Collector

	initialInterval time.Duration
	maxInterval     time.Duration
}

// Option customises a Manager
type Option func(*Manager)

// WithRetryIntervals sets the backoff bounds between acquisition attempts
func WithRetryIntervals(initial, max time.Duration) Option {
	return func(m *Manager) {
		m.initialInterval = initial
		m.maxInterval = max
	}
}

// NewManager creates a lock manager. ttl should be slightly longer than the
// expected critical section.
func NewManager(store Store, ttl time.Duration, clock clockwork.Clock, collector metrics.Collector, opts ...Option) *Manager {
	if collector == nil {
		collector = metrics.NoOp{}
	}
	m := &Manager{
		store:           store,
		ttl:             ttl,
		clock:           clock,
		metrics:         collector,
		initialInterval: 2 * time.Millisecond,
		maxInterval:     50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Key returns the store key for an auction's lock
func Key(auctionID string) string {
	return keyPrefix + auctionID
}

// Acquire takes the lock for auctionID, retrying with jittered exponential
// backoff until timeout elapses. timeout <= 0 tries exactly once. On timeout
// it returns an error marked biddingerrors.ErrLockTimeout; a store failure
// is returned as is.
func (m *Manager) Acquire(ctx context.Context, auctionID string, timeout time.Duration) (Handle, error) {
	key := Key(auctionID)
	owner := utils.GenerateID()
	start := m.clock.Now()

	attempt := func() (bool, error) {
		return m.store.SetNX(ctx, key, owner, m.ttl)
	}

	acquired, err := attempt()
	if err == nil && !acquired && timeout > 0 {
		acquired, err = m.retry(ctx, timeout, attempt)
	}

	wait := m.clock.Since(start)
	m.metrics.ObserveLockWait(auctionID, wait)

	if err != nil {
		return Handle{}, errors.Wrapf(err, "acquire lock for auction %s", auctionID)
	}
	if !acquired {
		m.metrics.IncLockTimeout(auctionID)
		return Handle{}, errors.Wrapf(biddingerrors.ErrLockTimeout, "auction %s after %s", auctionID, wait)
	}

	return Handle{
		AuctionID:  auctionID,
		Key:        key,
		Owner:      owner,
		AcquiredAt: m.clock.Now(),
		TTL:        m.ttl,
	}, nil
}

var errHeld = errors.New("lock held by another owner")

func (m *Manager) retry(ctx context.Context, timeout time.Duration, attempt func() (bool, error)) (bool, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.initialInterval
	b.MaxInterval = m.maxInterval
	b.MaxElapsedTime = timeout
	b.Reset()

	var acquired bool
	op := func() error {
		ok, err := attempt()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errHeld
		}
		acquired = true
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	switch {
	case acquired:
		return true, nil
	case err == nil, errors.Is(err, errHeld):
		return false, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// the caller gave up waiting; report it as contention
		return false, nil
	default:
		return false, err
	}
}

// Release deletes the lock only if h still owns it. Releasing a lock that
// expired and was taken by someone else is a no-op that returns false.
func (m *Manager) Release(ctx context.Context, h Handle) (bool, error) {
	if h.Key == "" {
		return false, nil
	}
	released, err := m.store.CompareAndDelete(ctx, h.Key, h.Owner)
	if err != nil {
		return false, errors.Wrapf(err, "release lock for auction %s", h.AuctionID)
	}
	if !released {
		utils.Warn("lock: release skipped, lock no longer owned", map[string]any{
			"auction_id": h.AuctionID,
			"held_for":   m.clock.Since(h.AcquiredAt).String(),
			"ttl":        h.TTL.String(),
		})
	}
	return released, nil
}
