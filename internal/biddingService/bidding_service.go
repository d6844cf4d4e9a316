package bidding

import (
	"context"
	"math"
	"sync"
	"time"

	"bidding-tracker/internal/biddingerrors"
	"bidding-tracker/internal/broadcast"
	"bidding-tracker/internal/config"
	"bidding-tracker/internal/lock"
	"bidding-tracker/internal/models"
	"bidding-tracker/internal/repository"
	"bidding-tracker/utils"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
)

// bid lifecycle states, logged on every transition
const (
	stateReceived  = "RECEIVED"
	stateValidated = "VALIDATED"
	stateLocked    = "LOCKED"
	statePersisted = "PERSISTED"
	stateBroadcast = "BROADCAST"
	stateDone      = "DONE"
	stateRejected  = "REJECTED"
)

const (
	releaseTimeout = 2 * time.Second
	// maxCloseRetryDelay caps the spacing of timer-driven closure retries
	maxCloseRetryDelay     = 30 * time.Second
	defaultCloseRetryDelay = 500 * time.Millisecond
)

// Locker serializes mutations of one auction
type Locker interface {
	Acquire(ctx context.Context, auctionID string, timeout time.Duration) (lock.Handle, error)
	Release(ctx context.Context, h lock.Handle) (bool, error)
}

// Timers keeps each auction's closing countdown
type Timers interface {
	Schedule(auctionID string, endTime time.Time)
	Cancel(auctionID string)
}

// Options tunes bid placement and closure
type Options struct {
	LockTimeout        time.Duration
	AntiSnipeWindow    time.Duration
	AntiSnipeExtension time.Duration
	CloseRetryDelay    time.Duration
}

// OptionsFromConfig builds Options from the runtime configuration
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		LockTimeout:        cfg.Lock.Timeout,
		AntiSnipeWindow:    cfg.Bidding.AntiSnipeWindow,
		AntiSnipeExtension: cfg.Bidding.AntiSnipeExtension,
		CloseRetryDelay:    cfg.Bidding.CloseRetryDelay,
	}
}

// PlaceBidResult is the outcome of an accepted bid
type PlaceBidResult struct {
	Bid     models.Bid
	Auction models.Auction
	// Extended is set when the bid pushed the auction's end date
	Extended bool
}

// BiddingService defines the business logic for auction bidding
type BiddingService struct {
	store  repository.AuctionStore
	locks  Locker
	timers Timers
	events broadcast.Publisher
	clock  clockwork.Clock
	opts   Options

	retryMu sync.Mutex
	retries map[string]*backoff.ExponentialBackOff
}

// NewBiddingService creates a new BiddingService instance
func NewBiddingService(store repository.AuctionStore, locks Locker, timers Timers, events broadcast.Publisher, clock clockwork.Clock, opts Options) *BiddingService {
	return &BiddingService{
		store:  store,
		locks:  locks,
		timers: timers,
		events: events,
		clock:   clock,
		opts:    opts,
		retries: make(map[string]*backoff.ExponentialBackOff),
	}
}

// PlaceBid validates, serializes and commits a bid.
//
// The auction is re-read under its lock and the amount re-validated against
// the freshest price, so of two concurrent bids the one that takes the lock
// second only succeeds if it still clears the new minimum.
func (s *BiddingService) PlaceBid(ctx context.Context, auctionID, bidderID string, amount float64) (result PlaceBidResult, err error) {
	fields := map[string]any{
		"auction_id": auctionID,
		"bidder_id":  bidderID,
		"amount":     amount,
	}
	transition(stateReceived, fields)
	defer func() {
		if err != nil {
			fields["reason"] = string(biddingerrors.CodeOf(err))
			fields["error"] = err.Error()
			transition(stateRejected, fields)
		}
	}()

	// RECEIVED -> VALIDATED
	if err := validateInput(auctionID, bidderID, amount); err != nil {
		return PlaceBidResult{}, err
	}
	auction, err := s.store.GetAuction(ctx, auctionID)
	if err != nil {
		return PlaceBidResult{}, errors.Wrapf(err, "service: failed to load auction %s", auctionID)
	}
	if err := checkBid(auction, bidderID, amount, s.clock.Now()); err != nil {
		return PlaceBidResult{}, err
	}
	transition(stateValidated, fields)

	// VALIDATED -> LOCKED
	handle, err := s.locks.Acquire(ctx, auctionID, s.opts.LockTimeout)
	if err != nil {
		utils.Warn("service: failed to acquire auction lock", withError(fields, err))
		return PlaceBidResult{}, errors.Wrap(err, "service")
	}
	defer s.release(ctx, handle, fields)
	transition(stateLocked, fields)

	// LOCKED -> PERSISTED
	current, err := s.store.GetAuction(ctx, auctionID)
	if err != nil {
		utils.Error("service: failed to re-read auction under lock", withError(fields, err))
		return PlaceBidResult{}, errors.Wrapf(err, "service: failed to re-read auction %s", auctionID)
	}
	now := s.clock.Now()
	if err := checkOpen(current, now); err != nil {
		return PlaceBidResult{}, err
	}
	if current.IsHighestBidder(bidderID) && current.AtOrBelowPrice(amount) {
		return PlaceBidResult{}, errors.Wrapf(biddingerrors.ErrDuplicateBid, "service: already leading at %.2f", current.CurrentPrice)
	}
	if !current.MeetsMinimum(amount) {
		return PlaceBidResult{}, errors.Wrapf(biddingerrors.ErrOutbidByConcurrent,
			"service: price moved to %.2f, minimum next bid is %.2f", current.CurrentPrice, current.MinimumNextBid())
	}

	bid := models.Bid{
		ID:        utils.GenerateID(),
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
		CreatedAt: now.UTC(),
		Status:    models.BidActive,
	}
	endDate, extended := s.extendedEndDate(current.EndDate, now)
	leader := bidderID

	committed, err := s.store.WriteIfVersion(ctx, repository.AuctionUpdate{
		AuctionID:       auctionID,
		ExpectedVersion: current.Version,
		CurrentPrice:    amount,
		HighestBidderID: &leader,
		EndDate:         endDate,
		Status:          current.Status,
		NewBid:          &bid,
	})
	if err != nil {
		if errors.Is(err, biddingerrors.ErrVersionMismatch) {
			// the lock should make this unreachable; someone wrote the row outside it
			utils.Error("service: version mismatch while holding auction lock", withError(fields, err))
		} else {
			utils.Error("service: failed to persist bid", withError(fields, err))
		}
		return PlaceBidResult{}, errors.Wrapf(err, "service: failed to commit bid on auction %s", auctionID)
	}
	fields["version"] = committed.Version
	transition(statePersisted, fields)

	// PERSISTED -> BROADCAST
	s.timers.Schedule(auctionID, committed.EndDate)
	s.publishBid(ctx, current, committed, bid, extended)
	transition(stateBroadcast, fields)

	transition(stateDone, fields)
	return PlaceBidResult{Bid: bid, Auction: committed, Extended: extended}, nil
}

// extendedEndDate applies the anti-snipe rule: a bid landing with less than
// the window remaining moves the end to now plus the extension, never earlier
// than the current end.
func (s *BiddingService) extendedEndDate(end, now time.Time) (time.Time, bool) {
	if s.opts.AntiSnipeExtension <= 0 || end.Sub(now) >= s.opts.AntiSnipeWindow {
		return end, false
	}
	next := now.Add(s.opts.AntiSnipeExtension)
	if !next.After(end) {
		return end, false
	}
	return next, true
}

func (s *BiddingService) publishBid(ctx context.Context, before, after models.Auction, bid models.Bid, extended bool) {
	at := bid.CreatedAt
	s.publish(ctx, broadcast.NewBid{
		AuctionID: after.ID,
		At:        at,
		BidID:     bid.ID,
		BidderID:  bid.BidderID,
		Amount:    bid.Amount,
		Version:   after.Version,
	})
	if before.HighestBidderID != nil && *before.HighestBidderID != bid.BidderID {
		s.publish(ctx, broadcast.Outbid{
			AuctionID:    after.ID,
			At:           at,
			TargetUserID: *before.HighestBidderID,
			NewBidderID:  bid.BidderID,
			Amount:       bid.Amount,
		})
	}
	if extended {
		s.publish(ctx, broadcast.AuctionExtended{
			AuctionID:       after.ID,
			At:              at,
			PreviousEndDate: before.EndDate,
			NewEndDate:      after.EndDate,
		})
	}
}

// publish hands an event to the broadcaster; failures never fail the caller
func (s *BiddingService) publish(ctx context.Context, ev broadcast.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		utils.Warn("service: failed to broadcast event", map[string]any{
			"auction_id": ev.Auction(),
			"event_type": string(ev.Type()),
			"error":      err.Error(),
		})
	}
}

// release runs on every exit path once the lock is held, detached from the
// caller's cancellation
func (s *BiddingService) release(ctx context.Context, h lock.Handle, fields map[string]any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if _, err := s.locks.Release(ctx, h); err != nil {
		utils.Error("service: failed to release auction lock, TTL will expire it", withError(fields, err))
	}
}

// CreateAuction stores a new auction and starts its countdown when active
func (s *BiddingService) CreateAuction(ctx context.Context, auction models.Auction) (models.Auction, error) {
	if err := validateAuction(auction); err != nil {
		return models.Auction{}, err
	}
	if auction.Status == "" {
		auction.Status = models.AuctionActive
	}
	auction.Version = 1
	auction.StartDate = auction.StartDate.UTC()
	auction.EndDate = auction.EndDate.UTC()

	created, err := s.store.CreateAuction(ctx, auction)
	if err != nil {
		return models.Auction{}, errors.Wrapf(err, "service: failed to create auction %s", auction.ID)
	}
	if created.Status == models.AuctionActive {
		s.timers.Schedule(created.ID, created.EndDate)
	}
	utils.Info("service: auction created", map[string]any{
		"auction_id": created.ID,
		"end_date":   created.EndDate.Format(time.RFC3339),
		"status":     string(created.Status),
	})
	return created, nil
}

// CloseAuction ends an auction whose end date has passed. It reports false
// without changes when the auction is not active or the end date moved into
// the future, in which case the countdown is rescheduled.
func (s *BiddingService) CloseAuction(ctx context.Context, auctionID string) (models.Auction, bool, error) {
	fields := map[string]any{"auction_id": auctionID}

	handle, err := s.locks.Acquire(ctx, auctionID, s.opts.LockTimeout)
	if err != nil {
		return models.Auction{}, false, errors.Wrap(err, "service: close")
	}
	defer s.release(ctx, handle, fields)

	current, err := s.store.GetAuction(ctx, auctionID)
	if err != nil {
		return models.Auction{}, false, errors.Wrapf(err, "service: failed to load auction %s for closing", auctionID)
	}
	if current.Status != models.AuctionActive {
		s.timers.Cancel(auctionID)
		return current, false, nil
	}
	now := s.clock.Now()
	if now.Before(current.EndDate) {
		// extended after this countdown was armed
		s.timers.Schedule(auctionID, current.EndDate)
		return current, false, nil
	}

	status := models.AuctionEnded
	if current.HighestBidderID != nil {
		status = models.AuctionSold
	}
	closed, err := s.store.WriteIfVersion(ctx, repository.AuctionUpdate{
		AuctionID:       auctionID,
		ExpectedVersion: current.Version,
		CurrentPrice:    current.CurrentPrice,
		HighestBidderID: current.HighestBidderID,
		EndDate:         current.EndDate,
		Status:          status,
		Settle:          true,
	})
	if err != nil {
		utils.Error("service: failed to persist auction closure", withError(fields, err))
		return models.Auction{}, false, errors.Wrapf(err, "service: failed to close auction %s", auctionID)
	}
	s.timers.Cancel(auctionID)

	s.publish(ctx, broadcast.AuctionEnded{
		AuctionID:  auctionID,
		At:         now.UTC(),
		Status:     closed.Status,
		WinnerID:   closed.HighestBidderID,
		FinalPrice: closed.CurrentPrice,
	})
	utils.Info("service: auction closed", map[string]any{
		"auction_id":  auctionID,
		"status":      string(closed.Status),
		"final_price": closed.CurrentPrice,
		"version":     closed.Version,
	})
	return closed, true, nil
}

// OnTimerFired is the scheduler's close callback. A closure that fails for
// any reason other than a missing auction or a version conflict is retried
// with exponential backoff starting at CloseRetryDelay.
func (s *BiddingService) OnTimerFired(ctx context.Context, auctionID string, endTime time.Time) {
	_, _, err := s.CloseAuction(ctx, auctionID)
	if err == nil {
		s.forgetRetry(auctionID)
		return
	}
	if ctx.Err() != nil {
		return
	}
	fields := map[string]any{
		"auction_id": auctionID,
		"end_time":   endTime.Format(time.RFC3339Nano),
		"error":      err.Error(),
	}
	if errors.Is(err, biddingerrors.ErrNotFound) || errors.Is(err, biddingerrors.ErrVersionMismatch) {
		s.forgetRetry(auctionID)
		utils.Error("service: failed to close auction, giving up", fields)
		return
	}
	delay := s.nextRetry(auctionID)
	fields["retry_in"] = delay.String()
	if errors.Is(err, biddingerrors.ErrLockContended) {
		utils.Warn("service: auction lock busy at closing time, retrying", fields)
	} else {
		utils.Warn("service: failed to close auction, retrying", fields)
	}
	s.timers.Schedule(auctionID, s.clock.Now().Add(delay))
}

func (s *BiddingService) nextRetry(auctionID string) time.Duration {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()

	b, ok := s.retries[auctionID]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = s.opts.CloseRetryDelay
		if b.InitialInterval <= 0 {
			b.InitialInterval = defaultCloseRetryDelay
		}
		b.RandomizationFactor = 0
		b.Multiplier = 2
		b.MaxInterval = maxCloseRetryDelay
		b.MaxElapsedTime = 0
		b.Clock = s.clock
		b.Reset()
		s.retries[auctionID] = b
	}
	return b.NextBackOff()
}

func (s *BiddingService) forgetRetry(auctionID string) {
	s.retryMu.Lock()
	delete(s.retries, auctionID)
	s.retryMu.Unlock()
}

// WatchAuction makes sure an active auction has a live countdown
func (s *BiddingService) WatchAuction(ctx context.Context, auctionID string) error {
	auction, err := s.store.GetAuction(ctx, auctionID)
	if err != nil {
		return errors.Wrapf(err, "service: failed to watch auction %s", auctionID)
	}
	if auction.Status == models.AuctionActive {
		s.timers.Schedule(auctionID, auction.EndDate)
	}
	return nil
}

// RestoreTimers arms a countdown for every active auction. Auctions already
// past their end date fire immediately and close.
func (s *BiddingService) RestoreTimers(ctx context.Context) (int, error) {
	active, err := s.store.ListActiveAuctions(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "service: failed to list active auctions")
	}
	for _, a := range active {
		s.timers.Schedule(a.ID, a.EndDate)
	}
	utils.Info("service: auction timers restored", map[string]any{"count": len(active)})
	return len(active), nil
}

// GetAuction returns the current state of an auction
func (s *BiddingService) GetAuction(ctx context.Context, auctionID string) (models.Auction, error) {
	if auctionID == "" {
		return models.Auction{}, errors.Wrap(biddingerrors.ErrInvalidBid, "service: empty auction ID")
	}
	auction, err := s.store.GetAuction(ctx, auctionID)
	if err != nil {
		return models.Auction{}, errors.Wrapf(err, "service: failed to get auction %s", auctionID)
	}
	return auction, nil
}

// GetBidsForAuction returns all bids for a specific auction
func (s *BiddingService) GetBidsForAuction(ctx context.Context, auctionID string) ([]models.Bid, error) {
	if auctionID == "" {
		return nil, errors.Wrap(biddingerrors.ErrInvalidBid, "service: empty auction ID")
	}
	bids, err := s.store.ListBidsByAuction(ctx, auctionID)
	if err != nil {
		return nil, errors.Wrapf(err, "service: failed to get bids for auction %s", auctionID)
	}
	return bids, nil
}

// GetBidsByBidder returns all bids a bidder has placed
func (s *BiddingService) GetBidsByBidder(ctx context.Context, bidderID string) ([]models.Bid, error) {
	if bidderID == "" {
		return nil, errors.Wrap(biddingerrors.ErrInvalidBid, "service: empty bidder ID")
	}
	bids, err := s.store.ListBidsByBidder(ctx, bidderID)
	if err != nil {
		return nil, errors.Wrapf(err, "service: failed to get bids for bidder %s", bidderID)
	}
	return bids, nil
}

// validateInput checks the request shape before anything is read
func validateInput(auctionID, bidderID string, amount float64) error {
	if auctionID == "" || bidderID == "" {
		return errors.Wrap(biddingerrors.ErrInvalidBid, "service: missing auctionID or bidderID")
	}
	if amount <= 0 || math.IsInf(amount, 0) || math.IsNaN(amount) {
		return errors.Wrap(biddingerrors.ErrInvalidBid, "service: amount must be a positive number")
	}
	if !models.IsWholeCents(amount) {
		return errors.Wrap(biddingerrors.ErrInvalidBid, "service: amount must be in whole cents")
	}
	return nil
}

// checkOpen checks the auction accepts bids at now
func checkOpen(a models.Auction, now time.Time) error {
	if a.Status != models.AuctionActive {
		return errors.Wrapf(biddingerrors.ErrAuctionNotActive, "service: auction status is %s", a.Status)
	}
	if !a.IsOpenAt(now) {
		return errors.Wrapf(biddingerrors.ErrOutsideBiddingWindow, "service: bidding runs from %s to %s",
			a.StartDate.Format(time.RFC3339), a.EndDate.Format(time.RFC3339))
	}
	return nil
}

// checkBid applies the business rules against a snapshot of the auction
func checkBid(a models.Auction, bidderID string, amount float64, now time.Time) error {
	if err := checkOpen(a, now); err != nil {
		return err
	}
	if a.SellerID == bidderID {
		return errors.Wrap(biddingerrors.ErrSelfBid, "service")
	}
	if a.IsHighestBidder(bidderID) && a.AtOrBelowPrice(amount) {
		return errors.Wrapf(biddingerrors.ErrDuplicateBid, "service: already leading at %.2f", a.CurrentPrice)
	}
	if !a.MeetsMinimum(amount) {
		return errors.Wrapf(biddingerrors.ErrBidTooLow, "service: minimum next bid is %.2f", a.MinimumNextBid())
	}
	return nil
}

func validateAuction(a models.Auction) error {
	switch {
	case a.ID == "" || a.SellerID == "":
		return errors.Wrap(biddingerrors.ErrInvalidAuction, "service: auction_id and seller_id are required")
	case !models.ValidAuctionID(a.ID):
		return errors.Wrapf(biddingerrors.ErrInvalidAuction, "service: auction_id %q may only contain letters, digits, '-' and '_'", a.ID)
	case a.CurrentPrice < 0 || math.IsNaN(a.CurrentPrice) || math.IsInf(a.CurrentPrice, 0):
		return errors.Wrap(biddingerrors.ErrInvalidAuction, "service: current_price must not be negative")
	case a.BidIncrement <= 0 || math.IsNaN(a.BidIncrement) || math.IsInf(a.BidIncrement, 0):
		return errors.Wrap(biddingerrors.ErrInvalidAuction, "service: bid_increment must be positive")
	case !models.IsWholeCents(a.CurrentPrice) || !models.IsWholeCents(a.BidIncrement):
		return errors.Wrap(biddingerrors.ErrInvalidAuction, "service: current_price and bid_increment must be in whole cents")
	case !a.EndDate.After(a.StartDate):
		return errors.Wrap(biddingerrors.ErrInvalidAuction, "service: end_date must be after start_date")
	}
	// nothing here activates an upcoming auction, so only active ones are seeded
	switch a.Status {
	case "", models.AuctionActive:
	default:
		return errors.Wrapf(biddingerrors.ErrInvalidAuction, "service: cannot create an auction in status %s", a.Status)
	}
	return nil
}

func transition(state string, fields map[string]any) {
	utils.Debug("bid: "+state, fields)
}

func withError(fields map[string]any, err error) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["error"] = err.Error()
	return out
}
