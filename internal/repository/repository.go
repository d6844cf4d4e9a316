package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"bidding-tracker/internal/biddingerrors"
	model "bidding-tracker/internal/models"

	"github.com/cockroachdb/errors"
)

//go:generate mockgen -source=repository.go -destination=mock_repository.go -package=repository

// AuctionStore is the persistent store for auctions and their bids
type AuctionStore interface {
	CreateAuction(ctx context.Context, auction model.Auction) (model.Auction, error)
	GetAuction(ctx context.Context, auctionID string) (model.Auction, error)
	// WriteIfVersion applies update only if the stored version still equals
	// update.ExpectedVersion, and returns the auction as committed. A stale
	// expectation fails with biddingerrors.ErrVersionMismatch.
	WriteIfVersion(ctx context.Context, update AuctionUpdate) (model.Auction, error)
	ListBidsByAuction(ctx context.Context, auctionID string) ([]model.Bid, error)
	ListBidsByBidder(ctx context.Context, bidderID string) ([]model.Bid, error)
	ListActiveAuctions(ctx context.Context) ([]model.Auction, error)
}

// AuctionUpdate is one versioned mutation of an auction row. The new
// version is always ExpectedVersion+1.
type AuctionUpdate struct {
	AuctionID       string
	ExpectedVersion int64

	CurrentPrice    float64
	HighestBidderID *string
	EndDate         time.Time
	Status          model.AuctionStatus

	// NewBid is inserted as active and the auction's previously active bid
	// becomes outbid in the same write.
	NewBid *model.Bid
	// Settle resolves the auction's bids: active becomes won, outbid lost.
	Settle bool
}

// apply returns a with the update's fields and the next version
func (u AuctionUpdate) apply(a model.Auction) model.Auction {
	a.CurrentPrice = u.CurrentPrice
	a.HighestBidderID = u.HighestBidderID
	a.EndDate = u.EndDate
	a.Status = u.Status
	a.Version = u.ExpectedVersion + 1
	return a
}

type bidRef struct {
	auctionID string
	index     int
}

// MemoryRepo is a concurrency-safe in-memory implementation of AuctionStore
type MemoryRepo struct {
	mu         sync.RWMutex
	auctions   map[string]model.Auction // key: auctionID -> value: auction
	bids       map[string][]model.Bid   // key: auctionID -> value: bids in placement order
	bidderBids map[string][]bidRef      // key: bidderID -> value: positions of the bidder's bids
}

// NewMemoryRepo creates a new in-memory repository instance
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		auctions:   make(map[string]model.Auction),
		bids:       make(map[string][]model.Bid),
		bidderBids: make(map[string][]bidRef),
	}
}

// CreateAuction stores a new auction. A zero version starts at 1.
func (r *MemoryRepo) CreateAuction(_ context.Context, auction model.Auction) (model.Auction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.auctions[auction.ID]; ok {
		return model.Auction{}, errors.Wrapf(biddingerrors.ErrAuctionExists, "create auction %s", auction.ID)
	}
	if auction.Version == 0 {
		auction.Version = 1
	}
	r.auctions[auction.ID] = auction
	return auction, nil
}

// GetAuction returns a snapshot of an auction
func (r *MemoryRepo) GetAuction(_ context.Context, auctionID string) (model.Auction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.auctions[auctionID]
	if !ok {
		return model.Auction{}, errors.Wrapf(biddingerrors.ErrAuctionNotFound, "get auction %s", auctionID)
	}
	return a, nil
}

// WriteIfVersion applies a versioned update together with its bid changes
func (r *MemoryRepo) WriteIfVersion(_ context.Context, update AuctionUpdate) (model.Auction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.auctions[update.AuctionID]
	if !ok {
		return model.Auction{}, errors.Wrapf(biddingerrors.ErrAuctionNotFound, "write auction %s", update.AuctionID)
	}
	if current.Version != update.ExpectedVersion {
		return model.Auction{}, errors.Wrapf(biddingerrors.ErrVersionMismatch,
			"write auction %s: expected version %d, stored %d", update.AuctionID, update.ExpectedVersion, current.Version)
	}

	bids := r.bids[update.AuctionID]
	if update.NewBid != nil {
		for i := range bids {
			if bids[i].Status == model.BidActive {
				bids[i].Status = model.BidOutbid
			}
		}
		bid := *update.NewBid
		bid.Status = model.BidActive
		bids = append(bids, bid)
		r.bidderBids[bid.BidderID] = append(r.bidderBids[bid.BidderID], bidRef{auctionID: bid.AuctionID, index: len(bids) - 1})
	}
	if update.Settle {
		for i := range bids {
			switch bids[i].Status {
			case model.BidActive:
				bids[i].Status = model.BidWon
			case model.BidOutbid:
				bids[i].Status = model.BidLost
			}
		}
	}
	if bids != nil {
		r.bids[update.AuctionID] = bids
	}

	next := update.apply(current)
	r.auctions[update.AuctionID] = next
	return next, nil
}

// ListBidsByAuction returns an auction's bids in placement order
func (r *MemoryRepo) ListBidsByAuction(_ context.Context, auctionID string) ([]model.Bid, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.auctions[auctionID]; !ok {
		return nil, errors.Wrapf(biddingerrors.ErrAuctionNotFound, "list bids for auction %s", auctionID)
	}
	return append([]model.Bid{}, r.bids[auctionID]...), nil
}

// ListBidsByBidder returns every bid a bidder has placed, oldest first
func (r *MemoryRepo) ListBidsByBidder(_ context.Context, bidderID string) ([]model.Bid, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := r.bidderBids[bidderID]
	bids := make([]model.Bid, 0, len(refs))
	for _, ref := range refs {
		bids = append(bids, r.bids[ref.auctionID][ref.index])
	}
	sort.SliceStable(bids, func(i, j int) bool { return bids[i].CreatedAt.Before(bids[j].CreatedAt) })
	return bids, nil
}

// ListActiveAuctions returns every auction in the active state, by id
func (r *MemoryRepo) ListActiveAuctions(_ context.Context) ([]model.Auction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []model.Auction
	for _, a := range r.auctions {
		if a.Status == model.AuctionActive {
			active = append(active, a)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active, nil
}
