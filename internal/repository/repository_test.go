package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"bidding-tracker/internal/biddingerrors"
	model "bidding-tracker/internal/models"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

var (
	_ AuctionStore = (*MemoryRepo)(nil)
	_ AuctionStore = (*PostgresRepo)(nil)
	_ AuctionStore = (*MockAuctionStore)(nil)
)

var baseTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// Helper to create a new active Auction
func newAuction(auctionID string, price float64) model.Auction {
	return model.Auction{
		ID:           auctionID,
		SellerID:     "seller",
		Title:        fmt.Sprintf("%s title", auctionID),
		CurrentPrice: price,
		BidIncrement: 5,
		StartDate:    baseTime,
		EndDate:      baseTime.Add(time.Hour),
		Status:       model.AuctionActive,
	}
}

// Helper to create a new Bid
func newBid(bidID, auctionID, bidderID string, amount float64, createdAt time.Time) model.Bid {
	return model.Bid{
		ID:        bidID,
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
		CreatedAt: createdAt,
	}
}

// bidUpdate builds the update the bid service issues for an accepted bid
func bidUpdate(a model.Auction, bid model.Bid) AuctionUpdate {
	bidder := bid.BidderID
	return AuctionUpdate{
		AuctionID:       a.ID,
		ExpectedVersion: a.Version,
		CurrentPrice:    bid.Amount,
		HighestBidderID: &bidder,
		EndDate:         a.EndDate,
		Status:          a.Status,
		NewBid:          &bid,
	}
}

// Test CreateAuction and GetAuction
func TestMemoryRepo_CreateAndGetAuction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryRepo()

	created, err := repo.CreateAuction(ctx, newAuction("a1", 100))
	require.NoError(t, err)
	require.Equal(t, int64(1), created.Version, "a new auction starts at version 1")

	got, err := repo.GetAuction(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, created, got)

	_, err = repo.CreateAuction(ctx, newAuction("a1", 100))
	require.True(t, errors.Is(err, biddingerrors.ErrAuctionExists))

	_, err = repo.GetAuction(ctx, "missing")
	require.True(t, errors.Is(err, biddingerrors.ErrAuctionNotFound))
	require.Equal(t, biddingerrors.CodeNotFound, biddingerrors.CodeOf(err))
}

// Test WriteIfVersion
func TestMemoryRepo_WriteIfVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	tests := []struct {
		name     string
		expected int64
		auction  string
		wantErr  error
	}{
		{name: "matching_version", expected: 1, auction: "a1"},
		{name: "stale_version", expected: 0, auction: "a1", wantErr: biddingerrors.ErrVersionMismatch},
		{name: "future_version", expected: 2, auction: "a1", wantErr: biddingerrors.ErrVersionMismatch},
		{name: "unknown_auction", expected: 1, auction: "nope", wantErr: biddingerrors.ErrAuctionNotFound},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			repo := NewMemoryRepo()
			a, err := repo.CreateAuction(ctx, newAuction("a1", 100))
			require.NoError(t, err)

			update := bidUpdate(a, newBid("b1", tc.auction, "u1", 110, baseTime))
			update.AuctionID = tc.auction
			update.ExpectedVersion = tc.expected

			got, err := repo.WriteIfVersion(ctx, update)
			if tc.wantErr != nil {
				require.True(t, errors.Is(err, tc.wantErr), "got %v", err)
				stored, _ := repo.GetAuction(ctx, "a1")
				require.Equal(t, a, stored, "a failed write must not change the auction")
				return
			}
			require.NoError(t, err)
			require.Equal(t, int64(2), got.Version)
			require.Equal(t, 110.0, got.CurrentPrice)
			require.True(t, got.IsHighestBidder("u1"))
		})
	}
}

// Test that each accepted bid flips the previous leader to outbid
func TestMemoryRepo_BidStatusTransitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryRepo()
	a, err := repo.CreateAuction(ctx, newAuction("a1", 100))
	require.NoError(t, err)

	a, err = repo.WriteIfVersion(ctx, bidUpdate(a, newBid("b1", "a1", "u1", 110, baseTime)))
	require.NoError(t, err)
	a, err = repo.WriteIfVersion(ctx, bidUpdate(a, newBid("b2", "a1", "u2", 120, baseTime.Add(time.Second))))
	require.NoError(t, err)
	require.Equal(t, int64(3), a.Version)

	bids, err := repo.ListBidsByAuction(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, bids, 2)
	require.Equal(t, model.BidOutbid, bids[0].Status)
	require.Equal(t, model.BidActive, bids[1].Status)

	// settlement resolves every bid
	_, err = repo.WriteIfVersion(ctx, AuctionUpdate{
		AuctionID:       "a1",
		ExpectedVersion: a.Version,
		CurrentPrice:    a.CurrentPrice,
		HighestBidderID: a.HighestBidderID,
		EndDate:         a.EndDate,
		Status:          model.AuctionSold,
		Settle:          true,
	})
	require.NoError(t, err)

	bids, err = repo.ListBidsByAuction(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, model.BidLost, bids[0].Status)
	require.Equal(t, model.BidWon, bids[1].Status)

	mine, err := repo.ListBidsByBidder(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, model.BidWon, mine[0].Status)
}

// Test ListBidsByAuction
func TestMemoryRepo_ListBidsByAuction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryRepo()
	a1, err := repo.CreateAuction(ctx, newAuction("a1", 100))
	require.NoError(t, err)
	_, err = repo.CreateAuction(ctx, newAuction("a2", 100))
	require.NoError(t, err)

	// Seed large number of bids for internal slice growth
	for i := 0; i < 500; i++ {
		a1, err = repo.WriteIfVersion(ctx, bidUpdate(a1, newBid(fmt.Sprintf("bid-%d", i), "a1", fmt.Sprintf("user-%d", i%7), float64(110+i), baseTime.Add(time.Duration(i)*time.Millisecond))))
		require.NoError(t, err)
	}

	tests := []struct {
		name      string
		auctionID string
		wantLen   int
		wantError bool
	}{
		{name: "auction_with_bids", auctionID: "a1", wantLen: 500},
		{name: "auction_without_bids", auctionID: "a2", wantLen: 0},
		{name: "non_existing_auction", auctionID: "aX", wantError: true},
		{name: "empty_auctionID", auctionID: "", wantError: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			bids, err := repo.ListBidsByAuction(ctx, tc.auctionID)
			if tc.wantError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, bids, tc.wantLen)
		})
	}

	// the returned slice is a copy
	bids, err := repo.ListBidsByAuction(ctx, "a1")
	require.NoError(t, err)
	bids[0].Amount = -1
	again, err := repo.ListBidsByAuction(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, 110.0, again[0].Amount)
}

// Test ListBidsByBidder
func TestMemoryRepo_ListBidsByBidder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryRepo()
	a1, _ := repo.CreateAuction(ctx, newAuction("a1", 100))
	a2, _ := repo.CreateAuction(ctx, newAuction("a2", 100))

	a2, err := repo.WriteIfVersion(ctx, bidUpdate(a2, newBid("b-late", "a2", "u1", 200, baseTime.Add(time.Minute))))
	require.NoError(t, err)
	_, err = repo.WriteIfVersion(ctx, bidUpdate(a1, newBid("b-early", "a1", "u1", 110, baseTime)))
	require.NoError(t, err)
	_, err = repo.WriteIfVersion(ctx, bidUpdate(a2, newBid("b-other", "a2", "u2", 210, baseTime.Add(2*time.Minute))))
	require.NoError(t, err)

	bids, err := repo.ListBidsByBidder(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, bids, 2)
	require.Equal(t, "b-early", bids[0].ID)
	require.Equal(t, "b-late", bids[1].ID)
	require.Equal(t, model.BidOutbid, bids[1].Status)

	none, err := repo.ListBidsByBidder(ctx, "nobody")
	require.NoError(t, err)
	require.Empty(t, none)
}

// Test ListActiveAuctions
func TestMemoryRepo_ListActiveAuctions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryRepo()
	for _, id := range []string{"c", "a", "b"} {
		_, err := repo.CreateAuction(ctx, newAuction(id, 100))
		require.NoError(t, err)
	}
	ended := newAuction("z", 100)
	ended.Status = model.AuctionEnded
	_, err := repo.CreateAuction(ctx, ended)
	require.NoError(t, err)

	active, err := repo.ListActiveAuctions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 3)
	require.Equal(t, "a", active[0].ID)
	require.Equal(t, "b", active[1].ID)
	require.Equal(t, "c", active[2].ID)
}

// concurrency test: exactly one writer wins per version
func TestMemoryRepo_ConcurrentWriteIfVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryRepo()
	a, err := repo.CreateAuction(ctx, newAuction("a1", 100))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	concurrentCount := 50

	for i := 0; i < concurrentCount; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_, err := repo.WriteIfVersion(ctx, bidUpdate(a, newBid(fmt.Sprintf("bid-%d", i), "a1", fmt.Sprintf("user-%d", i), float64(110+i), baseTime)))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			require.True(t, errors.Is(err, biddingerrors.ErrVersionMismatch))
			conflicts++
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Equal(t, concurrentCount-1, conflicts)

	bids, err := repo.ListBidsByAuction(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, bids, 1)
}
