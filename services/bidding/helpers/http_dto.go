package helpers

import (
	"time"

	bidding "bidding-tracker/internal/biddingService"
	model "bidding-tracker/internal/models"
)

// Request/Response DTOs
type PlaceBidRequest struct {
	AuctionID string  `json:"auction_id" binding:"required"`
	BidderID  string  `json:"bidder_id" binding:"required"`
	Amount    float64 `json:"amount" binding:"required,gt=0"`
}

// AuctionBidRequest is the body of POST /auctions/:auction_id/bids
type AuctionBidRequest struct {
	BidderID string  `json:"bidder_id" binding:"required"`
	Amount   float64 `json:"amount" binding:"required,gt=0"`
}

type BidResponse struct {
	BidID     string  `json:"bid_id"`
	AuctionID string  `json:"auction_id"`
	BidderID  string  `json:"bidder_id"`
	Amount    float64 `json:"amount"`
	Status    string  `json:"status"`
	CreatedAt string  `json:"created_at"`
}

// PlaceBidResponse carries the accepted bid and the auction state it produced
type PlaceBidResponse struct {
	Bid          BidResponse `json:"bid"`
	CurrentPrice float64     `json:"current_price"`
	EndDate      string      `json:"end_date"`
	Version      int64       `json:"version"`
	Extended     bool        `json:"extended"`
}

type AuctionResponse struct {
	AuctionID       string  `json:"auction_id"`
	SellerID        string  `json:"seller_id"`
	Title           string  `json:"title"`
	CurrentPrice    float64 `json:"current_price"`
	BidIncrement    float64 `json:"bid_increment"`
	MinimumNextBid  float64 `json:"minimum_next_bid"`
	StartDate       string  `json:"start_date"`
	EndDate         string  `json:"end_date"`
	Status          string  `json:"status"`
	HighestBidderID *string `json:"highest_bidder_id"`
	Version         int64   `json:"version"`
}

// CreateAuctionRequest is the admin seeding payload
type CreateAuctionRequest struct {
	AuctionID     string    `json:"auction_id" binding:"required"`
	SellerID      string    `json:"seller_id" binding:"required"`
	Title         string    `json:"title"`
	StartingPrice float64   `json:"starting_price" binding:"gte=0"`
	BidIncrement  float64   `json:"bid_increment" binding:"required,gt=0"`
	StartDate     time.Time `json:"start_date" binding:"required"`
	EndDate       time.Time `json:"end_date" binding:"required"`
	Status        string    `json:"status" binding:"omitempty,oneof=active"`
}

// ToAuction converts the seeding payload into a domain auction
func (r CreateAuctionRequest) ToAuction() model.Auction {
	return model.Auction{
		ID:           r.AuctionID,
		SellerID:     r.SellerID,
		Title:        r.Title,
		CurrentPrice: r.StartingPrice,
		BidIncrement: r.BidIncrement,
		StartDate:    r.StartDate,
		EndDate:      r.EndDate,
		Status:       model.AuctionStatus(r.Status),
	}
}

func NewBidResponse(b model.Bid) BidResponse {
	return BidResponse{
		BidID:     b.ID,
		AuctionID: b.AuctionID,
		BidderID:  b.BidderID,
		Amount:    b.Amount,
		Status:    string(b.Status),
		CreatedAt: b.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func NewBidResponses(bids []model.Bid) []BidResponse {
	out := make([]BidResponse, 0, len(bids))
	for _, b := range bids {
		out = append(out, NewBidResponse(b))
	}
	return out
}

func NewPlaceBidResponse(r bidding.PlaceBidResult) PlaceBidResponse {
	return PlaceBidResponse{
		Bid:          NewBidResponse(r.Bid),
		CurrentPrice: r.Auction.CurrentPrice,
		EndDate:      r.Auction.EndDate.UTC().Format(time.RFC3339Nano),
		Version:      r.Auction.Version,
		Extended:     r.Extended,
	}
}

func NewAuctionResponse(a model.Auction) AuctionResponse {
	return AuctionResponse{
		AuctionID:       a.ID,
		SellerID:        a.SellerID,
		Title:           a.Title,
		CurrentPrice:    a.CurrentPrice,
		BidIncrement:    a.BidIncrement,
		MinimumNextBid:  a.MinimumNextBid(),
		StartDate:       a.StartDate.UTC().Format(time.RFC3339Nano),
		EndDate:         a.EndDate.UTC().Format(time.RFC3339Nano),
		Status:          string(a.Status),
		HighestBidderID: a.HighestBidderID,
		Version:         a.Version,
	}
}
