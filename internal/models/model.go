package models

import (
	"math"
	"regexp"
	"time"
)

var auctionIDPattern = regexp.MustCompile(`^[-_a-zA-Z0-9]{1,128}$`)

// ValidAuctionID reports whether id is usable as a single NATS subject token
// and KV key segment
func ValidAuctionID(id string) bool {
	return auctionIDPattern.MatchString(id)
}

// AuctionStatus is the lifecycle state of an auction
type AuctionStatus string

const (
	AuctionUpcoming  AuctionStatus = "upcoming"
	AuctionActive    AuctionStatus = "active"
	AuctionEnded     AuctionStatus = "ended"
	AuctionSold      AuctionStatus = "sold"
	AuctionCancelled AuctionStatus = "cancelled"
)

// BidStatus is the lifecycle state of a single bid
type BidStatus string

const (
	BidActive    BidStatus = "active"
	BidOutbid    BidStatus = "outbid"
	BidWon       BidStatus = "won"
	BidLost      BidStatus = "lost"
	BidCancelled BidStatus = "cancelled"
)

// Auction represents an auction and its current bidding state
type Auction struct {
	ID              string        `json:"auction_id"`
	SellerID        string        `json:"seller_id"`
	Title           string        `json:"title"`
	CurrentPrice    float64       `json:"current_price"`
	BidIncrement    float64       `json:"bid_increment"`
	StartDate       time.Time     `json:"start_date"`
	EndDate         time.Time     `json:"end_date"`
	Status          AuctionStatus `json:"status"`
	HighestBidderID *string       `json:"highest_bidder_id"`
	Version         int64         `json:"version"`
}

// Cents converts a money amount to whole cents, rounding to the nearest one
func Cents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// IsWholeCents reports whether amount has no fraction of a cent
func IsWholeCents(amount float64) bool {
	return math.Abs(amount*100-math.Round(amount*100)) < 1e-6
}

// MinimumNextBid is the lowest amount the next bid may carry
func (a Auction) MinimumNextBid() float64 {
	return float64(a.minimumNextBidCents()) / 100
}

func (a Auction) minimumNextBidCents() int64 {
	return Cents(a.CurrentPrice) + Cents(a.BidIncrement)
}

// MeetsMinimum reports whether amount reaches MinimumNextBid. The comparison
// is done in cents so that 1.10 + 2.20 accepts a bid of 3.30.
func (a Auction) MeetsMinimum(amount float64) bool {
	return Cents(amount) >= a.minimumNextBidCents()
}

// AtOrBelowPrice reports whether amount does not exceed the current price
func (a Auction) AtOrBelowPrice(amount float64) bool {
	return Cents(amount) <= Cents(a.CurrentPrice)
}

// IsOpenAt reports whether now lies in [StartDate, EndDate)
func (a Auction) IsOpenAt(now time.Time) bool {
	return !now.Before(a.StartDate) && now.Before(a.EndDate)
}

// IsHighestBidder reports whether userID holds the current high bid
func (a Auction) IsHighestBidder(userID string) bool {
	return a.HighestBidderID != nil && *a.HighestBidderID == userID
}

// Bid represents a bidder's bid on an auction
type Bid struct {
	ID        string    `json:"bid_id"`
	AuctionID string    `json:"auction_id"`
	BidderID  string    `json:"bidder_id"`
	Amount    float64   `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
	Status    BidStatus `json:"status"`
	IsDeleted bool      `json:"is_deleted"`
}
