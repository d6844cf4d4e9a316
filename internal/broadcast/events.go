// Package broadcast fans auction events out to the viewers of each auction
// room, over websockets locally and over NATS between service instances.
package broadcast

import (
	"encoding/json"
	"time"

	"bidding-tracker/internal/models"

	"github.com/cockroachdb/errors"
)

// EventType is the wire name of an event
type EventType string

const (
	TypeNewBid          EventType = "newBid"
	TypeOutbid          EventType = "outbid"
	TypeAuctionExtended EventType = "auctionExtended"
	TypeAuctionEnded    EventType = "auctionEnded"
)

// Event is one of NewBid, Outbid, AuctionExtended or AuctionEnded
type Event interface {
	Type() EventType
	Auction() string
	OccurredAt() time.Time
	sealed()
}

// NewBid is sent to the whole room when a bid is committed
type NewBid struct {
	AuctionID string    `json:"-"`
	At        time.Time `json:"-"`
	BidID     string    `json:"bid_id"`
	BidderID  string    `json:"bidder_id"`
	Amount    float64   `json:"amount"`
	Version   int64     `json:"version"`
}

// Outbid is sent only to the bidder who lost the lead
type Outbid struct {
	AuctionID    string    `json:"-"`
	At           time.Time `json:"-"`
	TargetUserID string    `json:"target_user_id"`
	NewBidderID  string    `json:"new_bidder_id"`
	Amount       float64   `json:"amount"`
}

// AuctionExtended is sent to the room when a late bid pushes the end date
type AuctionExtended struct {
	AuctionID       string    `json:"-"`
	At              time.Time `json:"-"`
	PreviousEndDate time.Time `json:"previous_end_date"`
	NewEndDate      time.Time `json:"new_end_date"`
}

// AuctionEnded is sent to the room when the auction closes
type AuctionEnded struct {
	AuctionID  string               `json:"-"`
	At         time.Time            `json:"-"`
	Status     models.AuctionStatus `json:"status"`
	WinnerID   *string              `json:"winner_id"`
	FinalPrice float64              `json:"final_price"`
}

func (NewBid) Type() EventType          { return TypeNewBid }
func (Outbid) Type() EventType          { return TypeOutbid }
func (AuctionExtended) Type() EventType { return TypeAuctionExtended }
func (AuctionEnded) Type() EventType    { return TypeAuctionEnded }

func (e NewBid) Auction() string          { return e.AuctionID }
func (e Outbid) Auction() string          { return e.AuctionID }
func (e AuctionExtended) Auction() string { return e.AuctionID }
func (e AuctionEnded) Auction() string    { return e.AuctionID }

func (e NewBid) OccurredAt() time.Time          { return e.At }
func (e Outbid) OccurredAt() time.Time          { return e.At }
func (e AuctionExtended) OccurredAt() time.Time { return e.At }
func (e AuctionEnded) OccurredAt() time.Time    { return e.At }

func (NewBid) sealed()          {}
func (Outbid) sealed()          {}
func (AuctionExtended) sealed() {}
func (AuctionEnded) sealed()    {}

// Envelope is the JSON frame written to clients and relayed between instances
type Envelope struct {
	Type      EventType       `json:"type"`
	AuctionID string          `json:"auction_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Encode marshals an event into its envelope
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s event", ev.Type())
	}
	return json.Marshal(Envelope{
		Type:      ev.Type(),
		AuctionID: ev.Auction(),
		Timestamp: ev.OccurredAt().UTC(),
		Data:      data,
	})
}

// Decode parses an envelope back into its concrete event
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(err, "unmarshal envelope")
	}
	if env.AuctionID == "" {
		return nil, errors.New("envelope without auction_id")
	}

	switch env.Type {
	case TypeNewBid:
		var ev NewBid
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, errors.Wrap(err, "unmarshal newBid")
		}
		ev.AuctionID, ev.At = env.AuctionID, env.Timestamp
		return ev, nil
	case TypeOutbid:
		var ev Outbid
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, errors.Wrap(err, "unmarshal outbid")
		}
		ev.AuctionID, ev.At = env.AuctionID, env.Timestamp
		return ev, nil
	case TypeAuctionExtended:
		var ev AuctionExtended
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, errors.Wrap(err, "unmarshal auctionExtended")
		}
		ev.AuctionID, ev.At = env.AuctionID, env.Timestamp
		return ev, nil
	case TypeAuctionEnded:
		var ev AuctionEnded
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, errors.Wrap(err, "unmarshal auctionEnded")
		}
		ev.AuctionID, ev.At = env.AuctionID, env.Timestamp
		return ev, nil
	default:
		return nil, errors.Newf("unknown event type %q", env.Type)
	}
}
