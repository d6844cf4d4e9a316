package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"bidding-tracker/utils"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
)

// Conn is the part of a NATS connection the relay uses
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

type relayMessage struct {
	Origin string          `json:"origin"`
	Event  json.RawMessage `json:"event"`
}

// Relay shares events between service instances. Local events are delivered
// to the local hub and published on "<prefix>.<auction_id>.events"; events
// from other instances are delivered to the local hub only.
type Relay struct {
	conn     Conn
	hub      *Hub
	prefix   string
	instance string

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewRelay creates a relay. instance must be unique per process so a relay
// can recognise and skip its own messages.
func NewRelay(conn Conn, hub *Hub, prefix, instance string) *Relay {
	if prefix == "" {
		prefix = "auction"
	}
	return &Relay{conn: conn, hub: hub, prefix: prefix, instance: instance}
}

// Subject returns the subject an auction's events are relayed on
func (r *Relay) Subject(auctionID string) string {
	return r.prefix + "." + auctionID + ".events"
}

// Start subscribes to every auction's relay subject
func (r *Relay) Start() error {
	sub, err := r.conn.Subscribe(r.prefix+".*.events", r.handle)
	if err != nil {
		return errors.Wrap(err, "subscribe to relay subjects")
	}
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
	utils.Info("broadcast: relay started", map[string]any{"instance": r.instance, "prefix": r.prefix})
	return nil
}

// Stop unsubscribes from the relay subjects
func (r *Relay) Stop() error {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub == nil {
		return nil
	}
	return errors.Wrap(sub.Unsubscribe(), "unsubscribe relay")
}

// Publish delivers ev locally, then relays it to the other instances. Local
// viewers receive the event even when relaying fails.
func (r *Relay) Publish(_ context.Context, ev Event) error {
	r.hub.Deliver(ev)

	data, err := Encode(ev)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(relayMessage{Origin: r.instance, Event: data})
	if err != nil {
		return errors.Wrap(err, "marshal relay message")
	}
	if err := r.conn.Publish(r.Subject(ev.Auction()), payload); err != nil {
		return errors.Wrapf(err, "relay %s for auction %s", ev.Type(), ev.Auction())
	}
	return nil
}

func (r *Relay) handle(msg *nats.Msg) {
	var rm relayMessage
	if err := json.Unmarshal(msg.Data, &rm); err != nil {
		utils.Warn("broadcast: malformed relay message", map[string]any{"subject": msg.Subject, "error": err.Error()})
		return
	}
	if rm.Origin == r.instance {
		return
	}

	ev, err := Decode(rm.Event)
	if err != nil {
		utils.Warn("broadcast: undecodable relay event", map[string]any{"subject": msg.Subject, "error": err.Error()})
		return
	}
	if want := r.Subject(ev.Auction()); msg.Subject != "" && msg.Subject != want {
		utils.Warn("broadcast: relay subject does not match event", map[string]any{"subject": msg.Subject, "auction_id": ev.Auction()})
		return
	}
	r.hub.Deliver(ev)
}
