package broadcast

import (
	"context"
	"sync"

	"bidding-tracker/utils"

	"go.uber.org/atomic"
)

// Publisher hands events to every viewer of the event's auction
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Hub keeps one room per auction. Delivery is at most once: a subscriber
// whose buffer is full misses the event and nothing is replayed.
//
// Subscriptions are also indexed by user so an outbid notice reaches the
// outbid bidder in whichever rooms they are connected to.
type Hub struct {
	buffer int

	mu          sync.RWMutex
	rooms       map[string]map[*Subscription]struct{}
	users       map[string]map[*Subscription]struct{}
	onFirstJoin func(auctionID string)

	dropped atomic.Int64
}

// Subscription is one viewer's membership of one room
type Subscription struct {
	hub       *Hub
	auctionID string
	userID    string
	session   any
	ch        chan Event
	closed    bool
}

// NewHub creates a hub whose subscribers buffer up to buffer events
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 1
	}
	return &Hub{
		buffer: buffer,
		rooms:  make(map[string]map[*Subscription]struct{}),
		users:  make(map[string]map[*Subscription]struct{}),
	}
}

// OnFirstJoin registers f to run whenever a room gains its first subscriber
func (h *Hub) OnFirstJoin(f func(auctionID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onFirstJoin = f
}

// Join subscribes userID to auctionID's room as its own session
func (h *Hub) Join(auctionID, userID string) *Subscription {
	return h.JoinSession(auctionID, userID, nil)
}

// JoinSession subscribes userID to auctionID's room on behalf of session.
// Subscriptions sharing a session, such as the rooms of one websocket
// connection, receive a user-targeted event once between them. A nil
// session makes the subscription its own session.
func (h *Hub) JoinSession(auctionID, userID string, session any) *Subscription {
	sub := &Subscription{
		hub:       h,
		auctionID: auctionID,
		userID:    userID,
		session:   session,
		ch:        make(chan Event, h.buffer),
	}
	if session == nil {
		sub.session = sub
	}

	h.mu.Lock()
	room, ok := h.rooms[auctionID]
	if !ok {
		room = make(map[*Subscription]struct{})
		h.rooms[auctionID] = room
	}
	room[sub] = struct{}{}
	user, known := h.users[userID]
	if !known {
		user = make(map[*Subscription]struct{})
		h.users[userID] = user
	}
	user[sub] = struct{}{}
	first := !ok
	hook := h.onFirstJoin
	size := len(room)
	h.mu.Unlock()

	utils.Debug("broadcast: subscriber joined", map[string]any{
		"auction_id":  auctionID,
		"user_id":     userID,
		"subscribers": size,
	})

	if first && hook != nil {
		hook(auctionID)
	}
	return sub
}

// Events is the subscriber's stream. It is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// AuctionID returns the room this subscription belongs to
func (s *Subscription) AuctionID() string {
	return s.auctionID
}

// UserID returns the viewer this subscription belongs to
func (s *Subscription) UserID() string {
	return s.userID
}

// Close leaves the room. It is safe to call more than once.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if room, ok := h.rooms[s.auctionID]; ok {
		delete(room, s)
		if len(room) == 0 {
			delete(h.rooms, s.auctionID)
		}
	}
	if user, ok := h.users[s.userID]; ok {
		delete(user, s)
		if len(user) == 0 {
			delete(h.users, s.userID)
		}
	}
	close(s.ch)
}

// Publish delivers ev to the local room. It never blocks on a slow viewer.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.Deliver(ev)
	return nil
}

// Deliver fans ev out to the local subscribers of its auction and returns
// how many received it. Outbid events skip the room and go to the outbid
// user's subscriptions instead, once per session.
func (h *Hub) Deliver(ev Event) int {
	// sends happen under the read lock so Close cannot close a channel mid-send
	h.mu.RLock()
	defer h.mu.RUnlock()

	if o, ok := ev.(Outbid); ok {
		delivered := 0
		for _, sub := range h.sessionsOf(o.TargetUserID, o.AuctionID) {
			if h.send(sub, ev) {
				delivered++
			}
		}
		return delivered
	}

	delivered := 0
	for sub := range h.rooms[ev.Auction()] {
		if h.send(sub, ev) {
			delivered++
		}
	}
	return delivered
}

// sessionsOf picks one subscription per session of userID, preferring the
// one in auctionID's room. Callers hold h.mu.
func (h *Hub) sessionsOf(userID, auctionID string) []*Subscription {
	picked := make(map[any]*Subscription)
	for sub := range h.users[userID] {
		prev, ok := picked[sub.session]
		if !ok || (prev.auctionID != auctionID && sub.auctionID == auctionID) {
			picked[sub.session] = sub
		}
	}
	subs := make([]*Subscription, 0, len(picked))
	for _, sub := range picked {
		subs = append(subs, sub)
	}
	return subs
}

func (h *Hub) send(sub *Subscription, ev Event) bool {
	select {
	case sub.ch <- ev:
		return true
	default:
		h.dropped.Inc()
		utils.Warn("broadcast: subscriber buffer full, dropping event", map[string]any{
			"auction_id": ev.Auction(),
			"user_id":    sub.userID,
			"event_type": string(ev.Type()),
		})
		return false
	}
}

// Subscribers returns the number of subscribers in auctionID's room
func (h *Hub) Subscribers(auctionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[auctionID])
}

// Rooms returns the number of rooms with at least one subscriber
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Dropped returns how many deliveries were skipped because of full buffers
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
