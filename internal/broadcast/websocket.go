package broadcast

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"bidding-tracker/utils"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
)

// WSConfig holds websocket connection settings
type WSConfig struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
	// AllowOrigins lists the browser origins allowed to open a socket. "*"
	// admits any origin. When empty only same-origin requests are accepted.
	AllowOrigins []string
}

// DefaultWSConfig returns the default websocket settings
func DefaultWSConfig() WSConfig {
	return WSConfig{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 1024,
		SendBuffer:     256,
	}
}

// ClientFrame is a command sent by a websocket client
type ClientFrame struct {
	Action    string `json:"action"`
	AuctionID string `json:"auction_id"`
}

const (
	ActionJoin  = "join"
	ActionLeave = "leave"
)

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// WebSocketServer upgrades HTTP requests into hub subscriptions
type WebSocketServer struct {
	hub      *Hub
	config   WSConfig
	upgrader websocket.Upgrader
}

// NewWebSocketServer creates a websocket transport for hub. The upgrade is
// refused with 403 when the request's Origin is not allowed by config.
func NewWebSocketServer(hub *Hub, config WSConfig) *WebSocketServer {
	if config.SendBuffer <= 0 {
		config.SendBuffer = DefaultWSConfig().SendBuffer
	}
	return &WebSocketServer{
		hub:    hub,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(config.AllowOrigins),
		},
	}
}

// originChecker returns nil for an empty list, which leaves gorilla's
// same-origin check in place. Requests without an Origin header are not
// from a browser and pass.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		utils.Warn("websocket: origin refused", map[string]any{"origin": origin, "path": r.URL.Path})
		return false
	}
}

type client struct {
	srv    *WebSocketServer
	conn   *websocket.Conn
	userID string
	out    chan []byte
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	subs map[string]*Subscription
}

// Serve upgrades the request and joins userID to auctionID's room. Further
// rooms can be joined and left with client frames. It returns once the
// connection's pumps are running.
func (s *WebSocketServer) Serve(w http.ResponseWriter, r *http.Request, userID, auctionID string) error {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return errors.Wrap(err, "upgrade websocket")
	}

	c := &client{
		srv:    s,
		conn:   conn,
		userID: userID,
		out:    make(chan []byte, s.config.SendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]*Subscription),
	}
	c.join(auctionID)

	go c.writePump()
	go c.readPump()

	utils.Info("websocket: connection established", map[string]any{
		"user_id":    userID,
		"auction_id": auctionID,
	})
	return nil
}

func (c *client) join(auctionID string) {
	if auctionID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	if _, ok := c.subs[auctionID]; ok {
		return
	}
	sub := c.srv.hub.JoinSession(auctionID, c.userID, c)
	c.subs[auctionID] = sub
	go c.forward(sub)
}

func (c *client) leave(auctionID string) {
	c.mu.Lock()
	sub, ok := c.subs[auctionID]
	delete(c.subs, auctionID)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// forward encodes a room's events onto the connection until the room is left
func (c *client) forward(sub *Subscription) {
	for ev := range sub.Events() {
		data, err := Encode(ev)
		if err != nil {
			utils.Error("websocket: failed to encode event", map[string]any{"error": err.Error()})
			continue
		}
		c.enqueue(data)
	}
}

func (c *client) enqueue(data []byte) {
	select {
	case c.out <- data:
	case <-c.done:
	default:
		utils.Warn("websocket: send buffer full, dropping frame", map[string]any{"user_id": c.userID})
	}
}

func (c *client) close() {
	c.once.Do(func() {
		c.mu.Lock()
		close(c.done)
		subs := c.subs
		c.subs = map[string]*Subscription{}
		c.mu.Unlock()

		for _, sub := range subs {
			sub.Close()
		}
		_ = c.conn.Close()
		utils.Info("websocket: connection closed", map[string]any{"user_id": c.userID})
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.srv.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.srv.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				utils.Warn("websocket: write failed", map[string]any{"user_id": c.userID, "error": err.Error()})
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.srv.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.srv.config.WriteTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(c.srv.config.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.srv.config.ReadTimeout))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				utils.Warn("websocket: unexpected close", map[string]any{"user_id": c.userID, "error": err.Error()})
			}
			return
		}
		c.handleFrame(msg)
		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.config.ReadTimeout))
	}
}

func (c *client) handleFrame(msg []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		c.sendError("malformed frame")
		return
	}
	if frame.AuctionID == "" {
		c.sendError("auction_id is required")
		return
	}

	switch frame.Action {
	case ActionJoin:
		c.join(frame.AuctionID)
	case ActionLeave:
		c.leave(frame.AuctionID)
	default:
		c.sendError("unknown action " + frame.Action)
	}
}

func (c *client) sendError(message string) {
	data, err := json.Marshal(errorFrame{Type: "error", Message: message})
	if err != nil {
		return
	}
	c.enqueue(data)
}
