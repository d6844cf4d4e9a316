package broadcast

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newWSTestServer(t *testing.T, hub *Hub, allowOrigins ...string) *httptest.Server {
	t.Helper()
	ws := NewWebSocketServer(hub, WSConfig{
		WriteTimeout:   time.Second,
		ReadTimeout:    5 * time.Second,
		PingInterval:   time.Second,
		MaxMessageSize: 1024,
		AllowOrigins:   allowOrigins,
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if err := ws.Serve(w, r, q.Get("user_id"), q.Get("auction_id")); err != nil {
			t.Logf("serve: %v", err)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

func TestWebSocket_OriginCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		allowed []string
		origin  string
		wantOK  bool
	}{
		{name: "no_origin_header", allowed: []string{"http://localhost:3000"}, wantOK: true},
		{name: "listed_origin", allowed: []string{"http://localhost:3000"}, origin: "http://localhost:3000", wantOK: true},
		{name: "unlisted_origin", allowed: []string{"http://localhost:3000"}, origin: "http://evil.example", wantOK: false},
		{name: "wildcard", allowed: []string{"*"}, origin: "http://evil.example", wantOK: true},
		{name: "default_is_same_origin", origin: "http://evil.example", wantOK: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := newWSTestServer(t, NewHub(8), tc.allowed...)
			url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?auction_id=a1&user_id=alice"
			header := http.Header{}
			if tc.origin != "" {
				header.Set("Origin", tc.origin)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(url, header)
			if tc.wantOK {
				require.NoError(t, err)
				_ = conn.Close()
				return
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}

func TestWebSocket_ReceivesRoomEvents(t *testing.T) {
	t.Parallel()

	hub := NewHub(8)
	srv := newWSTestServer(t, hub)
	conn := dial(t, srv, "auction_id=a1&user_id=alice")

	require.Eventually(t, func() bool { return hub.Subscribers("a1") == 1 }, time.Second, 5*time.Millisecond)

	hub.Deliver(NewBid{AuctionID: "a1", BidID: "b1", BidderID: "bob", Amount: 120, Version: 2})
	env := readEnvelope(t, conn)
	require.Equal(t, TypeNewBid, env.Type)
	require.Equal(t, "a1", env.AuctionID)

	ev, err := Decode(mustMarshal(t, env))
	require.NoError(t, err)
	require.Equal(t, "b1", ev.(NewBid).BidID)
}

func TestWebSocket_JoinAndLeaveFrames(t *testing.T) {
	t.Parallel()

	hub := NewHub(8)
	srv := newWSTestServer(t, hub)
	conn := dial(t, srv, "auction_id=a1&user_id=alice")
	require.Eventually(t, func() bool { return hub.Subscribers("a1") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(ClientFrame{Action: ActionJoin, AuctionID: "a2"}))
	require.Eventually(t, func() bool { return hub.Subscribers("a2") == 1 }, time.Second, 5*time.Millisecond)

	hub.Deliver(AuctionExtended{AuctionID: "a2"})
	require.Equal(t, "a2", readEnvelope(t, conn).AuctionID)

	require.NoError(t, conn.WriteJSON(ClientFrame{Action: ActionLeave, AuctionID: "a1"}))
	require.Eventually(t, func() bool { return hub.Subscribers("a1") == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(ClientFrame{Action: "shout", AuctionID: "a2"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), `"type":"error"`)
}

func TestWebSocket_DisconnectLeavesRooms(t *testing.T) {
	t.Parallel()

	hub := NewHub(8)
	srv := newWSTestServer(t, hub)
	conn := dial(t, srv, "auction_id=a1&user_id=alice")
	require.Eventually(t, func() bool { return hub.Subscribers("a1") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Rooms() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
