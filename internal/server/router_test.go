package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bidding-tracker/internal/auth"
	bidding "bidding-tracker/internal/biddingService"
	"bidding-tracker/internal/broadcast"
	"bidding-tracker/internal/config"
	"bidding-tracker/internal/lock"
	"bidding-tracker/internal/metrics"
	"bidding-tracker/internal/ratelimit"
	"bidding-tracker/internal/repository"
	"bidding-tracker/internal/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

const testSecret = "router-test-secret"

func newTestRouter(t *testing.T, withAuth bool) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.NewTestConfig()
	clock := clockwork.NewRealClock()
	rec := metrics.NewRecorder(cfg.Metrics.LockWaitBucketsMs, cfg.Metrics.HotAuctionsMax)
	hub := broadcast.NewHub(cfg.Broadcast.SubscriberBuffer)
	timers := scheduler.New(clock, nil)
	t.Cleanup(timers.Stop)

	svc := bidding.NewBiddingService(
		repository.NewMemoryRepo(),
		lock.NewManager(lock.NewMemoryStore(clock), cfg.Lock.TTL, clock, rec),
		timers, hub, clock, bidding.OptionsFromConfig(cfg),
	)
	timers.SetCloseFunc(svc.OnTimerFired)

	deps := Dependencies{
		Service:  svc,
		Limiter:  ratelimit.NewLimiter(cfg.Bidding.RateLimit, cfg.Bidding.RateWindow, clock, rec),
		Realtime: broadcast.NewWebSocketServer(hub, broadcast.DefaultWSConfig()),
		Metrics:  rec,
		CORS:     cfg.CORS,
	}
	if withAuth {
		deps.Tokens = auth.NewService(testSecret)
	}
	return SetupRouter(deps)
}

func send(t *testing.T, router http.Handler, method, path string, body any, header http.Header) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp map[string]any
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" && bytes.HasPrefix(bytes.TrimSpace(w.Body.Bytes()), []byte("{")) {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func seed(t *testing.T, router http.Handler, auctionID string) {
	t.Helper()
	now := time.Now().UTC()
	w, resp := send(t, router, http.MethodPost, "/admin/auctions", map[string]any{
		"auction_id":     auctionID,
		"seller_id":      "seller",
		"starting_price": 100,
		"bid_increment":  10,
		"start_date":     now.Add(-time.Minute).Format(time.RFC3339Nano),
		"end_date":       now.Add(time.Hour).Format(time.RFC3339Nano),
	}, adminBearer(t))
	require.Equal(t, http.StatusCreated, w.Code, "seed failed: %v", resp)
}

func adminBearer(t *testing.T) http.Header {
	t.Helper()
	token, err := auth.NewService(testSecret).GenerateAdminToken("ops", time.Minute)
	require.NoError(t, err)
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

func bearer(t *testing.T, bidderID string) http.Header {
	t.Helper()
	token, err := auth.NewService(testSecret).GenerateToken(bidderID, time.Minute)
	require.NoError(t, err)
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

func TestRouter_BidFlow(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, false)
	seed(t, router, "a1")

	w, resp := send(t, router, http.MethodPost, "/bids", map[string]any{"auction_id": "a1", "bidder_id": "user1", "amount": 120}, nil)
	require.Equal(t, http.StatusCreated, w.Code, "%v", resp)
	data := resp["data"].(map[string]any)
	require.Equal(t, 120.0, data["current_price"])
	require.Equal(t, 2.0, data["version"])

	w, resp = send(t, router, http.MethodPost, "/auctions/a1/bids", map[string]any{"bidder_id": "user2", "amount": 125}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "VALIDATION", resp["code"])

	w, resp = send(t, router, http.MethodPost, "/auctions/a1/bids", map[string]any{"bidder_id": "seller", "amount": 500}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "seller cannot bid on own auction", resp["message"])

	w, resp = send(t, router, http.MethodGet, "/auctions/a1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "user1", resp["data"].(map[string]any)["highest_bidder_id"])

	w, resp = send(t, router, http.MethodGet, "/bidders/user1/bids", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, resp["data"].([]any), 1)

	w, _ = send(t, router, http.MethodGet, "/auctions/missing/bids", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w, _ = send(t, router, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `auction_lock_wait_ms_count{auction_id="a1"} 1`)
}

func TestRouter_BidAuthentication(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, true)
	seed(t, router, "a1")
	body := map[string]any{"auction_id": "a1", "bidder_id": "user1", "amount": 120}

	tests := []struct {
		name           string
		header         http.Header
		expectedStatus int
		expectedCode   string
	}{
		{name: "missing_token", expectedStatus: http.StatusUnauthorized, expectedCode: "UNAUTHORIZED"},
		{name: "not_bearer", header: http.Header{"Authorization": []string{"Basic dXNlcjE6cHc="}}, expectedStatus: http.StatusUnauthorized, expectedCode: "UNAUTHORIZED"},
		{name: "invalid_token", header: http.Header{"Authorization": []string{"Bearer nope"}}, expectedStatus: http.StatusUnauthorized, expectedCode: "UNAUTHORIZED"},
		{name: "other_bidder", header: bearer(t, "user2"), expectedStatus: http.StatusForbidden, expectedCode: "FORBIDDEN"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			w, resp := send(t, router, http.MethodPost, "/bids", body, tc.header)
			require.Equal(t, tc.expectedStatus, w.Code)
			require.Equal(t, tc.expectedCode, resp["code"])
		})
	}

	w, _ := send(t, router, http.MethodPost, "/bids", body, bearer(t, "user1"))
	require.Equal(t, http.StatusCreated, w.Code)

	// reads stay open
	w, _ = send(t, router, http.MethodGet, "/auctions/a1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_AdminAuthentication(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, true)
	seed(t, router, "a1")

	routes := []struct {
		method string
		path   string
		body   any
	}{
		{method: http.MethodGet, path: "/admin/hot-auctions"},
		{method: http.MethodPost, path: "/admin/metrics/reset"},
		{method: http.MethodPost, path: "/admin/auctions", body: map[string]any{"auction_id": "a2"}},
	}
	tests := []struct {
		name           string
		header         http.Header
		expectedStatus int
		expectedCode   string
	}{
		{name: "missing_token", expectedStatus: http.StatusUnauthorized, expectedCode: "UNAUTHORIZED"},
		{name: "invalid_token", header: http.Header{"Authorization": []string{"Bearer nope"}}, expectedStatus: http.StatusUnauthorized, expectedCode: "UNAUTHORIZED"},
		{name: "bidder_token", header: bearer(t, "user1"), expectedStatus: http.StatusForbidden, expectedCode: "FORBIDDEN"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			for _, r := range routes {
				w, resp := send(t, router, r.method, r.path, r.body, tc.header)
				require.Equal(t, tc.expectedStatus, w.Code, "%s %s", r.method, r.path)
				require.Equal(t, tc.expectedCode, resp["code"], "%s %s", r.method, r.path)
			}
		})
	}

	w, _ := send(t, router, http.MethodGet, "/admin/hot-auctions", nil, adminBearer(t))
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = send(t, router, http.MethodPost, "/admin/metrics/reset", nil, adminBearer(t))
	require.Equal(t, http.StatusOK, w.Code)

	// the scrape endpoint is not under /admin
	w, _ = send(t, router, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_CORSPreflight(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, false)

	req := httptest.NewRequest(http.MethodOptions, "/bids", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_Healthz(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, false)
	w, resp := send(t, router, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "healthy", resp["message"])
}
