package integrationtests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	bidding "bidding-tracker/internal/biddingService"
	"bidding-tracker/internal/broadcast"
	"bidding-tracker/internal/config"
	"bidding-tracker/internal/lock"
	"bidding-tracker/internal/metrics"
	model "bidding-tracker/internal/models"
	"bidding-tracker/internal/ratelimit"
	"bidding-tracker/internal/repository"
	"bidding-tracker/internal/scheduler"
	"bidding-tracker/internal/server"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// TestApp bundles the router with the components tests poke at directly
type TestApp struct {
	Router  *gin.Engine
	Service *bidding.BiddingService
	Hub     *broadcast.Hub
	Metrics *metrics.Recorder
}

// SetupTestApp wires the full in-memory stack and seeds the given auctions.
func SetupTestApp(t *testing.T, auctions ...model.Auction) *TestApp {
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

	for _, a := range auctions {
		_, err := svc.CreateAuction(context.Background(), a)
		require.NoError(t, err)
	}

	ws := broadcast.DefaultWSConfig()
	ws.AllowOrigins = cfg.CORS.AllowOrigins
	router := server.SetupRouter(server.Dependencies{
		Service:  svc,
		Limiter:  ratelimit.NewLimiter(cfg.Bidding.RateLimit, cfg.Bidding.RateWindow, clock, rec),
		Realtime: broadcast.NewWebSocketServer(hub, ws),
		Metrics:  rec,
		CORS:     cfg.CORS,
	})
	return &TestApp{Router: router, Service: svc, Hub: hub, Metrics: rec}
}

// ExecuteRequestAndParse executes an HTTP request on the given router and parses the response
func ExecuteRequestAndParse(t *testing.T, router *gin.Engine, method, url string, body any) (map[string]any, *httptest.ResponseRecorder) {
	t.Helper()
	var reqBody []byte
	var err error

	switch v := body.(type) {
	case nil:
	case []byte:
		reqBody = v
	default:
		reqBody, err = json.Marshal(v)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, url, bytes.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	var resp map[string]any
	if len(w.Body.Bytes()) > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
	}

	return resp, w
}
