package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bidding-tracker/internal/auth"
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
	handler "bidding-tracker/services/bidding/handler"
	"bidding-tracker/utils"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	utils.SetLevel(cfg.Log.Level)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	recorder := metrics.NewRecorder(cfg.Metrics.LockWaitBucketsMs, cfg.Metrics.HotAuctionsMax)
	checks := map[string]handler.HealthCheck{}

	store, closeStore, err := openStore(ctx, cfg, checks)
	if err != nil {
		return err
	}
	defer closeStore()

	var nc *nats.Conn
	if cfg.Lock.Backend == "nats" || cfg.Broadcast.Relay {
		nc, err = connectNATS(cfg.NATS)
		if err != nil {
			return err
		}
		defer nc.Close()
		checks["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return errors.Newf("nats status %s", nc.Status())
			}
			return nil
		}
	}

	lockStore, err := openLockStore(ctx, cfg, nc, clock)
	if err != nil {
		return err
	}
	locks := lock.NewManager(lockStore, cfg.Lock.TTL, clock, recorder)

	hub := broadcast.NewHub(cfg.Broadcast.SubscriberBuffer)
	var publisher broadcast.Publisher = hub
	if cfg.Broadcast.Relay {
		relay := broadcast.NewRelay(nc, hub, cfg.NATS.SubjectPrefix, utils.InstanceID())
		if err := relay.Start(); err != nil {
			return err
		}
		defer func() { _ = relay.Stop() }()
		publisher = relay
	}

	timers := scheduler.New(clock, nil)
	defer timers.Stop()

	biddingSvc := bidding.NewBiddingService(store, locks, timers, publisher, clock, bidding.OptionsFromConfig(cfg))
	timers.SetCloseFunc(biddingSvc.OnTimerFired)
	hub.OnFirstJoin(func(auctionID string) {
		if err := biddingSvc.WatchAuction(context.Background(), auctionID); err != nil {
			utils.Warn("failed to watch auction", map[string]any{"auction_id": auctionID, "error": err.Error()})
		}
	})

	if cfg.Store.Backend == "memory" {
		prepopulateAuctions(ctx, biddingSvc, clock.Now())
	}
	if _, err := biddingSvc.RestoreTimers(ctx); err != nil {
		return err
	}

	limiter := ratelimit.NewLimiter(cfg.Bidding.RateLimit, cfg.Bidding.RateWindow, clock, recorder)
	go limiter.Run(ctx)

	deps := server.Dependencies{
		Service:  biddingSvc,
		Limiter:  limiter,
		Realtime: broadcast.NewWebSocketServer(hub, wsConfig(cfg.Broadcast, cfg.CORS)),
		Metrics:  recorder,
		Checks:   checks,
		CORS:     cfg.CORS,
	}
	if cfg.Auth.JWTSecret != "" {
		deps.Tokens = auth.NewService(cfg.Auth.JWTSecret)
	}
	router := server.SetupRouter(deps)

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		utils.Info("Starting auction server", map[string]any{
			"addr":          srv.Addr,
			"store_backend": cfg.Store.Backend,
			"lock_backend":  cfg.Lock.Backend,
			"relay":         cfg.Broadcast.Relay,
			"auth":          cfg.Auth.JWTSecret != "",
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	utils.Info("received shutdown signal", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		utils.Error("HTTP server shutdown failed", map[string]any{"error": err.Error()})
	}
	utils.Info("auction server shutdown complete", nil)
	return nil
}

func openStore(ctx context.Context, cfg config.Config, checks map[string]handler.HealthCheck) (repository.AuctionStore, func(), error) {
	if cfg.Store.Backend != "postgres" {
		return repository.NewMemoryRepo(), func() {}, nil
	}
	repo, err := repository.NewPostgresRepo(ctx, repository.PostgresConfig{DSN: cfg.DB.DSN(), MaxConns: cfg.DB.MaxConns})
	if err != nil {
		return nil, nil, err
	}
	checks["postgres"] = repo.Ping
	return repo, repo.Close, nil
}

func openLockStore(ctx context.Context, cfg config.Config, nc *nats.Conn, clock clockwork.Clock) (lock.Store, error) {
	if cfg.Lock.Backend != "nats" {
		return lock.NewMemoryStore(clock), nil
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create jetstream context")
	}
	return lock.NewNATSKVStore(ctx, js, cfg.NATS.LockBucket, cfg.Lock.TTL)
}

func connectNATS(cfg config.NATSConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("auction-bid-engine"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			fields := map[string]any{}
			if err != nil {
				fields["error"] = err.Error()
			}
			utils.Warn("NATS disconnected", fields)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			utils.Info("NATS reconnected", map[string]any{"url": nc.ConnectedUrl()})
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to NATS at %s", cfg.URL)
	}
	return nc, nil
}

func wsConfig(cfg config.BroadcastConfig, cors config.CORSConfig) broadcast.WSConfig {
	ws := broadcast.DefaultWSConfig()
	ws.WriteTimeout = cfg.WriteTimeout
	ws.ReadTimeout = cfg.ReadTimeout
	ws.PingInterval = cfg.PingInterval
	ws.MaxMessageSize = cfg.MaxMessageSize
	ws.AllowOrigins = cors.AllowOrigins
	return ws
}

// prepopulateAuctions adds sample auctions to the in-memory store
func prepopulateAuctions(ctx context.Context, svc *bidding.BiddingService, now time.Time) {
	auctions := []model.Auction{
		{ID: "auction1", SellerID: "seller1", Title: "title1", CurrentPrice: 100, BidIncrement: 5},
		{ID: "auction2", SellerID: "seller2", Title: "title2", CurrentPrice: 200, BidIncrement: 10},
		{ID: "auction3", SellerID: "seller1", Title: "title3", CurrentPrice: 150, BidIncrement: 5},
	}

	for i, a := range auctions {
		a.StartDate = now
		a.EndDate = now.Add(time.Duration(i+1) * 10 * time.Minute)
		if _, err := svc.CreateAuction(ctx, a); err != nil {
			utils.Warn("failed to seed auction", map[string]any{"auction_id": a.ID, "error": err.Error()})
		}
	}
}
