package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the full runtime configuration, read from the environment.
// Values that differ between deployments have no default.
type Config struct {
	Server    ServerConfig
	Lock      LockConfig
	Bidding   BiddingConfig
	Metrics   MetricsConfig
	Store     StoreConfig
	DB        DBConfig
	NATS      NATSConfig
	Broadcast BroadcastConfig
	Auth      AuthConfig
	CORS      CORSConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

type LockConfig struct {
	// Backend is "memory" or "nats"
	Backend string        `envconfig:"LOCK_BACKEND" default:"memory"`
	TTL     time.Duration `envconfig:"LOCK_TTL" default:"5s"`
	Timeout time.Duration `envconfig:"LOCK_TIMEOUT" default:"2s"`
}

type BiddingConfig struct {
	RateLimit          int           `envconfig:"BID_RATE_LIMIT" default:"10"`
	RateWindow         time.Duration `envconfig:"BID_RATE_WINDOW" default:"1s"`
	AntiSnipeWindow    time.Duration `envconfig:"ANTI_SNIPE_WINDOW" default:"30s"`
	AntiSnipeExtension time.Duration `envconfig:"ANTI_SNIPE_EXTENSION" default:"30s"`
	// CloseRetryDelay is how long a timer-driven closure waits before its first
	// retry. Later retries back off exponentially.
	CloseRetryDelay time.Duration `envconfig:"CLOSE_RETRY_DELAY" default:"500ms"`
}

type MetricsConfig struct {
	LockWaitBucketsMs []float64 `envconfig:"LOCK_WAIT_BUCKETS_MS" default:"5,10,25,50,100,250,500,1000,2500"`
	HotAuctionsMax    int       `envconfig:"HOT_AUCTIONS_MAX" default:"100"`
}

type StoreConfig struct {
	// Backend is "memory" or "postgres"
	Backend string `envconfig:"STORE_BACKEND" default:"memory"`
}

type DBConfig struct {
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	User     string `envconfig:"DB_USER" default:"postgres"`
	Password string `envconfig:"DB_PASSWORD" default:"postgres"`
	DBName   string `envconfig:"DB_NAME" default:"auctions"`
	SSLMode  string `envconfig:"DB_SSL_MODE" default:"disable"`
	MaxConns int32  `envconfig:"DB_MAX_CONNS" default:"20"`
}

type NATSConfig struct {
	URL           string        `envconfig:"NATS_URL" default:"nats://127.0.0.1:4222"`
	LockBucket    string        `envconfig:"NATS_LOCK_BUCKET" default:"auction_locks"`
	SubjectPrefix string        `envconfig:"NATS_SUBJECT_PREFIX" default:"auction"`
	MaxReconnects int           `envconfig:"NATS_MAX_RECONNECTS" default:"-1"`
	ReconnectWait time.Duration `envconfig:"NATS_RECONNECT_WAIT" default:"2s"`
}

type BroadcastConfig struct {
	// Relay fans events out across instances over NATS
	Relay            bool          `envconfig:"BROADCAST_RELAY" default:"false"`
	SubscriberBuffer int           `envconfig:"BROADCAST_SUBSCRIBER_BUFFER" default:"64"`
	WriteTimeout     time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"10s"`
	ReadTimeout      time.Duration `envconfig:"WS_READ_TIMEOUT" default:"60s"`
	PingInterval     time.Duration `envconfig:"WS_PING_INTERVAL" default:"30s"`
	MaxMessageSize   int64         `envconfig:"WS_MAX_MESSAGE_SIZE" default:"1024"`
}

type AuthConfig struct {
	// JWTSecret enables bearer-token checks on bid submission and the admin
	// endpoints when non-empty. Tokens are issued by whoever shares the secret.
	JWTSecret string `envconfig:"JWT_SECRET"`
}

type CORSConfig struct {
	AllowOrigins []string      `envconfig:"CORS_ALLOW_ORIGINS" default:"http://localhost:3000,http://localhost:8080"`
	AllowMethods []string      `envconfig:"CORS_ALLOW_METHODS" default:"GET,POST,OPTIONS"`
	AllowHeaders []string      `envconfig:"CORS_ALLOW_HEADERS" default:"Origin,Content-Type,Accept,Authorization"`
	MaxAge       time.Duration `envconfig:"CORS_MAX_AGE" default:"12h"`
}

type LogConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
}

// DSN returns the Postgres connection URL
func (c DBConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Addr returns the listen address for the HTTP server
func (c ServerConfig) Addr() string {
	return ":" + c.Port
}

// LoadConfig reads an optional .env file and then the process environment
func LoadConfig() (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return Config{}, errors.Wrap(err, "config: failed to load .env")
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "config: failed to process env config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ErrInvalid marks a configuration Validate rejects
var ErrInvalid = errors.New("config: invalid configuration")

// Validate rejects values the engine cannot run with
func (c Config) Validate() error {
	switch {
	case c.Lock.TTL <= 0:
		return errors.Wrap(ErrInvalid, "LOCK_TTL must be positive")
	case c.Lock.Timeout < 0:
		return errors.Wrap(ErrInvalid, "LOCK_TIMEOUT must not be negative")
	case c.Bidding.RateLimit <= 0 || c.Bidding.RateWindow <= 0:
		return errors.Wrap(ErrInvalid, "BID_RATE_LIMIT and BID_RATE_WINDOW must be positive")
	case c.Bidding.AntiSnipeWindow < 0 || c.Bidding.AntiSnipeExtension < 0:
		return errors.Wrap(ErrInvalid, "anti-snipe durations must not be negative")
	case c.Bidding.CloseRetryDelay < 0:
		return errors.Wrap(ErrInvalid, "CLOSE_RETRY_DELAY must not be negative")
	case c.Metrics.HotAuctionsMax <= 0:
		return errors.Wrap(ErrInvalid, "HOT_AUCTIONS_MAX must be positive")
	}
	for i := 1; i < len(c.Metrics.LockWaitBucketsMs); i++ {
		if c.Metrics.LockWaitBucketsMs[i] <= c.Metrics.LockWaitBucketsMs[i-1] {
			return errors.Wrap(ErrInvalid, "LOCK_WAIT_BUCKETS_MS must be strictly increasing")
		}
	}
	switch c.Lock.Backend {
	case "memory", "nats":
	default:
		return errors.Wrapf(ErrInvalid, "unknown LOCK_BACKEND %q", c.Lock.Backend)
	}
	switch c.Store.Backend {
	case "memory", "postgres":
	default:
		return errors.Wrapf(ErrInvalid, "unknown STORE_BACKEND %q", c.Store.Backend)
	}
	return nil
}

// NewTestConfig returns a configuration with small, deterministic values
func NewTestConfig() Config {
	return Config{
		Server: ServerConfig{Port: "8889", ShutdownTimeout: time.Second},
		Lock: LockConfig{
			Backend: "memory",
			TTL:     2 * time.Second,
			Timeout: 200 * time.Millisecond,
		},
		Bidding: BiddingConfig{
			RateLimit:          100,
			RateWindow:         time.Second,
			AntiSnipeWindow:    30 * time.Second,
			AntiSnipeExtension: 30 * time.Second,
			CloseRetryDelay:    50 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			LockWaitBucketsMs: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
			HotAuctionsMax:    100,
		},
		Store: StoreConfig{Backend: "memory"},
		Broadcast: BroadcastConfig{
			SubscriberBuffer: 16,
			WriteTimeout:     time.Second,
			ReadTimeout:      5 * time.Second,
			PingInterval:     time.Second,
			MaxMessageSize:   1024,
		},
		CORS: CORSConfig{
			AllowOrigins: []string{"http://localhost:3000"},
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
			MaxAge:       time.Hour,
		},
		Log: LogConfig{Level: "error"},
	}
}
