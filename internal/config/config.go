package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
)

const (
	TransportWaku  = "waku"
	TransportRedis = "redis"

	ArchiveRedis = "redis"
	ArchiveMongo = "mongo"
)

var ErrInvalid = errors.New("invalid configuration")

// Config holds every option the relay server recognizes.
type Config struct {
	HTTPAddr string

	// HMACSecret signs outgoing envelopes and verifies incoming ones. Empty disables both.
	HMACSecret string

	DedupMax         int
	InboxMax         int
	BackfillInterval time.Duration
	PollInterval     time.Duration

	Transport        string
	TransportTimeout time.Duration
	PubsubTopic      string

	WakuNodeURL   string
	StorePageSize int
	StoreMaxPages int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Archive  string
	MongoURI string
	MongoDB  string

	LogLevel string
	LogJSON  bool
}

// Load reads a .env file when present, then the environment, then command line flags.
// Flags win over the environment.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load()

	env := &envReader{}
	cfg := &Config{
		HTTPAddr:         getEnv("HTTP_ADDR", "localhost:9090"),
		HMACSecret:       os.Getenv("MESSAGE_HMAC_SECRET"),
		DedupMax:         env.getInt("WAKU_DEDUP_MAX", 500),
		InboxMax:         env.getInt("INBOX_MAX", 200),
		BackfillInterval: time.Duration(env.getInt("WAKU_STORE_BACKFILL_INTERVAL", 10)) * time.Second,
		PollInterval:     time.Duration(env.getInt("POLL_INTERVAL_MS", 1000)) * time.Millisecond,
		Transport:        getEnv("TRANSPORT", TransportWaku),
		TransportTimeout: time.Duration(env.getInt("TRANSPORT_TIMEOUT_SECONDS", 10)) * time.Second,
		PubsubTopic:      getEnv("WAKU_PUBSUB_TOPIC", "/app/agents/1"),
		WakuNodeURL:      getEnv("WAKU_NODE_URL", "http://localhost:8645"),
		StorePageSize:    env.getInt("STORE_PAGE_SIZE", 50),
		StoreMaxPages:    env.getInt("STORE_MAX_PAGES", 10),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          env.getInt("REDIS_DB", 0),
		Archive:          getEnv("ARCHIVE", ArchiveRedis),
		MongoURI:         getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:          getEnv("MONGO_DB", "mydb"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogJSON:          strings.EqualFold(os.Getenv("LOG_FORMAT"), "json"),
	}

	flagSet := pflag.NewFlagSet("relay-server", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "address the HTTP API listens on")
	flagSet.StringVar(&cfg.HMACSecret, "hmac-secret", cfg.HMACSecret, "shared secret used to sign and verify envelopes")
	flagSet.IntVar(&cfg.DedupMax, "dedup-max", cfg.DedupMax, "fingerprints remembered per agent")
	flagSet.IntVar(&cfg.InboxMax, "inbox-max", cfg.InboxMax, "undelivered records kept per agent")
	flagSet.DurationVar(&cfg.BackfillInterval, "backfill-interval", cfg.BackfillInterval, "minimum time between store queries for one agent")
	flagSet.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "reconciliation loop period")
	flagSet.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport backend: waku or redis")
	flagSet.DurationVar(&cfg.TransportTimeout, "transport-timeout", cfg.TransportTimeout, "per-call transport timeout")
	flagSet.StringVar(&cfg.PubsubTopic, "pubsub-topic", cfg.PubsubTopic, "default pubsub topic")
	flagSet.StringVar(&cfg.WakuNodeURL, "waku-url", cfg.WakuNodeURL, "nwaku REST endpoint")
	flagSet.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address for the redis transport")
	flagSet.StringVar(&cfg.Archive, "archive", cfg.Archive, "message archive for the redis transport: redis or mongo")
	flagSet.StringVar(&cfg.MongoURI, "mongo-uri", cfg.MongoURI, "mongodb connection string")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if env.err != nil {
		return nil, env.err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.DedupMax <= 0:
		return fmt.Errorf("%w: dedup max must be positive, got %d", ErrInvalid, c.DedupMax)
	case c.InboxMax <= 0:
		return fmt.Errorf("%w: inbox max must be positive, got %d", ErrInvalid, c.InboxMax)
	case c.BackfillInterval <= 0:
		return fmt.Errorf("%w: backfill interval must be positive", ErrInvalid)
	case c.PollInterval <= 0:
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalid)
	case c.TransportTimeout <= 0:
		return fmt.Errorf("%w: transport timeout must be positive", ErrInvalid)
	case c.StorePageSize <= 0 || c.StoreMaxPages <= 0:
		return fmt.Errorf("%w: store paging must be positive", ErrInvalid)
	case c.PubsubTopic == "":
		return fmt.Errorf("%w: pubsub topic is empty", ErrInvalid)
	}

	switch c.Transport {
	case TransportWaku, TransportRedis:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, c.Transport)
	}

	switch c.Archive {
	case ArchiveRedis, ArchiveMongo:
	default:
		return fmt.Errorf("%w: unknown archive %q", ErrInvalid, c.Archive)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envReader collects every malformed value instead of stopping at the first.
type envReader struct {
	err error
}

func (r *envReader) getInt(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		r.err = multierr.Append(r.err, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, key, value))
		return defaultValue
	}
	return n
}
