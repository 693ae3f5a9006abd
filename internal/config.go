package internal

import (
	"fmt"
	"path/filepath"
	"sendme/auth"
	"sendme/domain"
	"sendme/runtime"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	LogLevel       string `env:"LOG_LEVEL,default=INFO"`
	BadgerFilepath string `env:"BADGER_FILEPATH,required=true"`
	Host           string `env:"HOST,default=localhost"`
	Port           int    `env:"PORT,default=7070"`
	// Endpoint is what senders dial, when it differs from Host:Port.
	Endpoint string `env:"ENDPOINT"`

	AuthSecret        string        `env:"AUTH_SECRET,required=true"`
	AuthTokenDuration time.Duration `env:"AUTH_TOKEN_DURATION,default=24h"`

	ChunkSize        int           `env:"CHUNK_SIZE,default=65536"`
	MaxChunkSize     int           `env:"MAX_CHUNK_SIZE,default=1048576"`
	Window           int           `env:"WINDOW,default=8"`
	AckBackoffBase   time.Duration `env:"ACK_BACKOFF_BASE,default=500ms"`
	AckBackoffFactor float64       `env:"ACK_BACKOFF_FACTOR,default=2"`
	AckBackoffCap    time.Duration `env:"ACK_BACKOFF_CAP,default=8s"`
	MaxChunkAttempts int           `env:"MAX_CHUNK_ATTEMPTS,default=6"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT,default=10s"`
	HeartbeatEvery   time.Duration `env:"HEARTBEAT_EVERY,default=5s"`
	HeartbeatTimeout time.Duration `env:"HEARTBEAT_TIMEOUT,default=15s"`
	MaxRetries       int           `env:"MAX_RETRIES,default=5"`
	MaxVerifyPasses  int           `env:"MAX_VERIFY_PASSES,default=3"`
	Compress         bool          `env:"COMPRESS,default=true"`

	WatchResync       time.Duration `env:"WATCH_RESYNC,default=1s"`
	JanitorInterval   time.Duration `env:"JANITOR_INTERVAL,default=1m"`
	InactivityTimeout time.Duration `env:"INACTIVITY_TIMEOUT,default=24h"`

	// Participant is who the files of the outbox are sent as. The outbox is
	// off when it is empty.
	Participant string        `env:"PARTICIPANT"`
	SpoolDir    string        `env:"SPOOL_DIR,default=spool"`
	SpoolScan   time.Duration `env:"SPOOL_SCAN,default=2s"`
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	return config, nil
}

func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AdvertisedEndpoint is the endpoint receivers publish in their sessions.
func (c Config) AdvertisedEndpoint() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return c.Address()
}

// Policy converts the transfer knobs and validates them.
func (c Config) Policy() (runtime.Policy, error) {
	p := runtime.Policy{
		ChunkSize:        c.ChunkSize,
		MaxChunkSize:     c.MaxChunkSize,
		Window:           c.Window,
		AckBackoff:       runtime.Backoff{Base: c.AckBackoffBase, Factor: c.AckBackoffFactor, Cap: c.AckBackoffCap},
		MaxChunkAttempts: c.MaxChunkAttempts,
		HandshakeTimeout: c.HandshakeTimeout,
		HeartbeatEvery:   c.HeartbeatEvery,
		HeartbeatTimeout: c.HeartbeatTimeout,
		Limits:           domain.Limits{MaxRetries: c.MaxRetries, MaxVerifyPasses: c.MaxVerifyPasses},
		Compress:         c.Compress,
	}
	if err := p.Validate(); err != nil {
		return runtime.Policy{}, err
	}
	return p, nil
}

func (c Config) InboxDir() string {
	return filepath.Join(c.SpoolDir, "inbox")
}

func (c Config) OutboxDir() string {
	return filepath.Join(c.SpoolDir, "outbox")
}

func (c Config) Issuer() auth.IssuerConfig {
	return auth.IssuerConfig{Secret: c.AuthSecret, TTL: c.AuthTokenDuration}
}
