package internal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	req := require.New(t)
	t.Setenv("BADGER_FILEPATH", t.TempDir())
	t.Setenv("AUTH_SECRET", "0123456789abcdef0123456789abcdef")

	config, err := LoadConfig()
	req.NoError(err)

	policy, err := config.Policy()
	req.NoError(err)
	req.Equal(65536, policy.ChunkSize)
	req.Equal(8, policy.Window)
	req.Equal(500*time.Millisecond, policy.AckBackoff.Base)
	req.Equal(3, policy.Limits.MaxVerifyPasses)
	req.True(policy.Compress)
	req.Equal("localhost:7070", config.AdvertisedEndpoint())
	req.Empty(config.Participant)
	req.Equal(filepath.Join("spool", "inbox"), config.InboxDir())
	req.Equal(filepath.Join("spool", "outbox"), config.OutboxDir())
	req.Equal(2*time.Second, config.SpoolScan)
}

func TestLoadConfig_MissingSecret(t *testing.T) {
	t.Setenv("BADGER_FILEPATH", t.TempDir())

	_, err := LoadConfig()

	require.Error(t, err)
}

func TestConfig_Policy_Invalid(t *testing.T) {
	req := require.New(t)
	t.Setenv("BADGER_FILEPATH", t.TempDir())
	t.Setenv("AUTH_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("HEARTBEAT_EVERY", "30s")
	t.Setenv("HEARTBEAT_TIMEOUT", "10s")
	t.Setenv("ENDPOINT", "relay.example.com:443")

	config, err := LoadConfig()
	req.NoError(err)
	req.Equal("relay.example.com:443", config.AdvertisedEndpoint())

	// A heartbeat timeout shorter than the heartbeat period is refused
	_, err = config.Policy()
	req.Error(err)
}
