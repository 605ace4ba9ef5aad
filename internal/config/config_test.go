package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"MESSAGE_HMAC_SECRET", "WAKU_DEDUP_MAX", "INBOX_MAX", "WAKU_STORE_BACKFILL_INTERVAL", "TRANSPORT", "ARCHIVE", "WAKU_PUBSUB_TOPIC"} {
		t.Setenv(key, "")
	}

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.DedupMax)
	assert.Equal(t, 200, cfg.InboxMax)
	assert.Equal(t, 10*time.Second, cfg.BackfillInterval)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, TransportWaku, cfg.Transport)
	assert.Equal(t, "/app/agents/1", cfg.PubsubTopic)
	assert.Empty(t, cfg.HMACSecret)
}

func TestLoad_EnvAndFlags(t *testing.T) {
	t.Setenv("MESSAGE_HMAC_SECRET", "from-env")
	t.Setenv("WAKU_DEDUP_MAX", "42")
	t.Setenv("WAKU_STORE_BACKFILL_INTERVAL", "3")
	t.Setenv("TRANSPORT", "redis")

	cfg, err := Load([]string{"--hmac-secret", "from-flag", "--inbox-max", "7"})
	require.NoError(t, err)

	assert.Equal(t, "from-flag", cfg.HMACSecret)
	assert.Equal(t, 42, cfg.DedupMax)
	assert.Equal(t, 7, cfg.InboxMax)
	assert.Equal(t, 3*time.Second, cfg.BackfillInterval)
	assert.Equal(t, TransportRedis, cfg.Transport)
}

func TestLoad_MalformedInt(t *testing.T) {
	t.Setenv("WAKU_DEDUP_MAX", "abc")
	t.Setenv("POLL_INTERVAL_MS", "1s")
	t.Setenv("INBOX_MAX", " 12 ")

	_, err := Load(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), `WAKU_DEDUP_MAX="abc"`)
	assert.Contains(t, err.Error(), `POLL_INTERVAL_MS="1s"`)
	assert.NotContains(t, err.Error(), "INBOX_MAX")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DedupMax:         1,
			InboxMax:         1,
			BackfillInterval: time.Second,
			PollInterval:     time.Second,
			TransportTimeout: time.Second,
			StorePageSize:    1,
			StoreMaxPages:    1,
			PubsubTopic:      "/app/agents/1",
			Transport:        TransportWaku,
			Archive:          ArchiveRedis,
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero dedup", func(c *Config) { c.DedupMax = 0 }},
		{"negative inbox", func(c *Config) { c.InboxMax = -1 }},
		{"zero backfill", func(c *Config) { c.BackfillInterval = 0 }},
		{"empty pubsub topic", func(c *Config) { c.PubsubTopic = "" }},
		{"unknown transport", func(c *Config) { c.Transport = "carrier-pigeon" }},
		{"unknown archive", func(c *Config) { c.Archive = "tape" }},
	}

	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.ErrorIs(t, c.Validate(), ErrInvalid)
		})
	}
}
