package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Defaults(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty client id", func(c *Config) { c.ClientID = " " }, "client_id"},
		{"empty tenant", func(c *Config) { c.Tenant = "" }, "tenant"},
		{"scope with space", func(c *Config) { c.Scopes = []string{"a b"} }, "scopes"},
		{"base url scheme", func(c *Config) { c.BaseURL = "ftp://x" }, "base_url"},
		{"base url host", func(c *Config) { c.BaseURL = "https://" }, "base_url"},
		{"login flow", func(c *Config) { c.LoginFlow = "sms" }, "login_flow"},
		{"chunk unaligned", func(c *Config) { c.ChunkSize = "1MiB" }, "chunk_size"},
		{"chunk too big", func(c *Config) { c.ChunkSize = "100MiB" }, "chunk_size"},
		{"chunk zero", func(c *Config) { c.ChunkSize = "0" }, "chunk_size"},
		{"chunk garbage", func(c *Config) { c.ChunkSize = "lots" }, "chunk_size"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"token path", func(c *Config) { c.TokenPath = "" }, "token_path"},
		{"metrics addr", func(c *Config) { c.MetricsAddr = "9100" }, "metrics_addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_AccumulatesErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LoginFlow = "x"
	cfg.LogLevel = "y"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login_flow")
	assert.Contains(t, err.Error(), "log_level")
}

func TestValidate_AlignedChunkSizes(t *testing.T) {
	for _, s := range []string{"320KiB", "640KiB", "10MiB", "60MiB"} {
		cfg := DefaultConfig()
		cfg.ChunkSize = s
		assert.NoError(t, Validate(cfg), s)
	}
}
