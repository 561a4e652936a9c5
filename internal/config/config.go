// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for the liveconnect CLI. Values resolve
// through a four-layer override chain: defaults -> config file ->
// environment -> CLI flags.
package config

// Config is the parsed configuration file. All keys are flat top-level keys.
type Config struct {
	// ClientID is the OAuth2 application (client) ID.
	ClientID string   `toml:"client_id"`
	Tenant   string   `toml:"tenant"`
	Scopes   []string `toml:"scopes"`
	BaseURL  string   `toml:"base_url"`
	// LoginFlow is "device" or "browser".
	LoginFlow string `toml:"login_flow"`
	// ChunkSize is a size string; it must be a multiple of 320 KiB.
	ChunkSize   string `toml:"chunk_size"`
	LogLevel    string `toml:"log_level"`
	TokenPath   string `toml:"token_path"`
	MetricsAddr string `toml:"metrics_addr"`
	UserAgent   string `toml:"user_agent"`
}

// CLIOverrides holds values from CLI flags. Pointer fields distinguish "not
// specified" (nil) from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath  string  // --config flag (empty = use default)
	ClientID    *string // --client-id
	TokenPath   *string // --token-path
	LoginFlow   *string // --browser / --device
	MetricsAddr *string // --metrics-addr
}

// Resolved is a fully merged, validated configuration ready for use.
type Resolved struct {
	Config

	// ChunkBytes is ChunkSize parsed to bytes.
	ChunkBytes int64
	// Path is the config file that was read, or "" when defaults were used.
	Path string
}
