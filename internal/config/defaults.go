package config

// Default values for configuration options, the "layer 0" of the override
// chain. They work without any config file.
const (
	// DefaultClientID is the public client registered for liveconnect
	// (multi-tenant + personal accounts).
	DefaultClientID  = "8efac532-bbe7-4bc5-919c-1443ccab860a"
	defaultTenant    = "common"
	defaultBaseURL   = "https://graph.microsoft.com/v1.0"
	defaultLoginFlow = "device"
	defaultChunkSize = "10MiB"
	defaultLogLevel  = "warn"
)

var defaultScopes = []string{
	"offline_access",
	"Files.ReadWrite.All",
	"User.Read",
}

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding so unset keys keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		ClientID:  DefaultClientID,
		Tenant:    defaultTenant,
		Scopes:    append([]string(nil), defaultScopes...),
		BaseURL:   defaultBaseURL,
		LoginFlow: defaultLoginFlow,
		ChunkSize: defaultChunkSize,
		LogLevel:  defaultLogLevel,
		TokenPath: DefaultTokenPath(),
	}
}
