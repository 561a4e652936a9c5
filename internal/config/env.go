package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig    = "LIVECONNECT_CONFIG"
	EnvClientID  = "LIVECONNECT_CLIENT_ID"
	EnvTokenPath = "LIVECONNECT_TOKEN_PATH"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // LIVECONNECT_CONFIG: override config file path
	ClientID   string // LIVECONNECT_CLIENT_ID: OAuth2 client ID
	TokenPath  string // LIVECONNECT_TOKEN_PATH: token file location
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		ClientID:   os.Getenv(EnvClientID),
		TokenPath:  os.Getenv(EnvTokenPath),
	}
}
