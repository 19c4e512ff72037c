package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "CLOUDSYNC_CONFIG"
	EnvCloud    = "CLOUDSYNC_CLOUD"
	EnvPassword = "CLOUDSYNC_PASSWORD"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // CLOUDSYNC_CONFIG: override config file path
	Cloud      string // CLOUDSYNC_CLOUD: active cloud name
	Password   string // CLOUDSYNC_PASSWORD: password for the active cloud
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Cloud:      os.Getenv(EnvCloud),
		Password:   os.Getenv(EnvPassword),
	}
}

// CLIOverrides holds values from command-line flags. Empty strings mean the
// flag was not given.
type CLIOverrides struct {
	ConfigPath string
	Cloud      string
}
