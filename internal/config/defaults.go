package config

// Default values for configuration options. These are "layer 0" of the
// override chain and work without any config file.
const (
	defaultLogLevel      = "info"
	defaultLogFormat     = "auto"
	defaultTimeout       = "60s"
	defaultMirrorWorkers = 4
	defaultDebounce      = "2s"
	defaultMaxFileSize   = "0"
)

// DefaultConfig returns a Config populated with all default values.
// TOML decoding starts from it so unset fields retain defaults.
func DefaultConfig() *Config {
	return &Config{
		Clouds: make(map[string]Cloud),
		Logging: LoggingConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Network: NetworkConfig{
			Timeout: defaultTimeout,
		},
		Mirror: MirrorConfig{
			Workers:     defaultMirrorWorkers,
			Debounce:    defaultDebounce,
			MaxFileSize: defaultMaxFileSize,
		},
	}
}
