// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for cloudsync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags). Each
// [cloud.<name>] section describes one account on one provider.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Clouds  map[string]Cloud `toml:"cloud"`
	Logging LoggingConfig    `toml:"logging"`
	Network NetworkConfig    `toml:"network"`
	Mirror  MirrorConfig     `toml:"mirror"`
}

// Cloud is one configured account. Provider is a registry id such as
// "nextcloud" or "s3". Settings are passed through to the backend verbatim.
type Cloud struct {
	Provider     string            `toml:"provider"`
	URL          string            `toml:"url"`
	Username     string            `toml:"username"`
	Password     string            `toml:"password"`
	PasswordEnv  string            `toml:"password_env"`
	ClientID     string            `toml:"client_id"`
	ClientSecret string            `toml:"client_secret"`
	TokenFile    string            `toml:"token_file"`
	Proxy        string            `toml:"proxy"`
	Settings     map[string]string `toml:"settings"`
}

// LoggingConfig controls log verbosity, format, and an optional log file.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// NetworkConfig controls the HTTP client shared by every backend.
type NetworkConfig struct {
	Timeout   string `toml:"timeout"`
	UserAgent string `toml:"user_agent"`
}

// MirrorConfig controls the one-way local-to-cloud mirror.
type MirrorConfig struct {
	Workers      int    `toml:"workers"`
	StateDir     string `toml:"state_dir"`
	Debounce     string `toml:"debounce"`
	MaxFileSize  string `toml:"max_file_size"`
	SkipDotfiles bool   `toml:"skip_dotfiles"`
}
