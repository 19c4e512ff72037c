package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Errors returned when no cloud can be selected.
var (
	ErrNoClouds     = errors.New("no clouds configured")
	ErrAmbiguous    = errors.New("several clouds configured; select one with --cloud or " + EnvCloud)
	ErrUnknownCloud = errors.New("cloud not configured")
)

const (
	tokensSubdir      = "tokens"
	mirrorStateSubdir = "mirror"
)

// Resolved is the fully merged configuration for one cloud, with every
// string-typed duration and size already parsed.
type Resolved struct {
	Name  string
	Cloud Cloud

	Logging LoggingConfig
	Network NetworkConfig
	Mirror  MirrorConfig

	Timeout     time.Duration
	Debounce    time.Duration
	MaxFileSize int64

	// TokenPath is where OAuth2 tokens for this cloud are persisted.
	TokenPath string
	// StateDir holds the mirror state databases.
	StateDir string
}

// ResolveCloud selects a cloud from cfg and merges it with the global
// sections. An empty name picks the only configured cloud.
func ResolveCloud(cfg *Config, name string, env EnvOverrides) (*Resolved, error) {
	name, err := selectCloud(cfg, name)
	if err != nil {
		return nil, err
	}

	c := cfg.Clouds[name]

	switch {
	case env.Password != "":
		c.Password = env.Password
	case c.PasswordEnv != "":
		c.Password = os.Getenv(c.PasswordEnv)
	}

	r := &Resolved{
		Name:    name,
		Cloud:   c,
		Logging: cfg.Logging,
		Network: cfg.Network,
		Mirror:  cfg.Mirror,
	}

	if r.Timeout, err = time.ParseDuration(cfg.Network.Timeout); err != nil {
		return nil, fmt.Errorf("network.timeout: %w", err)
	}

	if r.Debounce, err = time.ParseDuration(cfg.Mirror.Debounce); err != nil {
		return nil, fmt.Errorf("mirror.debounce: %w", err)
	}

	if r.MaxFileSize, err = ParseSize(cfg.Mirror.MaxFileSize); err != nil {
		return nil, fmt.Errorf("mirror.max_file_size: %w", err)
	}

	r.TokenPath = expandHome(c.TokenFile)
	if r.TokenPath == "" {
		r.TokenPath = filepath.Join(DefaultDataDir(), tokensSubdir, name+".json")
	}

	r.StateDir = expandHome(cfg.Mirror.StateDir)
	if r.StateDir == "" {
		r.StateDir = filepath.Join(DefaultDataDir(), mirrorStateSubdir)
	}

	return r, nil
}

func selectCloud(cfg *Config, name string) (string, error) {
	if name != "" {
		if _, ok := cfg.Clouds[name]; !ok {
			return "", fmt.Errorf("%w: %q (available: %s)", ErrUnknownCloud, name, strings.Join(CloudNames(cfg), ", "))
		}

		return name, nil
	}

	switch len(cfg.Clouds) {
	case 0:
		return "", ErrNoClouds
	case 1:
		return CloudNames(cfg)[0], nil
	default:
		return "", ErrAmbiguous
	}
}

// CloudNames returns the configured cloud names in sorted order.
func CloudNames(cfg *Config) []string {
	names := make([]string, 0, len(cfg.Clouds))
	for name := range cfg.Clouds {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}

	return filepath.Join(home, p[2:])
}
