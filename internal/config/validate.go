package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"time"
)

// Validation bounds.
const (
	minTimeout     = 1 * time.Second
	minWorkers     = 1
	maxWorkers     = 64
	minDebounce    = 100 * time.Millisecond
	maxCloudNameLn = 64
)

var cloudNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Validate checks all configuration values and returns every error found,
// joined. Provider ids are not checked here; the registry owns that list.
func Validate(cfg *Config) error {
	var errs []error

	names := make([]string, 0, len(cfg.Clouds))
	for name := range cfg.Clouds {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		errs = append(errs, validateCloud(name, cfg.Clouds[name])...)
	}

	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateMirror(&cfg.Mirror)...)

	return errors.Join(errs...)
}

func validateCloud(name string, c Cloud) []error {
	var errs []error

	if len(name) > maxCloudNameLn || !cloudNamePattern.MatchString(name) {
		errs = append(errs, fmt.Errorf("cloud %q: invalid name", name))
	}

	if c.Provider == "" {
		errs = append(errs, fmt.Errorf("cloud.%s.provider: required", name))
	}

	if c.URL != "" {
		if err := validateURL(c.URL); err != nil {
			errs = append(errs, fmt.Errorf("cloud.%s.url: %w", name, err))
		}
	}

	if c.Proxy != "" {
		if err := validateURL(c.Proxy); err != nil {
			errs = append(errs, fmt.Errorf("cloud.%s.proxy: %w", name, err))
		}
	}

	if c.Password != "" && c.PasswordEnv != "" {
		errs = append(errs, fmt.Errorf("cloud.%s: password and password_env are mutually exclusive", name))
	}

	return errs
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("missing host")
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.Level] {
		errs = append(errs, fmt.Errorf("logging.level: must be one of debug, info, warn, error; got %q", l.Level))
	}

	if !validLogFormats[l.Format] {
		errs = append(errs, fmt.Errorf("logging.format: must be one of auto, text, json; got %q", l.Format))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateNetwork(n *NetworkConfig) []error {
	return validateDurationMin("network.timeout", n.Timeout, minTimeout)
}

func validateMirror(m *MirrorConfig) []error {
	var errs []error

	if m.Workers < minWorkers || m.Workers > maxWorkers {
		errs = append(errs, fmt.Errorf("mirror.workers: must be between %d and %d, got %d",
			minWorkers, maxWorkers, m.Workers))
	}

	errs = append(errs, validateDurationMin("mirror.debounce", m.Debounce, minDebounce)...)

	if _, err := ParseSize(m.MaxFileSize); err != nil {
		errs = append(errs, fmt.Errorf("mirror.max_file_size: %w", err))
	}

	return errs
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, value)}
	}

	return nil
}
