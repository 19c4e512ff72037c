// Package testutil provides shared environment helpers for live E2E tests.
// It depends only on the standard library.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AllowlistEnv names the comma-separated list of clouds E2E tests may
// touch. A typo in the test cloud name must never reach a production
// account.
const AllowlistEnv = "CLOUDSYNC_ALLOWED_TEST_CLOUDS"

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly).
// Existing env vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// CheckAllowlist reports an error unless the cloud named by cloudEnvVar is
// set and listed in AllowlistEnv.
func CheckAllowlist(cloudEnvVar string) (string, error) {
	allowlist := os.Getenv(AllowlistEnv)
	if allowlist == "" {
		return "", fmt.Errorf("%s not set (example: %s=e2e-onedrive,e2e-s3)", AllowlistEnv, AllowlistEnv)
	}

	cloud := os.Getenv(cloudEnvVar)
	if cloud == "" {
		return "", fmt.Errorf("%s not set", cloudEnvVar)
	}

	for _, a := range strings.Split(allowlist, ",") {
		if strings.TrimSpace(a) == cloud {
			return cloud, nil
		}
	}

	return "", fmt.Errorf("%s=%q is not in %s=%q", cloudEnvVar, cloud, AllowlistEnv, allowlist)
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}

// CredentialDir returns .testdata/ below moduleRoot. It must hold
// config.toml and, for OAuth2 clouds, tokens/<cloud>.json.
func CredentialDir(moduleRoot string) (string, error) {
	dir := filepath.Join(moduleRoot, ".testdata")

	if _, err := os.Stat(filepath.Join(dir, "config.toml")); err != nil {
		return "", fmt.Errorf("test credentials missing: %w (create .testdata/config.toml and run 'cloudsync login' against it)", err)
	}

	return dir, nil
}

// TokenFileName returns the token file name the CLI uses for cloud.
func TokenFileName(cloud string) string {
	return cloud + ".json"
}

// CopyFile copies src to dst with the given permissions. A missing src is
// reported as os.ErrNotExist.
func CopyFile(src, dst string, perm os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}

	return os.WriteFile(dst, data, perm)
}
