//go:build e2e

// Package e2e drives the cloudsync binary against a live cloud. The cloud
// is named by CLOUDSYNC_TEST_CLOUD, must be listed in
// CLOUDSYNC_ALLOWED_TEST_CLOUDS, and is configured in .testdata/config.toml
// (with .testdata/tokens/<cloud>.json for OAuth2 providers). HOME and the
// XDG directories are redirected so no production state is touched.
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/cloudsync-go/internal/config"
	"github.com/tonimelisma/cloudsync-go/testutil"
)

var (
	binaryPath string
	cloud      string
)

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	moduleRoot := testutil.FindModuleRoot("..")
	testutil.LoadDotEnv(filepath.Join(moduleRoot, ".env"))

	var err error

	cloud, err = testutil.CheckAllowlist("CLOUDSYNC_TEST_CLOUD")
	if err != nil {
		fmt.Fprintln(os.Stderr, "FATAL:", err)
		return 1
	}

	credDir, err := testutil.CredentialDir(moduleRoot)
	if err != nil {
		fmt.Fprintln(os.Stderr, "FATAL:", err)
		return 1
	}

	tmpDir, err := os.MkdirTemp("", "cloudsync-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: creating temp dir: %v\n", err)
		return 1
	}
	defer os.RemoveAll(tmpDir)

	restore, err := isolate(tmpDir, credDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "FATAL:", err)
		return 1
	}
	defer restore()

	binaryPath = filepath.Join(tmpDir, "cloudsync")

	build := exec.Command("go", "build", "-o", binaryPath, ".")
	build.Dir = moduleRoot
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr

	if err := build.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: building binary: %v\n", err)
		return 1
	}

	return m.Run()
}

// isolate points HOME and XDG directories at tmpDir and copies the test
// config and token there. The returned func copies a rotated token back
// so the next run starts from the freshest refresh token.
func isolate(tmpDir, credDir string) (func(), error) {
	for _, v := range []string{config.EnvConfig, config.EnvCloud, config.EnvPassword} {
		os.Unsetenv(v)
	}

	env := map[string]string{
		"HOME":            filepath.Join(tmpDir, "home"),
		"XDG_CONFIG_HOME": filepath.Join(tmpDir, "config"),
		"XDG_DATA_HOME":   filepath.Join(tmpDir, "data"),
	}

	for k, v := range env {
		if err := os.MkdirAll(v, 0o700); err != nil {
			return nil, err
		}

		os.Setenv(k, v)
	}

	if err := testutil.CopyFile(filepath.Join(credDir, "config.toml"), config.DefaultConfigPath(), 0o600); err != nil {
		return nil, fmt.Errorf("copying config: %w", err)
	}

	srcToken := filepath.Join(credDir, "tokens", testutil.TokenFileName(cloud))
	dstToken := filepath.Join(config.DefaultDataDir(), "tokens", testutil.TokenFileName(cloud))

	err := testutil.CopyFile(srcToken, dstToken, 0o600)

	switch {
	case os.IsNotExist(err):
		// Username/password cloud.
		return func() {}, nil
	case err != nil:
		return nil, fmt.Errorf("copying token: %w", err)
	}

	return func() {
		if err := testutil.CopyFile(dstToken, srcToken, 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: saving rotated token: %v\n", err)
		}
	}, nil
}

func runCLI(t *testing.T, args ...string) (string, string) {
	t.Helper()

	stdout, stderr, err := tryCLI(args...)
	if err != nil {
		t.Fatalf("cloudsync %v failed: %v\nstdout: %s\nstderr: %s", args, err, stdout, stderr)
	}

	return stdout, stderr
}

func tryCLI(args ...string) (string, string, error) {
	cmd := exec.Command(binaryPath, append([]string{"--cloud", cloud}, args...)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	return stdout.String(), stderr.String(), err
}

func testFolder(t *testing.T) string {
	t.Helper()

	folder := fmt.Sprintf("/cloudsync-e2e-%d", time.Now().UnixNano())

	t.Cleanup(func() {
		_, _, _ = tryCLI("rm", "-r", folder)
	})

	return folder
}

func TestE2E_Whoami(t *testing.T) {
	stdout, _ := runCLI(t, "whoami", "--json")

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, cloud, out["cloud"])
	assert.NotEmpty(t, out["provider"])
}

func TestE2E_RoundTrip(t *testing.T) {
	folder := testFolder(t)
	content := []byte("Hello from the cloudsync E2E test!\n")

	local := filepath.Join(t.TempDir(), "test.txt")
	require.NoError(t, os.WriteFile(local, content, 0o600))

	runCLI(t, "mkdir", "-p", folder+"/sub")
	runCLI(t, "put", local, folder)

	stdout, _ := runCLI(t, "ls", folder)
	assert.Contains(t, stdout, "sub/")
	assert.Contains(t, stdout, "test.txt")

	stdout, _ = runCLI(t, "stat", folder+"/test.txt", "--json")

	var st map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &st))
	assert.InDelta(t, len(content), st["size"], 0)

	stdout, _ = runCLI(t, "cat", folder+"/test.txt")
	assert.Equal(t, string(content), stdout)

	// put without --overwrite refuses to replace.
	_, stderr, err := tryCLI("put", local, folder+"/test.txt")
	require.Error(t, err)
	assert.Contains(t, stderr, "--overwrite")

	require.NoError(t, os.WriteFile(local, []byte("v2"), 0o600))
	runCLI(t, "put", "--overwrite", local, folder+"/test.txt")

	runCLI(t, "mv", folder+"/test.txt", folder+"/sub")

	downloaded := filepath.Join(t.TempDir(), "out.txt")
	runCLI(t, "get", folder+"/sub/test.txt", downloaded)

	data, err := os.ReadFile(downloaded)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	_, _, err = tryCLI("rm", folder+"/sub")
	require.Error(t, err, "folder delete requires -r")

	runCLI(t, "rm", "-r", folder+"/sub")

	_, _, err = tryCLI("stat", folder+"/sub")
	require.Error(t, err)
}

func TestE2E_Mirror(t *testing.T) {
	folder := testFolder(t)

	local := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(local, "nested"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(local, "a.txt"), []byte("alpha"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(local, "nested", "b.txt"), []byte("beta"), 0o600))

	stdout, _ := runCLI(t, "mirror", "--json", local, folder)

	var rep map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
	assert.InDelta(t, 2, rep["uploaded"], 0)

	stdout, _ = runCLI(t, "mirror", "--json", local, folder)
	require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
	assert.InDelta(t, 0, rep["uploaded"], 0)
	assert.InDelta(t, 2, rep["skipped"], 0)

	stdout, _ = runCLI(t, "cat", folder+"/nested/b.txt")
	assert.Equal(t, "beta", stdout)
}
