package tokenfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func testToken(access string) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  access,
		RefreshToken: "refresh-" + access,
		TokenType:    "Bearer",
		Expiry:       time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func tokenPath(t *testing.T) string {
	t.Helper()

	return filepath.Join(t.TempDir(), "tokens", "work.json")
}

func TestLoad_FileNotFound(t *testing.T) {
	tok, meta, err := Load("/nonexistent/path/token.json")
	assert.Nil(t, tok)
	assert.Nil(t, meta)
	assert.NoError(t, err)
}

func TestSave_RoundTrip(t *testing.T) {
	path := tokenPath(t)
	meta := map[string]string{MetaProvider: "onedrive", MetaDisplayName: "Alice"}

	require.NoError(t, Save(path, testToken("a1"), meta))

	tok, loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "a1", tok.AccessToken)
	assert.Equal(t, "refresh-a1", tok.RefreshToken)
	assert.True(t, tok.Expiry.Equal(time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, meta, loaded)
}

func TestSave_CreatesDirectoryWithOwnerOnlyFile(t *testing.T) {
	path := tokenPath(t)

	require.NoError(t, Save(path, testToken("a"), nil))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePerms), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestSave_NilToken(t *testing.T) {
	err := Save(tokenPath(t), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to save nil token")
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bare token", `{"access_token":"old","refresh_token":"old"}`, "missing token field"},
		{"invalid json", `{not json}`, "decoding"},
		{"empty credentials", `{"token":{"token_type":"Bearer"}}`, "empty credentials"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "token.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			tok, meta, err := Load(path)
			assert.Nil(t, tok)
			assert.Nil(t, meta)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestReadMeta(t *testing.T) {
	meta, err := ReadMeta("/nonexistent/path/token.json")
	assert.Nil(t, meta)
	require.NoError(t, err)

	path := tokenPath(t)
	require.NoError(t, Save(path, testToken("a"), map[string]string{MetaDisplayName: "Bob"}))

	meta, err = ReadMeta(path)
	require.NoError(t, err)
	assert.Equal(t, "Bob", meta[MetaDisplayName])
}

func TestLoadAndMergeMeta(t *testing.T) {
	path := tokenPath(t)
	require.NoError(t, Save(path, testToken("a"), map[string]string{
		MetaProvider:    "dropbox",
		MetaDisplayName: "Old Name",
	}))

	require.NoError(t, LoadAndMergeMeta(path, map[string]string{MetaDisplayName: "New Name"}))

	tok, meta, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "a", tok.AccessToken)
	assert.Equal(t, "dropbox", meta[MetaProvider])
	assert.Equal(t, "New Name", meta[MetaDisplayName])

	err = LoadAndMergeMeta("/nonexistent/path/token.json", map[string]string{"k": "v"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no token file")
}

func TestRemove(t *testing.T) {
	path := tokenPath(t)
	require.NoError(t, Save(path, testToken("a"), nil))

	require.NoError(t, Remove(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, Remove(path), "removing twice is fine")
}

func TestPersister_KeepsMetadata(t *testing.T) {
	path := tokenPath(t)
	require.NoError(t, Save(path, testToken("a"), map[string]string{MetaProvider: "gdrive"}))

	p := NewPersister(path, nil)
	p.Save(testToken("b"))

	tok, meta, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "b", tok.AccessToken)
	assert.Equal(t, "gdrive", meta[MetaProvider])
}

func TestPersister_CreatesMissingFile(t *testing.T) {
	path := tokenPath(t)

	NewPersister(path, nil).Save(testToken("c"))

	tok, meta, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "c", tok.AccessToken)
	assert.Nil(t, meta)
}
