package cloudsync_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync/memory"
)

func TestRegistry_UnknownProvider(t *testing.T) {
	reg := cloudsync.NewRegistry()

	_, err := reg.Create("nope", cloudsync.NewBasicCredentials("a", "b"))
	assert.ErrorIs(t, err, cloudsync.ErrUnknownProvider)

	_, isCloudErr := cloudsync.KindOf(err)
	assert.False(t, isCloudErr)
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	reg := cloudsync.NewRegistry()
	require.NoError(t, reg.Register("memory", memory.NewConstructor))
	assert.Error(t, reg.Register("memory", memory.NewConstructor))
	assert.Error(t, reg.Register("", memory.NewConstructor))
}

func TestRegistry_ProvidersSorted(t *testing.T) {
	reg := cloudsync.NewRegistry()
	require.NoError(t, reg.Register("webdav", memory.NewConstructor))
	require.NoError(t, reg.Register("dropbox", memory.NewConstructor))

	assert.Equal(t, []string{"dropbox", "webdav"}, reg.Providers())
}

func TestRegistry_PassesOptionsToBackend(t *testing.T) {
	var got cloudsync.BackendConfig

	reg := cloudsync.NewRegistry()
	require.NoError(t, reg.Register("custom", func(cfg cloudsync.BackendConfig) (cloudsync.Backend, error) {
		got = cfg
		return memory.New(), nil
	}))

	creds := cloudsync.NewBasicCredentials("a", "b")

	c, err := reg.Create("custom", creds,
		cloudsync.WithEndpoint("https://dav.example.com"),
		cloudsync.WithSetting("bucket", "photos"),
		cloudsync.WithProxy("http://proxy.local:3128"),
	)
	require.NoError(t, err)
	assert.Equal(t, "custom", c.Provider())

	assert.Equal(t, "https://dav.example.com", got.Endpoint)
	assert.Equal(t, "photos", got.Setting("bucket", ""))
	assert.Equal(t, "fallback", got.Setting("region", "fallback"))
	assert.Same(t, creds, got.Credentials())

	tr, ok := got.HTTPClient.Transport.(*http.Transport)
	require.True(t, ok)
	require.NotNil(t, tr.Proxy)

	req, err := http.NewRequest(http.MethodGet, "https://dav.example.com/", nil)
	require.NoError(t, err)

	proxyURL, err := tr.Proxy(req)
	require.NoError(t, err)
	assert.Equal(t, "proxy.local:3128", proxyURL.Host)
}

func TestRegistry_InvalidProxy(t *testing.T) {
	reg := cloudsync.NewRegistry()
	require.NoError(t, reg.Register("memory", memory.NewConstructor))

	_, err := reg.Create("memory", nil, cloudsync.WithProxy("://bad"))
	assert.Error(t, err)
}
