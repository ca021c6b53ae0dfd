package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDBURL gates the postgres tests on a reachable server, e.g.
// postgres://conda_index_test@localhost/conda_index_test
func testDBURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("CONDA_INDEX_TEST_DBURL")
	if url == "" {
		t.Skip("CONDA_INDEX_TEST_DBURL not set")
	}
	return url
}

func TestChannelPrefixSidecar(t *testing.T) {
	channelRoot := t.TempDir()

	first, err := channelPrefix(channelRoot)
	require.NoError(t, err)
	assert.Regexp(t, "^[0-9a-f]{16}$", first)

	// stable across calls
	second, err := channelPrefix(channelRoot)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	raw, err := os.ReadFile(filepath.Join(channelRoot, ".cache", "cache.json"))
	require.NoError(t, err)
	var manifest map[string]string
	require.NoError(t, json.Unmarshal(raw, &manifest))
	assert.Equal(t, first, manifest["channel_prefix"])

	// distinct channels get distinct prefixes
	other, err := channelPrefix(t.TempDir())
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestChannelPrefixRejectsTampering(t *testing.T) {
	channelRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(channelRoot, ".cache"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(channelRoot, ".cache", "cache.json"),
		[]byte(`{"channel_prefix": "evil/../%"}`), 0o644))

	_, err := channelPrefix(channelRoot)
	assert.Error(t, err)
}

// TestPostgresTwoChannels indexes two channels into one shared database and
// checks they stay independent under their prefixes.
func TestPostgresTwoChannels(t *testing.T) {
	url := testDBURL(t)
	ctx := context.Background()

	openChannel := func(name string) (Store, string) {
		channelRoot := filepath.Join(t.TempDir(), name)
		require.NoError(t, os.MkdirAll(filepath.Join(channelRoot, "noarch"), 0o755))
		store, err := Open(ctx, channelRoot, "noarch", Config{Backend: BackendPostgres, DBURL: url})
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store, channelRoot
	}

	storeX, _ := openChannel("channel-x")
	storeY, _ := openChannel("channel-y")

	stX := Stat{Path: "x-1.0-0.conda", Mtime: 1, Size: 1}
	stY := Stat{Path: "y-1.0-0.conda", Mtime: 1, Size: 1}
	require.NoError(t, storeX.SaveFsState(ctx, []Stat{stX}))
	require.NoError(t, storeY.SaveFsState(ctx, []Stat{stY}))
	require.NoError(t, storeX.StorePackage(ctx, stX, map[string][]byte{
		TableIndexJSON: []byte(`{"name":"x","version":"1.0","build":"0"}`),
	}))
	require.NoError(t, storeY.StorePackage(ctx, stY, map[string][]byte{
		TableIndexJSON: []byte(`{"name":"y","version":"1.0","build":"0"}`),
	}))

	var pathsX, pathsY []string
	require.NoError(t, storeX.IndexedPackages(ctx, func(path string, _ []byte) error {
		pathsX = append(pathsX, path)
		return nil
	}))
	require.NoError(t, storeY.IndexedPackages(ctx, func(path string, _ []byte) error {
		pathsY = append(pathsY, path)
		return nil
	}))

	assert.Equal(t, []string{"x-1.0-0.conda"}, pathsX)
	assert.Equal(t, []string{"y-1.0-0.conda"}, pathsY)
}
