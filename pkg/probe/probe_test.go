package probe

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFSList(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"a-1.0-0.conda":   "conda bytes",
		"b-2.0-0.tar.bz2": "bz2 bytes",
		"repodata.json":   "{}",
		"index.html":      "<html></html>",
		".hidden.conda":   "nope",
		"notes.txt":       "nope",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".cache"), 0o755))

	stats, err := NewLocalFS().List(context.Background(), dir)
	require.NoError(t, err)

	var names []string
	for _, st := range stats {
		names = append(names, st.Path)
		assert.Positive(t, st.Size)
		assert.Positive(t, st.Mtime)
	}
	assert.ElementsMatch(t, []string{"a-1.0-0.conda", "b-2.0-0.tar.bz2"}, names)
}

func TestLocalFSExcludes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep-1.0-0.conda"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip-1.0-0.conda"), []byte("x"), 0o644))

	prober := &LocalFS{Excludes: []string{"skip-1.0-0.conda"}}
	stats, err := prober.List(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "keep-1.0-0.conda", stats[0].Path)
}

func TestExternalListsNothing(t *testing.T) {
	stats, err := External{}.List(context.Background(), "/nonexistent")
	require.NoError(t, err)
	assert.Empty(t, stats)
}
