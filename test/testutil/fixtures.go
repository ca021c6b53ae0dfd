// Package testutil builds real conda package archives for tests.
package testutil

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mholt/archives"
	"github.com/stretchr/testify/require"
)

// PackageSpec describes a test package.
type PackageSpec struct {
	Name        string
	Version     string
	Build       string
	BuildNumber int
	Depends     []string
	// Extra members added under info/ (e.g. "info/about.json").
	Members map[string][]byte
	// IndexExtra merges additional fields into info/index.json.
	IndexExtra map[string]any
}

// Filename returns the package basename without extension.
func (s PackageSpec) Filename() string {
	build := s.Build
	if build == "" {
		build = "0"
	}
	return s.Name + "-" + s.Version + "-" + build
}

func (s PackageSpec) indexJSON(t *testing.T, subdir string) []byte {
	t.Helper()
	build := s.Build
	if build == "" {
		build = "0"
	}
	depends := s.Depends
	if depends == nil {
		depends = []string{}
	}
	doc := map[string]any{
		"name":         s.Name,
		"version":      s.Version,
		"build":        build,
		"build_number": s.BuildNumber,
		"depends":      depends,
		"license":      "BSD-3-Clause",
		"subdir":       subdir,
		"timestamp":    1700000000000,
	}
	for k, v := range s.IndexExtra {
		doc[k] = v
	}
	encoded, err := json.Marshal(doc)
	require.NoError(t, err)
	return encoded
}

func (s PackageSpec) members(t *testing.T, subdir string) map[string][]byte {
	t.Helper()
	members := map[string][]byte{
		"info/index.json": s.indexJSON(t, subdir),
	}
	for name, data := range s.Members {
		members[name] = data
	}
	return members
}

// tarball builds an uncompressed tar stream of the given members.
func tarball(t *testing.T, members map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	// deterministic member order keeps fixture bytes stable; index.json
	// first so short-circuit reads behave like real packages
	names := make([]string, 0, len(members))
	for name := range members {
		if name != "info/index.json" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := members["info/index.json"]; ok {
		names = append([]string{"info/index.json"}, names...)
	}
	for _, name := range names {
		data := members[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: time.Unix(1700000000, 0),
		}))
		_, err := tw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// CreateCondaPackage writes a .conda archive (zip of zstd tarballs) for
// spec at path.
func CreateCondaPackage(t *testing.T, path, subdir string, spec PackageSpec) {
	t.Helper()

	encoder, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer encoder.Close()

	infoTar := tarball(t, spec.members(t, subdir))
	pkgTar := tarball(t, map[string][]byte{
		"lib/" + spec.Name + ".txt": []byte(spec.Name + " payload\n"),
	})

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	metadata, err := zw.Create("metadata.json")
	require.NoError(t, err)
	_, err = metadata.Write([]byte(`{"conda_pkg_format_version": 2}`))
	require.NoError(t, err)

	for _, component := range []struct {
		prefix  string
		content []byte
	}{{"info", infoTar}, {"pkg", pkgTar}} {
		entry, err := zw.Create(component.prefix + "-" + spec.Filename() + ".tar.zst")
		require.NoError(t, err)
		_, err = entry.Write(encoder.EncodeAll(component.content, nil))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

// CreateTarBz2Package writes a legacy .tar.bz2 archive for spec at path.
func CreateTarBz2Package(t *testing.T, path, subdir string, spec PackageSpec) {
	t.Helper()

	members := spec.members(t, subdir)
	members["lib/"+spec.Name+".txt"] = []byte(spec.Name + " payload\n")
	content := tarball(t, members)

	var buf bytes.Buffer
	w, err := archives.Bz2{}.OpenWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

// WritePackage writes spec into subdirPath using the extension implied by
// basename and returns the archive's full path.
func WritePackage(t *testing.T, subdirPath, basename string, spec PackageSpec) string {
	t.Helper()
	path := filepath.Join(subdirPath, basename)
	subdir := filepath.Base(subdirPath)
	switch filepath.Ext(basename) {
	case ".conda":
		CreateCondaPackage(t, path, subdir, spec)
	default:
		CreateTarBz2Package(t, path, subdir, spec)
	}
	return path
}
