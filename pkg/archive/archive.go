// Package archive streams embedded metadata members out of conda package
// archives without extracting anything to disk.
package archive

import (
	"archive/tar"
	"archive/zip"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/glorpus-work/conda-index/pkg/conda"
	"github.com/glorpus-work/conda-index/pkg/errors"
	"github.com/mholt/archives"
)

// Metadata member paths inside an archive.
const (
	MemberIndexJSON      = "info/index.json"
	MemberAbout          = "info/about.json"
	MemberRecipeRendered = "info/recipe/meta.yaml.rendered"
	MemberRecipe         = "info/recipe/meta.yaml"
	MemberRecipeLog      = "info/recipe_log.json"
	MemberRunExports     = "info/run_exports.json"
	MemberPaths          = "info/paths.json"
	MemberIcon           = "info/icon.png"
)

// DefaultWanted returns a fresh set of every member the indexer can use.
func DefaultWanted() map[string]bool {
	return map[string]bool{
		MemberIndexJSON:      true,
		MemberAbout:          true,
		MemberRecipeRendered: true,
		MemberRecipe:         true,
		MemberRecipeLog:      true,
		MemberRunExports:     true,
		MemberPaths:          true,
		MemberIcon:           true,
	}
}

// VisitFunc receives one metadata member. It may delete entries from the
// wanted set passed to ReadMetadata to stop looking for alternates (the
// recipe fallback, the usually-absent icon).
type VisitFunc func(name string, data []byte) error

// Reader streams metadata members from .conda and .tar.bz2 archives.
type Reader struct{}

// NewReader creates a new Reader instance.
func NewReader() *Reader {
	return &Reader{}
}

// ReadMetadata opens the archive at path and calls visit for each member
// present in wanted, removing each found member from wanted. The archive is
// closed as soon as wanted becomes empty; members never found are not an
// error. Only metadata members are read.
func (r *Reader) ReadMetadata(ctx context.Context, path string, wanted map[string]bool, visit VisitFunc) error {
	return r.ReadComponent(ctx, path, "info", wanted, visit)
}

// ReadComponent is ReadMetadata for an arbitrary .conda component ("info"
// or "pkg"). A .tar.bz2 archive has a single component; the argument is
// ignored for that format.
func (r *Reader) ReadComponent(ctx context.Context, path, component string, wanted map[string]bool, visit VisitFunc) error {
	switch {
	case strings.HasSuffix(path, conda.ExtensionV2):
		return r.readConda(ctx, path, component, wanted, visit)
	case strings.HasSuffix(path, conda.ExtensionV1):
		return r.readTarBz2(ctx, path, wanted, visit)
	default:
		return errors.Wrapf(errors.ErrUnknownExtension, "%s", path)
	}
}

// readConda reads one inner <component>-*.tar.zst entry of the zip
// container. Indexing reads only info-*; the pkg-* payload entry is never
// opened.
func (r *Reader) readConda(ctx context.Context, path, component string, wanted map[string]bool, visit VisitFunc) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return errors.Wrapf(errors.ErrArchiveMalformed, "%s: %s", path, err)
	}
	defer func() { _ = zr.Close() }()

	var info *zip.File
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, component+"-") && strings.HasSuffix(f.Name, ".tar.zst") {
			info = f
			break
		}
	}
	if info == nil {
		return errors.Wrapf(errors.ErrArchiveMalformed, "%s: no %s-*.tar.zst entry", path, component)
	}

	entry, err := info.Open()
	if err != nil {
		return errors.Wrapf(errors.ErrArchiveMalformed, "%s/%s: %s", path, info.Name, err)
	}
	defer func() { _ = entry.Close() }()

	decompressed, err := archives.Zstd{}.OpenReader(entry)
	if err != nil {
		return errors.Wrapf(errors.ErrArchiveMalformed, "%s: %s", path, err)
	}
	defer func() { _ = decompressed.Close() }()

	return r.scanTar(ctx, path, tar.NewReader(decompressed), wanted, visit)
}

func (r *Reader) readTarBz2(ctx context.Context, path string, wanted map[string]bool, visit VisitFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	decompressed, err := archives.Bz2{}.OpenReader(f)
	if err != nil {
		return errors.Wrapf(errors.ErrArchiveMalformed, "%s: %s", path, err)
	}
	defer func() { _ = decompressed.Close() }()

	return r.scanTar(ctx, path, tar.NewReader(decompressed), wanted, visit)
}

// scanTar walks tar entries, delivering wanted members until the set is
// drained or the stream ends.
func (r *Reader) scanTar(ctx context.Context, path string, tr *tar.Reader, wanted map[string]bool, visit VisitFunc) error {
	for len(wanted) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(errors.ErrArchiveMalformed, "%s: %s", path, err)
		}
		// members may be stored with or without a leading ./
		name := strings.TrimPrefix(hdr.Name, "./")
		if !wanted[name] {
			continue
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return errors.Wrapf(errors.ErrArchiveMalformed, "%s/%s: %s", path, name, err)
		}
		delete(wanted, name)
		if err := visit(name, data); err != nil {
			return err
		}
	}
	return nil
}

// Digests carries whole-archive checksums and size.
type Digests struct {
	MD5    string
	Sha256 string
	Size   int64
}

// FileDigests computes md5, sha256 and size of the archive bytes in one
// streaming pass.
func FileDigests(path string) (Digests, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digests{}, err
	}
	defer func() { _ = f.Close() }()

	md5sum := md5.New()
	shasum := sha256.New()
	size, err := io.Copy(io.MultiWriter(md5sum, shasum), f)
	if err != nil {
		return Digests{}, fmt.Errorf("checksum %s: %w", path, err)
	}
	return Digests{
		MD5:    hex.EncodeToString(md5sum.Sum(nil)),
		Sha256: hex.EncodeToString(shasum.Sum(nil)),
		Size:   size,
	}, nil
}
