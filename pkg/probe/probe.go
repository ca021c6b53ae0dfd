// Package probe enumerates the package archives a subdir currently offers.
// The result becomes the cache's upstream stage; anything not listed here
// never reaches repodata.json.
package probe

import (
	"context"
	"os"
	"strings"

	"github.com/glorpus-work/conda-index/pkg/cache"
	"github.com/glorpus-work/conda-index/pkg/conda"
)

// Prober lists archives and their cheap fingerprints. Implementations may
// read a local directory, a remote object store listing, or nothing at all
// (manual insertion into the cache's upstream stage).
type Prober interface {
	List(ctx context.Context, subdirPath string) ([]cache.Stat, error)
}

// DefaultExcludes are well-known non-package files living next to archives.
var DefaultExcludes = []string{
	"repodata.json",
	"repodata_from_packages.json",
	"current_repodata.json",
	"run_exports.json",
	"patch_instructions.json",
	"index.html",
	".cache",
}

// LocalFS probes a local directory, recording (path, mtime, size) for every
// non-hidden entry carrying a recognized package extension.
type LocalFS struct {
	// Excludes extends DefaultExcludes. Matched against basenames.
	Excludes []string
}

// NewLocalFS creates a LocalFS prober.
func NewLocalFS() *LocalFS {
	return &LocalFS{}
}

// List implements Prober.
func (p *LocalFS) List(ctx context.Context, subdirPath string) ([]cache.Stat, error) {
	entries, err := os.ReadDir(subdirPath)
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]bool, len(DefaultExcludes)+len(p.Excludes))
	for _, name := range DefaultExcludes {
		excluded[name] = true
	}
	for _, name := range p.Excludes {
		excluded[name] = true
	}

	var stats []cache.Stat
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || excluded[name] || strings.HasPrefix(name, ".") {
			continue
		}
		if !conda.IsPackageFile(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// deleted between ReadDir and Info; treat as absent
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		stats = append(stats, cache.Stat{
			Path:  name,
			Mtime: mtimeSeconds(info.ModTime().UnixNano()),
			Size:  info.Size(),
		})
	}
	return stats, nil
}

// External is a no-op prober for channels whose upstream stage is populated
// out of band, e.g. phantom channels aggregating packages not on disk.
type External struct{}

// List implements Prober by listing nothing.
func (External) List(context.Context, string) ([]cache.Stat, error) {
	return nil, nil
}

// mtimeSeconds converts nanoseconds to float seconds, truncating to whole
// seconds when the filesystem's resolution is coarser than one second.
func mtimeSeconds(nanos int64) float64 {
	if nanos%1e9 == 0 {
		return float64(nanos / 1e9)
	}
	return float64(nanos) / 1e9
}

var _ Prober = (*LocalFS)(nil)
var _ Prober = External{}
