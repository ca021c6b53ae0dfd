// Package cache stores extracted package metadata per subdir, keyed by
// archive filename, and tracks per-stage file fingerprints so the indexer
// only re-extracts archives that changed.
package cache

import (
	"context"
	"strings"

	"github.com/glorpus-work/conda-index/pkg/errors"
)

// Stage tags name the producer of a fingerprint in the stat table. The core
// emits exactly these two; additional tags are opaque.
const (
	StageFs      = "fs"
	StageIndexed = "indexed"
)

// Backend selects the cache implementation.
type Backend string

const (
	// BackendSQLite stores each subdir's cache in <subdir>/.cache/cache.db.
	BackendSQLite Backend = "sqlite"
	// BackendPostgres stores all subdirs of all channels in one shared
	// database, keyed by a per-channel prefix.
	BackendPostgres Backend = "postgresql"
)

// Payload table names. Payload bodies are opaque blobs re-parsed as JSON on
// demand; icon is raw PNG bytes.
const (
	TableIndexJSON   = "index_json"
	TableAbout       = "about"
	TableRecipe      = "recipe"
	TableRecipeLog   = "recipe_log"
	TableRunExports  = "run_exports"
	TablePostInstall = "post_install"
	TableIcon        = "icon"
)

// PayloadTables lists every payload table in alphabetical order.
var PayloadTables = []string{
	TableAbout,
	TableIcon,
	TableIndexJSON,
	TablePostInstall,
	TableRecipe,
	TableRecipeLog,
	TableRunExports,
}

// Stat is one row of the stat table: a path's fingerprint as seen by one
// stage. Mtime is seconds and may carry a fractional part; hash fields are
// advisory.
type Stat struct {
	Path         string
	Mtime        float64
	Size         int64
	Sha256       string
	Md5          string
	LastModified string
	ETag         string
}

// Fresh reports whether other records the same (mtime, size) fingerprint.
func (s Stat) Fresh(other Stat) bool {
	return s.Mtime == other.Mtime && s.Size == other.Size
}

// PackageData is everything the channeldata builder needs for one archive.
type PackageData struct {
	IndexJSON   []byte
	About       []byte
	Recipe      []byte
	PostInstall []byte
	RunExports  []byte
	Icon        []byte
	Mtime       float64
}

// Store is the backend-agnostic cache contract for one subdir.
type Store interface {
	// SaveFsState atomically replaces the whole fs stage for this subdir.
	SaveFsState(ctx context.Context, stats []Stat) error

	// ChangedPaths yields the stats of upstream paths whose fingerprint
	// differs from the indexed stage, or that have no indexed row.
	ChangedPaths(ctx context.Context) ([]Stat, error)

	// StorePackage replaces the payload rows named by payload's keys and
	// upserts the indexed stat row, all in one transaction. st carries the
	// upstream fingerprint plus computed digests.
	StorePackage(ctx context.Context, st Stat, payload map[string][]byte) error

	// IndexedPackages calls fn for every path present in the upstream
	// stage, fresh in the indexed stage, and present in index_json,
	// ordered by path.
	IndexedPackages(ctx context.Context, fn func(path string, indexJSON []byte) error) error

	// RunExports calls fn for every indexed path that has a run_exports
	// payload, ordered by path.
	RunExports(ctx context.Context, fn func(path string, runExports []byte) error) error

	// PackageData loads the cached metadata blobs for a single path.
	PackageData(ctx context.Context, path string) (*PackageData, error)

	// ChannelURLFormatVersion returns the stored CEP-15 format version.
	ChannelURLFormatVersion(ctx context.Context) (int, error)

	// Close releases the database handle.
	Close() error
}

// Config selects and parameterizes a backend.
type Config struct {
	Backend Backend
	// DBURL is the server connection URL (postgresql backend only).
	DBURL string
	// UpstreamStage overrides the stage compared against indexed.
	UpstreamStage string
}

func (c Config) upstream() string {
	if c.UpstreamStage != "" {
		return c.UpstreamStage
	}
	return StageFs
}

// Open creates or opens the cache for one subdir of a channel, creating the
// schema and running migrations if needed.
func Open(ctx context.Context, channelRoot, subdir string, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendSQLite:
		return openSQLite(ctx, channelRoot, subdir, cfg)
	case BackendPostgres:
		return openPostgres(ctx, channelRoot, subdir, cfg)
	default:
		return nil, errors.Wrapf(errors.ErrUnknownBackend, "%s", cfg.Backend)
	}
}

// plainPath strips any database prefix, leaving the archive basename.
func plainPath(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
