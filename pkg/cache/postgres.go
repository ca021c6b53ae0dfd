package cache

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"

	"github.com/glorpus-work/conda-index/pkg/errors"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// schemaVersion is the newest server schema this build understands.
const schemaVersion = 1

// channelPrefixPattern prevents SQL LIKE abuse from a hand-edited sidecar.
var channelPrefixPattern = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

var postgresSchema = []string{
	"CREATE TABLE IF NOT EXISTS about (path TEXT PRIMARY KEY, about BYTEA)",
	"CREATE TABLE IF NOT EXISTS index_json (path TEXT PRIMARY KEY, index_json BYTEA)",
	"CREATE TABLE IF NOT EXISTS recipe (path TEXT PRIMARY KEY, recipe BYTEA)",
	"CREATE TABLE IF NOT EXISTS recipe_log (path TEXT PRIMARY KEY, recipe_log BYTEA)",
	"CREATE TABLE IF NOT EXISTS run_exports (path TEXT PRIMARY KEY, run_exports BYTEA)",
	"CREATE TABLE IF NOT EXISTS post_install (path TEXT PRIMARY KEY, post_install BYTEA)",
	"CREATE TABLE IF NOT EXISTS icon (path TEXT PRIMARY KEY, icon_png BYTEA)",
	`CREATE TABLE IF NOT EXISTS stat (
		stage TEXT NOT NULL DEFAULT 'indexed',
		path TEXT NOT NULL,
		mtime DOUBLE PRECISION,
		size BIGINT,
		sha256 TEXT,
		md5 TEXT,
		last_modified TEXT,
		etag TEXT
	)`,
	"CREATE UNIQUE INDEX IF NOT EXISTS idx_stat ON stat (path, stage)",
	"CREATE INDEX IF NOT EXISTS idx_stat_stage ON stat (stage, path)",
	"CREATE TABLE IF NOT EXISTS config (key TEXT PRIMARY KEY, value TEXT)",
	"INSERT INTO config (key, value) VALUES ('channel_url_format_version', '2') ON CONFLICT (key) DO NOTHING",
	"CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)",
}

// openPostgres connects to the shared server database. All subdirs of all
// channels live in one schema; each channel's rows are keyed under an opaque
// random prefix so cross-subdir writers never contend.
func openPostgres(ctx context.Context, channelRoot, subdir string, cfg Config) (Store, error) {
	if cfg.DBURL == "" {
		return nil, errors.Wrap(errors.ErrValidation, "postgresql backend requires a database URL")
	}

	prefix, err := channelPrefix(channelRoot)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.DBURL)
	if err != nil {
		return nil, errors.Wrap(err, "open server cache")
	}

	for _, stmt := range postgresSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "create schema")
		}
	}
	if err := migratePostgres(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &sqlStore{
		db:       db,
		prefix:   prefix + "/" + subdir + "/",
		upstream: cfg.upstream(),
		rebind:   numbered,
	}, nil
}

func migratePostgres(ctx context.Context, db *sql.DB) error {
	var version int
	err := db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		_, err = db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES ($1)", schemaVersion)
		return err
	}
	if err != nil {
		return err
	}
	if version > schemaVersion {
		return errors.Wrapf(errors.ErrCacheTooNew, "schema version %d > %d", version, schemaVersion)
	}
	return nil
}

type sidecarManifest struct {
	ChannelPrefix string `json:"channel_prefix"`
}

// channelPrefix reads or creates <channelRoot>/.cache/cache.json so the
// channel keeps the same random prefix across runs.
func channelPrefix(channelRoot string) (string, error) {
	sidecar := filepath.Join(channelRoot, cacheDirName, "cache.json")

	data, err := os.ReadFile(sidecar)
	if os.IsNotExist(err) {
		raw := make([]byte, 8)
		if _, err := rand.Read(raw); err != nil {
			return "", err
		}
		manifest := sidecarManifest{ChannelPrefix: hex.EncodeToString(raw)}
		encoded, err := json.Marshal(manifest)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(sidecar), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(sidecar, encoded, 0o644); err != nil {
			return "", err
		}
		return manifest.ChannelPrefix, nil
	}
	if err != nil {
		return "", err
	}

	var manifest sidecarManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return "", errors.Wrapf(err, "parse %s", sidecar)
	}
	if !channelPrefixPattern.MatchString(manifest.ChannelPrefix) {
		return "", errors.Wrapf(errors.ErrValidation, "%s contains invalid channel_prefix %q", sidecar, manifest.ChannelPrefix)
	}
	return manifest.ChannelPrefix, nil
}
