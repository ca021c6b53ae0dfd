package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glorpus-work/conda-index/internal/logger"
	"github.com/glorpus-work/conda-index/pkg/errors"
	_ "modernc.org/sqlite"
)

// userVersion is the newest sqlite schema this build understands.
const userVersion = 1

const (
	cacheDirName = ".cache"
	dbFileName   = "cache.db"
	// LockFileName guards the cache against concurrent indexers.
	LockFileName = ".lock"
)

var sqliteSchema = []string{
	// BLOB columns are a little faster to LENGTH(col) than TEXT
	"CREATE TABLE IF NOT EXISTS about (path TEXT PRIMARY KEY, about BLOB)",
	// index is a sql keyword
	"CREATE TABLE IF NOT EXISTS index_json (path TEXT PRIMARY KEY, index_json BLOB)",
	"CREATE TABLE IF NOT EXISTS recipe (path TEXT PRIMARY KEY, recipe BLOB)",
	"CREATE TABLE IF NOT EXISTS recipe_log (path TEXT PRIMARY KEY, recipe_log BLOB)",
	"CREATE TABLE IF NOT EXISTS run_exports (path TEXT PRIMARY KEY, run_exports BLOB)",
	"CREATE TABLE IF NOT EXISTS post_install (path TEXT PRIMARY KEY, post_install BLOB)",
	"CREATE TABLE IF NOT EXISTS icon (path TEXT PRIMARY KEY, icon_png BLOB)",
	`CREATE TABLE IF NOT EXISTS stat (
		stage TEXT NOT NULL DEFAULT 'indexed',
		path TEXT NOT NULL,
		mtime REAL,
		size INTEGER,
		sha256 TEXT,
		md5 TEXT,
		last_modified TEXT,
		etag TEXT
	)`,
	"CREATE UNIQUE INDEX IF NOT EXISTS idx_stat ON stat (path, stage)",
	"CREATE INDEX IF NOT EXISTS idx_stat_stage ON stat (stage, path)",
	"CREATE TABLE IF NOT EXISTS config (key TEXT PRIMARY KEY, value TEXT)",
	"INSERT INTO config (key, value) VALUES ('channel_url_format_version', '2') ON CONFLICT (key) DO NOTHING",
}

// openSQLite opens <channelRoot>/<subdir>/.cache/cache.db, creating the
// directory, the schema and running migrations as needed. A brand-new
// database triggers a one-shot conversion of any legacy per-file cache tree.
func openSQLite(ctx context.Context, channelRoot, subdir string, cfg Config) (Store, error) {
	cacheDir := filepath.Join(channelRoot, subdir, cacheDirName)
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create cache directory %s", cacheDir)
	}

	dbFile := filepath.Join(cacheDir, dbFileName)
	_, statErr := os.Stat(dbFile)
	brandNew := os.IsNotExist(statErr)

	// rollback journal, not WAL: the cache may live on a network filesystem
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(DELETE)&_pragma=busy_timeout(10000)", dbFile)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", dbFile)
	}
	// one writer at a time per file
	db.SetMaxOpenConns(1)

	if err := createSQLiteSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	store := &sqlStore{db: db, upstream: cfg.upstream(), rebind: identity}

	if brandNew {
		if err := convertLegacyCache(ctx, store, cacheDir); err != nil {
			// leave no half-converted database behind; the next run retries
			_ = db.Close()
			_ = os.Remove(dbFile)
			return nil, errors.Wrap(err, "convert legacy cache")
		}
	}

	return store, nil
}

func createSQLiteSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "create schema")
		}
	}
	return nil
}

// migrateSQLite upgrades older schemas in place. Version 0 databases may
// still hold channel/subdir-prefixed paths from very old caches.
func migrateSQLite(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if version > userVersion {
		return errors.Wrapf(errors.ErrCacheTooNew, "user_version %d > %d", version, userVersion)
	}
	if version > 0 {
		return nil
	}

	logger.Debug("migrate cache database")

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range append(append([]string{}, PayloadTables...), "stat") {
		if err := stripPathPrefixes(ctx, tx, table); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	// PRAGMA can't accept ?-substitution
	_, err = db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d", userVersion))
	return err
}

// stripPathPrefixes rewrites {channel}/{subdir}/{fn} keys to bare filenames.
func stripPathPrefixes(ctx context.Context, tx *sql.Tx, table string) error {
	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf("SELECT path FROM %s WHERE INSTR(path, '/')", table))
	if err != nil {
		return err
	}
	var prefixed []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			_ = rows.Close()
			return err
		}
		prefixed = append(prefixed, path)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, path := range prefixed {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE OR IGNORE %s SET path = ? WHERE path = ?", table),
			plainPath(path), path); err != nil {
			return err
		}
	}
	return nil
}
