package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/glorpus-work/conda-index/pkg/errors"
)

// sqlStore implements Store over database/sql. Both backends share the same
// DML; the dialect only differs in placeholder style and DDL.
type sqlStore struct {
	db *sql.DB
	// prefix is prepended to basenames to form the logical path: empty for
	// the per-subdir sqlite file, "<channel_prefix>/<subdir>/" for the
	// shared server backend.
	prefix   string
	upstream string
	// rebind rewrites ? placeholders for the backend's driver.
	rebind func(string) string
}

// identity keeps ? placeholders as-is (sqlite).
func identity(query string) string { return query }

// numbered rewrites ? to $1..$N (postgres).
func numbered(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) dbPath(fn string) string {
	return s.prefix + fn
}

func (s *sqlStore) pathLike() string {
	return s.prefix + "%"
}

// columnFor maps a payload table to its blob column.
func columnFor(table string) string {
	if table == TableIcon {
		return "icon_png"
	}
	return table
}

func validTable(table string) bool {
	for _, t := range PayloadTables {
		if t == table {
			return true
		}
	}
	return false
}

func (s *sqlStore) SaveFsState(ctx context.Context, stats []Stat) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		s.rebind("DELETE FROM stat WHERE stage = ? AND path LIKE ?"),
		StageFs, s.pathLike(),
	); err != nil {
		return errors.Wrap(err, "clear fs stage")
	}

	insert := s.rebind(`
		INSERT INTO stat (stage, path, mtime, size, sha256, md5, last_modified, etag)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (stage, path) DO UPDATE SET
			mtime = excluded.mtime, size = excluded.size,
			sha256 = excluded.sha256, md5 = excluded.md5,
			last_modified = excluded.last_modified, etag = excluded.etag`)
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, st := range stats {
		if _, err := stmt.ExecContext(ctx, StageFs, s.dbPath(st.Path), st.Mtime, st.Size,
			nullable(st.Sha256), nullable(st.Md5), nullable(st.LastModified), nullable(st.ETag)); err != nil {
			return errors.Wrapf(err, "save fs state for %s", st.Path)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) ChangedPaths(ctx context.Context) ([]Stat, error) {
	query := s.rebind(`
		SELECT fs.path, fs.mtime, fs.size, fs.sha256, fs.md5
		FROM stat fs
		LEFT JOIN stat cached ON cached.path = fs.path AND cached.stage = ?
		WHERE fs.stage = ? AND fs.path LIKE ?
			AND (cached.path IS NULL OR fs.mtime != cached.mtime OR fs.size != cached.size)
		ORDER BY fs.path`)
	rows, err := s.db.QueryContext(ctx, query, StageIndexed, s.upstream, s.pathLike())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var changed []Stat
	for rows.Next() {
		var st Stat
		var path string
		var sha256, md5 sql.NullString
		if err := rows.Scan(&path, &st.Mtime, &st.Size, &sha256, &md5); err != nil {
			return nil, err
		}
		st.Path = plainPath(path)
		st.Sha256 = sha256.String
		st.Md5 = md5.String
		changed = append(changed, st)
	}
	return changed, rows.Err()
}

func (s *sqlStore) StorePackage(ctx context.Context, st Stat, payload map[string][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	path := s.dbPath(st.Path)

	tables := make([]string, 0, len(payload))
	for table := range payload {
		if !validTable(table) {
			return errors.Wrapf(errors.ErrValidation, "unknown payload table %q", table)
		}
		tables = append(tables, table)
	}
	sort.Strings(tables)

	for _, table := range tables {
		column := columnFor(table)
		query := s.rebind(fmt.Sprintf(
			"INSERT INTO %s (path, %s) VALUES (?, ?) ON CONFLICT (path) DO UPDATE SET %s = excluded.%s",
			table, column, column, column))
		if _, err := tx.ExecContext(ctx, query, path, payload[table]); err != nil {
			return errors.Wrapf(err, "store %s for %s", table, st.Path)
		}
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO stat (stage, path, mtime, size, sha256, md5)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (stage, path) DO UPDATE SET
			mtime = excluded.mtime, size = excluded.size,
			sha256 = excluded.sha256, md5 = excluded.md5`),
		StageIndexed, path, st.Mtime, st.Size, nullable(st.Sha256), nullable(st.Md5)); err != nil {
		return errors.Wrapf(err, "store indexed stat for %s", st.Path)
	}

	return tx.Commit()
}

func (s *sqlStore) IndexedPackages(ctx context.Context, fn func(path string, indexJSON []byte) error) error {
	query := s.rebind(`
		SELECT fs.path, index_json.index_json
		FROM stat fs
		JOIN stat ix ON ix.path = fs.path AND ix.stage = ?
		JOIN index_json ON index_json.path = fs.path
		WHERE fs.stage = ? AND fs.path LIKE ?
			AND fs.mtime = ix.mtime AND fs.size = ix.size
		ORDER BY fs.path`)
	rows, err := s.db.QueryContext(ctx, query, StageIndexed, s.upstream, s.pathLike())
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var path string
		var indexJSON []byte
		if err := rows.Scan(&path, &indexJSON); err != nil {
			return err
		}
		if err := fn(plainPath(path), indexJSON); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *sqlStore) RunExports(ctx context.Context, fn func(path string, runExports []byte) error) error {
	query := s.rebind(`
		SELECT fs.path, run_exports.run_exports
		FROM stat fs
		JOIN stat ix ON ix.path = fs.path AND ix.stage = ?
		JOIN run_exports ON run_exports.path = fs.path
		WHERE fs.stage = ? AND fs.path LIKE ?
			AND fs.mtime = ix.mtime AND fs.size = ix.size
		ORDER BY fs.path`)
	rows, err := s.db.QueryContext(ctx, query, StageIndexed, s.upstream, s.pathLike())
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var path string
		var exports []byte
		if err := rows.Scan(&path, &exports); err != nil {
			return err
		}
		if len(exports) == 0 {
			continue
		}
		if err := fn(plainPath(path), exports); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *sqlStore) PackageData(ctx context.Context, fn string) (*PackageData, error) {
	path := s.dbPath(fn)

	var mtime sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		s.rebind("SELECT mtime FROM stat WHERE stage = ? AND path = ?"),
		s.upstream, path).Scan(&mtime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// every payload table must join ON path or this would cross join
	query := s.rebind(`
		SELECT index_json.index_json, about.about, recipe.recipe,
			post_install.post_install, run_exports.run_exports, icon.icon_png
		FROM index_json
		LEFT JOIN about ON about.path = index_json.path
		LEFT JOIN recipe ON recipe.path = index_json.path
		LEFT JOIN post_install ON post_install.path = index_json.path
		LEFT JOIN run_exports ON run_exports.path = index_json.path
		LEFT JOIN icon ON icon.path = index_json.path
		WHERE index_json.path = ?`)

	data := &PackageData{Mtime: mtime.Float64}
	err = s.db.QueryRowContext(ctx, query, path).Scan(
		&data.IndexJSON, &data.About, &data.Recipe,
		&data.PostInstall, &data.RunExports, &data.Icon)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *sqlStore) ChannelURLFormatVersion(ctx context.Context) (int, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		s.rebind("SELECT value FROM config WHERE key = ?"),
		"channel_url_format_version").Scan(&value)
	if err == sql.ErrNoRows {
		return defaultChannelURLFormatVersion, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(value)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// defaultChannelURLFormatVersion enables CEP-15 base_url output.
const defaultChannelURLFormatVersion = 2

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
