package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glorpus-work/conda-index/internal/logger"
)

// legacyDirToTable maps legacy .cache subdirectory names to payload tables.
var legacyDirToTable = map[string]string{
	"index":        TableIndexJSON,
	"about":        TableAbout,
	"recipe":       TableRecipe,
	"recipe_log":   TableRecipeLog,
	"run_exports":  TableRunExports,
	"post_install": TablePostInstall,
	"icon":         TableIcon,
}

// convertLegacyCache performs a one-shot import of the old per-file cache
// layout (stat.json plus one JSON blob per package per metadata kind) into
// the fresh database. Nothing to convert is not an error.
func convertLegacyCache(ctx context.Context, s *sqlStore, cacheDir string) error {
	statFile := filepath.Join(cacheDir, "stat.json")
	data, err := os.ReadFile(statFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	logger.Infof("converting legacy cache at %s", cacheDir)

	var legacyStat map[string]struct {
		Mtime float64 `json:"mtime"`
		Size  int64   `json:"size"`
	}
	if err := json.Unmarshal(data, &legacyStat); err != nil {
		return fmt.Errorf("parse %s: %w", statFile, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for fn, st := range legacyStat {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO stat (stage, path, mtime, size) VALUES (?, ?, ?, ?)
			ON CONFLICT (stage, path) DO UPDATE SET mtime = excluded.mtime, size = excluded.size`),
			StageIndexed, s.dbPath(fn), st.Mtime, st.Size); err != nil {
			return err
		}
	}

	for dir, table := range legacyDirToTable {
		entries, err := os.ReadDir(filepath.Join(cacheDir, dir))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return err
		}
		column := columnFor(table)
		query := s.rebind(fmt.Sprintf(
			"INSERT INTO %s (path, %s) VALUES (?, ?) ON CONFLICT (path) DO NOTHING",
			table, column))
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			fn := strings.TrimSuffix(strings.TrimSuffix(entry.Name(), ".json"), ".png")
			blob, err := os.ReadFile(filepath.Join(cacheDir, dir, entry.Name()))
			if err != nil {
				logger.Warnf("skip unreadable legacy cache file %s: %v", entry.Name(), err)
				continue
			}
			if _, err := tx.ExecContext(ctx, query, s.dbPath(fn), blob); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}
