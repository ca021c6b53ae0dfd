// Package repodata builds the JSON documents a package manager consumes:
// repodata.json and its patched/current/run_exports/channeldata derivatives.
// Everything is assembled from the cache; the filesystem is never consulted
// for package contents.
package repodata

import (
	"context"
	"strings"

	"github.com/glorpus-work/conda-index/internal/logger"
	"github.com/glorpus-work/conda-index/pkg/cache"
	"github.com/glorpus-work/conda-index/pkg/conda"
	"github.com/glorpus-work/conda-index/pkg/model"
)

// Build snapshots the cache's indexed packages into a pre-patch repodata
// document. baseURL is only honored when the cache's stored
// channel_url_format_version enables CEP-15 output.
func Build(ctx context.Context, store cache.Store, subdir, baseURL string) (*model.Repodata, error) {
	formatVersion, err := store.ChannelURLFormatVersion(ctx)
	if err != nil {
		return nil, err
	}
	if formatVersion < 2 {
		baseURL = ""
	}

	rd := model.NewRepodata(subdir, baseURL)

	err = store.IndexedPackages(ctx, func(path string, indexJSON []byte) error {
		record, err := model.ParseRecord(indexJSON)
		if err != nil {
			logger.Warnf("%s has unparseable cached index.json: %v", path, err)
			return nil
		}
		switch {
		case strings.HasSuffix(path, conda.ExtensionV1):
			rd.Packages[path] = record
		case strings.HasSuffix(path, conda.ExtensionV2):
			rd.PackagesConda[path] = record
		default:
			logger.Warnf("%s doesn't look like a conda package", path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rd, nil
}

// BuildRunExports collects the per-package run_exports documents for a
// subdir.
func BuildRunExports(ctx context.Context, store cache.Store, subdir string) (*model.RunExportsDoc, error) {
	doc := &model.RunExportsDoc{
		Info:          model.RepodataInfo{Subdir: subdir},
		Packages:      map[string]model.Record{},
		PackagesConda: map[string]model.Record{},
	}

	err := store.RunExports(ctx, func(path string, runExports []byte) error {
		record, err := model.ParseRecord(runExports)
		if err != nil {
			logger.Warnf("%s has unparseable run_exports: %v", path, err)
			return nil
		}
		switch {
		case strings.HasSuffix(path, conda.ExtensionV1):
			doc.Packages[path] = record
		case strings.HasSuffix(path, conda.ExtensionV2):
			doc.PackagesConda[path] = record
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}
