package channel

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/glorpus-work/conda-index/internal/logger"
	"github.com/glorpus-work/conda-index/pkg/cache"
	"github.com/glorpus-work/conda-index/pkg/errors"
	"github.com/glorpus-work/conda-index/pkg/fsutil"
	"github.com/glorpus-work/conda-index/pkg/model"
	"github.com/glorpus-work/conda-index/pkg/repodata"
)

// UpdateChanneldata folds every subdir's written repodata.json into
// channeldata.json, extending any existing document. Call after Run, or
// separately when only channel-level outputs need refreshing; it takes no
// subdir locks because it only writes channel-level files.
func (ix *Index) UpdateChanneldata(ctx context.Context, subdirs []string) error {
	channelData := model.NewChanneldata()
	if existing, err := os.ReadFile(ix.outputPath(ChanneldataJSON)); err == nil {
		parsed, err := model.ParseChanneldata(existing)
		if err != nil {
			logger.Warnf("ignoring unreadable channeldata.json: %v", err)
		} else {
			channelData = parsed
		}
	}

	var icons []repodata.Icon
	for _, subdir := range subdirs {
		logger.Infof("channeldata subdir: %s", subdir)

		raw, err := os.ReadFile(ix.outputPath(subdir, RepodataJSON))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return err
		}
		rd, err := model.ParseRepodata(raw)
		if err != nil {
			return errors.Wrapf(err, "parse %s/%s", subdir, RepodataJSON)
		}

		store, err := cache.Open(ctx, ix.ChannelRoot, subdir, ix.opts.Cache)
		if err != nil {
			return err
		}
		subdirIcons, err := repodata.UpdateChanneldata(ctx, channelData, rd, subdir, store)
		_ = store.Close()
		if err != nil {
			return errors.Wrapf(err, "channeldata for %s", subdir)
		}
		icons = append(icons, subdirIcons...)
	}

	for _, icon := range icons {
		path := ix.outputPath("icons", icon.Name)
		if err := fsutil.EnsureDir(filepath.Dir(path)); err != nil {
			return err
		}
		if _, err := fsutil.WriteAtomic(path, icon.Data); err != nil {
			return err
		}
	}

	if err := ix.writeChannelJSON(ChanneldataJSON, channelData); err != nil {
		return err
	}

	if ix.opts.WriteHTML {
		html, err := repodata.ChannelIndexHTML(ix.opts.ChannelName, channelData)
		if err != nil {
			return err
		}
		if _, err := fsutil.WriteAtomic(ix.outputPath(IndexHTML), html); err != nil {
			return err
		}
	}

	if ix.opts.WriteRSS {
		logger.Debug("build rss")
		feed, err := repodata.RSS(ix.opts.ChannelName, channelData, time.Now())
		if err != nil {
			return err
		}
		if _, err := fsutil.WriteAtomic(ix.outputPath(RSSXML), feed); err != nil {
			return err
		}
	}

	return nil
}

func (ix *Index) writeChannelJSON(name string, doc any) error {
	content, err := ix.marshal(doc)
	if err != nil {
		return err
	}
	_, err = fsutil.WriteAtomic(ix.outputPath(name), content)
	return err
}
