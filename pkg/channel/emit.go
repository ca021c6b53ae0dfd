package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/glorpus-work/conda-index/internal/logger"
	"github.com/glorpus-work/conda-index/pkg/cache"
	"github.com/glorpus-work/conda-index/pkg/errors"
	"github.com/glorpus-work/conda-index/pkg/fsutil"
	"github.com/glorpus-work/conda-index/pkg/model"
	"github.com/glorpus-work/conda-index/pkg/patch"
	"github.com/glorpus-work/conda-index/pkg/repodata"
	"github.com/glorpus-work/conda-index/pkg/shards"
	"github.com/klauspost/compress/zstd"
	"github.com/mholt/archives"
)

// emitSubdir queries the cache and writes every enabled output for one
// subdir.
func (ix *Index) emitSubdir(ctx context.Context, subdir string, store cache.Store) error {
	logger.Debugf("%s gathering repodata", subdir)

	prePatch, err := repodata.Build(ctx, store, subdir, ix.opts.BaseURL)
	if err != nil {
		return errors.Wrapf(err, "build repodata for %s", subdir)
	}

	if ix.opts.WriteMonolithic {
		logger.Debugf("%s writing pre-patch repodata", subdir)
		if err := ix.writeJSONDoc(subdir, RepodataFromPackages, prePatch); err != nil {
			return err
		}
	}

	logger.Debugf("%s applying patch instructions", subdir)
	instructions, err := ix.patchInstructions(ctx, subdir, prePatch)
	if err != nil {
		// repodata_from_packages.json is already on disk for debugging
		return err
	}
	patched := repodata.ApplyInstructions(prePatch, instructions)

	if ix.opts.WriteMonolithic {
		logger.Debugf("%s writing patched repodata", subdir)
		if err := ix.writeJSONDoc(subdir, RepodataJSON, patched); err != nil {
			return err
		}
	}

	if ix.opts.WriteShards {
		logger.Debugf("%s writing repodata shards", subdir)
		emitter, err := shards.NewEmitter(ix.opts.BaseURL, ix.opts.ShardsBaseURL)
		if err != nil {
			return err
		}
		defer emitter.Close()
		manifest, err := emitter.Emit(ctx, patched, ix.outputPath(subdir))
		if err != nil {
			return errors.Wrapf(err, "emit shards for %s", subdir)
		}
		if _, err := fsutil.WriteAtomic(filepath.Join(ix.outputPath(subdir), shards.ManifestName), manifest); err != nil {
			return err
		}
	}

	if ix.opts.WriteCurrent {
		logger.Debugf("%s building current_repodata subset", subdir)
		current := repodata.BuildCurrent(patched, ix.opts.CurrentVersions)
		if err := ix.writeJSONDoc(subdir, CurrentRepodataJSON, current); err != nil {
			return err
		}
	}

	if ix.opts.WriteRunExports {
		logger.Debugf("%s building run_exports data", subdir)
		exports, err := repodata.BuildRunExports(ctx, store, subdir)
		if err != nil {
			return errors.Wrapf(err, "build run_exports for %s", subdir)
		}
		if err := ix.writeJSONDoc(subdir, RunExportsJSON, exports); err != nil {
			return err
		}
	}

	if ix.opts.WriteHTML {
		logger.Debugf("%s writing index.html", subdir)
		if err := ix.writeSubdirHTML(subdir, patched); err != nil {
			return err
		}
	}

	logger.Infof("%s finished", subdir)
	return nil
}

// patchInstructions produces instructions from the configured generator, or
// falls back to a patch_instructions.json already present in the subdir.
// Generated instructions are persisted for inspection.
func (ix *Index) patchInstructions(ctx context.Context, subdir string, prePatch *model.Repodata) (*model.PatchInstructions, error) {
	if ix.opts.PatchGenerator != nil {
		instructions, err := ix.opts.PatchGenerator.Instructions(ctx, subdir, prePatch)
		if err != nil {
			return nil, errors.Wrapf(err, "patch instructions for %s", subdir)
		}
		if err := ix.writeJSONDoc(subdir, PatchInstructions, instructions); err != nil {
			return nil, err
		}
		return instructions, nil
	}

	existing, err := os.ReadFile(filepath.Join(ix.ChannelRoot, subdir, PatchInstructions))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	logger.Debugf("%s using existing patch instructions", subdir)
	return patch.FromJSON(existing)
}

func (ix *Index) outputPath(parts ...string) string {
	return filepath.Join(append([]string{ix.opts.OutputRoot}, parts...)...)
}

// writeJSONDoc serializes doc and writes it (with companions) under the
// output root. JSON is compact by default; a trailing newline is always
// appended so compressed companions match the plain file byte for byte.
func (ix *Index) writeJSONDoc(subdir, name string, doc any) error {
	content, err := ix.marshal(doc)
	if err != nil {
		return err
	}
	path := ix.outputPath(subdir, name)
	changed, err := fsutil.WriteAtomic(path, content)
	if err != nil {
		return errors.Wrapf(err, "write %s/%s", subdir, name)
	}

	if name != RepodataJSON && name != RepodataFromPackages {
		return nil
	}

	// companions are refreshed whenever the primary changed or they are
	// missing entirely
	bz2Path := path + ".bz2"
	zstPath := path + ".zst"
	if ix.opts.WriteBz2 {
		if _, err := os.Stat(bz2Path); changed || os.IsNotExist(err) {
			compressed, err := bz2Compress(content)
			if err != nil {
				return err
			}
			if _, err := fsutil.WriteAtomic(bz2Path, compressed); err != nil {
				return err
			}
		}
	} else if err := fsutil.RemoveIfExists(bz2Path); err != nil {
		return err
	}
	if ix.opts.WriteZst {
		if _, err := os.Stat(zstPath); changed || os.IsNotExist(err) {
			compressed, err := zstCompress(content)
			if err != nil {
				return err
			}
			if _, err := fsutil.WriteAtomic(zstPath, compressed); err != nil {
				return err
			}
		}
	} else if err := fsutil.RemoveIfExists(zstPath); err != nil {
		return err
	}
	return nil
}

func (ix *Index) marshal(doc any) ([]byte, error) {
	var content []byte
	var err error
	if ix.opts.CompactJSON {
		content, err = json.Marshal(doc)
	} else {
		content, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		return nil, err
	}
	return append(content, '\n'), nil
}

func (ix *Index) writeSubdirHTML(subdir string, patched *model.Repodata) error {
	var extra []repodata.ExtraPath
	candidates := []string{RepodataJSON, RepodataFromPackages, CurrentRepodataJSON, RunExportsJSON, PatchInstructions}
	if ix.opts.WriteBz2 {
		candidates = append(candidates, RepodataJSON+".bz2", RepodataFromPackages+".bz2")
	}
	if ix.opts.WriteZst {
		candidates = append(candidates, RepodataJSON+".zst", RepodataFromPackages+".zst")
	}
	for _, name := range candidates {
		entry, err := repodata.StatExtraPath(ix.outputPath(subdir, name))
		if err != nil {
			return err
		}
		if entry != nil {
			extra = append(extra, *entry)
		}
	}

	html, err := repodata.SubdirIndexHTML(ix.opts.ChannelName, subdir, patched, extra)
	if err != nil {
		return err
	}
	_, err = fsutil.WriteAtomic(ix.outputPath(subdir, IndexHTML), html)
	return err
}

func bz2Compress(content []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := archives.Bz2{}.OpenWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// repodata.json.zst level chosen for a good ratio jump with fast
// decompression; see zstd -b15 -e17 on a large repodata.json.
func zstCompress(content []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(16)))
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(content, nil), nil
}
