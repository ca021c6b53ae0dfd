// Package channel orchestrates indexing a whole channel: probe, extract and
// emit per subdir, with extraction overlapping emission across subdirs.
package channel

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/glorpus-work/conda-index/internal/logger"
	"github.com/glorpus-work/conda-index/pkg/cache"
	"github.com/glorpus-work/conda-index/pkg/conda"
	"github.com/glorpus-work/conda-index/pkg/errors"
	"github.com/glorpus-work/conda-index/pkg/extract"
	"github.com/glorpus-work/conda-index/pkg/patch"
	"github.com/glorpus-work/conda-index/pkg/probe"
)

// Output filenames.
const (
	RepodataJSON         = "repodata.json"
	RepodataFromPackages = "repodata_from_packages.json"
	CurrentRepodataJSON  = "current_repodata.json"
	RunExportsJSON       = "run_exports.json"
	PatchInstructions    = "patch_instructions.json"
	ChanneldataJSON      = "channeldata.json"
	IndexHTML            = "index.html"
	RSSXML               = "rss.xml"
)

// Options configure an Index run. The zero value is not useful; use
// DefaultOptions as a base.
type Options struct {
	ChannelName string
	// OutputRoot receives the generated documents; defaults to the channel
	// root. The .cache directories always stay under the channel root.
	OutputRoot string
	// Subdirs restricts indexing; empty means auto-detect.
	Subdirs []string
	// Threads bounds the channel-wide extraction pool.
	Threads int

	PatchGenerator patch.Generator

	WriteCurrent     bool
	WriteChanneldata bool
	WriteRunExports  bool
	WriteMonolithic  bool
	WriteShards      bool
	WriteBz2         bool
	WriteZst         bool
	WriteHTML        bool
	WriteRSS         bool
	CompactJSON      bool

	// UpdateCache false skips probe and extraction, emitting from whatever
	// the cache already holds.
	UpdateCache bool

	BaseURL       string
	ShardsBaseURL string

	// CurrentVersions pins extra versions into current_repodata
	// (name -> versions).
	CurrentVersions map[string][]string

	Cache  cache.Config
	Prober probe.Prober
}

// DefaultOptions returns the CLI defaults.
func DefaultOptions() Options {
	return Options{
		Threads:         runtime.NumCPU(),
		WriteCurrent:    true,
		WriteMonolithic: true,
		WriteHTML:       true,
		CompactJSON:     true,
		UpdateCache:     true,
		Prober:          probe.NewLocalFS(),
	}
}

// Index indexes one channel root.
type Index struct {
	ChannelRoot string
	opts        Options

	// extractTokens is the channel-wide extraction pool; emitTokens bounds
	// concurrent assembler work (current_repodata is CPU-bound).
	extractTokens chan struct{}
	emitTokens    chan struct{}

	// ExtractHook observes each archive opened for extraction.
	ExtractHook func(subdir, fn string)
}

// New creates an Index for channelRoot.
func New(channelRoot string, opts Options) *Index {
	if opts.Threads < 1 {
		opts.Threads = runtime.NumCPU()
	}
	if opts.OutputRoot == "" {
		opts.OutputRoot = channelRoot
	}
	if opts.ChannelName == "" {
		opts.ChannelName = filepath.Base(strings.TrimRight(channelRoot, "/"))
	}
	if opts.Prober == nil {
		opts.Prober = probe.NewLocalFS()
	}
	return &Index{
		ChannelRoot:   channelRoot,
		opts:          opts,
		extractTokens: make(chan struct{}, opts.Threads),
		emitTokens:    make(chan struct{}, opts.Threads),
	}
}

// subdirResult carries one subdir's outcome.
type subdirResult struct {
	subdir string
	err    error
}

// Run indexes every subdir, then updates channel-level outputs. A failed
// subdir does not abort the others; the returned error reports which
// subdirs failed emission.
func (ix *Index) Run(ctx context.Context) error {
	subdirs, err := ix.DetectSubdirs()
	if err != nil {
		return err
	}

	logger.Infof("indexing %s (subdirs: %s)", ix.ChannelRoot, strings.Join(subdirs, ", "))

	results := make([]subdirResult, len(subdirs))
	var wg sync.WaitGroup
	for i, subdir := range subdirs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = subdirResult{subdir: subdir, err: ix.indexSubdir(ctx, subdir)}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	var failed []string
	for _, r := range results {
		if r.err != nil {
			logger.Errorf("subdir %s failed: %v", r.subdir, r.err)
			failed = append(failed, r.subdir)
		}
	}

	if ix.opts.WriteChanneldata {
		ok := make([]string, 0, len(results))
		for _, r := range results {
			if r.err == nil {
				ok = append(ok, r.subdir)
			}
		}
		if err := ix.UpdateChanneldata(ctx, ok); err != nil {
			return errors.Wrap(err, "update channeldata")
		}
	}

	if len(failed) > 0 {
		return errors.Wrapf(errors.ErrSubdirFailed, "%s", strings.Join(failed, ", "))
	}
	return nil
}

// DetectSubdirs returns the configured subdir list, or scans the channel
// root for known platform directories. Auto-detection always includes
// noarch, creating it if missing.
func (ix *Index) DetectSubdirs() ([]string, error) {
	if len(ix.opts.Subdirs) > 0 {
		subdirs := append([]string{}, ix.opts.Subdirs...)
		sort.Strings(subdirs)
		subdirs = dedupe(subdirs)
		if !contains(subdirs, "noarch") {
			logger.Warnf("indexing %s does not include noarch", strings.Join(subdirs, ", "))
		}
		return subdirs, nil
	}

	entries, err := os.ReadDir(ix.ChannelRoot)
	if err != nil {
		return nil, errors.Wrapf(err, "read channel root %s", ix.ChannelRoot)
	}
	detected := map[string]bool{"noarch": true}
	for _, entry := range entries {
		if entry.IsDir() && conda.DefaultSubdirs[entry.Name()] {
			detected[entry.Name()] = true
		}
	}
	subdirs := make([]string, 0, len(detected))
	for subdir := range detected {
		if err := os.MkdirAll(filepath.Join(ix.ChannelRoot, subdir), 0o755); err != nil {
			return nil, err
		}
		subdirs = append(subdirs, subdir)
	}
	sort.Strings(subdirs)
	return subdirs, nil
}

// indexSubdir runs the probe -> extract -> emit pipeline for one subdir
// under the subdir's cache lock.
func (ix *Index) indexSubdir(ctx context.Context, subdir string) error {
	subdirPath := filepath.Join(ix.ChannelRoot, subdir)

	lock, err := cache.AcquireLock(subdirPath)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	store, err := cache.Open(ctx, ix.ChannelRoot, subdir, ix.opts.Cache)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if ix.opts.UpdateCache {
		stats, err := ix.opts.Prober.List(ctx, subdirPath)
		if err != nil {
			return errors.Wrapf(err, "probe %s", subdir)
		}
		if err := store.SaveFsState(ctx, stats); err != nil {
			return errors.Wrapf(err, "save fs state for %s", subdir)
		}

		extractor := extract.NewExtractor(store)
		extractor.Workers = ix.opts.Threads
		extractor.Tokens = ix.extractTokens
		if ix.ExtractHook != nil {
			extractor.OnOpen = func(fn string) { ix.ExtractHook(subdir, fn) }
		}
		result, err := extractor.ExtractSubdir(ctx, subdirPath)
		if err != nil {
			return errors.Wrapf(err, "extract %s", subdir)
		}
		logger.InfofWithFields(logger.Fields{"subdir": subdir, "failed": result.Failed},
			"cached %d packages", result.Extracted)
	}

	// every changed archive is stored or recorded as failed before any
	// repodata is written
	select {
	case ix.emitTokens <- struct{}{}:
		defer func() { <-ix.emitTokens }()
	case <-ctx.Done():
		return ctx.Err()
	}

	return ix.emitSubdir(ctx, subdir, store)
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || sorted[i-1] != s {
			out = append(out, s)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
