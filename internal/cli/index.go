package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glorpus-work/conda-index/internal/logger"
	"github.com/glorpus-work/conda-index/pkg/cache"
	"github.com/glorpus-work/conda-index/pkg/channel"
	"github.com/glorpus-work/conda-index/pkg/patch"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// DBURLEnvVar overrides --db-url when set.
const DBURLEnvVar = "CONDA_INDEX_DBURL"

// NewIndexCmd creates the index command, the main entry point.
func NewIndexCmd() *cobra.Command {
	var (
		output              string
		subdirs             []string
		channelName         string
		patchGenerator      string
		current             bool
		channeldata         bool
		rss                 bool
		runExports          bool
		monolithic          bool
		writeShards         bool
		bz2                 bool
		zst                 bool
		compact             bool
		noUpdateCache       bool
		html                bool
		upstreamStage       string
		dbBackend           string
		dbURL               string
		baseURL             string
		shardsBaseURL       string
		currentVersionsFile string
		threads             int
	)

	cmd := &cobra.Command{
		Use:   "index <channel-root>",
		Short: "Generate repodata for a channel of conda packages",
		Long: `Index a channel directory: extract metadata from changed package
archives into a per-subdir cache, then emit repodata.json and related
documents for each platform subdir.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channelRoot, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("invalid channel root: %w", err)
			}

			opts := channel.DefaultOptions()
			opts.ChannelName = channelName
			opts.Subdirs = subdirs
			opts.Threads = threads
			opts.WriteCurrent = current
			opts.WriteChanneldata = channeldata
			opts.WriteRSS = rss
			opts.WriteRunExports = runExports
			opts.WriteMonolithic = monolithic
			opts.WriteShards = writeShards
			opts.WriteBz2 = bz2
			opts.WriteZst = zst
			opts.WriteHTML = html
			opts.CompactJSON = compact
			opts.UpdateCache = !noUpdateCache
			opts.BaseURL = baseURL
			opts.ShardsBaseURL = shardsBaseURL

			if output != "" {
				opts.OutputRoot, err = filepath.Abs(output)
				if err != nil {
					return fmt.Errorf("invalid output directory: %w", err)
				}
			}

			if env := os.Getenv(DBURLEnvVar); env != "" {
				dbURL = env
			}
			opts.Cache = cache.Config{
				Backend:       cache.Backend(dbBackend),
				DBURL:         dbURL,
				UpstreamStage: upstreamStage,
			}

			if patchGenerator != "" {
				generator, err := patch.Load(patchGenerator)
				if err != nil {
					return err
				}
				opts.PatchGenerator = generator
			}

			if currentVersionsFile != "" {
				raw, err := os.ReadFile(currentVersionsFile)
				if err != nil {
					return fmt.Errorf("read current index versions: %w", err)
				}
				var pins map[string][]string
				if err := yaml.Unmarshal(raw, &pins); err != nil {
					return fmt.Errorf("parse current index versions: %w", err)
				}
				opts.CurrentVersions = pins
			}

			index := channel.New(channelRoot, opts)
			if err := index.Run(cmd.Context()); err != nil {
				return err
			}
			logger.Success("channel indexed", logger.Fields{"channel": channelRoot})
			return nil
		},
	}

	cmd.Flags().StringVar(&output, "output", "", "write repodata to a separate directory tree")
	cmd.Flags().StringArrayVarP(&subdirs, "subdir", "s", nil, "subdir to index (repeatable; default: auto-detect)")
	cmd.Flags().StringVarP(&channelName, "channel-name", "n", "", "channel name shown in index.html (default: channel directory name)")
	cmd.Flags().StringVar(&patchGenerator, "patch-generator", "",
		"package archive containing <subdir>/patch_instructions.json, or a .tengo script producing instructions")
	cmd.Flags().BoolVar(&current, "current-repodata", true, "write current_repodata.json")
	cmd.Flags().BoolVar(&channeldata, "channeldata", false, "write channeldata.json")
	cmd.Flags().BoolVar(&rss, "rss", false, "write rss.xml (only with --channeldata)")
	cmd.Flags().BoolVar(&runExports, "run-exports", false, "write run_exports.json")
	cmd.Flags().BoolVar(&monolithic, "write-monolithic", true, "write monolithic repodata.json")
	cmd.Flags().BoolVar(&writeShards, "write-shards", false, "write sharded repodata")
	cmd.Flags().BoolVar(&bz2, "bz2", false, "write repodata.json.bz2")
	cmd.Flags().BoolVar(&zst, "zst", false, "write repodata.json.zst")
	cmd.Flags().BoolVar(&compact, "compact", true, "output JSON on one line (disable for pretty-printing)")
	cmd.Flags().BoolVar(&html, "html", true, "write index.html")
	cmd.Flags().BoolVar(&noUpdateCache, "no-update-cache", false,
		"skip probing and extraction; emit from the existing cache")
	cmd.Flags().StringVar(&upstreamStage, "upstream-stage", cache.StageFs,
		"stat stage used as the set of available packages")
	cmd.Flags().StringVar(&dbBackend, "db-backend", string(cache.BackendSQLite),
		"cache backend: sqlite or postgresql")
	cmd.Flags().StringVar(&dbURL, "db-url", "",
		"database connection URL for the postgresql backend ($"+DBURLEnvVar+" wins when set)")
	cmd.Flags().StringVar(&baseURL, "base-url", "",
		"URL of the tree serving packages, if separate from repodata (CEP-15)")
	cmd.Flags().StringVar(&shardsBaseURL, "shards-base-url", "",
		"URL of the tree serving shards, if separate from the manifest")
	cmd.Flags().StringVarP(&currentVersionsFile, "current-index-versions-file", "m", "",
		"YAML file of package name to list of versions kept in current_repodata.json")
	cmd.Flags().IntVar(&threads, "threads", 0, "extraction worker count (default: CPU count)")

	cmd.Example = `  # Index a channel in place
  conda-index index ./my-channel

  # Index selected subdirs into a separate output tree
  conda-index index --subdir=noarch --subdir=linux-64 --output=/srv/repodata ./my-channel

  # Emit sharded repodata from the existing cache only
  conda-index index --write-shards --no-update-cache ./my-channel`

	return cmd
}
