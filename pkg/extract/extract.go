// Package extract pulls metadata out of changed archives and upserts it
// into the cache, one transaction per archive.
package extract

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/glorpus-work/conda-index/internal/logger"
	"github.com/glorpus-work/conda-index/pkg/archive"
	"github.com/glorpus-work/conda-index/pkg/cache"
	"github.com/glorpus-work/conda-index/pkg/errors"
	"github.com/glorpus-work/conda-index/pkg/model"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// filterFields are index.json keys dropped from repodata records.
var filterFields = map[string]bool{
	"arch":              true,
	"has_prefix":        true,
	"mtime":             true,
	"platform":          true,
	"ucs":               true,
	"requires_features": true,
	"binstar":           true,
	"target-triplet":    true,
	"machine":           true,
	"operatingsystem":   true,
}

// Result summarizes one subdir's extraction pass.
type Result struct {
	Extracted int
	Failed    int
	Bytes     int64
}

// Extractor streams changed archives through the archive reader and into
// the cache store. Extractions run in parallel; cache writes are serialized.
type Extractor struct {
	Reader  *archive.Reader
	Store   cache.Store
	Workers int
	// Tokens, when set, throttles extraction across subdirs sharing one
	// channel-wide pool. Each in-flight archive holds one token.
	Tokens chan struct{}
	// OnOpen is called before each archive is opened. Used by tests to
	// observe which archives an incremental run actually touches.
	OnOpen func(fn string)
}

// NewExtractor creates an Extractor with the default worker count.
func NewExtractor(store cache.Store) *Extractor {
	return &Extractor{
		Reader:  archive.NewReader(),
		Store:   store,
		Workers: runtime.NumCPU(),
	}
}

// ExtractSubdir extracts every changed archive in subdirPath into the
// cache. A malformed archive is logged and counted as failed; its upstream
// stat row remains, so the next run retries it.
func (e *Extractor) ExtractSubdir(ctx context.Context, subdirPath string) (Result, error) {
	changed, err := e.Store.ChangedPaths(ctx)
	if err != nil {
		return Result{}, err
	}

	logger.DebugfWithFields(logger.Fields{"subdir": filepath.Base(subdirPath)},
		"extract %d packages", len(changed))

	workers := e.Workers
	if workers < 1 {
		workers = 1
	}

	var mu sync.Mutex
	result := Result{}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(workers)

	for _, st := range changed {
		group.Go(func() error {
			if e.Tokens != nil {
				select {
				case e.Tokens <- struct{}{}:
					defer func() { <-e.Tokens }()
				case <-groupCtx.Done():
					return groupCtx.Err()
				}
			}
			if err := groupCtx.Err(); err != nil {
				return err
			}
			err := e.extractOne(groupCtx, subdirPath, st)

			mu.Lock()
			defer mu.Unlock()
			result.Bytes += st.Size
			if err != nil {
				if groupCtx.Err() != nil {
					return groupCtx.Err()
				}
				logger.Errorf("error extracting %s: %v", st.Path, err)
				result.Failed++
				return nil
			}
			result.Extracted++
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return result, err
	}
	return result, nil
}

// extractOne reads one archive's metadata members, augments index.json with
// computed digests, and stores everything in a single transaction.
func (e *Extractor) extractOne(ctx context.Context, subdirPath string, st cache.Stat) error {
	fn := st.Path
	absFn := filepath.Join(subdirPath, fn)

	if e.OnOpen != nil {
		e.OnOpen(fn)
	}

	wanted := archive.DefaultWanted()
	payload := map[string][]byte{}
	var indexRecord model.Record

	visit := func(name string, data []byte) error {
		switch name {
		case archive.MemberIndexJSON:
			record, err := model.ParseRecord(data)
			if err != nil {
				return errors.Wrapf(errors.ErrArchiveMalformed, "%s/%s: %s", fn, name, err)
			}
			indexRecord = record
			if record["icon"] == nil {
				// early exit when no icon
				delete(wanted, archive.MemberIcon)
			}
		case archive.MemberRecipeRendered, archive.MemberRecipe:
			payload[cache.TableRecipe] = recipeJSON(fn, data)
			// don't look for any more recipe files
			delete(wanted, archive.MemberRecipeRendered)
			delete(wanted, archive.MemberRecipe)
		case archive.MemberAbout:
			payload[cache.TableAbout] = validJSON(fn, name, data)
		case archive.MemberRecipeLog:
			payload[cache.TableRecipeLog] = validJSON(fn, name, data)
		case archive.MemberRunExports:
			payload[cache.TableRunExports] = validJSON(fn, name, data)
		case archive.MemberPaths:
			// consumed transiently; paths.json itself is never cached
			payload[cache.TablePostInstall] = postInstallDetails(data)
		case archive.MemberIcon:
			payload[cache.TableIcon] = data
		}
		return nil
	}

	if err := e.Reader.ReadMetadata(ctx, absFn, wanted, visit); err != nil {
		return err
	}
	if indexRecord == nil {
		return errors.Wrapf(errors.ErrIndexJSONMissing, "%s", fn)
	}
	if _, ok := payload[cache.TablePostInstall]; !ok {
		// all false when the archive had no paths.json
		payload[cache.TablePostInstall] = postInstallDetails(nil)
	}

	digests, err := archive.FileDigests(absFn)
	if err != nil {
		return err
	}

	for field := range indexRecord {
		if filterFields[field] {
			delete(indexRecord, field)
		}
	}
	// computed values are authoritative; md5 is added, sha256 and size
	// overwrite whatever the archive claimed about itself
	indexRecord["md5"] = digests.MD5
	indexRecord["sha256"] = digests.Sha256
	indexRecord["size"] = json.Number(strconv.FormatInt(digests.Size, 10))

	encoded, err := json.Marshal(indexRecord)
	if err != nil {
		return err
	}
	payload[cache.TableIndexJSON] = encoded

	st.Sha256 = digests.Sha256
	st.Md5 = digests.MD5
	return e.Store.StorePackage(ctx, st, payload)
}

// validJSON passes data through unless it fails to parse, in which case the
// payload becomes the empty object so the package still indexes.
func validJSON(fn, member string, data []byte) []byte {
	if json.Valid(data) {
		return data
	}
	logger.Warnf("%s/%s is not valid JSON, caching empty object", fn, member)
	return []byte("{}")
}

// recipeJSON renders the recipe's YAML as JSON.
func recipeJSON(fn string, data []byte) []byte {
	var recipe map[string]interface{}
	if err := yaml.Unmarshal(data, &recipe); err != nil {
		logger.Warnf("%s recipe is not valid YAML, caching empty object: %v", fn, err)
		return []byte("{}")
	}
	encoded, err := json.Marshal(recipe)
	if err != nil {
		logger.Warnf("%s recipe does not render to JSON, caching empty object: %v", fn, err)
		return []byte("{}")
	}
	return encoded
}

// postInstallDetails categorizes paths.json entries into the derived
// post_install record: embedded prefix kinds, activation scripts, and link
// scripts.
func postInstallDetails(pathsJSON []byte) []byte {
	details := map[string]bool{
		"binary_prefix": false,
		"text_prefix":   false,
		"activate.d":    false,
		"deactivate.d":  false,
		"pre_link":      false,
		"post_link":     false,
		"pre_unlink":    false,
	}

	var doc struct {
		Paths []struct {
			Path             string `json:"_path"`
			FileMode         string `json:"file_mode"`
			PrefixPlaceholder string `json:"prefix_placeholder"`
		} `json:"paths"`
	}
	if len(pathsJSON) > 0 && json.Unmarshal(pathsJSON, &doc) == nil {
		for _, f := range doc.Paths {
			if f.PrefixPlaceholder != "" {
				switch f.FileMode {
				case "binary":
					details["binary_prefix"] = true
				case "text":
					details["text_prefix"] = true
				}
			}
			for _, k := range []string{"activate.d", "deactivate.d"} {
				if !details[k] && strings.HasPrefix(f.Path, "etc/conda/"+k) {
					details[k] = true
				}
			}
			for _, pat := range []string{"pre-link", "post-link", "pre-unlink"} {
				key := strings.ReplaceAll(pat, "-", "_")
				if !details[key] && isLinkScript(f.Path, pat) {
					details[key] = true
				}
			}
		}
	}

	encoded, _ := json.Marshal(details)
	return encoded
}

// isLinkScript matches hidden scripts like bin/.name-post-link.sh.
func isLinkScript(p, kind string) bool {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return false
	}
	base := p[i+1:]
	return strings.HasPrefix(base, ".") && strings.Contains(base, "-"+kind+".")
}
