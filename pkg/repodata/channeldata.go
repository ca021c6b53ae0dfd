package repodata

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/glorpus-work/conda-index/internal/logger"
	"github.com/glorpus-work/conda-index/pkg/cache"
	"github.com/glorpus-work/conda-index/pkg/conda"
	"github.com/glorpus-work/conda-index/pkg/model"
)

// newerKeys are channeldata fields taken from whichever build is newer.
var newerKeys = []string{
	"description",
	"dev_url",
	"doc_url",
	"doc_source_url",
	"home",
	"license",
	"source_url",
	"source_git_url",
	"summary",
	"icon_url",
	"icon_hash",
	"tags",
	"identifiers",
	"keywords",
	"recipe_origin",
	"version",
}

// anyTrueKeys are post-install booleans kept true if any subdir's build set
// them.
var anyTrueKeys = []string{
	"binary_prefix",
	"text_prefix",
	"activate.d",
	"deactivate.d",
	"pre_link",
	"post_link",
	"pre_unlink",
}

// Icon is a channel-root icon file derived from a package's embedded PNG.
type Icon struct {
	Name string
	Data []byte
}

// UpdateChanneldata folds one subdir's patched repodata into the running
// channel_data document, loading per-package metadata from the cache for
// the newest build of each (name, version). Returns any icons that should
// be written at the channel root.
func UpdateChanneldata(ctx context.Context, channelData *model.Channeldata, rd *model.Repodata, subdir string, store cache.Store) ([]Icon, error) {
	// a .conda entry shadows its .tar.bz2 twin
	all := make(map[string]model.Record, len(rd.Packages)+len(rd.PackagesConda))
	for fn, record := range rd.Packages {
		if _, ok := rd.PackagesConda[conda.CondaCounterpart(fn)]; ok {
			continue
		}
		all[fn] = record
	}
	for fn, record := range rd.PackagesConda {
		all[fn] = record
	}

	candidates := newestByNameAndVersion(all)

	var icons []Icon
	for _, candidate := range candidates {
		record := all[candidate]
		name := record.Name()
		if name == "" {
			continue
		}
		if !needsUpdate(channelData, record, subdir) {
			continue
		}

		data, err := store.PackageData(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if data == nil {
			logger.Warnf("%s not found in cache for channeldata", candidate)
			continue
		}

		merged := mergePackageData(data)
		icon := applyPackage(channelData, merged, data, record, name, subdir)
		if icon != nil {
			icons = append(icons, *icon)
		}
	}

	channelData.Subdirs = sortedUnion(channelData.Subdirs, subdir)
	return icons, nil
}

// newestByNameAndVersion keeps one basename per (name, version), preferring
// the newest timestamp. Versions are processed separately so per-version
// run_exports all survive.
func newestByNameAndVersion(all map[string]model.Record) []string {
	type key struct{ name, version string }
	newest := map[key]string{}
	for fn, record := range all {
		k := key{record.Name(), record.Version()}
		existing, ok := newest[k]
		if !ok || all[existing].Timestamp() < record.Timestamp() {
			newest[k] = fn
		}
	}
	out := make([]string, 0, len(newest))
	for _, fn := range newest {
		out = append(out, fn)
	}
	sort.Strings(out)
	return out
}

// needsUpdate mirrors the incremental channeldata shortcut: skip loading
// metadata when the existing entry already covers this subdir, is at least
// as new, and has run_exports recorded for this version.
func needsUpdate(channelData *model.Channeldata, record model.Record, subdir string) bool {
	existing, ok := channelData.Packages[record.Name()]
	if !ok {
		return true
	}
	if !containsString(anySlice(existing["subdirs"]), subdir) {
		return true
	}
	if asInt64(existing["timestamp"]) < conda.MakeSeconds(record.Timestamp()) {
		return true
	}
	runExports, _ := existing["run_exports"].(map[string]any)
	if len(runExports) > 0 {
		if _, ok := runExports[record.Version()]; !ok {
			return true
		}
	}
	return false
}

// mergePackageData flattens the cached blobs into one map the way the
// legacy cache did: recipe first, then about and post_install, index.json
// fields clobbering everything.
func mergePackageData(data *cache.PackageData) map[string]any {
	merged := map[string]any{}
	for _, blob := range [][]byte{data.Recipe, data.About, data.PostInstall, data.IndexJSON} {
		if len(blob) == 0 {
			continue
		}
		var m map[string]any
		if err := unmarshalNumber(blob, &m); err != nil {
			continue
		}
		for k, v := range m {
			merged[k] = v
		}
	}

	// sometimes source is a list instead of a map
	if source, ok := merged["source"].(map[string]any); ok {
		for k, v := range source {
			merged["source_"+k] = v
		}
	}
	clearNewlines(merged, "description")
	clearNewlines(merged, "summary")
	return merged
}

// applyPackage merges one package's data into channelData.Packages.
func applyPackage(channelData *model.Channeldata, data map[string]any, raw *cache.PackageData, record model.Record, name, subdir string) *Icon {
	existing := channelData.Packages[name]
	if existing == nil {
		existing = model.ChannelPackage{}
	}

	dataVersion := record.Version()
	existingVersion, _ := existing["version"].(string)
	if existingVersion == "" {
		existingVersion = "0"
	}
	existingTS := asInt64(existing["timestamp"])
	dataNewer := compareVersions(dataVersion, existingVersion) > 0 ||
		(dataVersion == existingVersion && conda.MakeSeconds(record.Timestamp()) > existingTS)

	data["version"] = dataVersion

	var icon *Icon
	if len(raw.Icon) > 0 {
		iconName := name + ".png"
		sum := md5.Sum(raw.Icon)
		data["icon_url"] = "icons/" + iconName
		data["icon_hash"] = fmt.Sprintf("md5:%s:%d", hex.EncodeToString(sum[:]), len(raw.Icon))
		icon = &Icon{Name: iconName, Data: raw.Icon}
	}

	for _, k := range newerKeys {
		if v, ok := data[k]; ok && v != nil && (dataNewer || existing[k] == nil) {
			existing[k] = v
		}
	}
	for _, k := range anyTrueKeys {
		existing[k] = truthy(data[k]) || truthy(existing[k])
	}

	existing["subdirs"] = toAny(sortedUnion(anySlice(existing["subdirs"]), subdir))

	// one run_exports entry per version, since they vary by version
	runExports, _ := existing["run_exports"].(map[string]any)
	if runExports == nil {
		runExports = map[string]any{}
	}
	if len(raw.RunExports) > 0 {
		var exports map[string]any
		if err := unmarshalNumber(raw.RunExports, &exports); err == nil && len(exports) > 0 {
			runExports[dataVersion] = exports
		}
	}
	existing["run_exports"] = runExports

	ts := conda.MakeSeconds(record.Timestamp())
	if ts > existingTS {
		existing["timestamp"] = ts
	} else {
		existing["timestamp"] = existingTS
	}

	channelData.Packages[name] = existing
	return icon
}

func unmarshalNumber(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// asInt64 handles both in-memory int64 and json.Number timestamps.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case float64:
		return int64(n)
	}
	return 0
}

func clearNewlines(m map[string]any, field string) {
	switch v := m[field].(type) {
	case string:
		m[field] = strings.ReplaceAll(strings.TrimSpace(v), "\n", " ")
	case []any:
		// sometimes description gets added as a list instead of a string
		var b strings.Builder
		for _, part := range v {
			if s, ok := part.(string); ok {
				b.WriteString(s)
			}
		}
		m[field] = strings.ReplaceAll(strings.TrimSpace(b.String()), "\n", " ")
	}
}

func truthy(v any) bool {
	b, _ := v.(bool)
	return b
}

func anySlice(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, item := range vs {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func sortedUnion(list []string, extra string) []string {
	seen := map[string]bool{extra: true}
	for _, s := range list {
		seen[s] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func toAny(list []string) []any {
	out := make([]any, len(list))
	for i, s := range list {
		out[i] = s
	}
	return out
}
