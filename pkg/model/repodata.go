// Package model provides the data structures shared by the cache, the
// repodata assembler and the shard emitter.
package model

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Record is one package's entry in repodata.json. Records are open-ended
// maps so that patch instructions can add or replace fields the indexer has
// never heard of. Numbers are decoded as json.Number; record fields never
// contain floats.
type Record map[string]any

// ParseRecord decodes index.json bytes into a Record without losing integer
// precision.
func ParseRecord(data []byte) (Record, error) {
	var rec Record
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Name returns the package name field.
func (r Record) Name() string { return r.str("name") }

// Version returns the version field.
func (r Record) Version() string { return r.str("version") }

// Build returns the build string field.
func (r Record) Build() string { return r.str("build") }

// Sha256 returns the hex sha256 field.
func (r Record) Sha256() string { return r.str("sha256") }

// Md5 returns the hex md5 field.
func (r Record) Md5() string { return r.str("md5") }

// BuildNumber returns the build_number field, or 0.
func (r Record) BuildNumber() int64 { return r.num("build_number") }

// Timestamp returns the timestamp field, or 0.
func (r Record) Timestamp() int64 { return r.num("timestamp") }

// Size returns the size field, or 0.
func (r Record) Size() int64 { return r.num("size") }

// Depends returns the dependency spec strings.
func (r Record) Depends() []string {
	specs, _ := r["depends"].([]any)
	out := make([]string, 0, len(specs))
	for _, s := range specs {
		if str, ok := s.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

// HasFeatures reports whether the record carries features or track_features.
func (r Record) HasFeatures() bool {
	return r.str("features") != "" || r.str("track_features") != ""
}

// Clone returns a shallow copy. Deep enough for per-record patching, which
// replaces whole values rather than mutating nested ones.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func (r Record) str(key string) string {
	s, _ := r[key].(string)
	return s
}

func (r Record) num(key string) int64 {
	switch v := r[key].(type) {
	case json.Number:
		n, err := v.Int64()
		if err == nil {
			return n
		}
		// floats occasionally sneak into third-party index.json timestamps
		f, err := v.Float64()
		if err == nil {
			return int64(f)
		}
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// DependencyName extracts the package name from a dependency spec such as
// "python >=3.6" or "openssl 1.1.*".
func DependencyName(spec string) string {
	name, _, _ := strings.Cut(strings.TrimSpace(spec), " ")
	return name
}

// RepodataInfo is the repodata header block.
type RepodataInfo struct {
	Subdir  string `json:"subdir"`
	BaseURL string `json:"base_url,omitempty"`
}

// Repodata is the monolithic repodata.json document for a subdir.
type Repodata struct {
	Info            RepodataInfo      `json:"info"`
	Packages        map[string]Record `json:"packages"`
	PackagesConda   map[string]Record `json:"packages.conda"`
	Removed         []string          `json:"removed"`
	RepodataVersion int               `json:"repodata_version"`
}

// NewRepodata returns an empty document for the given subdir. When baseURL
// is set the document advertises repodata_version 2 per CEP-15.
func NewRepodata(subdir, baseURL string) *Repodata {
	rd := &Repodata{
		Info:            RepodataInfo{Subdir: subdir},
		Packages:        map[string]Record{},
		PackagesConda:   map[string]Record{},
		Removed:         []string{},
		RepodataVersion: 1,
	}
	if baseURL != "" {
		rd.Info.BaseURL = strings.TrimSuffix(baseURL, "/") + "/" + subdir + "/"
		rd.RepodataVersion = 2
	}
	return rd
}

// AllRecords iterates both package groups. The .conda entry wins when both
// extensions carry the same basename-without-extension is not applied here;
// callers that need that rule (channeldata) handle it themselves.
func (rd *Repodata) AllRecords(fn func(basename string, rec Record)) {
	for k, v := range rd.Packages {
		fn(k, v)
	}
	for k, v := range rd.PackagesConda {
		fn(k, v)
	}
}

// Clone copies the document with per-record shallow copies, so patching
// never mutates the pre-patch snapshot.
func (rd *Repodata) Clone() *Repodata {
	out := &Repodata{
		Info:            rd.Info,
		Packages:        make(map[string]Record, len(rd.Packages)),
		PackagesConda:   make(map[string]Record, len(rd.PackagesConda)),
		Removed:         append([]string{}, rd.Removed...),
		RepodataVersion: rd.RepodataVersion,
	}
	for k, v := range rd.Packages {
		out.Packages[k] = v.Clone()
	}
	for k, v := range rd.PackagesConda {
		out.PackagesConda[k] = v.Clone()
	}
	return out
}

// ParseRepodata decodes a repodata.json document, preserving numbers.
func ParseRepodata(data []byte) (*Repodata, error) {
	var rd Repodata
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&rd); err != nil {
		return nil, err
	}
	if rd.Packages == nil {
		rd.Packages = map[string]Record{}
	}
	if rd.PackagesConda == nil {
		rd.PackagesConda = map[string]Record{}
	}
	if rd.Removed == nil {
		rd.Removed = []string{}
	}
	return &rd, nil
}

// PatchInstructions is the document produced by a patch generator.
type PatchInstructions struct {
	PatchInstructionsVersion int               `json:"patch_instructions_version"`
	Packages                 map[string]Record `json:"packages"`
	PackagesConda            map[string]Record `json:"packages.conda"`
	Revoke                   []string          `json:"revoke"`
	Remove                   []string          `json:"remove"`
}

// ParsePatchInstructions decodes patch instructions, preserving numbers.
func ParsePatchInstructions(data []byte) (*PatchInstructions, error) {
	var instructions PatchInstructions
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&instructions); err != nil {
		return nil, err
	}
	return &instructions, nil
}

// RunExportsDoc is the per-subdir run_exports.json document.
type RunExportsDoc struct {
	Info          RepodataInfo      `json:"info"`
	Packages      map[string]Record `json:"packages"`
	PackagesConda map[string]Record `json:"packages.conda"`
}
