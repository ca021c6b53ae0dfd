package repodata

import (
	"testing"

	"github.com/glorpus-work/conda-index/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCurrentKeepsLatestAndClosure(t *testing.T) {
	rd := model.NewRepodata("linux-64", "")
	rd.PackagesConda["app-2.0-0.conda"] = record(t,
		`{"name":"app","version":"2.0","build":"0","build_number":0,"depends":["runtime 1.0.*"]}`)
	rd.PackagesConda["app-1.0-0.conda"] = record(t,
		`{"name":"app","version":"1.0","build":"0","build_number":0,"depends":[]}`)
	rd.PackagesConda["runtime-2.0-0.conda"] = record(t,
		`{"name":"runtime","version":"2.0","build":"0","build_number":0,"depends":[]}`)
	rd.PackagesConda["runtime-1.0-0.conda"] = record(t,
		`{"name":"runtime","version":"1.0","build":"0","build_number":0,"depends":["base >=1"]}`)
	rd.PackagesConda["base-1.5-0.conda"] = record(t,
		`{"name":"base","version":"1.5","build":"0","build_number":0,"depends":[]}`)

	current := BuildCurrent(rd, nil)

	// latest of every name
	assert.Contains(t, current.PackagesConda, "app-2.0-0.conda")
	assert.Contains(t, current.PackagesConda, "runtime-2.0-0.conda")
	assert.Contains(t, current.PackagesConda, "base-1.5-0.conda")
	// app's pin on runtime 1.0.* backfills the older runtime
	assert.Contains(t, current.PackagesConda, "runtime-1.0-0.conda")
	// but not old app versions
	assert.NotContains(t, current.PackagesConda, "app-1.0-0.conda")
}

func TestBuildCurrentClosureProperty(t *testing.T) {
	rd := model.NewRepodata("linux-64", "")
	rd.PackagesConda["a-3.0-0.conda"] = record(t,
		`{"name":"a","version":"3.0","build":"0","depends":["b"]}`)
	rd.PackagesConda["b-1.0-0.conda"] = record(t,
		`{"name":"b","version":"1.0","build":"0","depends":["c"]}`)
	rd.PackagesConda["c-1.0-0.conda"] = record(t,
		`{"name":"c","version":"1.0","build":"0","depends":[]}`)

	current := BuildCurrent(rd, nil)

	// every name is a maximum-version record or transitively depended on
	groups := groupByName(current)
	fullGroups := groupByName(rd)
	for name, g := range groups {
		for _, e := range g.entries {
			latest := latestVersion(fullGroups[name].entries)
			if e.record.Version() == latest {
				continue
			}
			// non-latest records must be reachable as dependencies
			found := false
			current.AllRecords(func(_ string, rec model.Record) {
				for _, spec := range rec.Depends() {
					if model.DependencyName(spec) == name {
						found = true
					}
				}
			})
			assert.True(t, found, "record %s-%s is neither latest nor depended on", name, e.record.Version())
		}
	}
}

func TestBuildCurrentBuildNumberTieBreak(t *testing.T) {
	rd := model.NewRepodata("linux-64", "")
	rd.PackagesConda["a-1.0-0.conda"] = record(t,
		`{"name":"a","version":"1.0","build":"0","build_number":0,"depends":[]}`)
	rd.PackagesConda["a-1.0-1.conda"] = record(t,
		`{"name":"a","version":"1.0","build":"1","build_number":1,"depends":[]}`)

	current := BuildCurrent(rd, nil)

	// the higher build number wins; the older build of that version is dropped
	assert.Contains(t, current.PackagesConda, "a-1.0-1.conda")
	assert.NotContains(t, current.PackagesConda, "a-1.0-0.conda")
}

func TestBuildCurrentPins(t *testing.T) {
	rd := model.NewRepodata("linux-64", "")
	rd.PackagesConda["python-3.12.1-0.conda"] = record(t,
		`{"name":"python","version":"3.12.1","build":"0","depends":[]}`)
	rd.PackagesConda["python-3.9.18-0.conda"] = record(t,
		`{"name":"python","version":"3.9.18","build":"0","depends":[]}`)
	rd.PackagesConda["python-3.9.1-0.conda"] = record(t,
		`{"name":"python","version":"3.9.1","build":"0","depends":[]}`)

	current := BuildCurrent(rd, map[string][]string{"python": {"3.9"}})

	assert.Contains(t, current.PackagesConda, "python-3.12.1-0.conda")
	// newest 3.9.x kept via the pin, older 3.9.x not
	assert.Contains(t, current.PackagesConda, "python-3.9.18-0.conda")
	assert.NotContains(t, current.PackagesConda, "python-3.9.1-0.conda")
}

func TestBuildCurrentLegacyBz2Md5(t *testing.T) {
	rd := model.NewRepodata("linux-64", "")
	rd.Packages["a-1.0-0.tar.bz2"] = record(t,
		`{"name":"a","version":"1.0","build":"0","md5":"abc123","depends":[]}`)
	rd.PackagesConda["a-1.0-0.conda"] = record(t,
		`{"name":"a","version":"1.0","build":"0","md5":"def456","depends":[]}`)

	current := BuildCurrent(rd, nil)

	rec := current.PackagesConda["a-1.0-0.conda"]
	require.NotNil(t, rec)
	assert.Equal(t, "abc123", rec["legacy_bz2_md5"])
	// the source document is not mutated
	assert.NotContains(t, rd.PackagesConda["a-1.0-0.conda"], "legacy_bz2_md5")
}

func TestBuildCurrentFeatureFallback(t *testing.T) {
	rd := model.NewRepodata("linux-64", "")
	rd.PackagesConda["mkl-2.0-0.conda"] = record(t,
		`{"name":"mkl","version":"2.0","build":"0","track_features":"mkl","depends":[]}`)
	rd.PackagesConda["mkl-1.0-0.conda"] = record(t,
		`{"name":"mkl","version":"1.0","build":"0","depends":[]}`)

	current := BuildCurrent(rd, nil)

	// a feature-free prior version rides along with the featured latest
	assert.Contains(t, current.PackagesConda, "mkl-2.0-0.conda")
	assert.Contains(t, current.PackagesConda, "mkl-1.0-0.conda")
}

func TestSatisfies(t *testing.T) {
	tests := []struct {
		version    string
		constraint string
		want       bool
	}{
		{"3.9.18", "", true},
		{"3.9.18", "3.9.*", true},
		{"3.10.0", "3.9.*", false},
		{"3.9.18", ">=3.6", true},
		{"3.5.0", ">=3.6", false},
		{"3.7.2", ">=3.6,<3.8", true},
		{"3.8.0", ">=3.6,<3.8", false},
		{"1.2.3", "==1.2.3", true},
		{"1.2.3", "!=1.2.3", false},
		{"1.2.3", "=1.2", true},
		{"1.2.3", "1.2", true},
		{"1.20.3", "1.2", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, satisfies(tt.version, tt.constraint),
			"%s against %q", tt.version, tt.constraint)
	}
}
