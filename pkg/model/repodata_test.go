package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecordPreservesIntegers(t *testing.T) {
	record, err := ParseRecord([]byte(`{
		"name": "a", "version": "1.0", "build": "py310_0",
		"build_number": 12, "size": 9007199254740993,
		"timestamp": 1700000000000, "depends": ["python >=3.10"]
	}`))
	require.NoError(t, err)

	assert.Equal(t, "a", record.Name())
	assert.Equal(t, "1.0", record.Version())
	assert.Equal(t, "py310_0", record.Build())
	assert.Equal(t, int64(12), record.BuildNumber())
	// beyond float64 precision; must survive a marshal round trip
	assert.Equal(t, int64(9007199254740993), record.Size())
	assert.Equal(t, []string{"python >=3.10"}, record.Depends())

	out, err := json.Marshal(record)
	require.NoError(t, err)
	assert.Contains(t, string(out), "9007199254740993")
}

func TestRecordClone(t *testing.T) {
	record, err := ParseRecord([]byte(`{"name":"a","license":"MIT"}`))
	require.NoError(t, err)
	clone := record.Clone()
	clone["license"] = "BSD"
	assert.Equal(t, "MIT", record["license"])
}

func TestDependencyName(t *testing.T) {
	assert.Equal(t, "python", DependencyName("python >=3.6"))
	assert.Equal(t, "openssl", DependencyName("openssl 1.1.* h123_0"))
	assert.Equal(t, "zlib", DependencyName("zlib"))
}

func TestNewRepodataBaseURL(t *testing.T) {
	rd := NewRepodata("linux-64", "")
	assert.Equal(t, 1, rd.RepodataVersion)
	assert.Empty(t, rd.Info.BaseURL)

	rd = NewRepodata("linux-64", "https://example.com/channel/")
	assert.Equal(t, 2, rd.RepodataVersion)
	assert.Equal(t, "https://example.com/channel/linux-64/", rd.Info.BaseURL)
}

func TestRepodataJSONShape(t *testing.T) {
	rd := NewRepodata("noarch", "")
	out, err := json.Marshal(rd)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"info": {"subdir": "noarch"},
		"packages": {},
		"packages.conda": {},
		"removed": [],
		"repodata_version": 1
	}`, string(out))
}

func TestParseRepodataDefaults(t *testing.T) {
	rd, err := ParseRepodata([]byte(`{"info": {"subdir": "noarch"}, "repodata_version": 1}`))
	require.NoError(t, err)
	assert.NotNil(t, rd.Packages)
	assert.NotNil(t, rd.PackagesConda)
	assert.NotNil(t, rd.Removed)
}

func TestParsePatchInstructions(t *testing.T) {
	instructions, err := ParsePatchInstructions([]byte(`{
		"patch_instructions_version": 1,
		"packages": {"a-1.0-0.tar.bz2": {"license": "MIT"}},
		"remove": ["b-1.0-0.tar.bz2"],
		"revoke": []
	}`))
	require.NoError(t, err)
	assert.Equal(t, 1, instructions.PatchInstructionsVersion)
	assert.Contains(t, instructions.Packages, "a-1.0-0.tar.bz2")
	assert.Equal(t, []string{"b-1.0-0.tar.bz2"}, instructions.Remove)
}
