package repodata

import (
	"encoding/json"
	"testing"

	"github.com/glorpus-work/conda-index/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(t *testing.T, doc string) model.Record {
	t.Helper()
	rec, err := model.ParseRecord([]byte(doc))
	require.NoError(t, err)
	return rec
}

func testRepodata(t *testing.T) *model.Repodata {
	rd := model.NewRepodata("noarch", "")
	rd.Packages["a-1.0-0.tar.bz2"] = record(t, `{"name":"a","version":"1.0","build":"0","depends":["b"],"license":"MIT"}`)
	rd.PackagesConda["a-1.0-0.conda"] = record(t, `{"name":"a","version":"1.0","build":"0","depends":["b"],"license":"MIT"}`)
	rd.PackagesConda["b-2.0-0.conda"] = record(t, `{"name":"b","version":"2.0","build":"0","depends":[]}`)
	return rd
}

func TestApplyInstructionsRemove(t *testing.T) {
	rd := testRepodata(t)

	patched := ApplyInstructions(rd, &model.PatchInstructions{
		PatchInstructionsVersion: 1,
		Remove:                   []string{"a-1.0-0.tar.bz2"},
	})

	// removed from both groups, recorded in removed, pre-patch untouched
	assert.NotContains(t, patched.Packages, "a-1.0-0.tar.bz2")
	assert.NotContains(t, patched.PackagesConda, "a-1.0-0.conda")
	assert.Equal(t, []string{"a-1.0-0.conda", "a-1.0-0.tar.bz2"}, patched.Removed)
	assert.Contains(t, rd.Packages, "a-1.0-0.tar.bz2")
	assert.Empty(t, rd.Removed)
}

func TestApplyInstructionsRevoke(t *testing.T) {
	rd := testRepodata(t)

	patched := ApplyInstructions(rd, &model.PatchInstructions{
		PatchInstructionsVersion: 1,
		Revoke:                   []string{"a-1.0-0.tar.bz2"},
	})

	bz2 := patched.Packages["a-1.0-0.tar.bz2"]
	assert.Equal(t, true, bz2["revoked"])
	assert.Contains(t, bz2.Depends(), "package_has_been_revoked")

	conda := patched.PackagesConda["a-1.0-0.conda"]
	assert.Equal(t, true, conda["revoked"])
	assert.Contains(t, conda.Depends(), "package_has_been_revoked")

	// untouched record is untouched
	assert.NotContains(t, patched.PackagesConda["b-2.0-0.conda"], "revoked")
}

func TestApplyInstructionsMerge(t *testing.T) {
	rd := testRepodata(t)
	instructions, err := model.ParsePatchInstructions([]byte(`{
		"patch_instructions_version": 1,
		"packages": {
			"a-1.0-0.tar.bz2": {"depends": ["b >=2.0"], "license": "BSD"}
		},
		"packages.conda": {
			"b-2.0-0.conda": {"extra_field": {"nested": true}}
		}
	}`))
	require.NoError(t, err)

	patched := ApplyInstructions(rd, instructions)

	// list and scalar fields replace
	bz2 := patched.Packages["a-1.0-0.tar.bz2"]
	assert.Equal(t, []string{"b >=2.0"}, bz2.Depends())
	assert.Equal(t, "BSD", bz2["license"])
	// the .conda twin picks up .tar.bz2 fixes
	assert.Equal(t, []string{"b >=2.0"}, patched.PackagesConda["a-1.0-0.conda"].Depends())
	// unknown fields are preserved and added
	assert.Equal(t, "a", bz2["name"])
	b := patched.PackagesConda["b-2.0-0.conda"]
	nested, ok := b["extra_field"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, nested["nested"])

	// pre-patch document unchanged
	assert.Equal(t, []string{"b"}, rd.Packages["a-1.0-0.tar.bz2"].Depends())
	assert.Equal(t, "MIT", rd.Packages["a-1.0-0.tar.bz2"]["license"])
}

func TestApplyInstructionsPatchForAbsentPackage(t *testing.T) {
	rd := testRepodata(t)
	patched := ApplyInstructions(rd, &model.PatchInstructions{
		PatchInstructionsVersion: 1,
		Packages: map[string]model.Record{
			"ghost-9.9-0.tar.bz2": {"license": "GPL"},
		},
		Remove: []string{"ghost-9.9-0.tar.bz2"},
	})
	assert.NotContains(t, patched.Packages, "ghost-9.9-0.tar.bz2")
	assert.Empty(t, patched.Removed)
}

func TestApplyInstructionsNil(t *testing.T) {
	rd := testRepodata(t)
	patched := ApplyInstructions(rd, nil)
	assert.Equal(t, len(rd.Packages), len(patched.Packages))
	assert.Equal(t, len(rd.PackagesConda), len(patched.PackagesConda))
}

func TestPatchedJSONDeterminism(t *testing.T) {
	rd := testRepodata(t)
	first, err := json.Marshal(ApplyInstructions(rd, nil))
	require.NoError(t, err)
	second, err := json.Marshal(ApplyInstructions(rd, nil))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
