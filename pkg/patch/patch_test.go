package patch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/glorpus-work/conda-index/pkg/errors"
	"github.com/glorpus-work/conda-index/pkg/model"
	"github.com/glorpus-work/conda-index/test/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func prePatch(t *testing.T) *model.Repodata {
	t.Helper()
	rd := model.NewRepodata("noarch", "")
	record, err := model.ParseRecord([]byte(`{"name":"a","version":"1.0","build":"0","license":"unknown"}`))
	require.NoError(t, err)
	rd.PackagesConda["a-1.0-0.conda"] = record
	return rd
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "gen_patch.tengo")
	require.NoError(t, os.WriteFile(script, []byte(`instructions = ""`), 0o644))

	tests := []struct {
		name    string
		spec    string
		wantNil bool
		wantErr bool
	}{
		{name: "empty spec", spec: "", wantNil: true},
		{name: "tengo script", spec: script},
		{name: "missing script", spec: filepath.Join(dir, "nope.tengo"), wantErr: true},
		{name: "missing archive", spec: filepath.Join(dir, "nope-1.0-0.conda"), wantErr: true},
		{name: "unrecognized", spec: filepath.Join(dir, "gen_patch.py"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			generator, err := Load(tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantNil, generator == nil)
		})
	}
}

func TestScriptGenerator(t *testing.T) {
	script := `
json := import("json")
rd := json.decode(repodata)
remove := []
for fn, record in rd["packages.conda"] {
	if record.license == "unknown" {
		remove = append(remove, fn)
	}
}
instructions = json.encode({
	patch_instructions_version: 1,
	remove: remove,
	revoke: [],
	packages: {},
	"packages.conda": {}
})
`
	generator := &ScriptGenerator{Source: []byte(script)}
	instructions, err := generator.Instructions(context.Background(), "noarch", prePatch(t))
	require.NoError(t, err)
	assert.Equal(t, 1, instructions.PatchInstructionsVersion)
	assert.Equal(t, []string{"a-1.0-0.conda"}, instructions.Remove)
}

func TestScriptGeneratorEmpty(t *testing.T) {
	generator := &ScriptGenerator{Source: []byte(`x := subdir`)}
	instructions, err := generator.Instructions(context.Background(), "noarch", prePatch(t))
	require.NoError(t, err)
	assert.Empty(t, instructions.Remove)
	assert.Empty(t, instructions.Revoke)
}

func TestScriptGeneratorSyntaxError(t *testing.T) {
	generator := &ScriptGenerator{Source: []byte(`this is not tengo (`)}
	_, err := generator.Instructions(context.Background(), "noarch", prePatch(t))
	assert.ErrorIs(t, err, errors.ErrPatchMalformed)
}

func TestArchiveGenerator(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patches-1.0-0.conda")
	testutil.CreateCondaPackage(t, path, "noarch", testutil.PackageSpec{
		Name:    "patches",
		Version: "1.0",
	})

	// the fixture's pkg component has no instructions; absent means empty
	generator, err := Load(path)
	require.NoError(t, err)
	instructions, err := generator.Instructions(context.Background(), "noarch", prePatch(t))
	require.NoError(t, err)
	assert.Empty(t, instructions.Remove)
}

func TestFromJSONVersionCheck(t *testing.T) {
	_, err := FromJSON([]byte(`{"patch_instructions_version": 2}`))
	assert.ErrorIs(t, err, errors.ErrPatchMalformed)

	instructions, err := FromJSON([]byte(`{"patch_instructions_version": 1, "remove": ["x-1.0-0.conda"]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"x-1.0-0.conda"}, instructions.Remove)
}
