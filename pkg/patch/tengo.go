package patch

import (
	"context"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"
	"github.com/glorpus-work/conda-index/pkg/errors"
	"github.com/glorpus-work/conda-index/pkg/model"
)

// ScriptGenerator runs a Tengo script against the pre-patch repodata. The
// script receives `subdir` and `repodata` (a JSON string) and must assign a
// JSON string to `instructions`:
//
//	json := import("json")
//	rd := json.decode(repodata)
//	out := {patch_instructions_version: 1, remove: [], revoke: [],
//	        packages: {}, "packages.conda": {}}
//	// inspect rd, fill out ...
//	instructions = json.encode(out)
type ScriptGenerator struct {
	Source []byte
}

// Instructions implements Generator.
func (g *ScriptGenerator) Instructions(ctx context.Context, subdir string, prePatch *model.Repodata) (*model.PatchInstructions, error) {
	repodataJSON, err := marshalRepodata(prePatch)
	if err != nil {
		return nil, err
	}

	script := tengo.NewScript(g.Source)
	script.SetImports(stdlib.GetModuleMap("fmt", "json", "text", "math"))

	if err := script.Add("subdir", subdir); err != nil {
		return nil, errors.Wrap(err, "add subdir to patch script")
	}
	if err := script.Add("repodata", repodataJSON); err != nil {
		return nil, errors.Wrap(err, "add repodata to patch script")
	}
	if err := script.Add("instructions", ""); err != nil {
		return nil, errors.Wrap(err, "add instructions to patch script")
	}

	compiled, err := script.RunContext(ctx)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrPatchMalformed, "patch script: %s", err)
	}

	var out string
	switch v := compiled.Get("instructions").Value().(type) {
	case string:
		out = v
	case []byte:
		out = string(v)
	}
	if out == "" {
		return &model.PatchInstructions{PatchInstructionsVersion: SupportedInstructionsVersion}, nil
	}
	return FromJSON([]byte(out))
}
