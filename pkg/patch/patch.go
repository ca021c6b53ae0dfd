// Package patch loads metadata patch generators. A generator is a pure
// data-in/data-out collaborator: given a subdir's pre-patch repodata it
// returns remove/revoke/per-record edit instructions. The assembler applies
// them; this package only produces them.
package patch

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/glorpus-work/conda-index/pkg/archive"
	"github.com/glorpus-work/conda-index/pkg/conda"
	"github.com/glorpus-work/conda-index/pkg/errors"
	"github.com/glorpus-work/conda-index/pkg/model"
)

// SupportedInstructionsVersion is the only patch_instructions_version the
// assembler understands.
const SupportedInstructionsVersion = 1

// Generator produces patch instructions for one subdir.
type Generator interface {
	Instructions(ctx context.Context, subdir string, prePatch *model.Repodata) (*model.PatchInstructions, error)
}

// Load resolves a generator spec from the CLI:
//   - a .conda or .tar.bz2 archive containing <subdir>/patch_instructions.json
//   - a .tengo script computing instructions from the pre-patch repodata
//
// An empty spec yields nil (no generator; previously written
// patch_instructions.json files still apply).
func Load(spec string) (Generator, error) {
	switch {
	case spec == "":
		return nil, nil
	case conda.IsPackageFile(spec):
		if _, err := os.Stat(spec); err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidPath, "patch generator %s: %s", spec, err)
		}
		return &ArchiveGenerator{Path: spec}, nil
	case strings.HasSuffix(spec, ".tengo"):
		script, err := os.ReadFile(spec)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidPath, "patch generator %s: %s", spec, err)
		}
		return &ScriptGenerator{Source: script}, nil
	default:
		return nil, errors.Wrapf(errors.ErrValidation,
			"patch generator %s is neither a package archive nor a .tengo script", spec)
	}
}

// ArchiveGenerator reads ready-made instructions from a package archive,
// one patch_instructions.json per subdir.
type ArchiveGenerator struct {
	Path   string
	reader archive.Reader
}

// Instructions implements Generator.
func (g *ArchiveGenerator) Instructions(ctx context.Context, subdir string, _ *model.Repodata) (*model.PatchInstructions, error) {
	target := subdir + "/patch_instructions.json"
	wanted := map[string]bool{target: true}

	var instructions *model.PatchInstructions
	visit := func(_ string, data []byte) error {
		parsed, err := model.ParsePatchInstructions(data)
		if err != nil {
			return errors.Wrapf(errors.ErrPatchMalformed, "%s/%s: %s", g.Path, target, err)
		}
		instructions = parsed
		return nil
	}
	// patch archives keep their instructions in the pkg component
	if err := g.reader.ReadComponent(ctx, g.Path, "pkg", wanted, visit); err != nil {
		return nil, err
	}
	if instructions == nil {
		return &model.PatchInstructions{PatchInstructionsVersion: SupportedInstructionsVersion}, nil
	}
	if instructions.PatchInstructionsVersion > SupportedInstructionsVersion {
		return nil, errors.Wrapf(errors.ErrPatchMalformed,
			"incompatible patch_instructions_version %d", instructions.PatchInstructionsVersion)
	}
	return instructions, nil
}

// FromJSON parses an instructions document and validates its version. Used
// for patch_instructions.json files already present in a subdir.
func FromJSON(data []byte) (*model.PatchInstructions, error) {
	instructions, err := model.ParsePatchInstructions(data)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrPatchMalformed, "%s", err)
	}
	if instructions.PatchInstructionsVersion > SupportedInstructionsVersion {
		return nil, errors.Wrapf(errors.ErrPatchMalformed,
			"incompatible patch_instructions_version %d", instructions.PatchInstructionsVersion)
	}
	return instructions, nil
}

// marshalRepodata renders the pre-patch repodata for script consumption.
func marshalRepodata(rd *model.Repodata) (string, error) {
	encoded, err := json.Marshal(rd)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
