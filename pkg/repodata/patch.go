package repodata

import (
	"sort"

	"github.com/glorpus-work/conda-index/pkg/conda"
	"github.com/glorpus-work/conda-index/pkg/model"
)

// ApplyInstructions returns a patched copy of repodata. The pre-patch
// document is never mutated, so repodata_from_packages.json stays intact.
//
// Per-record patches deep-merge: nested maps merge, scalars and lists
// replace, fields the patch doesn't mention are preserved. Patches written
// against a .tar.bz2 basename also apply to the identically named .conda
// entry, which shares its content.
func ApplyInstructions(rd *model.Repodata, instructions *model.PatchInstructions) *model.Repodata {
	patched := rd.Clone()
	if instructions == nil {
		return patched
	}

	patchGroup(patched.Packages, instructions.Packages)

	condaFixes := make(map[string]model.Record, len(instructions.Packages))
	for fn, fix := range instructions.Packages {
		condaFixes[conda.CondaCounterpart(fn)] = fix
	}
	patchGroup(patched.PackagesConda, condaFixes)
	patchGroup(patched.PackagesConda, instructions.PackagesConda)

	for _, fn := range instructions.Revoke {
		revoke(patched.Packages, fn)
		revoke(patched.PackagesConda, conda.CondaCounterpart(fn))
	}

	for _, fn := range instructions.Remove {
		if _, ok := patched.Packages[fn]; ok {
			delete(patched.Packages, fn)
			patched.Removed = append(patched.Removed, fn)
		}
		twin := conda.CondaCounterpart(fn)
		if _, ok := patched.PackagesConda[twin]; ok {
			delete(patched.PackagesConda, twin)
			patched.Removed = append(patched.Removed, twin)
		}
	}
	sort.Strings(patched.Removed)

	return patched
}

// patchGroup merges per-record fixes into records that exist; fixes for
// absent basenames are ignored.
func patchGroup(records map[string]model.Record, fixes map[string]model.Record) {
	for fn, fix := range fixes {
		record, ok := records[fn]
		if !ok {
			continue
		}
		records[fn] = mergeRecord(record, fix)
	}
}

// mergeRecord deep-merges fix into record. Maps recurse; everything else
// replaces.
func mergeRecord(record model.Record, fix model.Record) model.Record {
	for key, value := range fix {
		if fixMap, ok := asRecord(value); ok {
			if baseMap, ok := asRecord(record[key]); ok {
				record[key] = map[string]any(mergeRecord(baseMap.Clone(), fixMap))
				continue
			}
		}
		record[key] = value
	}
	return record
}

func asRecord(v any) (model.Record, bool) {
	switch m := v.(type) {
	case map[string]any:
		return model.Record(m), true
	case model.Record:
		return m, true
	}
	return nil, false
}

func revoke(records map[string]model.Record, fn string) {
	record, ok := records[fn]
	if !ok {
		return
	}
	record["revoked"] = true
	depends := append(record.Depends(), "package_has_been_revoked")
	asAny := make([]any, len(depends))
	for i, d := range depends {
		asAny[i] = d
	}
	record["depends"] = asAny
}
