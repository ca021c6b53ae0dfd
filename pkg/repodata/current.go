package repodata

import (
	"strings"

	goversion "github.com/hashicorp/go-version"
	"github.com/glorpus-work/conda-index/pkg/conda"
	"github.com/glorpus-work/conda-index/pkg/model"
)

// group is one package name's records across both extension groups.
type group struct {
	name    string
	entries []entry
}

type entry struct {
	fn     string
	record model.Record
	isV2   bool
}

// BuildCurrent derives the reduced current_repodata subset: for every
// package name, the records of the newest (version, build_number, build)
// triple plus everything in their recursive dependency closure. pins keeps
// extra versions of named packages (e.g. several supported pythons).
func BuildCurrent(rd *model.Repodata, pins map[string][]string) *model.Repodata {
	current := &model.Repodata{
		Info:            rd.Info,
		Packages:        map[string]model.Record{},
		PackagesConda:   map[string]model.Record{},
		Removed:         append([]string{}, rd.Removed...),
		RepodataVersion: rd.RepodataVersion,
	}

	groups := groupByName(rd)

	// seed with the newest version of every name, plus pinned versions
	keep := map[string]map[string]bool{} // name -> set of kept versions
	for name, g := range groups {
		versions := map[string]bool{latestVersion(g.entries): true}
		for _, pin := range pins[name] {
			if v := newestMatching(g.entries, pin); v != "" {
				versions[v] = true
			}
		}
		keep[name] = versions
	}

	// expand the dependency closure: when no kept version of a dependency
	// satisfies a kept record's spec, backfill the newest satisfying
	// version from the full repodata
	queue := make([]string, 0, len(keep))
	for name := range keep {
		queue = append(queue, name)
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		g, ok := groups[name]
		if !ok {
			continue
		}
		for _, e := range g.entries {
			if !keep[name][e.record.Version()] {
				continue
			}
			for _, spec := range e.record.Depends() {
				dep, constraint := splitSpec(spec)
				depGroup, ok := groups[dep]
				if !ok {
					continue
				}
				if keep[dep] == nil {
					keep[dep] = map[string]bool{}
				}
				if anyVersionSatisfies(keep[dep], constraint) {
					continue
				}
				if v := newestSatisfying(depGroup.entries, constraint); v != "" {
					keep[dep][v] = true
					queue = append(queue, dep)
				}
			}
		}
	}

	// packages with features keep at least one feature-free prior version
	// so plain installs don't churn
	for name, versions := range keep {
		g := groups[name]
		hasFeatures := false
		for _, e := range g.entries {
			if versions[e.record.Version()] && e.record.HasFeatures() {
				hasFeatures = true
				break
			}
		}
		if !hasFeatures {
			continue
		}
		if v := newestFeatureFree(g.entries); v != "" {
			versions[v] = true
		}
	}

	for name, versions := range keep {
		// of the newest version, only the builds of the newest
		// (version, build_number, build) triple are kept
		top := groups[name].entries[0].record
		for _, e := range groups[name].entries[1:] {
			if newerTriple(e.record, top) {
				top = e.record
			}
		}
		for _, e := range groups[name].entries {
			if !versions[e.record.Version()] {
				continue
			}
			if e.record.Version() == top.Version() &&
				(e.record.BuildNumber() != top.BuildNumber() || e.record.Build() != top.Build()) {
				continue
			}
			if e.isV2 {
				record := e.record.Clone()
				// consider the md5 of the matching .tar.bz2 to prevent
				// churn while both extensions carry the same content
				if twin, ok := rd.Packages[conda.Bz2Counterpart(e.fn)]; ok {
					record["legacy_bz2_md5"] = twin.Md5()
				}
				current.PackagesConda[e.fn] = record
			} else {
				current.Packages[e.fn] = e.record
			}
		}
	}

	return current
}

func groupByName(rd *model.Repodata) map[string]*group {
	groups := map[string]*group{}
	add := func(fn string, record model.Record, isV2 bool) {
		name := record.Name()
		if name == "" {
			return
		}
		g, ok := groups[name]
		if !ok {
			g = &group{name: name}
			groups[name] = g
		}
		g.entries = append(g.entries, entry{fn: fn, record: record, isV2: isV2})
	}
	for fn, record := range rd.Packages {
		add(fn, record, false)
	}
	for fn, record := range rd.PackagesConda {
		add(fn, record, true)
	}
	return groups
}

// latestVersion picks the version of the maximum (version, build_number,
// build) triple.
func latestVersion(entries []entry) string {
	best := entries[0]
	for _, e := range entries[1:] {
		if newerTriple(e.record, best.record) {
			best = e
		}
	}
	return best.record.Version()
}

// newerTriple reports whether a sorts after b.
func newerTriple(a, b model.Record) bool {
	if c := compareVersions(a.Version(), b.Version()); c != 0 {
		return c > 0
	}
	if a.BuildNumber() != b.BuildNumber() {
		return a.BuildNumber() > b.BuildNumber()
	}
	return a.Build() > b.Build()
}

// compareVersions orders version strings, falling back to lexicographic
// comparison when a version doesn't parse.
func compareVersions(a, b string) int {
	va, errA := goversion.NewVersion(a)
	vb, errB := goversion.NewVersion(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	return va.Compare(vb)
}

// newestMatching returns the newest version whose string starts with pin
// (e.g. pin "3.9" matches "3.9.18").
func newestMatching(entries []entry, pin string) string {
	var best model.Record
	for _, e := range entries {
		v := e.record.Version()
		if v != pin && !strings.HasPrefix(v, pin+".") {
			continue
		}
		if best == nil || newerTriple(e.record, best) {
			best = e.record
		}
	}
	if best == nil {
		return ""
	}
	return best.Version()
}

// splitSpec splits a dependency spec like "python >=3.6,<3.8" into name and
// constraint expression. Build-string matchers after a second space are
// dropped.
func splitSpec(spec string) (name, constraint string) {
	fields := strings.Fields(spec)
	if len(fields) == 0 {
		return "", ""
	}
	name = fields[0]
	if len(fields) > 1 {
		constraint = fields[1]
	}
	return name, constraint
}

func anyVersionSatisfies(versions map[string]bool, constraint string) bool {
	for v := range versions {
		if satisfies(v, constraint) {
			return true
		}
	}
	return false
}

// satisfies checks a version against a comma-ANDed conda version spec.
// Unparseable parts match permissively; pulling in a slightly-too-new
// dependency beats dropping it from the subset.
func satisfies(version, constraint string) bool {
	if constraint == "" {
		return true
	}
	for _, part := range strings.Split(constraint, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !satisfiesOne(version, part) {
			return false
		}
	}
	return true
}

func satisfiesOne(version, part string) bool {
	switch {
	case strings.HasSuffix(part, ".*"):
		base := strings.TrimSuffix(part, ".*")
		base = strings.TrimLeft(base, "=")
		return version == base || strings.HasPrefix(version, base+".")
	case strings.HasPrefix(part, "=="):
		return version == part[2:]
	case strings.HasPrefix(part, "!="):
		return version != part[2:]
	case strings.HasPrefix(part, ">="), strings.HasPrefix(part, "<="),
		strings.HasPrefix(part, ">"), strings.HasPrefix(part, "<"):
		c, err := goversion.NewConstraint(part)
		if err != nil {
			return true
		}
		v, err := goversion.NewVersion(version)
		if err != nil {
			return true
		}
		return c.Check(v)
	case strings.HasPrefix(part, "="):
		base := part[1:]
		return version == base || strings.HasPrefix(version, base+".")
	default:
		// a bare version means "starts with"
		return version == part || strings.HasPrefix(version, part+".")
	}
}

// newestSatisfying returns the newest version among entries that matches
// the constraint.
func newestSatisfying(entries []entry, constraint string) string {
	var best model.Record
	for _, e := range entries {
		if !satisfies(e.record.Version(), constraint) {
			continue
		}
		if best == nil || newerTriple(e.record, best) {
			best = e.record
		}
	}
	if best == nil {
		return ""
	}
	return best.Version()
}

// newestFeatureFree returns the newest version with no features.
func newestFeatureFree(entries []entry) string {
	var best model.Record
	for _, e := range entries {
		if e.record.HasFeatures() {
			continue
		}
		if best == nil || newerTriple(e.record, best) {
			best = e.record
		}
	}
	if best == nil {
		return ""
	}
	return best.Version()
}
