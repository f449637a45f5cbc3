// Package relationships resolves include paths, eager-loads relations onto
// hydrated entities and synchronizes pending relation IDs.
package relationships

import "strings"

// ParentRelation is the include token naming the self-referential parent
const ParentRelation = "parent"

// IncludeSet is the resolved list of relation paths to eager load
type IncludeSet struct {
	// Paths are dot-separated relation paths, deduplicated, in request order
	// followed by defaults
	Paths []string
	// Parent is set when the parent hop was requested
	Parent bool
	// ParentPaths are the paths requested below "parent."
	ParentPaths []string
}

// ResolveIncludes parses a comma-separated include list and merges the
// entity defaults into it unless suppress is set. The parent token is
// removed from Paths and reported through Parent.
func ResolveIncludes(raw string, defaults []string, suppress bool) IncludeSet {
	var set IncludeSet
	seen := make(map[string]bool)
	seenParent := make(map[string]bool)

	add := func(path string) {
		path = normalizePath(path)
		if path == "" {
			return
		}
		if path == ParentRelation {
			set.Parent = true
			return
		}
		if rest, ok := strings.CutPrefix(path, ParentRelation+"."); ok {
			set.Parent = true
			if !seenParent[rest] {
				seenParent[rest] = true
				set.ParentPaths = append(set.ParentPaths, rest)
			}
			return
		}
		if !seen[path] {
			seen[path] = true
			set.Paths = append(set.Paths, path)
		}
	}

	for _, path := range strings.Split(raw, ",") {
		add(path)
	}
	if !suppress {
		for _, path := range defaults {
			add(path)
		}
	}
	return set
}

// Empty reports whether nothing is to be loaded
func (s IncludeSet) Empty() bool {
	return len(s.Paths) == 0 && !s.Parent
}

func normalizePath(path string) string {
	parts := strings.Split(strings.TrimSpace(path), ".")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ".")
}

// splitPaths groups paths by their first segment, keeping first-seen order
func splitPaths(paths []string) ([]string, map[string][]string) {
	var order []string
	nested := make(map[string][]string)
	for _, path := range paths {
		head, rest, _ := strings.Cut(path, ".")
		if _, ok := nested[head]; !ok {
			order = append(order, head)
			nested[head] = nil
		}
		if rest != "" {
			nested[head] = append(nested[head], rest)
		}
	}
	return order, nested
}
