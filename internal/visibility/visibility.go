// Package visibility implements the pure group-scoped visibility
// resolver. It performs no I/O: callers load the registry snapshot and row
// set once at the command boundary and evaluate the predicates in memory.
package visibility

import "github.com/flare576/ei/internal/registry"

// ViewerGroups computes V = {group_primary} ∪ groups_visible for a
// viewer.
func ViewerGroups(viewer *registry.Persona) map[string]struct{} {
	groups := make(map[string]struct{})
	if viewer.GroupPrimary != nil && *viewer.GroupPrimary != "" {
		groups[*viewer.GroupPrimary] = struct{}{}
	}
	for _, g := range viewer.GroupsVisible {
		if g != "" {
			groups[g] = struct{}{}
		}
	}
	return groups
}

func isWildcard(groups map[string]struct{}) bool {
	_, ok := groups["*"]
	return ok
}

// VisiblePersonas returns the peers a viewer may see. "ei" sees everyone;
// other personas see peers whose group_primary is in V. Visibility is not
// symmetric.
func VisiblePersonas(viewer *registry.Persona, all []*registry.Persona) []*registry.Persona {
	if viewer.IsPrimary() {
		out := make([]*registry.Persona, 0, len(all))
		for _, p := range all {
			if p.Name != viewer.Name {
				out = append(out, p)
			}
		}
		return out
	}
	v := ViewerGroups(viewer)
	var out []*registry.Persona
	for _, p := range all {
		if p.Name == viewer.Name {
			continue
		}
		if p.GroupPrimary == nil {
			continue
		}
		if _, ok := v[*p.GroupPrimary]; ok {
			out = append(out, p)
		}
	}
	return out
}

// RowVisible reports whether an entity row with the given persona_groups is
// visible to a viewer with group set V. Global rows (empty persona_groups)
// are visible to everyone; "ei" (wildcard V) sees everything.
func RowVisible(rowGroups []string, viewer *registry.Persona) bool {
	if viewer.IsPrimary() {
		return true
	}
	if len(rowGroups) == 0 {
		return true
	}
	v := ViewerGroups(viewer)
	if isWildcard(v) {
		return true
	}
	for _, g := range rowGroups {
		if _, ok := v[g]; ok {
			return true
		}
	}
	return false
}

// TagRowGroups computes the persona_groups a new/updated row attributed to
// writer should carry: union in the
// writer's group_primary, or return existing unchanged if the writer is
// ungrouped (so a new row from an ungrouped writer stays global).
func TagRowGroups(existing []string, writer *registry.Persona) []string {
	if writer == nil || writer.GroupPrimary == nil || *writer.GroupPrimary == "" {
		return existing
	}
	for _, g := range existing {
		if g == *writer.GroupPrimary {
			return existing
		}
	}
	out := make([]string, len(existing), len(existing)+1)
	copy(out, existing)
	return append(out, *writer.GroupPrimary)
}
