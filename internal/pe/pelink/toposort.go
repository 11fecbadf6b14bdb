package pelink

import "sort"

// dedupeImports collapses duplicate edges (an import table can reference
// the same module twice if more than one descriptor resolves to it)
// before they're used as dependency-graph vertices.
func dedupeImports(edges []ImportEdge) []ImportEdge {
	s := append([]ImportEdge(nil), edges...)
	sort.Slice(s, func(i, j int) bool { return s[i].ID < s[j].ID })
	out := s[:0]
	for i, e := range s {
		if i == 0 || e.ID != out[len(out)-1].ID {
			out = append(out, e)
		}
	}
	return out
}

// dependencyOrder returns every loaded module's entry, ordered so that a
// module never appears before any module it imports: the first entry has
// no unresolved imports left within the set, the last is always the root.
// Grounded on the original loader's vertex-removal build of its module
// dependency list: repeatedly strip entries with zero remaining out-edges,
// and remove their ID from every other entry's edge set, until none are
// left.
func (lc *LoadContext) dependencyOrder() []*ModuleMapEntry {
	entries := lc.snapshot()
	// snapshot follows map iteration order; sorting by ID makes repeated
	// calls on an unchanged context return the same order.
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	remaining := make([]int, len(entries))
	outEdges := make(map[int]map[int]struct{}, len(entries))
	byID := make(map[int]*ModuleMapEntry, len(entries))
	for i, e := range entries {
		byID[e.ID] = e
		edges := dedupeImports(e.Imports)
		set := make(map[int]struct{}, len(edges))
		for _, imp := range edges {
			set[imp.ID] = struct{}{}
		}
		outEdges[e.ID] = set
		remaining[i] = e.ID
	}

	ordered := make([]*ModuleMapEntry, 0, len(entries))
	for len(remaining) > 0 {
		progressed := false
		next := remaining[:0]
		for _, id := range remaining {
			if len(outEdges[id]) != 0 {
				next = append(next, id)
				continue
			}
			ordered = append(ordered, byID[id])
			delete(outEdges, id)
			for _, edges := range outEdges {
				delete(edges, id)
			}
			progressed = true
		}
		remaining = next
		if !progressed {
			// A cycle survived dedup (shouldn't happen for well-formed PE
			// import graphs); break the tie by flushing the rest in
			// whatever order remains rather than looping forever.
			for _, id := range remaining {
				ordered = append(ordered, byID[id])
			}
			break
		}
	}
	return ordered
}

// ModuleKeys returns every loaded module's key, dependency-ordered: a
// module never appears before anything it imports.
func (lc *LoadContext) ModuleKeys() []string {
	entries := lc.dependencyOrder()
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Name
	}
	return keys
}

// ModuleEntryPoints returns every loaded module's mapped entry point
// address, in the same dependency order as ModuleKeys, so a caller
// driving module initializers can run them front-to-back.
func (lc *LoadContext) ModuleEntryPoints() []uintptr {
	entries := lc.dependencyOrder()
	addrs := make([]uintptr, len(entries))
	for i, e := range entries {
		addrs[i] = e.BaseMapping + uintptr(e.Module.EntryPointRVA)
	}
	return addrs
}
