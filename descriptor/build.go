package descriptor

import (
	"sort"

	"github.com/forder7935/wasm-link/ident"
	"github.com/forder7935/wasm-link/partial"
)

// Build groups plugins by the interface they plug, checks each declared
// interface's cardinality against the number of plugins found for it, and
// assembles a PluginTree from everything that validated.
//
// Every broken interface is reported, not just the first one: Build always
// returns a usable (possibly incomplete) tree alongside the full list of
// BuildErrors, mirroring original_source's PluginTree::new returning
// PartialSuccess<Self, PluginTreeError> rather than bailing on the first
// mismatch.
func Build(root ident.InterfaceID, interfaces []InterfaceDescriptor, plugins []PluginDescriptor) (*PluginTree, []BuildError) {
	var errs []BuildError

	byPlug := make(map[ident.InterfaceID][]PluginDescriptor)
	seenPlugin := make(map[ident.PluginID]bool, len(plugins))
	live := make([]PluginDescriptor, 0, len(plugins))
	for _, p := range plugins {
		if seenPlugin[p.ID] {
			errs = partial.Merge(errs, BuildError{
				Kind:    DuplicatePluginID,
				Plugins: []ident.PluginID{p.ID},
				Detail:  "plugin id appears more than once; the duplicate was dropped",
			})
			continue
		}
		seenPlugin[p.ID] = true

		if p.Component == nil {
			errs = partial.Merge(errs, BuildError{
				Kind:        PluginDataError,
				InterfaceID: p.Plug,
				Detail:      "plugin has no component factory",
			})
			continue
		}
		byPlug[p.Plug] = append(byPlug[p.Plug], p)
		live = append(live, p)
	}

	errs = partial.MergeAll(errs, detectCycles(live, byPlug))

	sockets := make(map[ident.InterfaceID]socketEntry, len(interfaces))
	seenInterface := make(map[ident.InterfaceID]bool, len(interfaces))
	for _, iface := range interfaces {
		if seenInterface[iface.ID] {
			errs = partial.Merge(errs, BuildError{
				Kind:        DuplicateInterfaceID,
				InterfaceID: iface.ID,
				Detail:      "interface id appears more than once; the duplicate was dropped",
			})
			continue
		}
		seenInterface[iface.ID] = true

		if len(iface.Functions) == 0 && len(iface.Resources) == 0 {
			errs = partial.Merge(errs, BuildError{
				Kind:        InterfaceDataError,
				InterfaceID: iface.ID,
				Detail:      "interface declares no functions and no resources",
			})
		}

		matched := byPlug[iface.ID]
		delete(byPlug, iface.ID)

		switch {
		case iface.ID == root:
			// spec.md 4.1 step 6: the root interface need not currently
			// satisfy its declared cardinality for the tree to build —
			// dispatch refuses calls against an unsatisfied root socket
			// later. Only the degenerate zero-plugin case is worth
			// surfacing this early.
			if len(matched) == 0 {
				errs = partial.Merge(errs, BuildError{
					Kind:        MissingPlugForRoot,
					InterfaceID: root,
					Detail:      "no plugin plugs the root interface",
				})
			}
		case !iface.Cardinality.Satisfies(len(matched)):
			ids := make([]ident.PluginID, 0, len(matched))
			for _, p := range matched {
				ids = append(ids, p.ID)
			}
			errs = partial.Merge(errs, BuildError{
				Kind:        MissingInterface,
				InterfaceID: iface.ID,
				Plugins:     ids,
				Detail:      iface.Cardinality.String(),
			})
		}

		sockets[iface.ID] = socketEntry{Interface: iface, Plugins: matched}
	}

	// Plugins that plug an interface never declared in `interfaces` cannot
	// be satisfied by anything: report and drop them, matching plugin_tree.rs
	// chaining "remaining plugin-less interfaces" onto the missing-interface
	// error stream.
	for plugID, leftover := range byPlug {
		ids := make([]ident.PluginID, 0, len(leftover))
		for _, p := range leftover {
			ids = append(ids, p.ID)
		}
		errs = partial.Merge(errs, BuildError{
			Kind:        UnknownInterface,
			InterfaceID: plugID,
			Plugins:     ids,
			Detail:      "no interface descriptor declared for this plug",
		})
	}

	// A plugin's sockets must also name declared interfaces: unlike a
	// missing plug (caught above via the byPlug leftovers), a socket that
	// never matched anything wouldn't otherwise surface until loadSocket
	// fails to find it at load time. Spec.md 8's invariant is "no tree edge
	// referencing an unknown interface id", so catch it here too.
	for _, p := range live {
		for _, sockID := range p.Sockets {
			if seenInterface[sockID] {
				continue
			}
			errs = partial.Merge(errs, BuildError{
				Kind:        UnknownInterface,
				InterfaceID: sockID,
				Plugins:     []ident.PluginID{p.ID},
				Detail:      "socket references an interface with no descriptor",
			})
		}
	}

	result := partial.Success[*PluginTree, BuildError]{
		Value:  &PluginTree{Root: root, sockets: sockets},
		Errors: errs,
	}
	return result.Value, result.Errors
}

// cycleColor tracks a plugin's place in detectCycles' DFS, mirroring
// loader.loadSocket's notStarted/borrowed/loaded sentinels but symbolically,
// over the whole descriptor set rather than only interfaces root reaches.
type cycleColor uint8

const (
	white cycleColor = iota
	gray
	black
)

// detectCycles walks the plugin -> socket -> candidate-plugin graph looking
// for a loop back to a plugin already on the current path: plugin A plugs
// interface X and sockets on interface Y, which only B plugs, which sockets
// back on X. Unlike loader's cycle detection, this runs over every plugin in
// the descriptor set, not just ones reachable from root, catching a cycle
// build-time even if nothing in the current root's tree would ever load it.
func detectCycles(plugins []PluginDescriptor, byPlug map[ident.InterfaceID][]PluginDescriptor) []BuildError {
	color := make(map[ident.PluginID]cycleColor, len(plugins))
	reported := make(map[string]bool)
	var errs []BuildError

	var visit func(p PluginDescriptor, path []ident.PluginID)
	visit = func(p PluginDescriptor, path []ident.PluginID) {
		switch color[p.ID] {
		case gray:
			idx := -1
			for i, id := range path {
				if id == p.ID {
					idx = i
					break
				}
			}
			if idx < 0 {
				return
			}
			cyclePlugins := append([]ident.PluginID(nil), path[idx:]...)
			key := cycleKey(cyclePlugins)
			if !reported[key] {
				reported[key] = true
				errs = append(errs, BuildError{
					Kind:    CycleDetected,
					Plugins: cyclePlugins,
					Detail:  "plugin sockets form a loop back to one of its own plugs",
				})
			}
			return
		case black:
			return
		}

		color[p.ID] = gray
		path = append(path, p.ID)
		for _, sockID := range p.Sockets {
			for _, dep := range byPlug[sockID] {
				visit(dep, path)
			}
		}
		color[p.ID] = black
	}

	for _, p := range plugins {
		if p.Component == nil {
			continue
		}
		if color[p.ID] == white {
			visit(p, nil)
		}
	}
	return errs
}

// cycleKey normalizes a cycle's plugin ids into a stable dedup key
// independent of which plugin the DFS happened to start from.
func cycleKey(ids []ident.PluginID) string {
	sorted := append([]ident.PluginID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	key := ""
	for _, id := range sorted {
		key += id.String() + ","
	}
	return key
}

// Socket returns the interface descriptor and candidate plugins registered
// for id, if the tree has an entry for it. The loader package walks the
// tree exclusively through this accessor; socketEntry itself stays
// unexported so descriptor.Build remains the only way to construct one.
func (t *PluginTree) Socket(id ident.InterfaceID) (InterfaceDescriptor, []PluginDescriptor, bool) {
	e, ok := t.sockets[id]
	if !ok {
		return InterfaceDescriptor{}, nil, false
	}
	return e.Interface, e.Plugins, true
}
