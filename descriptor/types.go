// Package descriptor holds the flat, data-driven description of a plugin
// set (interfaces and plugins) and the graph builder that turns it into a
// PluginTree ready for loading.
//
// It is grounded on original_source's plugin.rs, interface.rs, and
// plugin_tree.rs: the InterfaceData/PluginData traits there become plain
// struct fields here, since Go has no associated-type trait mechanism and
// every concrete descriptor source this module ships (config.Manifest,
// hand-built literals in tests) already has its data in hand rather than
// behind a fallible accessor.
package descriptor

import (
	"context"

	"github.com/forder7935/wasm-link/cardinality"
	"github.com/forder7935/wasm-link/engine"
	"github.com/forder7935/wasm-link/ident"
)

// ReturnKind classifies what a function's return value might contain, so
// the shim can skip the recursive resource-rewriting walk when it provably
// isn't needed. Supplemented from original_source's interface.rs; spec.md's
// distillation folds this into plain "return marshalling".
type ReturnKind uint8

const (
	// Void is the default: the function has no return value.
	Void ReturnKind = iota
	// AssumeNoResources declares the return value provably contains no
	// resource handles. Misdeclaring this on a function that does return
	// one is a correctness bug in the plugin descriptor, not something the
	// shim can detect after the fact: it produces a handle indistinguishable
	// from a plain integer in the target's canonical value stream.
	AssumeNoResources
	// MayContainResources is the safe default for any function returning an
	// aggregate type. The shim always walks the returned Val looking for
	// resource handles to re-host.
	MayContainResources
)

// FunctionDescriptor describes one function an interface declares.
type FunctionDescriptor struct {
	Name       string
	ReturnKind ReturnKind
	HasReturn  bool
	IsMethod   bool // first parameter borrows a resource; routes to one target
}

// InterfaceDescriptor describes one WIT interface: its identity, how many
// plugins may implement it, its package namespace (used to build the
// "{package}/{interface}" import string the shim registers under), and the
// functions and resource type names it declares.
type InterfaceDescriptor struct {
	ID          ident.InterfaceID
	Package     string
	Name        string
	Functions   []FunctionDescriptor
	Resources   []string
	Cardinality cardinality.Kind
}

// ImportPath is the "{package}/{interface}" string a shim function is
// registered under, matching the wire format original_source's
// loading/linker.rs builds for `linker_instance` lookups.
func (d InterfaceDescriptor) ImportPath() string {
	if d.Package == "" {
		return d.Name
	}
	return d.Package + "/" + d.Name
}

// ComponentFactory compiles a plugin's wasm bytes into an engine-loaded
// module, given the shared engine every plugin in a tree is instantiated
// against. It is the Go analogue of original_source's
// `PluginData::component(&self, engine: &Engine) -> Result<Component, Error>`.
type ComponentFactory func(ctx context.Context, eng *engine.WazeroEngine) (*engine.WazeroModule, error)

// PluginDescriptor describes one plugin: the interface it implements (its
// plug), the interfaces it depends on (its sockets), and how to compile it.
type PluginDescriptor struct {
	ID        ident.PluginID
	Plug      ident.InterfaceID
	Sockets   []ident.InterfaceID
	Component ComponentFactory
}

// socketEntry is one interface's worth of candidate plugins, prior to
// loading. It is intentionally unexported: PluginTree is the load-ready,
// validated shape; callers build one via Build, not by hand.
type socketEntry struct {
	Interface InterfaceDescriptor
	Plugins   []PluginDescriptor
}

// PluginTree is a validated, but not yet loaded, plugin dependency graph:
// every interface referenced (directly or transitively) from Root has an
// entry, along with the plugin(s) that plug it.
type PluginTree struct {
	sockets map[ident.InterfaceID]socketEntry
	Root    ident.InterfaceID
}
