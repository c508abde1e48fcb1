package loader

import (
	"fmt"

	"github.com/forder7935/wasm-link/ident"
)

// ErrorKind discriminates the LoadError variants named in spec.md's error
// taxonomy.
type ErrorKind uint8

const (
	// InvalidSocket means a plugin depends on an interface ID the tree has
	// no InterfaceDescriptor for at all.
	InvalidSocket ErrorKind = iota
	// LoopDetected means loading a socket recursively required loading
	// itself: some plugin's own socket dependency graph has a cycle.
	LoopDetected
	// FailedCardinalityRequirements means an interface's declared
	// cardinality was no longer satisfiable once socket loading finished,
	// because one or more candidate plugins failed to instantiate.
	FailedCardinalityRequirements
	// FailedToLoadComponent means a plugin's ComponentFactory returned an
	// error compiling its wasm bytes.
	FailedToLoadComponent
	// FailedToLinkInterface means shim.Install could not register a
	// socket's host functions onto a plugin's module.
	FailedToLinkInterface
	// FailedToLink means wazero instantiation itself failed, typically
	// because an import the shim didn't cover was left unsatisfied.
	FailedToLink
)

// String names an ErrorKind for use in messages.
func (k ErrorKind) String() string {
	switch k {
	case InvalidSocket:
		return "invalid-socket"
	case LoopDetected:
		return "loop-detected"
	case FailedCardinalityRequirements:
		return "failed-cardinality-requirements"
	case FailedToLoadComponent:
		return "failed-to-load-component"
	case FailedToLinkInterface:
		return "failed-to-link-interface"
	case FailedToLink:
		return "failed-to-link"
	default:
		return "unknown"
	}
}

// Error reports one problem hit while loading a PluginTree. Load
// accumulates every LoadError it finds, following the same
// don't-fail-fast-when-you-don't-have-to policy as descriptor.Build: a
// socket whose cardinality can still be met without a broken plugin keeps
// going rather than aborting the whole tree.
type Error struct {
	Cause       error
	InterfaceID ident.InterfaceID
	PluginID    ident.PluginID
	Detail      string
	Kind        ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Cause != nil && e.PluginID != 0:
		return fmt.Sprintf("load %s (plugin %s): %s: %v", e.Kind, e.InterfaceID, e.PluginID, e.Cause)
	case e.Cause != nil:
		return fmt.Sprintf("load %s: interface %s: %v", e.Kind, e.InterfaceID, e.Cause)
	case e.PluginID != 0:
		return fmt.Sprintf("load %s (plugin %s): interface %s: %s", e.Kind, e.PluginID, e.InterfaceID, e.Detail)
	default:
		return fmt.Sprintf("load %s: interface %s: %s", e.Kind, e.InterfaceID, e.Detail)
	}
}

// Unwrap exposes Cause so callers can errors.Is/As through a LoadError.
func (e *Error) Unwrap() error { return e.Cause }

// FatalLoadError reports that the root socket itself could not be loaded:
// Load has no PluginTreeHead to return at all, as distinct from the
// ordinary case where some non-root socket degraded but the root still
// came up. Callers previously had to infer this by checking for a nil
// *PluginTreeHead; spec.md 4.2 names it explicitly as
// FatalLoadError::RootUnsatisfied, so it gets its own type here rather
// than reusing the recoverable []*Error slice for a condition that isn't
// recoverable.
type FatalLoadError struct {
	// Errors holds every recoverable LoadError observed while trying to
	// resolve the root socket's dependencies, before the fatal collapse.
	Errors []*Error
	Detail string
}

// Error implements the error interface.
func (e *FatalLoadError) Error() string {
	return fmt.Sprintf("fatal: root interface unsatisfied: %s (%d recoverable error(s) along the way)", e.Detail, len(e.Errors))
}
