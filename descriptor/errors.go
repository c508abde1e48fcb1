package descriptor

import (
	"fmt"

	"github.com/forder7935/wasm-link/ident"
)

// BuildErrorKind discriminates the BuildError variants named in spec.md's
// error taxonomy: InterfaceDataError, PluginDataError, MissingInterface,
// UnknownInterface, MissingPlugForRoot, DuplicatePluginId,
// DuplicateInterfaceId, CycleDetected.
type BuildErrorKind uint8

const (
	// InterfaceDataError marks an interface descriptor that could not be
	// used as given (e.g. declares no functions and no resources at all).
	InterfaceDataError BuildErrorKind = iota
	// PluginDataError marks a plugin descriptor that could not be used as
	// given (e.g. a nil ComponentFactory).
	PluginDataError
	// MissingInterface marks an interface whose declared cardinality was
	// not met by the plugins found plugging it.
	MissingInterface
	// UnknownInterface marks a plug or socket reference to an interface id
	// no InterfaceDescriptor was ever declared for. Distinct from
	// MissingInterface: the referenced interface doesn't exist at all,
	// rather than existing but under- or over-provided.
	UnknownInterface
	// MissingPlugForRoot marks the degenerate case where no plugin plugs
	// the root interface at all. Unlike MissingInterface, this is not
	// gated on the root's declared cardinality: spec.md leaves the root
	// free to build under-provided (dispatch enforces cardinality against
	// it later), but zero plugins is worth surfacing regardless.
	MissingPlugForRoot
	// DuplicatePluginID marks a plugin id that appears more than once
	// across the input plugin descriptors; the later duplicate is dropped.
	DuplicatePluginID
	// DuplicateInterfaceID marks an interface id that appears more than
	// once across the input interface descriptors; the later duplicate is
	// dropped.
	DuplicateInterfaceID
	// CycleDetected marks a set of plugins whose socket dependencies form a
	// loop back to one of their own plugs, found anywhere in the descriptor
	// set, not only among interfaces reachable from root.
	CycleDetected
)

// BuildError reports one problem found while assembling a PluginTree.
// Build accumulates every BuildError it finds rather than stopping at the
// first one, so a caller can fix every broken interface/plugin in one pass.
type BuildError struct {
	InterfaceID ident.InterfaceID
	Plugins     []ident.PluginID
	Detail      string
	Kind        BuildErrorKind
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	switch e.Kind {
	case MissingInterface:
		return fmt.Sprintf("interface %s: cardinality not satisfied by %d plugin(s): %s", e.InterfaceID, len(e.Plugins), e.Detail)
	case UnknownInterface:
		return fmt.Sprintf("interface %s: referenced by plugin(s) %v but never declared: %s", e.InterfaceID, e.Plugins, e.Detail)
	case MissingPlugForRoot:
		return fmt.Sprintf("root interface %s: %s", e.InterfaceID, e.Detail)
	case PluginDataError:
		return fmt.Sprintf("plugin data error: %s", e.Detail)
	case DuplicatePluginID:
		return fmt.Sprintf("duplicate plugin id %s: %s", e.Plugins[0], e.Detail)
	case DuplicateInterfaceID:
		return fmt.Sprintf("duplicate interface id %s: %s", e.InterfaceID, e.Detail)
	case CycleDetected:
		return fmt.Sprintf("plugin dependency cycle: %v: %s", e.Plugins, e.Detail)
	default:
		return fmt.Sprintf("interface %s: %s", e.InterfaceID, e.Detail)
	}
}
