package dispatch

import (
	"context"
	"errors"

	"github.com/forder7935/wasm-link/cardinality"
	"github.com/forder7935/wasm-link/ident"
	"github.com/forder7935/wasm-link/resourcetable"
	"github.com/forder7935/wasm-link/val"
)

// All fans function out across every target in the socket (dispatch_all)
// and folds the per-plugin results back into the single Val shape
// val.FromSocket assigns the socket's cardinality: an ExactlyOne socket
// answers with the one plugin's result directly, AtMostOne with an option,
// and AtLeastOne/Any with a list. A target that traps or returns an
// unsupported value contributes an Error to the returned slice instead of
// aborting the whole call. The returned bool is false only when the
// socket's cardinality required at least one answer and every target
// failed to provide one; callers must treat a false return as fatal rather
// than reading the accompanying zero Val.
//
// knownFunctions names every function the interface being dispatched
// against actually declares (spec.md 4.4 step 2); a function name outside
// that set is refused as DispatchError.UnknownFunction before any target
// is invoked. Shim-synthesized calls always pass a singleton naming
// exactly the function they were registered for; PluginTreeHead.Dispatch,
// the host-facing entry point, passes the root interface's whole function
// list since its caller supplies an arbitrary string.
func All(ctx context.Context, ifaceID ident.InterfaceID, targets cardinality.Socket[Target, ident.PluginID], function string, knownFunctions []string, args val.Val, registry *resourcetable.Registry) (val.Val, []*Error, bool) {
	if !hasFunction(knownFunctions, function) {
		return val.Val{}, []*Error{{Kind: UnknownFunction, Interface: ifaceID, Function: function, Detail: "function not declared on this interface"}}, false
	}

	defer releaseBorrowedArgs(args, registry)

	results := make(map[ident.PluginID]val.Val)
	var errs []*Error

	// spec.md 4.3 step 3: each target gets its own borrow registered against
	// the same underlying rep, not one shared unwrap reused across targets —
	// two targets touching the same handle must not observe each other's
	// release.
	targets.Each(func(id ident.PluginID, t Target) {
		unwrapped, err := UnwrapResource(args, registry)
		if err != nil {
			errs = append(errs, &Error{Kind: classifyValError(err), Interface: ifaceID, Function: function, Plugin: id, Cause: err})
			return
		}
		res, err := t.Dispatch(ctx, function, unwrapped)
		if err != nil {
			errs = append(errs, &Error{Kind: Trap, Interface: ifaceID, Function: function, Plugin: id, Cause: err})
			return
		}
		wrapped, werr := WrapResources(res, id.String(), registry)
		if werr != nil {
			errs = append(errs, &Error{Kind: classifyValError(werr), Interface: ifaceID, Function: function, Plugin: id, Cause: werr})
			return
		}
		results[id] = wrapped
	})

	unsatisfied := func() (val.Val, []*Error, bool) {
		if len(errs) == 0 {
			errs = append(errs, &Error{Kind: SocketUnsatisfied, Interface: ifaceID, Function: function, Detail: "socket produced no usable result"})
		}
		return val.Val{}, errs, false
	}

	var out cardinality.Socket[val.Val, ident.PluginID]
	switch targets.Kind() {
	case cardinality.ExactlyOne:
		if len(results) == 0 {
			return unsatisfied()
		}
		id, v := onlyEntry(results)
		out = cardinality.NewExactlyOne(id, v)
	case cardinality.AtMostOne:
		if len(results) == 0 {
			out = cardinality.NewAtMostOne[val.Val](ident.PluginID(0), nil)
		} else {
			id, v := onlyEntry(results)
			out = cardinality.NewAtMostOne(id, &v)
		}
	case cardinality.AtLeastOne:
		if len(results) == 0 {
			return unsatisfied()
		}
		out = cardinality.NewAtLeastOne(results)
	default: // Any
		out = cardinality.NewAny(results)
	}

	return val.FromSocket(out), errs, true
}

// Method routes function to the single target that owns the resource the
// call was made against (route_method), rather than fanning it out. See
// All's doc comment for knownFunctions.
func Method(ctx context.Context, ifaceID ident.InterfaceID, targets cardinality.Socket[Target, ident.PluginID], function string, knownFunctions []string, owner ident.PluginID, args val.Val, registry *resourcetable.Registry) (val.Val, *Error) {
	if !hasFunction(knownFunctions, function) {
		return val.Val{}, &Error{Kind: UnknownFunction, Interface: ifaceID, Function: function, Detail: "function not declared on this interface"}
	}

	target, ok := targets.Get(owner)
	if !ok {
		return val.Val{}, &Error{
			Kind:      TargetNotFound,
			Interface: ifaceID,
			Function:  function,
			Plugin:    owner,
			Detail:    "resource owner is not currently loaded in this socket",
		}
	}

	defer releaseBorrowedArgs(args, registry)

	unwrapped, err := UnwrapResource(args, registry)
	if err != nil {
		return val.Val{}, &Error{Kind: classifyValError(err), Interface: ifaceID, Function: function, Plugin: owner, Cause: err}
	}

	res, err := target.Dispatch(ctx, function, unwrapped)
	if err != nil {
		return val.Val{}, &Error{Kind: Trap, Interface: ifaceID, Function: function, Plugin: owner, Cause: err}
	}

	wrapped, werr := WrapResources(res, owner.String(), registry)
	if werr != nil {
		return val.Val{}, &Error{Kind: classifyValError(werr), Interface: ifaceID, Function: function, Plugin: owner, Cause: werr}
	}
	return wrapped, nil
}

// hasFunction reports whether function appears in names.
func hasFunction(names []string, function string) bool {
	for _, n := range names {
		if n == function {
			return true
		}
	}
	return false
}

// classifyValError distinguishes a resource-translation-specific failure
// (a handle that couldn't be resolved) from any other value the shim
// refuses to route, so a caller sees DispatchError.ResourceTranslation
// instead of the more generic UnsupportedType when a handle simply wasn't
// found.
func classifyValError(err error) ErrorKind {
	var rerr *ErrResourceNotFound
	if errors.As(err, &rerr) {
		return ResourceTranslation
	}
	return UnsupportedType
}

func onlyEntry(m map[ident.PluginID]val.Val) (ident.PluginID, val.Val) {
	for id, v := range m {
		return id, v
	}
	return ident.PluginID(0), val.Val{}
}
