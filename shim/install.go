// Package shim synthesizes the host-provided import functions a loaded
// plugin calls to reach its sockets: for each interface a plugin depends
// on, Install registers one host function per interface function, under
// the "{package}/{interface}" import namespace descriptor.InterfaceDescriptor
// builds, so the plugin's own wasm imports resolve against it exactly the
// way they would against another wasm component in a real link.
//
// The functions Install registers do the actual boundary work: decode the
// caller's arguments, route them to one target (route_method, for an
// IsMethod function whose first argument borrows a resource) or fan them
// out to every target (dispatch_all, for everything else), re-host any
// resource handles found in the result, and encode the result back for the
// caller. This is grounded on original_source's loading/linker.rs, which
// performs the same registration walk against wasmtime's Linker.
package shim

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/forder7935/wasm-link/cardinality"
	"github.com/forder7935/wasm-link/descriptor"
	"github.com/forder7935/wasm-link/dispatch"
	"github.com/forder7935/wasm-link/engine"
	"github.com/forder7935/wasm-link/ident"
	"github.com/forder7935/wasm-link/resourcetable"
	"github.com/forder7935/wasm-link/val"
)

// Install registers one host function per function iface declares onto
// mod, so that a plugin compiled against mod can import
// "{iface.ImportPath()}"#"{function name}" and reach targets.
//
// Install itself never fails on a per-function basis; a function that
// cannot be registered (RegisterHostFuncRaw only fails on a nil handler,
// which never happens here) would be a programming error, not a runtime
// condition, so any error returned aborts the whole install rather than
// being accumulated.
func Install(mod *engine.WazeroModule, iface descriptor.InterfaceDescriptor, targets cardinality.Socket[dispatch.Target, ident.PluginID], registry *resourcetable.Registry) error {
	namespace := iface.ImportPath()
	for _, fn := range iface.Functions {
		fn := fn
		handler := buildHandler(iface.ID, fn, targets, registry)
		paramVT := []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}
		resultVT := []api.ValueType{api.ValueTypeI64}
		if !fn.HasReturn {
			resultVT = nil
		}
		if err := mod.RegisterHostFuncRaw(namespace, fn.Name, handler, paramVT, resultVT); err != nil {
			return fmt.Errorf("shim: install %s#%s: %w", namespace, fn.Name, err)
		}
	}
	return nil
}

// buildHandler closes over one interface function's dispatch shape and
// returns the raw wasm-facing function Install binds it to. Every call
// reads a (ptr, len) argument pair from the calling instance's own linear
// memory, decodes it with the shim wire codec, dispatches, and — if the
// function has a return value — writes the encoded result into a freshly
// allocated block of the caller's memory and returns it as a packed
// (ptr<<32 | len) i64.
func buildHandler(ifaceID ident.InterfaceID, fn descriptor.FunctionDescriptor, targets cardinality.Socket[dispatch.Target, ident.PluginID], registry *resourcetable.Registry) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		mem := mod.Memory()
		if mem == nil {
			// No result channel to report through and no caller memory to
			// decode a DispatchError into either: a component's own module
			// always exports memory, so this is a linking error, not a
			// runtime condition dispatch.Error models.
			panic(fmt.Sprintf("shim: %s#%s: caller module has no linear memory", ifaceID, fn.Name))
		}

		argPtr, argLen := uint32(stack[0]), uint32(stack[1])
		raw, ok := mem.Read(argPtr, argLen)
		if !ok {
			panic(fmt.Sprintf("shim: %s#%s: argument buffer out of bounds (ptr=%d len=%d)", ifaceID, fn.Name, argPtr, argLen))
		}

		args, err := Decode(raw)
		if err != nil {
			panic(fmt.Sprintf("shim: %s#%s: decode arguments: %v", ifaceID, fn.Name, err))
		}

		// Resource unwrapping happens inside dispatch.All/dispatch.Method,
		// after routing is decided: route_method needs Resource.Owner still
		// attached to pick the target, so unwrapping here (before routing)
		// would blind it on every cross-plugin method call.
		result, derr := route(ctx, ifaceID, fn, targets, registry, args)
		if derr != nil {
			Logger().Sugar().Warnw("dispatch failed", "interface", ifaceID.String(), "function", fn.Name, "error", derr)
			fail(ctx, mod, stack, fn, derr)
			return
		}

		if !fn.HasReturn {
			return
		}

		// dispatch.All/dispatch.Method already re-hosted any resource in
		// result against its producing plugin; fn.ReturnKind only matters
		// as a hint those callers could use to skip that walk, which is
		// not yet wired through this far.
		if !writeResult(ctx, mod, stack, ifaceID, fn, result) {
			return
		}
	}
}

// fail encodes derr as a DispatchError result and writes it in place of a
// successful return, so a guest sees a Result::Err rather than the host
// process dying. A void function has no result channel to carry the error
// back through, so that case still panics: original_source only ever
// surfaces DispatchError through a function's declared return type.
func fail(ctx context.Context, mod api.Module, stack []uint64, fn descriptor.FunctionDescriptor, derr *dispatch.Error) {
	if !fn.HasReturn {
		panic(fmt.Sprintf("shim: %s: %v", fn.Name, derr))
	}
	errVal := val.Err(derr.Val())
	encoded, err := Encode(errVal)
	if err != nil {
		panic(fmt.Sprintf("shim: %s: encode DispatchError: %v", fn.Name, err))
	}
	writeEncoded(ctx, mod, stack, fn, encoded)
}

// writeResult encodes result and writes it into the caller's memory,
// reporting failure to the caller (via panic, mirroring buildHandler's
// pre-existing behavior for genuine host/link-level faults that have
// nothing to do with the plugin call itself) rather than to a
// DispatchError, since encode/allocate/write failures here are host-side
// bugs, not conditions the guest's Result-typed return can express.
func writeResult(ctx context.Context, mod api.Module, stack []uint64, ifaceID ident.InterfaceID, fn descriptor.FunctionDescriptor, result val.Val) bool {
	encoded, err := Encode(result)
	if err != nil {
		panic(fmt.Sprintf("shim: %s#%s: encode result: %v", ifaceID, fn.Name, err))
	}
	writeEncoded(ctx, mod, stack, fn, encoded)
	return true
}

func writeEncoded(ctx context.Context, mod api.Module, stack []uint64, fn descriptor.FunctionDescriptor, encoded []byte) {
	resultPtr, err := allocGuest(ctx, mod, len(encoded))
	if err != nil {
		panic(fmt.Sprintf("shim: %s: allocate result buffer: %v", fn.Name, err))
	}
	if len(encoded) > 0 && !mod.Memory().Write(resultPtr, encoded) {
		panic(fmt.Sprintf("shim: %s: write result buffer out of bounds", fn.Name))
	}
	stack[0] = uint64(resultPtr)<<32 | uint64(len(encoded))
}

// route picks dispatch_all or route_method depending on whether fn is a
// method (its first argument borrows a resource that pins the call to
// whichever plugin owns it).
func route(ctx context.Context, ifaceID ident.InterfaceID, fn descriptor.FunctionDescriptor, targets cardinality.Socket[dispatch.Target, ident.PluginID], registry *resourcetable.Registry, args val.Val) (val.Val, *dispatch.Error) {
	// buildHandler closes over exactly one descriptor.FunctionDescriptor, so
	// fn.Name is by construction the only name dispatch needs to accept.
	knownFunctions := []string{fn.Name}

	if !fn.IsMethod {
		result, errs, ok := dispatch.All(ctx, ifaceID, targets, fn.Name, knownFunctions, args, registry)
		for _, e := range errs {
			Logger().Sugar().Warnw("dispatch_all target failed", "interface", ifaceID.String(), "function", fn.Name, "error", e)
		}
		if !ok {
			return val.Val{}, errs[0]
		}
		return result, nil
	}

	self, derr := firstArgOwner(ifaceID, fn.Name, args)
	if derr != nil {
		return val.Val{}, derr
	}
	return dispatch.Method(ctx, ifaceID, targets, fn.Name, knownFunctions, self, args, registry)
}

// firstArgOwner extracts the resource owner from a method call's argument
// tuple, whose first element must be the borrowed self handle.
func firstArgOwner(ifaceID ident.InterfaceID, function string, args val.Val) (ident.PluginID, *dispatch.Error) {
	var first val.Val
	switch args.Kind {
	case val.KindTuple:
		if len(args.Tuple) == 0 {
			return 0, &dispatch.Error{Kind: dispatch.UnsupportedType, Interface: ifaceID, Function: function, Detail: "method call has no arguments to borrow self from"}
		}
		first = args.Tuple[0]
	case val.KindResource:
		first = args
	default:
		return 0, &dispatch.Error{Kind: dispatch.UnsupportedType, Interface: ifaceID, Function: function, Detail: fmt.Sprintf("method call's first argument is a %s, not a resource", args.Kind)}
	}
	if first.Kind != val.KindResource {
		return 0, &dispatch.Error{Kind: dispatch.UnsupportedType, Interface: ifaceID, Function: function, Detail: fmt.Sprintf("method call's first argument is a %s, not a resource", first.Kind)}
	}
	if first.Resource.Owner == "" {
		return 0, &dispatch.Error{Kind: dispatch.UnsupportedType, Interface: ifaceID, Function: function, Detail: "method call's self handle has not been hosted by any plugin"}
	}
	owner, err := ident.ParsePluginID(first.Resource.Owner)
	if err != nil {
		return 0, &dispatch.Error{Kind: dispatch.UnsupportedType, Interface: ifaceID, Function: function, Detail: fmt.Sprintf("method call's self handle owner is malformed: %v", err)}
	}
	return owner, nil
}

// allocGuest asks the caller's own cabi_realloc export for a block of its
// linear memory to write a result into, matching how a real component
// import boundary returns aggregate values too large to fit in flat result
// registers.
func allocGuest(ctx context.Context, mod api.Module, size int) (uint32, error) {
	if size == 0 {
		return 0, nil
	}
	realloc := mod.ExportedFunction("cabi_realloc")
	if realloc == nil {
		return 0, fmt.Errorf("caller module does not export cabi_realloc")
	}
	res, err := realloc.Call(ctx, 0, 0, 1, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("cabi_realloc: %w", err)
	}
	if len(res) == 0 {
		return 0, fmt.Errorf("cabi_realloc returned no result")
	}
	return uint32(res[0]), nil
}
