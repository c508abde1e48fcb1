package dispatch

import (
	"fmt"

	"github.com/forder7935/wasm-link/resourcetable"
	"github.com/forder7935/wasm-link/val"
)

// WrapResources walks v recursively and re-hosts every resource handle it
// finds that was just produced by owner (Resource.Owner == "", the
// convention a Target's own Dispatch implementation uses for a handle drawn
// from its own table): each becomes a fresh resourcetable.Handle recorded
// against owner, so a caller elsewhere in the tree can hold it without ever
// seeing owner's native numbering. It is the Go analogue of
// original_source's resource_wrapper.rs wrap_resources.
//
// fd.ReturnKind == descriptor.AssumeNoResources lets a caller skip calling
// this at all; WrapResources itself makes no such assumption; it always
// walks the full tree it's given.
func WrapResources(v val.Val, owner string, registry *resourcetable.Registry) (val.Val, error) {
	if v.IsUnsupported() {
		return val.Val{}, fmt.Errorf("cannot wrap resources in a %s value", v.Kind)
	}
	switch v.Kind {
	case val.KindResource:
		if v.Resource.Owner != "" {
			// Already hosted by someone (e.g. passed through unchanged); leave it.
			return v, nil
		}
		fresh := registry.Attach(owner, uint64(v.Resource.Handle))
		v.Resource = val.Resource{Handle: fresh, Owner: owner, Borrow: v.Resource.Borrow}
		return v, nil
	case val.KindList:
		return mapVals(v, v.List, func(items []val.Val) val.Val { return val.Val{Kind: val.KindList, List: items} }, owner, registry, WrapResources)
	case val.KindTuple:
		return mapVals(v, v.Tuple, func(items []val.Val) val.Val { return val.Val{Kind: val.KindTuple, Tuple: items} }, owner, registry, WrapResources)
	case val.KindRecord:
		return mapFields(v, owner, registry, WrapResources)
	case val.KindOption:
		return mapOption(v, owner, registry, WrapResources)
	case val.KindResult:
		return mapResult(v, owner, registry, WrapResources)
	case val.KindVariant:
		return mapVariant(v, owner, registry, WrapResources)
	default:
		return v, nil
	}
}

// ErrResourceNotFound marks a resource-translation-specific failure: the
// handle wasn't registered under any table this call can see, either
// because it was dropped already or never hosted at all. dispatch
// classifies this as DispatchError.ResourceTranslation rather than the
// more generic UnsupportedType errors.As checks against below.
type ErrResourceNotFound struct {
	Handle resourcetable.Handle
}

// Error implements the error interface.
func (e *ErrResourceNotFound) Error() string {
	return fmt.Sprintf("resource handle %d is not registered (dropped or never hosted)", e.Handle)
}

// UnwrapResource walks v recursively and resolves every already-hosted
// resource handle it finds back to the native numbering its owning plugin
// issued it under, so the plugin that originally produced the handle can be
// handed it back in a form it recognizes.
func UnwrapResource(v val.Val, registry *resourcetable.Registry) (val.Val, error) {
	if v.IsUnsupported() {
		return val.Val{}, fmt.Errorf("cannot unwrap resources in a %s value", v.Kind)
	}
	switch v.Kind {
	case val.KindResource:
		if v.Resource.Owner == "" {
			return v, nil
		}
		owner, ok := registry.Lookup(v.Resource.Handle)
		if !ok {
			return val.Val{}, &ErrResourceNotFound{Handle: v.Resource.Handle}
		}
		v.Resource = val.Resource{Handle: resourcetable.Handle(owner.NativeHandle), Owner: "", Borrow: v.Resource.Borrow}
		return v, nil
	case val.KindList:
		return mapVals(v, v.List, func(items []val.Val) val.Val { return val.Val{Kind: val.KindList, List: items} }, "", registry, unwrapAdapter)
	case val.KindTuple:
		return mapVals(v, v.Tuple, func(items []val.Val) val.Val { return val.Val{Kind: val.KindTuple, Tuple: items} }, "", registry, unwrapAdapter)
	case val.KindRecord:
		return mapFields(v, "", registry, unwrapAdapter)
	case val.KindOption:
		return mapOption(v, "", registry, unwrapAdapter)
	case val.KindResult:
		return mapResult(v, "", registry, unwrapAdapter)
	case val.KindVariant:
		return mapVariant(v, "", registry, unwrapAdapter)
	default:
		return v, nil
	}
}

func unwrapAdapter(v val.Val, _ string, registry *resourcetable.Registry) (val.Val, error) {
	return UnwrapResource(v, registry)
}

// releaseBorrowedArgs walks v, still in its hosted (Owner/Borrow-populated)
// form, and drops every handle marked Borrow from registry. It must run on
// the tree as it looked before UnwrapResource cleared Owner, since that's
// the only point Borrow is still attached to a live registry entry.
//
// Only Borrow handles are released here: spec.md 8's invariant is that no
// borrow outlives the single call that created it, not that every resource
// argument dies with the call — a plugin holding an owned handle across
// repeated method calls (open once, read many times) must still find it in
// the registry on its second call.
func releaseBorrowedArgs(v val.Val, registry *resourcetable.Registry) {
	switch v.Kind {
	case val.KindResource:
		if v.Resource.Owner != "" && v.Resource.Borrow {
			registry.Release(v.Resource.Handle)
		}
	case val.KindList:
		for _, item := range v.List {
			releaseBorrowedArgs(item, registry)
		}
	case val.KindTuple:
		for _, item := range v.Tuple {
			releaseBorrowedArgs(item, registry)
		}
	case val.KindRecord:
		for _, f := range v.Fields {
			releaseBorrowedArgs(f.Value, registry)
		}
	case val.KindOption:
		if v.Option != nil {
			releaseBorrowedArgs(*v.Option, registry)
		}
	case val.KindResult:
		if v.Result != nil {
			releaseBorrowedArgs(*v.Result, registry)
		}
	case val.KindVariant:
		if len(v.Cases) == 1 && v.Cases[0].Value != nil {
			releaseBorrowedArgs(*v.Cases[0].Value, registry)
		}
	}
}

type walkFn func(v val.Val, owner string, registry *resourcetable.Registry) (val.Val, error)

func mapVals(_ val.Val, items []val.Val, rebuild func([]val.Val) val.Val, owner string, registry *resourcetable.Registry, walk walkFn) (val.Val, error) {
	out := make([]val.Val, len(items))
	for i, item := range items {
		w, err := walk(item, owner, registry)
		if err != nil {
			return val.Val{}, err
		}
		out[i] = w
	}
	return rebuild(out), nil
}

func mapFields(v val.Val, owner string, registry *resourcetable.Registry, walk walkFn) (val.Val, error) {
	fields := make([]val.Field, len(v.Fields))
	for i, f := range v.Fields {
		w, err := walk(f.Value, owner, registry)
		if err != nil {
			return val.Val{}, err
		}
		fields[i] = val.Field{Name: f.Name, Value: w}
	}
	return val.Val{Kind: val.KindRecord, Fields: fields}, nil
}

func mapOption(v val.Val, owner string, registry *resourcetable.Registry, walk walkFn) (val.Val, error) {
	if v.Option == nil {
		return v, nil
	}
	w, err := walk(*v.Option, owner, registry)
	if err != nil {
		return val.Val{}, err
	}
	return val.Val{Kind: val.KindOption, Option: &w}, nil
}

func mapResult(v val.Val, owner string, registry *resourcetable.Registry, walk walkFn) (val.Val, error) {
	if v.Result == nil {
		return v, nil
	}
	w, err := walk(*v.Result, owner, registry)
	if err != nil {
		return val.Val{}, err
	}
	return val.Val{Kind: val.KindResult, ResultOK: v.ResultOK, Result: &w}, nil
}

func mapVariant(v val.Val, owner string, registry *resourcetable.Registry, walk walkFn) (val.Val, error) {
	if len(v.Cases) != 1 {
		return val.Val{}, fmt.Errorf("variant must carry exactly one selected case, got %d", len(v.Cases))
	}
	c := v.Cases[0]
	if c.Value == nil {
		return v, nil
	}
	w, err := walk(*c.Value, owner, registry)
	if err != nil {
		return val.Val{}, err
	}
	return val.Val{Kind: val.KindVariant, Discr: v.Discr, Cases: []val.Case{{Name: c.Name, Value: &w}}}, nil
}
