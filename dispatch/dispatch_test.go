package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/forder7935/wasm-link/cardinality"
	"github.com/forder7935/wasm-link/ident"
	"github.com/forder7935/wasm-link/resourcetable"
	"github.com/forder7935/wasm-link/val"
)

// fakeTarget is a Target that returns a fixed value or a fixed error,
// recording every function name it was called with.
type fakeTarget struct {
	err    error
	result val.Val
	calls  []string
}

func (f *fakeTarget) Dispatch(_ context.Context, function string, _ val.Val) (val.Val, error) {
	f.calls = append(f.calls, function)
	if f.err != nil {
		return val.Val{}, f.err
	}
	return f.result, nil
}

func TestAllExactlyOne(t *testing.T) {
	target := &fakeTarget{result: val.U32(7)}
	socket := cardinality.NewExactlyOne[Target](ident.PluginID(1), target)
	registry := resourcetable.NewRegistry()

	result, errs, ok := All(context.Background(), ident.InterfaceID(1), socket, "ping", []string{"ping"}, val.Val{}, registry)
	if !ok {
		t.Fatalf("expected ok=true, errs=%v", errs)
	}
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	if result.Kind != val.KindU32 || result.Num != 7 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestAllExactlyOneTargetTraps(t *testing.T) {
	target := &fakeTarget{err: errors.New("boom")}
	socket := cardinality.NewExactlyOne[Target](ident.PluginID(1), target)
	registry := resourcetable.NewRegistry()

	_, errs, ok := All(context.Background(), ident.InterfaceID(1), socket, "ping", []string{"ping"}, val.Val{}, registry)
	if ok {
		t.Fatal("expected ok=false when the only target traps")
	}
	if len(errs) != 1 || errs[0].Kind != Trap {
		t.Fatalf("expected a single Trap error, got %v", errs)
	}
}

func TestAllAtLeastOnePartialFailure(t *testing.T) {
	good := &fakeTarget{result: val.U32(1)}
	bad := &fakeTarget{err: errors.New("boom")}
	socket := cardinality.NewAtLeastOne[Target](map[ident.PluginID]Target{
		1: good,
		2: bad,
	})
	registry := resourcetable.NewRegistry()

	result, errs, ok := All(context.Background(), ident.InterfaceID(1), socket, "ping", []string{"ping"}, val.Val{}, registry)
	if !ok {
		t.Fatalf("expected ok=true with one surviving target, errs=%v", errs)
	}
	if len(errs) != 1 {
		t.Fatalf("expected exactly one error from the failing target, got %v", errs)
	}
	if result.Kind != val.KindList || len(result.List) != 1 {
		t.Fatalf("expected a single-element list result, got %+v", result)
	}
}

func TestAllAtMostOneEmpty(t *testing.T) {
	socket := cardinality.NewAtMostOne[Target](ident.PluginID(0), nil)
	registry := resourcetable.NewRegistry()

	result, errs, ok := All(context.Background(), ident.InterfaceID(1), socket, "ping", []string{"ping"}, val.Val{}, registry)
	if !ok {
		t.Fatalf("expected ok=true for an empty at-most-one socket, errs=%v", errs)
	}
	if result.Kind != val.KindOption || result.Option != nil {
		t.Fatalf("expected a none option, got %+v", result)
	}
}

func TestMethodRoutesToOwner(t *testing.T) {
	owner := &fakeTarget{result: val.Bool(true)}
	other := &fakeTarget{result: val.Bool(false)}
	socket := cardinality.NewAny(map[ident.PluginID]Target{
		1: owner,
		2: other,
	})
	registry := resourcetable.NewRegistry()

	result, err := Method(context.Background(), ident.InterfaceID(1), socket, "drop", []string{"drop"}, ident.PluginID(1), val.Val{}, registry)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Bool {
		t.Fatal("expected the owner's result, not the other target's")
	}
	if len(owner.calls) != 1 || len(other.calls) != 0 {
		t.Fatalf("expected only the owner to be dispatched, owner=%v other=%v", owner.calls, other.calls)
	}
}

func TestMethodTargetNotFound(t *testing.T) {
	socket := cardinality.NewAny(map[ident.PluginID]Target{
		1: &fakeTarget{result: val.Bool(true)},
	})
	registry := resourcetable.NewRegistry()

	_, err := Method(context.Background(), ident.InterfaceID(1), socket, "drop", []string{"drop"}, ident.PluginID(99), val.Val{}, registry)
	var derr *Error
	if !errors.As(err, &derr) || derr.Kind != TargetNotFound {
		t.Fatalf("expected a TargetNotFound error, got %v", err)
	}
}

func TestAllUnknownFunction(t *testing.T) {
	target := &fakeTarget{result: val.U32(7)}
	socket := cardinality.NewExactlyOne[Target](ident.PluginID(1), target)
	registry := resourcetable.NewRegistry()

	_, errs, ok := All(context.Background(), ident.InterfaceID(1), socket, "nope", []string{"ping"}, val.Val{}, registry)
	if ok {
		t.Fatal("expected ok=false for a function not declared on the interface")
	}
	if len(errs) != 1 || errs[0].Kind != UnknownFunction {
		t.Fatalf("expected a single UnknownFunction error, got %v", errs)
	}
	if len(target.calls) != 0 {
		t.Fatal("expected the target to never be dispatched")
	}
}

func TestMethodUnknownFunction(t *testing.T) {
	owner := &fakeTarget{result: val.Bool(true)}
	socket := cardinality.NewAny(map[ident.PluginID]Target{1: owner})
	registry := resourcetable.NewRegistry()

	_, err := Method(context.Background(), ident.InterfaceID(1), socket, "nope", []string{"drop"}, ident.PluginID(1), val.Val{}, registry)
	if err == nil || err.Kind != UnknownFunction {
		t.Fatalf("expected an UnknownFunction error, got %v", err)
	}
	if len(owner.calls) != 0 {
		t.Fatal("expected the owner to never be dispatched")
	}
}

func TestAllRehostsResultResources(t *testing.T) {
	target := &fakeTarget{result: val.Val{Kind: val.KindResource, Resource: val.Resource{Handle: 42}}}
	socket := cardinality.NewExactlyOne[Target](ident.PluginID(5), target)
	registry := resourcetable.NewRegistry()

	result, _, ok := All(context.Background(), ident.InterfaceID(1), socket, "make", []string{"make"}, val.Val{}, registry)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if result.Resource.Owner != ident.PluginID(5).String() {
		t.Fatalf("expected resource re-hosted under producing plugin, got owner=%q", result.Resource.Owner)
	}
	if result.Resource.Handle == 42 {
		t.Fatal("expected a freshly issued handle, not the plugin's native one")
	}
}
