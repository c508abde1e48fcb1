// Package dispatch implements the fan-out and routing logic a socket
// boundary call actually runs: dispatch_all across every plugin plugging an
// interface, or route_method to the single plugin that owns a resource a
// method call was made against. shim's host functions and the top-level
// PluginTreeHead.Dispatch entry point both call into this package, matching
// spec.md 4.4's "dispatcher shares the shim's fan-out logic".
package dispatch

import (
	"fmt"

	"github.com/forder7935/wasm-link/ident"
	"github.com/forder7935/wasm-link/val"
)

// ErrorKind discriminates the DispatchError variants named in spec.md's
// error taxonomy.
type ErrorKind uint8

const (
	// LockRejected means the target plugin instance's call mutex could not
	// be acquired (a previous call into it never returned, or the tree is
	// shutting down).
	LockRejected ErrorKind = iota
	// UnsupportedType means a value in the call's argument or result tree
	// was a future, stream, or error-context: kinds this runtime refuses to
	// route across a socket boundary.
	UnsupportedType
	// TargetNotFound means a method call's resource handle did not resolve
	// to any plugin currently in the socket being dispatched against.
	TargetNotFound
	// Trap means the target plugin's guest code itself trapped or returned
	// a wasm-level error while executing the call.
	Trap
	// SocketUnsatisfied means an ExactlyOne or AtLeastOne socket produced no
	// usable result at all: every target either traps or, once loaded,
	// dispatch found none registered.
	SocketUnsatisfied
	// UnknownFunction means the dispatched function name is not declared
	// on the interface being called against, caught before any target is
	// ever invoked.
	UnknownFunction
	// ResourceTranslation means a resource handle in the call's argument
	// or result tree could not be translated across the socket boundary:
	// its handle was never hosted, or was already released, in the table
	// the boundary needed to resolve it against.
	ResourceTranslation
)

// String names an ErrorKind for use in messages.
func (k ErrorKind) String() string {
	switch k {
	case LockRejected:
		return "lock-rejected"
	case UnsupportedType:
		return "unsupported-type"
	case TargetNotFound:
		return "target-not-found"
	case Trap:
		return "trap"
	case SocketUnsatisfied:
		return "socket-unsatisfied"
	case UnknownFunction:
		return "unknown-function"
	case ResourceTranslation:
		return "resource-translation"
	default:
		return "unknown"
	}
}

// Error reports one plugin's failure to answer a dispatched call. Callers
// dispatching against a socket with more than one target accumulate one of
// these per failing target rather than aborting the whole call.
type Error struct {
	Cause     error
	Interface ident.InterfaceID
	Function  string
	Plugin    ident.PluginID
	Detail    string
	Kind      ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dispatch %s: plugin %s: %s: %v", e.Function, e.Plugin, e.Kind, e.Cause)
	}
	return fmt.Sprintf("dispatch %s: plugin %s: %s: %s", e.Function, e.Plugin, e.Kind, e.Detail)
}

// Unwrap exposes Cause so callers can errors.Is/As through a DispatchError.
func (e *Error) Unwrap() error { return e.Cause }

// Val encodes e as the two-field record the shim wire codec carries back to
// a caller in place of a panic: {kind: string, detail: string}. shim wraps
// this in val.Err so a guest sees a Result whose err case names exactly
// which DispatchError variant fired, instead of the host process dying.
func (e *Error) Val() val.Val {
	detail := e.Detail
	if detail == "" && e.Cause != nil {
		detail = e.Cause.Error()
	}
	return val.Val{
		Kind: val.KindRecord,
		Fields: []val.Field{
			{Name: "kind", Value: val.String(e.Kind.String())},
			{Name: "detail", Value: val.String(detail)},
		},
	}
}
