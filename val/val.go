// Package val defines Val, the opaque aggregate value tree exchanged across
// a socket boundary. It mirrors the Component Model's canonical value shape
// closely enough for the shim and dispatch packages to inspect and rewrite
// values (in particular resource handles) without needing the full ABI
// machinery in the engine package.
package val

import "github.com/forder7935/wasm-link/resourcetable"

// Kind identifies which variant of Val is populated.
type Kind uint8

const (
	KindBool Kind = iota
	KindS8
	KindU8
	KindS16
	KindU16
	KindS32
	KindU32
	KindS64
	KindU64
	KindFloat32
	KindFloat64
	KindChar
	KindString
	KindList
	KindRecord
	KindTuple
	KindVariant
	KindEnum
	KindFlags
	KindOption
	KindResult
	KindResource
	// Unsupported kinds. A Val of one of these kinds is only ever produced
	// while decoding a guest call; the shim and dispatcher refuse to route
	// it any further (see UnsupportedKind).
	KindFuture
	KindStream
	KindErrorContext
)

// String names a Kind the way the corresponding WIT keyword is spelled,
// which is what appears in DispatchError.UnsupportedType.
func (k Kind) String() string {
	switch k {
	case KindFuture:
		return "future"
	case KindStream:
		return "stream"
	case KindErrorContext:
		return "error-context"
	default:
		return "value"
	}
}

// Case is one labeled alternative of a Variant.
type Case struct {
	Value *Val // nil if the case carries no payload
	Name  string
}

// Field is one named member of a Record.
type Field struct {
	Value Val
	Name  string
}

// Resource is a handle to a resource, plus which plugin's table it was
// issued from. Callers outside a plugin's own table must never dereference
// Handle directly; route it through resourcetable.Registry instead.
type Resource struct {
	Handle resourcetable.Handle
	Owner  string // opaque plugin identity, stringified ident.PluginID
	Borrow bool   // true if the handle is a borrow rather than an owned transfer
}

// Val is the opaque aggregate value tree passed across socket boundaries.
// Only one of the typed fields is meaningful, selected by Kind.
type Val struct {
	Str      string
	Cases    []Case // KindVariant: exactly one entry is meaningful per instance semantics
	Fields   []Field
	List     []Val
	Tuple    []Val
	Discr    uint32 // KindEnum discriminant, or KindVariant selected case index
	Flags    uint64 // bitset, up to 64 flags
	Resource Resource
	Option   *Val // KindOption; nil means none
	Result   *Val // KindResult payload; nil for a case with no payload
	ResultOK bool // KindResult: true is ok, false is err
	Num      uint64
	Kind     Kind
	Bool     bool
}

// Bool constructs a KindBool value.
func Bool(b bool) Val { return Val{Kind: KindBool, Bool: b} }

// String constructs a KindString value.
func String(s string) Val { return Val{Kind: KindString, Str: s} }

// U32 constructs a KindU32 value.
func U32(v uint32) Val { return Val{Kind: KindU32, Num: uint64(v)} }

// S32 constructs a KindS32 value.
func S32(v int32) Val { return Val{Kind: KindS32, Num: uint64(uint32(v))} }

// List constructs a KindList value.
func List(items []Val) Val { return Val{Kind: KindList, List: items} }

// Tuple constructs a KindTuple value.
func Tuple(items []Val) Val { return Val{Kind: KindTuple, Tuple: items} }

// Some constructs a KindOption value carrying a payload.
func Some(v Val) Val { return Val{Kind: KindOption, Option: &v} }

// None constructs an empty KindOption value.
func None() Val { return Val{Kind: KindOption} }

// Ok constructs a KindResult success value.
func Ok(v Val) Val { return Val{Kind: KindResult, ResultOK: true, Result: &v} }

// Err constructs a KindResult failure value.
func Err(v Val) Val { return Val{Kind: KindResult, ResultOK: false, Result: &v} }

// IsUnsupported reports whether v is a kind the runtime refuses to route
// across a socket boundary.
func (v Val) IsUnsupported() bool {
	switch v.Kind {
	case KindFuture, KindStream, KindErrorContext:
		return true
	default:
		return false
	}
}
