package shim

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/forder7935/wasm-link/resourcetable"
	"github.com/forder7935/wasm-link/val"
)

// Encode and Decode implement the flat wire representation a shim function
// uses to move a val.Val across a socket boundary: every argument and every
// result is passed as a single (pointer, length) pair into the calling
// instance's linear memory, pointing at a tag-length-value encoding of the
// tree produced here.
//
// This is deliberately not a byte-for-byte reproduction of the Component
// Model's own value flattening (that already lives, fully implemented, in
// the transcoder package this module inherits from the engine layer) — it
// is this module's own boundary format for the subset of Val the shim and
// dispatcher need to move around: primitives, aggregates, and resource
// handles. See DESIGN.md for why a bespoke TLV format was chosen over
// reusing transcoder's canonical flattening for this boundary.

// Encode serializes v into the TLV wire format.
func Encode(v val.Val) ([]byte, error) {
	var buf []byte
	buf, err := appendVal(buf, v)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Decode parses the TLV wire format produced by Encode.
func Decode(b []byte) (val.Val, error) {
	v, rest, err := readVal(b)
	if err != nil {
		return val.Val{}, err
	}
	if len(rest) != 0 {
		return val.Val{}, fmt.Errorf("shim: %d trailing byte(s) after decoded value", len(rest))
	}
	return v, nil
}

func appendVal(buf []byte, v val.Val) ([]byte, error) {
	buf = append(buf, byte(v.Kind))
	switch v.Kind {
	case val.KindBool:
		if v.Bool {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case val.KindS8, val.KindU8, val.KindS16, val.KindU16,
		val.KindS32, val.KindU32, val.KindS64, val.KindU64, val.KindChar:
		buf = appendU64(buf, v.Num)
	case val.KindFloat32:
		buf = appendU64(buf, uint64(math.Float32bits(float32(math.Float64frombits(v.Num)))))
	case val.KindFloat64:
		buf = appendU64(buf, v.Num)
	case val.KindString:
		buf = appendBytes(buf, []byte(v.Str))
	case val.KindList, val.KindTuple:
		items := v.List
		if v.Kind == val.KindTuple {
			items = v.Tuple
		}
		buf = appendU32(buf, uint32(len(items)))
		var err error
		for _, item := range items {
			buf, err = appendVal(buf, item)
			if err != nil {
				return nil, err
			}
		}
	case val.KindRecord:
		buf = appendU32(buf, uint32(len(v.Fields)))
		var err error
		for _, f := range v.Fields {
			buf = appendBytes(buf, []byte(f.Name))
			buf, err = appendVal(buf, f.Value)
			if err != nil {
				return nil, err
			}
		}
	case val.KindVariant:
		buf = appendU32(buf, v.Discr)
		if len(v.Cases) != 1 {
			return nil, fmt.Errorf("shim: variant must carry exactly one selected case, got %d", len(v.Cases))
		}
		c := v.Cases[0]
		buf = appendBytes(buf, []byte(c.Name))
		if c.Value == nil {
			buf = append(buf, 0)
		} else {
			buf = append(buf, 1)
			var err error
			buf, err = appendVal(buf, *c.Value)
			if err != nil {
				return nil, err
			}
		}
	case val.KindEnum:
		buf = appendU32(buf, v.Discr)
	case val.KindFlags:
		buf = appendU64(buf, v.Flags)
	case val.KindOption:
		if v.Option == nil {
			buf = append(buf, 0)
		} else {
			buf = append(buf, 1)
			var err error
			buf, err = appendVal(buf, *v.Option)
			if err != nil {
				return nil, err
			}
		}
	case val.KindResult:
		if v.ResultOK {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		if v.Result == nil {
			buf = append(buf, 0)
		} else {
			buf = append(buf, 1)
			var err error
			buf, err = appendVal(buf, *v.Result)
			if err != nil {
				return nil, err
			}
		}
	case val.KindResource:
		buf = appendU64(buf, uint64(v.Resource.Handle))
		buf = appendBytes(buf, []byte(v.Resource.Owner))
		if v.Resource.Borrow {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case val.KindFuture, val.KindStream, val.KindErrorContext:
		return nil, fmt.Errorf("shim: cannot encode unsupported value kind %q across a socket boundary", v.Kind)
	default:
		return nil, fmt.Errorf("shim: unknown value kind %d", v.Kind)
	}
	return buf, nil
}

func readVal(b []byte) (val.Val, []byte, error) {
	if len(b) == 0 {
		return val.Val{}, nil, fmt.Errorf("shim: unexpected end of buffer reading value tag")
	}
	kind := val.Kind(b[0])
	b = b[1:]

	switch kind {
	case val.KindBool:
		if len(b) < 1 {
			return val.Val{}, nil, fmt.Errorf("shim: truncated bool")
		}
		return val.Val{Kind: kind, Bool: b[0] != 0}, b[1:], nil
	case val.KindS8, val.KindU8, val.KindS16, val.KindU16,
		val.KindS32, val.KindU32, val.KindS64, val.KindU64, val.KindChar:
		n, rest, err := readU64(b)
		if err != nil {
			return val.Val{}, nil, err
		}
		return val.Val{Kind: kind, Num: n}, rest, nil
	case val.KindFloat32:
		n, rest, err := readU64(b)
		if err != nil {
			return val.Val{}, nil, err
		}
		bits := uint64(math.Float64bits(float64(math.Float32frombits(uint32(n)))))
		return val.Val{Kind: kind, Num: bits}, rest, nil
	case val.KindFloat64:
		n, rest, err := readU64(b)
		if err != nil {
			return val.Val{}, nil, err
		}
		return val.Val{Kind: kind, Num: n}, rest, nil
	case val.KindString:
		s, rest, err := readBytes(b)
		if err != nil {
			return val.Val{}, nil, err
		}
		return val.Val{Kind: kind, Str: string(s)}, rest, nil
	case val.KindList, val.KindTuple:
		count, rest, err := readU32(b)
		if err != nil {
			return val.Val{}, nil, err
		}
		items := make([]val.Val, 0, count)
		for i := uint32(0); i < count; i++ {
			var item val.Val
			item, rest, err = readVal(rest)
			if err != nil {
				return val.Val{}, nil, err
			}
			items = append(items, item)
		}
		if kind == val.KindTuple {
			return val.Val{Kind: kind, Tuple: items}, rest, nil
		}
		return val.Val{Kind: kind, List: items}, rest, nil
	case val.KindRecord:
		count, rest, err := readU32(b)
		if err != nil {
			return val.Val{}, nil, err
		}
		fields := make([]val.Field, 0, count)
		for i := uint32(0); i < count; i++ {
			var name []byte
			name, rest, err = readBytes(rest)
			if err != nil {
				return val.Val{}, nil, err
			}
			var fv val.Val
			fv, rest, err = readVal(rest)
			if err != nil {
				return val.Val{}, nil, err
			}
			fields = append(fields, val.Field{Name: string(name), Value: fv})
		}
		return val.Val{Kind: kind, Fields: fields}, rest, nil
	case val.KindVariant:
		discr, rest, err := readU32(b)
		if err != nil {
			return val.Val{}, nil, err
		}
		name, rest2, err := readBytes(rest)
		if err != nil {
			return val.Val{}, nil, err
		}
		if len(rest2) < 1 {
			return val.Val{}, nil, fmt.Errorf("shim: truncated variant payload flag")
		}
		hasPayload := rest2[0] != 0
		rest2 = rest2[1:]
		c := val.Case{Name: string(name)}
		if hasPayload {
			var pv val.Val
			pv, rest2, err = readVal(rest2)
			if err != nil {
				return val.Val{}, nil, err
			}
			c.Value = &pv
		}
		return val.Val{Kind: kind, Discr: discr, Cases: []val.Case{c}}, rest2, nil
	case val.KindEnum:
		discr, rest, err := readU32(b)
		if err != nil {
			return val.Val{}, nil, err
		}
		return val.Val{Kind: kind, Discr: discr}, rest, nil
	case val.KindFlags:
		flags, rest, err := readU64(b)
		if err != nil {
			return val.Val{}, nil, err
		}
		return val.Val{Kind: kind, Flags: flags}, rest, nil
	case val.KindOption:
		if len(b) < 1 {
			return val.Val{}, nil, fmt.Errorf("shim: truncated option flag")
		}
		if b[0] == 0 {
			return val.Val{Kind: kind}, b[1:], nil
		}
		inner, rest, err := readVal(b[1:])
		if err != nil {
			return val.Val{}, nil, err
		}
		return val.Val{Kind: kind, Option: &inner}, rest, nil
	case val.KindResult:
		if len(b) < 2 {
			return val.Val{}, nil, fmt.Errorf("shim: truncated result flags")
		}
		ok := b[0] != 0
		hasPayload := b[1] != 0
		rest := b[2:]
		out := val.Val{Kind: kind, ResultOK: ok}
		if hasPayload {
			var inner val.Val
			var err error
			inner, rest, err = readVal(rest)
			if err != nil {
				return val.Val{}, nil, err
			}
			out.Result = &inner
		}
		return out, rest, nil
	case val.KindResource:
		handle, rest, err := readU64(b)
		if err != nil {
			return val.Val{}, nil, err
		}
		owner, rest2, err := readBytes(rest)
		if err != nil {
			return val.Val{}, nil, err
		}
		if len(rest2) < 1 {
			return val.Val{}, nil, fmt.Errorf("shim: truncated resource borrow flag")
		}
		r := val.Resource{
			Handle: resourcetable.Handle(handle),
			Owner:  string(owner),
			Borrow: rest2[0] != 0,
		}
		return val.Val{Kind: kind, Resource: r}, rest2[1:], nil
	default:
		return val.Val{}, nil, fmt.Errorf("shim: unknown wire tag %d", kind)
	}
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendU32(buf, uint32(len(b)))
	return append(buf, b...)
}

func readU32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, fmt.Errorf("shim: truncated u32")
	}
	return binary.LittleEndian.Uint32(b), b[4:], nil
}

func readU64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("shim: truncated u64")
	}
	return binary.LittleEndian.Uint64(b), b[8:], nil
}

func readBytes(b []byte) ([]byte, []byte, error) {
	n, rest, err := readU32(b)
	if err != nil {
		return nil, nil, err
	}
	if uint32(len(rest)) < n {
		return nil, nil, fmt.Errorf("shim: truncated byte string of length %d", n)
	}
	return rest[:n], rest[n:], nil
}
