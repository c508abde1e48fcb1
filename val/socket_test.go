package val

import (
	"testing"

	"github.com/forder7935/wasm-link/cardinality"
)

func TestFromSocketExactlyOne(t *testing.T) {
	s := cardinality.NewExactlyOne(1, U32(9))
	out := FromSocket(s)
	if out.Kind != KindU32 || out.Num != 9 {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestFromSocketAtMostOneEmpty(t *testing.T) {
	s := cardinality.NewAtMostOne[Val](0, nil)
	out := FromSocket(s)
	if out.Kind != KindOption || out.Option != nil {
		t.Fatalf("expected none, got %+v", out)
	}
}

func TestFromSocketAtMostOnePresent(t *testing.T) {
	v := U32(4)
	s := cardinality.NewAtMostOne(1, &v)
	out := FromSocket(s)
	if out.Kind != KindOption || out.Option == nil || out.Option.Num != 4 {
		t.Fatalf("expected some(4), got %+v", out)
	}
}

func TestFromSocketAtLeastOneBecomesList(t *testing.T) {
	items := map[int]Val{1: U32(1), 2: U32(2)}
	s := cardinality.NewAtLeastOne(items)
	out := FromSocket(s)
	if out.Kind != KindList || len(out.List) != 2 {
		t.Fatalf("expected a 2-element list, got %+v", out)
	}
}

func TestFromSocketAnyEmptyBecomesEmptyList(t *testing.T) {
	s := cardinality.NewAny[Val](map[int]Val{})
	out := FromSocket(s)
	if out.Kind != KindList || len(out.List) != 0 {
		t.Fatalf("expected an empty list, got %+v", out)
	}
}
