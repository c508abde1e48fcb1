package resourcetable

import (
	"sync"
	"testing"
)

func TestAttachAndLookup(t *testing.T) {
	r := NewRegistry()
	h := r.Attach("plugin-a", 42)

	owner, ok := r.Lookup(h)
	if !ok {
		t.Fatal("expected the freshly attached handle to resolve")
	}
	if owner.PluginID != "plugin-a" || owner.NativeHandle != 42 {
		t.Fatalf("unexpected owner: %+v", owner)
	}
}

func TestAttachIssuesDistinctHandles(t *testing.T) {
	r := NewRegistry()
	a := r.Attach("plugin-a", 1)
	b := r.Attach("plugin-a", 1)
	if a == b {
		t.Fatal("expected two Attach calls to issue distinct handles even for the same native resource")
	}
}

func TestRelease(t *testing.T) {
	r := NewRegistry()
	h := r.Attach("plugin-a", 1)
	r.Release(h)
	if _, ok := r.Lookup(h); ok {
		t.Fatal("expected a released handle to no longer resolve")
	}
}

func TestLookupUnknownHandle(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Lookup(Handle(999)); ok {
		t.Fatal("expected an unknown handle to miss")
	}
}

func TestLen(t *testing.T) {
	r := NewRegistry()
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got len=%d", r.Len())
	}
	r.Attach("plugin-a", 1)
	r.Attach("plugin-b", 2)
	if r.Len() != 2 {
		t.Fatalf("expected len=2, got %d", r.Len())
	}
}

func TestRegistryConcurrentAttach(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Attach("plugin-a", uint64(n))
		}(i)
	}
	wg.Wait()
	if r.Len() != 100 {
		t.Fatalf("expected 100 distinct handles, got %d", r.Len())
	}
}
