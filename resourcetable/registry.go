// Package resourcetable re-hosts resource handles across plugin boundaries.
//
// Each plugin instance owns a private resource.Table (see the sibling
// resource package this module inherits from the wazero engine layer) for
// handles it creates or receives from the guest. Registry sits above that:
// when a handle crosses a socket boundary it is never handed to the
// receiving plugin directly. Instead the sender's (owner, handle) pair is
// recorded under a freshly issued Handle, and it is that fresh handle the
// receiving plugin's guest code sees. A resource.drop or method call on the
// fresh handle is resolved back to the owner through Lookup.
//
// This mirrors original_source's loading/resource_wrapper.rs: a single
// process-wide table of ResourceWrapper{plugin_id, resource_handle} values,
// looked up by the handle a consumer holds.
package resourcetable

import "sync"

// Handle is an opaque, re-hosted resource reference. It is distinct from
// (and never numerically comparable to) the handle a plugin's own guest
// code allocates internally.
type Handle uint64

// Owner identifies which plugin a re-hosted handle actually belongs to,
// and what handle means the resource in that plugin's own table.
type Owner struct {
	PluginID     string
	NativeHandle uint64
}

// Registry maps re-hosted handles back to their owning plugin.
// Safe for concurrent use; dispatch is serialized per plugin instance but
// a Registry is shared by every plugin in a tree.
type Registry struct {
	entries map[Handle]Owner
	mu      sync.RWMutex
	next    Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Handle]Owner)}
}

// Attach re-hosts a resource owned by pluginID/nativeHandle and returns the
// fresh handle a consumer should be given.
func (r *Registry) Attach(pluginID string, nativeHandle uint64) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	h := r.next
	r.entries[h] = Owner{PluginID: pluginID, NativeHandle: nativeHandle}
	return h
}

// Lookup resolves a re-hosted handle back to its owner.
func (r *Registry) Lookup(h Handle) (Owner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.entries[h]
	return o, ok
}

// Release forgets a re-hosted handle. Called when the owning resource is
// dropped, or when a borrow granted for the duration of a single call ends.
func (r *Registry) Release(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, h)
}

// Len reports how many re-hosted handles are currently tracked.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
