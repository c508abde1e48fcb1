package loader

import (
	"context"
	"fmt"
	"sync"

	"github.com/forder7935/wasm-link/engine"
	"github.com/forder7935/wasm-link/ident"
	"github.com/forder7935/wasm-link/shim"
	"github.com/forder7935/wasm-link/val"
)

// PluginInstance is one loaded, instantiated plugin. It satisfies
// dispatch.Target, so a loaded socket can hand instances straight to
// dispatch.All/dispatch.Method without either package knowing about the
// other.
//
// Every call into a plugin's own exports goes through call, which holds mu
// for the duration: original_source's PluginInstance wraps its component
// instance in a Mutex for the same reason — the runtime is reentrant across
// different plugin instances but serializes every call into any one of
// them, since wasm memory is not safe for concurrent host access.
type PluginInstance struct {
	instance *engine.WazeroInstance
	ID       ident.PluginID
	mu       sync.Mutex
}

// Dispatch implements dispatch.Target by calling the exported function
// named function on this plugin's own instance, using the same
// (ptr,len)->packed(ptr<<32|len) flat convention shim.Install registers a
// plugin's imports under: since a plugin's exports and imports both cross
// exactly one socket boundary, they share one wire codec.
func (p *PluginInstance) Dispatch(ctx context.Context, function string, args val.Val) (val.Val, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fn := p.instance.GetExportedFunction(function)
	if fn == nil {
		return val.Val{}, fmt.Errorf("plugin %s: no exported function %q", p.ID, function)
	}

	encoded, err := shim.Encode(args)
	if err != nil {
		return val.Val{}, fmt.Errorf("plugin %s: encode arguments: %w", p.ID, err)
	}

	argPtr, err := p.instance.WriteBytes(encoded)
	if err != nil {
		return val.Val{}, fmt.Errorf("plugin %s: stage arguments: %w", p.ID, err)
	}

	results, err := fn.Call(ctx, uint64(argPtr), uint64(len(encoded)))
	if err != nil {
		return val.Val{}, fmt.Errorf("plugin %s: call %s: %w", p.ID, function, err)
	}
	if len(results) == 0 {
		return val.Val{}, nil
	}

	packed := results[0]
	resPtr, resLen := uint32(packed>>32), uint32(packed)
	if resLen == 0 {
		return val.Val{}, nil
	}

	mem := p.instance.Memory()
	if mem == nil {
		return val.Val{}, fmt.Errorf("plugin %s: result buffer declared but instance has no memory", p.ID)
	}
	raw, err := mem.Read(resPtr, resLen)
	if err != nil {
		return val.Val{}, fmt.Errorf("plugin %s: read result buffer: %w", p.ID, err)
	}

	result, err := shim.Decode(raw)
	if err != nil {
		return val.Val{}, fmt.Errorf("plugin %s: decode result: %w", p.ID, err)
	}
	return result, nil
}

// Close releases the plugin instance's wasm resources.
func (p *PluginInstance) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.instance.Close(ctx)
}
