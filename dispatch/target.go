package dispatch

import (
	"context"

	"github.com/forder7935/wasm-link/val"
)

// Target is anything dispatch can route a single call to: one loaded plugin
// instance. loader.PluginInstance satisfies this without either package
// importing the other, keeping the dependency arrow pointing from loader
// (which knows about compiled components) down to dispatch (which only
// knows how to fan a call out across whatever it's handed).
type Target interface {
	// Dispatch invokes function on the target's plug interface with args
	// and returns the target's result. args and the returned Val are
	// already in this plugin's own resource-handle numbering: dispatch
	// re-hosts handles at the socket boundary, not the target itself.
	Dispatch(ctx context.Context, function string, args val.Val) (val.Val, error)
}
