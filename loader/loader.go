// Package loader turns a validated descriptor.PluginTree into a running
// PluginTreeHead: every plugin instantiated, every socket boundary wired
// with shim-synthesized host functions, and every interface's cardinality
// re-checked against what actually managed to load (since a plugin
// descriptor.Build accepted can still fail to compile or instantiate).
//
// Loading proceeds in reverse topological order — a plugin's sockets are
// loaded before the plugin itself, recursively — mirroring
// original_source's load_socket.rs/load_plugin.rs/load_plugin_tree.rs. A
// cycle in the socket dependency graph is caught with an in-progress
// sentinel exactly like original_source's SocketState::Borrowed.
package loader

import (
	"context"
	"fmt"

	"github.com/forder7935/wasm-link/cardinality"
	"github.com/forder7935/wasm-link/descriptor"
	"github.com/forder7935/wasm-link/dispatch"
	"github.com/forder7935/wasm-link/engine"
	"github.com/forder7935/wasm-link/ident"
	"github.com/forder7935/wasm-link/partial"
	"github.com/forder7935/wasm-link/resourcetable"
	"github.com/forder7935/wasm-link/shim"
	"github.com/forder7935/wasm-link/val"
)

type socketStatus uint8

const (
	notStarted socketStatus = iota
	// borrowed marks a socket as currently being loaded further up the
	// call stack: seeing it again means the dependency graph has a cycle.
	borrowed
	loaded
	// failed marks a socket that already reported its own LoadError(s);
	// a second caller reaching it sees ok=false with no further errors,
	// matching original_source's AlreadyHandled suppression of duplicate
	// reports for a socket several plugins share.
	failed
)

type socketState struct {
	socket cardinality.Socket[dispatch.Target, ident.PluginID]
	status socketStatus
}

// PluginTreeHead is a fully loaded plugin tree, ready to dispatch calls
// against its root interface.
type PluginTreeHead struct {
	registry      *resourcetable.Registry
	root          ident.InterfaceID
	rootSocket    cardinality.Socket[dispatch.Target, ident.PluginID]
	rootFunctions []string
	instances     map[ident.PluginID]*PluginInstance
}

// Dispatch calls function on the root interface, fanning out across
// however many plugins the root's cardinality admits and folding their
// results the same way any other socket boundary call would.
//
// spec.md 4.4 step 2 requires this host-facing entry point to reject a
// function name the root interface never declared, rather than letting it
// fall through to a plugin's exported-function lookup and surface as a
// generic Trap. dispatch.All performs that check itself given
// h.rootFunctions, so the same fan-out logic answers both this call and
// every shim-synthesized one.
func (h *PluginTreeHead) Dispatch(ctx context.Context, function string, args val.Val) (val.Val, error) {
	result, errs, ok := dispatch.All(ctx, h.root, h.rootSocket, function, h.rootFunctions, args, h.registry)
	for _, e := range errs {
		Logger().Sugar().Warnw("root dispatch target failed", "function", function, "error", e)
	}
	if !ok {
		return val.Val{}, fmt.Errorf("dispatch %s: every root target failed: %v", function, errs[0])
	}
	return result, nil
}

// Close tears down every loaded plugin instance.
func (h *PluginTreeHead) Close(ctx context.Context) error {
	var firstErr error
	for _, inst := range h.instances {
		if err := inst.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PluginCount reports how many plugins are currently instantiated.
func (h *PluginTreeHead) PluginCount() int {
	return len(h.instances)
}

// loading carries the mutable state one Load call threads through its
// recursive socket/plugin walk.
type loading struct {
	ctx       context.Context
	tree      *descriptor.PluginTree
	engine    *engine.WazeroEngine
	registry  *resourcetable.Registry
	instances map[ident.PluginID]*PluginInstance
	state     map[ident.InterfaceID]*socketState
}

// Load instantiates every plugin reachable from tree.Root and wires their
// socket boundaries, returning a ready PluginTreeHead alongside every
// LoadError observed along the way. Load always returns a non-nil head
// when the root socket itself loaded, even if some non-root socket failed
// its cardinality requirement — callers that only need the interfaces that
// did load can keep going. When the root socket itself cannot be
// satisfied, Load returns no head at all and reports why through a
// *FatalLoadError instead of overloading the same []*Error slice ordinary
// degradation uses, matching spec.md 4.2's fatal/recoverable split
// (FatalLoadError::RootUnsatisfied vs. plain LoadError).
func Load(ctx context.Context, tree *descriptor.PluginTree, eng *engine.WazeroEngine) (*PluginTreeHead, []*Error, *FatalLoadError) {
	l := &loading{
		ctx:       ctx,
		tree:      tree,
		engine:    eng,
		registry:  resourcetable.NewRegistry(),
		instances: make(map[ident.PluginID]*PluginInstance),
		state:     make(map[ident.InterfaceID]*socketState),
	}

	rootSocket, errs, ok := l.loadSocket(tree.Root)
	if !ok {
		return nil, nil, &FatalLoadError{
			Errors: errs,
			Detail: "root interface could not be satisfied",
		}
	}

	iface, _, _ := tree.Socket(tree.Root)
	rootFunctions := make([]string, len(iface.Functions))
	for i, fn := range iface.Functions {
		rootFunctions[i] = fn.Name
	}

	head := &PluginTreeHead{
		registry:      l.registry,
		root:          tree.Root,
		rootSocket:    rootSocket,
		rootFunctions: rootFunctions,
		instances:     l.instances,
	}
	result := partial.Ok[*PluginTreeHead, *Error](head, errs)
	return result.Value, result.Errors, nil
}

// loadSocket loads (or returns the cached load of) the socket for id,
// recursively loading every plugin that plugs it.
func (l *loading) loadSocket(id ident.InterfaceID) (cardinality.Socket[dispatch.Target, ident.PluginID], []*Error, bool) {
	var zero cardinality.Socket[dispatch.Target, ident.PluginID]

	if st, ok := l.state[id]; ok {
		switch st.status {
		case borrowed:
			return zero, []*Error{{Kind: LoopDetected, InterfaceID: id, Detail: "socket depends on itself, directly or transitively"}}, false
		case loaded:
			return st.socket, nil, true
		case failed:
			return zero, nil, false
		}
	}
	l.state[id] = &socketState{status: borrowed}

	iface, plugins, ok := l.tree.Socket(id)
	if !ok {
		l.state[id].status = failed
		return zero, []*Error{{Kind: InvalidSocket, InterfaceID: id, Detail: "no interface descriptor declared for this socket"}}, false
	}

	loadedTargets := make(map[ident.PluginID]dispatch.Target)
	var errs []*Error
	for _, p := range plugins {
		target, perrs, ok := l.loadPlugin(p)
		errs = partial.MergeAll(errs, perrs)
		if ok {
			loadedTargets[p.ID] = target
		}
	}

	if !iface.Cardinality.Satisfies(len(loadedTargets)) {
		errs = append(errs, &Error{
			Kind:        FailedCardinalityRequirements,
			InterfaceID: id,
			Detail:      fmt.Sprintf("%s requires %d loaded plugin(s), got %d", iface.Cardinality, cardinalityFloor(iface.Cardinality), len(loadedTargets)),
		})
		l.state[id].status = failed
		return zero, errs, false
	}

	socket := buildSocket(iface.Cardinality, loadedTargets)
	l.state[id] = &socketState{status: loaded, socket: socket}
	return socket, errs, true
}

// loadPlugin loads every socket p depends on, compiles p's component, wires
// its shim imports, and instantiates it.
func (l *loading) loadPlugin(p descriptor.PluginDescriptor) (dispatch.Target, []*Error, bool) {
	socketTargets := make(map[ident.InterfaceID]cardinality.Socket[dispatch.Target, ident.PluginID], len(p.Sockets))
	var errs []*Error
	anyFailed := false
	for _, sockID := range p.Sockets {
		s, serrs, ok := l.loadSocket(sockID)
		errs = partial.MergeAll(errs, serrs)
		if !ok {
			anyFailed = true
			continue
		}
		socketTargets[sockID] = s
	}
	if anyFailed {
		return nil, errs, false
	}

	mod, err := p.Component(l.ctx, l.engine)
	if err != nil {
		errs = append(errs, &Error{Kind: FailedToLoadComponent, PluginID: p.ID, Cause: err})
		return nil, errs, false
	}

	for _, sockID := range p.Sockets {
		iface, _, _ := l.tree.Socket(sockID)
		if err := shim.Install(mod, iface, socketTargets[sockID], l.registry); err != nil {
			errs = append(errs, &Error{Kind: FailedToLinkInterface, InterfaceID: sockID, PluginID: p.ID, Cause: err})
			return nil, errs, false
		}
	}

	inst, err := mod.Instantiate(l.ctx)
	if err != nil {
		errs = append(errs, &Error{Kind: FailedToLink, PluginID: p.ID, Cause: err})
		return nil, errs, false
	}

	pi := &PluginInstance{ID: p.ID, instance: inst}
	l.instances[p.ID] = pi
	return pi, errs, true
}

func buildSocket(kind cardinality.Kind, items map[ident.PluginID]dispatch.Target) cardinality.Socket[dispatch.Target, ident.PluginID] {
	switch kind {
	case cardinality.ExactlyOne:
		id, v := onlyTarget(items)
		return cardinality.NewExactlyOne(id, v)
	case cardinality.AtMostOne:
		if len(items) == 0 {
			return cardinality.NewAtMostOne[dispatch.Target](ident.PluginID(0), nil)
		}
		id, v := onlyTarget(items)
		return cardinality.NewAtMostOne(id, &v)
	case cardinality.AtLeastOne:
		if len(items) == 0 {
			// Unreachable: the caller already checked Satisfies before
			// calling buildSocket. Guard anyway rather than panic in
			// NewAtLeastOne.
			return cardinality.NewAny(items)
		}
		return cardinality.NewAtLeastOne(items)
	default:
		return cardinality.NewAny(items)
	}
}

func onlyTarget(m map[ident.PluginID]dispatch.Target) (ident.PluginID, dispatch.Target) {
	for id, v := range m {
		return id, v
	}
	return ident.PluginID(0), nil
}

func cardinalityFloor(k cardinality.Kind) int {
	if k == cardinality.ExactlyOne || k == cardinality.AtLeastOne {
		return 1
	}
	return 0
}
