// Package config loads a plugin set from a YAML manifest into the
// descriptor types the graph builder consumes. Supplemented from
// original_source's plugin.rs, whose PluginData doc comment says its
// backing data source "can be anything: files on disk, a database, network
// resources, or embedded binaries" — a manifest file is this module's
// concrete choice of that source.
package config

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/forder7935/wasm-link/cardinality"
	"github.com/forder7935/wasm-link/descriptor"
	"github.com/forder7935/wasm-link/engine"
	"github.com/forder7935/wasm-link/ident"
)

// interfaceNamespace and pluginNamespace seed the UUIDv5 hashing that turns
// a manifest's human-readable names into stable numeric ids: the same name
// always hashes to the same ident.InterfaceID/PluginID across runs, and the
// two separate namespaces mean an interface and a plugin that happen to
// share a name never collide.
var (
	interfaceNamespace = uuid.MustParse("6f6d1f7e-3b3a-4b8a-9b2e-9a5e0c1d2e3f")
	pluginNamespace    = uuid.MustParse("1a2b3c4d-5e6f-4788-9a0b-1c2d3e4f5061")
)

// FunctionSpec is one function entry in a manifest interface block.
type FunctionSpec struct {
	Name       string `yaml:"name"`
	Return     string `yaml:"return"` // "", "none", "value", "resources"
	IsMethod   bool   `yaml:"method"`
}

// InterfaceSpec is one interface block in a manifest.
type InterfaceSpec struct {
	Name        string         `yaml:"name"`
	Package     string         `yaml:"package"`
	Cardinality string         `yaml:"cardinality"`
	Functions   []FunctionSpec `yaml:"functions"`
	Resources   []string       `yaml:"resources"`
}

// PluginSpec is one plugin block in a manifest: which interface it plugs,
// which interfaces it depends on, and where its compiled wasm bytes live
// relative to the manifest's own directory.
type PluginSpec struct {
	Name    string   `yaml:"name"`
	Plug    string   `yaml:"plug"`
	Sockets []string `yaml:"sockets"`
	Wasm    string   `yaml:"wasm"`
}

// Manifest is the top-level YAML document config.Load parses.
type Manifest struct {
	Root       string          `yaml:"root"`
	Interfaces []InterfaceSpec `yaml:"interfaces"`
	Plugins    []PluginSpec    `yaml:"plugins"`
}

// Loaded is a manifest converted to the descriptor types descriptor.Build
// consumes, plus the ids their names hashed to (for CLI output and tests
// that need to name a plugin/interface back to its manifest entry).
type Loaded struct {
	Root         ident.InterfaceID
	Interfaces   []descriptor.InterfaceDescriptor
	Plugins      []descriptor.PluginDescriptor
	InterfaceIDs map[string]ident.InterfaceID
	PluginIDs    map[string]ident.PluginID
}

// Load reads and parses a YAML manifest at path, resolving each plugin's
// wasm file relative to the manifest's own directory.
func Load(path string) (*Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config: parse manifest: %w", err)
	}
	return Convert(&m, filepath.Dir(path))
}

// Convert turns a parsed Manifest into descriptor-ready types. baseDir
// anchors each plugin's relative wasm path.
func Convert(m *Manifest, baseDir string) (*Loaded, error) {
	out := &Loaded{
		InterfaceIDs: make(map[string]ident.InterfaceID, len(m.Interfaces)),
		PluginIDs:    make(map[string]ident.PluginID, len(m.Plugins)),
	}

	for _, ispec := range m.Interfaces {
		id := hashID(interfaceNamespace, ispec.Name)
		out.InterfaceIDs[ispec.Name] = ident.InterfaceID(id)

		card, err := parseCardinality(ispec.Cardinality)
		if err != nil {
			return nil, fmt.Errorf("config: interface %q: %w", ispec.Name, err)
		}

		functions := make([]descriptor.FunctionDescriptor, 0, len(ispec.Functions))
		for _, fspec := range ispec.Functions {
			rk, err := parseReturnKind(fspec.Return)
			if err != nil {
				return nil, fmt.Errorf("config: interface %q function %q: %w", ispec.Name, fspec.Name, err)
			}
			functions = append(functions, descriptor.FunctionDescriptor{
				Name:       fspec.Name,
				ReturnKind: rk,
				HasReturn:  rk != descriptor.Void,
				IsMethod:   fspec.IsMethod,
			})
		}

		out.Interfaces = append(out.Interfaces, descriptor.InterfaceDescriptor{
			ID:          ident.InterfaceID(id),
			Package:     ispec.Package,
			Name:        ispec.Name,
			Functions:   functions,
			Resources:   ispec.Resources,
			Cardinality: card,
		})
	}

	rootID, ok := out.InterfaceIDs[m.Root]
	if !ok {
		return nil, fmt.Errorf("config: root interface %q is not declared in interfaces", m.Root)
	}
	out.Root = rootID

	for _, pspec := range m.Plugins {
		id := hashID(pluginNamespace, pspec.Name)
		out.PluginIDs[pspec.Name] = ident.PluginID(id)

		plugID, ok := out.InterfaceIDs[pspec.Plug]
		if !ok {
			return nil, fmt.Errorf("config: plugin %q plugs undeclared interface %q", pspec.Name, pspec.Plug)
		}

		sockets := make([]ident.InterfaceID, 0, len(pspec.Sockets))
		for _, sockName := range pspec.Sockets {
			sockID, ok := out.InterfaceIDs[sockName]
			if !ok {
				return nil, fmt.Errorf("config: plugin %q depends on undeclared interface %q", pspec.Name, sockName)
			}
			sockets = append(sockets, sockID)
		}

		wasmPath := pspec.Wasm
		if !filepath.IsAbs(wasmPath) {
			wasmPath = filepath.Join(baseDir, wasmPath)
		}

		out.Plugins = append(out.Plugins, descriptor.PluginDescriptor{
			ID:        ident.PluginID(id),
			Plug:      plugID,
			Sockets:   sockets,
			Component: wasmFileFactory(wasmPath),
		})
	}

	return out, nil
}

// wasmFileFactory builds a descriptor.ComponentFactory that reads wasmPath
// fresh on every call, so a caller loading the same tree twice (e.g. a
// test that loads it once per case) doesn't share compiled module state
// across engines.
func wasmFileFactory(wasmPath string) descriptor.ComponentFactory {
	return func(ctx context.Context, eng *engine.WazeroEngine) (*engine.WazeroModule, error) {
		bytes, err := os.ReadFile(wasmPath)
		if err != nil {
			return nil, fmt.Errorf("config: read wasm file %s: %w", wasmPath, err)
		}
		mod, err := eng.LoadModule(ctx, bytes)
		if err != nil {
			return nil, fmt.Errorf("config: load module %s: %w", wasmPath, err)
		}
		return mod, nil
	}
}

// hashID derives a stable numeric id from a namespace and a manifest name
// via UUIDv5 (SHA-1 over namespace||name, per RFC 4122): the same name
// always yields the same id across runs and machines, which lets a
// manifest be edited and reloaded without every id shifting.
func hashID(namespace uuid.UUID, name string) uint64 {
	id := uuid.NewSHA1(namespace, []byte(name))
	return binary.BigEndian.Uint64(id[:8])
}

func parseCardinality(s string) (cardinality.Kind, error) {
	switch s {
	case "", "exactly-one":
		return cardinality.ExactlyOne, nil
	case "at-most-one":
		return cardinality.AtMostOne, nil
	case "at-least-one":
		return cardinality.AtLeastOne, nil
	case "any":
		return cardinality.Any, nil
	default:
		return 0, fmt.Errorf("unknown cardinality %q", s)
	}
}

func parseReturnKind(s string) (descriptor.ReturnKind, error) {
	switch s {
	case "", "none":
		return descriptor.Void, nil
	case "value":
		return descriptor.AssumeNoResources, nil
	case "resources":
		return descriptor.MayContainResources, nil
	default:
		return 0, fmt.Errorf("unknown return kind %q", s)
	}
}
