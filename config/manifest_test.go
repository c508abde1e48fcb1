package config

import (
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/forder7935/wasm-link/cardinality"
	"github.com/forder7935/wasm-link/descriptor"
)

const sampleManifest = `
root: app

interfaces:
  - name: app
    package: example
    cardinality: exactly-one
    functions:
      - name: ping
        return: value
  - name: leaf
    package: example
    cardinality: at-least-one
    functions:
      - name: identity
        return: none
      - name: use
        method: true
        return: resources
    resources:
      - handle

plugins:
  - name: main
    plug: app
    sockets: [leaf]
    wasm: main.wasm
  - name: worker
    plug: leaf
    sockets: []
    wasm: worker.wasm
`

func TestConvertBasic(t *testing.T) {
	var m Manifest
	if err := yaml.Unmarshal([]byte(sampleManifest), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	loaded, err := Convert(&m, "/plugins")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}

	if len(loaded.Interfaces) != 2 {
		t.Fatalf("expected 2 interfaces, got %d", len(loaded.Interfaces))
	}
	if len(loaded.Plugins) != 2 {
		t.Fatalf("expected 2 plugins, got %d", len(loaded.Plugins))
	}

	appID, ok := loaded.InterfaceIDs["app"]
	if !ok || appID != loaded.Root {
		t.Fatal("expected root to resolve to the app interface id")
	}

	var appIface, leafIface descriptor.InterfaceDescriptor
	for _, iface := range loaded.Interfaces {
		switch iface.Name {
		case "app":
			appIface = iface
		case "leaf":
			leafIface = iface
		}
	}
	if appIface.Cardinality != cardinality.ExactlyOne {
		t.Fatalf("expected app to be exactly-one, got %v", appIface.Cardinality)
	}
	if leafIface.Cardinality != cardinality.AtLeastOne {
		t.Fatalf("expected leaf to be at-least-one, got %v", leafIface.Cardinality)
	}
	if len(leafIface.Functions) != 2 || !leafIface.Functions[1].IsMethod {
		t.Fatalf("expected leaf's second function to be a method, got %+v", leafIface.Functions)
	}
	if leafIface.Functions[1].ReturnKind != descriptor.MayContainResources {
		t.Fatalf("expected use to be MayContainResources, got %v", leafIface.Functions[1].ReturnKind)
	}
	if leafIface.Functions[0].HasReturn {
		t.Fatal("expected identity to have no return value")
	}

	for _, p := range loaded.Plugins {
		if p.Component == nil {
			t.Fatalf("plugin %s has a nil component factory", p.ID)
		}
	}
}

func TestConvertRejectsUndeclaredRoot(t *testing.T) {
	m := Manifest{
		Root: "missing",
		Interfaces: []InterfaceSpec{
			{Name: "app", Cardinality: "exactly-one", Functions: []FunctionSpec{{Name: "f"}}},
		},
	}
	if _, err := Convert(&m, "."); err == nil {
		t.Fatal("expected an error for an undeclared root")
	}
}

func TestConvertRejectsUndeclaredSocket(t *testing.T) {
	m := Manifest{
		Root: "app",
		Interfaces: []InterfaceSpec{
			{Name: "app", Cardinality: "exactly-one", Functions: []FunctionSpec{{Name: "f"}}},
		},
		Plugins: []PluginSpec{
			{Name: "main", Plug: "app", Sockets: []string{"missing"}, Wasm: "m.wasm"},
		},
	}
	if _, err := Convert(&m, "."); err == nil {
		t.Fatal("expected an error for a plugin depending on an undeclared socket")
	}
}

func TestHashIDIsStable(t *testing.T) {
	a := hashID(interfaceNamespace, "app")
	b := hashID(interfaceNamespace, "app")
	if a != b {
		t.Fatal("expected hashID to be deterministic for the same namespace and name")
	}
	if hashID(interfaceNamespace, "app") == hashID(pluginNamespace, "app") {
		t.Fatal("expected the interface and plugin namespaces to never collide on the same name")
	}
}

func TestParseCardinalityUnknown(t *testing.T) {
	if _, err := parseCardinality("bogus"); err == nil {
		t.Fatal("expected an error for an unknown cardinality string")
	}
}

func TestParseReturnKindUnknown(t *testing.T) {
	if _, err := parseReturnKind("bogus"); err == nil {
		t.Fatal("expected an error for an unknown return kind string")
	}
}
