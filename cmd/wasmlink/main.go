// Command wasmlink builds and runs a plugin tree from a YAML manifest: it
// validates cardinality at build time, loads and instantiates every plugin,
// and can dispatch a call against the root interface, printing whatever
// comes back.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var manifestPath string

	root := &cobra.Command{
		Use:           "wasmlink",
		Short:         "WebAssembly component plugin runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&manifestPath, "manifest", "manifest.yaml", "plugin manifest path")

	root.AddCommand(newBuildCmd(&manifestPath))
	root.AddCommand(newLoadCmd(&manifestPath))
	root.AddCommand(newDispatchCmd(&manifestPath))
	root.AddCommand(newListCmd(&manifestPath))
	return root
}
