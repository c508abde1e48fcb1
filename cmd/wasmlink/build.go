package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forder7935/wasm-link/config"
	"github.com/forder7935/wasm-link/descriptor"
)

func newBuildCmd(manifestPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Validate a manifest's cardinality requirements without instantiating any plugin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(*manifestPath)
			if err != nil {
				return err
			}
			_, errs := descriptor.Build(loaded.Root, loaded.Interfaces, loaded.Plugins)
			for _, e := range errs {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), e.Error())
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "built tree: %d interface(s), %d error(s)\n", len(loaded.Interfaces), len(errs))
			if len(errs) > 0 {
				return fmt.Errorf("build: %d cardinality/data error(s)", len(errs))
			}
			return nil
		},
	}
}
