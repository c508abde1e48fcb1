package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forder7935/wasm-link/config"
)

func newListCmd(manifestPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print every interface and plugin a manifest declares, with its hashed id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(*manifestPath)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "root: %s\n", loaded.Root)
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "interfaces:")
			for _, iface := range loaded.Interfaces {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  %s\t%s\t%s\tfunctions=%d resources=%d\n",
					iface.ID, iface.ImportPath(), iface.Cardinality, len(iface.Functions), len(iface.Resources))
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "plugins:")
			for _, p := range loaded.Plugins {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  %s\tplugs=%s\tsockets=%d\n", p.ID, p.Plug, len(p.Sockets))
			}
			return nil
		},
	}
}
