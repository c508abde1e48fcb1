package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forder7935/wasm-link/config"
	"github.com/forder7935/wasm-link/descriptor"
	"github.com/forder7935/wasm-link/engine"
	"github.com/forder7935/wasm-link/loader"
)

func newLoadCmd(manifestPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Build, instantiate, and immediately tear down a manifest's plugin tree",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := context.Background()
			head, eng, errs, err := loadTree(ctx, *manifestPath)
			for _, e := range errs {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), e.Error())
			}
			if err != nil {
				return err
			}
			defer func() {
				_ = head.Close(ctx)
				_ = eng.Close(ctx)
			}()
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "loaded %d plugin(s), %d load error(s)\n", head.PluginCount(), len(errs))
			return nil
		},
	}
}

// loadTree runs the full build+load pipeline a manifest goes through:
// parse, cardinality-check, then instantiate every reachable plugin. err is
// only non-nil when the build step or the root socket itself failed; a
// non-empty errs with a nil err means some non-root socket didn't meet its
// cardinality but the root still came up. The caller owns closing both the
// returned head and engine, in that order, once it's done dispatching.
func loadTree(ctx context.Context, manifestPath string) (*loader.PluginTreeHead, *engine.WazeroEngine, []*loader.Error, error) {
	loaded, err := config.Load(manifestPath)
	if err != nil {
		return nil, nil, nil, err
	}

	tree, buildErrs := descriptor.Build(loaded.Root, loaded.Interfaces, loaded.Plugins)
	if len(buildErrs) > 0 {
		return nil, nil, nil, fmt.Errorf("build: %d error(s), first: %s", len(buildErrs), buildErrs[0].Error())
	}

	eng, err := engine.NewWazeroEngine(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("engine: %w", err)
	}

	head, loadErrs, fatal := loader.Load(ctx, tree, eng)
	if fatal != nil {
		_ = eng.Close(ctx)
		return nil, nil, fatal.Errors, fmt.Errorf("load: %s", fatal.Error())
	}
	return head, eng, loadErrs, nil
}
