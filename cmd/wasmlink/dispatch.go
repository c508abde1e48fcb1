package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forder7935/wasm-link/val"
)

func newDispatchCmd(manifestPath *string) *cobra.Command {
	var function, arg string
	var noArgs bool

	cmd := &cobra.Command{
		Use:   "dispatch <function>",
		Short: "Load the manifest's plugin tree and dispatch one call against its root interface",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			function = args[0]
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

			callArgs := val.Val{}
			if !noArgs {
				callArgs = val.String(arg)
			}

			result, err := head.Dispatch(ctx, function, callArgs)
			if err != nil {
				return fmt.Errorf("dispatch %s: %w", function, err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), describeVal(result))
			return nil
		},
	}
	cmd.Flags().StringVar(&arg, "arg", "", "single string argument to pass, wrapped as a string Val")
	cmd.Flags().BoolVar(&noArgs, "no-args", false, "call function with a zero Val instead of a string argument")
	return cmd
}

// describeVal renders a Val's kind and, for the simple scalar kinds a CLI
// caller is likely to actually get back, its value too. Aggregate kinds
// print their shape rather than a full recursive dump, since there is no
// manifest-declared type information here to label their fields with.
func describeVal(v val.Val) string {
	switch v.Kind {
	case val.KindString:
		return fmt.Sprintf("string(%q)", v.Str)
	case val.KindBool:
		return fmt.Sprintf("bool(%t)", v.Bool)
	case val.KindS8, val.KindS16, val.KindS32, val.KindS64:
		return fmt.Sprintf("int(%d)", int64(v.Num))
	case val.KindU8, val.KindU16, val.KindU32, val.KindU64:
		return fmt.Sprintf("uint(%d)", v.Num)
	case val.KindResult:
		if v.ResultOK {
			if v.Result == nil {
				return "ok"
			}
			return "ok(" + describeVal(*v.Result) + ")"
		}
		if v.Result == nil {
			return "err"
		}
		return "err(" + describeVal(*v.Result) + ")"
	case val.KindOption:
		if v.Option == nil {
			return "none"
		}
		return "some(" + describeVal(*v.Option) + ")"
	default:
		return fmt.Sprintf("value(kind=%d)", v.Kind)
	}
}
