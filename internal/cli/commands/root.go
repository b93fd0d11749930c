// Package commands implements the opreg-cli command tree.
package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/fatih/color"
	"github.com/opreg/opreg/internal/cli/cache"
	"github.com/opreg/opreg/internal/cli/client"
	"github.com/opreg/opreg/internal/cli/errors"
	"github.com/opreg/opreg/internal/cli/inference"
	"github.com/opreg/opreg/internal/cli/output"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server     string
	JSONOutput bool
	NoColor    bool
	Timeout    int // milliseconds

	// CacheDir overrides the completion cache location; empty disables it.
	CacheDir string
}

func (o *RootOptions) client() *client.ControlClient {
	return client.NewControlClient(o.Server, time.Duration(o.Timeout)*time.Millisecond)
}

func (o *RootOptions) formatter(out io.Writer) *output.Formatter {
	format := output.FormatText
	if o.JSONOutput {
		format = output.FormatJSON
	}
	return output.NewFormatter(out, format, !o.NoColor && !color.NoColor)
}

func (o *RootOptions) cache() *cache.OperationCache {
	if o.CacheDir == "" {
		return nil
	}
	return cache.NewOperationCache(o.CacheDir)
}

// NewRootCommand creates the root command for opreg-cli.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{CacheDir: cache.DefaultDir()}

	cmd := &cobra.Command{
		Use:   "opreg-cli",
		Short: "Register and run operations on an opreg daemon",
		Long: `opreg-cli talks to a running opreg daemon. Units are registered from
JavaScript or WebAssembly files and invoked by name with positional arguments.

Running "opreg-cli <operation> [args...]" is short for "opreg-cli run".`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("OPREG_SERVER")
	if server == "" {
		server = client.DefaultServer
	}
	cmd.PersistentFlags().StringVar(&opts.Server, "server", server, "daemon address (env OPREG_SERVER)")
	cmd.PersistentFlags().BoolVar(&opts.JSONOutput, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVar(&opts.NoColor, "no-color", false, "disable colored output")
	cmd.PersistentFlags().IntVar(&opts.Timeout, "timeout", 30000, "request timeout in milliseconds")

	cmd.AddCommand(NewRegisterCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewRemoveCommand(opts))
	cmd.AddCommand(NewReloadCommand(opts))
	cmd.AddCommand(NewLogsCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))

	return cmd
}

// Execute runs the command tree against args and reports failures on
// stderr. It returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	cmd := NewRootCommand()

	var known []string
	for _, sub := range cmd.Commands() {
		known = append(known, sub.Name())
		known = append(known, sub.Aliases...)
	}
	known = append(known, "help", "completion")

	var valueFlags []string
	cmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		if f.Value.Type() == "bool" {
			return
		}
		valueFlags = append(valueFlags, "--"+f.Name)
		if f.Shorthand != "" {
			valueFlags = append(valueFlags, "-"+f.Shorthand)
		}
	})
	if inferred, at := inference.InferCommand(args, known, valueFlags); inferred != "" {
		args = slices.Insert(slices.Clone(args), at, inferred)
	}
	cmd.SetArgs(args)

	if err := cmd.ExecuteContext(ctx); err != nil {
		jsonOut, _ := cmd.PersistentFlags().GetBool("json")
		format := output.FormatText
		if jsonOut {
			format = output.FormatJSON
		}
		f := output.NewFormatter(cmd.ErrOrStderr(), format, !color.NoColor)
		fmt.Fprintln(cmd.ErrOrStderr(), f.FormatError(errors.Classify(err)))
		return 1
	}
	return 0
}

// completeOperations offers registered operation names, falling back to the
// cached list when the daemon is unreachable.
func completeOperations(opts *RootOptions) func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		c := opts.cache()
		list, err := opts.client().ListOperations(cmd.Context())
		if err != nil {
			if c != nil {
				if names, ok := c.Names(); ok {
					return names, cobra.ShellCompDirectiveNoFileComp
				}
			}
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		names := make([]string, 0, len(list.Operations))
		for _, e := range list.Operations {
			names = append(names, e.Name)
		}
		if c != nil {
			c.Set(names)
		}
		return names, cobra.ShellCompDirectiveNoFileComp
	}
}
