package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Input string
}

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <operation> [args...]",
		Short: "Invoke an operation",
		Long: `Invoke an operation with positional arguments. Each argument is read as
JSON when it parses (numbers, booleans, quoted strings, arrays) and as a
plain string otherwise.

Example:
  opreg-cli run calc 3 4
  opreg-cli run calc --input '[3, 4]'`,
		Args:              cobra.MinimumNArgs(1),
		ValidArgsFunction: completeOperations(rootOpts),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parseInput(args[1:], opts.Input)
			if err != nil {
				return err
			}

			res, err := opts.client().Run(cmd.Context(), args[0], input)
			if err != nil {
				return err
			}
			return opts.formatter(cmd.OutOrStdout()).FormatRunResult(res)
		},
	}

	cmd.Flags().StringVar(&opts.Input, "input", "", "arguments as a JSON array, instead of positional args")

	return cmd
}

func parseInput(args []string, raw string) ([]any, error) {
	if raw != "" {
		if len(args) > 0 {
			return nil, fmt.Errorf("use either --input or positional arguments, not both")
		}
		var input []any
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			return nil, fmt.Errorf("invalid --input JSON array: %w", err)
		}
		return input, nil
	}

	input := make([]any, len(args))
	for i, arg := range args {
		var v any
		if err := json.Unmarshal([]byte(arg), &v); err != nil {
			v = arg
		}
		input[i] = v
	}
	return input, nil
}
