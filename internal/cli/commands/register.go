package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opreg/opreg/internal/domain/unit"
	"github.com/spf13/cobra"
)

// RegisterOptions holds flags for the register command.
type RegisterOptions struct {
	*RootOptions
	Kind string
}

func NewRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RegisterOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "register <name> <file>",
		Short: "Register or replace an operation",
		Long: `Upload a unit to the daemon under <name>. The unit must define a class
(or, for WebAssembly, exports) named after <name> with its first letter
upper-cased: "calc" needs "Calc".

The kind is taken from the file extension (.wasm, otherwise js) unless
--kind is given.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, path := args[0], args[1]

			kind, err := kindFor(path, opts.Kind)
			if err != nil {
				return err
			}
			source, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read unit: %w", err)
			}

			msg, err := opts.client().Register(cmd.Context(), name, kind, source)
			if err != nil {
				return err
			}
			return opts.formatter(cmd.OutOrStdout()).FormatMessage(msg)
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", "", "unit kind (js or wasm)")

	return cmd
}

func kindFor(path, flag string) (unit.Kind, error) {
	if flag != "" {
		return unit.ParseKind(flag)
	}
	if strings.EqualFold(filepath.Ext(path), ".wasm") {
		return unit.KindWASM, nil
	}
	return unit.KindJS, nil
}
