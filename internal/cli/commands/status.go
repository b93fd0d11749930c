package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show opreg daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := opts.client().Health(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.JSONOutput {
				return opts.formatter(out).FormatValue(h)
			}

			title := "opreg daemon status:"
			if !opts.NoColor {
				title = color.CyanString(title)
			}
			fmt.Fprintln(out, title)
			fmt.Fprintf(out, "  Server:     %s\n", opts.Server)
			fmt.Fprintf(out, "  Status:     %s\n", h.Status)
			fmt.Fprintf(out, "  Operations: %d\n", h.Operations)
			fmt.Fprintf(out, "  Built at:   %s\n", h.BuiltAt.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
}
