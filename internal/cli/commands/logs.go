package commands

import (
	"github.com/opreg/opreg/internal/logger"
	"github.com/spf13/cobra"
)

// LogsOptions holds flags for the logs command.
type LogsOptions struct {
	*RootOptions
	Follow bool
}

func NewLogsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print recent daemon logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			f := opts.formatter(cmd.OutOrStdout())

			entries, err := c.Logs(cmd.Context())
			if err != nil {
				return err
			}
			if err := f.FormatLogs(entries); err != nil {
				return err
			}
			if !opts.Follow {
				return nil
			}

			return c.StreamLogs(cmd.Context(), func(e logger.LogEntry) {
				f.FormatLogs([]logger.LogEntry{e})
			})
		},
	}

	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "keep streaming new entries")

	return cmd
}
