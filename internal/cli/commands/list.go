package commands

import (
	"github.com/spf13/cobra"
)

func NewListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered operations",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := opts.client().ListOperations(cmd.Context())
			if err != nil {
				return err
			}

			if c := opts.cache(); c != nil {
				names := make([]string, 0, len(list.Operations))
				for _, e := range list.Operations {
					names = append(names, e.Name)
				}
				c.Set(names)
			}

			return opts.formatter(cmd.OutOrStdout()).FormatOperations(list)
		},
	}
}

func NewShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:               "show <name>",
		Short:             "Show an operation and the capability it dispatches to",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completeOperations(opts),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := opts.client().GetOperation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.formatter(cmd.OutOrStdout()).FormatOperation(op)
		},
	}
}

func NewRemoveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:               "remove <name>",
		Aliases:           []string{"rm"},
		Short:             "Remove an operation",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completeOperations(opts),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().RemoveOperation(cmd.Context(), args[0]); err != nil {
				return err
			}
			return opts.formatter(cmd.OutOrStdout()).FormatMessage("Operation " + args[0] + " removed")
		},
	}
}

func NewReloadCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Rebuild the registry from persisted units",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := opts.client().Reload(cmd.Context())
			if err != nil {
				return err
			}
			return opts.formatter(cmd.OutOrStdout()).FormatReload(report)
		},
	}
}
