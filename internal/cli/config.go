package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/procman/internal/config"
)

func newConfigCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with the processes file",
	}
	cmd.AddCommand(newConfigLintCmd(ctx))
	cmd.AddCommand(newConfigPathCmd(ctx))
	return cmd
}

func newConfigLintCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lint [path]",
		Short: "Validate a processes file without modifying it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ctx.processesPath()
			if len(args) == 1 {
				path = args[0]
			}

			data, err := os.ReadFile(path)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}
			doc, err := config.Parse(data)
			if err != nil {
				err = fmt.Errorf("%s: %w", path, err)
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (%d entries)\n", path, len(doc.Processes))
			return nil
		},
	}
	return cmd
}

func newConfigPathCmd(ctx *context) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the processes file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), ctx.processesPath())
			return nil
		},
	}
}
