package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/procman/internal/cliutil"
	"github.com/Paintersrp/procman/internal/logmux"
	"github.com/Paintersrp/procman/internal/logstream"
)

func newLogsCmd(ctx *context) *cobra.Command {
	var (
		follow bool
		tail   int
		format string
	)
	cmd := &cobra.Command{
		Use:   "logs <entry>",
		Short: "Print buffered output of an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			printer, err := cliutil.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), format)
			if err != nil {
				return err
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			id, err := resolveID(cmd.Context(), remoteEntries{client: client}, args[0])
			if err != nil {
				return err
			}
			entry, err := client.Get(cmd.Context(), id)
			if err != nil {
				return withServeHint(err)
			}

			page, err := client.Logs(cmd.Context(), id, 0, tail)
			if err != nil {
				return withServeHint(err)
			}
			emit := func(line logstream.Line) {
				printer.Print(logmux.Record{ID: id, Name: entry.Name, Line: line})
			}
			for _, line := range page.Lines {
				emit(line)
			}
			if !follow {
				return nil
			}
			return client.FollowLogs(cmd.Context(), id, page.LastSeq, emit, func(dropped uint64) {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %d lines dropped for %s\n", dropped, entry.Name)
			})
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
	cmd.Flags().IntVarP(&tail, "tail", "n", -1, "Number of buffered lines to show (-1 for all)")
	cmd.Flags().StringVar(&format, "format", cliutil.FormatAuto, "Output format: auto, json or pretty")
	return cmd
}
