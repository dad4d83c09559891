package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newLifecycleCmd(ctx *context, action, short string) *cobra.Command {
	var (
		all    bool
		noWait bool
	)
	cmd := &cobra.Command{
		Use:   action + " [entry...]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("pass entry names or ids, or --all")
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if all {
				result, err := client.Bulk(cmd.Context(), action)
				if err != nil {
					return withServeHint(err)
				}
				for _, outcome := range result.Outcomes {
					switch {
					case outcome.Skipped:
						fmt.Fprintf(out, "%s: skipped (%s)\n", outcome.Name, outcome.State)
					case outcome.Error != "":
						fmt.Fprintf(out, "%s: failed: %s\n", outcome.Name, outcome.Error)
					default:
						fmt.Fprintf(out, "%s: %s\n", outcome.Name, outcome.State)
					}
				}
				if result.Failed > 0 {
					return fmt.Errorf("%s failed for %d of %d entries", action, result.Failed, len(result.Outcomes))
				}
				return nil
			}

			backend := remoteEntries{client: client}
			var failed int
			for _, ref := range args {
				id, err := resolveID(cmd.Context(), backend, ref)
				if err != nil {
					return err
				}
				result, err := client.Action(cmd.Context(), id, action, !noWait)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", ref, withServeHint(err))
					continue
				}
				if result.Pending {
					fmt.Fprintf(out, "%s: %s requested (%s)\n", ref, action, result.State)
					continue
				}
				fmt.Fprintf(out, "%s: %s\n", ref, result.State)
			}
			if failed > 0 {
				return fmt.Errorf("%s failed for %d of %d entries", action, failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Apply to every applicable entry")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Return once the transition is recorded")
	return cmd
}

func newAcknowledgeCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "acknowledge <entry>",
		Aliases: []string{"ack"},
		Short:   "Clear an Errored entry back to Stopped",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			id, err := resolveID(cmd.Context(), remoteEntries{client: client}, args[0])
			if err != nil {
				return err
			}
			result, err := client.Action(cmd.Context(), id, "acknowledge", false)
			if err != nil {
				return withServeHint(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], result.State)
			return nil
		},
	}
	return cmd
}
