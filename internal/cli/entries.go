package cli

import (
	stdcontext "context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Paintersrp/procman/internal/api"
	apihttp "github.com/Paintersrp/procman/internal/api/http"
	"github.com/Paintersrp/procman/internal/registry"
)

// entryBackend edits entries either through a running control API or
// directly in the processes file.
type entryBackend interface {
	status(ctx stdcontext.Context) (*api.StatusReport, error)
	add(ctx stdcontext.Context, patch api.EntryPatch) (api.EntryReport, error)
	update(ctx stdcontext.Context, id string, patch api.EntryPatch) (api.EntryReport, error)
	remove(ctx stdcontext.Context, id string) error
}

type remoteEntries struct {
	client *apihttp.Client
}

func (r remoteEntries) status(ctx stdcontext.Context) (*api.StatusReport, error) {
	return r.client.Status(ctx)
}

func (r remoteEntries) add(ctx stdcontext.Context, patch api.EntryPatch) (api.EntryReport, error) {
	return r.client.Add(ctx, patch)
}

func (r remoteEntries) update(ctx stdcontext.Context, id string, patch api.EntryPatch) (api.EntryReport, error) {
	return r.client.Update(ctx, id, patch)
}

func (r remoteEntries) remove(ctx stdcontext.Context, id string) error {
	_, err := r.client.Remove(ctx, id, true)
	return err
}

type fileEntries struct {
	reg *registry.Registry
}

func (f fileEntries) status(stdcontext.Context) (*api.StatusReport, error) {
	return api.NewStatusReport(f.reg.StackName(), f.reg.List()), nil
}

func (f fileEntries) add(_ stdcontext.Context, patch api.EntryPatch) (api.EntryReport, error) {
	entry, err := f.reg.Add(patch.Entry())
	if err != nil {
		return api.EntryReport{}, err
	}
	return f.report(entry.ID)
}

func (f fileEntries) update(_ stdcontext.Context, id string, patch api.EntryPatch) (api.EntryReport, error) {
	if _, err := f.reg.Update(id, patch.Fields()); err != nil {
		return api.EntryReport{}, err
	}
	return f.report(id)
}

func (f fileEntries) remove(_ stdcontext.Context, id string) error {
	return f.reg.Delete(id, nil)
}

func (f fileEntries) report(id string) (api.EntryReport, error) {
	snap, err := f.reg.Get(id)
	if err != nil {
		return api.EntryReport{}, err
	}
	return api.NewEntryReport(snap), nil
}

func (c *context) entries(offline bool) (entryBackend, error) {
	if offline {
		reg, err := c.openRegistry()
		if err != nil {
			return nil, err
		}
		return fileEntries{reg: reg}, nil
	}
	client, err := c.client()
	if err != nil {
		return nil, err
	}
	return remoteEntries{client: client}, nil
}

func withServeHint(err error) error {
	if apihttp.IsUnreachable(err) {
		return fmt.Errorf("%w (is `procman serve` running? pass --offline to edit the processes file directly)", err)
	}
	return err
}

func newListCmd(ctx *context) *cobra.Command {
	var (
		output  string
		offline bool
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls", "status"},
		Short:   "List entries and their state",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := ctx.entries(offline)
			if err != nil {
				return err
			}
			report, err := backend.status(cmd.Context())
			if err != nil {
				return withServeHint(err)
			}
			return printReport(cmd.OutOrStdout(), report, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json or yaml")
	cmd.Flags().BoolVar(&offline, "offline", false, "Read the processes file instead of a running control API")
	return cmd
}

func printReport(out io.Writer, report *api.StatusReport, format string) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return err
		}
		return enc.Close()
	case "", "table":
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATE\tPID\tUPTIME\tRESTARTS\tCOMMAND")
		for _, entry := range report.Entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				shortID(entry.ID),
				entry.Name,
				entry.ProcessType,
				formatState(entry),
				formatHandle(entry),
				formatUptime(entry.StartedAt),
				entry.Restarts,
				entry.Command)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "\nStack: %s (%d entries)\n", report.Stack, len(report.Entries))
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatState(entry api.EntryReport) string {
	state := entry.State
	if entry.Busy {
		state += "*"
	}
	if entry.Reason != "" {
		state += " (" + entry.Reason + ")"
	}
	return state
}

func formatHandle(entry api.EntryReport) string {
	switch {
	case entry.PID > 0:
		return strconv.Itoa(entry.PID)
	case entry.Container != "" && entry.State == "Running":
		return entry.Container
	default:
		return "-"
	}
}

func formatUptime(started *time.Time) string {
	if started == nil || started.IsZero() {
		return "-"
	}
	return units.HumanDuration(time.Since(*started))
}

// resolveID accepts a full id, a unique id prefix or a unique name.
func resolveID(ctx stdcontext.Context, backend entryBackend, ref string) (string, error) {
	report, err := backend.status(ctx)
	if err != nil {
		return "", withServeHint(err)
	}
	var matches []string
	for _, entry := range report.Entries {
		if entry.ID == ref {
			return ref, nil
		}
		if strings.HasPrefix(entry.ID, ref) || entry.Name == ref {
			matches = append(matches, entry.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", api.ErrNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q is ambiguous: matches %s", ref, strings.Join(matches, ", "))
	}
}

type entryFlags struct {
	name        string
	command     string
	dir         string
	processType string
	autoStart   bool
	autoRestart bool
}

func (f *entryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "Display name")
	cmd.Flags().StringVar(&f.command, "command", "", "Command line, or the container name for Docker entries")
	cmd.Flags().StringVar(&f.dir, "dir", "", "Working directory")
	cmd.Flags().StringVar(&f.processType, "type", "Process", "Entry type: Process or Docker")
	cmd.Flags().BoolVar(&f.autoStart, "auto-start", false, "Start with `procman up`")
	cmd.Flags().BoolVar(&f.autoRestart, "auto-restart", false, "Restart after a non-zero exit")
}

// patch includes only the flags set on the command line.
func (f *entryFlags) patch(cmd *cobra.Command) api.EntryPatch {
	var p api.EntryPatch
	changed := cmd.Flags().Changed
	if changed("name") {
		p.Name = &f.name
	}
	if changed("command") {
		p.Command = &f.command
	}
	if changed("dir") {
		p.WorkingDirectory = &f.dir
	}
	if changed("type") {
		p.ProcessType = &f.processType
	}
	if changed("auto-start") {
		p.AutoStart = &f.autoStart
	}
	if changed("auto-restart") {
		p.AutoRestart = &f.autoRestart
	}
	return p
}

func newAddCmd(ctx *context) *cobra.Command {
	var (
		flags   entryFlags
		offline bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := ctx.entries(offline)
			if err != nil {
				return err
			}
			patch := flags.patch(cmd)
			if patch.ProcessType == nil {
				patch.ProcessType = &flags.processType
			}
			report, err := backend.add(cmd.Context(), patch)
			if err != nil {
				return withServeHint(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s)\n", report.Name, report.ID)
			return nil
		},
	}
	flags.register(cmd)
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("command")
	cmd.Flags().BoolVar(&offline, "offline", false, "Edit the processes file instead of a running control API")
	return cmd
}

func newEditCmd(ctx *context) *cobra.Command {
	var (
		flags   entryFlags
		offline bool
	)
	cmd := &cobra.Command{
		Use:   "edit <entry>",
		Short: "Edit a stopped entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := ctx.entries(offline)
			if err != nil {
				return err
			}
			id, err := resolveID(cmd.Context(), backend, args[0])
			if err != nil {
				return err
			}
			report, err := backend.update(cmd.Context(), id, flags.patch(cmd))
			if err != nil {
				return withServeHint(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated %s (%s)\n", report.Name, report.ID)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&offline, "offline", false, "Edit the processes file instead of a running control API")
	return cmd
}

func newRemoveCmd(ctx *context) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:     "remove <entry>",
		Aliases: []string{"rm"},
		Short:   "Stop and remove an entry",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := ctx.entries(offline)
			if err != nil {
				return err
			}
			id, err := resolveID(cmd.Context(), backend, args[0])
			if err != nil {
				return err
			}
			if err := backend.remove(cmd.Context(), id); err != nil {
				return withServeHint(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "Edit the processes file instead of a running control API")
	return cmd
}
