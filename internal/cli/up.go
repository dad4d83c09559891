package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	apihttp "github.com/Paintersrp/procman/internal/api/http"
	"github.com/Paintersrp/procman/internal/cliutil"
	"github.com/Paintersrp/procman/internal/engine"
	"github.com/Paintersrp/procman/internal/logmux"
	"github.com/Paintersrp/procman/internal/logstream"
	"github.com/Paintersrp/procman/internal/runtime/process"
)

var newAPIServer = apihttp.NewServer

const (
	serverReadyDelay = 200 * time.Millisecond
	shutdownSlack    = 5 * time.Second
	tailBuffer       = 256
)

type runOptions struct {
	autoStart bool
	tail      bool
	api       bool
	format    string
}

func newUpCmd(ctx *context) *cobra.Command {
	var (
		noAPI  bool
		noLogs bool
		format string
	)
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start auto_start entries and follow their output until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor(cmd, ctx, runOptions{autoStart: true, tail: !noLogs, api: !noAPI, format: format})
		},
	}
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "Do not serve the HTTP control API")
	cmd.Flags().BoolVar(&noLogs, "no-logs", false, "Do not print entry output")
	cmd.Flags().StringVar(&format, "format", cliutil.FormatAuto, "Log output format: auto, json or pretty")
	return cmd
}

func newServeCmd(ctx *context) *cobra.Command {
	var autoStart bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor with the HTTP control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor(cmd, ctx, runOptions{autoStart: autoStart, api: true})
		},
	}
	cmd.Flags().BoolVar(&autoStart, "auto-start", false, "Start auto_start entries on launch")
	return cmd
}

// runSupervisor owns a Supervisor for the lifetime of the command and always
// finishes with a bounded shutdown of every Process entry.
func runSupervisor(cmd *cobra.Command, ctx *context, opts runOptions) (err error) {
	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	runCtx := cmd.Context()
	if runCtx == nil {
		runCtx = stdcontext.Background()
	}

	reg, err := ctx.openRegistry()
	if err != nil {
		return err
	}
	sup, err := ctx.newSupervisor(reg)
	if err != nil {
		return err
	}
	var (
		shutdownOnce sync.Once
		shutdownErr  error
	)
	shutdown := func() error {
		shutdownOnce.Do(func() { shutdownErr = shutdownSupervisor(runCtx, ctx, sup, errOut) })
		return shutdownErr
	}
	defer func() {
		if serr := shutdown(); serr != nil && err == nil {
			err = serr
		}
	}()

	var stopTail func()
	if opts.tail && opts.autoStart {
		tail, tailErr := startTail(sup, out, errOut, opts.format)
		if tailErr != nil {
			return tailErr
		}
		stopTail = tail
	}

	serverErr := make(chan error, 1)
	stopServer := func() error { return nil }
	if opts.api {
		stop, serveErr := startServer(runCtx, ctx, sup, out, serverErr)
		if serveErr != nil {
			if stopTail != nil {
				stopTail()
			}
			return serveErr
		}
		stopServer = stop
	}

	fmt.Fprintf(out, "Stack %s loaded from %s\n", sup.StackName(), ctx.processesPath())
	if opts.autoStart {
		started := 0
		for _, outcome := range sup.StartAuto(runCtx) {
			switch {
			case outcome.Failed():
				fmt.Fprintf(errOut, "%s: failed to start: %v\n", outcome.Name, outcome.Err)
			case !outcome.Skipped:
				started++
			}
		}
		fmt.Fprintf(out, "Started %d auto_start entries\n", started)
	}

	var runErr error
	select {
	case <-runCtx.Done():
	case runErr = <-serverErr:
		if runErr == nil {
			runErr = errors.New("control API stopped unexpectedly")
		}
	}

	if serr := shutdown(); serr != nil && runErr == nil {
		runErr = serr
	}
	if stopErr := stopServer(); stopErr != nil && runErr == nil {
		runErr = stopErr
	}
	if stopTail != nil {
		stopTail()
	}
	return runErr
}

// shutdownSupervisor reports a forced kill as a warning; the entries are
// gone either way.
func shutdownSupervisor(runCtx stdcontext.Context, ctx *context, sup *engine.Supervisor, errOut io.Writer) error {
	shutdownCtx, cancel := stdcontext.WithTimeout(stdcontext.WithoutCancel(runCtx), ctx.settings.Shutdown.Grace+shutdownSlack)
	defer cancel()
	err := sup.Shutdown(shutdownCtx)
	if errors.Is(err, process.ErrTerminationTimedOut) {
		fmt.Fprintf(errOut, "warning: %v\n", err)
		return nil
	}
	return err
}

func startServer(runCtx stdcontext.Context, ctx *context, sup *engine.Supervisor, out io.Writer, errCh chan<- error) (func() error, error) {
	server, err := newAPIServer(apihttp.Config{Addr: ctx.settings.API.Addr, Controller: sup, Logger: ctx.log})
	if err != nil {
		return nil, err
	}
	serverCtx, cancel := stdcontext.WithCancel(runCtx)
	done := make(chan error, 1)
	go func() {
		done <- server.Run(serverCtx)
	}()

	readyTimer := time.NewTimer(serverReadyDelay)
	defer readyTimer.Stop()
	select {
	case err := <-done:
		cancel()
		if err == nil {
			err = errors.New("control API stopped during startup")
		}
		return nil, err
	case <-readyTimer.C:
	case <-runCtx.Done():
	}
	fmt.Fprintf(out, "Control API listening on %s\n", server.Addr())

	var once sync.Once
	var result error
	forward := make(chan struct{})
	go func() {
		select {
		case err := <-done:
			result = err
			close(forward)
			errCh <- err
		case <-serverCtx.Done():
			result = <-done
			close(forward)
		}
	}()
	return func() error {
		once.Do(func() {
			cancel()
			<-forward
		})
		if result != nil && !errors.Is(result, stdcontext.Canceled) && !errors.Is(result, http.ErrServerClosed) {
			return result
		}
		return nil
	}, nil
}

// startTail follows every auto_start entry through one mux and prints the
// merged output until the returned stop function is called.
func startTail(sup *engine.Supervisor, out, errOut io.Writer, format string) (func(), error) {
	printer, err := cliutil.NewPrinter(out, errOut, format)
	if err != nil {
		return nil, err
	}
	mux := logmux.New(tailBuffer)
	var subs []*logstream.Subscription
	for _, snap := range sup.List() {
		if !snap.Entry.AutoStart {
			continue
		}
		sub := sup.Logs().Subscribe(snap.Entry.ID, 0)
		subs = append(subs, sub)
		mux.Follow(snap.Entry.ID, snap.Entry.Name, sub)
	}

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for rec := range mux.Output() {
			printer.Print(rec)
		}
	}()

	return func() {
		for _, sub := range subs {
			sub.Close()
		}
		mux.Close()
		<-printed
	}, nil
}
