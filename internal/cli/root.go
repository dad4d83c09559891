package cli

import (
	stdcontext "context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	apihttp "github.com/Paintersrp/procman/internal/api/http"
	"github.com/Paintersrp/procman/internal/config"
	"github.com/Paintersrp/procman/internal/engine"
	"github.com/Paintersrp/procman/internal/logger"
	"github.com/Paintersrp/procman/internal/registry"
	"github.com/Paintersrp/procman/internal/runtime/docker"
	"github.com/Paintersrp/procman/internal/runtime/process"
)

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	ctx := &context{}

	root := &cobra.Command{
		Use:   "procman",
		Short: "Supervise local development processes and containers",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.load()
		},
	}

	root.PersistentFlags().StringVar(&ctx.settingsFile, "settings", "", "Path to a procman.yaml settings file")
	root.PersistentFlags().StringVarP(&ctx.configFile, "config", "c", "", "Path to the processes file (default: processes.json next to the binary)")
	root.PersistentFlags().StringVar(&ctx.apiAddr, "addr", "", "Control API address (default: api.addr setting)")

	root.AddCommand(newListCmd(ctx))
	root.AddCommand(newAddCmd(ctx))
	root.AddCommand(newEditCmd(ctx))
	root.AddCommand(newRemoveCmd(ctx))
	root.AddCommand(newLifecycleCmd(ctx, "start", "Start entries"))
	root.AddCommand(newLifecycleCmd(ctx, "stop", "Stop entries and everything they spawned"))
	root.AddCommand(newLifecycleCmd(ctx, "restart", "Restart entries"))
	root.AddCommand(newAcknowledgeCmd(ctx))
	root.AddCommand(newLogsCmd(ctx))
	root.AddCommand(newUpCmd(ctx))
	root.AddCommand(newServeCmd(ctx))
	root.AddCommand(newConfigCmd(ctx))

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, cliCtx := newRootCommand()
	root.SetContext(ctx)

	err := root.ExecuteContext(ctx)
	if cliCtx.log != nil {
		_ = cliCtx.log.Sync()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type context struct {
	settingsFile string
	configFile   string
	apiAddr      string

	settings config.Settings
	log      *logger.Logger
}

func (c *context) load() error {
	settings, err := config.LoadSettings(c.settingsFile)
	if err != nil {
		return err
	}
	if c.configFile != "" {
		settings.Config = c.configFile
	}
	if c.apiAddr != "" {
		settings.API.Addr = c.apiAddr
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      settings.Logging.Level,
		Format:     settings.Logging.Format,
		OutputPath: settings.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	c.settings = settings
	c.log = log
	return nil
}

func (c *context) processesPath() string {
	return c.settings.ProcessesPath()
}

// openRegistry loads the processes file, creating it when missing, and binds
// the registry to it so every edit is persisted.
func (c *context) openRegistry() (*registry.Registry, error) {
	path := c.processesPath()
	doc, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return registry.New(doc, config.FileStore{Path: path})
}

var newDockerClient = func(settings config.DockerSettings, runner *process.Runner) docker.Client {
	if settings.Driver == config.DockerDriverAPI {
		return docker.NewAPI()
	}
	return docker.NewCLI(settings.Binary, runner)
}

func (c *context) newSupervisor(reg *registry.Registry) (*engine.Supervisor, error) {
	runner := process.NewRunner(process.WithGrace(c.settings.Supervisor.StopGrace))
	return engine.New(engine.Options{
		Registry: reg,
		Runner:   runner,
		Docker:   newDockerClient(c.settings.Docker, runner),
		Logger:   c.log,
		Config:   engine.ConfigFromSettings(c.settings),
	})
}

func (c *context) client() (*apihttp.Client, error) {
	return apihttp.NewClient(c.settings.API.Addr)
}
