// Command vai-bridge answers telephone calls with a realtime voice agent and
// serves the approvals API for high-risk actions.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vango-go/vai-bridge/pkg/gateway/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

type cliDeps struct {
	loadConfig   func() (config.Config, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
	stdout       io.Writer
	stderr       io.Writer
}

func defaultCLIDeps() cliDeps {
	return cliDeps{
		loadConfig: config.LoadFromEnv,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
		stdout:     os.Stdout,
		stderr:     os.Stderr,
	}
}

// app carries state resolved by the root command before a subcommand runs.
type app struct {
	deps cliDeps

	envFile   string
	logLevel  string
	logFormat string

	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd(deps cliDeps) *cobra.Command {
	a := &app{deps: deps}

	root := &cobra.Command{
		Use:           "vai-bridge",
		Short:         "Telephone voice bridge for a realtime conversational engine",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}
	root.SetOut(deps.stdout)
	root.SetErr(deps.stderr)
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	flags := root.PersistentFlags()
	flags.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before reading VAI_BRIDGE_* variables")
	flags.StringVar(&a.logLevel, "log-level", "", "override VAI_BRIDGE_LOG_LEVEL (debug|info|warn|error)")
	flags.StringVar(&a.logFormat, "log-format", "", "override VAI_BRIDGE_LOG_FORMAT (text|json)")

	root.AddCommand(
		newServeCmd(a),
		newMigrateCmd(a),
		newApprovalsCmd(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	if a.deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if err := loadEnvFile(a.envFile, cmd.Flags().Changed("env-file")); err != nil {
		return err
	}

	cfg, err := a.deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.logFormat != "" {
		cfg.LogFormat = a.logFormat
	}

	logger, err := newLogger(a.deps.stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// loadEnvFile loads path into the environment without overriding variables
// already set. A missing default file is not an error.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

func runMain(ctx context.Context, args []string, deps cliDeps) int {
	if deps.stderr == nil {
		deps.stderr = os.Stderr
	}
	if deps.stdout == nil {
		deps.stdout = os.Stdout
	}
	root := newRootCmd(deps)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(deps.stderr, "vai-bridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], defaultCLIDeps()))
}
