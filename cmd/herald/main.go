package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/thobiasn/herald/internal/logging"
)

// version is set via -ldflags at build time.
var version = "dev"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	LogLevel  string
	LogFormat string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "herald: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	flags := &globalFlags{}
	return &cli.Command{
		Name:    "herald",
		Usage:   "Topic-based news broker over TCP",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("HERALD_LOG_LEVEL"),
				Value:       "info",
				Destination: &flags.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "log format (console, json)",
				Sources:     cli.EnvVars("HERALD_LOG_FORMAT"),
				Value:       "console",
				Destination: &flags.LogFormat,
			},
		},
		Commands: []*cli.Command{
			brokerCommand(flags),
			publishCommand(flags),
			subscribeCommand(flags),
		},
	}
}

// logger builds the logger for a client subcommand from the global flags.
func (f *globalFlags) logger() (*zap.Logger, error) {
	log, err := logging.New(f.LogLevel, f.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return log, nil
}
