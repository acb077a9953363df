package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/thobiasn/herald/internal/broker"
	"github.com/thobiasn/herald/internal/logging"
)

func brokerCommand(flags *globalFlags) *cli.Command {
	return &cli.Command{
		Name:  "broker",
		Usage: "Run the broker",
		Description: `Listens for publishers and subscribers on two ports. Publishers send one
article document per write; subscribers send a comma-separated topic list and
then receive every article filed under those topics.

Flags override values from the config file.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a .toml or .yaml config file",
				Sources: cli.EnvVars("HERALD_CONFIG"),
			},
			&cli.StringFlag{Name: "publisher-addr", Usage: "publisher listen address", Sources: cli.EnvVars("HERALD_PUBLISHER_ADDR")},
			&cli.StringFlag{Name: "subscriber-addr", Usage: "subscriber listen address", Sources: cli.EnvVars("HERALD_SUBSCRIBER_ADDR")},
			&cli.StringFlag{Name: "policy", Usage: "topic policy (static, dynamic)", Sources: cli.EnvVars("HERALD_POLICY")},
			&cli.StringSliceFlag{Name: "topic", Usage: "seed topic, repeatable", Sources: cli.EnvVars("HERALD_TOPICS")},
			&cli.StringFlag{Name: "delivery", Usage: "delivery mode (cursor, replay)", Sources: cli.EnvVars("HERALD_DELIVERY")},
			&cli.StringFlag{Name: "codec", Usage: "record codec (json, msgpack)", Sources: cli.EnvVars("HERALD_CODEC")},
			&cli.StringFlag{Name: "framing", Usage: "publisher framing (receive, stream)", Sources: cli.EnvVars("HERALD_FRAMING")},
			&cli.IntFlag{Name: "max-connections", Usage: "concurrent session limit, 0 for none", Sources: cli.EnvVars("HERALD_MAX_CONNECTIONS")},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadBrokerConfig(cmd)
			if err != nil {
				return err
			}

			level, format := cfg.Log.Level, cfg.Log.Format
			if cmd.Root().IsSet("log-level") {
				level = flags.LogLevel
			}
			if cmd.Root().IsSet("log-format") {
				format = flags.LogFormat
			}
			log, err := logging.New(level, format)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer func() { _ = log.Sync() }()

			b, err := broker.New(cfg, log)
			if err != nil {
				return err
			}
			return b.Run(ctx)
		},
	}
}

// loadBrokerConfig reads the config file, applies flag overrides and then
// validates the result.
func loadBrokerConfig(cmd *cli.Command) (*broker.Config, error) {
	cfg, err := broker.ReadConfig(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	if cmd.IsSet("publisher-addr") {
		cfg.Listen.Publisher = cmd.String("publisher-addr")
	}
	if cmd.IsSet("subscriber-addr") {
		cfg.Listen.Subscriber = cmd.String("subscriber-addr")
	}
	if cmd.IsSet("policy") {
		cfg.Topics.Policy = broker.Policy(cmd.String("policy"))
	}
	if cmd.IsSet("topic") {
		cfg.Topics.Seed = cmd.StringSlice("topic")
	}
	if cmd.IsSet("delivery") {
		cfg.Delivery.Mode = broker.Delivery(cmd.String("delivery"))
	}
	if cmd.IsSet("codec") {
		cfg.Wire.Codec = cmd.String("codec")
	}
	if cmd.IsSet("framing") {
		cfg.Wire.Framing = cmd.String("framing")
	}
	if cmd.IsSet("max-connections") {
		cfg.Limits.MaxConnections = int(cmd.Int("max-connections"))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
