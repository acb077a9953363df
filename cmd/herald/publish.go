package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/thobiasn/herald/internal/broker"
	"github.com/thobiasn/herald/internal/client"
	"github.com/thobiasn/herald/internal/protocol"
)

// defaultPublishInterval keeps receive framing at one record per read.
const defaultPublishInterval = time.Second

func publishCommand(flags *globalFlags) *cli.Command {
	return &cli.Command{
		Name:  "publish",
		Usage: "Publish articles from a fetcher output file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "broker publisher address", Value: "127.0.0.1:8081", Sources: cli.EnvVars("HERALD_PUBLISH_ADDR")},
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "article file", Value: "news_articles.json"},
			&cli.StringSliceFlag{Name: "source", Usage: "only publish articles from this source, repeatable", Value: broker.DefaultTopics},
			&cli.DurationFlag{Name: "interval", Usage: "pause between articles", Value: defaultPublishInterval},
			&cli.StringFlag{Name: "codec", Usage: "record codec (json, msgpack)", Value: protocol.CodecJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log, err := flags.logger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			codec, err := protocol.CodecByName(cmd.String("codec"))
			if err != nil {
				return err
			}
			articles, err := client.LoadArticles(cmd.String("file"))
			if err != nil {
				return err
			}

			pub, err := client.DialPublisher(ctx, cmd.String("addr"), codec)
			if err != nil {
				return err
			}
			defer pub.Close()

			n, err := client.PublishArticles(ctx, pub, articles, cmd.StringSlice("source"), cmd.Duration("interval"))
			log.Info("published articles",
				zap.Int("sent", n),
				zap.Int("loaded", len(articles)),
				zap.String("addr", cmd.String("addr")),
			)
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("publish: %w", err)
			}
			return nil
		},
	}
}
