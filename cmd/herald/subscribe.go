package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/thobiasn/herald/internal/client"
	"github.com/thobiasn/herald/internal/protocol"
)

func subscribeCommand(flags *globalFlags) *cli.Command {
	return &cli.Command{
		Name:  "subscribe",
		Usage: "Subscribe to topics and print delivered articles",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "broker subscriber address", Value: "127.0.0.1:8080", Sources: cli.EnvVars("HERALD_SUBSCRIBE_ADDR")},
			&cli.StringFlag{Name: "topics", Aliases: []string{"t"}, Usage: "comma-separated topic names", Value: "BBC,CNN"},
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
			topics := protocol.ParseSubscription(cmd.String("topics"))

			sub, err := client.DialSubscriber(ctx, cmd.String("addr"), codec, topics)
			if err != nil {
				return err
			}
			defer sub.Close()
			stop := context.AfterFunc(ctx, func() { sub.Close() })
			defer stop()
			log.Info("subscribed", zap.Strings("topics", topics), zap.String("addr", cmd.String("addr")))

			out := cmd.Root().Writer
			for {
				a, raw, err := sub.Next()
				switch {
				case errors.Is(err, protocol.ErrParse) && raw != nil:
					log.Warn("undecodable record", zap.Error(err), zap.Int("bytes", len(raw)))
					continue
				case err != nil:
					if ctx.Err() != nil || errors.Is(err, io.EOF) {
						log.Info("disconnected from broker")
						return nil
					}
					return fmt.Errorf("receive: %w", err)
				}
				printArticle(out, a)
			}
		},
	}
}

func printArticle(w io.Writer, a protocol.Article) {
	if a.Title == "" || a.Description == "" || a.URL == "" {
		fmt.Fprintf(w, "\nIncomplete article data (Topic: %s)\n", a.Source.Name)
		return
	}
	fmt.Fprintf(w, "\nNew Article Received (Topic: %s)\n", a.Source.Name)
	fmt.Fprintf(w, "Title: %s\n", a.Title)
	fmt.Fprintf(w, "Description: %s\n", a.Description)
	fmt.Fprintf(w, "URL: %s\n", a.URL)
}
