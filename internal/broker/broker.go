package broker

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Broker wires the registry to the acceptor and runs them.
type Broker struct {
	cfg      *Config
	log      *zap.Logger
	registry *Registry
	acceptor *Acceptor
}

// New creates a Broker from a validated config.
func New(cfg *Config, log *zap.Logger) (*Broker, error) {
	reg, err := NewRegistry(cfg.RegistryOptions())
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	sess, err := cfg.SessionConfig()
	if err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	return &Broker{
		cfg:      cfg,
		log:      log,
		registry: reg,
		acceptor: NewAcceptor(reg, sess, cfg.Limits.MaxConnections, log),
	}, nil
}

// Registry returns the broker's topic registry.
func (b *Broker) Registry() *Registry { return b.registry }

// Listen binds both listeners. Run calls it when it has not been called.
func (b *Broker) Listen() error {
	if b.acceptor.PublisherAddr() != nil {
		return nil
	}
	return b.acceptor.Listen(b.cfg.Listen.Publisher, b.cfg.Listen.Subscriber)
}

// PublisherAddr returns the bound publisher address, or nil before Listen.
func (b *Broker) PublisherAddr() net.Addr { return b.acceptor.PublisherAddr() }

// SubscriberAddr returns the bound subscriber address, or nil before Listen.
func (b *Broker) SubscriberAddr() net.Addr { return b.acceptor.SubscriberAddr() }

// Run serves until ctx is cancelled, then shuts down every session.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.Listen(); err != nil {
		return err
	}

	b.log.Info("broker starting",
		zap.String("policy", string(b.cfg.Topics.Policy)),
		zap.Strings("topics", b.cfg.Topics.Seed),
		zap.String("delivery", string(b.cfg.Delivery.Mode)),
		zap.String("codec", b.cfg.Wire.Codec),
		zap.String("framing", b.cfg.Wire.Framing),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.acceptor.Serve(gctx) })
	if iv := b.cfg.Diagnostics.Interval; iv > 0 {
		g.Go(func() error {
			b.diagnostics(gctx, iv)
			return nil
		})
	}
	err := g.Wait()

	b.logTopics("broker stopped")
	return err
}

func (b *Broker) diagnostics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.logTopics("topic snapshot")
		}
	}
}

func (b *Broker) logTopics(msg string) {
	topics := b.registry.ListTopics()
	fields := make([]zap.Field, 0, len(topics))
	for _, t := range topics {
		fields = append(fields, zap.Object(t.Name, t))
	}
	b.log.Info(msg, fields...)
}
