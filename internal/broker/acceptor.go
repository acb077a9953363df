package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type sessionFunc func(ctx context.Context, conn net.Conn, reg *Registry, cfg SessionConfig, log *zap.Logger)

// Acceptor owns the publisher and subscriber listeners and spawns one
// session per accepted connection.
type Acceptor struct {
	reg     *Registry
	cfg     SessionConfig
	log     *zap.Logger
	connSem chan struct{} // nil means unlimited

	pubLn net.Listener
	subLn net.Listener
	wg    sync.WaitGroup
}

// NewAcceptor creates an Acceptor. maxConns bounds concurrent sessions
// across both listeners; 0 disables the limit. Call Listen, then Serve.
func NewAcceptor(reg *Registry, cfg SessionConfig, maxConns int, log *zap.Logger) *Acceptor {
	a := &Acceptor{
		reg: reg,
		cfg: cfg.withDefaults(),
		log: log,
	}
	if maxConns > 0 {
		a.connSem = make(chan struct{}, maxConns)
	}
	return a
}

// Listen binds the publisher and subscriber addresses.
func (a *Acceptor) Listen(publisherAddr, subscriberAddr string) error {
	pub, err := net.Listen("tcp", publisherAddr)
	if err != nil {
		return fmt.Errorf("listen publisher: %w", err)
	}
	sub, err := net.Listen("tcp", subscriberAddr)
	if err != nil {
		pub.Close()
		return fmt.Errorf("listen subscriber: %w", err)
	}
	a.pubLn, a.subLn = pub, sub
	a.log.Info("listening",
		zap.Stringer("publisher", pub.Addr()),
		zap.Stringer("subscriber", sub.Addr()),
	)
	return nil
}

// PublisherAddr returns the bound publisher address, or nil before Listen.
func (a *Acceptor) PublisherAddr() net.Addr {
	if a.pubLn == nil {
		return nil
	}
	return a.pubLn.Addr()
}

// SubscriberAddr returns the bound subscriber address, or nil before Listen.
func (a *Acceptor) SubscriberAddr() net.Addr {
	if a.subLn == nil {
		return nil
	}
	return a.subLn.Addr()
}

// Serve accepts connections until ctx is cancelled or a listener fails.
// On return both listeners are closed, the registry is closed and every
// session has exited.
func (a *Acceptor) Serve(ctx context.Context) error {
	if a.pubLn == nil || a.subLn == nil {
		return errors.New("acceptor: Listen not called")
	}

	g, gctx := errgroup.WithContext(ctx)
	pubCh := make(chan net.Conn)
	subCh := make(chan net.Conn)
	g.Go(func() error { return a.acceptLoop(gctx, a.pubLn, pubCh) })
	g.Go(func() error { return a.acceptLoop(gctx, a.subLn, subCh) })

	stop := context.AfterFunc(gctx, func() {
		a.pubLn.Close()
		a.subLn.Close()
	})
	defer stop()

	// Single dispatcher: wait for whichever listener is ready, spawn, repeat.
	func() {
		for {
			select {
			case <-gctx.Done():
				return
			case conn := <-pubCh:
				a.spawn(gctx, conn, ServePublisher)
			case conn := <-subCh:
				a.spawn(gctx, conn, ServeSubscriber)
			}
		}
	}()

	err := g.Wait()
	a.reg.Close()
	a.wg.Wait()
	a.log.Info("acceptor stopped")
	return err
}

func (a *Acceptor) acceptLoop(ctx context.Context, ln net.Listener, out chan<- net.Conn) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if isClosedErr(err) || ctx.Err() != nil {
				return nil
			}
			a.log.Error("accept error", zap.Stringer("addr", ln.Addr()), zap.Error(err))
			return fmt.Errorf("accept on %s: %w", ln.Addr(), err)
		}
		select {
		case out <- conn:
		case <-ctx.Done():
			conn.Close()
			return nil
		}
	}
}

func (a *Acceptor) spawn(ctx context.Context, conn net.Conn, serve sessionFunc) {
	if a.connSem != nil {
		select {
		case a.connSem <- struct{}{}:
		default:
			a.log.Warn("connection limit reached, rejecting", zap.Stringer("remote", conn.RemoteAddr()))
			conn.Close()
			return
		}
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if a.connSem != nil {
			defer func() { <-a.connSem }()
		}
		serve(ctx, conn, a.reg, a.cfg, a.log)
	}()
}
