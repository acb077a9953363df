package broker

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/thobiasn/herald/internal/protocol"
)

// ServeSubscriber runs a subscriber session on conn. The first inbound
// message is the subscription request; unknown topic names in it are
// ignored. On every wake the session drains each subscribed topic in
// subscription order, so records reach the peer in that order and a silent
// topic never holds back the others. It runs until the peer disconnects, the
// registry closes, or ctx is cancelled.
func ServeSubscriber(ctx context.Context, conn net.Conn, reg *Registry, cfg SessionConfig, log *zap.Logger) {
	cfg = cfg.withDefaults()
	id, log := sessionLogger(log, "subscriber", conn)

	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s := &subscriberSession{
		id:       id,
		conn:     conn,
		delivery: cfg.Delivery,
		log:      log,
		waiter:   NewWaiter(),
	}

	names, err := s.readRequest(cfg.MaxRecordSize)
	if err != nil {
		if !isPeerGone(err) {
			log.Warn("subscription request failed", zap.Error(err))
		}
		return
	}
	err = s.subscribe(reg, names)
	defer s.unsubscribe()
	if errors.Is(err, ErrClosed) {
		log.Info("session closed: broker shutting down")
		return
	}

	log.Info("session opened",
		zap.Strings("requested", names),
		zap.Strings("topics", s.topicNames()),
	)

	// Nothing else is expected from the peer; reading only detects the close.
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		_, err := io.Copy(io.Discard, conn)
		if err != nil && !isPeerGone(err) {
			log.Warn("subscriber read failed", zap.Error(err))
		}
		s.cancel()
	}()

	err = s.run()
	s.cancel()
	<-watched

	switch {
	case err == nil, errors.Is(err, errCancelled), isPeerGone(err):
		log.Info("session closed", zap.Int("delivered", s.delivered))
	case errors.Is(err, ErrClosed):
		log.Info("session closed: broker shutting down", zap.Int("delivered", s.delivered))
	default:
		log.Warn("session closed", zap.Int("delivered", s.delivered), zap.Error(err))
	}
}

type subscriberSession struct {
	id       string
	conn     net.Conn
	delivery Delivery
	log      *zap.Logger

	topics    []*Topic
	waiter    *Waiter
	once      sync.Once
	delivered int
}

// readRequest performs the single SETUP read.
func (s *subscriberSession) readRequest(maxSize int) ([]string, error) {
	buf := make([]byte, maxSize)
	n, err := s.conn.Read(buf)
	if n == 0 {
		if err == nil {
			err = io.ErrNoProgress
		}
		return nil, err
	}
	return protocol.ParseSubscription(string(buf[:n])), nil
}

// subscribe joins every known topic in names. It stops with ErrClosed when
// the registry is shutting down.
func (s *subscriberSession) subscribe(reg *Registry, names []string) error {
	for _, name := range names {
		t, err := reg.Lookup(name)
		if errors.Is(err, ErrClosed) {
			return err
		}
		if err != nil {
			s.log.Debug("subscription ignored: unknown topic", zap.String("topic", name))
			continue
		}
		err = t.AddSubscriber(s.id, s.waiter)
		if errors.Is(err, ErrClosed) {
			return err
		}
		if err != nil {
			s.log.Warn("subscription refused", zap.String("topic", name), zap.Error(err))
			continue
		}
		s.topics = append(s.topics, t)
	}
	return nil
}

func (s *subscriberSession) unsubscribe() {
	for _, t := range s.topics {
		t.RemoveSubscriber(s.id)
	}
}

func (s *subscriberSession) topicNames() []string {
	out := make([]string, len(s.topics))
	for i, t := range s.topics {
		out[i] = t.Name()
	}
	return out
}

// cancel releases the pending wait and unblocks any in-flight write.
func (s *subscriberSession) cancel() {
	s.once.Do(func() {
		s.waiter.Cancel()
		s.conn.Close()
	})
}

// run drains every topic in subscription order, then waits for the next
// wake. The first pass delivers what the topics already hold. It returns the
// error that ended the session.
func (s *subscriberSession) run() error {
	replay := s.delivery == DeliveryReplay
	cursors := make([]uint64, len(s.topics))
	for {
		closed := false
		for i, t := range s.topics {
			msgs, last, err := t.Pending(cursors[i], replay)
			if errors.Is(err, ErrClosed) {
				closed = true
				continue
			}
			if !replay && cursors[i] > 0 && len(msgs) > 0 && msgs[0].Seq > cursors[i]+1 {
				s.log.Warn("entries evicted before delivery",
					zap.String("topic", t.Name()),
					zap.Uint64("missed", msgs[0].Seq-cursors[i]-1),
				)
			}
			if err := s.send(msgs); err != nil {
				return err
			}
			cursors[i] = last
		}
		if closed {
			return ErrClosed
		}
		if err := s.waiter.Wait(); err != nil {
			return err
		}
	}
}

// send writes msgs in order.
func (s *subscriberSession) send(msgs []Message) error {
	for _, m := range msgs {
		if _, err := s.conn.Write(m.Payload); err != nil {
			return err
		}
		s.delivered++
	}
	return nil
}
