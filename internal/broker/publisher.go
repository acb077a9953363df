package broker

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"

	"github.com/thobiasn/herald/internal/protocol"
)

// ServePublisher runs a publisher session on conn until the peer disconnects,
// a transport error occurs, or ctx is cancelled. Every inbound record is
// parsed, routed by its source name and appended to the matching topic.
// Record-level failures are logged and the session keeps reading.
func ServePublisher(ctx context.Context, conn net.Conn, reg *Registry, cfg SessionConfig, log *zap.Logger) {
	cfg = cfg.withDefaults()
	_, log = sessionLogger(log, "publisher", conn)

	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	log.Info("session opened")
	s := &publisherSession{reg: reg, codec: cfg.Codec, log: log}
	records := protocol.NewRecordReader(cfg.Framing, cfg.Codec, conn, cfg.MaxRecordSize)

	for {
		rec, err := records.Next()
		if err != nil {
			s.closed(err)
			return
		}
		s.handle(rec)
	}
}

type publisherSession struct {
	reg   *Registry
	codec protocol.Codec
	log   *zap.Logger

	appended int
	dropped  int
}

func (s *publisherSession) handle(rec []byte) {
	if err := s.publish(rec); err != nil {
		s.dropped++
		return
	}
	s.appended++
}

// publish routes and appends one record. A non-nil error means the record
// was not stored; it has already been logged.
func (s *publisherSession) publish(rec []byte) error {
	name, err := s.codec.Route(rec)
	switch {
	case errors.Is(err, protocol.ErrMissingField):
		s.log.Warn("record dropped: no routing key", zap.Error(err))
		return err
	case err != nil:
		s.log.Warn("record dropped: parse failed", zap.Error(err), zap.Int("bytes", len(rec)))
		return err
	}

	topic, created, err := s.reg.Resolve(name)
	switch {
	case errors.Is(err, ErrUnknownTopic):
		s.log.Debug("record discarded: unknown topic", zap.String("topic", name))
		return err
	case err != nil:
		s.log.Warn("record dropped", zap.String("topic", name), zap.Error(err))
		return err
	}
	if created {
		s.log.Info("topic created", zap.String("topic", name))
	}

	res, err := topic.Append(rec)
	if err != nil {
		s.log.Warn("record rejected", zap.String("topic", name), zap.Error(err))
		return err
	}
	if res.Evicted > 0 {
		s.log.Warn("topic log full, oldest evicted",
			zap.String("topic", name),
			zap.Int("evicted", res.Evicted),
		)
	}
	s.log.Debug("record appended", zap.String("topic", name), zap.Uint64("seq", res.Seq))
	return nil
}

func (s *publisherSession) closed(err error) {
	fields := []zap.Field{zap.Int("appended", s.appended), zap.Int("dropped", s.dropped)}
	switch {
	case isPeerGone(err):
		s.log.Info("session closed", fields...)
	case errors.Is(err, protocol.ErrParse):
		s.log.Warn("session closed: stream out of sync", append(fields, zap.Error(err))...)
	default:
		s.log.Warn("session closed", append(fields, zap.Error(err))...)
	}
}
