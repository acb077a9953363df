package broker

import (
	"errors"
	"io"
	"net"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/thobiasn/herald/internal/protocol"
)

// Delivery selects how a subscriber session re-reads a topic log.
type Delivery string

const (
	// DeliveryCursor keeps a per-(session, topic) cursor so each entry is
	// delivered once per session.
	DeliveryCursor Delivery = "cursor"
	// DeliveryReplay re-sends the whole retained log on every wake.
	DeliveryReplay Delivery = "replay"
)

// SessionConfig is shared by every session the acceptor spawns.
type SessionConfig struct {
	Codec         protocol.Codec
	Framing       protocol.Framing
	MaxRecordSize int
	Delivery      Delivery
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.Codec == nil {
		c.Codec = protocol.JSONCodec{}
	}
	if c.Framing == "" {
		c.Framing = protocol.FramingReceive
	}
	if c.MaxRecordSize <= 0 {
		c.MaxRecordSize = protocol.DefaultMaxRecordSize
	}
	if c.Delivery == "" {
		c.Delivery = DeliveryCursor
	}
	return c
}

// sessionLogger tags a logger with a fresh session id, the role and the
// peer address.
func sessionLogger(log *zap.Logger, role string, conn net.Conn) (string, *zap.Logger) {
	id := uuid.NewString()
	return id, log.With(
		zap.String("session", id),
		zap.String("role", role),
		zap.Stringer("remote", conn.RemoteAddr()),
	)
}

func isClosedErr(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// isPeerGone reports whether err is an ordinary end of a connection rather
// than something worth a warning.
func isPeerGone(err error) bool {
	if err == nil {
		return false
	}
	if isEOF(err) || isClosedErr(err) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		msg := opErr.Err.Error()
		return strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe")
	}
	return false
}
