package client

import (
	"context"
	"fmt"
	"net"

	"github.com/thobiasn/herald/internal/protocol"
)

// Subscriber reads the records a broker delivers for a set of topics.
type Subscriber struct {
	conn  net.Conn
	codec protocol.Codec
	dec   protocol.Decoder
}

// DialSubscriber connects to the subscriber port at addr and sends the
// subscription request for topics.
func DialSubscriber(ctx context.Context, addr string, codec protocol.Codec, topics []string) (*Subscriber, error) {
	if codec == nil {
		codec = protocol.JSONCodec{}
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("no topics to subscribe to")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial subscriber %s: %w", addr, err)
	}
	if _, err := conn.Write([]byte(protocol.EncodeSubscription(topics))); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send subscription: %w", err)
	}
	return &Subscriber{conn: conn, codec: codec, dec: codec.NewDecoder(conn)}, nil
}

// Next blocks for the next delivered record and returns it decoded along
// with its raw bytes. It returns io.EOF once the broker closes the
// connection.
func (s *Subscriber) Next() (protocol.Article, []byte, error) {
	doc, err := s.dec.Next()
	if err != nil {
		return protocol.Article{}, nil, err
	}
	var a protocol.Article
	if err := s.codec.Unmarshal(doc, &a); err != nil {
		return protocol.Article{}, doc, fmt.Errorf("%w: %v", protocol.ErrParse, err)
	}
	return a, doc, nil
}

// Close closes the connection, unblocking Next.
func (s *Subscriber) Close() error {
	return s.conn.Close()
}
