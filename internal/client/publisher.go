// Package client holds thin publisher and subscriber drivers for the broker.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/thobiasn/herald/internal/protocol"
)

// Publisher writes records to a broker's publisher port, one write per
// record.
type Publisher struct {
	conn  net.Conn
	codec protocol.Codec
}

// DialPublisher connects to the publisher port at addr.
func DialPublisher(ctx context.Context, addr string, codec protocol.Codec) (*Publisher, error) {
	if codec == nil {
		codec = protocol.JSONCodec{}
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial publisher %s: %w", addr, err)
	}
	return &Publisher{conn: conn, codec: codec}, nil
}

// Publish encodes record with the publisher's codec and sends it. Raw bytes
// are sent unchanged.
func (p *Publisher) Publish(record any) error {
	var doc []byte
	switch v := record.(type) {
	case []byte:
		doc = v
	case json.RawMessage:
		doc = v
	default:
		var err error
		doc, err = p.codec.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}
	if _, err := p.conn.Write(doc); err != nil {
		return fmt.Errorf("send record: %w", err)
	}
	return nil
}

// Close closes the connection.
func (p *Publisher) Close() error {
	return p.conn.Close()
}
