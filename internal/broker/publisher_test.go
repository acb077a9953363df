package broker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/thobiasn/herald/internal/protocol"
)

// startPublisher runs a publisher session on one end of a pipe and returns
// the other end plus a channel closed when the session ends.
func startPublisher(t *testing.T, ctx context.Context, reg *Registry, cfg SessionConfig) (net.Conn, <-chan struct{}) {
	t.Helper()
	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		ServePublisher(ctx, server, reg, cfg, zaptest.NewLogger(t))
	}()
	t.Cleanup(func() {
		client.Close()
		<-done
	})
	return client, done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
}

func article(t *testing.T, codec protocol.Codec, source, title string) []byte {
	t.Helper()
	doc, err := codec.Marshal(protocol.Article{
		Source: protocol.Source{Name: source},
		Title:  title,
	})
	require.NoError(t, err)
	return doc
}

func send(t *testing.T, conn net.Conn, recs ...[]byte) {
	t.Helper()
	for _, rec := range recs {
		_, err := conn.Write(rec)
		require.NoError(t, err)
	}
}

func TestPublisherRoutesRecords(t *testing.T) {
	reg := testRegistry(t, Options{})
	codec := protocol.JSONCodec{}
	conn, done := startPublisher(t, context.Background(), reg, SessionConfig{})

	bbc := article(t, codec, "BBC", "one")
	cnn := article(t, codec, "CNN", "two")
	send(t, conn,
		bbc,
		[]byte(`{"source":`),
		[]byte(`{"title":"no source"}`),
		article(t, codec, "Al Jazeera", "unknown"),
		cnn,
	)
	conn.Close()
	waitDone(t, done)

	tp, err := reg.Lookup("BBC")
	require.NoError(t, err)
	require.Len(t, tp.Messages(), 1)
	assert.Equal(t, bbc, tp.Messages()[0].Payload)

	tp, err = reg.Lookup("CNN")
	require.NoError(t, err)
	require.Len(t, tp.Messages(), 1)
	assert.Equal(t, cnn, tp.Messages()[0].Payload)

	tp, err = reg.Lookup("Reuters")
	require.NoError(t, err)
	assert.Empty(t, tp.Messages())

	_, err = reg.Lookup("Al Jazeera")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPublisherDynamicCreatesTopic(t *testing.T) {
	reg := testRegistry(t, Options{Policy: PolicyDynamic, Seed: []string{}})
	codec := protocol.JSONCodec{}
	conn, done := startPublisher(t, context.Background(), reg, SessionConfig{})

	send(t, conn, article(t, codec, "AP", "first"), article(t, codec, "AP", "second"))
	conn.Close()
	waitDone(t, done)

	tp, err := reg.Lookup("AP")
	require.NoError(t, err)
	assert.Len(t, tp.Messages(), 2)
}

func TestPublisherCapacityReject(t *testing.T) {
	reg := testRegistry(t, Options{LogCapacity: 1, Overflow: OverflowReject})
	codec := protocol.JSONCodec{}
	conn, done := startPublisher(t, context.Background(), reg, SessionConfig{})

	first := article(t, codec, "BBC", "kept")
	send(t, conn, first, article(t, codec, "BBC", "rejected"))
	conn.Close()
	waitDone(t, done)

	tp, err := reg.Lookup("BBC")
	require.NoError(t, err)
	require.Len(t, tp.Messages(), 1)
	assert.Equal(t, first, tp.Messages()[0].Payload)
}

func TestPublisherMsgpack(t *testing.T) {
	reg := testRegistry(t, Options{})
	codec := protocol.MsgpackCodec{}
	conn, done := startPublisher(t, context.Background(), reg, SessionConfig{Codec: codec})

	send(t, conn, article(t, codec, "Reuters", "binary"))
	conn.Close()
	waitDone(t, done)

	tp, err := reg.Lookup("Reuters")
	require.NoError(t, err)
	assert.Len(t, tp.Messages(), 1)
}

func TestPublisherStreamFraming(t *testing.T) {
	reg := testRegistry(t, Options{})
	codec := protocol.JSONCodec{}
	conn, done := startPublisher(t, context.Background(), reg, SessionConfig{Framing: protocol.FramingStream})

	// Two documents in one write are still two records.
	both := append(article(t, codec, "BBC", "a"), article(t, codec, "CNN", "b")...)
	send(t, conn, both)
	// A syntax error cannot be skipped in a stream; the session ends.
	send(t, conn, []byte(`]`))
	waitDone(t, done)

	for _, name := range []string{"BBC", "CNN"} {
		tp, err := reg.Lookup(name)
		require.NoError(t, err)
		assert.Len(t, tp.Messages(), 1, name)
	}
}

func TestPublisherContextCancel(t *testing.T) {
	reg := testRegistry(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	_, done := startPublisher(t, ctx, reg, SessionConfig{})

	cancel()
	waitDone(t, done)
}
