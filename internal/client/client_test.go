package client

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/thobiasn/herald/internal/broker"
	"github.com/thobiasn/herald/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const articleFile = `{
  "status": "ok",
  "totalResults": 4,
  "articles": [
    {"source": {"id": "bbc-news", "name": "BBC"}, "author": null, "title": "bbc one", "description": "d1", "url": "https://bbc.example/1"},
    {"source": {"id": null, "name": "Wired"}, "title": "wired one"},
    {"source": {"id": "cnn", "name": "CNN"}, "title": "cnn one", "description": "d2", "url": "https://cnn.example/1"},
    {"source": {"id": "reuters", "name": "Reuters"}, "title": "reuters one"}
  ]
}`

func writeArticles(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "news_articles.json")
	require.NoError(t, os.WriteFile(path, []byte(articleFile), 0o644))
	return path
}

func startBroker(t *testing.T) *broker.Broker {
	t.Helper()
	cfg := broker.DefaultConfig()
	cfg.Listen.Publisher = "127.0.0.1:0"
	cfg.Listen.Subscriber = "127.0.0.1:0"
	cfg.Topics.Seed = broker.DefaultTopics
	cfg.Wire.Framing = string(protocol.FramingStream)
	require.NoError(t, cfg.Validate())

	b, err := broker.New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, b.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errc)
	})
	return b
}

func TestLoadArticles(t *testing.T) {
	articles, err := LoadArticles(writeArticles(t))
	require.NoError(t, err)
	require.Len(t, articles, 4)
	assert.Equal(t, "BBC", articles[0].Source.Name)
	assert.Equal(t, "bbc-news", articles[0].Source.ID)
	assert.Empty(t, articles[0].Author)
	assert.Equal(t, "https://bbc.example/1", articles[0].URL)
}

func TestLoadArticlesErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadArticles(filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "read articles")

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"status":`), 0o644))
	_, err = LoadArticles(bad)
	assert.ErrorContains(t, err, "parse articles")

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"status":"error"}`), 0o644))
	_, err = LoadArticles(empty)
	assert.ErrorContains(t, err, "no articles")
}

func TestFilterSources(t *testing.T) {
	articles, err := LoadArticles(writeArticles(t))
	require.NoError(t, err)

	got := FilterSources(articles, broker.DefaultTopics)
	var names []string
	for _, a := range got {
		names = append(names, a.Source.Name)
	}
	assert.Equal(t, []string{"BBC", "CNN", "Reuters"}, names)
	assert.Len(t, FilterSources(articles, nil), 4)
}

func TestPublisherOneWritePerRecord(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	got := make(chan []string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			got <- nil
			return
		}
		defer conn.Close()
		var docs []string
		dec := protocol.JSONCodec{}.NewDecoder(conn)
		for {
			doc, err := dec.Next()
			if err != nil {
				break
			}
			docs = append(docs, string(doc))
		}
		got <- docs
	}()

	pub, err := DialPublisher(context.Background(), ln.Addr().String(), nil)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(protocol.Article{Source: protocol.Source{Name: "BBC"}, Title: "t"}))
	require.NoError(t, pub.Publish([]byte(`{"source":{"name":"CNN"}}`)))
	require.NoError(t, pub.Close())

	select {
	case docs := <-got:
		require.Len(t, docs, 2)
		assert.JSONEq(t, `{"source":{"name":"BBC"},"title":"t"}`, docs[0])
		assert.Equal(t, `{"source":{"name":"CNN"}}`, docs[1])
	case <-time.After(2 * time.Second):
		t.Fatal("server did not finish")
	}
}

func TestPublishArticlesEndToEnd(t *testing.T) {
	b := startBroker(t)
	ctx := context.Background()

	articles, err := LoadArticles(writeArticles(t))
	require.NoError(t, err)

	sub, err := DialSubscriber(ctx, b.SubscriberAddr().String(), nil, []string{"BBC", "CNN"})
	require.NoError(t, err)
	defer sub.Close()
	bbc, err := b.Registry().Lookup("BBC")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bbc.Info().Subscribers == 1 }, 2*time.Second, 5*time.Millisecond)

	pub, err := DialPublisher(ctx, b.PublisherAddr().String(), nil)
	require.NoError(t, err)
	n, err := PublishArticles(ctx, pub, articles, broker.DefaultTopics, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, pub.Close())

	require.NoError(t, sub.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var titles []string
	for len(titles) < 2 {
		a, raw, err := sub.Next()
		require.NoError(t, err)
		assert.NotEmpty(t, raw)
		titles = append(titles, a.Title)
	}
	assert.ElementsMatch(t, []string{"bbc one", "cnn one"}, titles)

	reuters, err := b.Registry().Lookup("Reuters")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(reuters.Messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestPublishArticlesContextCancel(t *testing.T) {
	b := startBroker(t)
	articles, err := LoadArticles(writeArticles(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	pub, err := DialPublisher(ctx, b.PublisherAddr().String(), nil)
	require.NoError(t, err)
	defer pub.Close()

	time.AfterFunc(20*time.Millisecond, cancel)
	n, err := PublishArticles(ctx, pub, articles, nil, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, n)
}

func TestSubscriberNextAfterBrokerStops(t *testing.T) {
	cfg := broker.DefaultConfig()
	cfg.Listen.Publisher = "127.0.0.1:0"
	cfg.Listen.Subscriber = "127.0.0.1:0"
	cfg.Topics.Seed = broker.DefaultTopics
	b, err := broker.New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, b.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- b.Run(ctx) }()

	sub, err := DialSubscriber(context.Background(), b.SubscriberAddr().String(), nil, []string{"CNN"})
	require.NoError(t, err)
	defer sub.Close()

	cancel()
	require.NoError(t, <-errc)

	_, _, err = sub.Next()
	assert.Error(t, err)
}

func TestDialSubscriberNeedsTopics(t *testing.T) {
	_, err := DialSubscriber(context.Background(), "127.0.0.1:1", nil, nil)
	assert.Error(t, err)
}
