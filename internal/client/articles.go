package client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/thobiasn/herald/internal/protocol"
)

// LoadArticles reads an article file as written by the news fetcher.
func LoadArticles(path string) ([]protocol.Article, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read articles: %w", err)
	}
	var f protocol.ArticleFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse articles: %w", err)
	}
	if f.Articles == nil {
		return nil, fmt.Errorf("%s: no articles found", path)
	}
	return f.Articles, nil
}

// FilterSources keeps the articles whose source name is in sources. An
// empty sources list keeps everything.
func FilterSources(articles []protocol.Article, sources []string) []protocol.Article {
	if len(sources) == 0 {
		return articles
	}
	out := make([]protocol.Article, 0, len(articles))
	for _, a := range articles {
		if slices.Contains(sources, a.Source.Name) {
			out = append(out, a)
		}
	}
	return out
}

// PublishArticles sends the articles matching sources in order, pausing
// interval between writes so the broker reads one record per receive. It
// returns how many were sent.
func PublishArticles(ctx context.Context, pub *Publisher, articles []protocol.Article, sources []string, interval time.Duration) (int, error) {
	sent := 0
	for _, a := range FilterSources(articles, sources) {
		if sent > 0 && interval > 0 {
			t := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				t.Stop()
				return sent, ctx.Err()
			case <-t.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := pub.Publish(a); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
