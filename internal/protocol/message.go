package protocol

import "strings"

// Source identifies the outlet that produced an article. Name is the
// routing key: records are filed under the topic named by source.name.
type Source struct {
	ID   string `json:"id,omitempty" msgpack:"id,omitempty"`
	Name string `json:"name" msgpack:"name"`
}

// Article is the record shape produced by the upstream fetcher. The broker
// never decodes into it; only clients do.
type Article struct {
	Source      Source `json:"source" msgpack:"source"`
	Author      string `json:"author,omitempty" msgpack:"author,omitempty"`
	Title       string `json:"title,omitempty" msgpack:"title,omitempty"`
	Description string `json:"description,omitempty" msgpack:"description,omitempty"`
	URL         string `json:"url,omitempty" msgpack:"url,omitempty"`
	URLToImage  string `json:"urlToImage,omitempty" msgpack:"urlToImage,omitempty"`
	PublishedAt string `json:"publishedAt,omitempty" msgpack:"publishedAt,omitempty"`
	Content     string `json:"content,omitempty" msgpack:"content,omitempty"`
}

// ArticleFile is the document the fetcher saves to disk.
type ArticleFile struct {
	Status       string    `json:"status,omitempty"`
	TotalResults int       `json:"totalResults,omitempty"`
	Articles     []Article `json:"articles"`
}

// SubscriptionSeparator separates topic names in a subscription request.
const SubscriptionSeparator = ","

// EncodeSubscription builds the plaintext request line a subscriber sends
// right after connecting. There is no trailing delimiter.
func EncodeSubscription(topics []string) string {
	return strings.Join(topics, SubscriptionSeparator)
}

// ParseSubscription splits a subscription request into topic names in
// request order. Surrounding whitespace is trimmed, empty names are dropped
// and only the first occurrence of a repeated name is kept.
func ParseSubscription(req string) []string {
	parts := strings.Split(req, SubscriptionSeparator)
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		name := strings.TrimSpace(p)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
