package broker

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Policy decides what happens when a record names a topic that does not
// exist yet.
type Policy string

const (
	// PolicyStatic only accepts the topics seeded at startup; records for
	// any other name are discarded.
	PolicyStatic Policy = "static"
	// PolicyDynamic creates a topic on the first publish to an unseen name.
	PolicyDynamic Policy = "dynamic"
)

// DefaultTopics are the topics seeded when none are configured.
var DefaultTopics = []string{"Reuters", "BBC", "CNN"}

// Options configures a Registry and every topic it creates.
type Options struct {
	Policy         Policy
	LogCapacity    int
	Overflow       Overflow
	MaxSubscribers int
	Seed           []string
}

// Registry maps topic names to topics. It is the only shared state between
// publisher and subscriber sessions.
type Registry struct {
	opts Options

	mu     sync.RWMutex
	topics map[string]*Topic
	closed bool
}

// NewRegistry creates a registry and seeds opts.Seed.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Policy == "" {
		opts.Policy = PolicyStatic
	}
	if opts.Overflow == "" {
		opts.Overflow = OverflowReject
	}
	r := &Registry{
		opts:   opts,
		topics: make(map[string]*Topic, len(opts.Seed)),
	}
	for _, name := range opts.Seed {
		if _, err := r.CreateTopic(name); err != nil {
			return nil, fmt.Errorf("seed topic: %w", err)
		}
	}
	return r, nil
}

// Policy returns the registry's topic creation policy.
func (r *Registry) Policy() Policy { return r.opts.Policy }

// CreateTopic adds a new topic. Creating an existing name fails with
// ErrAlreadyExists.
func (r *Registry) CreateTopic(name string) (*Topic, error) {
	if err := validTopicName(name); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.topics[name]; ok {
		return nil, fmt.Errorf("topic %q: %w", name, ErrAlreadyExists)
	}
	t := newTopic(name, r.opts)
	r.topics[name] = t
	return t, nil
}

// Lookup returns the topic called name or ErrNotFound. After Close it
// fails with ErrClosed.
func (r *Registry) Lookup(name string) (*Topic, error) {
	r.mu.RLock()
	t, ok := r.topics[name]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("topic %q: %w", name, ErrNotFound)
	}
	return t, nil
}

// Resolve finds the topic a published record belongs to. Under the static
// policy an unknown name yields ErrUnknownTopic; under the dynamic policy
// the topic is created, and created reports whether this call did so.
func (r *Registry) Resolve(name string) (t *Topic, created bool, err error) {
	r.mu.RLock()
	t, ok := r.topics[name]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, false, ErrClosed
	}
	if ok {
		return t, false, nil
	}
	if r.opts.Policy != PolicyDynamic {
		return nil, false, fmt.Errorf("topic %q: %w", name, ErrUnknownTopic)
	}
	if err := validTopicName(name); err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, ErrClosed
	}
	// Another publisher may have created it between the two locks.
	if t, ok := r.topics[name]; ok {
		return t, false, nil
	}
	t = newTopic(name, r.opts)
	r.topics[name] = t
	return t, true, nil
}

// ListTopics returns a summary of every topic, sorted by name.
func (r *Registry) ListTopics() []TopicInfo {
	r.mu.RLock()
	topics := make([]*Topic, 0, len(r.topics))
	for _, t := range r.topics {
		topics = append(topics, t)
	}
	r.mu.RUnlock()

	out := make([]TopicInfo, 0, len(topics))
	for _, t := range topics {
		out = append(out, t.Info())
	}
	slices.SortFunc(out, func(a, b TopicInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Close rejects further appends and lookups and wakes every subscriber, whose
// next Pending call fails with ErrClosed. It is safe to call more than once.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	topics := make([]*Topic, 0, len(r.topics))
	for _, t := range r.topics {
		topics = append(topics, t)
	}
	r.mu.Unlock()

	for _, t := range topics {
		t.close()
	}
}

// validTopicName rejects names that could never be subscribed to.
func validTopicName(name string) error {
	if strings.TrimSpace(name) != name || name == "" {
		return fmt.Errorf("invalid topic name %q", name)
	}
	if strings.Contains(name, ",") {
		return fmt.Errorf("invalid topic name %q: contains ','", name)
	}
	return nil
}
