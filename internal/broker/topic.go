package broker

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// Overflow is what Append does once a topic log is at capacity.
type Overflow string

const (
	OverflowReject      Overflow = "reject"
	OverflowEvictOldest Overflow = "evict_oldest"
)

// Message is one record in a topic log. Payload holds the document bytes
// exactly as the publisher sent them.
type Message struct {
	Seq      uint64
	Topic    string
	Payload  []byte
	Received time.Time
}

// AppendResult describes a successful append.
type AppendResult struct {
	Seq     uint64
	Evicted int
}

// TopicInfo is a point-in-time summary of a topic, for diagnostics.
type TopicInfo struct {
	Name        string
	Messages    int
	Subscribers int
	LastSeq     uint64
	Evicted     uint64
}

func (i TopicInfo) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("messages", i.Messages)
	enc.AddInt("subscribers", i.Subscribers)
	enc.AddUint64("last_seq", i.LastSeq)
	enc.AddUint64("evicted", i.Evicted)
	return nil
}

// Topic is a named, append-only message log with a subscriber set. The log
// and the subscriber set are guarded by the topic's own lock; appends
// signal every subscriber's waiter.
type Topic struct {
	name     string
	capacity int // 0 means unbounded
	overflow Overflow
	maxSubs  int // 0 means unbounded

	mu      sync.Mutex
	log     []Message
	lastSeq uint64
	evicted uint64
	subs    map[string]*Waiter
	closed  bool
}

func newTopic(name string, opts Options) *Topic {
	return &Topic{
		name:     name,
		capacity: opts.LogCapacity,
		overflow: opts.Overflow,
		maxSubs:  opts.MaxSubscribers,
		subs:     make(map[string]*Waiter),
	}
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// Append adds payload to the end of the log and wakes every subscriber.
// At capacity it either fails with ErrCapacityExceeded or drops the oldest
// entry, depending on the topic's overflow policy.
func (t *Topic) Append(payload []byte) (AppendResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return AppendResult{}, ErrClosed
	}

	var res AppendResult
	if t.capacity > 0 && len(t.log) >= t.capacity {
		if t.overflow != OverflowEvictOldest {
			return AppendResult{}, fmt.Errorf("topic %q: log holds %d messages: %w", t.name, len(t.log), ErrCapacityExceeded)
		}
		drop := len(t.log) - t.capacity + 1
		n := copy(t.log, t.log[drop:])
		clear(t.log[n:])
		t.log = t.log[:n]
		t.evicted += uint64(drop)
		res.Evicted = drop
	}

	t.lastSeq++
	t.log = append(t.log, Message{
		Seq:      t.lastSeq,
		Topic:    t.name,
		Payload:  payload,
		Received: time.Now(),
	})
	res.Seq = t.lastSeq

	t.broadcastLocked()
	return res, nil
}

// AddSubscriber records id in the topic's subscriber set. A non-nil w is
// signalled on every later append and when the topic closes.
func (t *Topic) AddSubscriber(id string, w *Waiter) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if _, ok := t.subs[id]; ok {
		return nil
	}
	if t.maxSubs > 0 && len(t.subs) >= t.maxSubs {
		return fmt.Errorf("topic %q: %d subscribers: %w", t.name, len(t.subs), ErrCapacityExceeded)
	}
	t.subs[id] = w
	return nil
}

// RemoveSubscriber drops id from the subscriber set.
func (t *Topic) RemoveSubscriber(id string) {
	t.mu.Lock()
	delete(t.subs, id)
	t.mu.Unlock()
}

// HasSubscriber reports whether id is in the subscriber set.
func (t *Topic) HasSubscriber(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.subs[id]
	return ok
}

// Messages returns a copy of the current log.
func (t *Topic) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.log...)
}

// Pending returns the entries a subscriber at cursor after has not seen,
// along with the newest Seq. With replay set, any new entry causes the whole
// retained log to be returned. It never blocks; once the topic is closed and
// nothing is pending it fails with ErrClosed.
func (t *Topic) Pending(after uint64, replay bool) ([]Message, uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastSeq <= after {
		if t.closed {
			return nil, after, ErrClosed
		}
		return nil, after, nil
	}
	if replay {
		return append([]Message(nil), t.log...), t.lastSeq, nil
	}
	return t.sinceLocked(after), t.lastSeq, nil
}

func (t *Topic) sinceLocked(after uint64) []Message {
	// Seqs are contiguous, so the first wanted entry sits at a fixed offset.
	if len(t.log) == 0 {
		return nil
	}
	first := t.log[0].Seq
	start := 0
	if after >= first {
		start = int(after - first + 1)
	}
	return append([]Message(nil), t.log[start:]...)
}

func (t *Topic) broadcastLocked() {
	for _, w := range t.subs {
		w.signal()
	}
}

func (t *Topic) close() {
	t.mu.Lock()
	t.closed = true
	t.broadcastLocked()
	t.mu.Unlock()
}

// Info returns a diagnostics summary of the topic.
func (t *Topic) Info() TopicInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TopicInfo{
		Name:        t.name,
		Messages:    len(t.log),
		Subscribers: len(t.subs),
		LastSeq:     t.lastSeq,
		Evicted:     t.evicted,
	}
}

// Waiter is the wake-up signal of one subscriber session, shared by every
// topic the session subscribes to. Signals coalesce: one pending wake covers
// any number of appends.
type Waiter struct {
	ready chan struct{}
	done  chan struct{}
	once  sync.Once
}

func NewWaiter() *Waiter {
	return &Waiter{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (w *Waiter) signal() {
	if w == nil {
		return
	}
	select {
	case w.ready <- struct{}{}:
	default:
	}
}

// Wait blocks until a topic signals the waiter or Cancel is called.
func (w *Waiter) Wait() error {
	select {
	case <-w.done:
		return errCancelled
	default:
	}
	select {
	case <-w.ready:
		return nil
	case <-w.done:
		return errCancelled
	}
}

// Cancel releases the current and every later Wait.
func (w *Waiter) Cancel() {
	w.once.Do(func() { close(w.done) })
}
