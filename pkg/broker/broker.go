// Package broker provides the single-process, in-memory topic bus that
// every other fabric component publishes to and consumes from. It offers
// glob subscriptions, request/response correlation, per-message TTL, and a
// bounded history for replay.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
)

var (
	// ErrNotRunning is returned by Publish and Request before Start or
	// after Stop.
	ErrNotRunning = errors.New("broker is not running")

	// ErrTimeout is returned by Request when no response arrives in time.
	ErrTimeout = errors.New("request timed out")
)

// RequestError carries the payload of an error response.
type RequestError struct {
	Payload any
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed: %v", e.Payload)
}

// Callback receives matching messages. Callbacks for one subscription are
// invoked in publish order; a panicking callback is recovered and logged
// and never reaches the publisher.
type Callback func(msg *Message)

// Filter optionally narrows a subscription beyond its topic pattern.
type Filter func(msg *Message) bool

// subscription owns a dispatch goroutine and an unbounded FIFO so a slow
// subscriber can never block the publisher or its siblings.
type subscription struct {
	id       string
	pattern  string
	matcher  glob.Glob
	callback Callback
	filter   Filter

	mu      sync.Mutex
	pending []*Message
	notify  chan struct{}
	closed  bool
}

func (s *subscription) enqueue(msg *Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// dispatch drains the FIFO until the subscription closes. Expired messages
// are dropped at delivery time, not enqueue time, so the TTL covers the
// whole queueing delay.
func (s *subscription) dispatch() {
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		closed := s.closed
		s.mu.Unlock()

		for _, msg := range batch {
			if msg.Expired(time.Now()) {
				continue
			}
			if s.filter != nil && !s.filter(msg) {
				continue
			}
			s.invoke(msg)
		}

		if closed {
			return
		}
		if len(batch) == 0 {
			<-s.notify
		}
	}
}

func (s *subscription) invoke(msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Subscriber callback panicked",
				"subscription_id", s.id, "topic", msg.Topic, "panic", r)
		}
	}()
	s.callback(msg)
}

// Broker is the in-memory message bus. Create with New, then Start before
// publishing.
type Broker struct {
	mu      sync.Mutex
	running bool
	subs    map[string]*subscription
	history []*Message
	wg      sync.WaitGroup

	historySize    int
	expiryInterval time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	published uint64
	delivered uint64
	expired   uint64
}

// Options configure a Broker. Zero values fall back to defaults.
type Options struct {
	HistorySize    int
	ExpiryInterval time.Duration
}

// New creates a stopped broker.
func New(opts Options) *Broker {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 1000
	}
	if opts.ExpiryInterval <= 0 {
		opts.ExpiryInterval = 60 * time.Second
	}
	return &Broker{
		subs:           make(map[string]*subscription),
		historySize:    opts.HistorySize,
		expiryInterval: opts.ExpiryInterval,
	}
}

// Start makes the broker accept publishes and launches the history expiry
// loop. Calling Start twice is a no-op.
func (b *Broker) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.running = true
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	go b.expiryLoop(ctx)
	slog.Info("Message broker started", "history_size", b.historySize)
}

// Stop rejects further publishes, closes every subscription dispatcher and
// waits for in-flight callbacks to finish.
func (b *Broker) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*subscription)
	cancel := b.cancel
	done := b.done
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	b.wg.Wait()
	cancel()
	<-done
	slog.Info("Message broker stopped")
}

// Publish appends the message to history and enqueues it on every matching
// subscription. It never blocks on subscribers and returns the message id.
func (b *Broker) Publish(topic string, payload any, opts ...PublishOption) (string, error) {
	msg := newMessage(topic, payload)
	for _, opt := range opts {
		opt(msg)
	}
	return b.publish(msg)
}

func (b *Broker) publish(msg *Message) (string, error) {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return "", ErrNotRunning
	}

	b.history = append(b.history, msg)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}
	b.published++

	var targets []*subscription
	for _, s := range b.subs {
		if s.matcher.Match(msg.Topic) {
			targets = append(targets, s)
		}
	}
	b.delivered += uint64(len(targets))
	b.mu.Unlock()

	for _, s := range targets {
		s.enqueue(msg)
	}
	return msg.ID, nil
}

// Subscribe registers a callback for every message whose topic matches the
// glob pattern. Returns the subscription id.
func (b *Broker) Subscribe(pattern string, cb Callback, filter Filter) (string, error) {
	matcher, err := compilePattern(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid topic pattern %q: %w", pattern, err)
	}

	s := &subscription{
		id:       uuid.New().String(),
		pattern:  pattern,
		matcher:  matcher,
		callback: cb,
		filter:   filter,
		notify:   make(chan struct{}, 1),
	}

	b.mu.Lock()
	b.subs[s.id] = s
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		s.dispatch()
	}()
	return s.id, nil
}

// Unsubscribe removes one subscription. Unknown ids are a no-op.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		s.close()
	}
}

// UnsubscribePattern removes every subscription registered under the exact
// pattern string.
func (b *Broker) UnsubscribePattern(pattern string) {
	b.mu.Lock()
	var removed []*subscription
	for id, s := range b.subs {
		if s.pattern == pattern {
			delete(b.subs, id)
			removed = append(removed, s)
		}
	}
	b.mu.Unlock()
	for _, s := range removed {
		s.close()
	}
}

// Request publishes a request on topic and waits for the correlated
// response on a private reply subtopic. The temporary subscription is
// removed on every exit path. Returns the response payload, a
// *RequestError for error responses, or ErrTimeout.
func (b *Broker) Request(ctx context.Context, topic string, payload any, timeout time.Duration) (any, error) {
	correlationID := uuid.New().String()
	replyTo := topic + "._reply." + correlationID

	type outcome struct {
		payload any
		isError bool
	}
	replyCh := make(chan outcome, 1)

	subID, err := b.Subscribe(replyTo, func(msg *Message) {
		if msg.CorrelationID != correlationID {
			return
		}
		select {
		case replyCh <- outcome{payload: msg.Payload, isError: msg.Type == TypeError}:
		default:
		}
	}, nil)
	if err != nil {
		return nil, err
	}
	defer b.Unsubscribe(subID)

	if _, err := b.Publish(topic, payload,
		WithType(TypeRequest),
		WithCorrelationID(correlationID),
		WithReplyTo(replyTo),
	); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-replyCh:
		if out.isError {
			return nil, &RequestError{Payload: out.payload}
		}
		return out.payload, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w after %v on %q", ErrTimeout, timeout, topic)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond answers a request message on its reply subtopic with matching
// correlation. isError marks the response as an error for the requester.
func (b *Broker) Respond(req *Message, payload any, isError bool) error {
	if req.ReplyTo == "" {
		return fmt.Errorf("message %s carries no reply_to", req.ID)
	}
	t := TypeResponse
	if isError {
		t = TypeError
	}
	_, err := b.Publish(req.ReplyTo, payload,
		WithType(t),
		WithCorrelationID(req.CorrelationID),
	)
	return err
}

// Replay returns history entries matching pattern, newest last. Messages
// older than since and expired messages are skipped; limit 0 means no cap.
func (b *Broker) Replay(pattern string, since time.Time, limit int) []*Message {
	matcher, err := compilePattern(pattern)
	if err != nil {
		return nil
	}

	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Message
	for _, msg := range b.history {
		if msg.Expired(now) {
			continue
		}
		if !since.IsZero() && !msg.Timestamp.After(since) {
			continue
		}
		if !matcher.Match(msg.Topic) {
			continue
		}
		out = append(out, msg)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Stats is a point-in-time broker snapshot.
type Stats struct {
	Running       bool   `json:"running"`
	Subscriptions int    `json:"subscriptions"`
	HistoryLen    int    `json:"history_len"`
	Published     uint64 `json:"published"`
	Delivered     uint64 `json:"delivered"`
	Expired       uint64 `json:"expired"`
}

// Stats returns a snapshot of broker counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Running:       b.running,
		Subscriptions: len(b.subs),
		HistoryLen:    len(b.history),
		Published:     b.published,
		Delivered:     b.delivered,
		Expired:       b.expired,
	}
}

// expiryLoop evicts expired history entries on a fixed cadence.
func (b *Broker) expiryLoop(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.expiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.evictExpired()
		}
	}
}

func (b *Broker) evictExpired() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.history[:0]
	for _, msg := range b.history {
		if msg.Expired(now) {
			b.expired++
			continue
		}
		kept = append(kept, msg)
	}
	b.history = kept
}
