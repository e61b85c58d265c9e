// Package broadcast fans events out to interested clients. It tracks
// connected clients via the broker's connection.* topics, keeps per-client
// interests and replay cursors, and drains one priority queue per level.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/icotes/icotes/pkg/broker"
)

// Deliverer pushes one event to one client. Implemented by the WebSocket
// API; the broadcaster holds clients by id only, never by handle.
type Deliverer interface {
	DeliverEvent(ctx context.Context, clientID string, event *Event) error
}

// clientRecord is what the broadcaster knows about a connected client.
type clientRecord struct {
	kind        string
	permissions map[string]struct{}
	connectedAt time.Time
}

// eventQueue is an unbounded FIFO drained by one worker.
type eventQueue struct {
	mu     sync.Mutex
	items  []*Event
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(e *Event) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []*Event {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// Options configure a Broadcaster.
type Options struct {
	HistorySize     int
	DeliveryTimeout time.Duration
	CleanupInterval time.Duration
	InterestMaxAge  time.Duration
}

// Broadcaster owns interest registration, priority fan-out and replay.
type Broadcaster struct {
	mu        sync.Mutex
	clients   map[string]*clientRecord
	interests map[string][]*Interest // clientID → interests
	cursors   map[string]uint64      // clientID → last replayed seq
	history   []*Event
	seq       uint64

	queues [priorityCount]*eventQueue

	bus       *broker.Broker
	deliverer Deliverer
	opts      Options

	cancel context.CancelFunc
	wg     sync.WaitGroup

	enqueued  uint64
	delivered uint64
	failed    uint64
}

// New creates a stopped Broadcaster delivering through d.
func New(bus *broker.Broker, d Deliverer, opts Options) *Broadcaster {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 1000
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 5 * time.Second
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 60 * time.Second
	}
	if opts.InterestMaxAge <= 0 {
		opts.InterestMaxAge = time.Hour
	}
	b := &Broadcaster{
		clients:   make(map[string]*clientRecord),
		interests: make(map[string][]*Interest),
		cursors:   make(map[string]uint64),
		bus:       bus,
		deliverer: d,
		opts:      opts,
	}
	for i := range b.queues {
		b.queues[i] = newEventQueue()
	}
	return b
}

// Start subscribes to connection.* and launches the priority workers and
// the cleanup loop.
func (b *Broadcaster) Start(ctx context.Context) error {
	if b.cancel != nil {
		return nil
	}
	ctx, b.cancel = context.WithCancel(ctx)

	if _, err := b.bus.Subscribe("connection.*", b.onConnectionEvent, nil); err != nil {
		return err
	}

	for p := Priority(0); p < priorityCount; p++ {
		b.wg.Add(1)
		go b.worker(ctx, p)
	}
	b.wg.Add(1)
	go b.cleanupLoop(ctx)

	slog.Info("Event broadcaster started",
		"history_size", b.opts.HistorySize,
		"delivery_timeout", b.opts.DeliveryTimeout)
	return nil
}

// Stop halts workers; queued events are dropped (at-most-once delivery).
func (b *Broadcaster) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	b.wg.Wait()
	slog.Info("Event broadcaster stopped")
}

// onConnectionEvent keeps the client roster in sync with the pool.
func (b *Broadcaster) onConnectionEvent(msg *broker.Message) {
	payload, ok := msg.Payload.(map[string]any)
	if !ok {
		return
	}
	id, _ := payload["connection_id"].(string)
	if id == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch msg.Topic {
	case "connection.established":
		kind, _ := payload["kind"].(string)
		b.clients[id] = &clientRecord{
			kind:        kind,
			permissions: make(map[string]struct{}),
			connectedAt: time.Now(),
		}
	case "connection.disconnected":
		delete(b.clients, id)
	}
}

// SetClientPermissions installs the permission set consulted by filter
// configs. The auth layer calls this after a successful authenticate.
func (b *Broadcaster) SetClientPermissions(clientID string, perms []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[clientID]
	if !ok {
		return
	}
	c.permissions = make(map[string]struct{}, len(perms))
	for _, p := range perms {
		c.permissions[p] = struct{}{}
	}
}

// RegisterInterest declares or refreshes a client's interest.
func (b *Broadcaster) RegisterInterest(clientID string, patterns []string, eventTypes []string, metadata map[string]any) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interests[clientID] = append(b.interests[clientID], &Interest{
		ClientID:      clientID,
		TopicPatterns: patterns,
		EventTypes:    eventTypes,
		Metadata:      metadata,
		CreatedAt:     now,
		LastUpdated:   now,
	})
}

// UnregisterInterest drops every interest held by the client.
func (b *Broadcaster) UnregisterInterest(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.interests, clientID)
}

// BroadcastEvent enqueues an event on its priority queue and returns the
// event id. Delivery is asynchronous and at-most-once.
func (b *Broadcaster) BroadcastEvent(msg *broker.Message, mode DeliveryMode, priority Priority, targets []string, filter *FilterConfig) string {
	if priority < PriorityLow || priority >= priorityCount {
		priority = PriorityNormal
	}
	e := &Event{
		ID:            uuid.New().String(),
		Message:       msg,
		Priority:      priority,
		Mode:          mode,
		Filter:        filter,
		TargetClients: targets,
		CreatedAt:     time.Now(),
	}
	b.mu.Lock()
	b.enqueued++
	b.mu.Unlock()
	b.queues[priority].push(e)
	return e.ID
}

// ReplayEvents re-delivers history the client missed, advancing its
// cursor. Each event is re-checked against the client's current interests
// so replay returns exactly what live delivery would have sent. Returns
// the number of delivered events.
func (b *Broadcaster) ReplayEvents(ctx context.Context, clientID string, fromCursor *uint64, max int) int {
	b.mu.Lock()
	cursor := b.cursors[clientID]
	if fromCursor != nil {
		cursor = *fromCursor
	}
	pending := make([]*Event, 0)
	for _, e := range b.history {
		if e.Seq <= cursor {
			continue
		}
		if b.clientMatchesLocked(clientID, e) {
			pending = append(pending, e)
		}
		if max > 0 && len(pending) >= max {
			break
		}
	}
	b.mu.Unlock()

	count := 0
	var last uint64
	for _, e := range pending {
		dctx, cancel := context.WithTimeout(ctx, b.opts.DeliveryTimeout)
		err := b.deliverer.DeliverEvent(dctx, clientID, e)
		cancel()
		if err != nil {
			slog.Warn("Replay delivery failed", "client_id", clientID, "event_id", e.ID, "error", err)
			break
		}
		count++
		last = e.Seq
	}

	if last > 0 {
		b.mu.Lock()
		if b.cursors[clientID] < last {
			b.cursors[clientID] = last
		}
		b.mu.Unlock()
	}
	return count
}

// Stats is a point-in-time broadcaster snapshot.
type Stats struct {
	Clients   int    `json:"clients"`
	Interests int    `json:"interests"`
	History   int    `json:"history"`
	Enqueued  uint64 `json:"enqueued"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
}

// Stats returns broadcaster counters.
func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	interests := 0
	for _, list := range b.interests {
		interests += len(list)
	}
	return Stats{
		Clients:   len(b.clients),
		Interests: interests,
		History:   len(b.history),
		Enqueued:  b.enqueued,
		Delivered: b.delivered,
		Failed:    b.failed,
	}
}

// worker drains one priority queue.
func (b *Broadcaster) worker(ctx context.Context, p Priority) {
	defer b.wg.Done()
	q := b.queues[p]
	for {
		for _, e := range q.drain() {
			b.deliver(ctx, e)
		}
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		}
	}
}

// deliver computes the target set, runs parallel bounded deliveries, then
// appends the event to history. Failures are recorded on the event and
// never retried.
func (b *Broadcaster) deliver(ctx context.Context, e *Event) {
	targets := b.resolveTargets(e)

	var wg sync.WaitGroup
	var resMu sync.Mutex
	for _, clientID := range targets {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			dctx, cancel := context.WithTimeout(ctx, b.opts.DeliveryTimeout)
			defer cancel()
			err := b.deliverer.DeliverEvent(dctx, id, e)
			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				e.FailedClients = append(e.FailedClients, id)
				return
			}
			e.DeliveredTo = append(e.DeliveredTo, id)
		}(clientID)
	}
	wg.Wait()

	b.mu.Lock()
	b.seq++
	e.Seq = b.seq
	b.history = append(b.history, e)
	if len(b.history) > b.opts.HistorySize {
		b.history = b.history[len(b.history)-b.opts.HistorySize:]
	}
	b.delivered += uint64(len(e.DeliveredTo))
	b.failed += uint64(len(e.FailedClients))
	b.mu.Unlock()
}

// resolveTargets applies the delivery mode.
func (b *Broadcaster) resolveTargets(e *Event) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch e.Mode {
	case ModeTargeted:
		out := make([]string, 0, len(e.TargetClients))
		for _, id := range e.TargetClients {
			if _, ok := b.clients[id]; ok {
				out = append(out, id)
			}
		}
		return out
	case ModeUnicast:
		for _, id := range e.TargetClients {
			if _, ok := b.clients[id]; ok {
				return []string{id}
			}
			break
		}
		return nil
	case ModeFiltered:
		var out []string
		for id := range b.clients {
			if b.clientMatchesLocked(id, e) {
				out = append(out, id)
			}
		}
		return out
	default: // ModeBroadcast
		out := make([]string, 0, len(b.clients))
		for id := range b.clients {
			out = append(out, id)
		}
		return out
	}
}

// clientMatchesLocked evaluates filter config and interests for one client.
// Caller holds b.mu.
func (b *Broadcaster) clientMatchesLocked(clientID string, e *Event) bool {
	client, ok := b.clients[clientID]
	if !ok {
		return false
	}
	if e.Mode == ModeBroadcast {
		return true
	}
	if e.Mode == ModeTargeted || e.Mode == ModeUnicast {
		for _, id := range e.TargetClients {
			if id == clientID {
				return true
			}
		}
		return false
	}

	if f := e.Filter; f != nil {
		// Exclude beats include.
		for _, id := range f.ExcludeClients {
			if id == clientID {
				return false
			}
		}
		if len(f.IncludeClients) > 0 {
			included := false
			for _, id := range f.IncludeClients {
				if id == clientID {
					included = true
					break
				}
			}
			if !included {
				return false
			}
		}
		if len(f.ClientKinds) > 0 {
			match := false
			for _, k := range f.ClientKinds {
				if k == client.kind {
					match = true
					break
				}
			}
			if !match {
				return false
			}
		}
		if len(f.Permissions) > 0 {
			for _, p := range f.Permissions {
				if _, ok := client.permissions[p]; !ok {
					return false
				}
			}
		}
		if len(f.TopicPatterns) > 0 {
			match := false
			for _, p := range f.TopicPatterns {
				if broker.TopicMatchesSymmetric(p, e.Message.Topic) {
					match = true
					break
				}
			}
			if !match {
				return false
			}
		}
		if f.Predicate != nil && !f.Predicate(clientID, e.Message) {
			return false
		}
	}

	// Filtered delivery additionally requires a matching interest.
	for _, interest := range b.interests[clientID] {
		if interest.matches(e.Message) {
			return true
		}
	}
	return false
}

// cleanupLoop prunes stale interests and cursors of departed clients.
func (b *Broadcaster) cleanupLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.cleanup()
		}
	}
}

func (b *Broadcaster) cleanup() {
	cutoff := time.Now().Add(-b.opts.InterestMaxAge)
	b.mu.Lock()
	defer b.mu.Unlock()

	for clientID, list := range b.interests {
		kept := list[:0]
		for _, i := range list {
			if i.LastUpdated.After(cutoff) {
				kept = append(kept, i)
			}
		}
		if len(kept) == 0 {
			delete(b.interests, clientID)
			continue
		}
		b.interests[clientID] = kept
	}

	for clientID := range b.cursors {
		if _, ok := b.clients[clientID]; !ok {
			delete(b.cursors, clientID)
		}
	}
}
