package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/cascade/internal/logging"
)

const (
	defaultSubscriberCapacity = 64
	defaultBacklogLimit       = 50
	defaultDedupeWindow       = 1024
)

// Option customizes a Hub.
type Option func(*Hub)

// WithLogger records drops.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logging.For(logger, "events")
		}
	}
}

// WithSubscriberCapacity overrides the buffered channel size per subscriber.
func WithSubscriberCapacity(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.capacity = n
		}
	}
}

// WithBacklogLimit overrides how many recent events are replayed to a new
// subscriber.
func WithBacklogLimit(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.backlogLimit = n
		}
	}
}

// WithClock sets the clock used to stamp events.
func WithClock(clock func() time.Time) Option {
	return func(h *Hub) {
		if clock != nil {
			h.now = clock
		}
	}
}

// Hub delivers events to subscribers of one team or of every team. Each
// subscriber has a bounded channel; a slow reader loses events rather than
// blocking the publisher.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{}
	backlog     []Event
	recentIDs   map[string]struct{}
	recentOrder []string
	seq         int64

	capacity     int
	backlogLimit int
	dedupeWindow int
	logger       *slog.Logger
	now          func() time.Time
}

// NewHub returns an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subscribers:  map[string]map[*subscriber]struct{}{},
		recentIDs:    map[string]struct{}{},
		recentOrder:  make([]string, 0, defaultDedupeWindow),
		capacity:     defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		dedupeWindow: defaultDedupeWindow,
		logger:       logging.Discard(),
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Subscription is an active subscription.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close ends the subscription and closes Events.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Subscribe registers for events of team, or of every team when team is
// empty. Recent matching events are replayed first.
func (h *Hub) Subscribe(team string) Subscription {
	topic := normalizeTopic(team)
	sub := newSubscriber(h.capacity, h.logger)
	h.mu.Lock()
	if h.subscribers[topic] == nil {
		h.subscribers[topic] = map[*subscriber]struct{}{}
	}
	h.subscribers[topic][sub] = struct{}{}
	// Replay under the lock so no live event overtakes the backlog.
	for _, event := range h.backlog {
		if topic == "" || normalizeTopic(event.Team) == topic {
			sub.deliver(event)
		}
	}
	h.mu.Unlock()
	return Subscription{
		Events: sub.ch,
		cancel: func() { h.remove(topic, sub) },
	}
}

// Publish stamps and delivers event. Events repeating a recent ID are
// ignored.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if event.ID == "" {
		event.ID = uuid.NewString()
	} else if h.seen(event.ID) {
		h.mu.Unlock()
		return
	}
	h.remember(event.ID)
	h.seq++
	event.Seq = h.seq
	if event.Time.IsZero() {
		event.Time = h.now().UTC()
	}
	h.backlog = append(h.backlog, event)
	if len(h.backlog) > h.backlogLimit {
		h.backlog = h.backlog[len(h.backlog)-h.backlogLimit:]
	}
	targets := h.snapshot("")
	if topic := normalizeTopic(event.Team); topic != "" {
		targets = append(targets, h.snapshot(topic)...)
	}
	h.mu.Unlock()
	for _, sub := range targets {
		sub.deliver(event)
	}
}

// Recent returns up to n of the latest events, oldest first.
func (h *Hub) Recent(n int) []Event {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	start := max(len(h.backlog)-n, 0)
	return append([]Event(nil), h.backlog[start:]...)
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.subscribers {
		n += len(subs)
	}
	return n
}

func (h *Hub) snapshot(topic string) []*subscriber {
	live := h.subscribers[topic]
	items := make([]*subscriber, 0, len(live))
	for sub := range live {
		items = append(items, sub)
	}
	return items
}

func (h *Hub) remove(topic string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.subscribers[topic]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subscribers, topic)
		}
	}
	sub.close()
}

func (h *Hub) seen(id string) bool {
	_, ok := h.recentIDs[id]
	return ok
}

func (h *Hub) remember(id string) {
	h.recentIDs[id] = struct{}{}
	h.recentOrder = append(h.recentOrder, id)
	if len(h.recentOrder) > h.dedupeWindow {
		delete(h.recentIDs, h.recentOrder[0])
		h.recentOrder = h.recentOrder[1:]
	}
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
	logger *slog.Logger
}

func newSubscriber(capacity int, logger *slog.Logger) *subscriber {
	return &subscriber{ch: make(chan Event, capacity), logger: logger}
}

// deliver never blocks. On overflow it drops either the oldest queued event
// or the incoming one, keeping critical events over noisy ones.
func (s *subscriber) deliver(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
	}
	var oldest Event
	select {
	case oldest = <-s.ch:
	default:
		// Drained by the reader in between.
		s.ch <- event
		return
	}
	if dropOldest(oldest, event) {
		s.logger.Debug("event dropped", slog.String("type", string(oldest.Type)), slog.String("reason", "overflow"))
		s.ch <- event
		return
	}
	s.ch <- oldest
	s.logger.Debug("event dropped", slog.String("type", string(event.Type)), slog.String("reason", "overflow:incoming"))
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func dropOldest(oldest, incoming Event) bool {
	switch {
	case oldest.Type.critical() && !incoming.Type.critical():
		return false
	case !oldest.Type.critical() && incoming.Type.critical():
		return true
	case oldest.Type.noisy() && !incoming.Type.noisy():
		return true
	case !oldest.Type.noisy() && incoming.Type.noisy():
		return false
	}
	return true
}
