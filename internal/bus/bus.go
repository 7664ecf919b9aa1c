package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"mediabot/internal/domain"
)

const (
	defaultBacklogWait  = 10 * time.Second
	defaultReplayWindow = 512
)

// Router carries inbound platform messages to the dispatcher and hands
// outbound notices to the adapter registered for their platform.
//
// A gateway resume can redeliver a message the bot already saw. The last
// few hundred message IDs are remembered and repeats are dropped before
// they reach the dispatcher.
type Router struct {
	inbound  chan domain.InboundMessage
	handlers map[string]func(domain.OutboundMessage)
	mu       sync.RWMutex
	closed   bool

	seenMu sync.Mutex
	seen   *recentIDs

	backlogWait time.Duration
	events      *EventBus
	logger      *slog.Logger

	published, replayed, delayed, dropped atomic.Int64
}

// Option configures a Router.
type Option func(*Router)

// WithEvents reports delays, drops and replays on eb.
func WithEvents(eb *EventBus) Option { return func(r *Router) { r.events = eb } }

// WithBacklogWait bounds how long Publish waits for a full queue.
func WithBacklogWait(d time.Duration) Option { return func(r *Router) { r.backlogWait = d } }

// WithReplayWindow sets how many recent message IDs are remembered.
func WithReplayWindow(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.seen = newRecentIDs(n)
		}
	}
}

// Stats counts what Publish did with the messages it was given.
type Stats struct {
	Published int64
	Replayed  int64
	Delayed   int64
	Dropped   int64
}

// New creates a Router whose inbound queue holds bufferSize messages.
func New(bufferSize int, logger *slog.Logger, opts ...Option) *Router {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	r := &Router{
		inbound:     make(chan domain.InboundMessage, bufferSize),
		handlers:    make(map[string]func(domain.OutboundMessage)),
		seen:        newRecentIDs(defaultReplayWindow),
		backlogWait: defaultBacklogWait,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Publish queues msg for the dispatcher. A replayed message ID is dropped.
// When the queue is full Publish waits for the backlog to drain and drops
// the message if it does not.
func (r *Router) Publish(msg domain.InboundMessage) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.logger.Warn("attempted to publish to closed bus", "message_id", msg.ID)
		return
	}
	if !r.firstSighting(msg.ID) {
		r.replayed.Add(1)
		r.logger.Debug("dropping replayed message", "message_id", msg.ID)
		r.emit(EventInboundReplayed, msg, 0)
		return
	}

	select {
	case r.inbound <- msg:
		r.published.Add(1)
		return
	default:
	}

	r.delayed.Add(1)
	r.logger.Warn("inbound queue full, waiting", "channel_id", msg.ChannelID, "message_id", msg.ID)
	start := time.Now()
	timer := time.NewTimer(r.backlogWait)
	defer timer.Stop()
	select {
	case r.inbound <- msg:
		r.published.Add(1)
		r.emit(EventInboundDelayed, msg, time.Since(start))
	case <-timer.C:
		r.dropped.Add(1)
		r.logger.Error("message dropped: dispatcher backlog did not drain",
			"channel_id", msg.ChannelID,
			"message_id", msg.ID,
			"waited", r.backlogWait,
		)
		r.emit(EventInboundDropped, msg, r.backlogWait)
	}
}

func (r *Router) firstSighting(id string) bool {
	if id == "" {
		return true
	}
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	return r.seen.add(id)
}

func (r *Router) emit(eventType string, msg domain.InboundMessage, waited time.Duration) {
	if r.events == nil {
		return
	}
	r.events.Emit(Event{
		Type:     eventType,
		Duration: waited,
		Payload:  map[string]any{"message_id": msg.ID, "channel_id": msg.ChannelID},
	})
}

func (r *Router) Subscribe() <-chan domain.InboundMessage {
	return r.inbound
}

// SendOutbound hands msg to the handler registered for msg.Channel. A
// panicking handler is logged.
func (r *Router) SendOutbound(msg domain.OutboundMessage) {
	r.mu.RLock()
	handler, ok := r.handlers[msg.Channel]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("no handler registered for channel", "channel", msg.Channel, "channel_id", msg.ChannelID)
		return
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("outbound handler panic", "channel", msg.Channel, "channel_id", msg.ChannelID, "panic", p)
		}
	}()
	handler(msg)
}

func (r *Router) OnOutbound(channelName string, handler func(domain.OutboundMessage)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[channelName] = handler
}

// Stats returns the inbound counters so far.
func (r *Router) Stats() Stats {
	return Stats{
		Published: r.published.Load(),
		Replayed:  r.replayed.Load(),
		Delayed:   r.delayed.Load(),
		Dropped:   r.dropped.Load(),
	}
}

// Close stops accepting messages and closes the subscription channel.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		r.closed = true
		close(r.inbound)
	}
}

// recentIDs is a fixed-size FIFO set.
type recentIDs struct {
	ring []string
	next int
	set  map[string]struct{}
}

func newRecentIDs(n int) *recentIDs {
	return &recentIDs{ring: make([]string, n), set: make(map[string]struct{}, n)}
}

// add records id and reports whether it was absent.
func (s *recentIDs) add(id string) bool {
	if _, ok := s.set[id]; ok {
		return false
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.set, old)
	}
	s.ring[s.next] = id
	s.set[id] = struct{}{}
	s.next = (s.next + 1) % len(s.ring)
	return true
}
