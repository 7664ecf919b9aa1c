package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"mediabot/internal/domain"
)

// Event is a workflow lifecycle notification.
type Event struct {
	Type       string             // e.g. "workflow.started", "thread.fallback"
	WorkflowID string             // empty for events not tied to a workflow
	Kind       domain.ContentKind // content kind of the workflow, if any
	Duration   time.Duration      // elapsed time for *.done / *.completed events
	Payload    map[string]any
	Timestamp  time.Time
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is a topic-based publish/subscribe hub for lifecycle events.
// Handlers run synchronously in registration order; "*" receives everything.
type EventBus struct {
	handlers   map[string][]namedHandler
	nextID     int
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

// NewEventBus creates an EventBus keeping the last 1000 events.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: 1000,
	}
}

// On registers a handler and returns its ID for Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "#" + strconv.Itoa(eb.nextID)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit records the event and calls every matching handler. A panicking
// handler is logged and does not affect the others.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)
	targets := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	targets = append(targets, eb.handlers[event.Type]...)
	targets = append(targets, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range targets {
		eb.call(h, event)
	}
}

func (eb *EventBus) call(h namedHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "handler", h.ID, "panic", r)
		}
	}()
	h.Handler(event)
}

// Workflow returns the recorded events of one workflow, oldest first.
func (eb *EventBus) Workflow(id string) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var out []Event
	for _, e := range eb.history {
		if e.WorkflowID == id {
			out = append(out, e)
		}
	}
	return out
}

// Replay returns recorded events of the given type ("*" for all) since t.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var out []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// --- Well-known event types ---
const (
	EventWorkflowStarted   = "workflow.started"
	EventWorkflowCompleted = "workflow.completed"
	EventWorkflowFailed    = "workflow.failed"
	EventWorkflowWithdrawn = "workflow.withdrawn"
	EventThreadCreated     = "thread.created"
	EventThreadFallback    = "thread.fallback"
	EventNotifySuppressed  = "thread.notification_suppressed"
	EventArtifactDelivered = "artifact.delivered"
	EventRateLimited       = "delivery.rate_limited"
	EventConversionDone    = "conversion.done"
	EventInboundDelayed    = "inbound.delayed"
	EventInboundDropped    = "inbound.dropped"
	EventInboundReplayed   = "inbound.replayed"
)
