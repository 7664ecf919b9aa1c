package metrics

import (
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"mediabot/internal/bus"
	"mediabot/internal/domain"
)

func TestCounterAndGauge(t *testing.T) {
	c := NewMetricsCollector()
	ctr := c.Counter("test_total", "help", "")
	ctr.Inc()
	ctr.Add(2)
	if ctr.Value() != 3 {
		t.Fatalf("counter = %d", ctr.Value())
	}
	if c.Counter("test_total", "help", "") != ctr {
		t.Fatal("same name should return the same counter")
	}
	g := c.Gauge("test_gauge", "help", "")
	g.Inc()
	g.Inc()
	g.Dec()
	if g.Value() != 1 {
		t.Fatalf("gauge = %d", g.Value())
	}
}

func TestHandler_Exposition(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("x_total", "things", `kind="pdf"`).Inc()
	c.Histogram("x_seconds", "latency", "", []float64{1, 5}).Observe(2)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"mediabot_uptime_seconds",
		"# TYPE x_total counter",
		`x_total{kind="pdf"} 1`,
		`x_seconds_bucket{le="1"} 0`,
		`x_seconds_bucket{le="5"} 1`,
		"x_seconds_count 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}
}

func TestSubscribe_CountsLifecycle(t *testing.T) {
	eb := bus.NewEventBus(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	Subscribe(eb)

	startFlight := InFlight.Value()
	startDone := WorkflowsTotal("docx", "completed").Value()
	startArtifacts := ArtifactsDelivered("docx").Value()
	startFallbacks := ThreadFallbacks.Value()

	eb.Emit(bus.Event{Type: bus.EventWorkflowStarted, WorkflowID: "w", Kind: "docx"})
	if InFlight.Value() != startFlight+1 {
		t.Fatal("in-flight gauge not incremented")
	}
	eb.Emit(bus.Event{Type: bus.EventArtifactDelivered, WorkflowID: "w", Kind: "docx"})
	eb.Emit(bus.Event{Type: bus.EventThreadFallback, WorkflowID: "w", Kind: "docx"})
	eb.Emit(bus.Event{Type: bus.EventWorkflowCompleted, WorkflowID: "w", Kind: "docx", Duration: 3 * time.Second})

	if InFlight.Value() != startFlight {
		t.Fatal("in-flight gauge not decremented")
	}
	if WorkflowsTotal("docx", "completed").Value() != startDone+1 {
		t.Fatal("completed counter not incremented")
	}
	if ArtifactsDelivered("docx").Value() != startArtifacts+1 {
		t.Fatal("artifact counter not incremented")
	}
	if ThreadFallbacks.Value() != startFallbacks+1 {
		t.Fatal("fallback counter not incremented")
	}
}

func TestSubscribe_CountsInboundBackpressure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	eb := bus.NewEventBus(logger)
	Subscribe(eb)

	startReplayed := InboundReplayed.Value()
	startDropped := InboundDropped.Value()

	r := bus.New(1, logger, bus.WithEvents(eb), bus.WithBacklogWait(time.Millisecond))
	defer r.Close()
	r.Publish(domain.InboundMessage{ID: "m1"})
	r.Publish(domain.InboundMessage{ID: "m1"})
	r.Publish(domain.InboundMessage{ID: "m2"})

	if InboundReplayed.Value() != startReplayed+1 {
		t.Errorf("replayed = %d, want %d", InboundReplayed.Value(), startReplayed+1)
	}
	if InboundDropped.Value() != startDropped+1 {
		t.Errorf("dropped = %d, want %d", InboundDropped.Value(), startDropped+1)
	}
}
