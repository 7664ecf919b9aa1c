package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"mediabot/internal/bus"
)

// Subscribe feeds lifecycle events from eb into the collector.
func Subscribe(eb *bus.EventBus) {
	eb.On(bus.EventWorkflowStarted, func(bus.Event) { InFlight.Inc() })
	for _, t := range []string{bus.EventWorkflowCompleted, bus.EventWorkflowFailed, bus.EventWorkflowWithdrawn} {
		eb.On(t, func(e bus.Event) {
			InFlight.Dec()
			WorkflowsTotal(string(e.Kind), strings.TrimPrefix(e.Type, "workflow.")).Inc()
			if e.Duration > 0 {
				WorkflowLatency(string(e.Kind)).Observe(e.Duration.Seconds())
			}
		})
	}
	eb.On(bus.EventConversionDone, func(e bus.Event) {
		ConversionLatency(string(e.Kind)).Observe(e.Duration.Seconds())
	})
	eb.On(bus.EventArtifactDelivered, func(e bus.Event) { ArtifactsDelivered(string(e.Kind)).Inc() })
	eb.On(bus.EventRateLimited, func(bus.Event) { RateLimits.Inc() })
	eb.On(bus.EventThreadCreated, func(bus.Event) { ThreadsCreated.Inc() })
	eb.On(bus.EventThreadFallback, func(bus.Event) { ThreadFallbacks.Inc() })
	eb.On(bus.EventNotifySuppressed, func(bus.Event) { NotificationsRemoved.Inc() })
	eb.On(bus.EventInboundReplayed, func(bus.Event) { InboundReplayed.Inc() })
	eb.On(bus.EventInboundDelayed, func(bus.Event) { InboundDelayed.Inc() })
	eb.On(bus.EventInboundDropped, func(bus.Event) { InboundDropped.Inc() })
}

// Serve exposes the collector on addr until ctx is done.
func Serve(ctx context.Context, addr, endpoint string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(endpoint, Collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", addr, "endpoint", endpoint)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
