package api

import (
	"context"
	"maps"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/stayopen/internal/events"
	"github.com/smazurov/stayopen/internal/metrics"
	"github.com/smazurov/stayopen/internal/metrics/exporters"
)

// registerSSERoutes registers the event stream.
func (s *Server) registerSSERoutes() {
	eventTypes := map[string]any{
		"command-completed":    events.CommandCompletedEvent{},
		"command-rejected":     events.CommandRejectedEvent{},
		"worker-state-changed": events.WorkerStateChangedEvent{},
	}
	maps.Copy(eventTypes, exporters.GetEventTypes())

	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Command completions, rejections, worker state changes and periodic worker stats",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, eventTypes, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, 64)

		unsubscribe := events.SubscribeAll(s.eventBus, eventCh)
		defer unsubscribe()

		// Clients start from a snapshot instead of waiting for the next tick.
		if err := send.Data(exporters.StatsEvent(metrics.GetStats())); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
