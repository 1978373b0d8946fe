package exporters

import (
	"context"
	"sync"
	"time"

	"github.com/smazurov/stayopen/internal/events"
	"github.com/smazurov/stayopen/internal/metrics"
)

// EventPublisher interface for publishing events.
type EventPublisher interface {
	Publish(ev events.Event)
}

// SSEExporter periodically publishes worker counters as events.
type SSEExporter struct {
	eventBus EventPublisher
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSSEExporter creates a new SSE exporter.
func NewSSEExporter(eventBus EventPublisher) *SSEExporter {
	return &SSEExporter{
		eventBus: eventBus,
		interval: 1 * time.Second,
	}
}

// Start begins the SSE export loop.
func (s *SSEExporter) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
}

// Stop stops the SSE exporter and waits for the goroutine to finish.
func (s *SSEExporter) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *SSEExporter) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var last metrics.Stats
	first := true
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			current := metrics.GetStats()
			if !first && current == last {
				continue
			}
			first = false
			last = current
			s.publish(current)
		}
	}
}

func (s *SSEExporter) publish(st metrics.Stats) {
	s.eventBus.Publish(StatsEvent(st))
}

// StatsEvent converts a stats snapshot into its event form.
func StatsEvent(st metrics.Stats) events.WorkerStatsEvent {
	return events.WorkerStatsEvent{
		EventType:   "worker_stats",
		State:       st.State,
		QueueLength: st.QueueLength,
		Submitted:   st.Submitted,
		Rejected:    st.Rejected,
		Completed:   st.Completed,
		Failed:      st.Failed,
		Restarts:    st.Restarts,
	}
}

// GetEventTypes returns event types for SSE endpoint registration.
func GetEventTypes() map[string]any {
	return map[string]any{
		"worker-stats": events.WorkerStatsEvent{},
	}
}
