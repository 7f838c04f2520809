package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce     sync.Once
	transitionsCounter  metric.Int64Counter
	confirmCounter      metric.Int64Counter
	executionDuration   metric.Float64Histogram
	dispatchCounter     metric.Int64Counter
	sseConnectionsGauge metric.Int64ObservableGauge
	sseEventsCounter    metric.Int64Counter
	sseConnections      int64
	sseConnectionsMu    sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times; only runs once.
// Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		transitionsCounter, err = m.Int64Counter("wegent_execution_transitions_total", metric.WithDescription("Execution status transitions attempted, by from/to/outcome"))
		if err != nil {
			return
		}
		confirmCounter, err = m.Int64Counter("wegent_stage_confirmations_total", metric.WithDescription("Pipeline stage confirmations, by team and action"))
		if err != nil {
			return
		}
		executionDuration, err = m.Float64Histogram("wegent_execution_duration_seconds", metric.WithDescription("Background execution duration from start to terminal state"))
		if err != nil {
			return
		}
		dispatchCounter, err = m.Int64Counter("wegent_dispatches_total", metric.WithDescription("Subscription dispatches, by trigger type"))
		if err != nil {
			return
		}
		sseEventsCounter, err = m.Int64Counter("wegent_sse_events_total", metric.WithDescription("Total SSE events published"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("wegent_sse_connections", metric.WithDescription("Current SSE subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			sseConnectionsMu.Lock()
			n := sseConnections
			sseConnectionsMu.Unlock()
			o.ObserveInt64(sseConnectionsGauge, n)
			return nil
		}, sseConnectionsGauge)
		if err != nil {
			return
		}
	})
	return err
}

// RecordTransition records one attempted execution status transition.
// outcome is applied, rejected, or lost_race.
func RecordTransition(ctx context.Context, from, to, outcome string) {
	if transitionsCounter == nil {
		return
	}
	transitionsCounter.Add(ctx, 1, metric.WithAttributes(
		AttrFrom.String(from),
		AttrTo.String(to),
		AttrOutcome.String(outcome),
	))
}

// RecordStageConfirmation records one stage confirmation decision.
func RecordStageConfirmation(ctx context.Context, team, action string) {
	if confirmCounter == nil {
		return
	}
	confirmCounter.Add(ctx, 1, metric.WithAttributes(AttrTeam.String(team), AttrAction.String(action)))
}

// RecordExecutionDuration records a finished execution's start-to-terminal duration.
func RecordExecutionDuration(ctx context.Context, status string, duration time.Duration) {
	if executionDuration == nil {
		return
	}
	executionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(AttrOutcome.String(status)))
}

// RecordDispatch records one subscription dispatch.
func RecordDispatch(ctx context.Context, triggerType string) {
	if dispatchCounter == nil {
		return
	}
	dispatchCounter.Add(ctx, 1, metric.WithAttributes(AttrTrigger.String(triggerType)))
}

// RecordSSEEvent records one SSE event published.
func RecordSSEEvent(ctx context.Context) {
	if sseEventsCounter != nil {
		sseEventsCounter.Add(ctx, 1)
	}
}

// AddSSEConnection adds 1 to the SSE connection gauge (call on subscribe).
func AddSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections++
	sseConnectionsMu.Unlock()
}

// RemoveSSEConnection subtracts 1 from the SSE connection gauge (call on unsubscribe).
func RemoveSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections--
	if sseConnections < 0 {
		sseConnections = 0
	}
	sseConnectionsMu.Unlock()
}
