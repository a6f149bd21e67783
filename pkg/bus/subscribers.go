package bus

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/petrijr/reflow/pkg/api"
)

// NewLoggingSubscriber attaches a subscriber that writes structured logs
// for every event using log/slog. If logger is nil, slog.Default() is
// used. It returns the subscription handle so callers can detach it.
func NewLoggingSubscriber(b *Bus, logger *slog.Logger) Subscription {
	if logger == nil {
		logger = slog.Default()
	}
	return b.Subscribe("*", func(env api.Envelope) {
		level := slog.LevelDebug
		switch env.Type {
		case api.EventFlowFailed, api.EventMethodFailed, api.EventNodeFailed:
			level = slog.LevelError
		case api.EventFlowStarted, api.EventFlowCompleted,
			api.EventNodeStarted, api.EventNodeCompleted, api.EventNodeSkipped,
			api.EventGraphStarted, api.EventGraphCompleted:
			level = slog.LevelInfo
		}
		attrs := []any{
			slog.String("flow_id", env.FlowID),
			slog.String("priority", env.Priority.String()),
		}
		for k, v := range env.Metadata {
			attrs = append(attrs, slog.Any(k, v))
		}
		logger.Log(context.Background(), level, string(env.Type), attrs...)
	})
}

// Metrics collects simple counters from bus traffic. Attach with
// NewMetricsSubscriber; read with Snapshot at any time.
type Metrics struct {
	flowsStarted   atomic.Int64
	flowsCompleted atomic.Int64
	flowsFailed    atomic.Int64
	methodsRun     atomic.Int64
	methodsFailed  atomic.Int64
	nodesSkipped   atomic.Int64
	stateChanges   atomic.Int64
}

// MetricsSnapshot is an immutable snapshot of Metrics.
type MetricsSnapshot struct {
	FlowsStarted   int64
	FlowsCompleted int64
	FlowsFailed    int64
	MethodsRun     int64
	MethodsFailed  int64
	NodesSkipped   int64
	StateChanges   int64
}

// NewMetricsSubscriber attaches a Metrics collector to the bus.
func NewMetricsSubscriber(b *Bus) (*Metrics, Subscription) {
	m := &Metrics{}
	sub := b.Subscribe("*", func(env api.Envelope) {
		switch env.Type {
		case api.EventFlowStarted:
			m.flowsStarted.Add(1)
		case api.EventFlowCompleted:
			m.flowsCompleted.Add(1)
		case api.EventFlowFailed:
			m.flowsFailed.Add(1)
		case api.EventMethodCompleted:
			m.methodsRun.Add(1)
		case api.EventMethodFailed:
			m.methodsFailed.Add(1)
		case api.EventNodeSkipped:
			m.nodesSkipped.Add(1)
		case api.EventStateChanged:
			m.stateChanges.Add(1)
		}
	})
	return m, sub
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		FlowsStarted:   m.flowsStarted.Load(),
		FlowsCompleted: m.flowsCompleted.Load(),
		FlowsFailed:    m.flowsFailed.Load(),
		MethodsRun:     m.methodsRun.Load(),
		MethodsFailed:  m.methodsFailed.Load(),
		NodesSkipped:   m.nodesSkipped.Load(),
		StateChanges:   m.stateChanges.Load(),
	}
}
