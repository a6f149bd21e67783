package bus

import (
	"time"

	"github.com/petrijr/reflow/pkg/api"
)

type batch struct {
	eventType api.EventType
	events    []api.Envelope
	timer     *time.Timer
}

// PublishBatched accumulates env under batchID. The debounce timer is
// reset on every new event in the same window; once window elapses with no
// new arrivals, a single EventBatch envelope carrying everything
// accumulated is enqueued. eventType is recorded in the batch envelope's
// metadata so subscribers can filter without unpacking.
func (b *Bus) PublishBatched(eventType api.EventType, env api.Envelope, batchID string, window time.Duration) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	bt := b.batches[batchID]
	if bt == nil {
		bt = &batch{eventType: eventType}
		b.batches[batchID] = bt
	}
	bt.events = append(bt.events, env)
	if bt.timer != nil {
		bt.timer.Stop()
	}
	bt.timer = time.AfterFunc(window, func() { b.FlushBatch(batchID) })
	b.mu.Unlock()
}

// FlushBatch immediately publishes the accumulated batch envelope for
// batchID, if any, and clears the window.
func (b *Bus) FlushBatch(batchID string) {
	b.mu.Lock()
	bt := b.batches[batchID]
	if bt == nil || len(bt.events) == 0 {
		delete(b.batches, batchID)
		b.mu.Unlock()
		return
	}
	delete(b.batches, batchID)
	if bt.timer != nil {
		bt.timer.Stop()
	}
	events := bt.events
	b.mu.Unlock()

	// The batch carries the priority of its highest-priority member so an
	// urgent event is not demoted by quieter neighbours.
	prio := api.PriorityLow
	for _, e := range events {
		if e.Priority > prio {
			prio = e.Priority
		}
	}
	out := api.Envelope{
		Type:      api.EventBatch,
		Timestamp: time.Now(),
		Priority:  prio,
		FlowID:    events[0].FlowID,
		Metadata: map[string]any{
			"batch_id":   batchID,
			"event_type": string(bt.eventType),
			"count":      len(events),
		},
		Batch: events,
	}
	b.Publish(out)
}
