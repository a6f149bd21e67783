package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/reflow/pkg/api"
)

func env(t api.EventType, p api.Priority) api.Envelope {
	return api.NewEnvelope(t, p, "flow-1", nil)
}

func TestBus_PublishReachesSubscriber(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	var got atomic.Int32
	done := make(chan struct{})
	b.Subscribe(string(api.EventFlowStarted), func(e api.Envelope) {
		got.Add(1)
		close(done)
	})

	b.Publish(env(api.EventFlowStarted, api.PriorityNormal))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
	assert.Equal(t, int32(1), got.Load())
}

func TestBus_PatternMatching(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	var mu sync.Mutex
	hits := map[string]int{}
	record := func(name string) Handler {
		return func(e api.Envelope) {
			mu.Lock()
			hits[name]++
			mu.Unlock()
		}
	}

	b.Subscribe("*", record("all"))
	b.Subscribe("flow.*", record("flows"))
	b.Subscribe(string(api.EventMethodCompleted), record("exact"))
	b.Subscribe("node.*", record("nodes"))

	b.PublishSync(env(api.EventFlowStarted, api.PriorityNormal))
	b.PublishSync(env(api.EventMethodCompleted, api.PriorityNormal))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, hits["all"])
	assert.Equal(t, 1, hits["flows"])
	assert.Equal(t, 1, hits["exact"])
	assert.Zero(t, hits["nodes"])
}

func TestBus_PriorityDrainOrder(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	gate := make(chan struct{})
	var mu sync.Mutex
	var order []api.Priority

	b.Subscribe("test.gate", func(e api.Envelope) { <-gate })
	b.Subscribe("test.event", func(e api.Envelope) {
		mu.Lock()
		order = append(order, e.Priority)
		mu.Unlock()
	})

	// Block the drain goroutine, then stack up one event per bucket.
	b.Publish(api.NewEnvelope("test.gate", api.PriorityNormal, "f", nil))
	time.Sleep(50 * time.Millisecond)

	b.Publish(api.NewEnvelope("test.event", api.PriorityLow, "f", nil))
	b.Publish(api.NewEnvelope("test.event", api.PriorityNormal, "f", nil))
	b.Publish(api.NewEnvelope("test.event", api.PriorityHigh, "f", nil))
	b.Publish(api.NewEnvelope("test.event", api.PriorityCritical, "f", nil))
	close(gate)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	want := []api.Priority{api.PriorityCritical, api.PriorityHigh, api.PriorityNormal, api.PriorityLow}
	assert.Equal(t, want, order)
}

func TestBus_OverflowDropsOldest(t *testing.T) {
	b := New(Config{BucketDepth: 2})
	defer b.Close()

	gate := make(chan struct{})
	var mu sync.Mutex
	var seen []string

	b.Subscribe("test.gate", func(e api.Envelope) { <-gate })
	b.Subscribe("test.event", func(e api.Envelope) {
		mu.Lock()
		seen = append(seen, e.Metadata["n"].(string))
		mu.Unlock()
	})

	b.Publish(api.NewEnvelope("test.gate", api.PriorityHigh, "f", nil))
	time.Sleep(50 * time.Millisecond)

	for _, n := range []string{"1", "2", "3"} {
		b.Publish(api.NewEnvelope("test.event", api.PriorityLow, "f", map[string]any{"n": n}))
	}

	assert.Equal(t, uint64(1), b.Overflow(api.PriorityLow))
	close(gate)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"2", "3"}, seen, "the oldest event must be the one dropped")
}

func TestBus_FilterAndPriorityThreshold(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	var filtered, thresholded atomic.Int32

	b.Subscribe("*", func(e api.Envelope) { filtered.Add(1) },
		WithFilter(func(e api.Envelope) bool { return e.FlowID == "keep" }))
	b.Subscribe("*", func(e api.Envelope) { thresholded.Add(1) },
		WithPriorityThreshold(api.PriorityHigh))

	b.PublishSync(api.NewEnvelope("test.event", api.PriorityLow, "keep", nil))
	b.PublishSync(api.NewEnvelope("test.event", api.PriorityCritical, "drop", nil))

	assert.Equal(t, int32(1), filtered.Load())
	assert.Equal(t, int32(1), thresholded.Load())
}

func TestBus_HandlerPanicIsIsolated(t *testing.T) {
	var faults []string
	b := New(Config{
		OnHandlerError: func(pattern string, recovered any) {
			faults = append(faults, pattern)
		},
	})
	defer b.Close()

	var after atomic.Int32
	b.Subscribe("test.event", func(e api.Envelope) { panic("boom") })
	b.Subscribe("test.event", func(e api.Envelope) { after.Add(1) })

	b.PublishSync(env("test.event", api.PriorityNormal))

	assert.Equal(t, []string{"test.event"}, faults)
	assert.Equal(t, int32(1), after.Load(), "later subscribers must still run")
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	var n atomic.Int32
	sub := b.Subscribe("*", func(e api.Envelope) { n.Add(1) })

	b.PublishSync(env("test.event", api.PriorityNormal))
	b.Unsubscribe(sub)
	b.PublishSync(env("test.event", api.PriorityNormal))

	assert.Equal(t, int32(1), n.Load())
}

func TestBus_PublishAfterCloseIsDropped(t *testing.T) {
	b := New(Config{})

	var n atomic.Int32
	b.Subscribe("*", func(e api.Envelope) { n.Add(1) })
	b.Close()

	b.Publish(env("test.event", api.PriorityNormal))
	b.Flush()

	assert.Zero(t, n.Load())
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern string
		event   string
		want    bool
	}{
		{"*", "flow.started", true},
		{"flow.started", "flow.started", true},
		{"flow.*", "flow.started", true},
		{"flow.*", "flowx.started", false},
		{"flow.*", "method.completed", false},
		{"method.completed", "method.failed", false},
	}
	for _, tc := range cases {
		if got := matchPattern(tc.pattern, tc.event); got != tc.want {
			t.Fatalf("matchPattern(%q, %q) = %v, want %v", tc.pattern, tc.event, got, tc.want)
		}
	}
}
