// Package bus provides the priority-queued, optionally-batched
// publish/subscribe transport that decouples flow producers (dispatcher,
// orchestrator, state manager) from consumers (telemetry, persistence
// triggers). Producers are never blocked by slow consumers.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/petrijr/reflow/pkg/api"
)

// Handler consumes a published envelope. Handlers run on the bus's drain
// goroutine (or the publisher's goroutine for synchronous publishes);
// heavy work should be done asynchronously.
type Handler func(env api.Envelope)

// ErrorHandler receives faults raised by subscriber handlers.
type ErrorHandler func(pattern string, recovered any)

// Config describes a Bus. Zero values select the defaults.
type Config struct {
	// BucketDepth caps each priority bucket. When a bucket is full the
	// oldest entries are dropped, never the newest, and the overflow
	// counter is incremented. Default 1024.
	BucketDepth int

	// DrainBatch is the maximum number of events taken from one bucket per
	// drain tick. Default 64.
	DrainBatch int

	// SlowHandlerThreshold triggers a warning log when a handler exceeds
	// it. Default 100ms.
	SlowHandlerThreshold time.Duration

	// Logger receives slow-handler warnings and handler faults when no
	// ErrorHandler is set. Defaults to slog.Default().
	Logger *slog.Logger

	// OnHandlerError, when set, receives handler panics instead of the
	// default log sink.
	OnHandlerError ErrorHandler
}

func (c Config) withDefaults() Config {
	if c.BucketDepth <= 0 {
		c.BucketDepth = 1024
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = 64
	}
	if c.SlowHandlerThreshold <= 0 {
		c.SlowHandlerThreshold = 100 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type subscription struct {
	id        int64
	pattern   string
	handler   Handler
	filter    func(api.Envelope) bool
	threshold api.Priority
	hasMin    bool
}

// Subscription is an opaque handle returned by Subscribe, used to
// unsubscribe.
type Subscription struct {
	id int64
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subscription)

// WithFilter drops envelopes for which f returns false before they reach
// the handler.
func WithFilter(f func(api.Envelope) bool) SubscribeOption {
	return func(s *subscription) { s.filter = f }
}

// WithPriorityThreshold delivers only envelopes at or above min.
func WithPriorityThreshold(min api.Priority) SubscribeOption {
	return func(s *subscription) {
		s.threshold = min
		s.hasMin = true
	}
}

// Bus is a priority-bucketed pub/sub event transport. The zero value is
// not usable; construct with New.
type Bus struct {
	cfg Config

	mu      sync.Mutex
	nextID  int64
	subs    []*subscription // registration order
	buckets [4][]api.Envelope
	dropped [4]uint64
	batches map[string]*batch
	closed  bool

	notify    chan struct{}
	done      chan struct{}
	drained   sync.WaitGroup
	closeOnce sync.Once
}

// New constructs a Bus and starts its background drain.
func New(cfg Config) *Bus {
	b := &Bus{
		cfg:     cfg.withDefaults(),
		batches: make(map[string]*batch),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.drained.Add(1)
	go b.drainLoop()
	return b
}

// Subscribe registers handler for envelopes whose type matches pattern.
// pattern is an exact event type, "*" for everything, or a "prefix.*"
// wildcard.
func (b *Bus) Subscribe(pattern string, handler Handler, opts ...SubscribeOption) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{id: b.nextID, pattern: pattern, handler: handler}
	for _, opt := range opts {
		opt(sub)
	}
	b.subs = append(b.subs, sub)
	return Subscription{id: sub.id}
}

// Unsubscribe removes a subscription. Unknown handles are ignored.
func (b *Bus) Unsubscribe(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == s.id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish enqueues env into its priority bucket and returns immediately.
// If the bucket is at depth, the oldest entry in it is dropped.
func (b *Bus) Publish(env api.Envelope) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	p := clampPriority(env.Priority)
	bucket := b.buckets[p]
	if len(bucket) >= b.cfg.BucketDepth {
		drop := len(bucket) - b.cfg.BucketDepth + 1
		bucket = bucket[drop:]
		b.dropped[p] += uint64(drop)
	}
	b.buckets[p] = append(bucket, env)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// PublishSync dispatches env synchronously to all matching handlers in
// registration order, bypassing the priority queue.
func (b *Bus) PublishSync(env api.Envelope) {
	b.dispatch(env)
}

// Overflow returns the number of envelopes dropped from the given bucket
// since construction.
func (b *Bus) Overflow(p api.Priority) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped[clampPriority(p)]
}

// Flush synchronously drains every bucket until all are empty. Intended
// for tests and orderly shutdown.
func (b *Bus) Flush() {
	for {
		if n := b.drainTick(); n == 0 {
			return
		}
	}
}

// Close flushes pending batches, drains remaining events and stops the
// background drain. The bus drops publishes after Close.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		pending := make([]string, 0, len(b.batches))
		for id := range b.batches {
			pending = append(pending, id)
		}
		b.mu.Unlock()

		for _, id := range pending {
			b.FlushBatch(id)
		}

		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		close(b.done)
		b.drained.Wait()
		b.Flush()
	})
}

func (b *Bus) drainLoop() {
	defer b.drained.Done()
	for {
		select {
		case <-b.done:
			return
		case <-b.notify:
		}
		for {
			processed := b.drainTick()
			if processed == 0 {
				break
			}
			// Yield between ticks so a full queue cannot starve shutdown.
			select {
			case <-b.done:
				return
			default:
			}
		}
	}
}

// drainTick takes a bounded batch from each bucket, highest priority
// first, and dispatches it. Returns the number of envelopes processed.
func (b *Bus) drainTick() int {
	var tick []api.Envelope
	b.mu.Lock()
	for p := int(api.PriorityCritical); p >= int(api.PriorityLow); p-- {
		bucket := b.buckets[p]
		n := len(bucket)
		if n == 0 {
			continue
		}
		if n > b.cfg.DrainBatch {
			n = b.cfg.DrainBatch
		}
		tick = append(tick, bucket[:n]...)
		b.buckets[p] = bucket[n:]
	}
	b.mu.Unlock()

	for _, env := range tick {
		b.dispatch(env)
	}
	return len(tick)
}

func (b *Bus) dispatch(env api.Envelope) {
	b.mu.Lock()
	matching := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if !matchPattern(sub.pattern, string(env.Type)) {
			continue
		}
		if sub.hasMin && env.Priority < sub.threshold {
			continue
		}
		matching = append(matching, sub)
	}
	b.mu.Unlock()

	for _, sub := range matching {
		if sub.filter != nil && !sub.filter(env) {
			continue
		}
		b.invoke(sub, env)
	}
}

// invoke runs one handler with fault isolation and timing. A failing
// subscriber never blocks the others.
func (b *Bus) invoke(sub *subscription, env api.Envelope) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			if b.cfg.OnHandlerError != nil {
				b.cfg.OnHandlerError(sub.pattern, r)
				return
			}
			b.cfg.Logger.Error("bus_handler_panic",
				slog.String("pattern", sub.pattern),
				slog.Any("recovered", r),
			)
		}
	}()
	sub.handler(env)
	if d := time.Since(start); d > b.cfg.SlowHandlerThreshold {
		b.cfg.Logger.Warn("bus_handler_slow",
			slog.String("pattern", sub.pattern),
			slog.String("event", string(env.Type)),
			slog.Duration("duration", d),
			slog.Duration("threshold", b.cfg.SlowHandlerThreshold),
		)
	}
}

func clampPriority(p api.Priority) int {
	if p < api.PriorityLow {
		return int(api.PriorityLow)
	}
	if p > api.PriorityCritical {
		return int(api.PriorityCritical)
	}
	return int(p)
}

// matchPattern reports whether an event type matches a subscription
// pattern: exact match, "*", or a "prefix.*" wildcard.
func matchPattern(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return false
}
