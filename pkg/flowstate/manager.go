// Package flowstate holds one flow instance's mutable state. Updates are
// copy-on-write, a bounded snapshot history supports point-in-time
// restore, and write-through to an injected store is debounced.
package flowstate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/reflow/pkg/api"
	"github.com/petrijr/reflow/pkg/bus"
)

// Snapshot is one point-in-time copy of the state payload. History is a
// diagnostics/restore aid, not a durability log.
type Snapshot struct {
	At    time.Time
	State any
}

// Config describes a Manager. Zero values select the defaults.
type Config struct {
	// MaxHistory caps retained snapshots; the oldest is evicted first.
	// Default 25.
	MaxHistory int

	// DeepClone switches Update from structural sharing (top-level copy,
	// nested containers shared) to full deep copies. Structural sharing is
	// the default: callers needing isolation of nested containers must
	// copy-on-write those themselves.
	DeepClone bool

	// Store, when set together with PersistOnChange, receives debounced
	// best-effort writes of the current payload.
	Store           api.Store
	PersistOnChange bool

	// Debounce is the quiet period collapsing a burst of updates into one
	// write. Default 250ms.
	Debounce time.Duration

	// SlowUpdateThreshold emits a warning event when one Update exceeds
	// it. Default 50ms.
	SlowUpdateThreshold time.Duration

	// Bus receives state.changed and state.update.slow events when set.
	Bus *bus.Bus

	// Logger receives persistence failures. Defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxHistory <= 0 {
		c.MaxHistory = 25
	}
	if c.Debounce <= 0 {
		c.Debounce = 250 * time.Millisecond
	}
	if c.SlowUpdateThreshold <= 0 {
		c.SlowUpdateThreshold = 50 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// UpdateStats is the running performance accounting of a Manager.
type UpdateStats struct {
	Updates int64
	Avg     time.Duration
	Max     time.Duration
}

// Manager owns one flow instance's state. All mutation goes through
// Update; nothing else may touch the payload.
type Manager struct {
	id  string
	cfg Config

	mu       sync.Mutex
	current  any
	history  []Snapshot
	timer    *time.Timer
	dirty    bool
	updates  int64
	totalDur time.Duration
	maxDur   time.Duration
}

var _ api.State = (*Manager)(nil)

// New constructs a Manager with the given initial payload.
func New(id string, initial any, cfg Config) *Manager {
	return &Manager{id: id, cfg: cfg.withDefaults(), current: initial}
}

// ID returns the owning flow instance's id.
func (m *Manager) ID() string { return m.id }

// Get returns the current payload. Treat it as read-only.
func (m *Manager) Get() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Update clones the current payload, applies mutate to the clone,
// installs the clone as current, appends a snapshot and returns the new
// payload. The clone is shallow (structural sharing) unless DeepClone was
// configured.
func (m *Manager) Update(mutate func(payload any)) any {
	start := time.Now()

	m.mu.Lock()
	next := clone(m.current, m.cfg.DeepClone)
	if mutate != nil {
		mutate(next)
	}
	m.current = next
	m.history = append(m.history, Snapshot{At: time.Now(), State: next})
	if len(m.history) > m.cfg.MaxHistory {
		m.history = m.history[len(m.history)-m.cfg.MaxHistory:]
	}
	m.dirty = true
	dur := time.Since(start)
	m.updates++
	m.totalDur += dur
	if dur > m.maxDur {
		m.maxDur = dur
	}
	m.schedulePersistLocked()
	m.mu.Unlock()

	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(api.NewEnvelope(api.EventStateChanged, api.PriorityLow, m.id, map[string]any{
			"duration_ms": dur.Milliseconds(),
		}))
		if dur > m.cfg.SlowUpdateThreshold {
			m.cfg.Bus.Publish(api.NewEnvelope(api.EventStateUpdateSlow, api.PriorityHigh, m.id, map[string]any{
				"duration_ms":  dur.Milliseconds(),
				"threshold_ms": m.cfg.SlowUpdateThreshold.Milliseconds(),
			}))
		}
	}
	return next
}

// Replace discards the current payload, installs next, and clears the
// snapshot history. Used when a flow is reset for a fresh run.
func (m *Manager) Replace(next any) {
	m.mu.Lock()
	m.current = next
	m.history = m.history[:0]
	m.dirty = true
	m.schedulePersistLocked()
	m.mu.Unlock()
}

// History returns a copy of the retained snapshots, oldest first.
func (m *Manager) History() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, len(m.history))
	copy(out, m.history)
	return out
}

// Restore replaces the current payload with a deep copy of the snapshot
// taken at the given time. It reports whether a matching snapshot was
// found; on a miss the state is unchanged.
func (m *Manager) Restore(at time.Time) bool {
	m.mu.Lock()
	var found *Snapshot
	for i := range m.history {
		if m.history[i].At.Equal(at) {
			found = &m.history[i]
			break
		}
	}
	if found == nil {
		m.mu.Unlock()
		return false
	}
	m.current = clone(found.State, true)
	m.dirty = true
	m.schedulePersistLocked()
	m.mu.Unlock()

	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(api.NewEnvelope(api.EventStateRestored, api.PriorityNormal, m.id, map[string]any{
			"snapshot_at": at,
		}))
	}
	return true
}

// Stats returns the running update-duration accounting.
func (m *Manager) Stats() UpdateStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := UpdateStats{Updates: m.updates, Max: m.maxDur}
	if m.updates > 0 {
		s.Avg = m.totalDur / time.Duration(m.updates)
	}
	return s
}

// PersistNow forces an immediate best-effort write of the current payload
// and clears any pending debounce.
func (m *Manager) PersistNow(ctx context.Context) {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.dirty = false
	state := m.current
	m.mu.Unlock()
	m.write(ctx, state)
}

// Stop cancels any pending debounced write without flushing it.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// schedulePersistLocked (re)starts the debounce timer. Only the last
// update within the window is written.
func (m *Manager) schedulePersistLocked() {
	if m.cfg.Store == nil || !m.cfg.PersistOnChange {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.cfg.Debounce, func() {
		m.mu.Lock()
		if !m.dirty {
			m.mu.Unlock()
			return
		}
		m.dirty = false
		m.timer = nil
		state := m.current
		m.mu.Unlock()
		m.write(context.Background(), state)
	})
}

// write performs the store call. Failures are logged, never propagated:
// persistence is best-effort and must not affect scheduling.
func (m *Manager) write(ctx context.Context, state any) {
	if m.cfg.Store == nil {
		return
	}
	if err := m.cfg.Store.SaveState(ctx, m.id, state); err != nil {
		perr := &api.PersistenceError{Op: "save_state", FlowID: m.id, Err: err}
		m.cfg.Logger.Warn("state_persist_failed", slog.String("flow_id", m.id), slog.Any("error", perr))
	}
}
