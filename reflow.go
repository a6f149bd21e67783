package reflow

import (
	"context"
	"database/sql"

	"github.com/petrijr/reflow/internal/engine"
	"github.com/petrijr/reflow/internal/persistence"
	"github.com/petrijr/reflow/internal/router"
	"github.com/petrijr/reflow/pkg/api"
	"github.com/petrijr/reflow/pkg/bus"
	"github.com/petrijr/reflow/pkg/flowstate"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Condition         = api.Condition
	CompareOp         = api.CompareOp
	PredicateFunc     = api.PredicateFunc
	Role              = api.Role
	MethodFunc        = api.MethodFunc
	MethodDeclaration = api.MethodDeclaration
	Branch            = api.Branch
	FlowDefinition    = api.FlowDefinition
	FlowRun           = api.FlowRun
	RetryPolicy       = api.RetryPolicy
	State             = api.State
	Store             = api.Store
	Envelope          = api.Envelope
	EventType         = api.EventType
	Priority          = api.Priority

	Bus             = bus.Bus
	BusConfig       = bus.Config
	Subscription    = bus.Subscription
	Metrics         = bus.Metrics
	MetricsSnapshot = bus.MetricsSnapshot

	StateManager = flowstate.Manager
	StateConfig  = flowstate.Config
	Snapshot     = flowstate.Snapshot

	Dispatcher         = engine.Dispatcher
	Orchestrator       = engine.Orchestrator
	OrchestratorConfig = engine.OrchestratorConfig
	NodeResult         = engine.NodeResult
	NodeStatus         = engine.NodeStatus
	ExecutionMetrics   = engine.ExecutionMetrics
	FailureInput       = engine.FailureInput
	EdgeCondition      = engine.EdgeCondition
	DataMapping        = engine.DataMapping

	Router       = router.Router
	RouterConfig = router.Config
	EvalContext  = router.Context
	Route        = router.Route
)

// Re-export condition constructors and operators.

var (
	Named     = api.Named
	AllOf     = api.All
	AnyOf     = api.Any
	Compare   = api.Compare
	Predicate = api.Predicate
	Expr      = api.Expr
)

const (
	OpEq          = api.OpEq
	OpNe          = api.OpNe
	OpGt          = api.OpGt
	OpLt          = api.OpLt
	OpContains    = api.OpContains
	OpNotContains = api.OpNotContains
	OpRegex       = api.OpRegex

	RoleStart    = api.RoleStart
	RoleListener = api.RoleListener
	RoleRouter   = api.RoleRouter

	WildcardMethod = api.WildcardMethod

	PriorityLow      = api.PriorityLow
	PriorityNormal   = api.PriorityNormal
	PriorityHigh     = api.PriorityHigh
	PriorityCritical = api.PriorityCritical

	OptimizeSpeed  = engine.OptimizeSpeed
	OptimizeMemory = engine.OptimizeMemory

	NodePending   = engine.NodePending
	NodeReady     = engine.NodeReady
	NodeRunning   = engine.NodeRunning
	NodeCompleted = engine.NodeCompleted
	NodeFailed    = engine.NodeFailed
	NodeSkipped   = engine.NodeSkipped
)

// Re-export orchestrator options.

var (
	WithNodeID        = engine.WithNodeID
	WithPriority      = engine.WithPriority
	WithInput         = engine.WithInput
	WithEdgeCondition = engine.WithEdgeCondition
	WithEdgeExpr      = engine.WithEdgeExpr
	WithDataMapping   = engine.WithDataMapping
)

// Constructors
// These wrap the internal packages so external callers never need to
// import them.

// NewBus constructs an event bus with the given config and starts its
// background drain.
func NewBus(cfg BusConfig) *Bus {
	return bus.New(cfg)
}

// NewBusLogging attaches a structured-log subscriber to b. A nil logger
// uses slog.Default().
var NewBusLogging = bus.NewLoggingSubscriber

// NewBusMetrics attaches a counter-collecting subscriber to b.
var NewBusMetrics = bus.NewMetricsSubscriber

// NewRouter constructs a standalone condition router.
func NewRouter(cfg RouterConfig) *Router {
	return router.New(cfg)
}

// NewStateManager constructs a state manager for one flow instance.
func NewStateManager(id string, initial any, cfg StateConfig) *StateManager {
	return flowstate.New(id, initial, cfg)
}

// NewOrchestrator constructs a multi-flow orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	return engine.NewOrchestrator(cfg)
}

// NewMemoryStore returns an in-memory Store. Useful for tests and
// single-process setups.
func NewMemoryStore() Store {
	return persistence.NewMemoryStore()
}

// NewSQLiteStore returns a Store persisting flow state and method results
// in a SQLite database. The caller imports the driver, e.g.
// "modernc.org/sqlite".
func NewSQLiteStore(db *sql.DB) (Store, error) {
	return persistence.NewSQLiteStore(db)
}

// DispatcherOption customizes a dispatcher built by NewDispatcher or Run.
type DispatcherOption func(*engine.DispatcherConfig)

// WithBus routes the flow's lifecycle events through b.
func WithBus(b *Bus) DispatcherOption {
	return func(c *engine.DispatcherConfig) { c.Bus = b }
}

// WithStore wires a persistence collaborator: method results are saved as
// they complete and state writes are debounced through it.
func WithStore(s Store) DispatcherOption {
	return func(c *engine.DispatcherConfig) { c.Store = s }
}

// WithRouter replaces the default condition router.
func WithRouter(r *Router) DispatcherOption {
	return func(c *engine.DispatcherConfig) { c.Router = r }
}

// NewDispatcher builds a single-flow dispatcher for def. id may be empty
// for a generated one.
func NewDispatcher(def *FlowDefinition, id string, opts ...DispatcherOption) (*Dispatcher, error) {
	cfg := engine.DispatcherConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Router == nil {
		cfg.Router = router.New(router.Config{})
	}
	return engine.NewDispatcher(def, id, cfg)
}

// Run builds a dispatcher for def and runs it once with input.
func Run(ctx context.Context, def *FlowDefinition, input any, opts ...DispatcherOption) (*FlowRun, error) {
	d, err := NewDispatcher(def, "", opts...)
	if err != nil {
		return nil, err
	}
	return d.Run(ctx, input)
}
