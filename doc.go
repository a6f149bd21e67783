// Package reflow provides a reactive flow execution engine for Go.
//
// Reflow runs multi-step processes ("flows") in which methods activate on
// declared conditions instead of explicit sequential calls, and composes
// whole flow instances into a dependency graph executed with bounded
// concurrency. It runs fully in-process, keeps persistence behind a narrow
// injected collaborator, and integrates cleanly into existing codebases.
//
// # Core Concepts
//
// The reflow programming model is intentionally small:
//
//  1. FlowBuilder / FlowDefinition
//  2. Dispatcher
//  3. Orchestrator
//  4. Condition / Router
//  5. Bus and StateManager
//
// # FlowDefinition
//
// A flow is a named set of method declarations. Each method has a role:
//
//   - start: eligible as soon as the run begins, optionally gated
//   - listener: triggered when its condition over completed methods
//     (and state) becomes satisfied
//   - router: a listener whose return value additionally selects branch
//     targets
//
// FlowBuilder provides the declarative API:
//
//	def := reflow.NewFlow("ingest").
//	    Start("fetch", fetch).
//	    Listen("parse", reflow.Named("fetch"), parse).
//	    Listen("index", reflow.AllOf(reflow.Named("fetch"), reflow.Named("parse")), index).
//	    MustBuild()
//
// # Dispatcher
//
// The Dispatcher runs one flow instance to completion. After each method
// completes it re-evaluates the remaining listeners' conditions and runs
// every newly satisfied one; concurrently eligible methods run
// concurrently, and each method runs at most once per run. A listener
// declared on the wildcard method name is the flow's error boundary.
//
// # Orchestrator
//
// The Orchestrator registers flow definitions as graph nodes, accepts
// plain, data-mapped or conditionally-gated dependency edges (cycles are
// rejected at insertion), and executes the graph with a bounded worker
// pool ordered by node priority. Unsatisfied edge conditions skip the
// downstream node, and skips propagate to nodes that depended only on
// skipped paths.
//
// # Condition and Router
//
// Conditions are pure data: method-name triggers, boolean All/Any
// combinators, path comparisons, expr-lang expressions, and custom
// predicates. The Router evaluates them against a (state, result,
// completed-set) context, with optional TTL memoization and a
// prioritized, deterministically tie-broken route table.
//
// # Bus and StateManager
//
// The Bus is a priority-queued, optionally-batched pub/sub transport for
// lifecycle events; producers are never blocked by slow consumers. The
// StateManager gives each flow instance copy-on-write state with a
// bounded snapshot history and debounced best-effort persistence through
// an injected Store (in-memory and SQLite implementations ship with the
// module).
//
// For runnable programs, see the examples directory.
package reflow
