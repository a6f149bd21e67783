package engine

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/reflow/internal/router"
	"github.com/petrijr/reflow/pkg/api"
)

func testDispatcher(t *testing.T, def *api.FlowDefinition) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(def, "", DispatcherConfig{Router: router.New(router.Config{})})
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}
	return d
}

func TestDispatcher_LinearFlow(t *testing.T) {
	def := &api.FlowDefinition{
		Name: "linear",
		Methods: []api.MethodDeclaration{
			{Name: "fetch", Role: api.RoleStart, Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				return map[string]any{"raw": input}, nil
			}},
			{Name: "transform", Role: api.RoleListener, Trigger: api.Named("fetch"), Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				return "transformed", nil
			}},
			{Name: "store", Role: api.RoleListener, Trigger: api.Named("transform"), Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				return "stored", nil
			}},
		},
	}

	run, err := testDispatcher(t, def).Run(context.Background(), "payload")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []string{"fetch", "transform", "store"}
	if !slices.Equal(run.Path, want) {
		t.Fatalf("expected path %v, got %v", want, run.Path)
	}
	if run.Output() != "stored" {
		t.Fatalf("unexpected output %v", run.Output())
	}
	if run.Results["transform"] != "transformed" {
		t.Fatalf("missing intermediate result: %v", run.Results)
	}
}

func TestDispatcher_ListenerReceivesTriggeringResult(t *testing.T) {
	var got any
	def := &api.FlowDefinition{
		Name: "handoff",
		Methods: []api.MethodDeclaration{
			{Name: "a", Role: api.RoleStart, Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				return "from-a", nil
			}},
			{Name: "b", Role: api.RoleListener, Trigger: api.Named("a"), Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				got = input
				return nil, nil
			}},
		},
	}

	if _, err := testDispatcher(t, def).Run(context.Background(), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got != "from-a" {
		t.Fatalf("listener input = %v, want from-a", got)
	}
}

func TestDispatcher_AtMostOncePerRun(t *testing.T) {
	var calls atomic.Int32
	def := &api.FlowDefinition{
		Name: "fanin",
		Methods: []api.MethodDeclaration{
			{Name: "a", Role: api.RoleStart, Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				return nil, nil
			}},
			{Name: "b", Role: api.RoleStart, Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				return nil, nil
			}},
			// Satisfied by either completion; must still run exactly once.
			{Name: "join", Role: api.RoleListener, Trigger: api.Any(api.Named("a"), api.Named("b")), Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				calls.Add(1)
				return nil, nil
			}},
		},
	}

	run, err := testDispatcher(t, def).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("join ran %d times, want exactly 1", got)
	}
	if n := len(run.Path); n != 3 {
		t.Fatalf("expected 3 completions, got %v", run.Path)
	}
}

func TestDispatcher_AllWaitsForEveryTrigger(t *testing.T) {
	order := make(chan string, 8)
	def := &api.FlowDefinition{
		Name: "barrier",
		Methods: []api.MethodDeclaration{
			{Name: "fast", Role: api.RoleStart, Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				order <- "fast"
				return nil, nil
			}},
			{Name: "slow", Role: api.RoleStart, Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				time.Sleep(60 * time.Millisecond)
				order <- "slow"
				return nil, nil
			}},
			{Name: "join", Role: api.RoleListener, Trigger: api.All(api.Named("fast"), api.Named("slow")), Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				order <- "join"
				return nil, nil
			}},
		},
	}

	if _, err := testDispatcher(t, def).Run(context.Background(), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	close(order)

	var seq []string
	for s := range order {
		seq = append(seq, s)
	}
	if len(seq) != 3 || seq[2] != "join" {
		t.Fatalf("join must run last, after both triggers: %v", seq)
	}
}

func TestDispatcher_ConcurrentSiblings(t *testing.T) {
	def := &api.FlowDefinition{
		Name: "parallel",
		Methods: []api.MethodDeclaration{
			{Name: "seed", Role: api.RoleStart, Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				return nil, nil
			}},
			{Name: "left", Role: api.RoleListener, Trigger: api.Named("seed"), Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				time.Sleep(80 * time.Millisecond)
				return nil, nil
			}},
			{Name: "right", Role: api.RoleListener, Trigger: api.Named("seed"), Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				time.Sleep(80 * time.Millisecond)
				return nil, nil
			}},
		},
	}

	start := time.Now()
	if _, err := testDispatcher(t, def).Run(context.Background(), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 140*time.Millisecond {
		t.Fatalf("siblings must run concurrently, took %v", elapsed)
	}
}

func TestDispatcher_RouterBranchSelectsTargets(t *testing.T) {
	var ran atomic.Int32
	mark := func(bit int32) api.MethodFunc {
		return func(ctx context.Context, input any, state api.State) (any, error) {
			ran.Add(bit)
			return nil, nil
		}
	}

	def := &api.FlowDefinition{
		Name: "routed",
		Methods: []api.MethodDeclaration{
			{Name: "start", Role: api.RoleStart, Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				return nil, nil
			}},
			{Name: "decide", Role: api.RoleRouter, Trigger: api.Named("start"),
				Fn: func(ctx context.Context, input any, state api.State) (any, error) {
					return map[string]any{"severity": 7}, nil
				},
				Branches: []api.Branch{
					{Target: "escalate", When: api.Compare("result.severity", api.OpGt, 5)},
					{Target: "archive", When: api.Compare("result.severity", api.OpLt, 3)},
				},
			},
			{Name: "escalate", Role: api.RoleListener, Fn: mark(1)},
			{Name: "archive", Role: api.RoleListener, Fn: mark(100)},
		},
	}

	run, err := testDispatcher(t, def).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := ran.Load(); got != 1 {
		t.Fatalf("only escalate may run (got marker %d)", got)
	}
	want := []string{"start", "decide", "escalate"}
	if !slices.Equal(run.Path, want) {
		t.Fatalf("expected path %v, got %v", want, run.Path)
	}
}

func TestDispatcher_BranchOnlyTargetNeverSelfTriggers(t *testing.T) {
	def := &api.FlowDefinition{
		Name: "routed",
		Methods: []api.MethodDeclaration{
			{Name: "start", Role: api.RoleStart, Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				return map[string]any{"go": false}, nil
			}},
			{Name: "decide", Role: api.RoleRouter, Trigger: api.Named("start"),
				Fn: func(ctx context.Context, input any, state api.State) (any, error) {
					return map[string]any{"go": false}, nil
				},
				Branches: []api.Branch{
					{Target: "act", When: api.Compare("result.go", api.OpEq, true)},
				},
			},
			{Name: "act", Role: api.RoleListener, Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				t.Error("act must not run when no branch matches")
				return nil, nil
			}},
		},
	}

	run, err := testDispatcher(t, def).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if slices.Contains(run.Path, "act") {
		t.Fatalf("act appeared in path %v", run.Path)
	}
}

func TestDispatcher_StartGateSkipsUnmatched(t *testing.T) {
	def := &api.FlowDefinition{
		Name: "gated",
		Methods: []api.MethodDeclaration{
			{Name: "always", Role: api.RoleStart, Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				return nil, nil
			}},
			{Name: "premium", Role: api.RoleStart, Trigger: api.Compare("result.tier", api.OpEq, "premium"),
				Fn: func(ctx context.Context, input any, state api.State) (any, error) {
					t.Error("premium path must stay cold for basic input")
					return nil, nil
				}},
		},
	}

	run, err := testDispatcher(t, def).Run(context.Background(), map[string]any{"tier": "basic"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !slices.Equal(run.Path, []string{"always"}) {
		t.Fatalf("unexpected path %v", run.Path)
	}
}

func TestDispatcher_NoEligibleStart(t *testing.T) {
	def := &api.FlowDefinition{
		Name: "cold",
		Methods: []api.MethodDeclaration{
			{Name: "gated", Role: api.RoleStart, Trigger: api.Compare("result.never", api.OpEq, true),
				Fn: func(ctx context.Context, input any, state api.State) (any, error) {
					return nil, nil
				}},
		},
	}

	_, err := testDispatcher(t, def).Run(context.Background(), map[string]any{})
	if !errors.Is(err, api.ErrNoEligibleStart) {
		t.Fatalf("expected ErrNoEligibleStart, got %v", err)
	}
}

func TestDispatcher_WildcardCatchesFailure(t *testing.T) {
	boom := errors.New("boom")
	var caught FailureInput

	def := &api.FlowDefinition{
		Name: "guarded",
		Methods: []api.MethodDeclaration{
			{Name: "work", Role: api.RoleStart, Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				return nil, boom
			}},
			{Name: "report", Role: api.RoleListener, Trigger: api.Named(api.WildcardMethod),
				Fn: func(ctx context.Context, input any, state api.State) (any, error) {
					caught = input.(FailureInput)
					return "reported", nil
				}},
		},
	}

	run, err := testDispatcher(t, def).Run(context.Background(), "in")
	if err != nil {
		t.Fatalf("handled failure must not abort the run: %v", err)
	}
	if caught.Method != "work" || !errors.Is(caught.Err, boom) || caught.Input != "in" {
		t.Fatalf("unexpected failure input %+v", caught)
	}
	if run.Results["report"] != "reported" {
		t.Fatalf("boundary result missing: %v", run.Results)
	}
}

func TestDispatcher_UnhandledFailureAborts(t *testing.T) {
	boom := errors.New("boom")
	def := &api.FlowDefinition{
		Name: "bare",
		Methods: []api.MethodDeclaration{
			{Name: "work", Role: api.RoleStart, Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				return nil, boom
			}},
		},
	}

	run, err := testDispatcher(t, def).Run(context.Background(), nil)
	if err == nil {
		t.Fatalf("expected an error")
	}
	var mee *api.MethodExecutionError
	if !errors.As(err, &mee) {
		t.Fatalf("expected MethodExecutionError, got %T", err)
	}
	if mee.Method != "work" || !errors.Is(mee, boom) {
		t.Fatalf("unexpected error detail %+v", mee)
	}
	if run == nil || run.Err == nil {
		t.Fatalf("partial run must carry the error")
	}
}

func TestDispatcher_ErrorBoundaryTriggersNothingFurther(t *testing.T) {
	def := &api.FlowDefinition{
		Name: "quiet",
		Methods: []api.MethodDeclaration{
			{Name: "work", Role: api.RoleStart, Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				return nil, errors.New("boom")
			}},
			{Name: "report", Role: api.RoleListener, Trigger: api.Named(api.WildcardMethod),
				Fn: func(ctx context.Context, input any, state api.State) (any, error) {
					return nil, nil
				}},
			{Name: "after", Role: api.RoleListener, Trigger: api.Named("report"),
				Fn: func(ctx context.Context, input any, state api.State) (any, error) {
					t.Error("the boundary must not cascade into listeners")
					return nil, nil
				}},
		},
	}

	run, err := testDispatcher(t, def).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if slices.Contains(run.Path, "after") {
		t.Fatalf("after appeared in path %v", run.Path)
	}
}

func TestDispatcher_BoundaryFailureAborts(t *testing.T) {
	def := &api.FlowDefinition{
		Name: "doomed",
		Methods: []api.MethodDeclaration{
			{Name: "work", Role: api.RoleStart, Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				return nil, errors.New("first")
			}},
			{Name: "report", Role: api.RoleListener, Trigger: api.Named(api.WildcardMethod),
				Fn: func(ctx context.Context, input any, state api.State) (any, error) {
					return nil, errors.New("second")
				}},
		},
	}

	_, err := testDispatcher(t, def).Run(context.Background(), nil)
	if err == nil {
		t.Fatalf("a failing boundary must abort the run")
	}
	var mee *api.MethodExecutionError
	if !errors.As(err, &mee) || mee.Method != "report" {
		t.Fatalf("expected the boundary's own failure, got %v", err)
	}
}

func TestDispatcher_PanicBecomesError(t *testing.T) {
	def := &api.FlowDefinition{
		Name: "panicky",
		Methods: []api.MethodDeclaration{
			{Name: "work", Role: api.RoleStart, Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				panic("kaboom")
			}},
		},
	}

	_, err := testDispatcher(t, def).Run(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("expected the panic to surface as an error, got %v", err)
	}
}

func TestDispatcher_RetryEventuallySucceeds(t *testing.T) {
	var calls atomic.Int32
	def := &api.FlowDefinition{
		Name: "flaky",
		Methods: []api.MethodDeclaration{
			{Name: "work", Role: api.RoleStart,
				Fn: func(ctx context.Context, input any, state api.State) (any, error) {
					if calls.Add(1) < 3 {
						return nil, errors.New("transient")
					}
					return "ok", nil
				},
				Retry: &api.RetryPolicy{MaxAttempts: 3},
			},
		},
	}

	run, err := testDispatcher(t, def).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	if run.Output() != "ok" {
		t.Fatalf("unexpected output %v", run.Output())
	}
}

func TestDispatcher_RetryExhaustionSurfacesLastError(t *testing.T) {
	var calls atomic.Int32
	def := &api.FlowDefinition{
		Name: "hopeless",
		Methods: []api.MethodDeclaration{
			{Name: "work", Role: api.RoleStart,
				Fn: func(ctx context.Context, input any, state api.State) (any, error) {
					calls.Add(1)
					return nil, errors.New("permanent")
				},
				Retry: &api.RetryPolicy{MaxAttempts: 2},
			},
		},
	}

	_, err := testDispatcher(t, def).Run(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "permanent") {
		t.Fatalf("expected the final failure, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestDispatcher_ContextCancellationAbandonsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})

	def := &api.FlowDefinition{
		Name: "stuck",
		Methods: []api.MethodDeclaration{
			{Name: "work", Role: api.RoleStart, Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				close(started)
				<-ctx.Done()
				return nil, ctx.Err()
			}},
		},
	}

	d := testDispatcher(t, def)
	errc := make(chan error, 1)
	go func() {
		_, err := d.Run(ctx, nil)
		errc <- err
	}()

	<-started
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestDispatcher_StateSharedAcrossMethods(t *testing.T) {
	def := &api.FlowDefinition{
		Name:         "stateful",
		InitialState: func() any { return map[string]any{"count": 0} },
		Methods: []api.MethodDeclaration{
			{Name: "inc", Role: api.RoleStart, Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				state.Update(func(payload any) {
					m := payload.(map[string]any)
					m["count"] = m["count"].(int) + 1
				})
				return nil, nil
			}},
			{Name: "read", Role: api.RoleListener, Trigger: api.Named("inc"), Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				return state.Get().(map[string]any)["count"], nil
			}},
		},
	}

	run, err := testDispatcher(t, def).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if run.Output() != 1 {
		t.Fatalf("listener observed stale state: %v", run.Output())
	}
	if run.State.(map[string]any)["count"] != 1 {
		t.Fatalf("final state not captured: %v", run.State)
	}
}

func TestDispatcher_GeneratedIDUsesFlowName(t *testing.T) {
	def := &api.FlowDefinition{
		Name: "named",
		Methods: []api.MethodDeclaration{
			{Name: "a", Role: api.RoleStart, Fn: func(ctx context.Context, input any, state api.State) (any, error) {
				return nil, nil
			}},
		},
	}
	d := testDispatcher(t, def)
	if !strings.Contains(d.ID(), "named-") {
		t.Fatalf("generated id %q must embed the flow name", d.ID())
	}
}

