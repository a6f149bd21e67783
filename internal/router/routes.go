package router

import (
	"sort"

	"github.com/Jeffail/gabs/v2"

	"github.com/petrijr/reflow/pkg/api"
)

// Route pairs a condition with a target, used for router-method branches
// and any other "first/all matching candidates" selection.
type Route struct {
	ID       string
	When     *api.Condition
	Target   string
	Priority int
}

type entry struct {
	route      Route
	paths      []string
	complexity int
	seq        int
}

// AddRoute registers a route. Duplicate ids are rejected with
// DuplicateRouteError; registering invalidates the result cache and the
// path index.
func (r *Router) AddRoute(route Route) error {
	if err := route.When.Validate("route/"+route.ID, nil); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[route.ID]; exists {
		return &api.DuplicateRouteError{ID: route.ID}
	}
	r.seq++
	r.routes[route.ID] = &entry{
		route:      route,
		paths:      route.When.Paths(),
		complexity: route.When.Complexity(),
		seq:        r.seq,
	}
	r.cache.Flush()
	return nil
}

// RemoveRoute deletes a route and invalidates cached results. Unknown ids
// are ignored.
func (r *Router) RemoveRoute(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.routes[id]; !ok {
		return
	}
	delete(r.routes, id)
	r.cache.Flush()
}

// UpdateRoute replaces an existing route in place, keeping its
// registration order, and invalidates cached results.
func (r *Router) UpdateRoute(route Route) error {
	if err := route.When.Validate("route/"+route.ID, nil); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.routes[route.ID]
	if !ok {
		return &api.ConditionValidationError{Owner: "route/" + route.ID, Reason: "route not registered"}
	}
	r.routes[route.ID] = &entry{
		route:      route,
		paths:      route.When.Paths(),
		complexity: route.When.Complexity(),
		seq:        old.seq,
	}
	r.cache.Flush()
	return nil
}

// Routes returns the registered routes in registration order.
func (r *Router) Routes() []Route {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.routes))
	for _, e := range r.routes {
		entries = append(entries, e)
	}
	r.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]Route, len(entries))
	for i, e := range entries {
		out[i] = e.route
	}
	return out
}

// Select evaluates the registered routes against ctx and returns the
// satisfied ones. With short-circuit enabled selection stops at the first
// satisfied candidate.
//
// Candidate order is priority descending, then relevance (referenced
// paths present in the context) descending, then structural complexity
// ascending. Registration order is the final, documented tie-break so
// overlapping conditions select deterministically even when cache
// invalidation changes relevance scores.
func (r *Router) Select(ctx Context) ([]Route, error) {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.routes))
	for _, e := range r.routes {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	orderCandidates(entries, ctx)

	var matched []Route
	var firstErr error
	for _, e := range entries {
		ok, err := r.Evaluate(e.route.When, ctx)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if !ok {
			continue
		}
		matched = append(matched, e.route)
		if r.cfg.ShortCircuit {
			break
		}
	}
	return matched, firstErr
}

// MatchBranches evaluates a router method's declared branches against its
// return value, honoring the same candidate ordering as Select. Every
// matching branch is returned: overlap resolution is the caller's
// at-most-once activation, not silent dropping.
func (r *Router) MatchBranches(branches []api.Branch, ctx Context) ([]api.Branch, error) {
	entries := make([]*entry, len(branches))
	for i, b := range branches {
		entries[i] = &entry{
			route:      Route{ID: b.ID, When: b.When, Target: b.Target, Priority: b.Priority},
			paths:      b.When.Paths(),
			complexity: b.When.Complexity(),
			seq:        i,
		}
	}
	orderCandidates(entries, ctx)

	var matched []api.Branch
	var firstErr error
	for _, e := range entries {
		ok, err := r.Evaluate(e.route.When, ctx)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if !ok {
			continue
		}
		matched = append(matched, api.Branch{
			ID:       e.route.ID,
			When:     e.route.When,
			Target:   e.route.Target,
			Priority: e.route.Priority,
		})
	}
	return matched, firstErr
}

// orderCandidates sorts evaluation candidates: priority desc, relevance
// desc, complexity asc, registration order asc.
func orderCandidates(entries []*entry, ctx Context) {
	env := gabs.Wrap(ctx.env())
	relevance := make(map[*entry]int, len(entries))
	for _, e := range entries {
		n := 0
		for _, p := range e.paths {
			if env.ExistsP(p) {
				n++
			}
		}
		relevance[e] = n
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.route.Priority != b.route.Priority {
			return a.route.Priority > b.route.Priority
		}
		if relevance[a] != relevance[b] {
			return relevance[a] > relevance[b]
		}
		if a.complexity != b.complexity {
			return a.complexity < b.complexity
		}
		return a.seq < b.seq
	})
}
