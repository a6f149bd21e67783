// Package router evaluates trigger conditions against a flow's state and
// results. It backs both intra-flow branching (dispatcher triggers, router
// branches) and inter-flow conditional dependencies.
package router

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"regexp"
	"sync"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/expr-lang/expr"
	gocache "github.com/patrickmn/go-cache"

	"github.com/petrijr/reflow/pkg/api"
)

// Context is the (state, lastResult, completed-set) triple a condition is
// evaluated against.
type Context struct {
	// State is the current flow state payload.
	State any

	// Result is the last completed method's result (or a router method's
	// return value for branch conditions).
	Result any

	// Completed maps completed method names to their results.
	Completed map[string]any
}

// env builds the dotted-path / expression environment: "state", "result"
// and every completed method's result under its own name.
func (c Context) env() map[string]any {
	env := make(map[string]any, len(c.Completed)+2)
	for name, res := range c.Completed {
		env[name] = res
	}
	env["state"] = c.State
	env["result"] = c.Result
	return env
}

// Config describes a Router. Zero values select the defaults.
type Config struct {
	// CacheEnabled turns on memoization of evaluation results per
	// (ownerID, serialized context) key.
	CacheEnabled bool

	// CacheTTL ages out memoized results. Default 30s.
	CacheTTL time.Duration

	// ShortCircuit stops route selection at the first satisfied
	// candidate.
	ShortCircuit bool
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Second
	}
	return c
}

// Router evaluates conditions, memoizes results and keeps a prioritized
// route table. Safe for concurrent use across flow instances.
type Router struct {
	cfg Config

	cache *gocache.Cache

	mu     sync.Mutex
	routes map[string]*entry
	seq    int

	regexMu sync.Mutex
	regexes map[string]*regexp.Regexp
}

// New constructs a Router.
func New(cfg Config) *Router {
	cfg = cfg.withDefaults()
	return &Router{
		cfg:     cfg,
		cache:   gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		routes:  make(map[string]*entry),
		regexes: make(map[string]*regexp.Regexp),
	}
}

// Evaluate decides whether cond holds for ctx. Evaluation never caches;
// use EvaluateCached for memoized owners. A malformed leaf yields false
// plus the error.
func (r *Router) Evaluate(cond *api.Condition, ctx Context) (bool, error) {
	if cond == nil {
		return true, nil
	}
	return r.eval(cond, ctx, ctx.env())
}

// EvaluateCached is Evaluate with memoization per (ownerID, serialized
// context). Entries older than the TTL are recomputed. The cache must be
// invalidated (ClearCache) whenever the owning condition set changes.
func (r *Router) EvaluateCached(ownerID string, cond *api.Condition, ctx Context) (bool, error) {
	if !r.cfg.CacheEnabled {
		return r.Evaluate(cond, ctx)
	}
	key := cacheKey(ownerID, ctx)
	if v, ok := r.cache.Get(key); ok {
		return v.(bool), nil
	}
	res, err := r.Evaluate(cond, ctx)
	if err != nil {
		return res, err
	}
	r.cache.Set(key, res, r.cfg.CacheTTL)
	return res, nil
}

// ClearCache drops every memoized evaluation result.
func (r *Router) ClearCache() {
	r.cache.Flush()
}

func (r *Router) eval(cond *api.Condition, ctx Context, env map[string]any) (bool, error) {
	switch cond.Kind {
	case api.KindNamed:
		_, ok := ctx.Completed[cond.Method]
		return ok, nil

	case api.KindAll:
		for _, ch := range cond.Children {
			ok, err := r.eval(ch, ctx, env)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case api.KindAny:
		for _, ch := range cond.Children {
			ok, err := r.eval(ch, ctx, env)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case api.KindCompare:
		val, present := resolvePath(env, cond.Path)
		return r.compare(cond.Op, val, present, cond.Value)

	case api.KindPredicate:
		var val any
		if cond.Path != "" {
			val, _ = resolvePath(env, cond.Path)
		}
		return cond.Fn(val, ctx.State), nil

	case api.KindExpr:
		prog := cond.Program()
		if prog == nil {
			// Unvalidated condition (e.g. built ad hoc in tests); compile
			// on the fly.
			p, err := expr.Compile(cond.Code, expr.AllowUndefinedVariables())
			if err != nil {
				return false, fmt.Errorf("expr compile: %w", err)
			}
			prog = p
		}
		out, err := expr.Run(prog, env)
		if err != nil {
			return false, fmt.Errorf("expr run: %w", err)
		}
		b, ok := out.(bool)
		if !ok {
			return false, fmt.Errorf("expr %q returned %T, want bool", cond.Code, out)
		}
		return b, nil

	default:
		return false, fmt.Errorf("unknown condition kind %q", cond.Kind)
	}
}

// resolvePath walks a dotted path over the evaluation environment.
// Missing segments report present=false rather than an error.
func resolvePath(env map[string]any, path string) (any, bool) {
	c := gabs.Wrap(env)
	if !c.ExistsP(path) {
		return nil, false
	}
	return c.Path(path).Data(), true
}

// compare applies op to the resolved value. An absent value never matches
// eq/gt/lt/contains; ne and not_contains hold vacuously.
func (r *Router) compare(op api.CompareOp, val any, present bool, want any) (bool, error) {
	if !present {
		return op == api.OpNe || op == api.OpNotContains, nil
	}
	switch op {
	case api.OpEq:
		return looseEqual(val, want), nil
	case api.OpNe:
		return !looseEqual(val, want), nil
	case api.OpGt:
		cmp, ok := looseCompare(val, want)
		return ok && cmp > 0, nil
	case api.OpLt:
		cmp, ok := looseCompare(val, want)
		return ok && cmp < 0, nil
	case api.OpContains:
		return contains(val, want), nil
	case api.OpNotContains:
		return !contains(val, want), nil
	case api.OpRegex:
		pat, ok := want.(string)
		if !ok {
			return false, fmt.Errorf("regex operand must be a string, got %T", want)
		}
		re, err := r.compiledRegex(pat)
		if err != nil {
			return false, err
		}
		s, ok := val.(string)
		if !ok {
			s = fmt.Sprint(val)
		}
		return re.MatchString(s), nil
	default:
		return false, fmt.Errorf("unknown compare operator %q", op)
	}
}

func (r *Router) compiledRegex(pattern string) (*regexp.Regexp, error) {
	r.regexMu.Lock()
	defer r.regexMu.Unlock()
	if re, ok := r.regexes[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	r.regexes[pattern] = re
	return re, nil
}

// cacheKey hashes the serialized evaluation context under the owner's
// namespace. Serialization is JSON with a fmt fallback for values JSON
// cannot express.
func cacheKey(ownerID string, ctx Context) string {
	env := ctx.env()
	data, err := json.Marshal(env)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", env))
	}
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%s:%x", ownerID, h.Sum64())
}
