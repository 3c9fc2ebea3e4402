package strategy

import (
	"context"
	"time"

	"shellcache/internal/classify"
	"shellcache/internal/fetch"
	"shellcache/internal/logger"
	"shellcache/internal/metrics"
	"shellcache/internal/model"
)

// ScopeSource reports the scope of the deployment currently controlling
// traffic. ok is false until a deployment has claimed it.
type ScopeSource interface {
	Scope() (scope Scope, ok bool)
}

// ScopeFunc adapts a function to ScopeSource.
type ScopeFunc func() (Scope, bool)

func (f ScopeFunc) Scope() (Scope, bool) { return f() }

// RouterConfig tunes the router.
type RouterConfig struct {
	// Classifier defaults to classify.Default().
	Classifier  *classify.Classifier
	FeedTimeout time.Duration
}

// Router classifies intercepted requests and hands each to its executor.
type Router struct {
	classifier *classify.Classifier
	executors  map[classify.Class]Executor
	scopes     ScopeSource
	deps       Deps
}

// NewRouter wires one executor per class.
func NewRouter(cfg RouterConfig, deps Deps, scopes ScopeSource) *Router {
	c := cfg.Classifier
	if c == nil {
		c = classify.Default()
	}
	return &Router{
		classifier: c,
		executors: map[classify.Class]Executor{
			classify.SpreadsheetFeed: &NetworkFirst{Deps: deps, Timeout: cfg.FeedTimeout},
			classify.Navigation:      &NavigateFallback{Deps: deps},
			classify.Generic:         &CacheFirst{Deps: deps},
		},
		scopes: scopes,
		deps:   deps,
	}
}

// Classify returns the routing class of req.
func (r *Router) Classify(req model.Request) classify.Class {
	return r.classifier.Classify(req)
}

// Dispatch runs the executor for class under the active scope. Without an
// active scope the request goes straight to the network, the way an
// uncontrolled client behaves.
func (r *Router) Dispatch(ctx context.Context, class classify.Class, req model.Request) model.Response {
	start := time.Now()
	ctx = logger.WithClass(ctx, class.String())

	var res Result
	scope, ok := r.scopes.Scope()
	exec, known := r.executors[class]
	switch {
	case !ok:
		res = r.passthrough(ctx, req)
	case !known:
		logger.WarnCtx(ctx, "no executor for request class, passing through", logger.KeyURL, req.URL())
		res = r.passthrough(ctx, req)
	default:
		res = exec.Execute(ctx, scope, req)
	}

	r.deps.Metrics.ObserveRequest(class.String(), res.Outcome, time.Since(start))
	logger.DebugCtx(ctx, "request resolved",
		logger.KeyMethod, req.Method(),
		logger.KeyURL, req.URL(),
		logger.KeyStatus, res.Response.Status,
		logger.KeyOutcome, res.Outcome,
		logger.KeyDuration, logger.Duration(start))
	return res.Response
}

// Handle classifies and dispatches req.
func (r *Router) Handle(ctx context.Context, req model.Request) model.Response {
	return r.Dispatch(ctx, r.Classify(req), req)
}

func (r *Router) passthrough(ctx context.Context, req model.Request) Result {
	fresh, err := r.deps.Fetcher.Fetch(ctx, req, fetch.Options{})
	if err == nil {
		var resp model.Response
		if resp, err = fresh.Take(); err == nil {
			return Result{Response: resp, Outcome: metrics.OutcomePassthrough}
		}
	}
	logger.DebugCtx(ctx, "uncontrolled request failed", logger.KeyURL, req.URL(), logger.KeyError, err)
	return Result{Response: model.Offline(), Outcome: metrics.OutcomeOffline}
}
