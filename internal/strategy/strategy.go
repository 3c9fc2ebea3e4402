// Package strategy resolves classified requests to responses. Every executor
// returns a response; failures are absorbed into cache hits or synthesized
// fallbacks and never reach the caller as errors.
package strategy

import (
	"context"
	"errors"
	"time"

	"shellcache/internal/fetch"
	"shellcache/internal/logger"
	"shellcache/internal/metrics"
	"shellcache/internal/model"
	"shellcache/internal/registry"
)

// DefaultFeedTimeout bounds the network attempt for feed requests.
const DefaultFeedTimeout = 5 * time.Second

// Scope is what executors need to know about the active deployment.
type Scope struct {
	Version string
	Static  registry.StoreID
	Dynamic registry.StoreID
	// RootDocument is the absolute URL of the app's root document, served
	// for navigations that miss every store while offline.
	RootDocument string
}

// Result is a response plus where it came from (one of the metrics.Outcome values).
type Result struct {
	Response model.Response
	Outcome  string
}

// Executor resolves one request.
type Executor interface {
	Execute(ctx context.Context, scope Scope, req model.Request) Result
}

// Deps are the collaborators shared by all executors.
type Deps struct {
	Registry registry.Registry
	Fetcher  fetch.Fetcher
	Metrics  *metrics.Metrics
}

// persist writes resp into store id. It outlives the caller's context so a
// client that goes away does not cut a write short. The store must exist:
// stores are created by the lifecycle, and a request still running under a
// retired version must not bring its deleted store back. Failures are logged
// and counted only.
func (d Deps) persist(ctx context.Context, role registry.Role, id registry.StoreID, req model.Request, resp model.Response) {
	err := d.Registry.Update(context.WithoutCancel(ctx), registry.Handle{ID: id}, req, resp)
	d.Metrics.ObserveStoreWrite(string(role), err)
	if err != nil {
		lvl := logger.WarnCtx
		if errors.Is(err, registry.ErrUnsupportedRequest) ||
			errors.Is(err, registry.ErrPartialResponse) ||
			errors.Is(err, registry.ErrStoreNotFound) {
			lvl = logger.DebugCtx
		}
		lvl(ctx, "store write skipped", logger.KeyStore, id, logger.KeyURL, req.URL(), logger.KeyError, err)
	}
}

// match treats lookup errors as misses.
func (d Deps) match(ctx context.Context, req model.Request, ids ...registry.StoreID) (model.Response, bool) {
	resp, ok, err := d.Registry.Match(ctx, req, ids...)
	if err != nil {
		logger.WarnCtx(ctx, "store lookup failed", logger.KeyURL, req.URL(), logger.KeyError, err)
		return model.Response{}, false
	}
	return resp, ok
}

// fetchAndSplit turns a network result into two independent copies.
func fetchAndSplit(fresh *model.Fresh, err error) (stored, returned model.Response, ferr error) {
	if err != nil {
		return model.Response{}, model.Response{}, err
	}
	stored, returned, err = fresh.Split()
	if err != nil {
		return model.Response{}, model.Response{}, errors.Join(fetch.ErrNetwork, err)
	}
	return stored, returned, nil
}

// NetworkFirst serves feed requests: network with a deadline, then the
// dynamic store, then a synthesized CSV.
type NetworkFirst struct {
	Deps
	Timeout time.Duration
}

func (e *NetworkFirst) Execute(ctx context.Context, scope Scope, req model.Request) Result {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultFeedTimeout
	}
	fresh, err := fetch.RaceWithTimeout(ctx, e.Fetcher, req, fetch.Options{NoStore: true}, timeout)
	stored, out, err := fetchAndSplit(fresh, err)
	if err == nil {
		e.persist(ctx, registry.RoleDynamic, scope.Dynamic, req, stored)
		return Result{Response: out, Outcome: metrics.OutcomeNetwork}
	}

	logger.DebugCtx(ctx, "feed network attempt failed", logger.KeyURL, req.URL(), logger.KeyError, err)
	if cached, ok := e.match(ctx, req, scope.Dynamic); ok {
		return Result{Response: cached, Outcome: metrics.OutcomeCache}
	}
	return Result{Response: model.FeedFallback(), Outcome: metrics.OutcomeFallback}
}

// NavigateFallback serves page navigations: network, then any store, then
// the cached root document.
type NavigateFallback struct {
	Deps
}

func (e *NavigateFallback) Execute(ctx context.Context, scope Scope, req model.Request) Result {
	fresh, err := e.Fetcher.Fetch(ctx, req, fetch.Options{NoStore: true})
	stored, out, err := fetchAndSplit(fresh, err)
	if err == nil {
		e.persist(ctx, registry.RoleStatic, scope.Static, req, stored)
		return Result{Response: out, Outcome: metrics.OutcomeNetwork}
	}

	logger.DebugCtx(ctx, "navigation network attempt failed", logger.KeyURL, req.URL(), logger.KeyError, err)
	if cached, ok := e.match(ctx, req); ok {
		return Result{Response: cached, Outcome: metrics.OutcomeCache}
	}
	if scope.RootDocument != "" {
		if root, ok := e.match(ctx, model.Get(scope.RootDocument, model.ModeOther)); ok {
			return Result{Response: root, Outcome: metrics.OutcomeRootCache}
		}
	}
	logger.WarnCtx(ctx, "navigation unavailable offline and root document not cached", logger.KeyURL, req.URL())
	return Result{Response: model.Offline(), Outcome: metrics.OutcomeOffline}
}

// CacheFirst serves every other asset: any store, then the network.
type CacheFirst struct {
	Deps
}

func (e *CacheFirst) Execute(ctx context.Context, scope Scope, req model.Request) Result {
	if cached, ok := e.match(ctx, req); ok {
		return Result{Response: cached, Outcome: metrics.OutcomeCache}
	}

	fresh, err := e.Fetcher.Fetch(ctx, req, fetch.Options{})
	stored, out, err := fetchAndSplit(fresh, err)
	if err != nil {
		logger.DebugCtx(ctx, "asset unavailable", logger.KeyURL, req.URL(), logger.KeyError, err)
		return Result{Response: model.Offline(), Outcome: metrics.OutcomeOffline}
	}
	e.persist(ctx, registry.RoleStatic, scope.Static, req, stored)
	return Result{Response: out, Outcome: metrics.OutcomeNetwork}
}
