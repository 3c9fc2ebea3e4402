// Package lifecycle installs and activates deployments.
//
// A Controller owns one version of the app: Install pre-populates the static
// store with the core assets, Activate removes every store that does not
// belong to that version and then claims traffic. The Host plays the role of
// the platform, serializing deployments and exposing the active controller to
// the request router.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"shellcache/internal/fetch"
	"shellcache/internal/logger"
	"shellcache/internal/model"
	"shellcache/internal/registry"
	"shellcache/internal/strategy"
)

// State is a controller's position in its lifecycle.
type State int32

const (
	StateNew State = iota
	StateInstalling
	StateWaiting
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrInstall matches every *InstallError.
	ErrInstall = errors.New("install failed")
	// ErrInvalidState is returned when an operation is not allowed in the
	// controller's current state.
	ErrInvalidState = errors.New("invalid lifecycle state")
	// ErrNoWaiting is returned by Host.ActivateWaiting when nothing is waiting.
	ErrNoWaiting = errors.New("no waiting deployment")
	// ErrNotInstalled is returned by Host.Resume when a core asset is missing
	// from the deployment's static store.
	ErrNotInstalled = errors.New("deployment not installed")
)

// AssetError is one core asset that could not be installed.
type AssetError struct {
	URL string
	Err error
}

func (e AssetError) Error() string { return e.URL + ": " + e.Err.Error() }

// InstallError lists every core asset that failed during an install.
type InstallError struct {
	Version string
	Assets  []AssetError
	// Err is set when the install failed before or after fetching, e.g. a
	// store write.
	Err error
}

func (e *InstallError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "install %s", e.Version)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if len(e.Assets) > 0 {
		fmt.Fprintf(&b, ": %d core asset(s) unavailable:", len(e.Assets))
		for _, a := range e.Assets {
			b.WriteString(" ")
			b.WriteString(a.Error())
			b.WriteString(";")
		}
	}
	return b.String()
}

func (e *InstallError) Is(target error) bool { return target == ErrInstall }

func (e *InstallError) Unwrap() []error {
	errs := make([]error, 0, len(e.Assets)+1)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	for _, a := range e.Assets {
		errs = append(errs, a.Err)
	}
	return errs
}

// Deployment is everything a controller needs to know about its version.
// URLs are absolute.
type Deployment struct {
	Names        registry.Names
	CoreAssets   []string
	RootDocument string
	SkipWaiting  bool
}

// Report is the outcome of the store cleanup run during activation.
type Report struct {
	Kept    []registry.StoreID
	Deleted []registry.StoreID
	Failed  map[registry.StoreID]error
}

// Claimer takes over traffic for an activated controller.
type Claimer interface {
	Claim(ctx context.Context, c *Controller) error
}

// DefaultInstallConcurrency bounds parallel core asset fetches.
const DefaultInstallConcurrency = 4

// Controller drives one deployment through install and activation.
type Controller struct {
	dep         Deployment
	deps        strategy.Deps
	concurrency int

	mu     sync.Mutex
	state  State
	report Report
}

// NewController returns a controller in StateNew.
func NewController(dep Deployment, deps strategy.Deps) *Controller {
	return &Controller{dep: dep, deps: deps, concurrency: DefaultInstallConcurrency}
}

// Version is the deployment's version tag.
func (c *Controller) Version() string { return c.dep.Names.Version }

// SkipWaiting reports whether the controller asks to activate without
// waiting for the previous version's clients to go away.
func (c *Controller) SkipWaiting() bool { return c.dep.SkipWaiting }

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Report returns the cleanup report of the last activation.
func (c *Controller) Report() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report
}

// Scope is what the strategy executors use while this controller is active.
func (c *Controller) Scope() strategy.Scope {
	return strategy.Scope{
		Version:      c.dep.Names.Version,
		Static:       c.dep.Names.Static(),
		Dynamic:      c.dep.Names.Dynamic(),
		RootDocument: c.dep.RootDocument,
	}
}

func (c *Controller) ctx(ctx context.Context) context.Context {
	lc := logger.FromContext(ctx)
	if lc == nil {
		lc = &logger.LogContext{}
	} else {
		cp := *lc
		lc = &cp
	}
	lc.Version = c.dep.Names.Version
	return logger.WithContext(ctx, lc)
}

// transition moves to next if the current state is one of from.
func (c *Controller) transition(ctx context.Context, next State, from ...State) error {
	c.mu.Lock()
	cur := c.state
	allowed := len(from) == 0
	for _, s := range from {
		if cur == s {
			allowed = true
			break
		}
	}
	if !allowed {
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot enter %s from %s", ErrInvalidState, next, cur)
	}
	c.state = next
	c.mu.Unlock()

	c.deps.Metrics.ObserveTransition(next.String())
	logger.InfoCtx(ctx, "lifecycle transition", "from", cur.String(), logger.KeyState, next.String())
	return nil
}

// Install writes every core asset into the static store, all or nothing.
// It may be retried after a failure.
func (c *Controller) Install(ctx context.Context) error {
	ctx = c.ctx(ctx)
	if err := c.transition(ctx, StateInstalling, StateNew, StateRedundant); err != nil {
		return err
	}

	err := c.install(ctx)
	c.deps.Metrics.ObserveInstall(err)
	if err != nil {
		logger.WarnCtx(ctx, "install failed", logger.KeyError, err)
		_ = c.transition(ctx, StateRedundant)
		return err
	}
	return c.transition(ctx, StateWaiting, StateInstalling)
}

func (c *Controller) install(ctx context.Context) error {
	static := c.dep.Names.Static()
	h, err := c.deps.Registry.Open(ctx, static)
	if err != nil {
		return &InstallError{Version: c.Version(), Err: fmt.Errorf("open %s: %w", static, err)}
	}

	entries := make([]registry.Entry, len(c.dep.CoreAssets))
	var (
		mu       sync.Mutex
		failures []AssetError
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, url := range c.dep.CoreAssets {
		g.Go(func() error {
			req := model.Get(url, model.ModeOther)
			resp, err := c.fetchAsset(gctx, req)
			if err != nil {
				mu.Lock()
				failures = append(failures, AssetError{URL: url, Err: err})
				mu.Unlock()
				return nil
			}
			entries[i] = registry.Entry{Request: req, Response: resp}
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		return &InstallError{Version: c.Version(), Assets: failures}
	}
	if err := c.deps.Registry.PutAll(ctx, h, entries); err != nil {
		return &InstallError{Version: c.Version(), Err: fmt.Errorf("write %s: %w", static, err)}
	}
	logger.InfoCtx(ctx, "core assets installed", logger.KeyStore, static, logger.KeyCount, len(entries))
	return nil
}

func (c *Controller) fetchAsset(ctx context.Context, req model.Request) (model.Response, error) {
	fresh, err := c.deps.Fetcher.Fetch(ctx, req, fetch.Options{})
	if err != nil {
		return model.Response{}, err
	}
	resp, err := fresh.Take()
	if err != nil {
		return model.Response{}, err
	}
	if !resp.OK() {
		return model.Response{}, fmt.Errorf("unexpected status %d", resp.Status)
	}
	if resp.Status == http.StatusPartialContent {
		return model.Response{}, registry.ErrPartialResponse
	}
	return resp, nil
}

// adopt moves a new controller straight to StateWaiting when a previous
// process already installed its core assets.
func (c *Controller) adopt(ctx context.Context) error {
	ctx = c.ctx(ctx)
	static := c.dep.Names.Static()
	for _, url := range c.dep.CoreAssets {
		_, ok, err := c.deps.Registry.Match(ctx, model.Get(url, model.ModeOther), static)
		if err != nil {
			return fmt.Errorf("look up %s: %w", url, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s missing from %s", ErrNotInstalled, url, static)
		}
	}
	return c.transition(ctx, StateWaiting, StateNew)
}

// Activate opens this deployment's stores, deletes every store outside its
// allow-set, then claims traffic. Deletions are independent; failures end up
// in the report.
func (c *Controller) Activate(ctx context.Context, claimer Claimer) (Report, error) {
	ctx = c.ctx(ctx)
	if err := c.transition(ctx, StateActivating, StateWaiting); err != nil {
		return Report{}, err
	}

	for _, id := range []registry.StoreID{c.dep.Names.Static(), c.dep.Names.Dynamic()} {
		if _, err := c.deps.Registry.Open(ctx, id); err != nil {
			_ = c.transition(ctx, StateWaiting)
			return Report{}, fmt.Errorf("open %s: %w", id, err)
		}
	}
	report, err := c.cleanup(ctx)
	if err != nil {
		_ = c.transition(ctx, StateWaiting)
		return Report{}, err
	}
	c.mu.Lock()
	c.report = report
	c.mu.Unlock()

	if claimer != nil {
		if err := claimer.Claim(ctx, c); err != nil {
			_ = c.transition(ctx, StateWaiting)
			return report, fmt.Errorf("claim: %w", err)
		}
	}
	if err := c.transition(ctx, StateActive, StateActivating); err != nil {
		return report, err
	}
	return report, nil
}

func (c *Controller) cleanup(ctx context.Context) (Report, error) {
	ids, err := c.deps.Registry.Keys(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list stores: %w", err)
	}

	allow := c.dep.Names.AllowSet()
	report := Report{Failed: make(map[registry.StoreID]error)}
	var stale []registry.StoreID
	for _, id := range ids {
		if _, ok := allow[id]; ok {
			report.Kept = append(report.Kept, id)
		} else {
			stale = append(stale, id)
		}
	}

	results := make([]error, len(stale))
	var g errgroup.Group
	for i, id := range stale {
		g.Go(func() error {
			_, err := c.deps.Registry.Delete(ctx, id)
			results[i] = err
			return nil
		})
	}
	_ = g.Wait()

	for i, id := range stale {
		err := results[i]
		c.deps.Metrics.ObserveDeletion(err)
		if err != nil {
			report.Failed[id] = err
			logger.WarnCtx(ctx, "stale store not deleted", logger.KeyStore, id, logger.KeyError, err)
			continue
		}
		report.Deleted = append(report.Deleted, id)
		logger.InfoCtx(ctx, "stale store deleted", logger.KeyStore, id)
	}
	return report, nil
}

// retire marks a superseded controller redundant.
func (c *Controller) retire(ctx context.Context) {
	_ = c.transition(c.ctx(ctx), StateRedundant)
}
