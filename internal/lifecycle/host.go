package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"shellcache/internal/logger"
	"shellcache/internal/registry"
	"shellcache/internal/strategy"
)

// HostConfig is the install retry policy.
type HostConfig struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// Host serializes deployments and publishes the active controller.
type Host struct {
	cfg  HostConfig
	deps strategy.Deps

	mu      sync.Mutex // serializes Deploy and ActivateWaiting
	waiting *Controller
	active  atomic.Pointer[Controller]
}

var (
	_ Claimer              = (*Host)(nil)
	_ strategy.ScopeSource = (*Host)(nil)
)

// NewHost returns a host with no active deployment.
func NewHost(cfg HostConfig, deps strategy.Deps) *Host {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Host{cfg: cfg, deps: deps}
}

// Deploy installs dep, retrying per the host's policy. The new controller is
// activated right away when it asks to skip waiting or nothing is active yet;
// otherwise it waits for ActivateWaiting.
func (h *Host) Deploy(ctx context.Context, dep Deployment) (*Controller, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := NewController(dep, h.deps)
	if err := h.install(ctx, c); err != nil {
		return c, err
	}

	if h.waiting != nil {
		h.waiting.retire(ctx)
		h.waiting = nil
	}
	if !dep.SkipWaiting && h.active.Load() != nil {
		h.waiting = c
		logger.Info("deployment waiting for activation", logger.KeyVersion, c.Version())
		return c, nil
	}
	if _, err := c.Activate(ctx, h); err != nil {
		return c, err
	}
	return c, nil
}

// Resume activates dep without installing it when its static store already
// holds every core asset, as left behind by an earlier process.
func (h *Host) Resume(ctx context.Context, dep Deployment) (*Controller, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := NewController(dep, h.deps)
	if err := c.adopt(ctx); err != nil {
		return nil, err
	}
	if _, err := c.Activate(ctx, h); err != nil {
		return nil, err
	}
	logger.Info("resumed installed deployment", logger.KeyVersion, c.Version())
	return c, nil
}

func (h *Host) install(ctx context.Context, c *Controller) error {
	var err error
	for attempt := 1; attempt <= h.cfg.MaxAttempts; attempt++ {
		if err = c.Install(ctx); err == nil {
			return nil
		}
		if !errors.Is(err, ErrInstall) || attempt == h.cfg.MaxAttempts {
			break
		}
		logger.Warn("retrying install",
			logger.KeyVersion, c.Version(),
			logger.KeyAttempt, attempt,
			logger.KeyError, err)
		select {
		case <-time.After(h.cfg.RetryDelay):
		case <-ctx.Done():
			return fmt.Errorf("install %s: %w", c.Version(), ctx.Err())
		}
	}
	return err
}

// ActivateWaiting activates the controller left waiting by Deploy.
func (h *Host) ActivateWaiting(ctx context.Context) (Report, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := h.waiting
	if c == nil {
		return Report{}, ErrNoWaiting
	}
	report, err := c.Activate(ctx, h)
	if err != nil {
		return report, err
	}
	h.waiting = nil
	return report, nil
}

// Claim makes c the controller serving requests and retires the previous one.
func (h *Host) Claim(ctx context.Context, c *Controller) error {
	prev := h.active.Swap(c)
	if prev != nil && prev != c {
		prev.retire(ctx)
	}
	logger.Info("deployment claimed traffic", logger.KeyVersion, c.Version())
	return nil
}

// Active returns the controller serving requests, or nil.
func (h *Host) Active() *Controller { return h.active.Load() }

// Waiting returns the installed controller awaiting activation, or nil.
func (h *Host) Waiting() *Controller {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waiting
}

// Scope implements strategy.ScopeSource.
func (h *Host) Scope() (strategy.Scope, bool) {
	c := h.active.Load()
	if c == nil {
		return strategy.Scope{}, false
	}
	return c.Scope(), true
}

// Snapshot describes one controller for the admin API.
type Snapshot struct {
	Version string             `json:"version"`
	State   string             `json:"state"`
	Static  registry.StoreID   `json:"static_store"`
	Dynamic registry.StoreID   `json:"dynamic_store"`
	Deleted []registry.StoreID `json:"deleted_stores,omitempty"`
}

// Status is the host's view of its deployments.
type Status struct {
	Active  *Snapshot `json:"active"`
	Waiting *Snapshot `json:"waiting"`
}

// Status reports the active and waiting deployments.
func (h *Host) Status() Status {
	return Status{Active: snapshot(h.Active()), Waiting: snapshot(h.Waiting())}
}

func snapshot(c *Controller) *Snapshot {
	if c == nil {
		return nil
	}
	return &Snapshot{
		Version: c.Version(),
		State:   c.State().String(),
		Static:  c.dep.Names.Static(),
		Dynamic: c.dep.Names.Dynamic(),
		Deleted: c.Report().Deleted,
	}
}
