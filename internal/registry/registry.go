// Package registry owns the named response stores the proxy serves from.
//
// A store maps request identity (method + URL) to a response snapshot. Stores
// are identified by a StoreID derived from a role and a version tag, so a new
// deployment writes into fresh stores and the lifecycle controller can drop
// everything that does not belong to the current version.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"shellcache/internal/model"
)

var (
	// ErrUnsupportedRequest is returned when storing a request that is not a GET.
	ErrUnsupportedRequest = errors.New("only GET requests can be stored")
	// ErrPartialResponse is returned when storing a 206 response.
	ErrPartialResponse = errors.New("partial responses cannot be stored")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("registry closed")
	// ErrStoreNotFound is returned by Update when the store does not exist.
	ErrStoreNotFound = errors.New("store not found")
)

// StoreID names one store.
type StoreID string

// Role is the purpose of a store within a deployment.
type Role string

const (
	RoleStatic  Role = "static"
	RoleDynamic Role = "dynamic"
)

// Names derives store identifiers for one deployment.
type Names struct {
	Prefix  string
	Version string
}

// ID returns "{prefix}-{role}-{version}".
func (n Names) ID(role Role) StoreID {
	return StoreID(fmt.Sprintf("%s-%s-%s", n.Prefix, role, n.Version))
}

func (n Names) Static() StoreID  { return n.ID(RoleStatic) }
func (n Names) Dynamic() StoreID { return n.ID(RoleDynamic) }

// AllowSet is the set of stores that survive activation of this deployment.
func (n Names) AllowSet() map[StoreID]struct{} {
	return map[StoreID]struct{}{
		n.Static():  {},
		n.Dynamic(): {},
	}
}

// Handle refers to an opened store.
type Handle struct {
	ID StoreID
}

// Entry is one request/response pair for PutAll.
type Entry struct {
	Request  model.Request
	Response model.Response
}

// Registry is the store registry contract shared by all backends. All
// methods are safe for concurrent use; concurrent puts to the same key
// resolve last-write-wins.
type Registry interface {
	// Open creates the store if needed and returns a handle to it.
	Open(ctx context.Context, id StoreID) (Handle, error)
	// Put stores resp under req's key, replacing any existing entry.
	Put(ctx context.Context, h Handle, req model.Request, resp model.Response) error
	// Update is Put for a store that must already exist. It never creates
	// the store, so a write racing with Delete cannot bring it back.
	Update(ctx context.Context, h Handle, req model.Request, resp model.Response) error
	// PutAll stores every entry or none of them.
	PutAll(ctx context.Context, h Handle, entries []Entry) error
	// Match looks req up in the given stores, or in every store in creation
	// order when ids is empty. The bool is false on a miss.
	Match(ctx context.Context, req model.Request, ids ...StoreID) (model.Response, bool, error)
	// Keys lists store ids in creation order.
	Keys(ctx context.Context) ([]StoreID, error)
	// Delete removes a store and its entries. It reports whether the store existed.
	Delete(ctx context.Context, id StoreID) (bool, error)
	Close() error
}

// checkStorable enforces the rules shared by every backend's Put.
func checkStorable(req model.Request, resp model.Response) error {
	if req.Method() != http.MethodGet {
		return fmt.Errorf("%w: %s %s", ErrUnsupportedRequest, req.Method(), req.URL())
	}
	if resp.Status == http.StatusPartialContent {
		return fmt.Errorf("%w: %s", ErrPartialResponse, req.URL())
	}
	return nil
}

// matchable reports whether req can ever hit a store.
func matchable(req model.Request) bool {
	return req.Method() == http.MethodGet
}
