package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"shellcache/internal/engine"
)

// Backend names accepted by New.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	// Path is the data directory. The memory backend keeps its journal at
	// Path/journal.log, badger uses Path/badger, sqlite uses Path/stores.db.
	// An empty Path makes every backend non-persistent.
	Path    string
	Journal engine.CommitLogCfg
}

// New opens the configured backend.
func New(ctx context.Context, opts Options) (Registry, error) {
	switch opts.Backend {
	case BackendMemory, "":
		j := opts.Journal
		if opts.Path != "" {
			if err := os.MkdirAll(opts.Path, 0o755); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
			j.Path = filepath.Join(opts.Path, "journal.log")
		} else {
			j.Path = ""
		}
		return NewMemory(ctx, MemoryOptions{Journal: j})
	case BackendBadger:
		if opts.Path == "" {
			return NewBadger(BadgerOptions{InMemory: true})
		}
		return NewBadger(BadgerOptions{Path: filepath.Join(opts.Path, "badger")})
	case BackendSQLite:
		p := ":memory:"
		if opts.Path != "" {
			p = filepath.Join(opts.Path, "stores.db")
		}
		return NewSQLite(ctx, SQLiteOptions{Path: p})
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
