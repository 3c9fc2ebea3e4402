package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "modernc.org/sqlite" // register sqlite driver

	"shellcache/internal/logger"
	"shellcache/internal/model"
)

// SQLiteOptions configures the sqlite backend. Path ":memory:" keeps the
// database in memory.
type SQLiteOptions struct {
	Path string
}

// SQLite persists stores in a sqlite database file.
type SQLite struct {
	db     *sql.DB
	closed atomic.Bool
}

var _ Registry = (*SQLite)(nil)

// NewSQLite opens the database and applies the schema.
func NewSQLite(ctx context.Context, opts SQLiteOptions) (*SQLite, error) {
	if opts.Path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	if opts.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	var mode string
	if err := db.QueryRowContext(ctx, `PRAGMA journal_mode=WAL;`).Scan(&mode); err != nil {
		logger.Warn("sqlite: WAL journal mode not enabled", "path", opts.Path, logger.KeyError, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ensureSQLiteStore(ctx context.Context, db execer, id StoreID) error {
	_, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO stores(id) VALUES (?)`, string(id))
	return err
}

func (s *SQLite) Open(ctx context.Context, id StoreID) (Handle, error) {
	if err := s.check(ctx); err != nil {
		return Handle{}, err
	}
	if err := ensureSQLiteStore(ctx, s.db, id); err != nil {
		return Handle{}, fmt.Errorf("sqlite: open store %s: %w", id, err)
	}
	return Handle{ID: id}, nil
}

func (s *SQLite) Put(ctx context.Context, h Handle, req model.Request, resp model.Response) error {
	return s.PutAll(ctx, h, []Entry{{Request: req, Response: resp}})
}

func (s *SQLite) PutAll(ctx context.Context, h Handle, entries []Entry) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	encoded := make([][]byte, len(entries))
	for i, e := range entries {
		if err := checkStorable(e.Request, e.Response); err != nil {
			return err
		}
		v, err := encodeResponse(e.Response)
		if err != nil {
			return err
		}
		encoded[i] = v
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureSQLiteStore(ctx, tx, h.ID); err != nil {
		return fmt.Errorf("sqlite: put into %s: %w", h.ID, err)
	}
	for i, e := range entries {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO entries(store_id, req_key, response, updated_at)
VALUES (?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(store_id, req_key) DO UPDATE SET response=excluded.response, updated_at=excluded.updated_at
`, string(h.ID), e.Request.Key(), encoded[i]); err != nil {
			return fmt.Errorf("sqlite: put into %s: %w", h.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (s *SQLite) Update(ctx context.Context, h Handle, req model.Request, resp model.Response) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := checkStorable(req, resp); err != nil {
		return err
	}
	v, err := encodeResponse(resp)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO entries(store_id, req_key, response, updated_at)
SELECT ?, ?, ?, CURRENT_TIMESTAMP WHERE EXISTS (SELECT 1 FROM stores WHERE id = ?)
ON CONFLICT(store_id, req_key) DO UPDATE SET response=excluded.response, updated_at=excluded.updated_at
`, string(h.ID), req.Key(), v, string(h.ID))
	if err != nil {
		return fmt.Errorf("sqlite: update %s: %w", h.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update %s: %w", h.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: update %s: %w", h.ID, ErrStoreNotFound)
	}
	return nil
}

func (s *SQLite) Match(ctx context.Context, req model.Request, ids ...StoreID) (model.Response, bool, error) {
	if err := s.check(ctx); err != nil {
		return model.Response{}, false, err
	}
	if !matchable(req) {
		return model.Response{}, false, nil
	}

	var raw []byte
	if len(ids) == 0 {
		err := s.db.QueryRowContext(ctx, `
SELECT e.response FROM entries e JOIN stores s ON s.id = e.store_id
WHERE e.req_key = ?
ORDER BY s.seq
LIMIT 1`, req.Key()).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return model.Response{}, false, nil
		}
		if err != nil {
			return model.Response{}, false, fmt.Errorf("sqlite: match: %w", err)
		}
	} else {
		for _, id := range ids {
			err := s.db.QueryRowContext(ctx, `SELECT response FROM entries WHERE store_id = ? AND req_key = ?`,
				string(id), req.Key()).Scan(&raw)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return model.Response{}, false, fmt.Errorf("sqlite: match: %w", err)
			}
			break
		}
		if raw == nil {
			return model.Response{}, false, nil
		}
	}

	resp, err := decodeResponse(raw)
	if err != nil {
		return model.Response{}, false, err
	}
	return resp, true, nil
}

func (s *SQLite) Keys(ctx context.Context) ([]StoreID, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM stores ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list stores: %w", err)
	}
	defer rows.Close()

	var out []StoreID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, StoreID(id))
	}
	return out, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, id StoreID) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE store_id = ?`, string(id)); err != nil {
		return false, fmt.Errorf("sqlite: delete %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM stores WHERE id = ?`, string(id))
	if err != nil {
		return false, fmt.Errorf("sqlite: delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("sqlite: commit: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
