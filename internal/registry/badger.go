package registry

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	badgerdb "github.com/dgraph-io/badger/v4"

	"shellcache/internal/model"
)

// BadgerOptions configures the badger backend.
type BadgerOptions struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
}

// Badger persists stores in a badger database.
//
// Key layout:
//
//	n                  next creation sequence (uint64)
//	s/<id>             store metadata: creation sequence (uint64)
//	e/<id>\x00<key>    encoded response for request key
type Badger struct {
	db     *badgerdb.DB
	closed atomic.Bool
}

var _ Registry = (*Badger)(nil)

const maxConflictRetries = 8

// NewBadger opens (or creates) the badger database.
func NewBadger(opts BadgerOptions) (*Badger, error) {
	var bopts badgerdb.Options
	if opts.InMemory {
		bopts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, errors.New("badger: path is required")
		}
		bopts = badgerdb.DefaultOptions(opts.Path)
	}
	db, err := badgerdb.Open(bopts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}
	return &Badger{db: db}, nil
}

func keyCounter() []byte { return []byte("n") }

func keyStore(id StoreID) []byte { return append([]byte("s/"), id...) }

func keyEntryPrefix(id StoreID) []byte {
	k := append([]byte("e/"), id...)
	return append(k, 0)
}

func keyEntry(id StoreID, reqKey string) []byte {
	return append(keyEntryPrefix(id), reqKey...)
}

func (b *Badger) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}
	return nil
}

// update retries fn on transaction conflicts.
func (b *Badger) update(fn func(txn *badgerdb.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}
	}
	return err
}

// ensureStore writes store metadata if the store does not exist yet.
func ensureStore(txn *badgerdb.Txn, id StoreID) error {
	_, err := txn.Get(keyStore(id))
	if err == nil {
		return nil
	}
	if !errors.Is(err, badgerdb.ErrKeyNotFound) {
		return err
	}

	var next uint64
	item, err := txn.Get(keyCounter())
	switch {
	case errors.Is(err, badgerdb.ErrKeyNotFound):
	case err != nil:
		return err
	default:
		if err := item.Value(func(val []byte) error {
			next = binary.BigEndian.Uint64(val)
			return nil
		}); err != nil {
			return err
		}
	}

	if err := txn.Set(keyStore(id), binary.BigEndian.AppendUint64(nil, next)); err != nil {
		return err
	}
	return txn.Set(keyCounter(), binary.BigEndian.AppendUint64(nil, next+1))
}

func (b *Badger) Open(ctx context.Context, id StoreID) (Handle, error) {
	if err := b.check(ctx); err != nil {
		return Handle{}, err
	}
	if err := b.update(func(txn *badgerdb.Txn) error {
		return ensureStore(txn, id)
	}); err != nil {
		return Handle{}, fmt.Errorf("badger: open store %s: %w", id, err)
	}
	return Handle{ID: id}, nil
}

func (b *Badger) Put(ctx context.Context, h Handle, req model.Request, resp model.Response) error {
	return b.PutAll(ctx, h, []Entry{{Request: req, Response: resp}})
}

func (b *Badger) PutAll(ctx context.Context, h Handle, entries []Entry) error {
	if err := b.check(ctx); err != nil {
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

	err := b.update(func(txn *badgerdb.Txn) error {
		if err := ensureStore(txn, h.ID); err != nil {
			return err
		}
		for i, e := range entries {
			if err := txn.Set(keyEntry(h.ID, e.Request.Key()), encoded[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger: put into %s: %w", h.ID, err)
	}
	return nil
}

func (b *Badger) Update(ctx context.Context, h Handle, req model.Request, resp model.Response) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	if err := checkStorable(req, resp); err != nil {
		return err
	}
	v, err := encodeResponse(resp)
	if err != nil {
		return err
	}

	// Reading the metadata key makes a concurrent Delete of it a conflict.
	err = b.update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(keyStore(h.ID)); err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return ErrStoreNotFound
			}
			return err
		}
		return txn.Set(keyEntry(h.ID, req.Key()), v)
	})
	if err != nil {
		return fmt.Errorf("badger: update %s: %w", h.ID, err)
	}
	return nil
}

func (b *Badger) Match(ctx context.Context, req model.Request, ids ...StoreID) (model.Response, bool, error) {
	if err := b.check(ctx); err != nil {
		return model.Response{}, false, err
	}
	if !matchable(req) {
		return model.Response{}, false, nil
	}
	if len(ids) == 0 {
		all, err := b.Keys(ctx)
		if err != nil {
			return model.Response{}, false, err
		}
		ids = all
	}

	var (
		found model.Response
		hit   bool
	)
	err := b.db.View(func(txn *badgerdb.Txn) error {
		for _, id := range ids {
			item, err := txn.Get(keyEntry(id, req.Key()))
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				resp, err := decodeResponse(val)
				if err != nil {
					return err
				}
				found, hit = resp, true
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return model.Response{}, false, fmt.Errorf("badger: match: %w", err)
	}
	return found, hit, nil
}

func (b *Badger) Keys(ctx context.Context) ([]StoreID, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	type storeSeq struct {
		id  StoreID
		seq uint64
	}
	var stores []storeSeq

	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte("s/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id := StoreID(item.Key()[len("s/"):])
			if err := item.Value(func(val []byte) error {
				stores = append(stores, storeSeq{id: id, seq: binary.BigEndian.Uint64(val)})
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: list stores: %w", err)
	}

	sort.Slice(stores, func(i, j int) bool { return stores[i].seq < stores[j].seq })
	ids := make([]StoreID, len(stores))
	for i, s := range stores {
		ids[i] = s.id
	}
	return ids, nil
}

func (b *Badger) Delete(ctx context.Context, id StoreID) (bool, error) {
	if err := b.check(ctx); err != nil {
		return false, err
	}
	// The metadata goes first. A racing Update then fails, and a racing Put
	// leaves a registered store rather than orphan entries.
	var exists bool
	if err := b.update(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(keyStore(id))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			exists = false
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return txn.Delete(keyStore(id))
	}); err != nil {
		return false, fmt.Errorf("badger: delete %s: %w", id, err)
	}
	if !exists {
		return false, nil
	}
	if err := b.db.DropPrefix(keyEntryPrefix(id)); err != nil {
		return false, fmt.Errorf("badger: drop entries of %s: %w", id, err)
	}
	return true, nil
}

func (b *Badger) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
