package registry

import (
	"context"
	"fmt"
	"sync"

	"shellcache/internal/engine"
	"shellcache/internal/logger"
	"shellcache/internal/model"
)

// MemoryOptions configures the in-memory backend. With an empty
// Journal.Path nothing survives a restart.
type MemoryOptions struct {
	Journal engine.CommitLogCfg
}

// Memory keeps stores in maps and, when journaled, appends every mutation to
// the commit log before applying it so a restart can replay them.
type Memory struct {
	mu      sync.RWMutex
	stores  map[StoreID]map[string]model.Response
	order   []StoreID
	closed  bool
	journal *engine.CommitLogManager
	stop    func()
}

var _ Registry = (*Memory)(nil)

// NewMemory builds the memory backend, replaying the journal if one is configured.
func NewMemory(ctx context.Context, opts MemoryOptions) (*Memory, error) {
	m := &Memory{stores: make(map[StoreID]map[string]model.Response)}
	if opts.Journal.Path == "" {
		return m, nil
	}

	replayed := engine.LoadFile(opts.Journal.Path)
	for _, mut := range replayed {
		if err := m.apply(mut); err != nil {
			logger.Warn("skipping journal record", "sequence", mut.Sequence, logger.KeyError, err)
		}
	}
	logger.Info("replayed store journal", logger.KeyCount, len(replayed), "stores", len(m.order))

	mgr, cancel, err := engine.NewCommitLogManager(context.WithoutCancel(ctx), opts.Journal)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	m.journal = mgr
	m.stop = func() {
		cancel()
		<-mgr.Done()
	}
	return m, nil
}

func (m *Memory) apply(mut model.Mutation) error {
	id := StoreID(mut.Store)
	switch mut.Op {
	case model.OPEN:
		m.ensure(id)
	case model.PUT:
		resp, err := decodeResponse(mut.Value)
		if err != nil {
			return err
		}
		m.ensure(id)[string(mut.Key)] = resp
	case model.DROP:
		m.drop(id)
	default:
		return fmt.Errorf("unknown op %v", mut.Op)
	}
	return nil
}

func (m *Memory) ensure(id StoreID) map[string]model.Response {
	s, ok := m.stores[id]
	if !ok {
		s = make(map[string]model.Response)
		m.stores[id] = s
		m.order = append(m.order, id)
	}
	return s
}

func (m *Memory) drop(id StoreID) bool {
	if _, ok := m.stores[id]; !ok {
		return false
	}
	delete(m.stores, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

func (m *Memory) record(muts ...model.Mutation) error {
	if m.journal == nil {
		return nil
	}
	if err := m.journal.AppendBatch(muts); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	return nil
}

func (m *Memory) Open(ctx context.Context, id StoreID) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Handle{}, ErrClosed
	}
	if _, ok := m.stores[id]; !ok {
		if err := m.record(model.Mutation{Op: model.OPEN, Store: string(id)}); err != nil {
			return Handle{}, err
		}
		m.ensure(id)
	}
	return Handle{ID: id}, nil
}

func (m *Memory) Put(ctx context.Context, h Handle, req model.Request, resp model.Response) error {
	return m.PutAll(ctx, h, []Entry{{Request: req, Response: resp}})
}

func (m *Memory) PutAll(ctx context.Context, h Handle, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	muts := make([]model.Mutation, 0, len(entries)+1)
	muts = append(muts, model.Mutation{Op: model.OPEN, Store: string(h.ID)})
	for _, e := range entries {
		if err := checkStorable(e.Request, e.Response); err != nil {
			return err
		}
		if m.journal == nil {
			continue
		}
		b, err := encodeResponse(e.Response)
		if err != nil {
			return err
		}
		muts = append(muts, model.Mutation{Op: model.PUT, Store: string(h.ID), Key: []byte(e.Request.Key()), Value: b})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.stores[h.ID]; ok {
		muts = muts[1:]
	}
	if err := m.record(muts...); err != nil {
		return err
	}
	s := m.ensure(h.ID)
	for _, e := range entries {
		s[e.Request.Key()] = e.Response.Clone()
	}
	return nil
}

func (m *Memory) Update(ctx context.Context, h Handle, req model.Request, resp model.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkStorable(req, resp); err != nil {
		return err
	}
	var value []byte
	if m.journal != nil {
		b, err := encodeResponse(resp)
		if err != nil {
			return err
		}
		value = b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	s, ok := m.stores[h.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, h.ID)
	}
	if err := m.record(model.Mutation{Op: model.PUT, Store: string(h.ID), Key: []byte(req.Key()), Value: value}); err != nil {
		return err
	}
	s[req.Key()] = resp.Clone()
	return nil
}

func (m *Memory) Match(ctx context.Context, req model.Request, ids ...StoreID) (model.Response, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Response{}, false, err
	}
	if !matchable(req) {
		return model.Response{}, false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return model.Response{}, false, ErrClosed
	}
	if len(ids) == 0 {
		ids = m.order
	}
	key := req.Key()
	for _, id := range ids {
		if resp, ok := m.stores[id][key]; ok {
			return resp.Clone(), true, nil
		}
	}
	return model.Response{}, false, nil
}

func (m *Memory) Keys(ctx context.Context) ([]StoreID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return append([]StoreID(nil), m.order...), nil
}

func (m *Memory) Delete(ctx context.Context, id StoreID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.stores[id]; !ok {
		return false, nil
	}
	if err := m.record(model.Mutation{Op: model.DROP, Store: string(id)}); err != nil {
		return false, err
	}
	return m.drop(id), nil
}

// Close flushes the journal. Further calls return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	if m.stop != nil {
		m.stop()
	}
	return nil
}
