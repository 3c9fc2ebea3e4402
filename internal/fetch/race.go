package fetch

import (
	"context"
	"fmt"
	"time"

	"shellcache/internal/model"
)

type result struct {
	fresh *model.Fresh
	err   error
}

// RaceWithTimeout runs the fetch against a timer and returns whichever
// finishes first. When the timer wins the fetch's context is cancelled and
// a late result is discarded, so nothing it produced reaches a store. On
// success the fetch context stays alive until the returned body is consumed.
func RaceWithTimeout(ctx context.Context, f Fetcher, req model.Request, opts Options, timeout time.Duration) (*model.Fresh, error) {
	fetchCtx, cancel := context.WithCancel(ctx)
	done := make(chan result, 1)

	go func() {
		fresh, err := f.Fetch(fetchCtx, req, opts)
		done <- result{fresh: fresh, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			cancel()
			return nil, r.err
		}
		r.fresh.AfterConsume(cancel)
		return r.fresh, nil
	case <-timer.C:
		cancel()
		go discardLate(done)
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		cancel()
		go discardLate(done)
		return nil, ctx.Err()
	}
}

func discardLate(done <-chan result) {
	r := <-done
	if r.fresh != nil {
		r.fresh.Discard()
	}
}
