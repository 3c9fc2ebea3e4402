package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shellcache/internal/model"
)

func TestHTTPFetcherForwardsAndSetsNoStore(t *testing.T) {
	var gotCacheControl, gotAccept, gotMethod, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCacheControl = r.Header.Get("Cache-Control")
		gotAccept = r.Header.Get("Accept")
		gotMethod = r.Method
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("a,b\n"))
	}))
	defer srv.Close()

	h := http.Header{}
	h.Set("Accept", "text/csv")
	h.Set("Connection", "keep-alive")
	req := model.NewRequest(srv.URL+"/feed", http.MethodPost, model.ModeOther, h, []byte("q=1"))

	fresh, err := NewHTTPFetcher(srv.Client()).Fetch(context.Background(), req, Options{NoStore: true})
	require.NoError(t, err)
	resp, err := fresh.Take()
	require.NoError(t, err)

	assert.Equal(t, "no-store", gotCacheControl)
	assert.Equal(t, "text/csv", gotAccept)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "q=1", gotBody)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "a,b\n", string(resp.Body))
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
}

func TestHTTPFetcherServerErrorIsAResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	fresh, err := NewHTTPFetcher(nil).Fetch(context.Background(), model.Get(srv.URL, model.ModeOther), Options{})
	require.NoError(t, err)
	resp, err := fresh.Take()
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
}

func TestHTTPFetcherTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPFetcher(nil).Fetch(context.Background(), model.Get(url, model.ModeOther), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNetwork))
}

func delayed(d time.Duration, body string, calls *atomic.Int32, cancelled *atomic.Bool) Fetcher {
	return FetcherFunc(func(ctx context.Context, req model.Request, opts Options) (*model.Fresh, error) {
		calls.Add(1)
		select {
		case <-time.After(d):
			return model.FreshFrom(model.Response{Status: 200, Body: []byte(body)}), nil
		case <-ctx.Done():
			if cancelled != nil {
				cancelled.Store(true)
			}
			return nil, ctx.Err()
		}
	})
}

func TestRaceWithTimeoutNetworkWins(t *testing.T) {
	var calls atomic.Int32
	fresh, err := RaceWithTimeout(context.Background(), delayed(5*time.Millisecond, "fresh", &calls, nil),
		model.Get("https://x/", model.ModeOther), Options{}, time.Second)
	require.NoError(t, err)
	resp, err := fresh.Take()
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(resp.Body))
	assert.EqualValues(t, 1, calls.Load())
}

func TestRaceWithTimeoutTimerWinsAndCancels(t *testing.T) {
	var calls atomic.Int32
	var cancelled atomic.Bool
	start := time.Now()
	_, err := RaceWithTimeout(context.Background(), delayed(time.Second, "late", &calls, &cancelled),
		model.Get("https://x/", model.ModeOther), Options{}, 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.Eventually(t, cancelled.Load, time.Second, 5*time.Millisecond)
}

type trackedBody struct {
	io.Reader
	closed atomic.Bool
}

func (b *trackedBody) Close() error {
	b.closed.Store(true)
	return nil
}

func TestRaceWithTimeoutDiscardsLateResult(t *testing.T) {
	body := &trackedBody{Reader: strings.NewReader("late")}
	f := FetcherFunc(func(ctx context.Context, req model.Request, opts Options) (*model.Fresh, error) {
		// Ignores cancellation, like a transport that cannot be interrupted.
		time.Sleep(60 * time.Millisecond)
		return model.NewFresh(200, "", nil, body), nil
	})

	_, err := RaceWithTimeout(context.Background(), f, model.Get("https://x/", model.ModeOther), Options{}, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	assert.Eventually(t, body.closed.Load, time.Second, 5*time.Millisecond)
}

func TestRaceWithTimeoutPropagatesFetchError(t *testing.T) {
	f := FetcherFunc(func(ctx context.Context, req model.Request, opts Options) (*model.Fresh, error) {
		return nil, ErrNetwork
	})
	_, err := RaceWithTimeout(context.Background(), f, model.Get("https://x/", model.ModeOther), Options{}, time.Second)
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestRaceWithTimeoutParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls atomic.Int32
	_, err := RaceWithTimeout(ctx, delayed(time.Second, "x", &calls, nil), model.Get("https://x/", model.ModeOther), Options{}, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
