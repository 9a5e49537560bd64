package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExchanger struct {
	calls   atomic.Int32
	release chan struct{}
	ttl     time.Duration
	now     func() time.Time

	mu  sync.Mutex
	err error
}

func (f *fakeExchanger) ExchangeToken(ctx context.Context) (Token, error) {
	n := f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return Token{}, err
	}
	return Token{Value: "tok-" + string(rune('0'+n)), ExpiresAt: f.now().Add(f.ttl)}, nil
}

func (f *fakeExchanger) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func TestTokenCache_ReusesFreshToken(t *testing.T) {
	ex := &fakeExchanger{ttl: time.Hour, now: time.Now}
	cache := NewTokenCache(ex, time.Minute)

	first, err := cache.Get(context.Background())
	require.NoError(t, err)
	second, err := cache.Get(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), ex.calls.Load())
}

func TestTokenCache_CollapsesConcurrentRefreshes(t *testing.T) {
	ex := &fakeExchanger{ttl: time.Hour, now: time.Now, release: make(chan struct{})}
	cache := NewTokenCache(ex, time.Minute)

	const callers = 50
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = cache.Get(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return ex.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(ex.release)
	wg.Wait()

	assert.Equal(t, int32(1), ex.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, tokens[0], tokens[i])
	}
}

func TestTokenCache_RefreshesInsideSafetyMargin(t *testing.T) {
	now := time.Date(2025, 11, 26, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ex := &fakeExchanger{ttl: 100 * time.Second, now: clock}
	cache := NewTokenCache(ex, 60*time.Second)
	cache.now = clock

	first, err := cache.Get(context.Background())
	require.NoError(t, err)

	now = now.Add(39 * time.Second)
	again, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, int32(1), ex.calls.Load())

	now = now.Add(2 * time.Second)
	refreshed, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, refreshed)
	assert.Equal(t, int32(2), ex.calls.Load())
}

func TestTokenCache_FailureKeepsPreviousToken(t *testing.T) {
	now := time.Date(2025, 11, 26, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ex := &fakeExchanger{ttl: 100 * time.Second, now: clock}
	cache := NewTokenCache(ex, 60*time.Second)
	cache.now = clock

	first, err := cache.Get(context.Background())
	require.NoError(t, err)

	now = now.Add(50 * time.Second)
	ex.fail(errors.New("connection refused"))

	_, err = cache.Get(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthFailure)
	assert.Equal(t, first, cache.Current().Value)

	ex.fail(nil)
	next, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, next)
	assert.Equal(t, next, cache.Current().Value)
}

func TestTokenCache_EmptyTokenIsAuthFailure(t *testing.T) {
	cache := NewTokenCache(exchangerFunc(func(context.Context) (Token, error) {
		return Token{ExpiresAt: time.Now().Add(time.Hour)}, nil
	}), time.Minute)

	_, err := cache.Get(context.Background())
	assert.ErrorIs(t, err, ErrAuthFailure)
	assert.Empty(t, cache.Current().Value)
}

func TestTokenCache_CallerCancellation(t *testing.T) {
	ex := &fakeExchanger{ttl: time.Hour, now: time.Now, release: make(chan struct{})}
	cache := NewTokenCache(ex, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := cache.Get(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	close(ex.release)
	tok, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
}

type exchangerFunc func(context.Context) (Token, error)

func (f exchangerFunc) ExchangeToken(ctx context.Context) (Token, error) { return f(ctx) }
