package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bengkel/payments-service/internal/metrics"

	"golang.org/x/sync/singleflight"
)

type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Exchanger performs the client-credentials exchange.
type Exchanger interface {
	ExchangeToken(ctx context.Context) (Token, error)
}

// TokenCache holds the single process-wide bearer token. Concurrent callers
// that find it stale share one exchange; the previous token stays cached
// until a replacement succeeds.
type TokenCache struct {
	exchanger Exchanger
	margin    time.Duration
	now       func() time.Time

	mu    sync.RWMutex
	token Token

	refresh singleflight.Group
}

func NewTokenCache(exchanger Exchanger, margin time.Duration) *TokenCache {
	return &TokenCache{
		exchanger: exchanger,
		margin:    margin,
		now:       time.Now,
	}
}

func (c *TokenCache) fresh() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token.Value == "" {
		return "", false
	}
	if c.token.ExpiresAt.Sub(c.now()) <= c.margin {
		return "", false
	}
	return c.token.Value, true
}

func (c *TokenCache) Get(ctx context.Context) (string, error) {
	if value, ok := c.fresh(); ok {
		return value, nil
	}

	ch := c.refresh.DoChan("token", func() (any, error) {
		if value, ok := c.fresh(); ok {
			return value, nil
		}
		// The exchange outlives any single waiter; the exchanger enforces
		// its own request timeout.
		tok, err := c.exchanger.ExchangeToken(context.WithoutCancel(ctx))
		if err == nil && tok.Value == "" {
			err = errors.New("empty access token")
		}
		if err != nil {
			metrics.TokenExchanges.WithLabelValues("failure").Inc()
			return nil, err
		}
		metrics.TokenExchanges.WithLabelValues("success").Inc()

		c.mu.Lock()
		c.token = tok
		c.mu.Unlock()
		return tok.Value, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, ErrAuthFailure) {
				return "", res.Err
			}
			return "", fmt.Errorf("%w: %w", ErrAuthFailure, res.Err)
		}
		return res.Val.(string), nil
	}
}

// Current returns the cached token without refreshing.
func (c *TokenCache) Current() Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}
