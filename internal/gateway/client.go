package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bengkel/payments-service/internal/metrics"

	"golang.org/x/time/rate"
)

const (
	tokenPath    = "/oauth2/token"
	registerPath = "/payment/orders/v1/create"
	statusPath   = "/payment/orders/v1/%s/status"

	defaultTokenTTL = time.Hour
	maxResponseBody = 64 << 10
	maxErrorBody    = 4 << 10
)

// Gateway is the provider-facing surface used by checkout and reconciliation.
type Gateway interface {
	RegisterOrder(ctx context.Context, req RegisterRequest) (*Registration, error)
	QueryStatus(ctx context.Context, orderID string) (*RemoteStatus, error)
}

type Config struct {
	BaseURL      string
	MerchantID   string
	ClientID     string
	ClientSecret string
	Scope        string
	Timeout      time.Duration
	TokenMargin  time.Duration
	RatePerSec   float64
	Burst        int
}

type RegisterRequest struct {
	OrderID        string
	Title          string
	Description    string
	Amount         int64
	Currency       string
	MerchantUserID string
	RedirectURL    string
	NotifyURL      string
}

type Registration struct {
	GatewayOrderID string
	PaymentURL     string
	CreatedAt      string
}

// RemoteStatus is the gateway's view of an order. Settlement fields are zero
// when the gateway did not report them.
type RemoteStatus struct {
	Status        string
	Amount        int64
	Currency      string
	TransactionID string
	Fee           int64
	NetAmount     int64
	PaymentMethod string
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	tokens  *TokenCache
	logger  *slog.Logger
	now     func() time.Time
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Scope == "" {
		cfg.Scope = "payment.write"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		now:     time.Now,
	}
	c.tokens = NewTokenCache(c, cfg.TokenMargin)
	return c
}

func (c *Client) Tokens() *TokenCache {
	return c.tokens
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (c *Client) ExchangeToken(ctx context.Context) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("scope", c.cfg.Scope)

	issuedAt := c.now()
	var resp tokenResponse
	err := c.call(ctx, "token", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+tokenPath, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}, &resp)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}
	if resp.AccessToken == "" {
		return Token{}, fmt.Errorf("%w: response without access_token", ErrAuthFailure)
	}

	ttl := time.Duration(resp.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return Token{Value: resp.AccessToken, ExpiresAt: issuedAt.Add(ttl)}, nil
}

type amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type registerPayload struct {
	MerchantID       string `json:"merchantId"`
	OrderID          string `json:"orderId"`
	OrderTitle       string `json:"orderTitle"`
	OrderDescription string `json:"orderDescription"`
	OrderAmount      amount `json:"orderAmount"`
	MerchantUserID   string `json:"merchantUserId,omitempty"`
	RedirectURL      string `json:"redirectUrl"`
	NotifyURL        string `json:"notifyUrl"`
	Timestamp        string `json:"timestamp"`
}

type registerResponse struct {
	OrderID    string `json:"orderId"`
	PaymentURL string `json:"paymentUrl"`
}

// RegisterOrder creates the remote order. It is never retried here: a retry
// must come from the caller with the same local order id.
func (c *Client) RegisterOrder(ctx context.Context, r RegisterRequest) (*Registration, error) {
	token, err := c.tokens.Get(ctx)
	if err != nil {
		metrics.GatewayCalls.WithLabelValues("register", "auth_failure").Inc()
		return nil, err
	}

	timestamp := c.timestamp()
	body, err := json.Marshal(registerPayload{
		MerchantID:       c.cfg.MerchantID,
		OrderID:          r.OrderID,
		OrderTitle:       r.Title,
		OrderDescription: r.Description,
		OrderAmount:      amount{Value: strconv.FormatInt(r.Amount, 10), Currency: r.Currency},
		MerchantUserID:   r.MerchantUserID,
		RedirectURL:      r.RedirectURL,
		NotifyURL:        r.NotifyURL,
		Timestamp:        timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal register payload: %w", err)
	}

	var resp registerResponse
	err = c.call(ctx, "register", func(ctx context.Context) (*http.Request, error) {
		return c.signedRequest(ctx, http.MethodPost, registerPath, body, token, timestamp)
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.OrderID == "" || resp.PaymentURL == "" {
		metrics.GatewayCalls.WithLabelValues("register", "invalid_response").Inc()
		return nil, &Error{Op: "register", StatusCode: http.StatusOK, Body: "response missing orderId or paymentUrl"}
	}

	return &Registration{
		GatewayOrderID: resp.OrderID,
		PaymentURL:     resp.PaymentURL,
		CreatedAt:      timestamp,
	}, nil
}

type remoteAmount struct {
	Value    MinorUnits `json:"value"`
	Currency string     `json:"currency"`
}

type statusResponse struct {
	Status        string        `json:"status"`
	OrderAmount   *remoteAmount `json:"orderAmount"`
	TransactionID string        `json:"transactionId"`
	Fee           MinorUnits    `json:"fee"`
	NetAmount     MinorUnits    `json:"netAmount"`
	PaymentMethod string        `json:"paymentMethod"`
}

func (c *Client) QueryStatus(ctx context.Context, orderID string) (*RemoteStatus, error) {
	token, err := c.tokens.Get(ctx)
	if err != nil {
		metrics.GatewayCalls.WithLabelValues("status", "auth_failure").Inc()
		return nil, err
	}

	path := fmt.Sprintf(statusPath, url.PathEscape(orderID))
	timestamp := c.timestamp()
	var resp statusResponse
	err = c.call(ctx, "status", func(ctx context.Context) (*http.Request, error) {
		return c.signedRequest(ctx, http.MethodGet, path, nil, token, timestamp)
	}, &resp)
	if err != nil {
		return nil, err
	}

	status := &RemoteStatus{
		Status:        strings.ToUpper(strings.TrimSpace(resp.Status)),
		TransactionID: resp.TransactionID,
		PaymentMethod: resp.PaymentMethod,
		Fee:           int64(resp.Fee),
		NetAmount:     int64(resp.NetAmount),
	}
	if resp.OrderAmount != nil {
		status.Amount = int64(resp.OrderAmount.Value)
		status.Currency = resp.OrderAmount.Currency
	}
	return status, nil
}

func (c *Client) signedRequest(ctx context.Context, method, path string, body []byte, token, timestamp string) (*http.Request, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Merchant-Id", c.cfg.MerchantID)
	req.Header.Set("X-Client-Id", c.cfg.ClientID)
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-Signature", Sign(canonicalRequest(method, path, body, timestamp), c.cfg.ClientSecret))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// call runs one bounded round trip. A timeout is reported as an *Error like
// any other transport failure.
func (c *Client) call(ctx context.Context, op string, build func(context.Context) (*http.Request, error), out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		metrics.GatewayCalls.WithLabelValues(op, "throttled").Inc()
		return &Error{Op: op, Err: err}
	}

	req, err := build(ctx)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("build request: %w", err)}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.GatewayLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GatewayCalls.WithLabelValues(op, "transport_error").Inc()
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		metrics.GatewayCalls.WithLabelValues(op, "transport_error").Inc()
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.GatewayCalls.WithLabelValues(op, "http_"+strconv.Itoa(resp.StatusCode)).Inc()
		body := raw
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		c.logger.Warn("gateway call rejected", "op", op, "status", resp.StatusCode)
		return &Error{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		metrics.GatewayCalls.WithLabelValues(op, "invalid_response").Inc()
		return &Error{Op: op, StatusCode: resp.StatusCode, Body: string(raw), Err: fmt.Errorf("decode response: %w", err)}
	}

	metrics.GatewayCalls.WithLabelValues(op, "ok").Inc()
	return nil
}

func (c *Client) timestamp() string {
	return c.now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// MinorUnits decodes an integer amount sent either as a JSON number or as a
// decimal string.
type MinorUnits int64

func (m *MinorUnits) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		*m = 0
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid minor units %q: %w", raw, err)
	}
	*m = MinorUnits(n)
	return nil
}

// IsRetryable reports whether err is a transport failure or a 5xx/429 that a
// caller may retry with the same order id.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrAuthFailure) {
		return true
	}
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		return false
	}
	return gwErr.StatusCode == 0 || gwErr.StatusCode == http.StatusTooManyRequests || gwErr.StatusCode >= 500
}
