package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"bengkel/payments-service/internal/checkout"
	"bengkel/payments-service/internal/gateway"
	"bengkel/payments-service/internal/order"
	"bengkel/payments-service/internal/reconcile"
	"bengkel/payments-service/internal/webhook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeGateway struct {
	mu        sync.Mutex
	failNext  error
	failQuery error
	remote    map[string]*gateway.RemoteStatus
}

func (g *fakeGateway) RegisterOrder(_ context.Context, req gateway.RegisterRequest) (*gateway.Registration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failNext; err != nil {
		g.failNext = nil
		return nil, err
	}
	return &gateway.Registration{GatewayOrderID: "dana-" + req.OrderID, PaymentURL: "https://pay.example/" + req.OrderID}, nil
}

func (g *fakeGateway) QueryStatus(_ context.Context, orderID string) (*gateway.RemoteStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failQuery != nil {
		return nil, g.failQuery
	}
	if st, ok := g.remote[orderID]; ok {
		return st, nil
	}
	return &gateway.RemoteStatus{Status: "PENDING"}, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type harness struct {
	srv    *Server
	orders *order.MemoryStore
	events *webhook.MemoryStore
	gw     *fakeGateway
}

type harnessOption func(*Deps)

func withSignature(secret string, required bool) harnessOption {
	return func(d *Deps) {
		d.WebhookSecret = secret
		d.RequireSignature = required
	}
}

func withTrustedDeliveryID() harnessOption {
	return func(d *Deps) { d.TrustDeliveryIDHeader = true }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	orders := order.NewMemoryStore()
	events := webhook.NewMemoryStore()
	gw := &fakeGateway{remote: make(map[string]*gateway.RemoteStatus)}
	engine := reconcile.NewEngine(orders, discard)

	deps := Deps{
		Checkout: checkout.NewService(orders, gw, engine, "https://shop.example", discard),
		Orders:   orders,
		Webhooks: webhook.NewProcessor(events, orders, engine, discard),
		Health:   pinger{},
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return &harness{srv: NewServer(deps, discard), orders: orders, events: events, gw: gw}
}

func (h *harness) do(t *testing.T, method, path, body string, header map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func (h *harness) createOrder(t *testing.T, id string) {
	t.Helper()
	rec, _ := h.do(t, http.MethodPost, "/orders", `{"order_id":"`+id+`","user_id":"u1","product_id":"doc_premium_1"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreateOrder(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodPost, "/orders", `{"order_id":"o1","email":"alice@example.com","product_id":"doc_premium_1"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "o1", body["order_id"])
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, "https://pay.example/o1", body["payment_url"])

	rec, _ = h.do(t, http.MethodPost, "/orders", `{"order_id":"o1","user_id":"u1","product_id":"doc_premium_1"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateOrder_BadRequests(t *testing.T) {
	h := newHarness(t)

	rec, _ := h.do(t, http.MethodPost, "/orders", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := h.do(t, http.MethodPost, "/orders", `{"product_id":"doc_premium_1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["fields"], "user_id")

	rec, _ = h.do(t, http.MethodPost, "/orders", `{"user_id":"u1","product_id":"gold_bar"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateOrder_GatewayFailureReportsOrder(t *testing.T) {
	h := newHarness(t)
	h.gw.failNext = &gateway.Error{Op: "register", StatusCode: http.StatusServiceUnavailable}

	rec, body := h.do(t, http.MethodPost, "/orders", `{"order_id":"o3","user_id":"u1","product_id":"doc_premium_1"}`, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "o3", body["order_id"])
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, true, body["retryable"])

	rec, body = h.do(t, http.MethodPost, "/orders/o3/register", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://pay.example/o3", body["payment_url"])

	rec, _ = h.do(t, http.MethodPost, "/orders/o3/register", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/orders/missing/register", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAndListOrders(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, "o1")
	h.createOrder(t, "o2")

	rec, body := h.do(t, http.MethodGet, "/orders/o1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "o1", body["order"].(map[string]any)["id"])
	assert.Empty(t, body["transactions"])

	rec, _ = h.do(t, http.MethodGet, "/orders/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = h.do(t, http.MethodGet, "/orders?user_id=u1&limit=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["orders"], 1)

	rec, _ = h.do(t, http.MethodGet, "/orders", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = h.do(t, http.MethodGet, "/orders?user_id=u1&limit=-3", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_CompletesOnceAndIgnoresRedelivery(t *testing.T) {
	h := newHarness(t, withTrustedDeliveryID())
	h.createOrder(t, "o1")

	payload := `{"orderId":"o1","status":"SETTLED","transactionId":"tx-1","fee":"1500"}`
	rec, body := h.do(t, http.MethodPost, "/webhooks/dana", payload, map[string]string{"X-Delivery-Id": "d1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "d1", body["webhook_id"])
	assert.Equal(t, "APPLIED", body["status"])
	assert.Equal(t, false, body["duplicate"])

	rec, body = h.do(t, http.MethodPost, "/webhooks/dana", payload, map[string]string{"X-Delivery-Id": "d1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "IGNORED", body["status"])
	assert.Equal(t, true, body["duplicate"])

	_, body = h.do(t, http.MethodGet, "/orders/o1", "", nil)
	assert.Equal(t, "COMPLETED", body["order"].(map[string]any)["status"])
	txs := body["transactions"].([]any)
	require.Len(t, txs, 1)
	assert.Equal(t, float64(48500), txs[0].(map[string]any)["net_amount"])
}

func TestWebhook_AssignsDeliveryID(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, "o1")

	_, first := h.do(t, http.MethodPost, "/webhooks/dana", `{"orderId":"o1","status":"PENDING"}`, nil)
	_, second := h.do(t, http.MethodPost, "/webhooks/dana", `{"orderId":"o1","status":"PENDING"}`, nil)
	assert.NotEmpty(t, first["webhook_id"])
	assert.NotEqual(t, first["webhook_id"], second["webhook_id"])
	assert.Equal(t, "IGNORED", second["status"])
	assert.Equal(t, false, second["duplicate"])
}

func TestWebhook_DeliveryHeaderIgnoredByDefault(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, "o1")
	h.createOrder(t, "o2")

	header := map[string]string{"X-Delivery-Id": "d1"}
	rec, body := h.do(t, http.MethodPost, "/webhooks/dana", `{"orderId":"o1","status":"FAILED"}`, header)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, "d1", body["webhook_id"])
	assert.Equal(t, "APPLIED", body["status"])

	// A replayed header must not shadow a different delivery.
	rec, body = h.do(t, http.MethodPost, "/webhooks/dana", `{"orderId":"o2","status":"FAILED"}`, header)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["duplicate"])
	assert.Equal(t, "APPLIED", body["status"])

	o, err := h.orders.Get(context.Background(), "o2")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFailed, o.Status)
}

func TestWebhook_UnknownOrderAndMalformed(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodPost, "/webhooks/dana", `{"orderId":"ghost","status":"SETTLED"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["unknown_order"])

	rec, _ = h.do(t, http.MethodPost, "/webhooks/dana", `{"status":"SETTLED"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/webhooks/dana", `[]`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/webhooks/dana", strings.Repeat("x", maxWebhookBody+1), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestWebhook_Signature(t *testing.T) {
	h := newHarness(t, withSignature("hook-secret", true))
	h.createOrder(t, "o1")
	payload := []byte(`{"orderId":"o1","status":"FAILED"}`)

	rec, _ := h.do(t, http.MethodPost, "/webhooks/dana", string(payload), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/webhooks/dana", string(payload), map[string]string{"X-Signature": gateway.Sign(payload, "wrong")})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	o, err := h.orders.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, o.Status, "rejected deliveries change nothing")

	rec, body := h.do(t, http.MethodPost, "/webhooks/dana", string(payload), map[string]string{"X-Signature": gateway.Sign(payload, "hook-secret")})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "APPLIED", body["status"])
}

func TestWebhook_OptionalSignatureStillChecked(t *testing.T) {
	h := newHarness(t, withSignature("hook-secret", false))
	h.createOrder(t, "o1")

	rec, _ := h.do(t, http.MethodPost, "/webhooks/dana", `{"orderId":"o1","status":"PENDING"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/webhooks/dana", `{"orderId":"o1","status":"SETTLED"}`, map[string]string{"X-Signature": "deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifyAndPaymentSuccess(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, "o1")

	rec, body := h.do(t, http.MethodGet, "/payment/success/o1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PENDING", body["status"])

	h.gw.failQuery = errors.New("boom")
	rec, body = h.do(t, http.MethodGet, "/payment/success/o1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, "stored status is served when polling fails")
	assert.Equal(t, "PENDING", body["status"])

	rec, _ = h.do(t, http.MethodPost, "/orders/o1/verify", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	h.gw.failQuery = nil
	h.gw.remote["o1"] = &gateway.RemoteStatus{Status: "SETTLED", Amount: 50000}
	rec, body = h.do(t, http.MethodPost, "/orders/o1/verify", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "COMPLETED", body["status"])

	rec, body = h.do(t, http.MethodGet, "/payment/success/o1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Payment successful! Access granted.", body["message"])

	rec, _ = h.do(t, http.MethodGet, "/payment/success/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthProductsAndMetrics(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodGet, "/products", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["products"], 3)

	rec, _ = h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	h.srv.health = pinger{err: errors.New("down")}
	rec, _ = h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	out := httptest.NewRecorder()
	h.srv.ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)
	assert.True(t, bytes.Contains(out.Body.Bytes(), []byte("payments_http_requests_total")))
}
