package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"bengkel/payments-service/internal/checkout"
	"bengkel/payments-service/internal/gateway"
	"bengkel/payments-service/internal/metrics"
	"bengkel/payments-service/internal/order"
	"bengkel/payments-service/internal/validate"
	"bengkel/payments-service/internal/webhook"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Checkout *checkout.Service
	Orders   order.Reader
	Webhooks *webhook.Processor
	Health   Pinger

	// WebhookSecret enables X-Signature checks on inbound webhooks. With
	// RequireSignature set, unsigned deliveries are rejected as well.
	WebhookSecret    string
	RequireSignature bool

	// TrustDeliveryIDHeader takes the inbox key from X-Delivery-Id. Only
	// enable it behind a proxy that sets the header itself.
	TrustDeliveryIDHeader bool
}

type Server struct {
	checkout         *checkout.Service
	orders           order.Reader
	webhooks         *webhook.Processor
	health           Pinger
	webhookSecret    string
	requireSignature bool
	trustDeliveryID  bool
	logger           *slog.Logger
	mux              *http.ServeMux
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		checkout:         deps.Checkout,
		orders:           deps.Orders,
		webhooks:         deps.Webhooks,
		health:           deps.Health,
		webhookSecret:    deps.WebhookSecret,
		requireSignature: deps.RequireSignature,
		trustDeliveryID:  deps.TrustDeliveryIDHeader,
		logger:           logger,
		mux:              http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /products", s.listProducts)
	s.mux.HandleFunc("POST /orders", s.createOrder)
	s.mux.HandleFunc("GET /orders", s.listOrders)
	s.mux.HandleFunc("GET /orders/{orderID}", s.getOrder)
	s.mux.HandleFunc("POST /orders/{orderID}/register", s.registerOrder)
	s.mux.HandleFunc("POST /orders/{orderID}/verify", s.verifyOrder)
	s.mux.HandleFunc("GET /payment/success/{orderID}", s.paymentSuccess)
	s.mux.HandleFunc("POST /webhooks/dana", s.danaWebhook)
	s.mux.HandleFunc("GET /healthz", s.healthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

func (s *Server) HandleFunc(pattern string, handler http.HandlerFunc) {
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)

	endpoint := r.Pattern
	if endpoint == "" {
		endpoint = "unmatched"
	}
	metrics.HTTPRequests.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	metrics.HTTPDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
}

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"products": checkout.Catalogue()})
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req checkout.NewOrder
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	co, err := s.checkout.CreateOrder(r.Context(), req)
	if err != nil {
		s.checkoutError(w, co, err)
		return
	}
	writeJSON(w, http.StatusCreated, checkoutResponse(co))
}

func (s *Server) registerOrder(w http.ResponseWriter, r *http.Request) {
	co, err := s.checkout.Register(r.Context(), r.PathValue("orderID"))
	if err != nil {
		s.checkoutError(w, co, err)
		return
	}
	writeJSON(w, http.StatusOK, checkoutResponse(co))
}

func checkoutResponse(co *checkout.Checkout) map[string]any {
	return map[string]any{
		"success":     true,
		"order_id":    co.Order.ID,
		"status":      co.Order.Status,
		"payment_url": co.PaymentURL,
	}
}

func (s *Server) checkoutError(w http.ResponseWriter, co *checkout.Checkout, err error) {
	var verr *validate.Error
	var gwErr *gateway.Error
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request", "fields": verr.Fields})
	case errors.Is(err, checkout.ErrUnknownProduct):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrDuplicateOrderID):
		writeError(w, http.StatusConflict, "order id already exists")
	case errors.Is(err, order.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, order.ErrConflict):
		writeError(w, http.StatusConflict, "order is no longer pending")
	case errors.Is(err, checkout.ErrAlreadyRegistered):
		writeError(w, http.StatusConflict, "order already registered")
	case errors.Is(err, gateway.ErrAuthFailure), errors.As(err, &gwErr):
		body := map[string]any{
			"error":     "payment gateway unavailable",
			"retryable": gateway.IsRetryable(err),
		}
		if co != nil && co.Order != nil {
			body["order_id"] = co.Order.ID
			body["status"] = co.Order.Status
		}
		writeJSON(w, http.StatusBadGateway, body)
	default:
		s.logger.Error("checkout", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = r.URL.Query().Get("email")
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user_id")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = v
	}

	orders, err := s.orders.ListByUser(r.Context(), userID, limit)
	if err != nil {
		s.logger.Error("list orders", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if orders == nil {
		orders = []order.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := s.loadOrder(w, r)
	if !ok {
		return
	}
	txs, err := s.orders.Transactions(r.Context(), o.ID)
	if err != nil {
		s.logger.Error("list transactions", "order_id", o.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if txs == nil {
		txs = []order.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": o, "transactions": txs})
}

func (s *Server) loadOrder(w http.ResponseWriter, r *http.Request) (*order.Order, bool) {
	o, err := s.orders.Get(r.Context(), r.PathValue("orderID"))
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return nil, false
		}
		s.logger.Error("get order", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return o, true
}

func (s *Server) verifyOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.checkout.Verify(r.Context(), r.PathValue("orderID"))
	if err != nil {
		s.checkoutError(w, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// paymentSuccess is where the gateway redirects the payer. The redirect
// itself proves nothing, so the order is verified by polling; a failed poll
// still answers with the stored status.
func (s *Server) paymentSuccess(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("orderID")
	o, err := s.checkout.Verify(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		s.logger.Warn("verify on redirect failed", "order_id", orderID, "err", err)
		var ok bool
		if o, ok = s.loadOrder(w, r); !ok {
			return
		}
	}

	message := "Payment is being processed. Please wait..."
	switch o.Status {
	case order.StatusCompleted:
		message = "Payment successful! Access granted."
	case order.StatusFailed:
		message = "Payment failed."
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id":     o.ID,
		"status":       o.Status,
		"amount":       o.Amount,
		"currency":     o.Currency,
		"completed_at": o.CompletedAt,
		"message":      message,
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack hands the connection to the websocket upgrader. A hijacked
// response is recorded as 101.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(r.ResponseWriter).Hijack()
	if err == nil {
		r.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
