package httpapi

import (
	"errors"
	"io"
	"net/http"

	"bengkel/payments-service/internal/gateway"
	"bengkel/payments-service/internal/webhook"

	"github.com/google/uuid"
)

const maxWebhookBody = 64 << 10

func (s *Server) danaWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	signature := r.Header.Get("X-Signature")
	switch {
	case signature != "":
		if !gateway.VerifySignature(body, signature, s.webhookSecret) {
			s.logger.Warn("webhook signature rejected", "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	case s.requireSignature:
		writeError(w, http.StatusUnauthorized, "missing signature")
		return
	}

	deliveryID := uuid.NewString()
	if id := r.Header.Get("X-Delivery-Id"); s.trustDeliveryID && id != "" {
		deliveryID = id
	}

	d, err := webhook.ParseDelivery(deliveryID, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.webhooks.Ingest(r.Context(), d)
	if err != nil {
		if errors.Is(err, webhook.ErrMalformedPayload) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("webhook ingest", "delivery_id", deliveryID, "order_id", d.OrderID, "err", err)
		writeError(w, http.StatusInternalServerError, "webhook processing failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"webhook_id":    deliveryID,
		"status":        res.Status,
		"duplicate":     res.Duplicate,
		"unknown_order": res.UnknownOrder,
	})
}
