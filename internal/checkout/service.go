package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"bengkel/payments-service/internal/gateway"
	"bengkel/payments-service/internal/order"
	"bengkel/payments-service/internal/reconcile"
	"bengkel/payments-service/internal/validate"

	"github.com/google/uuid"
)

var (
	ErrUnknownProduct    = errors.New("unknown product")
	ErrAlreadyRegistered = errors.New("order already registered with gateway")
)

type NewOrder struct {
	OrderID   string `json:"order_id" validate:"omitempty,max=64,printascii"`
	UserID    string `json:"user_id" validate:"required_without=UserEmail,max=255"`
	UserEmail string `json:"email" validate:"omitempty,email"`
	ProductID string `json:"product_id" validate:"required"`
	Notes     string `json:"notes" validate:"max=1000"`
}

// Checkout is a registered order plus where to send the payer.
type Checkout struct {
	Order      *order.Order `json:"order"`
	PaymentURL string       `json:"payment_url"`
}

type Reconciler interface {
	Reconcile(ctx context.Context, obs reconcile.Observation) (*reconcile.Outcome, error)
}

type Service struct {
	orders     order.Store
	gateway    gateway.Gateway
	reconciler Reconciler
	validator  *validate.Validator
	publicURL  string
	logger     *slog.Logger
	newID      func() string
}

func NewService(orders order.Store, gw gateway.Gateway, reconciler Reconciler, publicURL string, logger *slog.Logger) *Service {
	return &Service{
		orders:     orders,
		gateway:    gw,
		reconciler: reconciler,
		validator:  validate.New("json"),
		publicURL:  strings.TrimRight(publicURL, "/"),
		logger:     logger,
		newID:      newOrderID,
	}
}

func newOrderID() string {
	return "order_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// CreateOrder persists a PENDING order and registers it with the gateway.
// When registration fails the order is kept, still PENDING and without a
// gateway order id; the returned Checkout carries it alongside the error so
// the caller can retry Register with the same order id.
func (s *Service) CreateOrder(ctx context.Context, req NewOrder) (*Checkout, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}
	product, ok := LookupProduct(req.ProductID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, req.ProductID)
	}

	o := &order.Order{
		ID:          req.OrderID,
		UserID:      req.UserID,
		UserEmail:   req.UserEmail,
		ProductID:   product.ID,
		ProductName: product.Name,
		ProductType: product.Type,
		Amount:      product.Price,
		Currency:    product.Currency,
		Notes:       req.Notes,
	}
	if o.ID == "" {
		o.ID = s.newID()
	}
	if o.UserID == "" {
		o.UserID = req.UserEmail
	}

	if err := s.orders.Create(ctx, o); err != nil {
		return nil, err
	}
	s.logger.Info("order created", "order_id", o.ID, "product_id", o.ProductID, "amount", o.Amount)

	return s.register(ctx, o)
}

// Register retries gateway registration for an order that has none yet.
func (s *Service) Register(ctx context.Context, orderID string) (*Checkout, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != order.StatusPending {
		return nil, order.ErrConflict
	}
	if o.GatewayOrderID != "" {
		return nil, ErrAlreadyRegistered
	}
	return s.register(ctx, o)
}

func (s *Service) register(ctx context.Context, o *order.Order) (*Checkout, error) {
	reg, err := s.gateway.RegisterOrder(ctx, gateway.RegisterRequest{
		OrderID:        o.ID,
		Title:          o.ProductName,
		Description:    "Access to premium documents - " + o.ProductID,
		Amount:         o.Amount,
		Currency:       o.Currency,
		MerchantUserID: o.UserID,
		RedirectURL:    s.publicURL + "/payment/success/" + url.PathEscape(o.ID),
		NotifyURL:      s.publicURL + "/webhooks/dana",
	})
	if err != nil {
		s.logger.Warn("gateway registration failed", "order_id", o.ID, "retryable", gateway.IsRetryable(err), "err", err)
		return &Checkout{Order: o}, fmt.Errorf("register order %s: %w", o.ID, err)
	}

	updated, err := s.orders.CompareAndSetStatus(ctx, o.ID, order.StatusChange{
		Expected:       order.StatusPending,
		Next:           order.StatusPending,
		GatewayOrderID: reg.GatewayOrderID,
	})
	switch {
	case errors.Is(err, order.ErrConflict):
		return s.registrationLost(ctx, o.ID, reg, err)
	case err != nil:
		return nil, fmt.Errorf("record gateway order id: %w", err)
	}

	return &Checkout{Order: updated, PaymentURL: reg.PaymentURL}, nil
}

// registrationLost resolves a registration whose gateway order id could not
// be recorded. The payment URL is never handed out for it.
func (s *Service) registrationLost(ctx context.Context, orderID string, reg *gateway.Registration, casErr error) (*Checkout, error) {
	current, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch {
	case current.GatewayOrderID != "" && current.GatewayOrderID != reg.GatewayOrderID:
		s.logger.Warn("order registered concurrently", "order_id", orderID,
			"gateway_order_id", current.GatewayOrderID, "discarded_gateway_order_id", reg.GatewayOrderID)
		return &Checkout{Order: current}, ErrAlreadyRegistered
	case current.Status.Terminal():
		// a webhook settled the order before the registration was recorded
		s.logger.Warn("gateway order id not recorded", "order_id", orderID, "status", current.Status, "gateway_order_id", reg.GatewayOrderID)
		return &Checkout{Order: current}, nil
	default:
		return nil, fmt.Errorf("record gateway order id: %w", casErr)
	}
}

// Verify polls the gateway for a PENDING order and reconciles the answer.
// Terminal orders are returned without a gateway call.
func (s *Service) Verify(ctx context.Context, orderID string) (*order.Order, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.Terminal() {
		return o, nil
	}

	remote, err := s.gateway.QueryStatus(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order %s: %w", orderID, err)
	}

	out, err := s.reconciler.Reconcile(ctx, reconcile.Observation{
		OrderID:    orderID,
		Status:     gateway.OrderStatus(remote.Status),
		Source:     reconcile.SourcePoll,
		Settlement: settlementFrom(remote),
	})
	if err != nil {
		return nil, err
	}
	return out.Order, nil
}

func settlementFrom(r *gateway.RemoteStatus) *order.Transaction {
	if r.TransactionID == "" && r.Fee == 0 && r.NetAmount == 0 {
		return nil
	}
	return &order.Transaction{
		GatewayTransactionID: r.TransactionID,
		Type:                 "payment",
		Amount:               r.Amount,
		Fee:                  r.Fee,
		NetAmount:            r.NetAmount,
		PaymentMethod:        r.PaymentMethod,
	}
}
