package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"bengkel/payments-service/internal/checkout"
	"bengkel/payments-service/internal/config"
	"bengkel/payments-service/internal/gateway"
	"bengkel/payments-service/internal/httpapi"
	"bengkel/payments-service/internal/order"
	"bengkel/payments-service/internal/reconcile"
	"bengkel/payments-service/internal/storage"
	"bengkel/payments-service/internal/webhook"
	"bengkel/payments-service/internal/websocket"
	"bengkel/payments-service/pkg/contracts"
	"bengkel/payments-service/pkg/messaging"

	"github.com/rabbitmq/amqp091-go"
)

type App struct {
	cfg             config.Config
	logger          *slog.Logger
	store           *storage.Store
	checkout        *checkout.Service
	hub             *websocket.Hub
	statusPublisher messaging.Publisher
	verifyPublisher messaging.Publisher
	consumer        *messaging.Consumer
	outbox          *messaging.OutboxDispatcher
	sweeper         *checkout.Sweeper
	httpSrv         *http.Server
}

// core is the part of the service that needs only the database and the
// gateway. The one-shot CLI commands build it without RabbitMQ.
type core struct {
	store    *storage.Store
	orders   *order.PostgresStore
	engine   *reconcile.Engine
	checkout *checkout.Service
}

func newCore(ctx context.Context, cfg config.Config, logger *slog.Logger, listeners ...reconcile.Listener) (*core, error) {
	store, err := storage.New(ctx, cfg.DatabaseURL, int32(cfg.DatabaseMaxConns))
	if err != nil {
		return nil, err
	}

	orders := order.NewPostgresStore(store.Pool())
	engine := reconcile.NewEngine(orders, logger, listeners...)
	client := gateway.NewClient(gateway.Config{
		BaseURL:      cfg.Gateway.BaseURL,
		MerchantID:   cfg.Gateway.MerchantID,
		ClientID:     cfg.Gateway.ClientID,
		ClientSecret: cfg.Gateway.ClientSecret,
		Timeout:      cfg.Gateway.RequestTimeout,
		TokenMargin:  cfg.Gateway.TokenMargin,
		RatePerSec:   cfg.Gateway.RequestsPerSecond,
		Burst:        cfg.Gateway.Burst,
	}, logger)

	return &core{
		store:    store,
		orders:   orders,
		engine:   engine,
		checkout: checkout.NewService(orders, client, engine, cfg.PublicBaseURL, logger),
	}, nil
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	hub := websocket.NewHub()
	c, err := newCore(ctx, cfg, logger, hub)
	if err != nil {
		return nil, err
	}

	statusPublisher, err := messaging.NewRabbitPublisher(cfg.RabbitURL, cfg.StatusExchange, "fanout")
	if err != nil {
		c.store.Close()
		return nil, err
	}

	verifyPublisher, err := messaging.NewRabbitPublisher(cfg.RabbitURL, cfg.VerifyExchange, "direct")
	if err != nil {
		c.store.Close()
		statusPublisher.Close()
		return nil, err
	}

	consumer, err := messaging.NewRabbitConsumer(cfg.RabbitURL, messaging.Binding{
		Exchange:     cfg.VerifyExchange,
		ExchangeKind: "direct",
		Queue:        cfg.VerifyQueue,
		RoutingKey:   contracts.CommandVerifyOrder,
	}, logger)
	if err != nil {
		c.store.Close()
		statusPublisher.Close()
		verifyPublisher.Close()
		return nil, err
	}

	events := webhook.NewPostgresStore(c.store.Pool())
	api := httpapi.NewServer(httpapi.Deps{
		Checkout:              c.checkout,
		Orders:                c.orders,
		Webhooks:              webhook.NewProcessor(events, c.orders, c.engine, logger),
		Health:                c.store,
		WebhookSecret:         cfg.Gateway.WebhookSecret,
		RequireSignature:      cfg.SignatureRequired(),
		TrustDeliveryIDHeader: cfg.TrustDeliveryIDHeader,
	}, logger)
	api.HandleFunc("GET /orders/{orderID}/ws", websocket.NewHandler(hub, c.orders, logger).ServeWS)

	outbox := messaging.NewOutboxDispatcher(c.store.Pool(), statusPublisher, messaging.OutboxConfig{
		Table:     "order_outbox",
		Interval:  cfg.OutboxInterval,
		BatchSize: cfg.OutboxBatchSize,
	}, logger)

	sweeper := checkout.NewSweeper(c.orders, verifyPublisher, cfg.SweepInterval, cfg.SweepStaleAfter, cfg.OutboxBatchSize, logger)

	return &App{
		cfg:             cfg,
		logger:          logger,
		store:           c.store,
		checkout:        c.checkout,
		hub:             hub,
		statusPublisher: statusPublisher,
		verifyPublisher: verifyPublisher,
		consumer:        consumer,
		outbox:          outbox,
		sweeper:         sweeper,
		httpSrv: &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: api,
		},
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	go a.hub.Run(ctx)
	a.outbox.Start(ctx)
	a.sweeper.Start(ctx)

	go func() {
		if err := a.consumer.Start(ctx, a.handleVerifyCommand); err != nil {
			errCh <- err
		}
	}()

	go func() {
		a.logger.Info("payments http server listening", "addr", a.cfg.HTTPAddr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *App) Close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownGracePeriod)
	defer cancel()
	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", "err", err)
	}
	a.consumer.Close()
	a.verifyPublisher.Close()
	a.statusPublisher.Close()
	a.store.Close()
}

func (a *App) handleVerifyCommand(ctx context.Context, msg amqp091.Delivery) error {
	var cmd contracts.VerifyOrderCommand
	if err := json.Unmarshal(msg.Body, &cmd); err != nil {
		return messaging.Permanent(fmt.Errorf("decode verify command: %w", err))
	}

	o, err := a.checkout.Verify(ctx, cmd.OrderID)
	var gwErr *gateway.Error
	switch {
	case errors.Is(err, order.ErrNotFound):
		return messaging.Permanent(err)
	case errors.As(err, &gwErr) && !gateway.IsRetryable(err):
		// The sweeper queues the order again on its next pass.
		return messaging.Permanent(err)
	case err != nil:
		return err
	}
	a.logger.Info("order verified", "order_id", o.ID, "status", o.Status, "command_id", cmd.CommandID)
	return nil
}

// Serve runs the service until ctx is cancelled.
func Serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	app, err := New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer app.Close(ctx)

	return app.Run(ctx)
}

// Migrate applies the embedded schema and exits.
func Migrate(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := storage.New(ctx, cfg.DatabaseURL, 1)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("migrations applied")
	return nil
}

// Verify polls the gateway once for orderID and reconciles the answer.
func Verify(ctx context.Context, cfg config.Config, logger *slog.Logger, orderID string) (*order.Order, error) {
	c, err := newCore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer c.store.Close()
	return c.checkout.Verify(ctx, orderID)
}

func NewLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	if cfg.Environment == "development" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
