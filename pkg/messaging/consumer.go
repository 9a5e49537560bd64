package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rabbitmq/amqp091-go"
)

// Binding describes the exchange and queue a consumer reads from.
type Binding struct {
	Exchange     string
	ExchangeKind string
	Queue        string
	RoutingKey   string
	Prefetch     int
}

// Handler processes one delivery. A nil error acks the message; errors
// marked with Permanent drop it, anything else requeues it.
type Handler func(ctx context.Context, msg amqp091.Delivery) error

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth redelivering.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type Consumer struct {
	conn     *amqp091.Connection
	queue    string
	prefetch int
	logger   *slog.Logger
}

func NewRabbitConsumer(url string, b Binding, logger *slog.Logger) (*Consumer, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := declareExchange(ch, b.Exchange, b.ExchangeKind); err != nil {
		conn.Close()
		return nil, err
	}

	if _, err := ch.QueueDeclare(
		b.Queue,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(
		b.Queue,
		b.RoutingKey,
		b.Exchange,
		false,
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	prefetch := b.Prefetch
	if prefetch <= 0 {
		prefetch = 16
	}
	return &Consumer{
		conn:     conn,
		queue:    b.Queue,
		prefetch: prefetch,
		logger:   logger,
	}, nil
}

func (c *Consumer) Start(ctx context.Context, handler Handler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume queue: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = ch.Cancel("", false)
		ch.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Info("consumer channel closed", "queue", c.queue)
				return nil
			}
			c.settle(msg, handler(ctx, msg))
		}
	}
}

func (c *Consumer) settle(msg amqp091.Delivery, err error) {
	switch {
	case err == nil:
		_ = msg.Ack(false)
	case IsPermanent(err):
		c.logger.Error("dropping message", "queue", c.queue, "type", msg.Type, "err", err)
		_ = msg.Nack(false, false)
	default:
		c.logger.Warn("requeueing message", "queue", c.queue, "type", msg.Type, "err", err)
		_ = msg.Nack(false, true)
	}
}

func (c *Consumer) Close() error {
	return c.conn.Close()
}
