package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	apperrors "github.com/kimhsiao/clinicsync/backend/internal/errors"
	"github.com/kimhsiao/clinicsync/backend/internal/logging"
	"github.com/kimhsiao/clinicsync/backend/internal/models"
)

const confirmTimeout = 10 * time.Second

// publishFunc sends one message and waits for the broker to accept it.
type publishFunc func(ctx context.Context, routingKey string, msg amqp.Publishing) error

// AMQPNotifier publishes notifications to a topic exchange with routing key sync.pass.<level>,
// so push-notification workers can pick them up.
type AMQPNotifier struct {
	exchange  string
	publish   publishFunc
	logger    *zap.Logger
	healthy   atomic.Bool
	closeOnce sync.Once
	closeFn   func()
}

// DialAMQP connects, declares the exchange and enables publisher confirms.
func DialAMQP(url, exchange string, logger *zap.Logger) (*AMQPNotifier, error) {
	logger = logging.OrNop(logger)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare topic exchange: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to activate publisher confirms: %w", err)
	}

	n := newAMQPNotifier(exchange, func(ctx context.Context, key string, msg amqp.Publishing) error {
		deferred, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
		if err != nil {
			return fmt.Errorf("publish call failed: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deferred.Done():
			if !deferred.Acked() {
				return fmt.Errorf("RabbitMQ NACK received: message not persisted")
			}
			return nil
		case <-time.After(confirmTimeout):
			return fmt.Errorf("publisher confirm timeout")
		}
	}, logger)

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	done := make(chan struct{})
	go func() {
		select {
		case err := <-connClosed:
			n.healthy.Store(false)
			logger.Warn("RabbitMQ connection closed", zap.Any("error", err))
		case err := <-chanClosed:
			n.healthy.Store(false)
			logger.Warn("RabbitMQ channel closed", zap.Any("error", err))
		case <-done:
		}
	}()
	n.closeFn = func() {
		close(done)
		ch.Close()
		conn.Close()
	}

	logger.Info("connected to RabbitMQ", zap.String("exchange", exchange))
	return n, nil
}

func newAMQPNotifier(exchange string, publish publishFunc, logger *zap.Logger) *AMQPNotifier {
	n := &AMQPNotifier{
		exchange: exchange,
		publish:  publish,
		logger:   logging.OrNop(logger),
	}
	n.healthy.Store(true)
	return n
}

// RoutingKey returns the routing key for a notification level.
func RoutingKey(level Level) string {
	return "sync.pass." + string(level)
}

// Notify publishes one message per notification.
func (n *AMQPNotifier) Notify(ctx context.Context, summary models.PassSummary) error {
	if !n.IsHealthy() {
		return apperrors.New(apperrors.ErrNotifyFailed, "broker connection is closed")
	}

	for _, msg := range Build(summary) {
		body, err := json.Marshal(msg)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrNotifyFailed, "failed to serialize notification", err)
		}

		err = n.publish(ctx, RoutingKey(msg.Level), amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
		if err != nil {
			n.logger.Error("failed to publish notification",
				zap.String("routing_key", RoutingKey(msg.Level)), zap.Error(err))
			return apperrors.Wrap(apperrors.ErrNotifyFailed, "failed to publish notification", err)
		}
	}
	return nil
}

// IsHealthy reports whether the connection and channel are open.
func (n *AMQPNotifier) IsHealthy() bool {
	return n.healthy.Load()
}

// Close shuts the connection down.
func (n *AMQPNotifier) Close() error {
	n.closeOnce.Do(func() {
		n.healthy.Store(false)
		if n.closeFn != nil {
			n.closeFn()
		}
	})
	return nil
}
