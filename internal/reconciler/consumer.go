// internal/reconciler/consumer.go
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"loanbridge/internal/tenantctx"
)

// processTimeout bounds how long one event may hold the per-transaction
// mutation path. A timed-out event is dropped; at-least-once delivery or a
// later related event makes up for it.
const processTimeout = 10 * time.Second

// Channel is the slice of the AMQP channel API the consumer needs.
type Channel interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// Consumer pulls circulation events off an AMQP queue and feeds them to the
// reconciler. Every delivery is acknowledged, successful or not: a failed
// event is logged and dropped rather than redelivered forever, since the
// no-op-on-already-advanced routing makes drops recoverable.
type Consumer struct {
	channel Channel
	queue   string
	service Service
	logger  *zap.Logger
	limiter *rate.Limiter
}

// NewConsumer creates a consumer for the given queue.
func NewConsumer(channel Channel, queue string, service Service, logger *zap.Logger) *Consumer {
	return &Consumer{
		channel: channel,
		queue:   queue,
		service: service,
		logger:  logger,
		// Throttles how fast the loop churns through redelivery storms.
		limiter: rate.NewLimiter(rate.Every(10*time.Millisecond), 100),
	}
}

// Run consumes deliveries until the context is cancelled or the channel
// closes. It never returns a per-event error; reconciliation failures are
// logged and the event is dropped.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue %s: %w", c.queue, err)
	}

	c.logger.Info("event consumer started", zap.String("queue", c.queue))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, open := <-deliveries:
			if !open {
				return fmt.Errorf("consume queue %s: channel closed", c.queue)
			}
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
			c.handle(ctx, delivery)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, delivery amqp.Delivery) {
	defer func() {
		if err := delivery.Ack(false); err != nil {
			c.logger.Error("failed to ack delivery", zap.Error(err))
		}
	}()

	var event Event
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		c.logger.Warn("dropping unparseable event",
			zap.String("queue", c.queue), zap.Error(err))
		return
	}

	eventCtx, cancel := context.WithTimeout(ctx, processTimeout)
	defer cancel()
	if event.Tenant != "" {
		eventCtx = tenantctx.WithTenant(eventCtx, event.Tenant)
	}

	if err := c.service.Process(eventCtx, event); err != nil {
		c.logger.Warn("dropping event after reconciliation failure",
			zap.String("type", string(event.Type)),
			zap.String("tenant", event.Tenant),
			zap.Error(err))
	}
}
