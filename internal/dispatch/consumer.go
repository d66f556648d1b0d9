package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aftionix/jobboard-realtime/pkg/messaging"
	"github.com/aftionix/jobboard-realtime/pkg/observability"
)

// EventQueue is the AMQP queue the job board's services publish domain
// events on.
const EventQueue = "realtime.events"

// Consumer feeds queued domain events through the router, with a Redis
// idempotency guard so broker redeliveries do not double-notify.
type Consumer struct {
	client *messaging.Client
	router *Router
	rdb    *redis.Client
	log    *observability.Logger
}

func NewConsumer(client *messaging.Client, router *Router, rdb *redis.Client, log *observability.Logger) *Consumer {
	return &Consumer{client: client, router: router, rdb: rdb, log: log.WithCategory("ingest")}
}

// Run declares the queue and consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	queue, err := c.client.DeclareQueue(EventQueue)
	if err != nil {
		return fmt.Errorf("declare event queue: %w", err)
	}

	c.log.Info("consuming domain events", "queue", queue.Name)
	return c.client.Consume(ctx, queue.Name, func(body []byte) error {
		return c.handle(ctx, body)
	})
}

func (c *Consumer) handle(ctx context.Context, body []byte) error {
	var ev DomainEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		// requeueing a malformed event would loop forever; drop it here
		observability.EventsIngested.WithLabelValues("malformed").Inc()
		c.log.Warn("malformed domain event dropped", "error", err)
		return nil
	}

	if ev.ID != "" && c.rdb != nil {
		ok, err := c.rdb.SetNX(ctx, "notify:evt:"+ev.ID, 1, 24*time.Hour).Result()
		if err != nil {
			c.log.Debug("idempotency check unavailable", "error", err)
		} else if !ok {
			observability.EventsIngested.WithLabelValues("duplicate").Inc()
			c.log.Debug("duplicate event skipped", "id", ev.ID)
			return nil
		}
	}

	if err := c.router.Route(ctx, &ev); err != nil {
		observability.EventsIngested.WithLabelValues("error").Inc()
		return fmt.Errorf("route event %s: %w", ev.ID, err)
	}
	observability.EventsIngested.WithLabelValues("ok").Inc()
	return nil
}
