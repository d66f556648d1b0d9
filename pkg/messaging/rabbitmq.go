package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds configuration for the RabbitMQ client.
type Config struct {
	URL string

	// Resilience
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	MaxRetries        int // -1 for infinite
	HeartbeatTimeout  time.Duration

	// Circuit breaker for publishes
	BreakerEnabled   bool
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 60 * time.Second,
		MaxRetries:        -1,
		HeartbeatTimeout:  10 * time.Second,
		BreakerEnabled:    true,
		BreakerThreshold:  5,
		BreakerTimeout:    30 * time.Second,
	}
}

// Client is a reconnecting AMQP client used for domain-event ingestion.
type Client struct {
	config Config
	log    *slog.Logger

	mu              sync.RWMutex
	conn            *amqp.Connection
	ch              *amqp.Channel
	notifyConnClose chan *amqp.Error
	isReconnecting  bool
	isClosed        bool

	cb *breaker
}

func NewClient(config Config, log *slog.Logger) (*Client, error) {
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = time.Second
	}
	if config.MaxReconnectDelay == 0 {
		config.MaxReconnectDelay = 60 * time.Second
	}
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	c := &Client{
		config: config,
		log:    log,
		cb: &breaker{
			threshold: config.BreakerThreshold,
			timeout:   config.BreakerTimeout,
		},
	}

	if err := c.connect(); err != nil {
		return nil, err
	}
	go c.handleReconnect()

	return c, nil
}

func (c *Client) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log.Info("connecting to rabbitmq", "url", maskURL(c.config.URL))

	conn, err := amqp.DialConfig(c.config.URL, amqp.Config{
		Heartbeat: c.config.HeartbeatTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}

	c.conn = conn
	c.ch = ch
	c.notifyConnClose = make(chan *amqp.Error)
	c.conn.NotifyClose(c.notifyConnClose)
	c.isReconnecting = false
	return nil
}

func (c *Client) handleReconnect() {
	c.mu.RLock()
	if c.isClosed {
		c.mu.RUnlock()
		return
	}
	notifyClose := c.notifyConnClose
	c.mu.RUnlock()

	if err := <-notifyClose; err != nil {
		c.log.Warn("rabbitmq connection closed, reconnecting", "error", err)
		c.reconnect()
	}
}

func (c *Client) reconnect() {
	c.mu.Lock()
	c.isReconnecting = true
	c.mu.Unlock()

	backoff := c.config.ReconnectDelay
	retries := 0

	for {
		c.mu.RLock()
		closed := c.isClosed
		c.mu.RUnlock()
		if closed {
			return
		}

		if c.config.MaxRetries != -1 && retries >= c.config.MaxRetries {
			c.log.Error("rabbitmq reconnect gave up", "retries", retries)
			return
		}

		if err := c.connect(); err == nil {
			c.log.Info("rabbitmq reconnected")
			go c.handleReconnect()
			return
		}

		c.log.Debug("rabbitmq reconnect failed, backing off", "delay", backoff)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > c.config.MaxReconnectDelay {
			backoff = c.config.MaxReconnectDelay
		}
		retries++
	}
}

// DeclareQueue declares a durable queue with a matching dead-letter queue.
func (c *Client) DeclareQueue(name string) (amqp.Queue, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.ch == nil {
		return amqp.Queue{}, fmt.Errorf("channel is not initialized")
	}

	dlq := name + ".dlq"
	if _, err := c.ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to declare DLQ: %w", err)
	}

	return c.ch.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	})
}

// Publish sends body to queueName. Fails fast while reconnecting or while
// the circuit breaker is open.
func (c *Client) Publish(ctx context.Context, queueName string, body []byte) error {
	if c.config.BreakerEnabled && !c.cb.Allow() {
		return fmt.Errorf("circuit breaker is open")
	}

	c.mu.RLock()
	if c.isReconnecting || c.ch == nil {
		c.mu.RUnlock()
		return fmt.Errorf("connection is not available")
	}
	ch := c.ch
	c.mu.RUnlock()

	err := ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})

	if c.config.BreakerEnabled {
		if err != nil {
			c.cb.RecordFailure()
		} else {
			c.cb.RecordSuccess()
		}
	}
	return err
}

// Consume delivers queue messages to handler until ctx is cancelled.
// A handler error nacks the message back onto the queue.
func (c *Client) Consume(ctx context.Context, queueName string, handler func(body []byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		c.mu.RLock()
		if c.isReconnecting || c.ch == nil {
			c.mu.RUnlock()
			time.Sleep(time.Second)
			continue
		}
		ch := c.ch
		c.mu.RUnlock()

		msgs, err := ch.Consume(queueName, "", false, false, false, false, nil)
		if err != nil {
			c.log.Warn("failed to register consumer", "queue", queueName, "error", err)
			time.Sleep(2 * time.Second)
			continue
		}

	recv:
		for {
			select {
			case <-ctx.Done():
				return nil
			case d, ok := <-msgs:
				if !ok {
					// channel closed, likely connection lost
					break recv
				}
				if err := handler(d.Body); err != nil {
					c.log.Warn("message handler failed, requeueing", "queue", queueName, "error", err)
					d.Nack(false, true)
				} else {
					d.Ack(false)
				}
			}
		}

		c.log.Debug("consumer channel closed, waiting for reconnection", "queue", queueName)
		time.Sleep(c.config.ReconnectDelay)
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.isClosed = true
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed() && !c.isReconnecting
}

func maskURL(url string) string {
	if parts := strings.Split(url, "@"); len(parts) > 1 {
		if prefix := strings.Split(parts[0], "://"); len(prefix) == 2 {
			return prefix[0] + "://***:***@" + parts[1]
		}
	}
	return url
}

// breaker is a minimal circuit breaker guarding publishes.
type breaker struct {
	mu          sync.Mutex
	open        bool
	failures    int
	threshold   int
	timeout     time.Duration
	lastFailure time.Time
}

func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	// half-open probe after the cool-down
	return time.Since(b.lastFailure) > b.timeout
}

func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.failures = 0
}

func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = time.Now()
	if b.failures >= b.threshold {
		b.open = true
	}
}
