// Package queue provides a redis list consumer, the low-latency alternative
// to the kafka event bus for feeding step jobs to the worker.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	defaultQueue = "flowmill:jobs"
	popTimeout   = 1 * time.Second
	connTimeout  = 5 * time.Second
)

// JobHandler receives one raw job payload popped from the list. Validation
// and decoding are the handler's concern.
type JobHandler func(ctx context.Context, payload []byte) error

// Config holds the redis connection and queue settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Queue    string
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}

	if c.Queue == "" {
		c.Queue = defaultQueue
	}

	return c
}

// Consumer pops step jobs off a redis list with BLPop and hands them to a
// handler. Messages are removed on pop; a handler failure is logged, not
// redelivered, because the scheduler tick re-discovers any execution whose
// job was lost.
type Consumer struct {
	config  Config
	client  redis.UniversalClient
	handler JobHandler
	logger  *slog.Logger
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewConsumer(config Config, logger *slog.Logger) *Consumer {
	config = config.withDefaults()

	return &Consumer{
		config: config,
		stopCh: make(chan struct{}),
		logger: logger.With(
			"module", "queue_consumer",
			"queue", config.Queue,
		),
	}
}

// Start connects to redis and begins consuming in the background.
func (c *Consumer) Start(ctx context.Context, handler JobHandler) error {
	c.logger.InfoContext(ctx, "Starting queue consumer")
	c.handler = handler

	if err := c.connect(ctx); err != nil {
		return fmt.Errorf("failed to initialize queue client: %w", err)
	}

	c.wg.Add(1)

	go c.consume(ctx)

	return nil
}

func (c *Consumer) connect(ctx context.Context) error {
	c.client = redis.NewClient(&redis.Options{
		Addr:     c.config.Addr,
		Password: c.config.Password,
		DB:       c.config.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, connTimeout)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	c.logger.InfoContext(ctx, "Connected to redis", "addr", c.config.Addr, "db", c.config.DB)

	return nil
}

func (c *Consumer) consume(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			c.logger.InfoContext(ctx, "Queue consumer stopped")

			return
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "Context cancelled, stopping queue consumer")

			return
		default:
			if err := c.processMessage(ctx); err != nil {
				c.logger.ErrorContext(ctx, "Error processing message", "error", err)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context) error {
	result, err := c.client.BLPop(ctx, popTimeout, c.config.Queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}

		return fmt.Errorf("failed to pop message from queue: %w", err)
	}

	if len(result) < 2 {
		return nil
	}

	payload := []byte(result[1])

	if err := c.handler(ctx, payload); err != nil {
		c.logger.ErrorContext(ctx, "Job handler failed, message dropped", "error", err)
	}

	return nil
}

// Stop halts the consume loop and closes the connection.
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.InfoContext(ctx, "Stopping queue consumer")

	close(c.stopCh)
	c.wg.Wait()

	if c.client != nil {
		if err := c.client.Close(); err != nil {
			c.logger.ErrorContext(ctx, "Error closing redis client", "error", err)
		}
	}

	return nil
}
