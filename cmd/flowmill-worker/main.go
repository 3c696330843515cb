package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/flowmill/flowmill/pkg/agent"
	"github.com/flowmill/flowmill/pkg/cmd"
	"github.com/flowmill/flowmill/pkg/dispatcher"
	"github.com/flowmill/flowmill/pkg/eventbus"
	"github.com/flowmill/flowmill/pkg/log"
	"github.com/flowmill/flowmill/pkg/queue"
)

func main() {
	command := &cli.Command{
		Name:                  "flowmill-worker",
		EnableShellCompletion: true,
		Usage:                 "Start a queue-driven worker to run automation steps",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "agent-url",
				Usage:    "Base URL of the execution agent",
				Required: true,
				Sources:  cli.EnvVars("AGENT_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel, none)",
				Value:   "kafka",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address for the job queue (empty disables the redis path)",
				Value:   "",
				Sources: cli.EnvVars("REDIS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Usage:   "Redis password",
				Value:   "",
				Sources: cli.EnvVars("REDIS_PASSWORD"),
			},
			&cli.StringFlag{
				Name:    "redis-queue",
				Usage:   "Redis list holding step jobs",
				Value:   "flowmill:jobs",
				Sources: cli.EnvVars("REDIS_QUEUE"),
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Maximum jobs processed in parallel",
				Value:   defaultConcurrency,
				Sources: cli.EnvVars("WORKER_CONCURRENCY"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: runWorker,
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}

func runWorker(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	workerID := command.String("worker-id")
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()[:8]
	}

	logger := log.WithModule("flowmill-worker").With("worker_id", workerID)

	logger.InfoContext(ctx, "Initializing Flowmill worker")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	persist, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := persist.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	client := agent.NewClient(agent.Config{Endpoint: command.String("agent-url")}, logger)
	disp := dispatcher.NewDispatcher(persist, client, dispatcher.Config{}, logger)

	bus, err := newBus(command, logger)
	if err != nil {
		return err
	}

	worker, err := NewWorker(workerID, persist, disp, bus, int(command.Int("concurrency")), logger)
	if err != nil {
		return err
	}

	if err := worker.Start(ctx); err != nil {
		logger.ErrorContext(ctx, "Failed to start event-driven worker", "error", err)

		return err
	}

	var consumer *queue.Consumer

	if addr := command.String("redis-addr"); addr != "" {
		consumer = queue.NewConsumer(queue.Config{
			Addr:     addr,
			Password: command.String("redis-password"),
			Queue:    command.String("redis-queue"),
		}, logger)

		if err := consumer.Start(ctx, worker.HandleRaw); err != nil {
			return err
		}
	}

	logger.InfoContext(ctx, "Worker started",
		"event_bus", command.String("event-bus"),
		"redis_addr", command.String("redis-addr"))

	<-ctx.Done()

	logger.Info("Shutting down worker")

	if consumer != nil {
		if err := consumer.Stop(context.Background()); err != nil {
			logger.Error("Failed to stop queue consumer", "error", err)
		}
	}

	worker.Drain()

	if bus != nil {
		if err := bus.Close(); err != nil {
			logger.Error("Failed to close event bus", "error", err)
		}
	}

	return nil
}

func newBus(command *cli.Command, logger *slog.Logger) (eventbus.EventBus, error) {
	provider := command.String("event-bus")
	if provider == "" || provider == "none" {
		return nil, nil
	}

	return cmd.NewEventBus(provider, "flowmill-worker", logger)
}

