package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/flowmill/flowmill/pkg/agent"
	"github.com/flowmill/flowmill/pkg/cmd"
	"github.com/flowmill/flowmill/pkg/dispatcher"
	"github.com/flowmill/flowmill/pkg/eventbus"
	"github.com/flowmill/flowmill/pkg/log"
	"github.com/flowmill/flowmill/pkg/scheduler"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "flowmill-api",
		Usage:                 "Create and manage automation executions",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "agent-url",
				Usage:    "Base URL of the execution agent, used by manual triggers",
				Required: true,
				Sources:  cli.EnvVars("AGENT_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel, none)",
				Value:   "none",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing Flowmill API")

			persist, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := persist.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			var bus eventbus.EventBus

			if provider := command.String("event-bus"); provider != "" && provider != "none" {
				bus, err = cmd.NewEventBus(provider, "flowmill-api", logger)
				if err != nil {
					return err
				}

				defer func() {
					if err := bus.Close(); err != nil {
						logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
					}
				}()
			}

			// The /trigger endpoint runs a real tick, so the API carries its
			// own dispatcher wired to the agent.
			client := agent.NewClient(agent.Config{Endpoint: command.String("agent-url")}, logger)
			disp := dispatcher.NewDispatcher(persist, client, dispatcher.Config{}, logger)
			tick := scheduler.NewScheduler(persist, disp, scheduler.Config{}, logger, noop.NewTracerProvider().Tracer("flowmill-api"))

			api := NewAPI(logger, persist, bus, tick)

			if err := api.Start(int(command.Int("port"))); err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)

				return err
			}

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
