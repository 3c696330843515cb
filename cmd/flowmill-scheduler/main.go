// Package main provides the tick-driven scheduler daemon.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/flowmill/flowmill/pkg/agent"
	"github.com/flowmill/flowmill/pkg/cmd"
	"github.com/flowmill/flowmill/pkg/dispatcher"
	"github.com/flowmill/flowmill/pkg/log"
	"github.com/flowmill/flowmill/pkg/otelhelper"
	"github.com/flowmill/flowmill/pkg/scheduler"
)

func main() {
	command := &cli.Command{
		Name:                  "flowmill-scheduler",
		EnableShellCompletion: true,
		Usage:                 "Run the periodic tick that drives automation executions",
		Flags: []cli.Flag{
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
			&cli.DurationFlag{
				Name:    "tick-interval",
				Usage:   "Pause between scheduler passes",
				Value:   time.Minute,
				Sources: cli.EnvVars("TICK_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "running-timeout",
				Usage:   "Age at which a running execution is considered abandoned",
				Value:   15 * time.Minute,
				Sources: cli.EnvVars("RUNNING_TIMEOUT"),
			},
			&cli.DurationFlag{
				Name:    "scheduled-timeout",
				Usage:   "Age at which an unfired scheduled execution is expired",
				Value:   time.Hour,
				Sources: cli.EnvVars("SCHEDULED_TIMEOUT"),
			},
			&cli.DurationFlag{
				Name:    "execution-timeout",
				Usage:   "Hard ceiling on the total run time of one execution",
				Value:   20 * time.Minute,
				Sources: cli.EnvVars("EXECUTION_TIMEOUT"),
			},
			&cli.DurationFlag{
				Name:    "agent-timeout",
				Usage:   "Timeout of a single agent HTTP request",
				Value:   30 * time.Second,
				Sources: cli.EnvVars("AGENT_TIMEOUT"),
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "Pause between async task status polls",
				Value:   5 * time.Second,
				Sources: cli.EnvVars("POLL_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "poll-budget",
				Usage:   "Total time allowed for polling one async task",
				Value:   12 * time.Minute,
				Sources: cli.EnvVars("POLL_BUDGET"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OpenTelemetry traces (needs an OTLP endpoint)",
				Value:   false,
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: runScheduler,
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}

func runScheduler(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	logger := log.WithModule("flowmill-scheduler")

	logger.InfoContext(ctx, "Initializing Flowmill scheduler")

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

	var tracer trace.Tracer

	if command.Bool("tracing") {
		tracer, err = otelhelper.NewTracer(ctx, "flowmill-scheduler")
		if err != nil {
			return err
		}
	} else {
		tracer = noop.NewTracerProvider().Tracer("flowmill-scheduler")
	}

	client := agent.NewClient(agent.Config{
		Endpoint:       command.String("agent-url"),
		RequestTimeout: command.Duration("agent-timeout"),
		PollInterval:   command.Duration("poll-interval"),
		PollBudget:     command.Duration("poll-budget"),
	}, logger)

	disp := dispatcher.NewDispatcher(persist, client, dispatcher.Config{
		ExecutionTimeout: command.Duration("execution-timeout"),
	}, logger)

	sched := scheduler.NewScheduler(persist, disp, scheduler.Config{
		TickInterval:        command.Duration("tick-interval"),
		StaleRunningAfter:   command.Duration("running-timeout"),
		StaleScheduledAfter: command.Duration("scheduled-timeout"),
	}, logger, tracer)

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}
