package main

import (
	"context"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	cli "github.com/urfave/cli/v3"

	"github.com/flowmesh/flowmesh/pkg/cmd"
	"github.com/flowmesh/flowmesh/pkg/execution"
	"github.com/flowmesh/flowmesh/pkg/invokers/httpagent"
	"github.com/flowmesh/flowmesh/pkg/invokers/httptool"
	"github.com/flowmesh/flowmesh/pkg/log"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "flowmesh-api",
		Usage:                 "Store workflow graphs and run executions over HTTP",
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
				Name:    "database-url",
				Usage:   "Graph storage URL (postgres://, redis://, file:// or a path)",
				Value:   "file://./data",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, memory)",
				Value:   "memory",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma-separated Kafka broker addresses",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringSliceFlag{
				Name:    "agent",
				Usage:   "Agent endpoint mapping, id=url (repeatable)",
				Sources: cli.EnvVars("FLOWMESH_AGENTS"),
			},
			&cli.StringSliceFlag{
				Name:    "tool",
				Usage:   "Tool endpoint mapping, id=url (repeatable)",
				Sources: cli.EnvVars("FLOWMESH_TOOLS"),
			},
			&cli.DurationFlag{
				Name:    "status-retention",
				Usage:   "How long finished executions stay pollable",
				Value:   24 * time.Hour,
				Sources: cli.EnvVars("STATUS_RETENTION"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("api")
			logger.InfoContext(ctx, "Initializing FlowMesh API")

			storage := cmd.MustStorage(ctx, logger, command.String("database-url"))

			defer func() {
				if err := storage.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close storage", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), logger)

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			reg := cmd.NewRegistry(logger)
			statusStore := execution.NewStatusStore(logger)

			agents := httpagent.NewInvoker(logger,
				httpagent.WithEndpoints(cmd.ParseEndpoints(command.StringSlice("agent"))))
			tools := httptool.NewInvoker(logger,
				httptool.WithEndpoints(cmd.ParseEndpoints(command.StringSlice("tool"))))

			executor := execution.NewExecutor(logger,
				execution.WithAgentInvoker(agents),
				execution.WithToolInvoker(tools),
				execution.WithRegistry(reg),
				execution.WithStatusStore(statusStore),
				execution.WithEventPublisher(eventBus),
			)
			manager := execution.NewManager(executor, statusStore, logger)

			retention := command.Duration("status-retention")

			pruner := cron.New()
			if _, err := pruner.AddFunc("@every 10m", func() {
				statusStore.Prune(retention)
			}); err != nil {
				return err
			}

			pruner.Start()
			defer pruner.Stop()

			api := NewAPI(logger, storage, reg, manager)

			if err := api.Start(command.Int("port")); err != nil {
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
