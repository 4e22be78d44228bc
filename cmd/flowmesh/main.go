// Package main provides the FlowMesh CLI: validate workflow graph
// documents and run them against live agents and tools.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/flowmesh/flowmesh/pkg/cmd"
	"github.com/flowmesh/flowmesh/pkg/execution"
	"github.com/flowmesh/flowmesh/pkg/invokers/httpagent"
	"github.com/flowmesh/flowmesh/pkg/invokers/httptool"
	"github.com/flowmesh/flowmesh/pkg/log"
	"github.com/flowmesh/flowmesh/pkg/models"
)

func main() {
	command := &cli.Command{
		Name:                  "flowmesh",
		Usage:                 "Validate and run workflow graphs",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
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
		Commands: []*cli.Command{
			validateCommand(),
			runCommand(),
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Validate a workflow graph document",
		ArgsUsage: "<graph.json>",
		Action: func(ctx context.Context, command *cli.Command) error {
			graph, err := loadGraph(command.Args().First())
			if err != nil {
				return err
			}

			if validationErrors := graph.Validate(); len(validationErrors) > 0 {
				for _, validationError := range validationErrors {
					fmt.Fprintf(os.Stderr, "%s\n", validationError.Error())
				}

				return fmt.Errorf("graph %q has %d validation errors", graph.Name, len(validationErrors))
			}

			fmt.Printf("graph %q is valid: %d nodes, %d edges\n", graph.Name, len(graph.Nodes), len(graph.Edges))

			return nil
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Aliases:   []string{"r"},
		Usage:     "Run a workflow graph to completion",
		ArgsUsage: "<graph.json>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "input",
				Aliases: []string{"i"},
				Usage:   "Initial input as a JSON object",
				Value:   "{}",
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
				Name:  "timeout",
				Usage: "Overall execution deadline (0 = none)",
			},
			&cli.DurationFlag{
				Name:  "node-timeout",
				Usage: "Per-node deadline override",
			},
			&cli.BoolFlag{
				Name:  "fail-fast",
				Usage: "Abort the whole run on the first node failure",
			},
			&cli.BoolFlag{
				Name:  "lenient",
				Usage: "Leave unresolved template tokens verbatim",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("cli")

			graph, err := loadGraph(command.Args().First())
			if err != nil {
				return err
			}

			var input map[string]any
			if err := json.Unmarshal([]byte(command.String("input")), &input); err != nil {
				return fmt.Errorf("failed to parse --input: %w", err)
			}

			agents := httpagent.NewInvoker(logger,
				httpagent.WithEndpoints(cmd.ParseEndpoints(command.StringSlice("agent"))),
				httpagent.WithRetry(3, time.Second))
			tools := httptool.NewInvoker(logger,
				httptool.WithEndpoints(cmd.ParseEndpoints(command.StringSlice("tool"))))

			executor := execution.NewExecutor(logger,
				execution.WithAgentInvoker(agents),
				execution.WithToolInvoker(tools),
				execution.WithRegistry(cmd.NewRegistry(logger)),
			)

			result, err := executor.Execute(ctx, graph, input, execution.Options{
				ExecutionTimeout: command.Duration("timeout"),
				NodeTimeout:      command.Duration("node-timeout"),
				FailFast:         command.Bool("fail-fast"),
				LenientTemplates: command.Bool("lenient"),
			})
			if err != nil {
				return err
			}

			rendered, err := json.MarshalIndent(map[string]any{result.OutputKey: result.Output}, "", "  ")
			if err != nil {
				return err
			}

			fmt.Println(string(rendered))

			return nil
		},
	}
}

func loadGraph(path string) (*models.Graph, error) {
	if path == "" {
		return nil, fmt.Errorf("a graph document path is required")
	}

	document, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph document: %w", err)
	}

	if err := models.ValidateDocument(document); err != nil {
		return nil, err
	}

	return models.DecodeGraph(document)
}
