package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "transops",
		Usage: "TransOps fleet operations CLI",
		Description: `A command-line tool for operating and debugging the TransOps service.

Use this CLI to top up wallets, follow payment confirmations, inspect
database state, Temporal workflows and the NATS payment stream.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// Errors are reported once by main.
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			authCommands(),
			paymentCommands(),
			walletCommands(),
			// Database inspection commands
			{
				Name:  "db",
				Usage: "Database inspection and migration commands",
				Subcommands: []*cli.Command{
					migrateCommand(),
					getWalletCommand(),
					listTransactionsCommand(),
				},
			},
			// Temporal inspection and management commands
			{
				Name:  "temporal",
				Usage: "Payment confirmation workflow commands",
				Subcommands: []*cli.Command{
					describeConfirmationCommand(),
					startConfirmationCommand(),
					historyCommand(),
				},
			},
			// NATS payment streaming commands
			{
				Name:  "nats",
				Usage: "NATS payment event commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
					inspectStreamCommand(),
				},
			},
			// Server utility commands
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: globalFlags(),
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Database connection URL",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "temporal-host",
			Usage:   "Temporal server address",
			EnvVars: []string{"TEMPORAL_HOST"},
			Value:   "localhost:7233",
		},
		&cli.StringFlag{
			Name:    "temporal-namespace",
			Usage:   "Temporal namespace",
			EnvVars: []string{"TEMPORAL_NAMESPACE"},
			Value:   "default",
		},
		&cli.StringFlag{
			Name:    "temporal-task-queue",
			Usage:   "Temporal task queue for confirmation workflows",
			EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
			Value:   "transops-payments",
		},
		&cli.StringFlag{
			Name:    "server-url",
			Usage:   "TransOps API URL",
			EnvVars: []string{"SERVER_URL"},
			Value:   "http://localhost:8080",
		},
		&cli.StringFlag{
			Name:    "token",
			Usage:   "Bearer token (see 'transops auth login')",
			EnvVars: []string{"TRANSOPS_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "nats-url",
			Usage:   "NATS server URL",
			EnvVars: []string{"NATS_URL"},
			Value:   "nats://localhost:4222",
		},
		&cli.BoolFlag{
			Name:    "json",
			Aliases: []string{"j"},
			Usage:   "Output in JSON format",
		},
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "Log HTTP and polling diagnostics to stderr",
		},
	}
}
