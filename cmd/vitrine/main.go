package main

import (
	"fmt"
	"log"
	"os"

	"github.com/brojonat/vitrine/service/app"
	"github.com/urfave/cli/v2"
)

// Set with -ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "vitrine",
		Usage: "Marketplace transaction service CLI",
		Description: `Operate and debug the vitrine transaction service: inspect and seed the
database, quote fees, manage the reservation expiry schedule, stream lifecycle
events, and drive purchases through the HTTP API.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Writer:  stdout,
		Flags:   globalFlags(),
		Before: func(c *cli.Context) error {
			return app.LoadEnv(c.StringSlice("env-file")...)
		},
		Commands: []*cli.Command{
			group("db", "Inspect, migrate and seed the database",
				migrateCommand(),
				seedCommand(),
				listTransactionsCommand(),
				getTransactionCommand(),
				statsCommand(),
			),
			group("fees", "Fee policy commands", quoteCommand()),
			group("temporal", "Reservation expiry schedule commands",
				createScheduleCommand(),
				describeScheduleCommand(),
				deleteScheduleCommand(),
				sweepCommand(),
			),
			group("nats", "Lifecycle event stream commands",
				subscribeCommand(),
				inspectStreamCommand(),
			),
			clientCommands(),
			group("server", "Server utility commands",
				healthCommand(),
				versionCommand(),
			),
		},
	}
}

func group(name, usage string, cmds ...*cli.Command) *cli.Command {
	return &cli.Command{Name: name, Usage: usage, Subcommands: cmds}
}

func globalFlags() []cli.Flag {
	const (
		catConn   = "Connections"
		catOutput = "Output"
	)
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "env-file",
			Usage: "Read variables from these .env files before anything else (default .env)",
		},
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Postgres connection URL",
			EnvVars:  []string{"DATABASE_URL"},
			Category: catConn,
		},
		&cli.StringFlag{
			Name:     "server-url",
			Usage:    "Transaction service base URL",
			EnvVars:  []string{"SERVER_URL"},
			Value:    "http://localhost:8080",
			Category: catConn,
		},
		&cli.StringFlag{
			Name:     "nats-url",
			Usage:    "NATS server URL",
			EnvVars:  []string{"NATS_URL"},
			Value:    "nats://localhost:4222",
			Category: catConn,
		},
		&cli.StringFlag{
			Name:     "temporal-host",
			Usage:    "Temporal frontend address",
			EnvVars:  []string{"TEMPORAL_HOST"},
			Value:    "localhost:7233",
			Category: catConn,
		},
		&cli.StringFlag{
			Name:     "temporal-namespace",
			EnvVars:  []string{"TEMPORAL_NAMESPACE"},
			Value:    "default",
			Category: catConn,
		},
		&cli.StringFlag{
			Name:     "temporal-task-queue",
			EnvVars:  []string{"TEMPORAL_TASK_QUEUE"},
			Value:    "vitrine-transactions",
			Category: catConn,
		},
		&cli.BoolFlag{
			Name:     "json",
			Aliases:  []string{"j"},
			Usage:    "Print JSON instead of tables",
			Category: catOutput,
		},
		&cli.StringFlag{
			Name:     "jq",
			Usage:    "Filter JSON output through a jq expression (implies --json)",
			Category: catOutput,
		},
	}
}
