package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/brojonat/vitrine/service/temporal"
	"github.com/urfave/cli/v2"
	"go.temporal.io/sdk/client"
)

func createScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "create-schedule",
		Usage: "Create or update the PIX reservation expiry schedule",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "How often the sweep runs",
				Value: time.Minute,
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Transactions expired per batch",
				Value: temporal.DefaultSweepBatchSize,
			},
		},
		Action: func(c *cli.Context) error {
			interval := c.Duration("interval")
			if interval < temporal.MinSweepInterval {
				return fmt.Errorf("interval must be at least %v", temporal.MinSweepInterval)
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			input, err := temporal.EnsureExpirySchedule(c.Context, tc, interval, c.Int("batch-size"))
			if err != nil {
				return err
			}

			fmt.Fprintf(stdout, "✓ Schedule ready: %s\n", temporal.ExpiryScheduleID)
			fmt.Fprintf(stdout, "  Interval: %v\n", interval)
			fmt.Fprintf(stdout, "  Batch Size: %d\n", input.BatchSize)
			fmt.Fprintf(stdout, "  Task Queue: %s\n", tc.TaskQueue())
			return nil
		},
	}
}

func describeScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:    "describe-schedule",
		Usage:   "Describe the PIX reservation expiry schedule",
		Aliases: []string{"desc"},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			desc, err := tc.DescribeExpirySchedule(c.Context)
			if err != nil {
				return err
			}

			fmt.Fprintf(stdout, "Schedule ID:    %s\n", temporal.ExpiryScheduleID)
			fmt.Fprintf(stdout, "State Note:     %s\n", desc.Schedule.State.Note)
			fmt.Fprintf(stdout, "Paused:         %v\n", desc.Schedule.State.Paused)

			if wa, ok := desc.Schedule.Action.(*client.ScheduleWorkflowAction); ok {
				fmt.Fprintf(stdout, "\nWorkflow:\n")
				fmt.Fprintf(stdout, "  Workflow:     %v\n", wa.Workflow)
				fmt.Fprintf(stdout, "  Task Queue:   %s\n", wa.TaskQueue)
			}

			if len(desc.Schedule.Spec.Intervals) > 0 {
				fmt.Fprintf(stdout, "\nSchedule Spec:\n")
				for i, interval := range desc.Schedule.Spec.Intervals {
					fmt.Fprintf(stdout, "  Interval %d:   Every %v\n", i+1, interval.Every)
				}
			}

			fmt.Fprintf(stdout, "\nRecent Actions: %d\n", len(desc.Info.RecentActions))
			if n := len(desc.Info.RecentActions); n > 0 {
				fmt.Fprintf(stdout, "Last Action:  %s\n", desc.Info.RecentActions[n-1].ActualTime.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete-schedule",
		Usage: "Delete the PIX reservation expiry schedule",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Skip confirmation prompt",
			},
		},
		Action: func(c *cli.Context) error {
			if !c.Bool("force") && !confirm(os.Stdin, fmt.Sprintf("Are you sure you want to delete schedule %s?", temporal.ExpiryScheduleID)) {
				fmt.Fprintln(stdout, "Cancelled")
				return nil
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.DeleteExpirySchedule(c.Context); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "✓ Schedule deleted: %s\n", temporal.ExpiryScheduleID)
			return nil
		},
	}
}

func sweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Run an expiry sweep now and wait for the result",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Transactions expired per batch",
				Value: temporal.DefaultSweepBatchSize,
			},
			&cli.IntFlag{
				Name:  "max-batches",
				Usage: "Stop after this many batches",
				Value: temporal.DefaultSweepMaxBatches,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait for the sweep",
				Value: 5 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			res, err := tc.RunSweep(ctx, temporal.ExpireReservationsInput{
				BatchSize:  int32(c.Int("batch-size")),
				MaxBatches: c.Int("max-batches"),
			})
			if err != nil {
				return err
			}

			if jsonMode(c) {
				return output(c, res)
			}
			fmt.Fprintf(stdout, "Sweep Time: %s\n", res.SweepTime.Format(time.RFC3339))
			fmt.Fprintf(stdout, "Batches:    %d\n", res.Batches)
			fmt.Fprintf(stdout, "Scanned:    %d\n", res.Scanned)
			fmt.Fprintf(stdout, "Expired:    %d\n", res.Expired)
			fmt.Fprintf(stdout, "Skipped:    %d\n", res.Skipped)
			fmt.Fprintf(stdout, "Failed:     %d\n", res.Failed)
			if res.Error != nil {
				fmt.Fprintf(stdout, "Error:      %s\n", *res.Error)
			}
			return nil
		},
	}
}

// confirm asks a yes/no question on stdout and reads the answer from in.
func confirm(in io.Reader, question string) bool {
	fmt.Fprintf(stdout, "%s (yes/no): ", question)
	var response string
	fmt.Fscanln(in, &response)
	return response == "yes"
}

// getTemporalClient connects to Temporal using the global flags.
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		logger,
	)
}
