package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/solescrow/service/temporal"
	"github.com/urfave/cli/v2"
	"go.temporal.io/sdk/client"
)

// getTemporalClient creates a Temporal client from the global flags.
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	logger := slog.New(slog.NewTextHandler(c.App.ErrWriter, &slog.HandlerOptions{Level: slog.LevelWarn}))
	tc, err := temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}
	return tc, nil
}

func scheduleCommands() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "Manage the reconcile-attempts schedule",
		Subcommands: []*cli.Command{
			createScheduleCommand(),
			describeScheduleCommand(),
			deleteScheduleCommand(),
		},
	}
}

func createScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Create the reconcile schedule, or update its interval",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "every", Usage: "How often to reconcile", Value: 5 * time.Minute},
			&cli.DurationFlag{Name: "older-than", Usage: "Only attempts pending at least this long", Value: 2 * time.Minute},
			&cli.IntFlag{Name: "limit", Usage: "Attempts resolved per run", Value: 100},
		},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			every := c.Duration("every")
			if every <= 0 {
				return fmt.Errorf("--every must be positive")
			}
			err = tc.UpsertReconcileSchedule(commandContext(c), every, temporal.ReconcileAttemptsInput{
				OlderThan: c.Duration("older-than"),
				Limit:     c.Int("limit"),
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(c.App.Writer, "✓ Schedule ready: %s\n", temporal.ReconcileScheduleID)
			fmt.Fprintf(c.App.Writer, "  Interval: %v\n", every)
			fmt.Fprintf(c.App.Writer, "  Task Queue: %s\n", tc.TaskQueue())
			return nil
		},
	}
}

func describeScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:    "describe",
		Aliases: []string{"desc"},
		Usage:   "Describe the reconcile schedule",
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx := commandContext(c)
			desc, err := tc.SDKClient().ScheduleClient().GetHandle(ctx, temporal.ReconcileScheduleID).Describe(ctx)
			if err != nil {
				return fmt.Errorf("failed to describe schedule: %w", err)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Schedule ID:    %s\n", temporal.ReconcileScheduleID)
			fmt.Fprintf(w, "Paused:         %v\n", desc.Schedule.State.Paused)
			if action, ok := desc.Schedule.Action.(*client.ScheduleWorkflowAction); ok {
				fmt.Fprintf(w, "Workflow:       %v\n", action.Workflow)
				fmt.Fprintf(w, "Task Queue:     %s\n", action.TaskQueue)
			}
			for i, interval := range desc.Schedule.Spec.Intervals {
				fmt.Fprintf(w, "Interval %d:     every %v\n", i+1, interval.Every)
			}
			fmt.Fprintf(w, "Recent Actions: %d\n", len(desc.Info.RecentActions))
			if n := len(desc.Info.RecentActions); n > 0 {
				fmt.Fprintf(w, "Last Action:    %s\n", desc.Info.RecentActions[n-1].ActualTime.Format(time.RFC3339))
			}
			if len(desc.Info.NextActionTimes) > 0 {
				fmt.Fprintf(w, "Next Action:    %s\n", desc.Info.NextActionTimes[0].Format(time.RFC3339))
			}
			return nil
		},
	}
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete",
		Usage: "Delete the reconcile schedule",
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.DeleteReconcileSchedule(commandContext(c)); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "✓ Schedule deleted: %s\n", temporal.ReconcileScheduleID)
			return nil
		},
	}
}

func releaseStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "release-status",
		Usage:     "Show the release workflow for a purchase",
		ArgsUsage: "<purchase-id>",
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, "purchase-id")
			if err != nil {
				return err
			}
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			st, err := tc.GetRelease(commandContext(c), temporal.ReleaseWorkflowID(id))
			if err != nil {
				return err
			}
			return output(c, st, func(w io.Writer) {
				fmt.Fprintf(w, "Workflow:\t%s\n", st.WorkflowID)
				fmt.Fprintf(w, "Run:\t%s\n", st.RunID)
				fmt.Fprintf(w, "Status:\t%s\n", st.Status)
				if r := st.Result; r != nil {
					fmt.Fprintf(w, "Release tx:\t%s\n", orDash(r.ReleaseTxID))
					fmt.Fprintf(w, "Already released:\t%t\n", r.AlreadyReleased)
					fmt.Fprintf(w, "Attempts:\t%d\n", r.Attempts)
				}
				if st.Error != "" {
					fmt.Fprintf(w, "Error:\t%s\n", st.Error)
				}
			})
		},
	}
}
