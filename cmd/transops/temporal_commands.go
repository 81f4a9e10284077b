package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brojonat/transops/client"
	"github.com/brojonat/transops/service/temporal"
	"github.com/urfave/cli/v2"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
)

func describeConfirmationCommand() *cli.Command {
	return &cli.Command{
		Name:      "describe",
		Usage:     "Describe the confirmation workflow of a session",
		Aliases:   []string{"desc"},
		ArgsUsage: "<session-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: session ID")
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			conf, err := tc.DescribeConfirmation(context.Background(), c.Args().First())
			if errors.Is(err, temporal.ErrConfirmationNotFound) {
				return fmt.Errorf("no confirmation workflow for session %s", c.Args().First())
			}
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(conf)
			}

			fmt.Printf("Workflow ID:  %s\n", conf.WorkflowID)
			fmt.Printf("Session:      %s\n", conf.SessionID)
			fmt.Printf("Running:      %v\n", conf.Running)
			fmt.Printf("Status:       %s\n", conf.Status)
			if conf.Reason != client.ReasonNone {
				fmt.Printf("Reason:       %s\n", conf.Reason)
			}
			if !conf.Running {
				fmt.Printf("Attempts:     %d\n", conf.Attempts)
			}
			if conf.Error != "" {
				fmt.Printf("Error:        %s\n", conf.Error)
			}
			return nil
		},
	}
}

func startConfirmationCommand() *cli.Command {
	return &cli.Command{
		Name:      "start",
		Usage:     "Start a confirmation workflow for a session",
		ArgsUsage: "<session-id>",
		Description: `Starts ConfirmPaymentWorkflow for a checkout session. The server does this
on every checkout; use this command to re-run a confirmation that gave up.
If one is already running for the session, it is reused.`,
		Flags: []cli.Flag{
			maxAttemptsFlag(),
			intervalFlag(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: session ID")
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			tc = tc.WithConfirmationPolicy(c.Int("max-attempts"), c.Duration("interval"))
			workflowID, err := tc.StartPaymentConfirmation(context.Background(), c.Args().First())
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(map[string]string{
					"session_id":  c.Args().First(),
					"workflow_id": workflowID,
				})
			}
			fmt.Printf("✓ Confirmation started: %s\n", workflowID)
			return nil
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Show the event history of a session's confirmation workflow",
		ArgsUsage: "<session-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: session ID")
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx := context.Background()
			workflowID := temporal.ConfirmationWorkflowID(c.Args().First())
			iter := tc.SDKClient().GetWorkflowHistory(ctx, workflowID, "", false, enumspb.HISTORY_EVENT_FILTER_TYPE_ALL_EVENT)

			type historyEvent struct {
				ID   int64     `json:"id"`
				Time time.Time `json:"time"`
				Type string    `json:"type"`
			}
			var events []historyEvent
			for iter.HasNext() {
				event, err := iter.Next()
				if err != nil {
					var notFound *serviceerror.NotFound
					if errors.As(err, &notFound) {
						return fmt.Errorf("no confirmation workflow for session %s", c.Args().First())
					}
					return fmt.Errorf("failed to read history of %s: %w", workflowID, err)
				}
				events = append(events, historyEvent{
					ID:   event.GetEventId(),
					Time: event.GetEventTime().AsTime(),
					Type: formatEventType(event.GetEventType()),
				})
			}

			if c.Bool("json") {
				return outputJSON(events)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTIME\tEVENT")
			for _, e := range events {
				fmt.Fprintf(w, "%d\t%s\t%s\n", e.ID, e.Time.Format(time.RFC3339), e.Type)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d events (%s)\n", len(events), workflowID)
			return nil
		},
	}
}

// formatEventType renders an event type without its enum prefix.
func formatEventType(t enumspb.EventType) string {
	return strings.TrimPrefix(t.String(), "EVENT_TYPE_")
}

// getTemporalClient connects using the global temporal flags.
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	host := c.String("temporal-host")
	if host == "" {
		host = "localhost:7233"
	}
	namespace := c.String("temporal-namespace")
	if namespace == "" {
		namespace = "default"
	}
	taskQueue := c.String("temporal-task-queue")
	if taskQueue == "" {
		taskQueue = "transops-payments"
	}

	return temporal.NewClient(host, namespace, taskQueue, cliLogger(c))
}
