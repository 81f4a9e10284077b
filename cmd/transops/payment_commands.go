package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/transops/client"
	"github.com/urfave/cli/v2"
)

func paymentCommands() *cli.Command {
	return &cli.Command{
		Name:    "payments",
		Aliases: []string{"pay"},
		Usage:   "Wallet top-up payment commands",
		Subcommands: []*cli.Command{
			checkoutCommand(),
			statusCommand(),
			confirmCommand(),
			workflowCommand(),
		},
	}
}

func checkoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "checkout",
		Usage: "Create a hosted checkout for a top-up package",
		Description: `Creates a checkout session and prints its URL. Packages are small (500),
medium (1000) and large (2000). Fleet owners may top up one of their drivers
with --driver-id.

With --confirm the command keeps polling until the payment is confirmed or
fails, exactly like 'transops payments confirm'.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "package",
				Aliases:  []string{"p"},
				Usage:    "Top-up package: small, medium or large",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "driver-id",
				Usage: "Driver to credit (fleet owners only)",
			},
			&cli.BoolFlag{
				Name:  "confirm",
				Usage: "Wait for the payment to be confirmed",
			},
			maxAttemptsFlag(),
			intervalFlag(),
		},
		Action: func(c *cli.Context) error {
			cl, err := getAPIClient(c)
			if err != nil {
				return err
			}

			session, err := cl.CreateCheckout(context.Background(), c.String("package"), c.String("driver-id"))
			if err != nil {
				return fmt.Errorf("failed to create checkout: %w", err)
			}

			if !c.Bool("confirm") {
				if c.Bool("json") {
					return outputJSON(session)
				}
				fmt.Printf("✓ Checkout created\n")
				fmt.Printf("  Session:  %s\n", session.SessionID)
				fmt.Printf("  Pay at:   %s\n", session.URL)
				if session.WorkflowID != "" {
					fmt.Printf("  Workflow: %s\n", session.WorkflowID)
				}
				return nil
			}

			fmt.Fprintf(os.Stderr, "Complete the payment at:\n  %s\n\n", session.URL)
			return runConfirm(c, cl, session.SessionID, "")
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Fetch the current status of a checkout session",
		ArgsUsage: "SESSION_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: session ID")
			}

			cl, err := getAPIClient(c)
			if err != nil {
				return err
			}

			ps, err := cl.GetPaymentStatus(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get payment status: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(ps)
			}
			printPaymentStatus(os.Stdout, ps)
			return nil
		},
	}
}

func confirmCommand() *cli.Command {
	return &cli.Command{
		Name:      "confirm",
		Usage:     "Poll a checkout session until the payment is confirmed or fails",
		ArgsUsage: "SESSION_ID",
		Description: `Polls the payment status endpoint until the session is paid, expires or
the attempt budget runs out. Each poll that finds the payment still pending
uses one attempt. A transport error fails the confirmation immediately.

Exits 0 when the payment succeeds and 1 when it fails. Ctrl-C abandons the
confirmation without changing its outcome.

Examples:
  transops payments confirm cs_test_123
  transops payments confirm cs_test_123 --jq '.transaction.amount'`,
		Flags: []cli.Flag{
			maxAttemptsFlag(),
			intervalFlag(),
			&cli.StringFlag{
				Name:  "jq",
				Usage: "jq expression applied to the final confirmation snapshot",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() > 1 {
				return fmt.Errorf("requires exactly one argument: session ID")
			}

			cl, err := getAPIClient(c)
			if err != nil {
				return err
			}
			return runConfirm(c, cl, c.Args().First(), c.String("jq"))
		},
	}
}

func workflowCommand() *cli.Command {
	return &cli.Command{
		Name:      "workflow",
		Usage:     "Show the server-side durable confirmation of a session",
		ArgsUsage: "SESSION_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: session ID")
			}

			cl, err := getAPIClient(c)
			if err != nil {
				return err
			}

			wc, err := cl.GetConfirmation(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get confirmation: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(wc)
			}

			fmt.Printf("Workflow:  %s\n", wc.WorkflowID)
			fmt.Printf("Session:   %s\n", wc.SessionID)
			if wc.Running {
				fmt.Printf("Status:    running\n")
				return nil
			}
			fmt.Printf("Status:    %s\n", wc.Status)
			if wc.Reason != "" {
				fmt.Printf("Reason:    %s\n", wc.Reason)
			}
			fmt.Printf("Attempts:  %d\n", wc.Attempts)
			if wc.Error != "" {
				fmt.Printf("Error:     %s\n", wc.Error)
			}
			return nil
		},
	}
}

func maxAttemptsFlag() cli.Flag {
	return &cli.IntFlag{
		Name:  "max-attempts",
		Usage: "Pending polls tolerated before giving up",
		Value: client.DefaultMaxAttempts,
	}
}

func intervalFlag() cli.Flag {
	return &cli.DurationFlag{
		Name:    "interval",
		Aliases: []string{"i"},
		Usage:   "Delay between polls",
		Value:   client.DefaultPollInterval,
	}
}

// runConfirm follows a session to a terminal state and reports it. A failed
// confirmation exits with status 1.
func runConfirm(c *cli.Context, fetcher client.StatusFetcher, sessionID, jqExpr string) error {
	code, err := compileJQ(jqExpr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var progress io.Writer = os.Stderr
	if c.Bool("json") || code != nil {
		progress = nil
	}

	snap, err := confirmPayment(ctx, fetcher, sessionID, c.Int("max-attempts"), c.Duration("interval"), progress, cliLogger(c))
	if err != nil {
		return err
	}

	switch {
	case code != nil:
		if err := writeJQ(os.Stdout, code, snap); err != nil {
			return err
		}
	case c.Bool("json"):
		if err := outputJSON(snap); err != nil {
			return err
		}
	default:
		printSnapshot(os.Stdout, snap)
	}

	if snap.Status == client.StatusFailed {
		return cli.Exit(fmt.Sprintf("payment not confirmed: %s", snap.Reason), 1)
	}
	return nil
}

// confirmPayment runs a confirmation until it is terminal or ctx is done.
// Progress lines go to progress when it is non-nil.
func confirmPayment(ctx context.Context, fetcher client.StatusFetcher, sessionID string, maxAttempts int, interval time.Duration, progress io.Writer, logger *slog.Logger) (client.ConfirmationSnapshot, error) {
	opts := []client.ConfirmationOption{
		client.WithMaxAttempts(maxAttempts),
		client.WithPollInterval(interval),
		client.WithLogger(logger),
	}
	if progress != nil {
		opts = append(opts, client.WithObserver(func(s client.ConfirmationSnapshot) {
			printProgress(progress, s)
		}))
	}

	conf := client.NewConfirmation(sessionID, fetcher, opts...)
	conf.Begin(ctx)
	<-conf.Done()

	if ctx.Err() != nil {
		conf.Cancel()
		return conf.Snapshot(), fmt.Errorf("confirmation abandoned: %w", ctx.Err())
	}
	return conf.Snapshot(), nil
}

func printProgress(w io.Writer, s client.ConfirmationSnapshot) {
	switch s.Status {
	case client.StatusChecking:
		fmt.Fprintf(w, "  attempt %d/%d: payment pending\n", s.Attempts, s.MaxAttempts)
	case client.StatusSucceeded:
		fmt.Fprintf(w, "  payment confirmed\n")
	case client.StatusFailed:
		fmt.Fprintf(w, "  payment failed: %s\n", s.Reason)
	}
}

func printSnapshot(w io.Writer, s client.ConfirmationSnapshot) {
	mark := "✓"
	if s.Status != client.StatusSucceeded {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s Confirmation %s\n", mark, s.Status)
	fmt.Fprintf(w, "  Session:  %s\n", s.SessionID)
	if s.Reason != client.ReasonNone {
		fmt.Fprintf(w, "  Reason:   %s\n", s.Reason)
	}
	fmt.Fprintf(w, "  Attempts: %d/%d\n", s.Attempts, s.MaxAttempts)
	if s.Error != "" {
		fmt.Fprintf(w, "  Error:    %s\n", s.Error)
	}
	if s.Transaction != nil {
		fmt.Fprintf(w, "  Amount:   %.2f %s\n", s.Transaction.Amount, s.Transaction.Currency)
		fmt.Fprintf(w, "  Credited: %v\n", s.Transaction.Credited)
	}
}

func printPaymentStatus(w io.Writer, ps *client.PaymentStatus) {
	fmt.Fprintf(w, "Session:        %s\n", ps.SessionID)
	fmt.Fprintf(w, "Package:        %s\n", ps.Package)
	fmt.Fprintf(w, "Amount:         %.2f %s\n", ps.Amount, ps.Currency)
	fmt.Fprintf(w, "Payment Status: %s\n", ps.PaymentStatus)
	fmt.Fprintf(w, "Status:         %s\n", ps.Status)
	fmt.Fprintf(w, "Credited:       %v\n", ps.Credited)
	fmt.Fprintf(w, "Verdict:        %s\n", client.Evaluate(ps))
}
