package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/brojonat/transops/client"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

func authCommands() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authentication commands",
		Subcommands: []*cli.Command{
			loginCommand(),
		},
	}
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Log in and print a bearer token",
		Description: `Exchanges credentials for a bearer token. Export it so later commands
pick it up:

  export TRANSOPS_TOKEN=$(transops auth login --email me@example.com --password ...)`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "email",
				Aliases:  []string{"e"},
				Usage:    "Account email",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "password",
				Aliases: []string{"p"},
				Usage:   "Account password",
				EnvVars: []string{"TRANSOPS_PASSWORD"},
			},
		},
		Action: func(c *cli.Context) error {
			password := c.String("password")
			if password == "" {
				return fmt.Errorf("password is required (use --password or TRANSOPS_PASSWORD)")
			}

			cl := client.NewClient(c.String("server-url"), nil, cliLogger(c))
			resp, err := cl.Login(context.Background(), c.String("email"), password)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(resp)
			}

			// The token goes to stdout alone so it can be captured.
			fmt.Println(resp.Token)
			fmt.Fprintf(os.Stderr, "Logged in as %s (%s)\n", resp.User.Email, resp.User.Role)
			return nil
		},
	}
}

func walletCommands() *cli.Command {
	return &cli.Command{
		Name:  "wallet",
		Usage: "Driver wallet commands",
		Subcommands: []*cli.Command{
			walletShowCommand(),
		},
	}
}

func walletShowCommand() *cli.Command {
	return &cli.Command{
		Name:    "show",
		Aliases: []string{"get"},
		Usage:   "Show the logged-in driver's wallet",
		Action: func(c *cli.Context) error {
			cl, err := getAPIClient(c)
			if err != nil {
				return err
			}

			wallet, err := cl.GetWallet(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get wallet: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(wallet)
			}
			printWallet(os.Stdout, wallet)
			return nil
		},
	}
}

func printWallet(w io.Writer, wallet *client.Wallet) {
	fmt.Fprintf(w, "Wallet:        %s\n", wallet.ID)
	fmt.Fprintf(w, "Driver:        %s\n", wallet.DriverID)
	fmt.Fprintf(w, "Balance:       %.2f\n", wallet.Balance)
	fmt.Fprintf(w, "Limits:\n")
	fmt.Fprintf(w, "  Fuel:        %.2f\n", wallet.FuelLimit)
	fmt.Fprintf(w, "  Toll:        %.2f\n", wallet.TollLimit)
	fmt.Fprintf(w, "  Food:        %.2f\n", wallet.FoodLimit)
	fmt.Fprintf(w, "  Lodging:     %.2f\n", wallet.LodgingLimit)
	fmt.Fprintf(w, "  Repair:      %.2f\n", wallet.RepairLimit)
	fmt.Fprintf(w, "Updated:       %s\n", wallet.UpdatedAt.Format(time.RFC3339))
}

// getAPIClient builds an authenticated API client from the global flags.
func getAPIClient(c *cli.Context) (*client.Client, error) {
	serverURL := c.String("server-url")
	if serverURL == "" {
		return nil, fmt.Errorf("server-url is required (set SERVER_URL env var or use --server-url)")
	}
	token := c.String("token")
	if token == "" {
		return nil, fmt.Errorf("token is required (set TRANSOPS_TOKEN env var or use --token)")
	}
	return client.NewClient(serverURL, nil, cliLogger(c)).WithToken(token), nil
}

// cliLogger logs errors only, unless --verbose is set.
func cliLogger(c *cli.Context) *slog.Logger {
	level := slog.LevelError
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Helper function to output JSON
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// compileJQ parses and compiles a jq expression. An empty expression yields nil.
func compileJQ(expr string) (*gojq.Code, error) {
	if expr == "" {
		return nil, nil
	}
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
	}
	return code, nil
}

// runJQ evaluates code against v's JSON form and returns every result.
func runJQ(code *gojq.Code, v interface{}) ([]interface{}, error) {
	// gojq only understands the generic JSON types.
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal jq input: %w", err)
	}
	var input interface{}
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("failed to decode jq input: %w", err)
	}

	var results []interface{}
	iter := code.Run(input)
	for {
		out, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := out.(error); isErr {
			return nil, fmt.Errorf("jq filter failed: %w", err)
		}
		results = append(results, out)
	}
	return results, nil
}

// writeJQ prints each jq result on its own line. Strings are printed raw.
func writeJQ(w io.Writer, code *gojq.Code, v interface{}) error {
	results, err := runJQ(code, v)
	if err != nil {
		return err
	}
	for _, r := range results {
		if s, ok := r.(string); ok {
			fmt.Fprintln(w, s)
			continue
		}
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal jq result: %w", err)
		}
		fmt.Fprintln(w, string(data))
	}
	return nil
}
