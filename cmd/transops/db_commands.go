package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/transops/migrations"
	"github.com/brojonat/transops/service/db"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/urfave/cli/v2"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:      "migrate",
		Usage:     "Run schema migrations",
		ArgsUsage: "[up|down|status|version|redo|reset] [args...]",
		Description: `Applies the embedded goose migrations to DATABASE_URL.

Examples:
  transops db migrate            # same as 'up'
  transops db migrate status
  transops db migrate down`,
		Action: func(c *cli.Context) error {
			dbURL, err := databaseURL(c)
			if err != nil {
				return err
			}

			command := "up"
			var args []string
			if c.NArg() > 0 {
				command = c.Args().First()
				args = c.Args().Tail()
			}

			sqlDB, err := sql.Open("postgres", dbURL)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer sqlDB.Close()

			if err := migrations.Run(context.Background(), sqlDB, command, args...); err != nil {
				return err
			}

			if command == "up" {
				fmt.Printf("✓ Migrations applied\n")
			}
			return nil
		},
	}
}

func getWalletCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-wallet",
		Usage:     "Get a driver's wallet",
		Aliases:   []string{"wallet"},
		ArgsUsage: "<driver-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: driver ID")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			wallet, err := store.GetWalletByDriver(context.Background(), c.Args().First())
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("no wallet for driver %s", c.Args().First())
			}
			if err != nil {
				return fmt.Errorf("failed to get wallet: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(wallet)
			}

			fmt.Printf("Wallet:        %s\n", wallet.ID)
			fmt.Printf("Driver:        %s\n", wallet.DriverID)
			fmt.Printf("Balance:       %.2f\n", wallet.Balance)
			fmt.Printf("Fuel Limit:    %.2f\n", wallet.Limits.Fuel)
			fmt.Printf("Toll Limit:    %.2f\n", wallet.Limits.Toll)
			fmt.Printf("Food Limit:    %.2f\n", wallet.Limits.Food)
			fmt.Printf("Lodging Limit: %.2f\n", wallet.Limits.Lodging)
			fmt.Printf("Repair Limit:  %.2f\n", wallet.Limits.Repair)
			fmt.Printf("Created:       %s\n", wallet.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Updated:       %s\n", wallet.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func listTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-transactions",
		Usage:   "List a user's payment transactions, newest first",
		Aliases: []string{"txs"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "user",
				Aliases:  []string{"u"},
				Usage:    "User ID",
				Required: true,
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of transactions",
				Value:   20,
			},
		},
		Action: func(c *cli.Context) error {
			limit := c.Int("limit")
			if limit < 1 {
				return fmt.Errorf("limit must be positive")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			txns, err := store.ListPaymentTransactions(context.Background(), c.String("user"), int32(limit))
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(txns)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tPACKAGE\tAMOUNT\tPAYMENT\tSTATUS\tCREDITED\tCREATED")
			for _, txn := range txns {
				fmt.Fprintf(w, "%s\t%s\t%.2f %s\t%s\t%s\t%v\t%s\n",
					txn.SessionID,
					txn.Package,
					txn.Amount,
					txn.Currency,
					txn.PaymentStatus,
					txn.Status,
					txn.Credited,
					txn.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(txns))
			return nil
		},
	}
}

func databaseURL(c *cli.Context) (string, error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return "", fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}
	return dbURL, nil
}

func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL, err := databaseURL(c)
	if err != nil {
		return nil, nil, err
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db.NewStore(pool), pool.Close, nil
}
