package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/brojonat/solescrow/service/app"
	"github.com/brojonat/solescrow/service/config"
	"github.com/brojonat/solescrow/service/db"
	"github.com/brojonat/solescrow/service/escrow"
	"github.com/brojonat/solescrow/service/payment"
	"github.com/brojonat/solescrow/service/signer"
	"github.com/brojonat/solescrow/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

// Helper function to get database pool and store
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(commandContext(c), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(commandContext(c)); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db.NewStore(pool, nil), pool.Close, nil
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending database migrations",
		Action: func(c *cli.Context) error {
			store, cleanup, err := getStore(c)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := db.Migrate(commandContext(c), store.Pool()); err != nil {
				return err
			}
			v, err := db.SchemaVersion(commandContext(c), store.Pool())
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "✓ Database at schema version %d\n", v)
			return nil
		},
	}
}

func migrationStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the state of every migration",
		Action: func(c *cli.Context) error {
			store, cleanup, err := getStore(c)
			if err != nil {
				return err
			}
			defer cleanup()
			return db.MigrationStatus(commandContext(c), store.Pool())
		},
	}
}

func itemsCommands() *cli.Command {
	return &cli.Command{
		Name:  "items",
		Usage: "Manage catalog items",
		Subcommands: []*cli.Command{
			addItemCommand(),
			getItemCommand(),
		},
	}
}

func addItemCommand() *cli.Command {
	return &cli.Command{
		Name:  "add",
		Usage: "Add a catalog item (writes to the database directly)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "Item ID (default: random UUID)"},
			&cli.StringFlag{Name: "seller", Usage: "Seller wallet address", Required: true},
			&cli.StringFlag{Name: "title", Usage: "Item title", Required: true},
			&cli.StringFlag{Name: "price", Usage: "Price in SOL, e.g. 1.5", Required: true},
			&cli.IntFlag{Name: "quantity", Usage: "Units available", Value: 1},
		},
		Action: func(c *cli.Context) error {
			if _, err := solanago.PublicKeyFromBase58(c.String("seller")); err != nil {
				return fmt.Errorf("invalid seller address: %w", err)
			}
			price, err := solana.ParseSOL(c.String("price"))
			if err != nil {
				return fmt.Errorf("invalid price: %w", err)
			}
			if price == 0 {
				return fmt.Errorf("price must be positive")
			}
			if c.Int("quantity") < 1 {
				return fmt.Errorf("quantity must be at least 1")
			}
			id := c.String("id")
			if id == "" {
				id = uuid.NewString()
			}

			store, cleanup, err := getStore(c)
			if err != nil {
				return err
			}
			defer cleanup()

			item, err := store.CreateItem(commandContext(c), escrow.Item{
				ID:       id,
				Seller:   c.String("seller"),
				Title:    strings.TrimSpace(c.String("title")),
				Price:    price,
				Quantity: c.Int("quantity"),
			})
			if err != nil {
				return fmt.Errorf("failed to create item: %w", err)
			}
			return output(c, item, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Item created: %s\n", item.ID)
				fmt.Fprintf(w, "  Title:\t%s\n", item.Title)
				fmt.Fprintf(w, "  Price:\t%s\n", sol(item.Price))
				fmt.Fprintf(w, "  Quantity:\t%d\n", item.Quantity)
			})
		},
	}
}

func checkoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "checkout",
		Usage: "Buy an item, paying price plus fee from a local keypair into escrow",
		Description: `Runs the checkout in-process: the buyer keypair signs the transfer to the
escrow wallet and the purchase is recorded once it confirms. Service
configuration is read from the environment as for the server.

Re-running with the same --purchase-id after a failure resumes the same
payment instead of paying twice.`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "item", Usage: "Item ID to buy", Required: true},
			&cli.StringFlag{Name: "keypair", Usage: "Buyer keypair file (solana-keygen JSON)", Required: true},
			&cli.StringFlag{Name: "purchase-id", Usage: "Purchase ID (default: random UUID)"},
		},
		Action: func(c *cli.Context) error {
			buyer, err := signer.LoadKeypairFile(c.String("keypair"))
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if c.IsSet("database-url") {
				cfg.DatabaseURL = c.String("database-url")
			}
			if c.IsSet("nats-url") {
				cfg.NATSURL = c.String("nats-url")
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
			components, err := app.Build(commandContext(c), cfg, app.Options{
				Logger:  logger,
				Signers: []signer.Signer{buyer},
			})
			if err != nil {
				return err
			}
			defer components.Close()

			purchaseID := c.String("purchase-id")
			if purchaseID == "" {
				purchaseID = uuid.NewString()
			}

			res, err := components.Service.Checkout(commandContext(c),
				escrow.Wallet(buyer.PublicKey().String()),
				escrow.CheckoutRequest{ItemID: c.String("item"), PurchaseID: purchaseID},
			)
			if err != nil {
				return checkoutError(err, purchaseID)
			}

			return output(c, res.Purchase, func(w io.Writer) {
				if res.Created {
					fmt.Fprintf(w, "✓ Purchase %s paid and held in escrow\n", res.Purchase.ID)
				} else {
					fmt.Fprintf(w, "Purchase %s was already recorded\n", res.Purchase.ID)
				}
				fmt.Fprintf(w, "  Item:\t%s\n", res.Purchase.ItemID)
				fmt.Fprintf(w, "  Price:\t%s\n", sol(res.Purchase.Price))
				fmt.Fprintf(w, "  Network fee:\t%d lamports\n", res.Fee)
				fmt.Fprintf(w, "  Escrow tx:\t%s\n", res.Purchase.EscrowTxID)
			})
		},
	}
}

// checkoutError puts the buyer-facing reason first. Payment failures can be
// resumed under the same purchase id; listing problems cannot.
func checkoutError(err error, purchaseID string) error {
	switch {
	case errors.Is(err, escrow.ErrSoldOut),
		errors.Is(err, escrow.ErrOwnItem),
		errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, escrow.ErrInvalidState):
		return fmt.Errorf("checkout %s failed: %w", purchaseID, err)
	}
	return fmt.Errorf("%s (retry with --purchase-id %s): %w", payment.Describe(err), purchaseID, err)
}
