// Package app assembles the settlement engine from configuration. The server,
// the worker and the CLI all build the same graph through it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brojonat/solescrow/service/config"
	"github.com/brojonat/solescrow/service/db"
	"github.com/brojonat/solescrow/service/escrow"
	"github.com/brojonat/solescrow/service/metrics"
	natspkg "github.com/brojonat/solescrow/service/nats"
	"github.com/brojonat/solescrow/service/payment"
	"github.com/brojonat/solescrow/service/signer"
	"github.com/brojonat/solescrow/service/solana"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Options adjusts what Build wires.
type Options struct {
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Signers are added to the keyring next to the escrow keypair, e.g. a
	// buyer's keypair for a CLI checkout.
	Signers []signer.Signer

	// DisableNATS skips the event publisher.
	DisableNATS bool
}

// Components is the assembled engine.
type Components struct {
	Pool      *pgxpool.Pool
	Store     *db.Store
	Ledger    *solana.Client
	Keyring   *signer.Keyring
	Submitter *payment.Submitter
	Publisher *natspkg.JetStreamPublisher // nil when NATS is disabled
	Service   *escrow.Service
	Settings  escrow.Settings
}

// Build connects to the database, ledger and NATS and wires the escrow service.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*Components, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	c := &Components{Pool: pool}

	if err := pool.Ping(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("connected to database")

	if cfg.AutoMigrate {
		if err := db.Migrate(ctx, pool); err != nil {
			c.Close()
			return nil, err
		}
		logger.Info("database migrations applied")
	}
	c.Store = db.NewStore(pool, opts.Metrics)

	// Stored settings win over the environment once seeded.
	c.Settings, err = escrow.ResolveSettings(ctx, c.Store, cfg.Settings())
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to resolve settings: %w", err)
	}

	c.Ledger = solana.NewClient(
		solana.NewRPCClient(cfg.SolanaRPCURL),
		cfg.SolanaNetwork,
		opts.Metrics,
		logger,
		solana.WithRateLimit(cfg.SolanaRPCRPS, 1),
		solana.WithPollInterval(cfg.ConfirmPollInterval),
	)
	logger.Info("initialized solana RPC client", "network", cfg.SolanaNetwork, "rps", cfg.SolanaRPCRPS)

	c.Keyring = signer.NewKeyring(opts.Signers...)
	if cfg.EscrowKeypairPath != "" {
		escrowSigner, err := signer.LoadKeypairFile(cfg.EscrowKeypairPath)
		if err != nil {
			c.Close()
			return nil, err
		}
		if escrowSigner.PublicKey().String() != c.Settings.EscrowWallet {
			c.Close()
			return nil, fmt.Errorf("escrow keypair %s does not match the escrow wallet in force %s",
				escrowSigner.PublicKey(), c.Settings.EscrowWallet)
		}
		c.Keyring.Add(escrowSigner)
		logger.Info("loaded escrow keypair", "wallet", c.Settings.EscrowWallet)
	} else {
		logger.Warn("no escrow keypair configured, releases will fail until one is loaded")
	}

	c.Submitter = payment.NewSubmitter(c.Ledger, c.Keyring, c.Store, cfg.PaymentConfig(), opts.Metrics, logger)

	deps := escrow.Deps{
		Store:        c.Store,
		Catalog:      c.Store,
		Payer:        c.Submitter,
		Ledger:       c.Ledger,
		Metrics:      opts.Metrics,
		Logger:       logger,
		ReleaseLease: cfg.ReleaseLease,
		MaxAttempts:  cfg.PayMaxAttempts,
	}

	if !opts.DisableNATS && cfg.NATSURL != "" {
		c.Publisher, err = natspkg.NewPublisher(cfg.NATSURL, opts.Metrics, logger)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to create NATS publisher: %w", err)
		}
		deps.Publisher = c.Publisher
	}

	c.Service, err = escrow.NewService(deps, c.Settings)
	if err != nil {
		c.Close()
		return nil, err
	}

	logger.Info("escrow service ready",
		"admin_wallet", c.Settings.AdminWallet,
		"escrow_wallet", c.Settings.EscrowWallet,
		"service_fee", c.Settings.ServiceFee,
	)
	return c, nil
}

// Close releases the NATS connection and the database pool.
func (c *Components) Close() {
	if c.Publisher != nil {
		c.Publisher.Close()
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}
