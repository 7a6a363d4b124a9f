package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/brojonat/solescrow/client"
	"github.com/brojonat/solescrow/service/escrow"
	"github.com/urfave/cli/v2"
)

func settingsCommands() *cli.Command {
	return &cli.Command{
		Name:  "settings",
		Usage: "Show or change the service settings",
		Subcommands: []*cli.Command{
			{
				Name:  "get",
				Usage: "Show the current settings",
				Action: func(c *cli.Context) error {
					s, err := apiClient(c).GetSettings(commandContext(c))
					if err != nil {
						return err
					}
					return output(c, s, func(w io.Writer) { printSettings(w, s) })
				},
			},
			{
				Name:  "set",
				Usage: "Change settings (admin wallet only)",
				Description: `Only the flags given are changed. The fee can be given in lamports
(--fee) or SOL (--fee-sol), not both.`,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "admin", Usage: "New admin wallet address"},
					&cli.StringFlag{Name: "escrow", Usage: "New escrow wallet address"},
					&cli.Uint64Flag{Name: "fee", Usage: "Service fee in lamports"},
					&cli.StringFlag{Name: "fee-sol", Usage: "Service fee in SOL, e.g. 0.001"},
				},
				Action: func(c *cli.Context) error {
					var update client.SettingsUpdate
					if c.IsSet("admin") {
						v := c.String("admin")
						update.AdminWallet = &v
					}
					if c.IsSet("escrow") {
						v := c.String("escrow")
						update.EscrowWallet = &v
					}
					if c.IsSet("fee") {
						v := c.Uint64("fee")
						update.ServiceFee = &v
					}
					if c.IsSet("fee-sol") {
						v := c.String("fee-sol")
						update.ServiceFeeSOL = &v
					}
					if update == (client.SettingsUpdate{}) {
						return fmt.Errorf("nothing to change: pass at least one of --admin, --escrow, --fee, --fee-sol")
					}

					s, err := apiClient(c).UpdateSettings(commandContext(c), update)
					if err != nil {
						return err
					}
					return output(c, s, func(w io.Writer) {
						fmt.Fprintln(w, "✓ Settings updated")
						printSettings(w, s)
					})
				},
			},
		},
	}
}

func printSettings(w io.Writer, s *client.Settings) {
	fmt.Fprintf(w, "Admin wallet:\t%s\n", s.AdminWallet)
	fmt.Fprintf(w, "Escrow wallet:\t%s\n", s.EscrowWallet)
	fmt.Fprintf(w, "Service fee:\t%s SOL (%d lamports)\n", s.ServiceFeeSOL, s.ServiceFee)
}

func listFlags(escrowStatus bool) []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{Name: "buyer", Usage: "Filter by buyer wallet"},
		&cli.StringFlag{Name: "seller", Usage: "Filter by seller wallet"},
		&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Usage: "Maximum number of results", Value: escrow.DefaultListLimit},
	}
	if escrowStatus {
		return append(flags,
			&cli.StringFlag{Name: "status", Usage: "Filter by purchase status (pending, paid, completed)"},
			&cli.StringFlag{Name: "escrow-status", Usage: "Filter by escrow status (pending, held, released, refunded)"},
		)
	}
	return append(flags, &cli.StringFlag{Name: "status", Usage: "Filter by escrow status (pending, held, released, refunded)"})
}

func listOptions(c *cli.Context) client.ListOptions {
	return client.ListOptions{
		Buyer:        c.String("buyer"),
		Seller:       c.String("seller"),
		Status:       c.String("status"),
		EscrowStatus: c.String("escrow-status"),
		Limit:        c.Int("limit"),
	}
}

func purchasesCommands() *cli.Command {
	return &cli.Command{
		Name:    "purchases",
		Aliases: []string{"p"},
		Usage:   "Inspect and settle purchases",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List purchases, newest first",
				Flags: listFlags(true),
				Action: func(c *cli.Context) error {
					purchases, err := apiClient(c).ListPurchases(commandContext(c), listOptions(c))
					if err != nil {
						return err
					}
					return output(c, purchases, func(w io.Writer) {
						if len(purchases) == 0 {
							fmt.Fprintln(w, "No purchases found")
							return
						}
						fmt.Fprintln(w, "ID\tITEM\tBUYER\tSELLER\tPRICE\tSTATUS\tESCROW\tCREATED")
						for _, p := range purchases {
							fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
								p.ID, p.ItemID, p.Buyer, p.Seller, sol(p.Price),
								p.Status, p.EscrowStatus, formatTime(p.CreatedAt))
						}
						fmt.Fprintf(w, "\nTotal: %d purchase(s)\n", len(purchases))
					})
				},
			},
			{
				Name:      "get",
				Usage:     "Show a purchase and its transaction",
				ArgsUsage: "<purchase-id>",
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, "purchase-id")
					if err != nil {
						return err
					}
					v, err := apiClient(c).GetPurchase(commandContext(c), id)
					if err != nil {
						return err
					}
					return output(c, v, func(w io.Writer) { printPurchaseView(w, v) })
				},
			},
			{
				Name:      "verify",
				Usage:     "Check a purchase's transfers against the ledger",
				ArgsUsage: "<purchase-id>",
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, "purchase-id")
					if err != nil {
						return err
					}
					v, err := apiClient(c).VerifyPurchase(commandContext(c), id)
					if err != nil {
						return err
					}
					if err := output(c, v, func(w io.Writer) { printVerification(w, v) }); err != nil {
						return err
					}
					if !v.OK {
						return cli.Exit("", 1)
					}
					return nil
				},
			},
			{
				Name:      "fulfill",
				Usage:     "Mark a paid purchase as completed (seller wallet only)",
				ArgsUsage: "<purchase-id>",
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, "purchase-id")
					if err != nil {
						return err
					}
					p, err := apiClient(c).Fulfill(commandContext(c), id)
					if err != nil {
						return err
					}
					return output(c, p, func(w io.Writer) {
						fmt.Fprintf(w, "✓ Purchase %s is %s\n", p.ID, p.Status)
					})
				},
			},
			releaseCommand(),
		},
	}
}

func releaseCommand() *cli.Command {
	return &cli.Command{
		Name:      "release",
		Usage:     "Release held funds to the seller (admin wallet only)",
		ArgsUsage: "<purchase-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "wait", Usage: "Wait for the release workflow to finish"},
			&cli.DurationFlag{Name: "poll", Usage: "Poll interval while waiting", Value: 2 * time.Second},
			&cli.DurationFlag{Name: "timeout", Usage: "Give up waiting after this long", Value: 5 * time.Minute},
		},
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, "purchase-id")
			if err != nil {
				return err
			}
			cl := apiClient(c)
			rel, err := cl.Release(commandContext(c), id)
			if err != nil {
				return err
			}

			if rel.WorkflowID == "" || !c.Bool("wait") {
				return output(c, rel, func(w io.Writer) { printRelease(w, rel) })
			}

			ctx, cancel := context.WithTimeout(commandContext(c), c.Duration("timeout"))
			defer cancel()
			st, err := cl.WaitRelease(ctx, rel.WorkflowID, c.Duration("poll"))
			if err != nil {
				return err
			}
			if err := output(c, st, func(w io.Writer) { printReleaseStatus(w, st) }); err != nil {
				return err
			}
			if st.Status != "completed" {
				return fmt.Errorf("release workflow %s ended %s: %s", st.WorkflowID, st.Status, st.Error)
			}
			return nil
		},
	}
}

func printRelease(w io.Writer, rel *client.Release) {
	switch {
	case rel.AlreadyReleased:
		fmt.Fprintf(w, "Purchase %s was already released\n", rel.PurchaseID)
		fmt.Fprintf(w, "  Release tx:\t%s\n", orDash(rel.ReleaseTxID))
	case rel.WorkflowID != "":
		fmt.Fprintf(w, "✓ Release started for %s\n", rel.PurchaseID)
		fmt.Fprintf(w, "  Workflow:\t%s\n", rel.WorkflowID)
		fmt.Fprintf(w, "  Run:\t%s\n", rel.RunID)
		fmt.Fprintf(w, "  Status URL:\t%s\n", rel.StatusURL)
	default:
		fmt.Fprintf(w, "✓ Released %s\n", rel.PurchaseID)
		fmt.Fprintf(w, "  Release tx:\t%s\n", rel.ReleaseTxID)
	}
}

func printReleaseStatus(w io.Writer, st *client.ReleaseStatus) {
	fmt.Fprintf(w, "Workflow:\t%s\n", st.WorkflowID)
	fmt.Fprintf(w, "Run:\t%s\n", st.RunID)
	fmt.Fprintf(w, "Status:\t%s\n", st.Status)
	if st.Result != nil {
		fmt.Fprintf(w, "Purchase:\t%s\n", st.Result.PurchaseID)
		fmt.Fprintf(w, "Release tx:\t%s\n", orDash(st.Result.ReleaseTxID))
		fmt.Fprintf(w, "Already released:\t%t\n", st.Result.AlreadyReleased)
		fmt.Fprintf(w, "Attempts:\t%d\n", st.Result.Attempts)
	}
	if st.Error != "" {
		fmt.Fprintf(w, "Error:\t%s\n", st.Error)
	}
}

func printPurchaseView(w io.Writer, v *escrow.PurchaseView) {
	p := v.Purchase
	fmt.Fprintf(w, "ID:\t%s\n", p.ID)
	fmt.Fprintf(w, "Item:\t%s\n", p.ItemID)
	fmt.Fprintf(w, "Buyer:\t%s\n", p.Buyer)
	fmt.Fprintf(w, "Seller:\t%s\n", p.Seller)
	fmt.Fprintf(w, "Price:\t%s\n", sol(p.Price))
	fmt.Fprintf(w, "Status:\t%s\n", p.Status)
	fmt.Fprintf(w, "Escrow status:\t%s\n", p.EscrowStatus)
	fmt.Fprintf(w, "Escrow tx:\t%s\n", p.EscrowTxID)
	fmt.Fprintf(w, "Release tx:\t%s\n", orDash(p.ReleaseTxID))
	fmt.Fprintf(w, "Created:\t%s\n", formatTime(p.CreatedAt))
	fmt.Fprintf(w, "Updated:\t%s\n", formatTime(p.UpdatedAt))
	fmt.Fprintf(w, "Fulfillable:\t%t\n", v.Fulfillable)
	fmt.Fprintf(w, "Releasable:\t%t\n", v.Releasable)
	if tx := v.Transaction; tx != nil {
		fmt.Fprintf(w, "Transaction:\t%s (%s, %s)\n", tx.ID, tx.Status, sol(tx.Amount))
	}
}

func printVerification(w io.Writer, v *escrow.Verification) {
	mark := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "✗"
	}
	fmt.Fprintf(w, "Purchase:\t%s\n", v.PurchaseID)
	fmt.Fprintf(w, "Escrow transfer:\t%s %s\n", mark(v.Escrow.OK()), v.Escrow.Signature)
	for _, problem := range v.Escrow.Problems {
		fmt.Fprintf(w, "\t  %s\n", problem)
	}
	if v.Release != nil {
		fmt.Fprintf(w, "Release transfer:\t%s %s\n", mark(v.Release.OK()), v.Release.Signature)
		for _, problem := range v.Release.Problems {
			fmt.Fprintf(w, "\t  %s\n", problem)
		}
	}
	fmt.Fprintf(w, "Verified:\t%s\n", mark(v.OK))
}

func transactionsCommands() *cli.Command {
	return &cli.Command{
		Name:    "transactions",
		Aliases: []string{"tx"},
		Usage:   "Inspect escrow transactions",
		Subcommands: []*cli.Command{
			listTransactionsCommand(),
		},
	}
}

func listTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List escrow transactions, newest first",
		Flags: listFlags(false),
		Action: func(c *cli.Context) error {
			txns, err := apiClient(c).ListTransactions(commandContext(c), listOptions(c))
			if err != nil {
				return err
			}
			return output(c, txns, func(w io.Writer) {
				if len(txns) == 0 {
					fmt.Fprintln(w, "No transactions found")
					return
				}
				fmt.Fprintln(w, "ID\tPURCHASE\tAMOUNT\tSTATUS\tESCROW TX\tRELEASE TX\tCREATED")
				for _, tx := range txns {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						tx.ID, tx.PurchaseID, sol(tx.Amount), tx.Status,
						tx.EscrowTxID, orDash(tx.ReleaseTxID), formatTime(tx.CreatedAt))
				}
				fmt.Fprintf(w, "\nTotal: %d transaction(s)\n", len(txns))
			})
		},
	}
}

func getItemCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show a catalog item",
		ArgsUsage: "<item-id>",
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, "item-id")
			if err != nil {
				return err
			}
			item, err := apiClient(c).GetItem(commandContext(c), id)
			if err != nil {
				return err
			}
			return output(c, item, func(w io.Writer) {
				fmt.Fprintf(w, "ID:\t%s\n", item.ID)
				fmt.Fprintf(w, "Title:\t%s\n", item.Title)
				fmt.Fprintf(w, "Seller:\t%s\n", item.Seller)
				fmt.Fprintf(w, "Price:\t%s SOL (%d lamports)\n", item.PriceSOL, item.Price)
				fmt.Fprintf(w, "Sold:\t%d/%d\n", item.QuantitySold, item.Quantity)
				fmt.Fprintf(w, "Status:\t%s\n", item.Status)
			})
		},
	}
}

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check server health",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			serverURL := c.String("server-url")
			if serverURL == "" {
				return fmt.Errorf("server-url is required (set SERVER_URL env var or use --server-url)")
			}

			httpClient := &http.Client{Timeout: c.Duration("timeout")}
			resp, err := httpClient.Get(serverURL + "/health")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusOK {
				fmt.Fprintf(c.App.Writer, "✓ Server is healthy (status: %d)\n", resp.StatusCode)
				fmt.Fprintf(c.App.Writer, "  URL: %s\n", serverURL)
				return nil
			}
			return fmt.Errorf("server returned unhealthy status: %d", resp.StatusCode)
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			fmt.Fprintf(c.App.Writer, "escrowctl\n")
			fmt.Fprintf(c.App.Writer, "  Version: %s\n", version)
			fmt.Fprintf(c.App.Writer, "  Commit:  %s\n", commit)
			fmt.Fprintf(c.App.Writer, "  Built:   %s\n", date)
			return nil
		},
	}
}
