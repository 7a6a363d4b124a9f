package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/solescrow/client"
	"github.com/brojonat/solescrow/service/escrow"
	natspkg "github.com/brojonat/solescrow/service/nats"
	"github.com/itchyny/gojq"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

func eventFilterFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "kind", Usage: "Only events of this kind (created, completed, released)"},
		&cli.StringFlag{Name: "purchase", Usage: "Only events for this purchase ID"},
		&cli.StringFlag{Name: "buyer", Usage: "Only events for this buyer wallet"},
		&cli.StringFlag{Name: "seller", Usage: "Only events for this seller wallet"},
		&cli.StringFlag{Name: "filter", Usage: "jq expression; only events for which it is truthy are shown"},
		&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Usage: "Exit after this many events (0 = unlimited)"},
	}
}

// eventPrinter filters and prints purchase events for the stream commands.
type eventPrinter struct {
	w      io.Writer
	json   bool
	filter *gojq.Code
	max    int
	seen   int
}

func newEventPrinter(c *cli.Context) (*eventPrinter, error) {
	p := &eventPrinter{
		w:    c.App.Writer,
		json: jsonOutput(c),
		max:  c.Int("count"),
	}
	if expr := c.String("filter"); expr != "" {
		code, err := compileJQ(expr)
		if err != nil {
			return nil, err
		}
		p.filter = code
	}
	return p, nil
}

// handle prints e if it passes the filter. It returns client.ErrStopStream
// once the requested number of events has been shown.
func (p *eventPrinter) handle(e *natspkg.PurchaseEvent) error {
	if p.filter != nil {
		ok, err := matchesJQ(p.filter, e)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	p.seen++
	if p.json {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		fmt.Fprintln(p.w, string(data))
	} else {
		fmt.Fprintf(p.w, "─────────────────────────────────────────────────────\n")
		fmt.Fprintf(p.w, "Purchase %s (#%d)\n", e.Kind, p.seen)
		fmt.Fprintf(p.w, "─────────────────────────────────────────────────────\n")
		fmt.Fprintf(p.w, "Purchase:     %s\n", e.PurchaseID)
		fmt.Fprintf(p.w, "Item:         %s\n", e.ItemID)
		fmt.Fprintf(p.w, "Buyer:        %s\n", e.Buyer)
		fmt.Fprintf(p.w, "Seller:       %s\n", e.Seller)
		fmt.Fprintf(p.w, "Price:        %s\n", sol(e.Price))
		fmt.Fprintf(p.w, "Status:       %s / %s\n", e.Status, e.EscrowStatus)
		fmt.Fprintf(p.w, "Escrow tx:    %s\n", e.EscrowTxID)
		if e.ReleaseTxID != "" {
			fmt.Fprintf(p.w, "Release tx:   %s\n", e.ReleaseTxID)
		}
		fmt.Fprintf(p.w, "Published:    %s\n\n", e.PublishedAt.Format(time.RFC3339))
	}

	if p.max > 0 && p.seen >= p.max {
		return client.ErrStopStream
	}
	return nil
}

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(commandContext(c), os.Interrupt, syscall.SIGTERM)
}

func streamCommand() *cli.Command {
	return &cli.Command{
		Name:  "stream",
		Usage: "Stream purchase events from the server (SSE)",
		Description: `Streams purchase events as the server publishes them.

Example:
  escrowctl stream --kind released --seller <wallet> --filter '.price > 1000000000'`,
		Flags: append(eventFilterFlags(),
			&cli.DurationFlag{Name: "timeout", Usage: "Stop after this long (0 = until interrupted)"},
		),
		Action: func(c *cli.Context) error {
			printer, err := newEventPrinter(c)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(c)
			defer cancel()
			if d := c.Duration("timeout"); d > 0 {
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}

			err = apiClient(c).Stream(ctx, client.StreamOptions{
				Kind:       c.String("kind"),
				PurchaseID: c.String("purchase"),
				Buyer:      c.String("buyer"),
				Seller:     c.String("seller"),
			}, printer.handle)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		},
	}
}

func tailCommand() *cli.Command {
	return &cli.Command{
		Name:  "tail",
		Usage: "Follow purchase events straight from JetStream",
		Description: `Creates an ephemeral consumer on the PURCHASES stream and prints events.

Example:
  escrowctl nats tail --kind created --all`,
		Flags: append(eventFilterFlags(),
			&cli.BoolFlag{Name: "all", Usage: "Replay every retained event instead of only new ones"},
		),
		Action: func(c *cli.Context) error {
			printer, err := newEventPrinter(c)
			if err != nil {
				return err
			}

			subject := natspkg.StreamSubjects
			if kind := c.String("kind"); kind != "" {
				switch escrow.EventKind(kind) {
				case escrow.EventCreated, escrow.EventCompleted, escrow.EventReleased:
					subject = natspkg.SubjectFor(escrow.EventKind(kind))
				default:
					return fmt.Errorf("unknown event kind %q", kind)
				}
			}

			nc, err := natspkg.Connect(c.String("nats-url"), "escrowctl")
			if err != nil {
				return err
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			ctx, cancel := signalContext(c)
			defer cancel()

			deliver := jetstream.DeliverNewPolicy
			if c.Bool("all") {
				deliver = jetstream.DeliverAllPolicy
			}
			cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, jetstream.ConsumerConfig{
				FilterSubject: subject,
				AckPolicy:     jetstream.AckExplicitPolicy,
				DeliverPolicy: deliver,
			})
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}

			if !printer.json {
				fmt.Fprintf(c.App.ErrWriter, "📡 Following %s on %s (Ctrl-C to exit)\n\n", subject, c.String("nats-url"))
			}

			msgChan := make(chan jetstream.Msg, 10)
			consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
				msgChan <- msg
			})
			if err != nil {
				return fmt.Errorf("failed to start consumer: %w", err)
			}
			defer consumeCtx.Stop()

			purchaseID, buyer, seller := c.String("purchase"), c.String("buyer"), c.String("seller")
			for {
				select {
				case msg := <-msgChan:
					_ = msg.Ack()

					var event natspkg.PurchaseEvent
					if err := json.Unmarshal(msg.Data(), &event); err != nil {
						fmt.Fprintf(c.App.ErrWriter, "Error parsing event: %v\n", err)
						continue
					}
					if (purchaseID != "" && event.PurchaseID != purchaseID) ||
						(buyer != "" && event.Buyer != buyer) ||
						(seller != "" && event.Seller != seller) {
						continue
					}
					if err := printer.handle(&event); err != nil {
						if errors.Is(err, client.ErrStopStream) {
							return nil
						}
						return err
					}

				case <-ctx.Done():
					if !printer.json {
						fmt.Fprintf(c.App.ErrWriter, "\n✅ Received %d event(s)\n", printer.seen)
					}
					return nil
				}
			}
		},
	}
}

func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the PURCHASES JetStream stream",
		Action: func(c *cli.Context) error {
			nc, err := natspkg.Connect(c.String("nats-url"), "escrowctl")
			if err != nil {
				return err
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			ctx, cancel := context.WithTimeout(commandContext(c), 10*time.Second)
			defer cancel()

			stream, err := js.Stream(ctx, natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream %s: %w", natspkg.StreamName, err)
			}
			info, err := stream.Info(ctx)
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			return output(c, info, func(w io.Writer) {
				fmt.Fprintf(w, "Stream:\t%s\n", info.Config.Name)
				fmt.Fprintf(w, "Subjects:\t%v\n", info.Config.Subjects)
				fmt.Fprintf(w, "Retention:\t%s\n", info.Config.Retention)
				fmt.Fprintf(w, "Max age:\t%s\n", info.Config.MaxAge)
				fmt.Fprintf(w, "Storage:\t%s\n", info.Config.Storage)
				fmt.Fprintf(w, "Messages:\t%d\n", info.State.Msgs)
				fmt.Fprintf(w, "Bytes:\t%d\n", info.State.Bytes)
				fmt.Fprintf(w, "First seq:\t%d\n", info.State.FirstSeq)
				fmt.Fprintf(w, "Last seq:\t%d\n", info.State.LastSeq)
				fmt.Fprintf(w, "Consumers:\t%d\n", info.State.Consumers)
			})
		},
	}
}
