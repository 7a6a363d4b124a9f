package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/solescrow/service/escrow"
	"github.com/brojonat/solescrow/service/metrics"
	natspkg "github.com/brojonat/solescrow/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// SSEPublisher fans purchase events from JetStream out to Server-Sent Events clients.
type SSEPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSSEPublisher connects to NATS and makes sure the purchases stream exists.
func NewSSEPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*SSEPublisher, error) {
	nc, err := natspkg.Connect(natsURL, "solescrow-sse-publisher")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if err := natspkg.EnsureStream(context.Background(), js, logger); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("SSE publisher initialized", "nats_url", natsURL)

	return &SSEPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}, nil
}

// Close closes the NATS connection.
func (p *SSEPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("SSE publisher closed")
	}
	return nil
}

// streamSubject returns the subject filter for an optional event kind.
func streamSubject(kind string) (string, error) {
	switch escrow.EventKind(kind) {
	case "":
		return natspkg.StreamSubjects, nil
	case escrow.EventCreated, escrow.EventCompleted, escrow.EventReleased:
		return natspkg.SubjectFor(escrow.EventKind(kind)), nil
	default:
		return "", errorf("invalid kind %q: must be created, completed or released", kind)
	}
}

// handleStreamPurchases streams purchase lifecycle events.
// GET /api/v1/stream/purchases?kind=&purchase_id=&buyer=&seller=
func handleStreamPurchases(publisher *SSEPublisher, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		subject, err := streamSubject(query.Get("kind"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		purchaseID := query.Get("purchase_id")
		buyer := query.Get("buyer")
		seller := query.Get("seller")

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		flusher, _ := w.(http.Flusher)
		flush := func() {
			if flusher != nil {
				flusher.Flush()
			}
		}
		flush()

		if publisher.metrics != nil {
			publisher.metrics.RecordSSEConnectionChange(1)
			defer publisher.metrics.RecordSSEConnectionChange(-1)
		}

		logger.DebugContext(r.Context(), "SSE client connected",
			"subject", subject,
			"remote_addr", r.RemoteAddr,
		)

		// Ephemeral: removed once the connection closes.
		cons, err := publisher.js.CreateOrUpdateConsumer(r.Context(), natspkg.StreamName, jetstream.ConsumerConfig{
			FilterSubject: subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverNewPolicy,
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to create consumer",
				"subject", subject,
				"error", err,
			)
			fmt.Fprintf(w, "event: error\ndata: {\"error\": \"failed to subscribe\"}\n\n")
			return
		}

		msgChan := make(chan jetstream.Msg, 10)
		doneChan := make(chan struct{})

		go func() {
			defer close(doneChan)
			cc, err := cons.Consume(func(msg jetstream.Msg) {
				select {
				case msgChan <- msg:
				case <-r.Context().Done():
					return
				}
			})
			if err != nil {
				logger.ErrorContext(r.Context(), "failed to start consuming messages",
					"error", err,
				)
				return
			}
			<-r.Context().Done()
			cc.Stop()
		}()

		fmt.Fprintf(w, "event: connected\ndata: {\"subject\":%q}\n\n", subject)
		flush()

		keepalive := time.NewTicker(10 * time.Second)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flush()

			case msg := <-msgChan:
				var event natspkg.PurchaseEvent
				if err := json.Unmarshal(msg.Data(), &event); err != nil {
					logger.WarnContext(r.Context(), "failed to unmarshal event",
						"error", err,
					)
					msg.Ack()
					continue
				}
				msg.Ack()

				if !matchesEvent(&event, purchaseID, buyer, seller) {
					continue
				}

				data, err := json.Marshal(event)
				if err != nil {
					logger.WarnContext(r.Context(), "failed to marshal event",
						"error", err,
					)
					continue
				}

				fmt.Fprintf(w, "event: purchase\ndata: %s\n\n", data)
				flush()

				if publisher.metrics != nil {
					publisher.metrics.RecordSSEEventSent(event.Kind)
				}
				logger.DebugContext(r.Context(), "sent purchase event",
					"kind", event.Kind,
					"purchase_id", event.PurchaseID,
				)

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected",
					"subject", subject,
					"remote_addr", r.RemoteAddr,
				)
				return

			case <-doneChan:
				return
			}
		}
	})
}

// matchesEvent applies the optional client-side filters.
func matchesEvent(e *natspkg.PurchaseEvent, purchaseID, buyer, seller string) bool {
	if purchaseID != "" && e.PurchaseID != purchaseID {
		return false
	}
	if buyer != "" && e.Buyer != buyer {
		return false
	}
	if seller != "" && e.Seller != seller {
		return false
	}
	return true
}
