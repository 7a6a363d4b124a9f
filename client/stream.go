package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	natspkg "github.com/brojonat/solescrow/service/nats"
)

// ErrStopStream may be returned by a stream handler to end the stream without error.
var ErrStopStream = errors.New("stop stream")

// StreamOptions filters the purchase event stream. Zero fields are omitted.
type StreamOptions struct {
	Kind       string // created, completed or released
	PurchaseID string
	Buyer      string
	Seller     string
}

func (o StreamOptions) query() url.Values {
	q := url.Values{}
	if o.Kind != "" {
		q.Set("kind", o.Kind)
	}
	if o.PurchaseID != "" {
		q.Set("purchase_id", o.PurchaseID)
	}
	if o.Buyer != "" {
		q.Set("buyer", o.Buyer)
	}
	if o.Seller != "" {
		q.Set("seller", o.Seller)
	}
	return q
}

// Stream subscribes to purchase events over SSE and calls fn for each one
// until ctx is done, the server closes the stream, or fn returns an error.
func (c *Client) Stream(ctx context.Context, opts StreamOptions, fn func(*natspkg.PurchaseEvent) error) error {
	u := c.baseURL + "/api/v1/stream/purchases"
	if q := opts.query(); len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The configured client's timeout would cut the stream short.
	streamClient := *c.httpClient
	streamClient.Timeout = 0

	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to SSE endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	c.logger.Debug("connected to purchase stream", "kind", opts.Kind, "purchase_id", opts.PurchaseID)

	scanner := bufio.NewScanner(resp.Body)
	var currentEvent, currentData string

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line indicates end of event
		if line == "" {
			if currentEvent != "" && currentData != "" {
				if err := dispatch(currentEvent, currentData, fn); err != nil {
					if errors.Is(err, ErrStopStream) {
						return nil
					}
					return err
				}
			}
			currentEvent = ""
			currentData = ""
			continue
		}

		if strings.HasPrefix(line, "event:") {
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			currentData = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("error reading SSE stream: %w", err)
	}
	return ctx.Err()
}

func dispatch(eventType, data string, fn func(*natspkg.PurchaseEvent) error) error {
	switch eventType {
	case "purchase":
		var event natspkg.PurchaseEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		return fn(&event)

	case "error":
		var errInfo struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &errInfo); err != nil {
			return err
		}
		return fmt.Errorf("server error: %s", errInfo.Error)

	default:
		// connected, or anything newer than this client
		return nil
	}
}

// Await blocks until an event of kind arrives for purchaseID.
func (c *Client) Await(ctx context.Context, purchaseID, kind string) (*natspkg.PurchaseEvent, error) {
	var found *natspkg.PurchaseEvent
	err := c.Stream(ctx, StreamOptions{Kind: kind, PurchaseID: purchaseID}, func(e *natspkg.PurchaseEvent) error {
		if e.PurchaseID != purchaseID || (kind != "" && e.Kind != kind) {
			return nil
		}
		found = e
		return ErrStopStream
	})
	if found != nil {
		return found, nil
	}
	if err == nil {
		err = errors.New("stream closed before event arrived")
	}
	return nil, err
}
