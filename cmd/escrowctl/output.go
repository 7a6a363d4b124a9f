package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/brojonat/solescrow/client"
	"github.com/brojonat/solescrow/service/solana"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

// jsonOutput reports whether the command should print JSON.
func jsonOutput(c *cli.Context) bool {
	return c.Bool("json") || c.String("jq") != ""
}

// output prints v as JSON (filtered through --jq when set) or hands the
// writer to table for human output.
func output(c *cli.Context, v interface{}, table func(w io.Writer)) error {
	if jsonOutput(c) {
		return outputJSON(c, v)
	}
	tw := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
	table(tw)
	return tw.Flush()
}

// outputJSON prints v as indented JSON, or each result of the --jq
// expression when one is given.
func outputJSON(c *cli.Context, v interface{}) error {
	expr := c.String("jq")
	if expr == "" {
		return writeIndented(c.App.Writer, v)
	}

	code, err := compileJQ(expr)
	if err != nil {
		return err
	}
	input, err := toJQValue(v)
	if err != nil {
		return err
	}

	iter := code.Run(input)
	for {
		out, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, isErr := out.(error); isErr {
			return fmt.Errorf("jq: %w", err)
		}
		if err := writeIndented(c.App.Writer, out); err != nil {
			return err
		}
	}
}

func writeIndented(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func compileJQ(expr string) (*gojq.Code, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq expression: %w", err)
	}
	return code, nil
}

// toJQValue converts v to the plain maps and slices gojq operates on.
func toJQValue(v interface{}) (interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal output: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal output: %w", err)
	}
	return out, nil
}

// matchesJQ reports whether the first result of code on v is truthy.
func matchesJQ(code *gojq.Code, v interface{}) (bool, error) {
	input, err := toJQValue(v)
	if err != nil {
		return false, err
	}
	result, ok := code.Run(input).Next()
	if !ok {
		return false, nil
	}
	if err, isErr := result.(error); isErr {
		return false, fmt.Errorf("jq: %w", err)
	}
	return isTruthy(result), nil
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

// apiClient builds an API client from the global flags.
func apiClient(c *cli.Context) *client.Client {
	logger := slog.New(slog.NewTextHandler(c.App.ErrWriter, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cl := client.NewClient(c.String("server-url"), &http.Client{Timeout: 30 * time.Second}, logger)
	if wallet := c.String("wallet"); wallet != "" {
		cl = cl.WithWallet(wallet)
	}
	return cl
}

func requireArg(c *cli.Context, name string) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("requires exactly one argument: %s", name)
	}
	return c.Args().First(), nil
}

func sol(lamports uint64) string {
	return solana.FormatSOL(lamports) + " SOL"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func commandContext(c *cli.Context) context.Context {
	if c.Context != nil {
		return c.Context
	}
	return context.Background()
}
