// Command sagactl drives the orders service admin endpoints: event replay,
// consistency checks and the saga sweeps.
//
//	sagactl [global flags] replay -order <id> [-wait]
//	sagactl [global flags] replay-status -status FAILED
//	sagactl [global flags] replay-range -from 2024-01-01T00:00:00Z [-to ...]
//	sagactl [global flags] consistency -order <id>
//	sagactl [global flags] sweep-timeouts
//	sagactl [global flags] sweep-cleanup
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "sagactl:", err)
		os.Exit(1)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func run(ctx context.Context, args []string, out io.Writer) error {
	global := flag.NewFlagSet("sagactl", flag.ContinueOnError)
	global.SetOutput(out)
	addr := global.String("addr", getEnv("ORDERS_SERVICE_URL", "http://localhost:8080"), "orders service base URL")
	tenant := global.String("tenant", getEnv("SAGACTL_TENANT", ""), "tenant id")
	token := global.String("token", getEnv("ADMIN_TOKEN", ""), "admin token")
	correlation := global.String("correlation-id", "", "correlation id to attach")
	timeout := global.Duration("timeout", 30*time.Second, "request timeout")
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		return errors.New("missing command: replay, replay-status, replay-range, consistency, sweep-timeouts, sweep-cleanup")
	}
	if *tenant == "" {
		return errors.New("-tenant is required")
	}

	client := NewClient(ClientOptions{
		BaseURL:       *addr,
		TenantID:      *tenant,
		AdminToken:    *token,
		CorrelationID: *correlation,
		Timeout:       *timeout,
	})

	cmd, cmdArgs := global.Arg(0), global.Args()[1:]
	result, err := dispatch(ctx, client, cmd, cmdArgs, out)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func dispatch(ctx context.Context, client *Client, cmd string, args []string, out io.Writer) (any, error) {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(out)

	switch cmd {
	case "replay":
		orderID := fs.String("order", "", "order id")
		wait := fs.Bool("wait", false, "wait for broker acknowledgement")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if *orderID == "" {
			return nil, errors.New("replay: -order is required")
		}
		return client.ReplayOrder(ctx, *orderID, *wait)

	case "replay-status":
		status := fs.String("status", "", "order status to replay")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if *status == "" {
			return nil, errors.New("replay-status: -status is required")
		}
		return client.ReplayByStatus(ctx, *status)

	case "replay-range":
		from := fs.String("from", "", "RFC3339 lower bound")
		to := fs.String("to", "", "RFC3339 upper bound, defaults to now")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		fromTime, err := time.Parse(time.RFC3339, *from)
		if err != nil {
			return nil, fmt.Errorf("replay-range: -from: %w", err)
		}
		var toTime time.Time
		if *to != "" {
			if toTime, err = time.Parse(time.RFC3339, *to); err != nil {
				return nil, fmt.Errorf("replay-range: -to: %w", err)
			}
		}
		return client.ReplayByDateRange(ctx, fromTime, toTime)

	case "consistency":
		orderID := fs.String("order", "", "order id")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if *orderID == "" {
			return nil, errors.New("consistency: -order is required")
		}
		return client.Consistency(ctx, *orderID)

	case "sweep-timeouts":
		return client.RunTimeouts(ctx)

	case "sweep-cleanup":
		return client.RunCleanup(ctx)
	}
	return nil, fmt.Errorf("unknown command %q", cmd)
}
