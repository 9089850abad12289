package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/acces/alumni-chat/loadtest/stats"
)

// runSaturate opens idle connections at a steady rate, then holds them and
// reports how many the relay dropped. Every connection joins the shared room,
// so this also measures the cost of room membership.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	usersFlag := fs.String("users", "", "Comma-separated user ids to connect as (round-robin)")
	fs.Parse(args)

	users := splitUsers(*usersFlag)
	if len(users) == 0 {
		fmt.Fprintln(os.Stderr, "saturate: -users is required")
		os.Exit(2)
	}

	fmt.Printf("Saturate test: %d connections to %s as %d users (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, len(users), *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	fmt.Println("\n--- Ramp-up phase ---")
	start := time.Now()
	clients := rampConnect(ctx, rampOptions{
		url:         *url,
		users:       users,
		count:       *connections,
		ramp:        *rampUp,
		concurrency: *concurrency,
	}, collector)
	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(start).Round(time.Millisecond), collector.ErrorCount())

	dropped := 0
	if ctx.Err() == nil {
		fmt.Println("\n--- Hold phase ---")
		_, initial := countAlive(clients)
		fmt.Printf("Holding %d connections for %s...\n", initial, *hold)

		holdTimer := time.NewTimer(*hold)
		status := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-status.C:
				alive, total := countAlive(clients)
				dropped = total - alive
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, total, dropped)
			}
		}
		holdTimer.Stop()
		status.Stop()
	}

	fmt.Println("\n--- Cleanup ---")
	fmt.Printf("Closed %d connections.\n", closeAll(clients))

	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report()
}
