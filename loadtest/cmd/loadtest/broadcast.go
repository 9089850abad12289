package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/acces/alumni-chat/loadtest/client"
	"github.com/acces/alumni-chat/loadtest/stats"
)

// probePrefix marks messages sent by this tool. The text carries the send
// time so every recipient can compute its own delivery latency.
const probePrefix = "lt|"

func probeText(sender, seq int, size int) string {
	text := fmt.Sprintf("%s%d|%d|%d|", probePrefix, sender, seq, time.Now().UnixNano())
	if pad := size - len(text); pad > 0 {
		text += strings.Repeat("x", pad)
	}
	return text
}

// parseProbe returns the send time encoded in a probe message.
func parseProbe(text string) (time.Time, bool) {
	if !strings.HasPrefix(text, probePrefix) {
		return time.Time{}, false
	}
	parts := strings.SplitN(strings.TrimPrefix(text, probePrefix), "|", 4)
	if len(parts) < 3 {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

// runBroadcast connects participants to the shared room, has the first
// -senders of them post at a fixed interval and records, for every message
// frame received by every participant, the time since it was sent.
func runBroadcast(args []string) {
	fs := flag.NewFlagSet("broadcast", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	participants := fs.Int("participants", 200, "Number of connections")
	senders := fs.Int("senders", 10, "How many participants post messages")
	usersFlag := fs.String("users", "", "Comma-separated user ids to connect as (round-robin)")
	rampUp := fs.Duration("ramp", 5*time.Second, "Ramp-up duration for connection creation")
	duration := fs.Duration("duration", 30*time.Second, "How long senders keep posting")
	msgInterval := fs.Duration("msg-interval", 2500*time.Millisecond, "Interval between messages per sender (the relay allows 5 per 10s per user)")
	msgSize := fs.Int("msg-size", 128, "Message size in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	users := splitUsers(*usersFlag)
	if len(users) == 0 {
		fmt.Fprintln(os.Stderr, "broadcast: -users is required")
		os.Exit(2)
	}
	if *senders > *participants {
		*senders = *participants
	}

	fmt.Printf("Broadcast test: %d participants (%d senders) to %s (ramp=%s, duration=%s, interval=%s)\n",
		*participants, *senders, *url, *rampUp, *duration, *msgInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Phase 1: connect ---")
	clients := rampConnect(ctx, rampOptions{
		url:         *url,
		users:       users,
		count:       *participants,
		ramp:        *rampUp,
		concurrency: *concurrency,
		setup: func(c *client.Client) {
			c.On(client.TypeMessage, func(raw json.RawMessage) {
				var frame struct {
					Text string `json:"text"`
				}
				if json.Unmarshal(raw, &frame) != nil {
					return
				}
				if sentAt, ok := parseProbe(frame.Text); ok {
					collector.AddDelivery(time.Since(sentAt))
				}
			})
			c.On(client.TypeRateLimited, func(json.RawMessage) { collector.AddRateLimited() })
		},
	}, collector)

	fmt.Printf("Connected %d/%d (%d errors)\n", collector.ConnectionCount(), *participants, collector.ErrorCount())

	if ctx.Err() == nil {
		fmt.Println("\n--- Phase 2: chat ---")

		chatCtx, cancel := context.WithTimeout(ctx, *duration)
		var sendWg sync.WaitGroup
		for i := 0; i < *senders; i++ {
			c := clients[i]
			if c == nil {
				continue
			}
			sendWg.Add(1)
			go func(sender int, c *client.Client) {
				defer sendWg.Done()
				t := time.NewTicker(*msgInterval)
				defer t.Stop()
				for seq := 0; ; seq++ {
					select {
					case <-chatCtx.Done():
						return
					case <-t.C:
					}
					if err := c.SendChat(probeText(sender, seq, *msgSize)); err != nil {
						collector.AddError()
						return
					}
					collector.AddSent()
				}
			}(i, c)
		}
		sendWg.Wait()
		cancel()

		// Let in-flight deliveries land.
		time.Sleep(time.Second)
	}

	fmt.Println("\n--- Cleanup ---")
	closeAll(clients)
	scraper.Stop()
	collector.Report()
}
