package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acces/alumni-chat/loadtest/client"
	"github.com/acces/alumni-chat/loadtest/stats"
)

// rampOptions controls how connections are opened.
type rampOptions struct {
	url         string
	users       []string
	count       int
	ramp        time.Duration
	concurrency int
	// setup runs on each client before the acknowledgement is awaited, so
	// handlers see every frame.
	setup func(*client.Client)
}

// rampConnect opens opts.count connections spread evenly over opts.ramp,
// with at most opts.concurrency handshakes in flight. The result has one
// slot per connection; failed ones are nil. It stops early when ctx is done.
func rampConnect(ctx context.Context, opts rampOptions, collector *stats.Collector) []*client.Client {
	if opts.count <= 0 || len(opts.users) == 0 {
		return nil
	}
	clients := make([]*client.Client, opts.count)

	interval := opts.ramp / time.Duration(opts.count)
	if interval <= 0 {
		interval = time.Millisecond
	}

	stopProgress := make(chan struct{})
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		reportProgress(opts.count, collector, stopProgress)
	}()

	sem := make(chan struct{}, opts.concurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

launch:
	for i := 0; i < opts.count; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := client.New(connCtx, opts.url, opts.users[i%len(opts.users)])
			if err != nil {
				collector.AddError()
				return
			}
			if opts.setup != nil {
				opts.setup(c)
			}
			if err := c.WaitConnected(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			m := c.GetMetrics()
			collector.AddConnect(m.ConnectLatency, m.AckLatency)
			clients[i] = c
		}(i)
	}

	wg.Wait()
	close(stopProgress)
	<-progressDone
	return clients
}

func reportProgress(target int, collector *stats.Collector, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last, lastAt := 0, time.Now()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			n := collector.ConnectionCount()
			rate := float64(n-last) / now.Sub(lastAt).Seconds()
			fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
				n, target, collector.ErrorCount(), rate)
			last, lastAt = n, now
		}
	}
}

func closeAll(clients []*client.Client) int {
	n := 0
	for _, c := range clients {
		if c != nil {
			c.Close()
			n++
		}
	}
	return n
}

func countAlive(clients []*client.Client) (alive, total int) {
	for _, c := range clients {
		if c == nil {
			continue
		}
		total++
		if c.Alive() {
			alive++
		}
	}
	return alive, total
}
