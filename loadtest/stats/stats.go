// Package stats aggregates load test measurements from many clients and
// prints a percentile summary.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates measurements. All methods are goroutine-safe.
type Collector struct {
	mu             sync.Mutex
	connectLatency []time.Duration
	ackLatency     []time.Duration
	fanoutLatency  []time.Duration
	connections    int
	errors         int
	sent           int64
	delivered      int64
	rateLimited    int64
	startTime      time.Time
	scraper        *Scraper
}

// NewCollector creates a Collector whose clock starts now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a server metrics scraper whose report is appended to
// Report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records an acknowledged connection.
func (c *Collector) AddConnect(dial, ack time.Duration) {
	c.mu.Lock()
	c.connectLatency = append(c.connectLatency, dial)
	c.ackLatency = append(c.ackLatency, ack)
	c.connections++
	c.mu.Unlock()
}

// AddSent counts one chat message sent.
func (c *Collector) AddSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

// AddDelivery records the latency from send to one recipient's receipt.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.fanoutLatency = append(c.fanoutLatency, d)
	c.delivered++
	c.mu.Unlock()
}

// AddRateLimited counts one rate_limited answer.
func (c *Collector) AddRateLimited() {
	c.mu.Lock()
	c.rateLimited++
	c.mu.Unlock()
}

// AddError counts one failure.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of acknowledged connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded failures.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints the summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:      %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Printf("Connections:   %d\n", c.connections)
	fmt.Printf("Errors:        %d\n", c.errors)
	if c.sent > 0 {
		fmt.Printf("Sent:          %d\n", c.sent)
		fmt.Printf("Deliveries:    %d\n", c.delivered)
		fmt.Printf("Rate limited:  %d\n", c.rateLimited)
	}

	if len(c.connectLatency) > 0 {
		fmt.Println("\n--- Dial Latency ---")
		printPercentiles(c.connectLatency)
		fmt.Println("\n--- Connected Ack Latency ---")
		printPercentiles(c.ackLatency)
	}
	if len(c.fanoutLatency) > 0 {
		fmt.Println("\n--- Fan-out Latency (send to receipt) ---")
		printPercentiles(c.fanoutLatency)
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}

func printPercentiles(durations []time.Duration) {
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	n := len(durations)
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		(sum / time.Duration(n)).Round(time.Microsecond),
		durations[n/2].Round(time.Microsecond),
		percentile(durations, 0.95).Round(time.Microsecond),
		percentile(durations, 0.99).Round(time.Microsecond),
		durations[n-1].Round(time.Microsecond),
		n,
	)
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	i := int(math.Ceil(float64(len(sorted))*p)) - 1
	if i < 0 {
		i = 0
	}
	return sorted[i]
}
