package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// series selects the samples of one metric that feed a report row. An empty
// label matches every sample of the metric, and matches are summed.
type series struct {
	key    string
	metric string
	label  string
	value  string
}

var trackedSeries = []series{
	{key: "connections", metric: "alumni_chat_connections_total"},
	{key: "stored", metric: "alumni_chat_messages_total", label: "type", value: "stored"},
	{key: "rate_limited", metric: "alumni_chat_messages_total", label: "type", value: "rate_limited"},
	{key: "fanout", metric: "alumni_chat_fanout_total"},
	{key: "publish_errors", metric: "alumni_chat_bus_publish_total", label: "result", value: "error"},
	{key: "latency_sum", metric: "alumni_chat_message_latency_seconds_sum"},
	{key: "latency_count", metric: "alumni_chat_message_latency_seconds_count"},
	{key: "publish_sum", metric: "alumni_chat_bus_publish_latency_seconds_sum"},
	{key: "publish_count", metric: "alumni_chat_bus_publish_latency_seconds_count"},
}

var reportRows = []struct{ title, key string }{
	{"Connections", "connections"},
	{"Stored", "stored"},
	{"Rate Limited", "rate_limited"},
	{"Fan-out Frames", "fanout"},
	{"Publish Errors", "publish_errors"},
}

type sample struct {
	at     time.Time
	values map[string]float64
}

// Scraper polls the relay's /metrics endpoint while a scenario runs.
type Scraper struct {
	url      string
	interval time.Duration
	http     *http.Client

	mu      sync.Mutex
	samples []sample

	stop context.CancelFunc
	done chan struct{}
}

func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      metricsURL,
		interval: interval,
		http:     &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start records one sample immediately, then one per interval and a last one
// when ctx ends or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.stop = context.WithCancel(ctx)
	s.record()

	go func() {
		defer close(s.done)
		tick := time.NewTicker(s.interval)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				s.record()
			case <-ctx.Done():
				s.record()
				return
			}
		}
	}()
}

func (s *Scraper) Stop() {
	if s.stop == nil {
		return
	}
	s.stop()
	<-s.done
}

func (s *Scraper) record() {
	values, err := s.fetch()
	if err != nil {
		// server not reachable yet
		return
	}
	s.mu.Lock()
	s.samples = append(s.samples, sample{at: time.Now(), values: values})
	s.mu.Unlock()
}

func (s *Scraper) fetch() (map[string]float64, error) {
	resp, err := s.http.Get(s.url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics: status %d", resp.StatusCode)
	}
	return collect(resp.Body)
}

// collect reads a text exposition and sums the tracked series.
func collect(r io.Reader) (map[string]float64, error) {
	values := make(map[string]float64, len(trackedSeries))
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, v, ok := parseMetricLine(line)
		if !ok {
			continue
		}
		for _, ts := range trackedSeries {
			if ts.metric != name {
				continue
			}
			if ts.label != "" && labelValue(line, ts.label) != ts.value {
				continue
			}
			values[ts.key] += v
		}
	}
	return values, sc.Err()
}

// parseMetricLine splits `name{labels} value` or `name value` into the bare
// metric name and its value.
func parseMetricLine(line string) (string, float64, bool) {
	var name, rest string
	if open := strings.IndexByte(line, '{'); open >= 0 {
		end := strings.LastIndexByte(line, '}')
		if end < open {
			return "", 0, false
		}
		name, rest = line[:open], line[end+1:]
	} else {
		var found bool
		name, rest, found = strings.Cut(line, " ")
		if !found {
			return "", 0, false
		}
	}

	fields := strings.Fields(rest)
	if name == "" || len(fields) == 0 {
		return "", 0, false
	}
	// an optional timestamp may follow the value
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// labelValue returns the value of label key in a metric line, or "".
func labelValue(line, key string) string {
	marker := key + `="`
	i := strings.Index(line, marker)
	if i < 0 {
		return ""
	}
	rest := line[i+len(marker):]
	if j := strings.IndexByte(rest, '"'); j >= 0 {
		return rest[:j]
	}
	return ""
}

// Report prints the first, last and peak value of each tracked counter, then
// histogram averages over the run.
func (s *Scraper) Report() {
	s.mu.Lock()
	samples := append([]sample(nil), s.samples...)
	s.mu.Unlock()

	if len(samples) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := samples[0], samples[len(samples)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Samples: %d over %s\n\n", len(samples), last.at.Sub(first.at).Round(time.Second))

	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, row := range reportRows {
		peak := first.values[row.key]
		for _, smp := range samples[1:] {
			peak = max(peak, smp.values[row.key])
		}
		from, to := first.values[row.key], last.values[row.key]
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n", row.title, from, to, to-from, peak)
	}

	fmt.Println()
	printAverage("Store+Publish", first, last, "latency_sum", "latency_count")
	printAverage("Bus Publish", first, last, "publish_sum", "publish_count")
}

func printAverage(title string, first, last sample, sumKey, countKey string) {
	n := last.values[countKey] - first.values[countKey]
	if n <= 0 {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", title)
		return
	}
	avg := (last.values[sumKey] - first.values[sumKey]) / n
	fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n", title, avg, n)
}
