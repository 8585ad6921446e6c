// Command loadtest measures question fan-out: it holds a set of subscribers
// on one course feed, posts questions from many users, and reports how long
// each question took to reach every subscriber.
//
// Usage:
//
//	go run ./cmd/loadtest -url http://localhost:7777 -subscribers 100 -publishers 5
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const bodyPrefix = "loadtest "

type Config struct {
	BaseURL     string
	Course      string
	Subscribers int
	Publishers  int
	Interval    time.Duration
	Duration    time.Duration
}

type Stats struct {
	total       atomic.Int64
	success     atomic.Int64
	errors      atomic.Int64
	latencies   []time.Duration
	latenciesMu sync.Mutex
	statusCodes map[int]*atomic.Int64
	statusMu    sync.Mutex
}

func NewStats() *Stats {
	return &Stats{
		latencies:   make([]time.Duration, 0, 100000),
		statusCodes: make(map[int]*atomic.Int64),
	}
}

func (s *Stats) Record(duration time.Duration, statusCode int, err error) {
	s.total.Add(1)
	if err != nil {
		s.errors.Add(1)
		return
	}
	if statusCode == 0 || (statusCode >= 200 && statusCode < 300) {
		s.success.Add(1)
	} else {
		s.errors.Add(1)
	}

	s.latenciesMu.Lock()
	s.latencies = append(s.latencies, duration)
	s.latenciesMu.Unlock()

	if statusCode == 0 {
		return
	}
	s.statusMu.Lock()
	if _, ok := s.statusCodes[statusCode]; !ok {
		s.statusCodes[statusCode] = &atomic.Int64{}
	}
	s.statusCodes[statusCode].Add(1)
	s.statusMu.Unlock()
}

func main() {
	baseURL := flag.String("url", "http://localhost:7777", "base URL of the qa-api server")
	course := flag.String("course", "LOAD101", "course code to post to and subscribe on")
	subscribers := flag.Int("subscribers", 50, "number of question-feed subscribers")
	publishers := flag.Int("publishers", 5, "number of concurrent question posters")
	interval := flag.Duration("interval", 200*time.Millisecond, "pause between posts per publisher")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	flag.Parse()

	cfg := Config{
		BaseURL:     strings.TrimRight(*baseURL, "/"),
		Course:      *course,
		Subscribers: *subscribers,
		Publishers:  *publishers,
		Interval:    *interval,
		Duration:    *duration,
	}

	fmt.Println("=== Course Q&A Fan-out Load Test ===")
	fmt.Printf("Target:      %s\n", cfg.BaseURL)
	fmt.Printf("Course:      %s\n", cfg.Course)
	fmt.Printf("Subscribers: %d\n", cfg.Subscribers)
	fmt.Printf("Publishers:  %d\n", cfg.Publishers)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Println()

	posts, deliveries, err := runLoadTest(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load test failed: %v\n", err)
		os.Exit(1)
	}
	printReport("Posts", posts, cfg.Duration)
	printReport("Deliveries", deliveries, cfg.Duration)

	expected := posts.success.Load() * int64(cfg.Subscribers)
	fmt.Printf("Delivered %d of %d expected messages\n", deliveries.total.Load(), expected)
	if posts.total.Load() == 0 {
		fmt.Println("WARNING: No posts completed. Is the server running?")
		os.Exit(1)
	}
}

func runLoadTest(cfg Config) (posts, deliveries *Stats, err error) {
	posts, deliveries = NewStats(), NewStats()

	wsURL, err := feedURL(cfg)
	if err != nil {
		return nil, nil, err
	}

	conns := make([]*websocket.Conn, 0, cfg.Subscribers)
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()
	for i := 0; i < cfg.Subscribers; i++ {
		c, _, err := websocket.DefaultDialer.Dial(wsURL+"?username="+url.QueryEscape(fmt.Sprintf("sub-%d-%s", i, uuid.NewString()[:8])), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("subscriber %d: %w", i, err)
		}
		conns = append(conns, c)
	}

	var readers sync.WaitGroup
	for _, c := range conns {
		readers.Add(1)
		go func(c *websocket.Conn) {
			defer readers.Done()
			readFeed(c, deliveries)
		}(c)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Publishers * 2,
			MaxIdleConnsPerHost: cfg.Publishers * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	fmt.Print("Running")
	for w := 0; w < cfg.Publishers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(cfg.Interval):
				}
				start := time.Now()
				status, err := postQuestion(ctx, client, cfg, start)
				if ctx.Err() != nil {
					return
				}
				posts.Record(time.Since(start), status, err)
			}
		}()
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	wg.Wait()
	// Let in-flight broadcasts land before closing the subscribers.
	time.Sleep(time.Second)
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.Close()
	}
	readers.Wait()
	conns = nil

	fmt.Println(" done!")
	fmt.Println()
	return posts, deliveries, nil
}

func feedURL(cfg Config) (string, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/questions/" + cfg.Course
	return u.String(), nil
}

// postQuestion posts as a fresh user so the per-user cooldown never applies.
// The body carries the send time for the subscribers to measure against.
func postQuestion(ctx context.Context, client *http.Client, cfg Config, sent time.Time) (int, error) {
	body, _ := json.Marshal(map[string]string{
		"body": bodyPrefix + strconv.FormatInt(sent.UnixNano(), 10),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		cfg.BaseURL+"/courses/"+url.PathEscape(cfg.Course)+"/questions", strings.NewReader(string(body)))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("user-uuid", uuid.NewString())
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, nil
}

func readFeed(c *websocket.Conn, stats *Stats) {
	for {
		var msg struct {
			Event    string `json:"event"`
			Question struct {
				Body string `json:"body"`
			} `json:"question"`
		}
		if err := c.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Event != "question" || !strings.HasPrefix(msg.Question.Body, bodyPrefix) {
			continue
		}
		ns, err := strconv.ParseInt(strings.TrimPrefix(msg.Question.Body, bodyPrefix), 10, 64)
		if err != nil {
			continue
		}
		stats.Record(time.Since(time.Unix(0, ns)), 0, nil)
	}
}

func printReport(title string, stats *Stats, duration time.Duration) {
	total := stats.total.Load()
	errors := stats.errors.Load()

	fmt.Printf("=== %s ===\n", title)
	fmt.Printf("Total:      %d\n", total)
	fmt.Printf("Errors:     %d\n", errors)
	if total > 0 {
		fmt.Printf("Error Rate: %.2f%%\n", float64(errors)/float64(total)*100)
		fmt.Printf("Per second: %.2f\n", float64(total)/duration.Seconds())
	}

	stats.latenciesMu.Lock()
	latencies := make([]time.Duration, len(stats.latencies))
	copy(latencies, stats.latencies)
	stats.latenciesMu.Unlock()

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		fmt.Printf("Min:    %s\n", latencies[0])
		fmt.Printf("Avg:    %s\n", sum/time.Duration(len(latencies)))
		fmt.Printf("P50:    %s\n", percentile(latencies, 50))
		fmt.Printf("P95:    %s\n", percentile(latencies, 95))
		fmt.Printf("P99:    %s\n", percentile(latencies, 99))
		fmt.Printf("Max:    %s\n", latencies[len(latencies)-1])
	}

	stats.statusMu.Lock()
	codes := make([]int, 0, len(stats.statusCodes))
	for code := range stats.statusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	if len(codes) > 0 {
		fmt.Println("Status codes:")
	}
	for _, code := range codes {
		fmt.Printf("  %d: %d\n", code, stats.statusCodes[code].Load())
	}
	stats.statusMu.Unlock()
	fmt.Println()
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
