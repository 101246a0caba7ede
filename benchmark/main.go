// Pico Gate Benchmark Tool
// Simulates concurrent announcing clients against the HTTP edge or the command listener
//
// Usage: go run benchmark/main.go -target localhost:8080 -passkey abc -duration 30s -concurrency 100
//        go run benchmark/main.go -mode command -target localhost:6380 -duration 30s

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
)

const (
	modeHTTP    = "http"
	modeCommand = "command"

	responseTimeout = 5 * time.Second
)

// LatencyStats stores latencies for one request type
type LatencyStats struct {
	Latencies []time.Duration
	Mu        sync.Mutex
}

func (l *LatencyStats) Record(d time.Duration) {
	l.Mu.Lock()
	l.Latencies = append(l.Latencies, d)
	l.Mu.Unlock()
}

func (l *LatencyStats) getSorted() []time.Duration {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	if len(l.Latencies) == 0 {
		return nil
	}
	sorted := make([]time.Duration, len(l.Latencies))
	copy(sorted, l.Latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted
}

func (l *LatencyStats) Percentile(p float64) time.Duration {
	sorted := l.getSorted()
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (l *LatencyStats) Avg() time.Duration {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	if len(l.Latencies) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range l.Latencies {
		sum += d
	}
	return sum / time.Duration(len(l.Latencies))
}

func (l *LatencyStats) Min() time.Duration {
	sorted := l.getSorted()
	if len(sorted) == 0 {
		return 0
	}
	return sorted[0]
}

func (l *LatencyStats) Max() time.Duration {
	sorted := l.getSorted()
	if len(sorted) == 0 {
		return 0
	}
	return sorted[len(sorted)-1]
}

type Stats struct {
	StartTime       time.Time
	AnnounceLatency LatencyStats
	StopLatency     LatencyStats
	TotalRequests   atomic.Uint64
	SuccessfulReqs  atomic.Uint64
	FailedReqs      atomic.Uint64
	RejectedReqs    atomic.Uint64
	AnnounceCount   atomic.Uint64
	StopCount       atomic.Uint64
	ResponseBytes   atomic.Uint64
}

type Config struct {
	Mode        string
	Target      string
	Passkey     string
	Duration    time.Duration
	Concurrency int
	RateLimit   float64
	NumTorrents int
	NumWant     int
}

type Benchmark struct {
	client *http.Client
	Config Config
	Stats  Stats
}

func NewBenchmark(cfg Config) *Benchmark {
	return &Benchmark{
		client: &http.Client{
			Timeout: responseTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: cfg.Concurrency,
			},
		},
		Config: cfg,
	}
}

func (b *Benchmark) Run() {
	b.Stats.StartTime = time.Now()

	fmt.Printf("Starting benchmark...\n")
	fmt.Printf("Mode: %s\n", b.Config.Mode)
	fmt.Printf("Target: %s\n", b.Config.Target)
	fmt.Printf("Duration: %s\n", b.Config.Duration)
	fmt.Printf("Concurrency: %d\n", b.Config.Concurrency)
	fmt.Printf("Rate limit: %.1f req/s per worker\n", b.Config.RateLimit)
	fmt.Printf("Torrents: %d\n", b.Config.NumTorrents)
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), b.Config.Duration)
	defer cancel()

	go b.reportProgress(ctx)

	var wg sync.WaitGroup
	for i := 0; i < b.Config.Concurrency; i++ {
		wg.Add(1)
		go b.worker(ctx, i, &wg)
	}
	wg.Wait()
	b.printResults()
}

// announcer sends one announce line or request and returns the response size.
type announcer func(args announceArgs) (int, error)

type announceArgs struct {
	torrent int
	user    int
	ip      string
	port    int
	event   string
}

func (b *Benchmark) worker(ctx context.Context, id int, wg *sync.WaitGroup) {
	defer wg.Done()

	var send announcer
	switch b.Config.Mode {
	case modeCommand:
		conn, err := net.DialTimeout("tcp", b.Config.Target, responseTimeout)
		if err != nil {
			log.Printf("Worker %d: failed to connect: %v", id, err)
			return
		}
		defer func() {
			if closeErr := conn.Close(); closeErr != nil {
				log.Printf("Worker %d: failed to close connection: %v", id, closeErr)
			}
		}()
		send = b.commandAnnouncer(conn)
	default:
		send = b.httpAnnouncer(id)
	}

	var limiter *rate.Limiter
	if b.Config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(b.Config.RateLimit), 1)
	}

	ip := fmt.Sprintf("10.%d.%d.%d", (id>>16)&0xff, (id>>8)&0xff, id&0xff)
	started := make(map[int]bool)
	for n := 0; ctx.Err() == nil; n++ {
		if limiter != nil && limiter.Wait(ctx) != nil {
			break
		}
		args := announceArgs{
			torrent: n % b.Config.NumTorrents,
			user:    id,
			ip:      ip,
			port:    6881 + id%1000,
			event:   "started",
		}
		if started[args.torrent] {
			args.event = "completed"
		}
		b.record(&b.Stats.AnnounceLatency, &b.Stats.AnnounceCount, send, args)
		started[args.torrent] = true
	}

	// Leave the swarms the way real clients do.
	for torrent := range started {
		b.record(&b.Stats.StopLatency, &b.Stats.StopCount, send, announceArgs{
			torrent: torrent, user: id, ip: ip, port: 6881 + id%1000, event: "stopped",
		})
	}
}

func (b *Benchmark) record(lat *LatencyStats, count *atomic.Uint64, send announcer, args announceArgs) {
	start := time.Now()
	n, err := send(args)
	lat.Record(time.Since(start))
	b.Stats.TotalRequests.Add(1)
	if err != nil {
		b.Stats.FailedReqs.Add(1)
		return
	}
	count.Add(1)
	b.Stats.SuccessfulReqs.Add(1)
	//nolint:gosec // G115: response sizes are non-negative
	b.Stats.ResponseBytes.Add(uint64(n))
}

func (b *Benchmark) httpAnnouncer(workerID int) announcer {
	peerID := generatePeerID(workerID)
	base := "http://" + b.Config.Target + "/tracker/announce?"
	return func(args announceArgs) (int, error) {
		q := url.Values{}
		q.Set("peer_id", peerID)
		q.Set("passkey", b.Config.Passkey)
		q.Set("uid", strconv.Itoa(args.user))
		q.Set("tid", strconv.Itoa(args.torrent))
		q.Set("ip", args.ip)
		q.Set("port", strconv.Itoa(args.port))
		q.Set("numwant", strconv.Itoa(b.Config.NumWant))
		q.Set("event", args.event)
		q.Set("upload", "0")
		q.Set("download", "0")

		resp, err := b.client.Get(base + q.Encode())
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return 0, err
		}
		if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
			b.Stats.RejectedReqs.Add(1)
		}
		if resp.StatusCode != http.StatusOK {
			return 0, fmt.Errorf("status %s", resp.Status)
		}
		return len(body), nil
	}
}

func (b *Benchmark) commandAnnouncer(conn net.Conn) announcer {
	r := bufio.NewReader(conn)
	return func(args announceArgs) (int, error) {
		if err := conn.SetDeadline(time.Now().Add(responseTimeout)); err != nil {
			return 0, err
		}
		line := fmt.Sprintf("ANNOUNCE %d %d %s none %d %d %s\n",
			args.torrent, args.user, args.ip, args.port, b.Config.NumWant, args.event)
		if _, err := io.WriteString(conn, line); err != nil {
			return 0, err
		}
		return readBencodeValue(r)
	}
}

// readBencodeValue consumes exactly one bencoded value and returns its size.
func readBencodeValue(r *bufio.Reader) (int, error) {
	c, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch {
	case c == 'd' || c == 'l':
		n := 1
		for {
			next, err := r.ReadByte()
			if err != nil {
				return n, err
			}
			if next == 'e' {
				return n + 1, nil
			}
			if err := r.UnreadByte(); err != nil {
				return n, err
			}
			m, err := readBencodeValue(r)
			n += m
			if err != nil {
				return n, err
			}
		}
	case c == 'i':
		s, err := r.ReadString('e')
		return 1 + len(s), err
	case c >= '0' && c <= '9':
		s, err := r.ReadString(':')
		if err != nil {
			return 0, err
		}
		length, err := strconv.Atoi(string(c) + s[:len(s)-1])
		if err != nil {
			return 0, err
		}
		if _, err := r.Discard(length); err != nil {
			return 0, err
		}
		return 1 + len(s) + length, nil
	default:
		return 0, fmt.Errorf("unexpected byte %q", c)
	}
}

func (b *Benchmark) reportProgress(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			elapsed := time.Since(b.Stats.StartTime)
			total := b.Stats.TotalRequests.Load()
			rps := float64(total) / elapsed.Seconds()
			fmt.Printf("[%s] Total: %s | RPS: %.0f | Success: %s | Failed: %s\n",
				elapsed.Round(time.Second), humanize.Comma(int64(total)), rps,
				humanize.Comma(int64(b.Stats.SuccessfulReqs.Load())),
				humanize.Comma(int64(b.Stats.FailedReqs.Load())))
		case <-ctx.Done():
			return
		}
	}
}

func (b *Benchmark) printResults() {
	elapsed := time.Since(b.Stats.StartTime)
	total := b.Stats.TotalRequests.Load()
	successful := b.Stats.SuccessfulReqs.Load()
	failed := b.Stats.FailedReqs.Load()

	fmt.Println()
	fmt.Println("========================================")
	fmt.Println("       BENCHMARK RESULTS")
	fmt.Println("========================================")
	fmt.Printf("Duration: %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Concurrency: %d workers\n", b.Config.Concurrency)
	fmt.Println()

	fmt.Println("--- Request Statistics ---")
	fmt.Printf("Total Requests:     %s\n", humanize.Comma(int64(total)))
	successRate, failRate := float64(0), float64(0)
	if total > 0 {
		successRate = float64(successful) / float64(total) * 100
		failRate = float64(failed) / float64(total) * 100
	}
	fmt.Printf("Successful:         %s (%.2f%%)\n", humanize.Comma(int64(successful)), successRate)
	fmt.Printf("Failed:             %s (%.2f%%)\n", humanize.Comma(int64(failed)), failRate)
	fmt.Printf("Rejected:           %s\n", humanize.Comma(int64(b.Stats.RejectedReqs.Load())))
	fmt.Printf("Requests/Second:    %.2f\n", float64(total)/elapsed.Seconds())
	fmt.Printf("Response Bytes:     %s\n", humanize.Bytes(b.Stats.ResponseBytes.Load()))
	fmt.Println()

	fmt.Println("--- Latency Statistics ---")
	printLatency := func(name string, lat *LatencyStats, count uint64) {
		if count == 0 {
			return
		}
		fmt.Printf("\n%s Latency (n=%s):\n", name, humanize.Comma(int64(count)))
		fmt.Printf("  Min:  %s\n", lat.Min())
		fmt.Printf("  Avg:  %s\n", lat.Avg())
		fmt.Printf("  P50:  %s\n", lat.Percentile(50))
		fmt.Printf("  P95:  %s\n", lat.Percentile(95))
		fmt.Printf("  P99:  %s\n", lat.Percentile(99))
		fmt.Printf("  Max:  %s\n", lat.Max())
	}
	printLatency("Announce", &b.Stats.AnnounceLatency, b.Stats.AnnounceCount.Load())
	printLatency("Stop", &b.Stats.StopLatency, b.Stats.StopCount.Load())
	fmt.Println()

	if total > 0 && successRate < 95 {
		fmt.Println("WARNING: Error rate is high (>5%). Check tracker logs, passkey and rate limits.")
	}
}

// generatePeerID creates a uTorrent-style peer ID for testing.
func generatePeerID(workerID int) string {
	return fmt.Sprintf("-UT3550-%012d", workerID)
}

func main() {
	var config Config

	flag.StringVar(&config.Mode, "mode", modeHTTP, "Target kind: http or command")
	flag.StringVar(&config.Target, "target", "localhost:8080", "Tracker address (host:port)")
	flag.StringVar(&config.Passkey, "passkey", "", "Passkey sent with HTTP announces")
	duration := flag.Duration("duration", 30*time.Second, "Benchmark duration")
	flag.IntVar(&config.Concurrency, "concurrency", 100, "Number of concurrent workers")
	flag.Float64Var(&config.RateLimit, "rate", 0, "Rate limit per worker (req/s, 0=unlimited)")
	flag.IntVar(&config.NumTorrents, "torrents", 5, "Number of torrents per worker")
	flag.IntVar(&config.NumWant, "numwant", 50, "Number of peers to request")
	flag.Parse()

	config.Duration = *duration

	if config.Concurrency < 1 {
		log.Fatal("Concurrency must be at least 1")
	}
	if config.NumTorrents < 1 {
		log.Fatal("Torrents must be at least 1")
	}
	if config.Mode != modeHTTP && config.Mode != modeCommand {
		log.Fatalf("Unknown mode %q", config.Mode)
	}
	if config.Mode == modeHTTP && config.Passkey == "" {
		log.Fatal("HTTP mode needs -passkey")
	}

	benchmark := NewBenchmark(config)
	benchmark.Run()
}
