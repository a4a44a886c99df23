package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/mohammed-shakir/hotkey-tracker/internal/core/httpclient"
	"github.com/mohammed-shakir/hotkey-tracker/internal/ingest/kafkaconsumer"
	"github.com/mohammed-shakir/hotkey-tracker/internal/ingest/kafkaproducer"
)

type Config struct {
	Server      string
	Reporters   int
	Readers     int
	ReadEvery   time.Duration
	Duration    time.Duration
	Rate        float64
	Keys        int
	ZipfS       float64
	ZipfV       float64
	Origin      string
	Port        uint
	Timeout     time.Duration
	Out         string
	KafkaBroker string
	KafkaTopic  string
	RedisAddr   string
	RedisKey    string
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.Server, "server", "http://localhost:8080", "tracker base URL")
	flag.IntVar(&cfg.Reporters, "reporters", 16, "concurrent key reporters")
	flag.IntVar(&cfg.Readers, "readers", 2, "concurrent top-key readers")
	flag.DurationVar(&cfg.ReadEvery, "read-every", 250*time.Millisecond, "interval between top-key reads per reader")
	flag.DurationVar(&cfg.Duration, "duration", 30*time.Second, "test duration")
	flag.Float64Var(&cfg.Rate, "rate", 0, "total reports per second across reporters (0 = unlimited)")
	flag.IntVar(&cfg.Keys, "keys", 1000, "distinct keys in the pool")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.2, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.StringVar(&cfg.Origin, "origin", "loadgen", "origin sent with each report")
	flag.UintVar(&cfg.Port, "port", 0, "port sent with each report")
	flag.DurationVar(&cfg.Timeout, "timeout", 5*time.Second, "per-request timeout")
	flag.StringVar(&cfg.Out, "out", "", "write the JSON summary to this file")
	flag.StringVar(&cfg.KafkaBroker, "kafka", "", "report through this Kafka broker instead of HTTP")
	flag.StringVar(&cfg.KafkaTopic, "kafka-topic", "hotkeys-observe", "Kafka ingest topic")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "after the run, print the report published at this Redis address")
	flag.StringVar(&cfg.RedisKey, "redis-key", "hotkeys:top", "Redis sorted set holding the report")
	flag.Parse()
	return cfg
}

// reporter delivers one key access.
type reporter interface {
	Report(ctx context.Context, key string) error
}

type httpReporter struct {
	client *http.Client
	url    string
	suffix string
}

func newHTTPReporter(c *http.Client, server, origin string, port uint) *httpReporter {
	suffix := ""
	if origin != "" || port != 0 {
		suffix = "," + origin
		if port != 0 {
			suffix += "," + strconv.FormatUint(uint64(port), 10)
		}
	}
	return &httpReporter{client: c, url: strings.TrimRight(server, "/") + "/keySent", suffix: suffix}
}

func (r *httpReporter) Report(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, strings.NewReader(key+r.suffix))
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status=%d", resp.StatusCode)
	}
	return nil
}

type kafkaReporter struct {
	pub    *kafkaproducer.Publisher
	origin string
	port   uint32
	seq    atomic.Uint64
}

func (r *kafkaReporter) Report(_ context.Context, key string) error {
	ev := kafkaconsumer.Event{
		ID:     "loadgen-" + strconv.FormatUint(r.seq.Add(1), 10),
		Key:    key,
		Origin: r.origin,
		Port:   r.port,
		TS:     time.Now().UTC(),
	}
	if !r.pub.Publish(ev) {
		return errors.New("producer buffer full")
	}
	return nil
}

func makeKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%05d", i)
	}
	return keys
}

type latencies struct {
	mu  sync.Mutex
	ms  []float64
	ok  atomic.Int64
	err atomic.Int64
}

func (l *latencies) record(d time.Duration, err error) {
	if err != nil {
		l.err.Add(1)
		return
	}
	l.ok.Add(1)
	l.mu.Lock()
	l.ms = append(l.ms, float64(d.Microseconds())/1000.0)
	l.mu.Unlock()
}

type opSummary struct {
	Success int64   `json:"success"`
	Errors  int64   `json:"errors"`
	RPS     float64 `json:"rps"`
	P50Ms   float64 `json:"p50_ms"`
	P95Ms   float64 `json:"p95_ms"`
	P99Ms   float64 `json:"p99_ms"`
}

func (l *latencies) summarize(elapsed float64) opSummary {
	l.mu.Lock()
	sorted := append([]float64(nil), l.ms...)
	l.mu.Unlock()
	sort.Float64s(sorted)

	s := opSummary{
		Success: l.ok.Load(),
		Errors:  l.err.Load(),
		P50Ms:   percentile(sorted, 50),
		P95Ms:   percentile(sorted, 95),
		P99Ms:   percentile(sorted, 99),
	}
	if elapsed > 0 {
		s.RPS = float64(s.Success+s.Errors) / elapsed
	}
	return s
}

type summary struct {
	StartTime   time.Time `json:"start"`
	EndTime     time.Time `json:"end"`
	DurationSec float64   `json:"duration_sec"`
	Transport   string    `json:"transport"`
	Reporters   int       `json:"reporters"`
	Readers     int       `json:"readers"`
	Keys        int       `json:"keys"`
	ZipfS       float64   `json:"zipf_s"`
	ZipfV       float64   `json:"zipf_v"`
	Reports     opSummary `json:"reports"`
	Reads       opSummary `json:"reads"`
	// most frequently sent keys, for comparison with the tracker's report
	SentTop []keyCount `json:"sent_top"`
}

type keyCount struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// runLoad drives reporters and readers until ctx is done.
func runLoad(ctx context.Context, cfg Config, rep reporter, reads *http.Client) summary {
	keys := makeKeys(cfg.Keys)
	sent := make([]atomic.Int64, len(keys))

	limit := rate.Inf
	burst := cfg.Reporters
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
		burst = max(1, int(math.Ceil(cfg.Rate/10)))
	}
	limiter := rate.NewLimiter(limit, burst)

	var reportLat, readLat latencies
	seed := time.Now().UnixNano()
	start := time.Now()

	var wg sync.WaitGroup
	for id := range cfg.Reporters {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed + int64(id) + 1))
			zipf := rand.NewZipf(r, cfg.ZipfS, cfg.ZipfV, uint64(len(keys)-1))
			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				idx := zipf.Uint64()
				t0 := time.Now()
				err := rep.Report(ctx, keys[idx])
				if ctx.Err() != nil {
					return
				}
				reportLat.record(time.Since(t0), err)
				if err == nil {
					sent[idx].Add(1)
				}
			}
		}(id)
	}

	topURL := strings.TrimRight(cfg.Server, "/") + "/getTopHotKeys"
	for range cfg.Readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(cfg.ReadEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				t0 := time.Now()
				err := readTop(ctx, reads, topURL)
				if ctx.Err() != nil {
					return
				}
				readLat.record(time.Since(t0), err)
			}
		}()
	}

	wg.Wait()
	end := time.Now()
	elapsed := end.Sub(start).Seconds()

	counts := make([]keyCount, 0, len(keys))
	for i := range keys {
		if n := sent[i].Load(); n > 0 {
			counts = append(counts, keyCount{Key: keys[i], Count: n})
		}
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Key < counts[j].Key
	})
	if len(counts) > 10 {
		counts = counts[:10]
	}

	return summary{
		StartTime:   start.UTC(),
		EndTime:     end.UTC(),
		DurationSec: elapsed,
		Reporters:   cfg.Reporters,
		Readers:     cfg.Readers,
		Keys:        cfg.Keys,
		ZipfS:       cfg.ZipfS,
		ZipfV:       cfg.ZipfV,
		Reports:     reportLat.summarize(elapsed),
		Reads:       readLat.summarize(elapsed),
		SentTop:     counts,
	}
}

func readTop(ctx context.Context, c *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status=%d", resp.StatusCode)
	}
	var body struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	if !body.OK {
		return errors.New("reply not ok")
	}
	return nil
}

func percentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return 0
	}
	if p <= 0 {
		return sortedValues[0]
	}
	if p >= 100 {
		return sortedValues[len(sortedValues)-1]
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - f
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}

func printRedisReport(ctx context.Context, addr, key string) error {
	client := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: 2 * time.Second})
	defer func() { _ = client.Close() }()

	top, err := client.ZRevRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis ZREVRANGE %s: %w", key, err)
	}
	log.Printf("redis report %s (%d keys)", key, len(top))
	for i, z := range top {
		log.Printf("%3d  %8.0f  %v", i+1, z.Score, z.Member)
	}
	return nil
}

func validate(cfg Config) error {
	switch {
	case cfg.Reporters < 0 || cfg.Readers < 0:
		return errors.New("reporters and readers must not be negative")
	case cfg.Keys < 1:
		return errors.New("keys must be at least 1")
	case cfg.ZipfS <= 1 || cfg.ZipfV < 1:
		return errors.New("zipf needs s > 1 and v >= 1")
	case cfg.Readers > 0 && cfg.ReadEvery <= 0:
		return errors.New("read-every must be positive")
	case cfg.Port > math.MaxUint32:
		return errors.New("port out of range")
	}
	return nil
}

func main() {
	cfg := loadConfig()
	if err := validate(cfg); err != nil {
		log.Fatalf("loadgen: %v", err)
	}

	httpClient := httpclient.NewOutbound(cfg.Timeout, cfg.Reporters+cfg.Readers)
	var rep reporter = newHTTPReporter(httpClient, cfg.Server, cfg.Origin, cfg.Port)
	transport := "http"
	if cfg.KafkaBroker != "" {
		pub, err := kafkaproducer.New([]string{cfg.KafkaBroker}, cfg.KafkaTopic, 4096, nil)
		if err != nil {
			log.Fatalf("loadgen: %v", err)
		}
		defer func() {
			if err := pub.Close(); err != nil {
				log.Printf("kafka close: %v", err)
			}
			log.Printf("kafka: dropped=%d failed=%d", pub.Dropped(), pub.Failed())
		}()
		rep = &kafkaReporter{pub: pub, origin: cfg.Origin, port: uint32(cfg.Port)}
		transport = "kafka"
	}

	log.Printf("loadgen start server=%s transport=%s dur=%s reporters=%d readers=%d rate=%.0f keys=%d zipf(s=%.2f,v=%.2f)",
		cfg.Server, transport, cfg.Duration, cfg.Reporters, cfg.Readers, cfg.Rate, cfg.Keys, cfg.ZipfS, cfg.ZipfV)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	sum := runLoad(ctx, cfg, rep, httpClient)
	cancel()
	sum.Transport = transport

	log.Printf("done: reports ok=%d err=%d %.0f/s p99=%.1fms; reads ok=%d err=%d p99=%.1fms",
		sum.Reports.Success, sum.Reports.Errors, sum.Reports.RPS, sum.Reports.P99Ms,
		sum.Reads.Success, sum.Reads.Errors, sum.Reads.P99Ms)

	if cfg.Out != "" {
		if err := writeSummary(cfg.Out, sum); err != nil {
			log.Printf("write summary: %v", err)
		} else {
			log.Printf("wrote %s", cfg.Out)
		}
	} else {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(sum)
	}

	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()
		if err := printRedisReport(ctx, cfg.RedisAddr, cfg.RedisKey); err != nil {
			log.Printf("%v", err)
		}
	}
}

func writeSummary(path string, sum summary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
