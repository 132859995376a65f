package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/ledgerclient/internal/cache"
	"github.com/punchamoorthee/ledgerclient/internal/client"
	"github.com/punchamoorthee/ledgerclient/internal/domain"
	"github.com/punchamoorthee/ledgerclient/internal/fallback"
	"github.com/punchamoorthee/ledgerclient/internal/ledger"
	"github.com/punchamoorthee/ledgerclient/internal/passbook"
	"github.com/shopspring/decimal"
)

var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	accounts    int
	transferPct int
)

var (
	totalOps        uint64
	refreshes       uint64
	degraded        uint64
	passbooks       uint64
	transfers       uint64
	failConflict    uint64 // 409 from the ledger
	failUnavailable uint64 // timeout or transient
	failOther       uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080/api", "Ledger API base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&accounts, "accounts", 1000, "Number of seeded customers (ids 1..N)")
	flag.IntVar(&transferPct, "transfer-pct", 20, "Percentage of operations that are transfers")
}

func main() {
	flag.Parse()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	logger.Warn("starting benchmark", "workload", workload, "workers", concurrency, "duration", duration)

	svc := ledger.NewService(client.NewClient(targetURL, client.DefaultPolicy(), logger), fallback.NewProvider(logger), logger)
	balances := cache.New(svc, cache.NewMemoryStore(), logger)
	history := passbook.NewAggregator(svc, balances, logger)

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go worker(ctx, &wg, svc, balances, history)
	}
	wg.Wait()

	printResults(time.Since(start))
	if err := writeMetrics(targetURL); err != nil {
		logger.Warn("could not save server metrics", "error", err)
	}
}

func worker(ctx context.Context, wg *sync.WaitGroup, svc *ledger.Service, balances *cache.Cache, history *passbook.Aggregator) {
	defer wg.Done()
	for ctx.Err() == nil {
		from, to := generateAccounts()
		var err error
		switch r := rand.Intn(100); {
		case r < transferPct:
			_, err = svc.Transfer(ctx, domain.TransferRequest{
				FromCustomerID: from,
				ToCustomerID:   to,
				Amount:         decimal.NewFromInt(1),
				Description:    "benchmark",
			})
			if err == nil {
				atomic.AddUint64(&transfers, 1)
			}
		case r < transferPct+(100-transferPct)/2:
			var b domain.Balance
			b, err = balances.Refresh(ctx, from)
			if err == nil {
				atomic.AddUint64(&refreshes, 1)
				if b.Degraded {
					atomic.AddUint64(&degraded, 1)
				}
			}
		default:
			var pb domain.Passbook
			pb, err = history.Fetch(ctx, from)
			if err == nil {
				atomic.AddUint64(&passbooks, 1)
				if pb.Degraded {
					atomic.AddUint64(&degraded, 1)
				}
			}
		}

		if ctx.Err() != nil {
			return
		}
		atomic.AddUint64(&totalOps, 1)
		if err == nil {
			continue
		}
		switch ce, ok := client.As(err); {
		case ok && ce.Class == client.ClassServer && ce.Status == http.StatusConflict:
			atomic.AddUint64(&failConflict, 1)
		case client.Unavailable(err):
			atomic.AddUint64(&failUnavailable, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
	}
}

func generateAccounts() (int64, int64) {
	if workload == "hotspot" {
		// 90% of traffic between customers 1 and 2
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return 1, 2
			}
			return 2, 1
		}
	}

	a := rand.Intn(accounts) + 1
	b := rand.Intn(accounts) + 1
	for a == b {
		b = rand.Intn(accounts) + 1
	}
	return int64(a), int64(b)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalOps)
	conflicts := atomic.LoadUint64(&failConflict)

	var conflictRate float64
	if total > 0 {
		conflictRate = float64(conflicts) / float64(total) * 100
	}

	results := map[string]any{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_ops":         total,
		"throughput_ops":    float64(total) / d.Seconds(),
		"balance_refreshes": atomic.LoadUint64(&refreshes),
		"passbooks":         atomic.LoadUint64(&passbooks),
		"transfers":         atomic.LoadUint64(&transfers),
		"degraded_reads":    atomic.LoadUint64(&degraded),
		"conflicts":         conflicts,
		"conflict_rate_pct": conflictRate,
		"unavailable":       atomic.LoadUint64(&failUnavailable),
		"errors":            atomic.LoadUint64(&failOther),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}

// writeMetrics saves the server's Prometheus exposition next to the results.
func writeMetrics(baseURL string) error {
	resp, err := http.Get(strings.TrimSuffix(baseURL, "/api") + "/metrics")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metrics: status %d", resp.StatusCode)
	}
	out, err := os.Create(fmt.Sprintf("metrics_%s.txt", workload))
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, resp.Body)
	return err
}
