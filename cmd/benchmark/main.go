package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	deposit     int64
	maxAmount   float64
)

// Metrics
var (
	totalRequests uint64
	accepted201   uint64 // Charged
	rejected422   uint64 // Insufficient balance
	conflict409   uint64 // Session no longer active
	limited429    uint64 // Rate limited
	failOther     uint64
)

var actionTypes = []string{"swap", "mint", "lp", "stake"}

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.Int64Var(&deposit, "deposit", 100_000_000, "Deposit in micro-units")
	flag.Float64Var(&maxAmount, "max-amount", 1.5, "Largest single charge")
}

func main() {
	flag.Parse()
	client := &http.Client{Timeout: 30 * time.Second}

	id, err := prepareSession(client)
	if err != nil {
		log.Fatalf("Session setup failed: %v", err)
	}
	log.Printf("Starting Benchmark: session %s | Workers: %d | Duration: %s", id, concurrency, duration)

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			worker(gctx, client, id)
			return nil
		})
	}
	_ = g.Wait()

	balance := finalBalance(client, id)
	printResults(time.Since(start), balance)
}

func prepareSession(client *http.Client) (string, error) {
	body, err := call(client, "POST", "/api/v1/sessions", map[string]string{"wallet": "0xbench"})
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(body, "id").String()
	if id == "" {
		return "", fmt.Errorf("no session id in %s", body)
	}
	if _, err := call(client, "POST", "/api/v1/sessions/"+id+"/deposit", map[string]int64{"amount": deposit}); err != nil {
		return "", err
	}
	if _, err := call(client, "POST", "/api/v1/sessions/"+id+"/start", nil); err != nil {
		return "", err
	}
	return id, nil
}

func call(client *http.Client, method, path string, payload interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequest(method, targetURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, out.String())
	}
	return out.Bytes(), nil
}

func worker(ctx context.Context, client *http.Client, id string) {
	url := targetURL + "/api/v1/sessions/" + id + "/actions"
	for ctx.Err() == nil {
		payload := map[string]string{
			"type":   actionTypes[rand.Intn(len(actionTypes))],
			"amount": fmt.Sprintf("%.2f", 0.01+rand.Float64()*(maxAmount-0.01)),
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				atomic.AddUint64(&failOther, 1)
			}
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&accepted201, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&rejected422, 1)
		case http.StatusConflict:
			atomic.AddUint64(&conflict409, 1)
		case http.StatusTooManyRequests:
			atomic.AddUint64(&limited429, 1)
			time.Sleep(50 * time.Millisecond)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func finalBalance(client *http.Client, id string) string {
	body, err := call(client, "GET", "/api/v1/sessions/"+id, nil)
	if err != nil {
		log.Printf("Unable to read final state: %v", err)
		return ""
	}
	return gjson.GetBytes(body, "state.balance").String()
}

func printResults(d time.Duration, balance string) {
	total := atomic.LoadUint64(&totalRequests)
	tps := float64(total) / d.Seconds()

	results := map[string]interface{}{
		"duration_sec":   d.Seconds(),
		"workers":        concurrency,
		"total_requests": total,
		"throughput_tps": tps,
		"charged":        atomic.LoadUint64(&accepted201),
		"insufficient":   atomic.LoadUint64(&rejected422),
		"not_active":     atomic.LoadUint64(&conflict409),
		"rate_limited":   atomic.LoadUint64(&limited429),
		"errors":         atomic.LoadUint64(&failOther),
		"final_balance":  balance,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	file, err := os.Create("results_charges.json")
	if err != nil {
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
