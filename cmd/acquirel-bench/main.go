package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-acquirel/v1/adapter"
	"github.com/mirkobrombin/go-acquirel/v1/lock"
)

var (
	concurrency = flag.Int("c", 50, "Concurrency")
	requests    = flag.Int("n", 100000, "Acquire attempts")
	keys        = flag.Int("k", 8, "Distinct lock keys contended by the workers")
	ttl         = flag.Duration("ttl", time.Second, "Lock TTL")
	target      = flag.String("target", "all", "Target: memory, miniredis, redis, dragonfly")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis Address")
	dfAddr      = flag.String("df-addr", "localhost:6380", "DragonFly Address")
)

func main() {
	flag.Parse()
	if *concurrency < 1 || *keys < 1 {
		log.Fatal("-c and -k must be positive")
	}

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"memory", "miniredis", "redis", "dragonfly"}
	}

	fmt.Printf("| %-10s | %-10s | %-12s | %-12s | %-9s |\n", "Store", "Ops/sec", "Avg Latency", "P99 Latency", "Acquired")
	fmt.Println("|:---|:---|:---|:---|:---|")

	for _, t := range targets {
		runBenchmark(strings.TrimSpace(t))
	}
}

func openStore(name string) (adapter.Store, func(), error) {
	switch name {
	case "memory":
		return adapter.NewInMemoryStore(), func() {}, nil
	case "miniredis":
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, err
		}
		r := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		return adapter.NewRedisStore(r), func() { r.Close(); mr.Close() }, nil
	case "redis", "dragonfly":
		addr := *redisAddr
		if name == "dragonfly" {
			addr = *dfAddr
		}
		r := redis.NewClient(&redis.Options{Addr: addr, PoolSize: *concurrency})
		s := adapter.NewRedisStore(r)
		if err := s.Ping(context.Background()); err != nil {
			r.Close()
			return nil, nil, err
		}
		return s, func() { r.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown target %q", name)
}

func runBenchmark(name string) {
	store, cleanup, err := openStore(name)
	if err != nil {
		log.Printf("%s: %v", name, err)
		fmt.Printf("| %-10s | %-10s | %-12s | %-12s | %-9s |\n", name, "ERROR", "-", "-", "-")
		return
	}
	defer cleanup()

	m := lock.New(store)
	ctx := context.Background()

	var wg sync.WaitGroup
	var ops, acquired int64
	totalReqs := *requests
	latencies := make([]int64, totalReqs)

	start := time.Now()
	chunk := totalReqs / *concurrency

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			offset := idx * chunk
			for j := 0; j < chunk; j++ {
				key := fmt.Sprintf("bench:%d", (offset+j)%*keys)
				reqStart := time.Now()
				res, err := m.Acquire(ctx, key, *ttl)
				if err != nil {
					continue
				}
				if l, ok := res.(*lock.Lock); ok {
					if _, err := l.Release(ctx); err != nil {
						continue
					}
					atomic.AddInt64(&acquired, 1)
				}
				atomic.AddInt64(&ops, 1)
				latencies[offset+j] = time.Since(reqStart).Nanoseconds()
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	if ops == 0 {
		fmt.Printf("| %-10s | %-10s | %-12s | %-12s | %-9s |\n", name, "ERROR", "-", "-", "-")
		return
	}

	throughput := float64(ops) / elapsed.Seconds()
	avgLat := float64(elapsed.Nanoseconds()) / float64(ops)

	p99 := "-"
	validLats := make([]int64, 0, ops)
	for _, l := range latencies {
		if l > 0 {
			validLats = append(validLats, l)
		}
	}
	if len(validLats) > 0 {
		sort.Slice(validLats, func(i, j int) bool { return validLats[i] < validLats[j] })
		p99Idx := int(float64(len(validLats)) * 0.99)
		if p99Idx >= len(validLats) {
			p99Idx = len(validLats) - 1
		}
		p99 = fmt.Sprintf("%d", validLats[p99Idx])
	}

	ratio := fmt.Sprintf("%.1f%%", 100*float64(acquired)/float64(ops))
	fmt.Printf("| %-10s | %-10.0f | %-12.0f | %-12s | %-9s |\n", name, throughput, avgLat, p99, ratio)
}
