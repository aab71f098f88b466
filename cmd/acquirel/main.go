package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-acquirel/v1/adapter"
	"github.com/mirkobrombin/go-acquirel/v1/lock"
	"github.com/mirkobrombin/go-acquirel/v1/syncbus"
)

var (
	redisAddr = flag.String("redis-addr", "localhost:6379", "Redis address")
	key       = flag.String("key", "", "Resource key to lock")
	prefix    = flag.String("prefix", lock.DefaultPrefix, "Namespace prepended to the key")
	ttl       = flag.Duration("ttl", 30*time.Second, "Lock expiry")
	timeout   = flag.Duration("timeout", 0, "Keep retrying for this long (timeout policy)")
	retries   = flag.Int("retries", 0, "Retry at most this many times (used when -timeout is 0)")
	interval  = flag.Duration("interval", 200*time.Millisecond, "Pause between retries")
	hold      = flag.Duration("hold", 0, "Hold the lock this long before releasing; 0 holds until interrupted")
	busKind   = flag.String("bus", "none", "Event bus: none, redis, nats, kafka")
	natsURL   = flag.String("nats-url", nats.DefaultURL, "NATS server URL")
	brokers   = flag.String("kafka-brokers", "localhost:9092", "Comma-separated Kafka brokers")
	watch     = flag.Bool("watch", false, "Print lock events for -key instead of acquiring")
	listen    = flag.String("http", "", "With -watch, serve events over SSE (/events) and WebSocket (/ws) on this address")
	breaker   = flag.Int("breaker", 5, "Consecutive store errors before failing fast; 0 disables")
	verbose   = flag.Bool("v", false, "Debug logging")
)

func main() {
	flag.Parse()
	if *key == "" && !(*watch && *listen != "") {
		log.Fatal("-key is required")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := redis.NewClient(&redis.Options{Addr: *redisAddr})
	defer client.Close()

	bus, closeBus, err := openBus(client)
	if err != nil {
		log.Fatalf("failed to open %s bus: %v", *busKind, err)
	}
	defer closeBus()

	if *watch {
		if bus == nil {
			log.Fatal("-watch needs a -bus")
		}
		if *listen != "" {
			serveEvents(ctx, bus)
			return
		}
		watchEvents(ctx, bus)
		return
	}

	rs := adapter.NewRedisStore(client)
	if err := rs.Ping(ctx); err != nil {
		log.Fatalf("redis unreachable at %s: %v", *redisAddr, err)
	}
	var store adapter.Store = rs
	if *breaker > 0 {
		store = adapter.NewCircuitBreaker(rs, *breaker, 10*time.Second)
	}

	opts := []lock.Option{lock.WithPrefix(*prefix), lock.WithLogger(logger)}
	if bus != nil {
		opts = append(opts, lock.WithBus(bus))
	}
	m := lock.New(store, opts...)

	var res lock.Result
	if *timeout > 0 {
		res, err = m.AcquireWithTimeout(ctx, *key, *ttl, lock.TimeoutOptions{Timeout: *timeout, Interval: *interval})
	} else {
		res, err = m.AcquireWithMaxRetries(ctx, *key, *ttl, lock.MaxRetriesOptions{MaxRetries: *retries, Interval: *interval})
	}
	if err != nil {
		log.Fatalf("acquire %s: %v", *key, err)
	}
	l, ok := res.(*lock.Lock)
	if !ok {
		f := res.(*lock.Failure)
		fmt.Printf("%s is held elsewhere (%d attempts)\n", *key, f.Attempt())
		os.Exit(1)
	}
	fmt.Printf("acquired %s (attempt %d, expires %s)\n", l.Key(), l.Attempt(), l.ExpiresAt().Format(time.RFC3339))

	wait := ctx.Done()
	if *hold > 0 {
		timer := time.NewTimer(*hold)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-wait:
		}
	} else {
		<-wait
	}

	// the signal context is done by now; release on a fresh one
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	released, err := l.Release(releaseCtx)
	if err != nil {
		log.Fatalf("release %s: %v", *key, err)
	}
	if !released {
		fmt.Printf("%s expired before release\n", *key)
		return
	}
	fmt.Printf("released %s\n", *key)
}

func openBus(client *redis.Client) (syncbus.Bus, func(), error) {
	switch *busKind {
	case "none", "":
		return nil, func() {}, nil
	case "redis":
		b := syncbus.NewRedisBus(client)
		return b, func() { _ = b.Close() }, nil
	case "nats":
		nc, err := nats.Connect(*natsURL)
		if err != nil {
			return nil, nil, err
		}
		return syncbus.NewNATSBus(nc), nc.Close, nil
	case "kafka":
		b, err := syncbus.NewKafkaBus(strings.Split(*brokers, ","), "", nil)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown bus %q", *busKind)
	}
}

func watchEvents(ctx context.Context, bus syncbus.Bus) {
	ch, err := bus.Subscribe(ctx, *key)
	if err != nil {
		log.Fatalf("subscribe %s: %v", *key, err)
	}
	log.Printf("watching %s on %s bus", *key, *busKind)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			fmt.Printf("%s %s %s\n", time.Now().Format(time.RFC3339), ev.Kind, ev.Node)
		case <-ctx.Done():
			return
		}
	}
}

func serveEvents(ctx context.Context, bus syncbus.Bus) {
	mux := http.NewServeMux()
	mux.Handle("/events", syncbus.SSEHandler(bus))
	mux.Handle("/ws", syncbus.WebSocketHandler(bus))
	srv := &http.Server{Addr: *listen, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	log.Printf("serving lock events on %s", *listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("serve: %v", err)
	}
}
