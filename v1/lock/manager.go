package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/mirkobrombin/go-acquirel/v1/adapter"
	acqerrors "github.com/mirkobrombin/go-acquirel/v1/errors"
	"github.com/mirkobrombin/go-acquirel/v1/metrics"
	"github.com/mirkobrombin/go-acquirel/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-acquirel/v1/lock")

// Manager acquires and releases locks through a Store. It keeps no record of
// held locks; the only local state is the cached release script handle. A
// Manager is safe for concurrent use.
type Manager struct {
	store        adapter.Store
	prefix       string
	newToken     func() (string, error)
	bus          syncbus.Bus
	node         string
	logger       *slog.Logger
	metrics      *metrics.LockMetrics
	traceEnabled bool

	mu     sync.Mutex
	handle string
	loads  singleflight.Group
}

// New returns a Manager backed by store.
func New(store adapter.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		prefix:   DefaultPrefix,
		newToken: randomToken,
		node:     uuid.NewString(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire makes one attempt to claim key for ttl. It returns a *Lock on
// success and a *Failure when the key is already held. Store errors are
// returned unchanged and never reported as a *Failure.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (Result, error) {
	return m.acquire(ctx, key, ttl, 1)
}

// AcquireWithTimeout makes a first attempt and then retries with
// WithTimeout.
func (m *Manager) AcquireWithTimeout(ctx context.Context, key string, ttl time.Duration, opts TimeoutOptions) (Result, error) {
	res, err := m.Acquire(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	return WithTimeout(ctx, res, opts)
}

// AcquireWithMaxRetries makes a first attempt and then retries with
// WithMaxRetries.
func (m *Manager) AcquireWithMaxRetries(ctx context.Context, key string, ttl time.Duration, opts MaxRetriesOptions) (Result, error) {
	res, err := m.Acquire(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	return WithMaxRetries(ctx, res, opts)
}

func (m *Manager) acquire(ctx context.Context, key string, ttl time.Duration, attempt int) (Result, error) {
	if strings.TrimSpace(key) == "" {
		return nil, acqerrors.ErrInvalidKey
	}
	if ttl < time.Millisecond {
		return nil, acqerrors.ErrInvalidTTL
	}

	var (
		span trace.Span
		ok   bool
		err  error
	)
	if m.traceEnabled {
		ctx, span = tracer.Start(ctx, "Lock.Acquire", trace.WithAttributes(
			attribute.String("acquirel.lock.key", key),
			attribute.Int64("acquirel.lock.ttl_ms", ttl.Milliseconds()),
			attribute.Int("acquirel.lock.attempt", attempt),
		))
		defer func() {
			endSpan(span, acquireOutcome(ok, err), err)
		}()
	}
	if m.metrics != nil && attempt > 1 {
		m.metrics.Retries.Inc()
	}

	token, err := m.newToken()
	if err != nil {
		err = fmt.Errorf("acquirel: generate release token: %w", err)
		return nil, err
	}

	start := time.Now()
	ok, err = m.store.SetIfAbsent(ctx, m.prefix+key, token, ttl)
	if m.metrics != nil {
		m.metrics.AcquireDuration.Observe(time.Since(start).Seconds())
		m.metrics.Acquires.WithLabelValues(acquireOutcome(ok, err)).Inc()
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Failure{acquirer: m, key: key, ttl: ttl, attempt: attempt}, nil
	}

	m.publish(ctx, syncbus.EventLocked, key)
	return &Lock{
		manager:    m,
		key:        key,
		storeKey:   m.prefix + key,
		token:      token,
		ttl:        ttl,
		acquiredAt: start,
		attempt:    attempt,
	}, nil
}

func (m *Manager) release(ctx context.Context, l *Lock) (released bool, err error) {
	var span trace.Span
	if m.traceEnabled {
		ctx, span = tracer.Start(ctx, "Lock.Release", trace.WithAttributes(
			attribute.String("acquirel.lock.key", l.key),
		))
		defer func() {
			endSpan(span, releaseOutcome(released, err), err)
		}()
	}
	defer func() {
		if m.metrics != nil {
			m.metrics.Releases.WithLabelValues(releaseOutcome(released, err)).Inc()
		}
	}()

	handle, err := m.scriptHandle(ctx)
	if err != nil {
		return false, err
	}
	released, err = m.store.CompareAndDelete(ctx, handle, l.storeKey, l.token)
	if errors.Is(err, acqerrors.ErrUnknownScript) {
		m.logger.Warn("acquirel: release script handle is stale, registering again", "key", l.key, "handle", handle)
		m.dropHandle(handle)
		if handle, err = m.scriptHandle(ctx); err != nil {
			return false, err
		}
		released, err = m.store.CompareAndDelete(ctx, handle, l.storeKey, l.token)
	}
	if err != nil {
		return false, err
	}
	if released {
		m.publish(ctx, syncbus.EventUnlocked, l.key)
	}
	return released, nil
}

// scriptHandle returns the cached compare-and-delete handle, registering the
// script on first use. Concurrent callers share a single registration, which
// runs detached from the first caller's cancellation and is bounded by the
// store's own timeout.
func (m *Manager) scriptHandle(ctx context.Context) (string, error) {
	m.mu.Lock()
	h := m.handle
	m.mu.Unlock()
	if h != "" {
		return h, nil
	}
	shared := context.WithoutCancel(ctx)
	v, err, _ := m.loads.Do("compare-and-delete", func() (interface{}, error) {
		m.mu.Lock()
		if m.handle != "" {
			h := m.handle
			m.mu.Unlock()
			return h, nil
		}
		m.mu.Unlock()

		h, err := m.store.RegisterCompareAndDelete(shared)
		if err != nil {
			return "", err
		}
		m.mu.Lock()
		m.handle = h
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.ScriptLoads.Inc()
		}
		m.logger.Debug("acquirel: release script registered", "handle", h)
		return h, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// dropHandle forgets stale unless another caller already replaced it.
func (m *Manager) dropHandle(stale string) {
	m.mu.Lock()
	if m.handle == stale {
		m.handle = ""
	}
	m.mu.Unlock()
}

func (m *Manager) publish(ctx context.Context, kind syncbus.EventKind, key string) {
	if m.bus == nil {
		return
	}
	ev := syncbus.Event{Kind: kind, Key: key, Node: m.node}
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.logger.Warn("acquirel: lock event publish failed", "key", key, "event", string(kind), "error", err)
	}
}

func acquireOutcome(ok bool, err error) string {
	switch {
	case err != nil:
		return metrics.ResultError
	case ok:
		return metrics.ResultAcquired
	}
	return metrics.ResultContended
}

func releaseOutcome(released bool, err error) string {
	switch {
	case err != nil:
		return metrics.ResultError
	case released:
		return metrics.ResultReleased
	}
	return metrics.ResultMissed
}

func endSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("acquirel.lock.result", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
