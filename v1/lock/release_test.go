package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mirkobrombin/go-acquirel/v1/adapter"
	acqerrors "github.com/mirkobrombin/go-acquirel/v1/errors"
)

func TestReleaseRegistersScriptOnce(t *testing.T) {
	store := &countingStore{Store: adapter.NewInMemoryStore()}
	m := New(store)
	for _, key := range []string{"a", "b", "c"} {
		l := mustAcquire(t, m, key, time.Second)
		mustRelease(t, l, true)
	}
	if got := store.registers.Load(); got != 1 {
		t.Fatalf("expected one registration, got %d", got)
	}
	if got := store.deletes.Load(); got != 3 {
		t.Fatalf("expected three compare-and-delete calls, got %d", got)
	}
}

func TestReleaseAfterScriptFlushRedis(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, _, client := newRedisManager(t, WithMetrics(reg))
	ctx := context.Background()

	first := mustAcquire(t, m, "a", time.Second)
	mustRelease(t, first, true)

	if err := client.ScriptFlush(ctx).Err(); err != nil {
		t.Fatalf("script flush: %v", err)
	}

	second := mustAcquire(t, m, "b", time.Second)
	mustRelease(t, second, true)

	if got := testutil.ToFloat64(m.metrics.ScriptLoads); got != 2 {
		t.Fatalf("expected 2 script loads, got %v", got)
	}
}

func TestReleaseAfterScriptFlushInMemory(t *testing.T) {
	store := &countingStore{Store: adapter.NewInMemoryStore()}
	m := New(store)
	first := mustAcquire(t, m, "a", time.Second)
	mustRelease(t, first, true)

	store.Store.(*adapter.InMemoryStore).FlushScripts()

	// a stale handle must not turn into a spurious false
	second := mustAcquire(t, m, "b", time.Second)
	mustRelease(t, second, true)
	if got := store.registers.Load(); got != 2 {
		t.Fatalf("expected re-registration, got %d registrations", got)
	}
}

// forgetfulStore never recognises a handle.
type forgetfulStore struct {
	countingStore
}

func (f *forgetfulStore) CompareAndDelete(ctx context.Context, handle, key, value string) (bool, error) {
	f.deletes.Add(1)
	return false, acqerrors.ErrUnknownScript
}

func TestReleaseReloadsOnlyOnce(t *testing.T) {
	store := &forgetfulStore{countingStore{Store: adapter.NewInMemoryStore()}}
	m := New(store)
	l := mustAcquire(t, m, "a", time.Second)
	ok, err := l.Release(context.Background())
	if !errors.Is(err, acqerrors.ErrUnknownScript) {
		t.Fatalf("expected ErrUnknownScript, got %v", err)
	}
	if ok {
		t.Fatal("failed release must not report success")
	}
	if got := store.registers.Load(); got != 2 {
		t.Fatalf("expected 2 registrations, got %d", got)
	}
	if got := store.deletes.Load(); got != 2 {
		t.Fatalf("expected 2 compare-and-delete calls, got %d", got)
	}
}

type erroringRegisterStore struct {
	adapter.Store
	err error
}

func (e erroringRegisterStore) RegisterCompareAndDelete(context.Context) (string, error) {
	return "", e.err
}

func TestReleaseRegistrationError(t *testing.T) {
	boom := errors.New("script load refused")
	m := New(erroringRegisterStore{Store: adapter.NewInMemoryStore(), err: boom})
	l := mustAcquire(t, m, "a", time.Second)
	if _, err := l.Release(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected registration error, got %v", err)
	}
}

// gatedStore blocks registration until the gate is closed.
type gatedStore struct {
	countingStore
	gate chan struct{}
}

func (g *gatedStore) RegisterCompareAndDelete(ctx context.Context) (string, error) {
	<-g.gate
	return g.countingStore.RegisterCompareAndDelete(ctx)
}

func TestReleaseConcurrentFirstUseSharesRegistration(t *testing.T) {
	store := &gatedStore{
		countingStore: countingStore{Store: adapter.NewInMemoryStore()},
		gate:          make(chan struct{}),
	}
	m := New(store)

	const n = 10
	locks := make([]*Lock, n)
	for i := range locks {
		locks[i] = mustAcquire(t, m, string(rune('a'+i)), time.Second)
	}

	var wg sync.WaitGroup
	results := make(chan bool, n)
	for _, l := range locks {
		wg.Add(1)
		go func(l *Lock) {
			defer wg.Done()
			ok, err := l.Release(context.Background())
			if err != nil {
				t.Errorf("release: %v", err)
			}
			results <- ok
		}(l)
	}
	time.Sleep(50 * time.Millisecond)
	close(store.gate)
	wg.Wait()
	close(results)

	for ok := range results {
		if !ok {
			t.Fatal("expected every release to succeed")
		}
	}
	if got := store.registers.Load(); got != 1 {
		t.Fatalf("expected a single shared registration, got %d", got)
	}
}

// cancellableRegisterStore blocks registration until the gate opens or the
// registering context ends.
type cancellableRegisterStore struct {
	adapter.Store
	entered chan struct{}
	gate    chan struct{}
}

func (c *cancellableRegisterStore) RegisterCompareAndDelete(ctx context.Context) (string, error) {
	close(c.entered)
	select {
	case <-c.gate:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return c.Store.RegisterCompareAndDelete(ctx)
}

func TestReleaseSharedRegistrationIgnoresOtherCallersCancellation(t *testing.T) {
	store := &cancellableRegisterStore{
		Store:   adapter.NewInMemoryStore(),
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	m := New(store)
	a := mustAcquire(t, m, "a", time.Second)
	b := mustAcquire(t, m, "b", time.Second)

	actx, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	go func() { _, _ = a.Release(actx) }()
	<-store.entered

	type outcome struct {
		ok  bool
		err error
	}
	bDone := make(chan outcome, 1)
	go func() {
		ok, err := b.Release(context.Background())
		bDone <- outcome{ok, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancelA()
	time.Sleep(20 * time.Millisecond)
	close(store.gate)

	select {
	case out := <-bDone:
		if out.err != nil || !out.ok {
			t.Fatalf("release with live context: ok %v err %v", out.ok, out.err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for release")
	}
	if _, held := store.Store.(*adapter.InMemoryStore).Value(DefaultPrefix + "b"); held {
		t.Fatal("lock b must be gone after its release")
	}
}
