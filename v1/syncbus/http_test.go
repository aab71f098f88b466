package syncbus

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func subscribers(bus *InMemoryBus, key string) int {
	bus.fan.mu.Lock()
	defer bus.fan.mu.Unlock()
	return len(bus.fan.subs[key])
}

func waitSubscribers(t *testing.T, bus *InMemoryBus, key string, n int) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if subscribers(bus, key) == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d subscribers for %s, got %d", n, key, subscribers(bus, key))
}

func TestSSEHandlerStream(t *testing.T) {
	bus := NewInMemoryBus()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?key=job")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	waitSubscribers(t, bus, "job", 1)

	if err := bus.Publish(context.Background(), Event{Kind: EventLocked, Key: "job", Node: "n1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	reader := bufio.NewReader(resp.Body)
	kind, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(kind) != "event: locked" {
		t.Fatalf("unexpected line %q", kind)
	}
	data, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	ev, err := decodeEvent([]byte(strings.TrimPrefix(strings.TrimSpace(data), "data: ")))
	if err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	if ev.Key != "job" || ev.Node != "n1" || ev.Kind != EventLocked {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestSSEHandlerMissingKey(t *testing.T) {
	srv := httptest.NewServer(SSEHandler(NewInMemoryBus()))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSSEHandlerContextCancel(t *testing.T) {
	bus := NewInMemoryBus()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?key=job", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	waitSubscribers(t, bus, "job", 1)

	cancel()
	resp.Body.Close()
	waitSubscribers(t, bus, "job", 0)
}

type failingWriter struct {
	header http.Header
}

func (w *failingWriter) Header() http.Header       { return w.header }
func (w *failingWriter) Write([]byte) (int, error) { return 0, errors.New("write failed") }
func (w *failingWriter) WriteHeader(int)           {}
func (w *failingWriter) Flush()                    {}

func TestSSEHandlerWriteErrorUnsubscribes(t *testing.T) {
	bus := NewInMemoryBus()
	handler := SSEHandler(bus)
	req := httptest.NewRequest(http.MethodGet, "/?key=job", nil)

	done := make(chan struct{})
	go func() {
		handler(&failingWriter{header: make(http.Header)}, req)
		close(done)
	}()
	waitSubscribers(t, bus, "job", 1)

	if err := bus.Publish(context.Background(), Event{Kind: EventUnlocked, Key: "job"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not exit on write error")
	}
	waitSubscribers(t, bus, "job", 0)
}

func TestWebSocketHandlerStream(t *testing.T) {
	bus := NewInMemoryBus()
	srv := httptest.NewServer(WebSocketHandler(bus))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?key=job"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitSubscribers(t, bus, "job", 1)

	want := Event{Kind: EventUnlocked, Key: "job", Node: "n2"}
	if err := bus.Publish(context.Background(), want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != want {
		t.Fatalf("expected %+v got %+v", want, got)
	}
}

func TestWebSocketHandlerMissingKey(t *testing.T) {
	srv := httptest.NewServer(WebSocketHandler(NewInMemoryBus()))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", resp)
	}
}

func TestWebSocketHandlerClientClose(t *testing.T) {
	bus := NewInMemoryBus()
	srv := httptest.NewServer(WebSocketHandler(bus))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?key=job"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitSubscribers(t, bus, "job", 1)

	conn.Close()
	waitSubscribers(t, bus, "job", 0)
}
