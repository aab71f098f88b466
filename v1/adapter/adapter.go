package adapter

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"sync"
	"time"

	acqerrors "github.com/mirkobrombin/go-acquirel/v1/errors"
)

// CompareAndDeleteScript deletes KEYS[1] only when its value equals ARGV[1]
// and returns the number of removed keys.
const CompareAndDeleteScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`

// Store is the shared key space a lock manager coordinates through. All
// three operations must be atomic on the store side.
type Store interface {
	// SetIfAbsent writes value under key only if the key does not exist,
	// with the entry expiring after ttl. It reports whether the write
	// happened.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// RegisterCompareAndDelete registers CompareAndDeleteScript with the
	// store and returns a handle for CompareAndDelete.
	RegisterCompareAndDelete(ctx context.Context) (string, error)
	// CompareAndDelete runs the registered script identified by handle. It
	// returns ErrUnknownScript when the handle is stale.
	CompareAndDelete(ctx context.Context, handle, key, value string) (bool, error)
}

type lockState struct {
	value string
	timer *time.Timer
}

// InMemoryStore implements Store using local memory. It only coordinates
// managers living in the same process.
type InMemoryStore struct {
	mu      sync.Mutex
	items   map[string]*lockState
	scripts map[string]struct{}
}

// NewInMemoryStore returns an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		items:   make(map[string]*lockState),
		scripts: make(map[string]struct{}),
	}
}

// SetIfAbsent implements Store.SetIfAbsent.
func (s *InMemoryStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; ok {
		return false, nil
	}
	st := &lockState{value: value}
	st.timer = time.AfterFunc(ttl, func() { s.expire(key, st) })
	s.items[key] = st
	return true, nil
}

func (s *InMemoryStore) expire(key string, st *lockState) {
	s.mu.Lock()
	if s.items[key] == st {
		delete(s.items, key)
	}
	s.mu.Unlock()
}

// RegisterCompareAndDelete implements Store.RegisterCompareAndDelete. The
// handle is the SHA1 of the script, like Redis' SCRIPT LOAD.
func (s *InMemoryStore) RegisterCompareAndDelete(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sum := sha1.Sum([]byte(CompareAndDeleteScript))
	handle := hex.EncodeToString(sum[:])
	s.mu.Lock()
	s.scripts[handle] = struct{}{}
	s.mu.Unlock()
	return handle, nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *InMemoryStore) CompareAndDelete(ctx context.Context, handle, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scripts[handle]; !ok {
		return false, acqerrors.ErrUnknownScript
	}
	st, ok := s.items[key]
	if !ok || st.value != value {
		return false, nil
	}
	st.timer.Stop()
	delete(s.items, key)
	return true, nil
}

// FlushScripts forgets every registered script, the way a restarted Redis
// does.
func (s *InMemoryStore) FlushScripts() {
	s.mu.Lock()
	s.scripts = make(map[string]struct{})
	s.mu.Unlock()
}

// Value returns the value currently stored under key.
func (s *InMemoryStore) Value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.items[key]
	if !ok {
		return "", false
	}
	return st.value, true
}
