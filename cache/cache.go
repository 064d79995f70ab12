// Package cache memoizes whole computations by key. At most one computation per key is in flight at a
// time; late callers subscribe to it. Only successful computations are stored, and the first writer
// of a key wins.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"mealsnap/flight"
)

// Store is durable key/value storage for encoded results.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// PutIfAbsent stores val unless key already holds a value. stored reports whether val was written.
	PutIfAbsent(ctx context.Context, key string, val []byte) (stored bool, err error)
	Delete(ctx context.Context, key string) error
}

// Outcome describes how a Memo answered.
type Outcome string

const (
	OutcomeHit      Outcome = "hit"
	OutcomeComputed Outcome = "computed"
	OutcomeShared   Outcome = "shared"
)

// errAbandoned marks a computation stopped because its own caller went away. Subscribers whose
// context is still live start over instead of inheriting that cancellation.
var errAbandoned = errors.New("cache: computation abandoned by its caller")

// Memo memoizes values of type V as JSON. Every caller receives its own decoded copy, so cache hits
// and fresh computations return identical values.
type Memo[V any] struct {
	name   string
	store  Store
	keep   func(V) bool
	flight flight.Group[string, []byte]
}

func NewMemo[V any](name string, store Store) *Memo[V] {
	return &Memo[V]{name: name, store: store}
}

// StoreIf limits storage to values for which keep returns true. Rejected values are still returned
// to the caller and its subscribers, but the next miss computes again.
func (m *Memo[V]) StoreIf(keep func(V) bool) *Memo[V] {
	m.keep = keep
	return m
}

// Do returns the value for key, computing it with compute on a miss.
func (m *Memo[V]) Do(ctx context.Context, key string, compute func(ctx context.Context) (V, error)) (V, Outcome, error) {
	var zero V
	for {
		if b, ok := m.get(ctx, key); ok {
			if v, err := decode[V](b); err == nil {
				return v, OutcomeHit, nil
			}
		}

		b, shared, err := m.flight.Do(ctx, key, func(ctx context.Context) ([]byte, error) {
			return m.compute(ctx, key, compute)
		})
		if err != nil {
			if errors.Is(err, errAbandoned) {
				if ctx.Err() != nil {
					return zero, "", ctx.Err()
				}
				if shared {
					slog.Info("CACHE: In-flight computation abandoned, retrying", "cache", m.name, "key", key)
					continue
				}
			}
			return zero, "", err
		}

		v, err := decode[V](b)
		if err != nil {
			return zero, "", err
		}
		if shared {
			return v, OutcomeShared, nil
		}
		return v, OutcomeComputed, nil
	}
}

// InFlight reports whether key is being computed right now.
func (m *Memo[V]) InFlight(key string) bool {
	return m.flight.InFlight(key)
}

func (m *Memo[V]) compute(ctx context.Context, key string, compute func(ctx context.Context) (V, error)) ([]byte, error) {
	// A previous leader may have stored the value between our lookup and taking the lead.
	if b, ok := m.get(ctx, key); ok {
		return b, nil
	}

	v, err := compute(ctx)
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", errAbandoned, ctx.Err())
	}
	if err != nil {
		return nil, err
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s value: %w", m.name, err)
	}
	if m.keep != nil && !m.keep(v) {
		slog.Debug("CACHE: Value not kept", "cache", m.name, "key", key)
		return b, nil
	}

	stored, err := m.store.PutIfAbsent(ctx, key, b)
	if err != nil {
		slog.Warn("CACHE: Failed to store value", "cache", m.name, "key", key, "error", err)
		return b, nil
	}
	if !stored {
		// Someone else wrote first; theirs is the canonical value.
		if existing, ok := m.get(ctx, key); ok {
			return existing, nil
		}
	}
	return b, nil
}

func (m *Memo[V]) get(ctx context.Context, key string) ([]byte, bool) {
	b, ok, err := m.store.Get(ctx, key)
	if err != nil {
		slog.Warn("CACHE: Failed to read value, treating as miss", "cache", m.name, "key", key, "error", err)
		return nil, false
	}
	return b, ok
}

func decode[V any](b []byte) (V, error) {
	var v V
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("failed to decode cached value: %w", err)
	}
	return v, nil
}

// MemoryStore keeps values in process memory.
type MemoryStore struct {
	mu sync.RWMutex
	m  map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string][]byte)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.m[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (s *MemoryStore) PutIfAbsent(ctx context.Context, key string, val []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[key]; ok {
		return false, nil
	}
	s.m[key] = append([]byte(nil), val...)
	return true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

// Len reports how many keys are stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}
