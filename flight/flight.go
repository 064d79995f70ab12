// Package flight keeps a registry of in-flight computations keyed by an arbitrary key.
// Late callers for a key subscribe to the running computation's Future instead of starting their own.
// Nothing is retained once a computation finishes; memoization is the caller's concern.
package flight

import (
	"context"
	"errors"
	"sync"
)

var errPanicked = errors.New("flight: computation panicked")

// Future is a handle on one computation.
type Future[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// Done is closed when the computation has finished.
func (f *Future[V]) Done() <-chan struct{} { return f.done }

// Wait blocks until the computation finishes or ctx is done.
func (f *Future[V]) Wait(ctx context.Context) (V, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Group is a registry of in-flight keys. The zero value is ready to use.
type Group[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]*Future[V]
}

// Do runs fn for key unless a computation for key is already in flight, in which case it waits for
// that one. shared reports whether the value came from another caller's computation.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func(context.Context) (V, error)) (v V, shared bool, err error) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*Future[V])
	}
	if f, ok := g.m[key]; ok {
		g.mu.Unlock()
		v, err := f.Wait(ctx)
		return v, true, err
	}
	f := &Future[V]{done: make(chan struct{})}
	g.m[key] = f
	g.mu.Unlock()

	finished := false
	defer func() {
		if !finished {
			f.err = errPanicked
			g.finish(key, f)
		}
	}()

	f.val, f.err = fn(ctx)
	finished = true
	g.finish(key, f)
	return f.val, false, f.err
}

func (g *Group[K, V]) finish(key K, f *Future[V]) {
	g.mu.Lock()
	if g.m[key] == f {
		delete(g.m, key)
	}
	g.mu.Unlock()
	close(f.done)
}

// InFlight reports whether a computation for key is currently running.
func (g *Group[K, V]) InFlight(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.m[key]
	return ok
}
