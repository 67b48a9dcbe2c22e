// Package pool implements a bounded pool of pre-established provider
// resources (connections, clients, handles).
//
// A Pool is a fixed-size queue: Initialize pre-creates every resource up
// front so that acquisition on the hot path never pays connection setup cost.
// Acquire blocks until a resource is free; the returned Lease makes release
// idempotent so every exit path of a turn can release unconditionally.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultSize is the pool size used when none is configured.
const DefaultSize = 10

// ErrClosed is returned by Acquire after the pool has been closed.
var ErrClosed = errors.New("pool: closed")

// Factory creates one pooled resource. It is called Size times during
// Initialize.
type Factory[T any] func(ctx context.Context) (T, error)

// Closer releases one pooled resource. May be nil when resources need no
// teardown.
type Closer[T any] func(T) error

// Pool is a bounded queue of pre-established resources of type T.
// All methods are safe for concurrent use.
type Pool[T any] struct {
	factory Factory[T]
	closer  Closer[T]
	size    int

	mu          sync.Mutex
	avail       chan T
	initialized bool
	closed      bool
}

// New creates a Pool of the given size. size <= 0 falls back to DefaultSize.
// The pool is empty until Initialize is called.
func New[T any](size int, factory Factory[T], closer Closer[T]) *Pool[T] {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool[T]{
		factory: factory,
		closer:  closer,
		size:    size,
	}
}

// Size returns the configured pool capacity.
func (p *Pool[T]) Size() int { return p.size }

// Initialize pre-creates all resources. It is idempotent: a second call is a
// no-op. A creation failure closes any resources already created and leaves
// the pool uninitialized; such a failure should be treated as fatal by the
// caller.
func (p *Pool[T]) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.initialized {
		return nil
	}

	avail := make(chan T, p.size)
	for i := 0; i < p.size; i++ {
		res, err := p.factory(ctx)
		if err != nil {
			close(avail)
			for r := range avail {
				p.closeResource(r)
			}
			return fmt.Errorf("pool: create resource %d/%d: %w", i+1, p.size, err)
		}
		avail <- res
	}

	p.avail = avail
	p.initialized = true
	return nil
}

// Acquire blocks until a resource is available or ctx is cancelled. The
// returned Lease must be released on every exit path; Release is idempotent.
func (p *Pool[T]) Acquire(ctx context.Context) (*Lease[T], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if !p.initialized {
		p.mu.Unlock()
		return nil, errors.New("pool: not initialized")
	}
	avail := p.avail
	p.mu.Unlock()

	select {
	case res, ok := <-avail:
		if !ok {
			return nil, ErrClosed
		}
		return &Lease[T]{Value: res, pool: p}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close drains the pool and closes every resource. Resources currently leased
// are closed when released. Close is idempotent.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	avail := p.avail
	p.mu.Unlock()

	if avail == nil {
		return nil
	}

	var errs []error
	for {
		select {
		case res := <-avail:
			if err := p.closeResource(res); err != nil {
				errs = append(errs, err)
			}
		default:
			return errors.Join(errs...)
		}
	}
}

// put returns a resource to the queue, or closes it if the pool shut down
// while it was leased.
func (p *Pool[T]) put(res T) {
	p.mu.Lock()
	closed := p.closed
	avail := p.avail
	p.mu.Unlock()

	if closed {
		p.closeResource(res)
		return
	}
	select {
	case avail <- res:
	default:
		// Double release of the same underlying resource; drop it.
		p.closeResource(res)
	}
}

// closeResource invokes the closer, if any.
func (p *Pool[T]) closeResource(res T) error {
	if p.closer == nil {
		return nil
	}
	return p.closer(res)
}

// Lease is a borrowed pool resource. Release returns it to the pool; calling
// Release more than once is safe and only the first call has effect.
type Lease[T any] struct {
	// Value is the borrowed resource.
	Value T

	pool *Pool[T]
	once sync.Once
}

// Release returns the resource to its pool. Idempotent.
func (l *Lease[T]) Release() {
	l.once.Do(func() {
		l.pool.put(l.Value)
	})
}
