// Package pool implements the bounded, borrow/return client pool shared by remote backends.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/objectfs/storagehub/pkg/errors"
)

// Factory creates, checks and destroys pooled clients.
type Factory[T any] interface {
	Create(ctx context.Context) (T, error)
	Validate(ctx context.Context, client T) bool
	Destroy(client T)
}

// Observer receives pool occupancy changes, typically a metrics collector.
type Observer interface {
	ObservePool(name string, borrowed, idle int)
	ObservePoolExhausted(name string)
}

// Config controls pool sizing and validation.
type Config struct {
	MaxTotal           int           `yaml:"max_total"`
	MinIdle            int           `yaml:"min_idle"`
	MaxIdle            int           `yaml:"max_idle"`
	ValidateOnBorrow   bool          `yaml:"validate_on_borrow"`
	ValidateOnReturn   bool          `yaml:"validate_on_return"`
	BlockWhenExhausted bool          `yaml:"block_when_exhausted"`
	MaxWait            time.Duration `yaml:"max_wait"`
	EvictionInterval   time.Duration `yaml:"eviction_interval"`
}

// DefaultConfig returns the pool settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxTotal:           8,
		MinIdle:            0,
		MaxIdle:            8,
		ValidateOnBorrow:   true,
		ValidateOnReturn:   false,
		BlockWhenExhausted: true,
		MaxWait:            30 * time.Second,
		EvictionInterval:   30 * time.Second,
	}
}

func (c Config) normalized() Config {
	if c.MaxTotal <= 0 {
		c.MaxTotal = 8
	}
	if c.MaxIdle <= 0 || c.MaxIdle > c.MaxTotal {
		c.MaxIdle = c.MaxTotal
	}
	if c.MinIdle < 0 {
		c.MinIdle = 0
	}
	if c.MinIdle > c.MaxIdle {
		c.MinIdle = c.MaxIdle
	}
	return c
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Borrowed           int       `json:"borrowed"`
	Idle               int       `json:"idle"`
	Live               int       `json:"live"`
	MaxTotal           int       `json:"max_total"`
	PeakBorrowed       int       `json:"peak_borrowed"`
	Created            int64     `json:"created"`
	Destroyed          int64     `json:"destroyed"`
	Exhausted          int64     `json:"exhausted"`
	ValidationFailures int64     `json:"validation_failures"`
	FactoryErrors      int64     `json:"factory_errors"`
	LastError          string    `json:"last_error,omitempty"`
	LastErrorAt        time.Time `json:"last_error_at,omitempty"`
}

// Pool is a bounded pool of clients of type T.
//
// A slot in the slots channel is held by every borrowed client and by the
// maintenance loop while it creates or validates idle clients, so at most
// MaxTotal clients are ever borrowed and at most MaxTotal are ever live.
type Pool[T any] struct {
	name     string
	cfg      Config
	factory  Factory[T]
	observer Observer

	slots chan struct{}
	done  chan struct{}

	mu       sync.Mutex
	idle     []T
	live     int
	borrowed int
	closed   bool
	stats    Stats

	stopped chan struct{}
}

// Option customizes a pool.
type Option[T any] func(*Pool[T])

// WithObserver reports occupancy changes to o.
func WithObserver[T any](o Observer) Option[T] {
	return func(p *Pool[T]) { p.observer = o }
}

// New creates a pool and starts its maintenance loop when an eviction
// interval is configured.
func New[T any](name string, cfg Config, factory Factory[T], opts ...Option[T]) (*Pool[T], error) {
	if factory == nil {
		return nil, fmt.Errorf("pool %s: factory cannot be nil", name)
	}
	cfg = cfg.normalized()

	p := &Pool[T]{
		name:    name,
		cfg:     cfg,
		factory: factory,
		slots:   make(chan struct{}, cfg.MaxTotal),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		stats:   Stats{MaxTotal: cfg.MaxTotal},
	}
	for _, opt := range opts {
		opt(p)
	}

	if cfg.EvictionInterval > 0 {
		go p.maintain(cfg.EvictionInterval)
	} else {
		close(p.stopped)
	}
	return p, nil
}

// Name returns the pool name used in errors and metrics.
func (p *Pool[T]) Name() string {
	return p.name
}

// Acquire borrows a client. It blocks up to MaxWait when the pool is saturated
// and BlockWhenExhausted is set, and fails with ResourceUnavailable otherwise.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	if err := p.acquireSlot(ctx); err != nil {
		return zero, err
	}
	client, err := p.checkout(ctx)
	if err != nil {
		p.releaseSlot()
		return zero, err
	}
	p.notify()
	return client, nil
}

// Release returns a borrowed client. Clients that fail return validation,
// exceed MaxIdle, or come back after Close are destroyed.
func (p *Pool[T]) Release(client T) {
	valid := true
	if p.cfg.ValidateOnReturn {
		valid = p.factory.Validate(context.Background(), client)
	}

	p.mu.Lock()
	p.borrowed--
	keep := valid && !p.closed && len(p.idle) < p.cfg.MaxIdle
	if keep {
		p.idle = append(p.idle, client)
	} else {
		p.live--
		p.stats.Destroyed++
		if !valid {
			p.stats.ValidationFailures++
		}
	}
	p.mu.Unlock()

	if !keep {
		p.factory.Destroy(client)
	}
	p.releaseSlot()
	p.notify()
}

// Invalidate destroys a borrowed client instead of returning it.
func (p *Pool[T]) Invalidate(client T) {
	p.mu.Lock()
	p.borrowed--
	p.live--
	p.stats.Destroyed++
	p.mu.Unlock()

	p.factory.Destroy(client)
	p.releaseSlot()
	p.notify()
}

// With borrows a client for the duration of fn. The client is released on
// every exit path; if fn panics the client is destroyed rather than reused.
func (p *Pool[T]) With(ctx context.Context, fn func(T) error) error {
	client, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	returned := false
	defer func() {
		if !returned {
			p.Invalidate(client)
		}
	}()

	err = fn(client)
	returned = true
	p.Release(client)
	return err
}

// Warmup creates idle clients until MinIdle is reached or the pool is busy.
func (p *Pool[T]) Warmup(ctx context.Context) error {
	return p.ensureMinIdle(ctx)
}

// Stats returns current pool statistics.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.stats
	stats.Borrowed = p.borrowed
	stats.Idle = len(p.idle)
	stats.Live = p.live
	return stats
}

// Close stops maintenance and destroys idle clients. Borrowed clients are
// destroyed as they are released; new borrows fail.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	p.stats.Destroyed += int64(len(idle))
	p.mu.Unlock()

	close(p.done)
	<-p.stopped

	for _, c := range idle {
		p.factory.Destroy(c)
	}
	p.notify()
	return nil
}

func (p *Pool[T]) acquireSlot(ctx context.Context) error {
	if p.isClosed() {
		return p.closedError()
	}

	select {
	case p.slots <- struct{}{}:
		return p.checkClosedAfterSlot()
	default:
	}

	if !p.cfg.BlockWhenExhausted {
		return p.exhausted(nil)
	}

	var timeout <-chan time.Time
	if p.cfg.MaxWait > 0 {
		timer := time.NewTimer(p.cfg.MaxWait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case p.slots <- struct{}{}:
		return p.checkClosedAfterSlot()
	case <-timeout:
		return p.exhausted(nil)
	case <-ctx.Done():
		return p.exhausted(ctx.Err())
	case <-p.done:
		return p.closedError()
	}
}

func (p *Pool[T]) checkClosedAfterSlot() error {
	if p.isClosed() {
		p.releaseSlot()
		return p.closedError()
	}
	return nil
}

func (p *Pool[T]) releaseSlot() {
	<-p.slots
}

// checkout runs with a slot held.
func (p *Pool[T]) checkout(ctx context.Context) (T, error) {
	var zero T
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return zero, p.closedError()
		}

		if n := len(p.idle); n > 0 {
			client := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.markBorrowedLocked()
			p.mu.Unlock()

			if p.cfg.ValidateOnBorrow && !p.factory.Validate(ctx, client) {
				p.mu.Lock()
				p.borrowed--
				p.live--
				p.stats.Destroyed++
				p.stats.ValidationFailures++
				p.mu.Unlock()
				p.factory.Destroy(client)
				continue
			}
			return client, nil
		}

		p.live++
		p.markBorrowedLocked()
		p.mu.Unlock()

		client, err := p.factory.Create(ctx)
		if err != nil {
			p.mu.Lock()
			p.live--
			p.borrowed--
			p.stats.FactoryErrors++
			p.stats.LastError = err.Error()
			p.stats.LastErrorAt = time.Now()
			p.mu.Unlock()
			return zero, errors.Wrap(errors.ErrCodeClientFactory, err, "failed to create client").
				WithContext("pool", p.name)
		}

		p.mu.Lock()
		p.stats.Created++
		p.mu.Unlock()
		return client, nil
	}
}

func (p *Pool[T]) markBorrowedLocked() {
	p.borrowed++
	if p.borrowed > p.stats.PeakBorrowed {
		p.stats.PeakBorrowed = p.borrowed
	}
}

func (p *Pool[T]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool[T]) closedError() error {
	return errors.Newf(errors.ErrCodePoolClosed, "pool %s is closed", p.name).WithContext("pool", p.name)
}

func (p *Pool[T]) exhausted(cause error) error {
	p.mu.Lock()
	p.stats.Exhausted++
	p.mu.Unlock()
	if p.observer != nil {
		p.observer.ObservePoolExhausted(p.name)
	}

	err := errors.Newf(errors.ErrCodePoolExhausted, "pool %s exhausted: %d clients in use", p.name, p.cfg.MaxTotal).
		WithContext("pool", p.name)
	if cause != nil {
		err = err.WithCause(cause)
	}
	return err
}

func (p *Pool[T]) notify() {
	if p.observer == nil {
		return
	}
	p.mu.Lock()
	borrowed, idle := p.borrowed, len(p.idle)
	p.mu.Unlock()
	p.observer.ObservePool(p.name, borrowed, idle)
}

// Maintenance

func (p *Pool[T]) maintain(interval time.Duration) {
	defer close(p.stopped)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			p.evictInvalid(ctx)
			_ = p.ensureMinIdle(ctx)
			cancel()
		}
	}
}

// evictInvalid validates each idle client once, oldest first. It only works
// while a slot is free, so it never competes with callers for capacity.
func (p *Pool[T]) evictInvalid(ctx context.Context) {
	p.mu.Lock()
	count := len(p.idle)
	p.mu.Unlock()

	for i := 0; i < count; i++ {
		select {
		case p.slots <- struct{}{}:
		default:
			return
		}

		p.mu.Lock()
		if p.closed || len(p.idle) == 0 {
			p.mu.Unlock()
			p.releaseSlot()
			return
		}
		client := p.idle[0]
		p.idle = p.idle[1:]
		p.mu.Unlock()

		valid := p.factory.Validate(ctx, client)

		p.mu.Lock()
		if valid && !p.closed {
			p.idle = append(p.idle, client)
		} else {
			p.live--
			p.stats.Destroyed++
			p.stats.ValidationFailures++
			valid = false
		}
		p.mu.Unlock()

		if !valid {
			p.factory.Destroy(client)
		}
		p.releaseSlot()
	}
	p.notify()
}

func (p *Pool[T]) ensureMinIdle(ctx context.Context) error {
	for {
		select {
		case p.slots <- struct{}{}:
		default:
			return nil
		}

		p.mu.Lock()
		if p.closed || len(p.idle) >= p.cfg.MinIdle {
			p.mu.Unlock()
			p.releaseSlot()
			return nil
		}
		p.live++
		p.mu.Unlock()

		client, err := p.factory.Create(ctx)

		discard := false
		p.mu.Lock()
		switch {
		case err != nil:
			p.live--
			p.stats.FactoryErrors++
			p.stats.LastError = err.Error()
			p.stats.LastErrorAt = time.Now()
		case p.closed:
			p.live--
			p.stats.Created++
			p.stats.Destroyed++
			discard = true
		default:
			p.stats.Created++
			p.idle = append(p.idle, client)
		}
		p.mu.Unlock()
		p.releaseSlot()

		if discard {
			p.factory.Destroy(client)
			return nil
		}

		if err != nil {
			return errors.Wrap(errors.ErrCodeClientFactory, err, "failed to pre-create idle client").
				WithContext("pool", p.name)
		}
		p.notify()
	}
}
