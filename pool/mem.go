// Package pool implements a rudimentary pool of client values awaiting proposal.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrClosed    = errors.New("pool closed")
	ErrDuplicate = errors.New("value is already pending")
)

// MemPool keeps pending values in memory in the order of their arrival.
type MemPool struct {
	mu      sync.Mutex
	entries []entry
	pending map[string]struct{}
	// pullers waiting for a value
	subs    map[chan string]struct{}
	closed  bool
	closeCh chan struct{}

	log *slog.Logger
}

type entry struct {
	value string
	time  time.Time
}

func NewMemPool() *MemPool {
	pool := &MemPool{
		pending: make(map[string]struct{}),
		subs:    make(map[chan string]struct{}),
		closeCh: make(chan struct{}),
		log:     slog.With("module", "pool"),
	}
	go pool.gc()
	return pool
}

// Close closes the pool, unblocking all pullers.
func (p *MemPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.closeCh)
	for sub := range p.subs {
		close(sub)
	}
	clear(p.subs)
}

// Size returns the number of pending values.
func (p *MemPool) Size(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries), nil
}

// Push adds the value to the back of the pool.
func (p *MemPool) Push(_ context.Context, value string) error {
	return p.add(value, false)
}

// Requeue returns a pulled value to the front of the pool.
func (p *MemPool) Requeue(_ context.Context, value string) error {
	return p.add(value, true)
}

func (p *MemPool) add(value string, front bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, ok := p.pending[value]; ok {
		return ErrDuplicate
	}

	for sub := range p.subs {
		sub <- value // subs are always buffered, so this won't block
		delete(p.subs, sub)
		return nil
	}

	p.pending[value] = struct{}{}
	e := entry{value: value, time: time.Now()}
	if front {
		p.entries = append([]entry{e}, p.entries...)
	} else {
		p.entries = append(p.entries, e)
	}
	return nil
}

// Pull takes the oldest value out of the pool, waiting for one if the pool is empty.
func (p *MemPool) Pull(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrClosed
	}
	if len(p.entries) > 0 {
		e := p.entries[0]
		p.entries = p.entries[1:]
		delete(p.pending, e.value)
		p.mu.Unlock()
		return e.value, nil
	}

	sub := make(chan string, 1)
	p.subs[sub] = struct{}{}
	p.mu.Unlock()

	select {
	case value, ok := <-sub:
		if !ok {
			return "", ErrClosed
		}
		return value, nil
	case <-ctx.Done():
		// no need to keep the request, if the caller has canceled
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.subs[sub]; !ok {
			// a value was handed over meanwhile, keep it for others
			if value, ok := <-sub; ok {
				p.pending[value] = struct{}{}
				p.entries = append([]entry{{value: value, time: time.Now()}}, p.entries...)
			}
			return "", ctx.Err()
		}
		delete(p.subs, sub)
		return "", ctx.Err()
	}
}

var (
	gcTime     = time.Minute
	staleAfter = time.Hour
)

// gc periodically cleans up stale values
func (p *MemPool) gc() {
	ticker := time.NewTicker(gcTime)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			p.mu.Lock()
			fresh := p.entries[:0]
			for _, e := range p.entries {
				if e.time.Add(staleAfter).Before(now) {
					delete(p.pending, e.value)
					p.log.Warn("dropping stale value", "pending", now.Sub(e.time))
					continue
				}
				fresh = append(fresh, e)
			}
			p.entries = fresh
			p.mu.Unlock()
		case <-p.closeCh:
			return
		}
	}
}
