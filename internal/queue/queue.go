package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrClosed is returned by Push after Close.
	ErrClosed = errors.New("queue closed")
	// ErrFull is returned by Push under PolicyDropNewest when no slot is free.
	ErrFull = errors.New("queue full")
)

// Policy decides what Push does when the queue is at capacity.
type Policy string

const (
	PolicyBlock      Policy = "block"
	PolicyDropOldest Policy = "drop_oldest"
	PolicyDropNewest Policy = "drop_newest"
)

// ParsePolicy accepts the policy names used in configuration.
// "reject_new" is an alias for drop_newest.
func ParsePolicy(input string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case string(PolicyBlock):
		return PolicyBlock, nil
	case string(PolicyDropOldest):
		return PolicyDropOldest, nil
	case string(PolicyDropNewest), "reject_new":
		return PolicyDropNewest, nil
	default:
		return "", fmt.Errorf("unknown queue policy %q", input)
	}
}

// Queue is a bounded FIFO with a configurable overflow policy. Any number of
// producers may Push; consumers range over Out until it is closed.
type Queue[T any] struct {
	items  chan T
	policy Policy
	done   chan struct{}

	// mu is read-held by producers while they may send and write-held by Close
	// while it closes items.
	mu     sync.RWMutex
	closed bool

	// evictMu serializes the evict-then-send pair of drop_oldest producers.
	evictMu sync.Mutex

	closeOnce sync.Once
	dropped   atomic.Uint64
	onDrop    func(T)
}

// New returns a queue holding at most capacity items. A capacity below one is raised to one.
func New[T any](capacity int, policy Policy) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	if policy == "" {
		policy = PolicyBlock
	}
	return &Queue[T]{
		items:  make(chan T, capacity),
		policy: policy,
		done:   make(chan struct{}),
	}
}

// OnDrop registers a callback for items discarded by the overflow policy.
// It must be set before the first Push.
func (q *Queue[T]) OnDrop(fn func(T)) {
	q.onDrop = fn
}

// Push enqueues item according to the queue policy. Under PolicyBlock it waits
// for space until ctx is done or the queue is closed.
func (q *Queue[T]) Push(ctx context.Context, item T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	switch q.policy {
	case PolicyDropNewest:
		select {
		case q.items <- item:
			return nil
		default:
			q.drop(item)
			return ErrFull
		}
	case PolicyDropOldest:
		q.evictMu.Lock()
		defer q.evictMu.Unlock()
		for {
			select {
			case q.items <- item:
				return nil
			default:
			}
			select {
			case old := <-q.items:
				q.drop(old)
			default:
			}
		}
	default:
		select {
		case q.items <- item:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return ErrClosed
		}
	}
}

func (q *Queue[T]) drop(item T) {
	q.dropped.Add(1)
	if q.onDrop != nil {
		q.onDrop(item)
	}
}

// Out is the consumer side. It is closed after Close once every queued item is received.
func (q *Queue[T]) Out() <-chan T {
	return q.items
}

// Close stops accepting items and releases blocked producers. Items already
// queued remain readable from Out. Close is idempotent.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		q.mu.Lock()
		q.closed = true
		close(q.items)
		q.mu.Unlock()
	})
}

// Discard drains and drops everything currently queued, returning the count.
func (q *Queue[T]) Discard() int {
	n := 0
	for {
		select {
		case _, ok := <-q.items:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

func (q *Queue[T]) Len() int        { return len(q.items) }
func (q *Queue[T]) Cap() int        { return cap(q.items) }
func (q *Queue[T]) Policy() Policy  { return q.policy }
func (q *Queue[T]) Dropped() uint64 { return q.dropped.Load() }
