// Package batcher groups items queued one at a time into ordered batches.
//
// A Batcher delivers its buffer to a processing callback either after a delay
// (measured from the first item queued into an empty buffer) or as soon as the
// buffer reaches capacity, whichever comes first. Only one callback runs at a
// time and items are always delivered in queue order.
package batcher

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c0deZ3R0/couchpull/logging"
)

// Processor receives a batch. The slice is owned by the callee.
type Processor[T any] func(items []T)

// Option configures a Batcher.
type Option func(*options)

type options struct {
	logger *slog.Logger
	name   string
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithName labels the batcher in log records.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// Batcher is safe for concurrent use.
type Batcher[T any] struct {
	capacity int
	delay    time.Duration
	process  Processor[T]
	logger   *slog.Logger

	mu           sync.Mutex
	items        []T
	timer        *time.Timer
	timerGen     uint64
	scheduledAt  time.Time
	// pendingSince is when the oldest buffered item started waiting.
	pendingSince time.Time
	closed       bool

	// flushMu serializes processing. Items are taken from the buffer while it
	// is held, which keeps delivery in queue order across flushes.
	flushMu sync.Mutex
}

// New creates a Batcher. A capacity below 1 is treated as 1.
func New[T any](capacity int, delay time.Duration, process Processor[T], opts ...Option) *Batcher[T] {
	o := options{name: "batcher"}
	for _, opt := range opts {
		opt(&o)
	}
	if capacity < 1 {
		capacity = 1
	}
	if delay < 0 {
		delay = 0
	}
	return &Batcher[T]{
		capacity: capacity,
		delay:    delay,
		process:  process,
		logger:   logging.Or(o.logger, logging.ComponentBatcher).With(slog.String("batcher", o.name)),
	}
}

// Capacity returns the configured batch size.
func (b *Batcher[T]) Capacity() int { return b.capacity }

// Delay returns the configured flush delay.
func (b *Batcher[T]) Delay() time.Duration { return b.delay }

// Count returns the number of buffered items.
func (b *Batcher[T]) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Queue appends an item to the buffer.
func (b *Batcher[T]) Queue(item T) {
	b.QueueMany([]T{item})
}

// QueueMany appends items to the buffer, preserving their order.
func (b *Batcher[T]) QueueMany(items []T) {
	if len(items) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.logger.Warn("Dropping items queued after close", slog.Int("count", len(items)))
		return
	}

	wasEmpty := len(b.items) == 0
	if wasEmpty {
		b.pendingSince = time.Now()
	}
	b.items = append(b.items, items...)

	if len(b.items) >= b.capacity {
		b.scheduleLocked(0)
	} else if wasEmpty {
		b.scheduleLocked(b.delay)
	}
}

// FlushNow synchronously delivers every buffered item in one call.
// It is a no-op when the buffer is empty.
func (b *Batcher[T]) FlushNow() {
	b.mu.Lock()
	b.cancelTimerLocked()
	b.mu.Unlock()

	b.flush(0)
}

// Close cancels any scheduled flush, delivers what is buffered and makes
// subsequent Queue calls no-ops.
func (b *Batcher[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.cancelTimerLocked()
	b.mu.Unlock()

	b.flush(0)
}

// scheduleLocked arranges a flush after d unless one is already due sooner.
func (b *Batcher[T]) scheduleLocked(d time.Duration) {
	fireAt := time.Now().Add(d)
	if b.timer != nil {
		if !fireAt.Before(b.scheduledAt) {
			return
		}
		b.timer.Stop()
	}

	b.timerGen++
	gen := b.timerGen
	b.scheduledAt = fireAt
	b.timer = time.AfterFunc(d, func() { b.fire(gen) })
}

func (b *Batcher[T]) cancelTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
		b.scheduledAt = time.Time{}
		b.timerGen++
	}
}

func (b *Batcher[T]) fire(gen uint64) {
	b.mu.Lock()
	if gen == b.timerGen {
		b.timer = nil
		b.scheduledAt = time.Time{}
	}
	b.mu.Unlock()

	b.flush(b.capacity)
}

// flush takes up to limit items (all when limit is 0) and processes them.
func (b *Batcher[T]) flush(limit int) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	n := len(b.items)
	if n == 0 {
		b.mu.Unlock()
		return
	}
	if limit > 0 {
		// A timer may have been overtaken by another flush; a partial batch
		// only goes out once its delay has elapsed.
		if due := b.pendingSince.Add(b.delay); n < b.capacity && time.Now().Before(due) {
			if !b.closed {
				b.scheduleLocked(time.Until(due))
			}
			b.mu.Unlock()
			return
		}
		if n > limit {
			n = limit
		}
	}

	batch := make([]T, n)
	copy(batch, b.items[:n])
	rest := make([]T, len(b.items)-n)
	copy(rest, b.items[n:])
	b.items = rest

	if remaining := len(b.items); remaining > 0 && !b.closed {
		b.pendingSince = time.Now()
		if remaining >= b.capacity {
			b.scheduleLocked(0)
		} else {
			b.scheduleLocked(b.delay)
		}
	}
	b.mu.Unlock()

	b.logger.Debug("Processing batch", slog.Int("size", len(batch)))
	b.run(batch)
}

func (b *Batcher[T]) run(batch []T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Batch processor panic recovered",
				slog.String("panic", fmt.Sprint(r)),
				slog.Int("size", len(batch)))
		}
	}()
	b.process(batch)
}
