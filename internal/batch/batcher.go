// Package batch buffers items in a bounded queue and hands them to a flush
// function once enough have accumulated or the queue has been quiet for the
// configured timeout.
package batch

import (
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/vincentbai/pagetrace/internal/queue"
)

const (
	DefaultBatchSize = 5
	DefaultTimeout   = 3 * time.Second
	DefaultMaxQueue  = 50
)

// ErrClosed is returned by Add after Close.
var ErrClosed = xerrors.New("batcher closed")

// FlushFunc receives ownership of a flushed batch. Batches are delivered in
// enqueue order and never overlap.
type FlushFunc[T any] func(items []T)

type Batcher[T any] struct {
	clock     quartz.Clock
	log       *zap.Logger
	batchSize int
	timeout   time.Duration
	maxQueue  int
	onEvict   func(T)
	flush     FlushFunc[T]

	queue *queue.Bounded[T]

	mu     sync.Mutex
	timer  *quartz.Timer
	gen    uint64
	closed bool

	// flushMu serializes deliveries so batches reach flush in order.
	flushMu sync.Mutex
}

// Option is a functional option for configuring a Batcher.
type Option[T any] func(b *Batcher[T])

func WithClock[T any](clock quartz.Clock) Option[T] {
	return func(b *Batcher[T]) {
		b.clock = clock
	}
}

func WithLogger[T any](log *zap.Logger) Option[T] {
	return func(b *Batcher[T]) {
		b.log = log
	}
}

// WithBatchSize sets the queue length that triggers an immediate flush.
func WithBatchSize[T any](size int) Option[T] {
	return func(b *Batcher[T]) {
		b.batchSize = size
	}
}

// WithTimeout sets the debounce delay after the last Add.
func WithTimeout[T any](d time.Duration) Option[T] {
	return func(b *Batcher[T]) {
		b.timeout = d
	}
}

// WithMaxQueue bounds the queue; the oldest item is evicted when full.
func WithMaxQueue[T any](size int) Option[T] {
	return func(b *Batcher[T]) {
		b.maxQueue = size
	}
}

// WithEvictHook is called for every item dropped by drop-oldest eviction.
func WithEvictHook[T any](fn func(T)) Option[T] {
	return func(b *Batcher[T]) {
		b.onEvict = fn
	}
}

// New creates a Batcher delivering to flush.
func New[T any](flush FlushFunc[T], opts ...Option[T]) (*Batcher[T], error) {
	b := &Batcher[T]{
		clock:     quartz.NewReal(),
		log:       zap.NewNop(),
		batchSize: DefaultBatchSize,
		timeout:   DefaultTimeout,
		maxQueue:  DefaultMaxQueue,
		flush:     flush,
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.flush == nil {
		return nil, xerrors.New("no flush function configured for batcher")
	}
	if b.batchSize <= 0 {
		return nil, xerrors.Errorf("batch size must be positive, got %d", b.batchSize)
	}
	if b.maxQueue <= 0 {
		return nil, xerrors.Errorf("max queue size must be positive, got %d", b.maxQueue)
	}
	if b.timeout <= 0 {
		return nil, xerrors.Errorf("batch timeout must be positive, got %s", b.timeout)
	}
	b.queue = queue.NewBounded[T](b.maxQueue)
	return b, nil
}

// Add enqueues v. A full queue flushes immediately, otherwise the debounce
// timer is restarted.
func (b *Batcher[T]) Add(v T) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}

	if old, evicted := b.queue.Push(v); evicted {
		b.log.Warn("queue full, dropping oldest item", zap.Int("max_queue", b.maxQueue))
		if b.onEvict != nil {
			b.onEvict(old)
		}
	}

	if b.queue.Len() >= b.batchSize {
		b.mu.Unlock()
		b.Flush()
		return nil
	}

	b.stopTimerLocked()
	gen := b.gen
	b.timer = b.clock.AfterFunc(b.timeout, func() {
		b.timerFired(gen)
	}, "batch", "debounce")
	b.mu.Unlock()
	return nil
}

// Flush hands everything queued to the flush function and returns how many
// items were delivered.
func (b *Batcher[T]) Flush() int {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	b.stopTimerLocked()
	items := b.queue.Drain()
	b.mu.Unlock()

	if len(items) == 0 {
		return 0
	}
	b.log.Debug("flushing batch", zap.Int("count", len(items)))
	b.flush(items)
	return len(items)
}

// Clear drops everything queued without delivering it.
func (b *Batcher[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopTimerLocked()
	b.queue.Clear()
}

func (b *Batcher[T]) Len() int {
	return b.queue.Len()
}

// Close flushes what is queued and rejects further Adds.
func (b *Batcher[T]) Close() int {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.Flush()
}

func (b *Batcher[T]) timerFired(gen uint64) {
	b.mu.Lock()
	stale := gen != b.gen
	b.mu.Unlock()
	if stale {
		return
	}
	b.Flush()
}

// stopTimerLocked cancels the pending debounce. Bumping gen invalidates a
// callback that already fired and is waiting on mu.
func (b *Batcher[T]) stopTimerLocked() {
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
