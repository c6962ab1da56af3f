package writebuffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/attestnet/coordinator/pkg/logging"
	"github.com/attestnet/coordinator/pkg/retry"
	"github.com/attestnet/coordinator/pkg/types"
)

const (
	// DefaultFlushThreshold is the per-class batch size that triggers an
	// immediate flush.
	DefaultFlushThreshold = 100

	// DefaultFlushInterval is how often buffered operations are flushed
	// regardless of batch size.
	DefaultFlushInterval = 30 * time.Second

	// DefaultHardCap bounds the total number of buffered operations across
	// all classes. Beyond it, enqueues fail instead of delaying.
	DefaultHardCap = 10000
)

// Backend commits batches of operations to durable storage.
type Backend interface {
	CommitBatch(ctx context.Context, ops []types.WriteOperation) error
}

// WriteBuffer batches persistence operations per class and flushes them
// when a batch fills up or the flush interval elapses. Admission is delayed
// by the quota monitor's throttle; buffered operations survive failed
// flushes and are retried on the next one.
type WriteBuffer struct {
	mu      sync.Mutex
	buffers map[types.OpClass][]types.WriteOperation

	backend  Backend
	monitor  *QuotaMonitor
	clk      clock.Clock
	logger   logging.Logger
	retryCfg *retry.Config

	flushThreshold int
	flushInterval  time.Duration
	hardCap        int

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type BufferOption func(*WriteBuffer)

func WithFlushThreshold(n int) BufferOption {
	return func(b *WriteBuffer) { b.flushThreshold = n }
}

func WithFlushInterval(d time.Duration) BufferOption {
	return func(b *WriteBuffer) { b.flushInterval = d }
}

func WithHardCap(n int) BufferOption {
	return func(b *WriteBuffer) { b.hardCap = n }
}

func WithRetryConfig(cfg *retry.Config) BufferOption {
	return func(b *WriteBuffer) { b.retryCfg = cfg }
}

func NewWriteBuffer(backend Backend, monitor *QuotaMonitor, clk clock.Clock, logger logging.Logger, opts ...BufferOption) *WriteBuffer {
	b := &WriteBuffer{
		buffers:        make(map[types.OpClass][]types.WriteOperation),
		backend:        backend,
		monitor:        monitor,
		clk:            clk,
		logger:         logger,
		retryCfg:       retry.DefaultConfig(),
		flushThreshold: DefaultFlushThreshold,
		flushInterval:  DefaultFlushInterval,
		hardCap:        DefaultHardCap,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the periodic flush loop.
func (b *WriteBuffer) Start() {
	go b.run()
}

// Close stops the flush loop and force-flushes everything still buffered.
func (b *WriteBuffer) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
	return b.FlushAll(context.Background())
}

func (b *WriteBuffer) run() {
	defer close(b.done)

	ticker := b.clk.Ticker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := b.FlushAll(context.Background()); err != nil {
				b.logger.Errorf("Periodic flush failed: %v", err)
			}
		case <-b.stop:
			return
		}
	}
}

// Enqueue admits one operation into its class buffer. Admission is delayed
// while the class is throttled; an aborted wait surfaces as ErrThrottled.
// A full batch triggers a synchronous flush whose error, if any, is
// returned to the caller while the operations stay buffered.
func (b *WriteBuffer) Enqueue(ctx context.Context, op types.WriteOperation) error {
	if delay := b.monitor.Admission(op.Class); delay > 0 {
		b.logger.Debugf("Delaying %s admission by %v (throttle %.2fx)",
			op.Class, delay, b.monitor.Multiplier())
		select {
		case <-b.clk.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("admission wait aborted for %s op: %w", op.Class, types.ErrThrottled)
		}
	}

	b.mu.Lock()
	if b.totalLocked() >= b.hardCap {
		b.mu.Unlock()
		return types.ErrBufferFull
	}
	b.buffers[op.Class] = append(b.buffers[op.Class], op)
	size := len(b.buffers[op.Class])
	b.mu.Unlock()

	if size >= b.flushThreshold {
		return b.flush(ctx, op.Class)
	}
	return nil
}

// FlushAll flushes every class buffer. Errors are collected, not short-
// circuited, so one failing class does not starve the others.
func (b *WriteBuffer) FlushAll(ctx context.Context) error {
	var errs []error
	for _, class := range []types.OpClass{types.OpWrite, types.OpRead, types.OpDelete} {
		if err := b.flush(ctx, class); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// flush swaps the class buffer out under the lock and commits it outside
// of it. On commit failure the operations are put back at the front of the
// buffer so nothing is lost and order is preserved.
func (b *WriteBuffer) flush(ctx context.Context, class types.OpClass) error {
	b.mu.Lock()
	ops := b.buffers[class]
	if len(ops) == 0 {
		b.mu.Unlock()
		return nil
	}
	b.buffers[class] = nil
	b.mu.Unlock()

	err := retry.RetryFunc(ctx, func() error {
		return b.backend.CommitBatch(ctx, ops)
	}, b.retryCfg, b.logger)
	if err != nil {
		b.mu.Lock()
		b.buffers[class] = append(ops, b.buffers[class]...)
		b.mu.Unlock()
		return fmt.Errorf("flush %d %s ops: %w", len(ops), class, err)
	}

	b.monitor.Record(class, len(ops))
	b.logger.Debugf("Flushed %d %s ops", len(ops), class)
	return nil
}

// Size returns the total number of buffered operations.
func (b *WriteBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalLocked()
}

// ClassSize returns the number of buffered operations for one class.
func (b *WriteBuffer) ClassSize(class types.OpClass) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffers[class])
}

func (b *WriteBuffer) totalLocked() int {
	var total int
	for _, ops := range b.buffers {
		total += len(ops)
	}
	return total
}
