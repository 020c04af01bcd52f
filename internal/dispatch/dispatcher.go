// Package dispatch buffers captured entries and hands them to the configured
// backend in batches.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/lookout/internal/batch"
	"github.com/tinytelemetry/lookout/internal/logging"
	"github.com/tinytelemetry/lookout/internal/metrics"
	"github.com/tinytelemetry/lookout/internal/model"
)

const (
	// DefaultFlushQueueSize is the number of batches that can wait for the
	// async flush worker.
	DefaultFlushQueueSize = 64
	// DefaultMaxPending caps the entries retained across failed flushes.
	DefaultMaxPending = 1000
)

// ActorResolver returns the principal for the current unit of work, or nil.
type ActorResolver func(ctx context.Context) (*model.Actor, error)

// TagProvider derives extra tags for an entry. Providers must not modify the
// entry.
type TagProvider func(e *model.Entry) []string

// Config holds tunable parameters for the dispatcher.
type Config struct {
	BufferSize     int
	MaxPending     int
	OneShot        bool // flush on every Record, for short-lived processes
	Async          bool // hand threshold flushes to a background worker
	FlushQueueSize int
	FlushTimeout   time.Duration
	ActorResolver  ActorResolver
	Logger         *zap.Logger
	Metrics        *metrics.Collector
}

// Dispatcher accepts entries from capture adapters, enriches them and flushes
// them to one backend. Record never returns an error and never panics.
type Dispatcher struct {
	writer        model.EntryWriter
	bufferSize    int
	maxPending    int
	oneShot       bool
	flushTimeout  time.Duration
	resolveActorF ActorResolver
	logger        *zap.Logger
	metrics       *metrics.Collector

	enabled atomic.Bool

	mu     sync.Mutex
	buffer []*model.Entry

	// flushMu serializes deliveries. Entries keep capture order within a
	// batch; concurrent flushers may deliver whole batches in either order.
	flushMu sync.Mutex

	tagMu        sync.RWMutex
	tagProviders []TagProvider

	chanMu    sync.RWMutex
	flushChan chan []*model.Entry
	chanOpen  bool
	wg        sync.WaitGroup
	closeOnce sync.Once

	backpressureCount atomic.Int64
	lastBPLog         atomic.Int64
}

// New creates a dispatcher writing to w.
func New(w model.EntryWriter, cfg Config) *Dispatcher {
	size := cfg.BufferSize
	if size <= 0 {
		size = model.DefaultBufferSize
	}
	maxPending := cfg.MaxPending
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	if maxPending < size {
		maxPending = size
	}
	timeout := cfg.FlushTimeout
	if timeout <= 0 {
		timeout = model.DefaultFlushTimeout
	}

	d := &Dispatcher{
		writer:        w,
		bufferSize:    size,
		maxPending:    maxPending,
		oneShot:       cfg.OneShot,
		flushTimeout:  timeout,
		resolveActorF: cfg.ActorResolver,
		logger:        logging.OrNop(cfg.Logger),
		metrics:       cfg.Metrics,
		buffer:        make([]*model.Entry, 0, size),
	}
	d.enabled.Store(true)

	if cfg.Async && !cfg.OneShot {
		queueSize := cfg.FlushQueueSize
		if queueSize <= 0 {
			queueSize = DefaultFlushQueueSize
		}
		d.flushChan = make(chan []*model.Entry, queueSize)
		d.chanOpen = true
		d.wg.Add(1)
		go d.flushWorker()
	}
	return d
}

// Record enriches e and appends it to the buffer, flushing when the buffer
// reaches its threshold. It is a no-op while the dispatcher is disabled or
// when ctx was marked with WithoutCapture.
func (d *Dispatcher) Record(ctx context.Context, t model.EntryType, e *model.Entry) {
	if e == nil || !d.enabled.Load() || Suppressed(ctx) {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !t.Valid() {
		d.logger.Warn("monitoring: ignoring entry with unknown type", zap.String("type", string(t)))
		return
	}

	e.WithType(t)
	if e.Actor == nil {
		if actor := d.resolveActor(ctx); actor != nil {
			e.WithActor(actor)
		}
	}
	e.WithBatchID(batch.ID(ctx))
	d.applyTags(e)
	d.metrics.RecordEntry(string(t))

	d.mu.Lock()
	d.buffer = append(d.buffer, e)
	var ready []*model.Entry
	if d.oneShot || len(d.buffer) >= d.bufferSize {
		ready = d.takeLocked()
	}
	pending := len(d.buffer)
	d.mu.Unlock()
	d.metrics.SetBuffered(pending)

	if ready == nil {
		return
	}
	if d.oneShot || !d.handOff(ready) {
		_ = d.deliver(ctx, ready)
	}
}

// FlushBuffer hands the whole buffer to the backend as one batch. On a
// transient failure the entries go back to the buffer for the next attempt.
func (d *Dispatcher) FlushBuffer(ctx context.Context) error {
	d.mu.Lock()
	ready := d.takeLocked()
	d.mu.Unlock()
	if len(ready) == 0 {
		return nil
	}
	d.metrics.SetBuffered(d.Pending())
	return d.deliver(ctx, ready)
}

// FlushAll flushes whatever is buffered. It is called at the end of every
// unit of work. In async mode the batch is handed to the flush worker.
func (d *Dispatcher) FlushAll(ctx context.Context) error {
	d.mu.Lock()
	ready := d.takeLocked()
	d.mu.Unlock()
	if len(ready) == 0 {
		return nil
	}
	d.metrics.SetBuffered(d.Pending())
	if d.handOff(ready) {
		return nil
	}
	return d.deliver(ctx, ready)
}

// Disable stops new entries from being recorded. Buffered entries are kept
// and still flushed.
func (d *Dispatcher) Disable() { d.enabled.Store(false) }

// Enable resumes recording.
func (d *Dispatcher) Enable() { d.enabled.Store(true) }

// IsEnabled reports whether Record accepts entries.
func (d *Dispatcher) IsEnabled() bool { return d.enabled.Load() }

// Tag registers a tag provider applied to every subsequent entry.
func (d *Dispatcher) Tag(p TagProvider) {
	if p == nil {
		return
	}
	d.tagMu.Lock()
	d.tagProviders = append(d.tagProviders, p)
	d.tagMu.Unlock()
}

// Pending returns the number of buffered entries.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffer)
}

// Close stops the flush worker, waits for queued batches and flushes what is
// left in the buffer. It is safe to call more than once.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.chanMu.Lock()
		if d.chanOpen {
			d.chanOpen = false
			close(d.flushChan)
		}
		d.chanMu.Unlock()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			d.logger.Warn("monitoring: flush worker did not drain before shutdown deadline")
		}
	})
	return d.FlushBuffer(ctx)
}

func (d *Dispatcher) takeLocked() []*model.Entry {
	if len(d.buffer) == 0 {
		return nil
	}
	ready := d.buffer
	d.buffer = make([]*model.Entry, 0, d.bufferSize)
	return ready
}

// handOff passes ready to the async worker. It returns false when there is
// no worker, in which case the caller flushes inline.
func (d *Dispatcher) handOff(ready []*model.Entry) bool {
	d.chanMu.RLock()
	defer d.chanMu.RUnlock()
	if !d.chanOpen {
		return false
	}
	select {
	case d.flushChan <- ready:
		return true
	default:
		d.logBackpressure()
		return false
	}
}

func (d *Dispatcher) flushWorker() {
	defer d.wg.Done()
	for ready := range d.flushChan {
		_ = d.deliver(context.Background(), ready)
	}
}

// logBackpressure emits a throttled warning (at most once per 10 seconds)
// when the flush channel is full and a flush runs inline.
func (d *Dispatcher) logBackpressure() {
	count := d.backpressureCount.Add(1)
	now := time.Now().Unix()
	last := d.lastBPLog.Load()
	if now-last >= 10 && d.lastBPLog.CompareAndSwap(last, now) {
		d.logger.Warn("monitoring: flush channel full, flushing inline", zap.Int64("inline_flushes", count))
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ready []*model.Entry) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	for _, e := range ready {
		e.Sanitize()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.flushTimeout)
	defer cancel()

	start := time.Now()
	err := d.create(ctx, ready)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		d.metrics.ObserveFlush("ok", elapsed)
		return nil
	case model.IsUndeliverable(err):
		d.metrics.ObserveFlush("dropped", elapsed)
		d.metrics.DropEntries("undeliverable", len(ready))
		d.logger.Error("monitoring: dropping undeliverable batch",
			zap.Int("entries", len(ready)), zap.Error(err))
		return err
	default:
		d.metrics.ObserveFlush("retained", elapsed)
		d.logger.Warn("monitoring: flush failed, entries retained",
			zap.Int("entries", len(ready)), zap.Error(err))
		d.requeue(ready)
		return err
	}
}

func (d *Dispatcher) create(ctx context.Context, ready []*model.Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backend panic: %v", r)
		}
	}()
	return d.writer.Create(ctx, ready)
}

// requeue puts a failed batch back at the head of the buffer, evicting the
// oldest entries when the retained set exceeds maxPending.
func (d *Dispatcher) requeue(failed []*model.Entry) {
	d.mu.Lock()
	merged := make([]*model.Entry, 0, len(failed)+len(d.buffer))
	merged = append(merged, failed...)
	merged = append(merged, d.buffer...)
	dropped := 0
	if len(merged) > d.maxPending {
		dropped = len(merged) - d.maxPending
		merged = merged[dropped:]
	}
	d.buffer = merged
	pending := len(merged)
	d.mu.Unlock()

	d.metrics.SetBuffered(pending)
	if dropped > 0 {
		d.metrics.DropEntries("overflow", dropped)
		d.logger.Error("monitoring: buffer over capacity, oldest entries lost",
			zap.Int("dropped", dropped), zap.Int("retained", pending))
	}
}

func (d *Dispatcher) resolveActor(ctx context.Context) (actor *model.Actor) {
	if d.resolveActorF == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("monitoring: actor resolver panicked", zap.Any("panic", r))
			actor = nil
		}
	}()
	a, err := d.resolveActorF(ctx)
	if err != nil {
		d.logger.Debug("monitoring: actor unavailable", zap.Error(err))
		return nil
	}
	return a
}

func (d *Dispatcher) applyTags(e *model.Entry) {
	d.tagMu.RLock()
	providers := d.tagProviders
	d.tagMu.RUnlock()

	for _, p := range providers {
		e.WithTags(d.providerTags(p, e)...)
	}
}

func (d *Dispatcher) providerTags(p TagProvider, e *model.Entry) (tags []string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("monitoring: tag provider panicked", zap.Any("panic", r))
			tags = nil
		}
	}()
	return p(e)
}
