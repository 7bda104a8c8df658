// Package batching buffers readings from concurrent producers and writes
// them to storage in bounded batches with a bounded number of writes in
// flight.
package batching

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sensorvision/telemetry/internal/conf"
	"github.com/sensorvision/telemetry/internal/errors"
	"github.com/sensorvision/telemetry/internal/logger"
	"github.com/sensorvision/telemetry/internal/metrics"
	"github.com/sensorvision/telemetry/internal/telemetry"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// flushTimeout bounds a single bulk write.
const flushTimeout = 30 * time.Second

var (
	// ErrQueueFull is returned by Enqueue under the reject overflow policy.
	ErrQueueFull = errors.NewStd("batch queue is full")
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.NewStd("batcher is closed")
)

// Sink performs the bulk durable write.
type Sink interface {
	SaveBatch(ctx context.Context, readings []telemetry.Reading) error
}

// Config controls batch size, timing and queue bounds.
type Config struct {
	BatchSize            int
	BatchTimeout         time.Duration
	MaxConcurrentBatches int
	QueueCapacity        int
	Overflow             string
}

// DefaultConfig returns the stock batching settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:            100,
		BatchTimeout:         5 * time.Second,
		MaxConcurrentBatches: 5,
		QueueCapacity:        10000,
		Overflow:             conf.OverflowReject,
	}
}

// ConfigFromSettings converts loaded settings.
func ConfigFromSettings(s conf.BatchingSettings) Config {
	return Config{
		BatchSize:            s.BatchSize,
		BatchTimeout:         s.BatchTimeout.Std(),
		MaxConcurrentBatches: s.MaxConcurrentBatches,
		QueueCapacity:        s.QueueCapacity,
		Overflow:             s.Overflow,
	}
}

func (c Config) validate() error {
	var problem string
	switch {
	case c.BatchSize <= 0:
		problem = "batch size must be positive"
	case c.BatchTimeout <= 0:
		problem = "batch timeout must be positive"
	case c.MaxConcurrentBatches <= 0:
		problem = "max concurrent batches must be positive"
	case c.QueueCapacity < c.BatchSize:
		problem = "queue capacity must be at least the batch size"
	case c.Overflow != conf.OverflowReject && c.Overflow != conf.OverflowDropOldest:
		problem = "unknown overflow policy " + c.Overflow
	default:
		return nil
	}
	return errors.Newf("invalid batching config: %s", problem).
		Component("batching").
		Category(errors.CategoryConfiguration).
		Build()
}

// Stats is a point-in-time view of the batcher.
type Stats struct {
	Pending              int    `json:"pending"`
	Active               int64  `json:"active"`
	Completed            uint64 `json:"completed"`
	Failed               uint64 `json:"failed"`
	Dropped              uint64 `json:"dropped"`
	Rejected             uint64 `json:"rejected"`
	BatchSize            int    `json:"batch_size"`
	QueueCapacity        int    `json:"queue_capacity"`
	MaxConcurrentBatches int    `json:"max_concurrent_batches"`
}

type batchMetrics struct {
	flushDuration prometheus.Histogram
	batchSize     prometheus.Histogram
	flushes       *prometheus.CounterVec
	overflow      *prometheus.CounterVec
}

func newBatchMetrics() *batchMetrics {
	return &batchMetrics{
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "batch",
			Name:      "flush_duration_seconds",
			Help:      "Duration of bulk reading writes",
			Buckets:   prometheus.DefBuckets,
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "batch",
			Name:      "size",
			Help:      "Readings per flushed batch",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "batch",
			Name:      "flushes_total",
			Help:      "Completed flushes by result",
		}, []string{"result"}),
		overflow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "batch",
			Name:      "overflow_total",
			Help:      "Readings rejected or evicted because the queue was full",
		}, []string{"policy"}),
	}
}

// Batcher accumulates readings and flushes them on a size-or-timeout trigger.
type Batcher struct {
	cfg  Config
	sink Sink
	log  logger.Logger
	now  func() time.Time

	mu        sync.Mutex
	buf       []telemetry.Reading
	head      int
	size      int
	lastFlush time.Time
	closed    bool

	sem      *semaphore.Weighted
	inFlight sync.WaitGroup

	active    atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	rejected  atomic.Uint64

	metrics     *batchMetrics
	warnLimiter *rate.Limiter

	stopCh   chan struct{}
	loopDone chan struct{}
}

// New validates cfg, registers metrics on reg (nil disables export) and
// starts the timeout loop. Call Close to stop it.
func New(cfg Config, sink Sink, reg prometheus.Registerer, log logger.Logger) (*Batcher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	b := &Batcher{
		cfg:         cfg,
		sink:        sink,
		log:         log.With(logger.String("component", "batching")),
		now:         time.Now,
		buf:         make([]telemetry.Reading, cfg.QueueCapacity),
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrentBatches)),
		metrics:     newBatchMetrics(),
		warnLimiter: rate.NewLimiter(rate.Every(time.Minute), 1),
		stopCh:      make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
	b.lastFlush = b.now()

	depth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "batch",
		Name:      "queue_depth",
		Help:      "Readings waiting to be flushed",
	}, func() float64 { return float64(b.pending()) })
	active := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "batch",
		Name:      "flushes_in_flight",
		Help:      "Flushes currently writing",
	}, func() float64 { return float64(b.active.Load()) })
	m := b.metrics
	if err := metrics.Register(reg, m.flushDuration, m.batchSize, m.flushes, m.overflow, depth, active); err != nil {
		return nil, err
	}

	go b.loop()
	return b, nil
}

func (b *Batcher) loop() {
	defer close(b.loopDone)
	interval := max(b.cfg.BatchTimeout/4, 10*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.dispatch()
		}
	}
}

// Enqueue adds a reading without blocking. When the queue is full the
// configured overflow policy applies.
func (b *Batcher) Enqueue(r telemetry.Reading) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.size == len(b.buf) {
		if b.cfg.Overflow == conf.OverflowReject {
			b.mu.Unlock()
			b.rejected.Add(1)
			b.metrics.overflow.WithLabelValues(conf.OverflowReject).Inc()
			return errors.New(ErrQueueFull).
				Component("batching").
				Category(errors.CategoryBatching).
				Context("capacity", len(b.buf)).
				Build()
		}
		evicted := b.pop()
		b.dropped.Add(1)
		b.metrics.overflow.WithLabelValues(conf.OverflowDropOldest).Inc()
		if b.warnLimiter.Allow() {
			b.log.Warn("batch queue full, dropping oldest reading",
				logger.String("device_id", evicted.DeviceID),
				logger.Time("reading_time", evicted.Timestamp),
				logger.Int("capacity", len(b.buf)))
		}
	}
	b.push(r)
	full := b.size >= b.cfg.BatchSize
	b.mu.Unlock()

	if full {
		b.dispatch()
	}
	return nil
}

// dispatch starts flushes while a trigger holds and a slot is free. The
// batch is drained before its goroutine starts.
func (b *Batcher) dispatch() {
	for {
		if !b.sem.TryAcquire(1) {
			return
		}
		b.mu.Lock()
		due := b.size >= b.cfg.BatchSize ||
			(b.size > 0 && b.now().Sub(b.lastFlush) >= b.cfg.BatchTimeout)
		if !due {
			b.mu.Unlock()
			b.sem.Release(1)
			return
		}
		batch := b.drainLocked()
		b.mu.Unlock()

		b.active.Add(1)
		b.inFlight.Add(1)
		go func() {
			defer b.inFlight.Done()
			b.write(batch)
			b.active.Add(-1)
			b.sem.Release(1)
			// A backlog may have built up while this slot was busy.
			b.dispatch()
		}()
	}
}

// Flush writes one batch immediately, waiting for a free slot. It returns
// the write error, if any.
func (b *Batcher) Flush(ctx context.Context) error {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	b.mu.Lock()
	batch := b.drainLocked()
	b.mu.Unlock()
	if len(batch) == 0 {
		b.sem.Release(1)
		return nil
	}

	b.active.Add(1)
	err := b.write(batch)
	b.active.Add(-1)
	b.sem.Release(1)
	return err
}

// Close stops accepting readings, flushes everything still queued and waits
// for in-flight writes, bounded by ctx.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stopCh)
	<-b.loopDone

	var errs []error
	for b.pending() > 0 {
		if err := b.Flush(ctx); err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}

	done := make(chan struct{})
	go func() {
		b.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	b.log.Info("batcher closed",
		logger.Int("pending", b.pending()),
		logger.Uint64("completed", b.completed.Load()),
		logger.Uint64("failed", b.failed.Load()))
	return errors.Join(errs...)
}

// Stats returns current counters.
func (b *Batcher) Stats() Stats {
	return Stats{
		Pending:              b.pending(),
		Active:               b.active.Load(),
		Completed:            b.completed.Load(),
		Failed:               b.failed.Load(),
		Dropped:              b.dropped.Load(),
		Rejected:             b.rejected.Load(),
		BatchSize:            b.cfg.BatchSize,
		QueueCapacity:        b.cfg.QueueCapacity,
		MaxConcurrentBatches: b.cfg.MaxConcurrentBatches,
	}
}

// write performs one bulk write. A failed batch is logged and discarded.
func (b *Batcher) write(batch []telemetry.Reading) error {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	start := time.Now()
	err := b.sink.SaveBatch(ctx, batch)
	elapsed := time.Since(start)
	b.metrics.flushDuration.Observe(elapsed.Seconds())
	b.metrics.batchSize.Observe(float64(len(batch)))

	if err != nil {
		b.failed.Add(1)
		b.metrics.flushes.WithLabelValues("failure").Inc()
		err = errors.New(err).
			Component("batching").
			Category(errors.CategoryBatching).
			Context("batch_size", len(batch)).
			Build()
		b.log.Error("batch flush failed, batch discarded",
			logger.Int("batch_size", len(batch)),
			logger.Duration("duration", elapsed),
			logger.Error(err))
		return err
	}
	b.completed.Add(1)
	b.metrics.flushes.WithLabelValues("success").Inc()
	b.log.Debug("batch flushed",
		logger.Int("batch_size", len(batch)),
		logger.Duration("duration", elapsed))
	return nil
}

func (b *Batcher) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// drainLocked removes up to BatchSize readings and stamps the flush time.
func (b *Batcher) drainLocked() []telemetry.Reading {
	n := min(b.size, b.cfg.BatchSize)
	if n == 0 {
		return nil
	}
	batch := make([]telemetry.Reading, n)
	for i := range batch {
		batch[i] = b.pop()
	}
	b.lastFlush = b.now()
	return batch
}

func (b *Batcher) push(r telemetry.Reading) {
	b.buf[(b.head+b.size)%len(b.buf)] = r
	b.size++
}

func (b *Batcher) pop() telemetry.Reading {
	r := b.buf[b.head]
	b.buf[b.head] = telemetry.Reading{}
	b.head = (b.head + 1) % len(b.buf)
	b.size--
	return r
}
