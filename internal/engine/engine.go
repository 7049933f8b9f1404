package engine

import (
	"context"
	"errors"
	"sync"

	"pricealert/internal/logger"
	"pricealert/internal/models"
	"pricealert/internal/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ErrClosed is returned by Submit once Close has been called.
var ErrClosed = errors.New("engine closed")

var (
	ticksProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ticks_processed_total",
			Help: "Total number of price ticks matched against registered thresholds",
		},
	)
	alertsMatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_matched_total",
			Help: "Total number of crossed thresholds",
		},
		[]string{"direction"},
	)
	bucketReadErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucket_read_errors_total",
			Help: "Total number of bucket reads that failed during a tick",
		},
		[]string{"bucket"},
	)
	entryDecodeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entry_decode_errors_total",
			Help: "Total number of persisted user entries that could not be decoded",
		},
		[]string{"bucket"},
	)
)

func init() {
	prometheus.MustRegister(ticksProcessedTotal)
	prometheus.MustRegister(alertsMatchedTotal)
	prometheus.MustRegister(bucketReadErrorsTotal)
	prometheus.MustRegister(entryDecodeErrorsTotal)
}

// BucketReader returns every user entry of a bucket.
type BucketReader interface {
	GetAll(ctx context.Context, bucket string) (map[string]string, error)
}

// Notifier delivers one crossed threshold. It reports its own failures;
// the engine only logs the returned error.
type Notifier interface {
	Notify(ctx context.Context, m models.Match) error
}

type Options struct {
	Workers             int // ticks processed concurrently
	QueueSize           int // ticks buffered before Submit blocks
	DispatchConcurrency int // notifications in flight per tick
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1
	}
	if o.DispatchConcurrency <= 0 {
		o.DispatchConcurrency = 1
	}
	return o
}

// Engine matches price ticks against every registered threshold.
//
// Ticks are buffered in a FIFO queue and drained by a fixed set of workers, so
// a slow notification never blocks the feed reader until the queue is full.
// A full queue blocks Submit instead of dropping the tick. The engine keeps
// no state across ticks: each tick re-reads both buckets.
type Engine struct {
	store    BucketReader
	notifier Notifier
	opts     Options

	queue  chan models.Tick
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func New(store BucketReader, notifier Notifier, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		store:    store,
		notifier: notifier,
		opts:     opts,
		queue:    make(chan models.Tick, opts.QueueSize),
	}
}

// Start launches the workers. Cancelling ctx does not abort queued ticks;
// call Close to drain and stop.
func (e *Engine) Start(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for i := 0; i < e.opts.Workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for tick := range e.queue {
				e.OnTick(ctx, tick)
			}
		}()
	}
	logger.Log.Info("Match engine started",
		zap.Int("workers", e.opts.Workers),
		zap.Int("queue_size", e.opts.QueueSize),
	)
}

// Submit enqueues a tick. It blocks while the queue is full.
func (e *Engine) Submit(ctx context.Context, tick models.Tick) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	select {
	case e.queue <- tick:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting ticks and waits for the queued ones to be processed.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	e.wg.Wait()
	logger.Log.Info("Match engine stopped")
}

// OnTick reads both buckets, dispatches every crossed threshold and returns
// the matches. A failed bucket read skips that bucket for this tick only.
func (e *Engine) OnTick(ctx context.Context, tick models.Tick) []models.Match {
	ctx, span := otel.Tracer(tracing.TracerName).Start(ctx, "Engine.OnTick")
	defer span.End()
	span.SetAttributes(attribute.String("symbol", tick.Instrument), attribute.Float64("price", tick.Price))

	ticksProcessedTotal.Inc()

	buckets := make([]map[string]string, len(models.Directions))
	var wg conc.WaitGroup
	for i, dir := range models.Directions {
		wg.Go(func() {
			entries, err := e.store.GetAll(ctx, dir.Bucket())
			if err != nil {
				bucketReadErrorsTotal.WithLabelValues(dir.Bucket()).Inc()
				logger.Log.Error("Failed to read alert bucket, skipping it for this tick",
					zap.String("bucket", dir.Bucket()),
					zap.String("symbol", tick.Instrument),
					zap.Error(err),
				)
				return
			}
			buckets[i] = entries
		})
	}
	wg.Wait()

	var matches []models.Match
	for i, dir := range models.Directions {
		if buckets[i] == nil {
			continue
		}
		matches = append(matches, Scan(buckets[i], dir, tick)...)
	}
	span.SetAttributes(attribute.Int("matches", len(matches)))

	e.dispatch(ctx, matches)
	return matches
}

func (e *Engine) dispatch(ctx context.Context, matches []models.Match) {
	if len(matches) == 0 {
		return
	}
	p := pool.New().WithMaxGoroutines(e.opts.DispatchConcurrency)
	for _, m := range matches {
		p.Go(func() {
			if err := e.notifier.Notify(ctx, m); err != nil {
				logger.Log.Debug("Notification not delivered",
					zap.String("user_id", m.User),
					zap.String("symbol", m.Instrument),
					zap.Error(err),
				)
			}
		})
	}
	p.Wait()
}

// Scan returns the users of one bucket whose threshold for the tick's
// instrument has been crossed. Instruments compare exactly as the feed spells
// them. An entry that fails to decode is logged and skipped.
func Scan(entries map[string]string, dir models.Direction, tick models.Tick) []models.Match {
	var matches []models.Match
	for user, raw := range entries {
		set, err := models.DecodeAlertSet(raw)
		if err != nil {
			entryDecodeErrorsTotal.WithLabelValues(dir.Bucket()).Inc()
			logger.Log.Warn("Skipping corrupt alert entry",
				zap.String("bucket", dir.Bucket()),
				zap.String("user_id", user),
				zap.Error(err),
			)
			continue
		}
		threshold, ok := set[tick.Instrument]
		if !ok || !dir.Crossed(threshold, tick.Price) {
			continue
		}
		alertsMatchedTotal.WithLabelValues(dir.String()).Inc()
		matches = append(matches, models.Match{
			User:       user,
			Instrument: tick.Instrument,
			Price:      tick.Price,
			Threshold:  threshold,
			Direction:  dir,
		})
	}
	return matches
}
