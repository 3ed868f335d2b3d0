package ingestor

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/baldanca/pgcopy-ingestor/batcher"
	"github.com/baldanca/pgcopy-ingestor/codec"
	"github.com/baldanca/pgcopy-ingestor/deadletter"
	"github.com/baldanca/pgcopy-ingestor/loader"
	"github.com/baldanca/pgcopy-ingestor/metrics"
	"github.com/baldanca/pgcopy-ingestor/source"
	"github.com/baldanca/pgcopy-ingestor/tracker"
)

type Config struct {
	// BatchSize is the number of records that triggers a flush. It also caps
	// in-flight work: wire the source prefetch to the same value.
	BatchSize int

	// BatchTimeout caps the staleness of a partial batch.
	BatchTimeout time.Duration

	// RetryLimit is the maximum number of redeliveries a message may consume
	// before it is dead-lettered.
	RetryLimit int32

	// ShutdownTimeout bounds the final flush on graceful stop.
	ShutdownTimeout time.Duration
}

var DefaultConfig = Config{
	BatchSize:       500,
	BatchTimeout:    5 * time.Second,
	RetryLimit:      5,
	ShutdownTimeout: 10 * time.Second,
}

// Validate rejects configurations the loop cannot run safely with. Callers
// must refuse to start on error rather than fall back to defaults.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return errors.New("BatchSize must be > 0")
	}
	if c.BatchTimeout <= 0 {
		return errors.New("BatchTimeout must be > 0")
	}
	if c.RetryLimit < 0 {
		return errors.New("RetryLimit must be non-negative")
	}
	if c.ShutdownTimeout < 0 {
		return errors.New("ShutdownTimeout must be non-negative")
	}
	return nil
}

// Ingestor is one consumer worker: a single loop that receives messages,
// decodes them, batches them and bulk-loads each batch, acknowledging strictly
// after the load is durable. It owns one store connection (via its Loader) and
// never shares batch state; scale out by running more worker processes against
// the same queue.
type Ingestor[T any] struct {
	cfg     Config
	source  source.Sourcer
	decoder codec.Decoder[T]
	loader  loader.Loader[T]
	tracker *tracker.Tracker
	metrics *metrics.Metrics

	batcher *batcher.Batcher[T]

	// lease
	leaseEnabled              bool
	leaseVisibilityTimeoutSec int32
	leaseRenewEvery           time.Duration
}

func NewIngestor[T any](
	cfg Config,
	src source.Sourcer,
	decoder codec.Decoder[T],
	ld loader.Loader[T],
	router deadletter.Router,
	m *metrics.Metrics,
) (*Ingestor[T], error) {
	if src == nil {
		return nil, errors.New("source is nil")
	}
	if decoder == nil {
		return nil, errors.New("decoder is nil")
	}
	if ld == nil {
		return nil, errors.New("loader is nil")
	}
	if router == nil {
		return nil, errors.New("dead-letter router is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, pkgerrors.WithMessage(err, "invalid ingestor config")
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultConfig.ShutdownTimeout
	}

	b, err := batcher.NewBatcher[T](batcher.BatcherConfig{
		MaxItems:      cfg.BatchSize,
		FlushInterval: cfg.BatchTimeout,
	})
	if err != nil {
		return nil, err
	}

	trk := tracker.New(cfg.RetryLimit, src, router, m)
	trk.SetAckRetryPolicy(SimpleRetry{Attempts: 8, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Jitter: true})

	return &Ingestor[T]{
		cfg:     cfg,
		source:  src,
		decoder: decoder,
		loader:  ld,
		tracker: trk,
		metrics: m,
		batcher: b,
	}, nil
}

// SetAckRetryPolicy overrides the backoff used for ack commits.
func (i *Ingestor[T]) SetAckRetryPolicy(p RetryPolicy) {
	i.tracker.SetAckRetryPolicy(p)
}

// EnableLease keeps in-flight messages invisible while a bulk load runs longer
// than the queue visibility timeout. Only effective when the source implements
// source.VisibilityExtender.
func (i *Ingestor[T]) EnableLease(visibilityTimeoutSec int32, renewEvery time.Duration) {
	i.leaseEnabled = true
	i.leaseVisibilityTimeoutSec = visibilityTimeoutSec
	i.leaseRenewEvery = renewEvery
}

// Run drives the intake loop until ctx is canceled or a fatal error occurs
// (dead-letter route failure, persistent ack failure). On graceful stop the
// partial batch is flushed and resolved before returning.
//
// A failed bulk load is not fatal and is not retried in place: the batch is
// dropped unacknowledged and the broker redelivers each message.
func (i *Ingestor[T]) Run(ctx context.Context) error {
	log.WithField("batchSize", i.cfg.BatchSize).
		WithField("batchTimeout", i.cfg.BatchTimeout).
		WithField("retryLimit", i.cfg.RetryLimit).
		Info("ingestion loop running until shutdown")

	for {
		if ctx.Err() != nil {
			return i.flushRemainingOnStop(ctx)
		}

		// Single blocking wait: next message or the batch deadline, whichever
		// comes first. No separate timer goroutine.
		recvCtx := ctx
		var cancel context.CancelFunc
		if deadline, ok := i.batcher.Deadline(); ok {
			recvCtx, cancel = context.WithDeadline(ctx, deadline)
		}
		msg, err := i.source.Receive(recvCtx)
		if cancel != nil {
			cancel()
		}

		if err != nil {
			// Deadline hit => time-based flush.
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				if err := i.flush(ctx); err != nil {
					return err
				}
				continue
			}

			// Graceful stop signaled by the source or by ctx: flush what is
			// buffered before exiting.
			if errors.Is(err, source.ErrClosed) {
				return i.flushRemainingOnStop(ctx)
			}
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return i.flushRemainingOnStop(ctx)
			}
			return err
		}

		flushNow, err := i.processMessage(ctx, msg)
		if err != nil {
			return err
		}
		if flushNow {
			if err := i.flush(ctx); err != nil {
				return err
			}
		}
	}
}

func (i *Ingestor[T]) processMessage(ctx context.Context, msg source.Message) (flushNow bool, err error) {
	i.metrics.RecordMessagesReceived(1)

	// Retry budget first: a message past its budget must not re-enter the
	// batcher at all.
	deadLettered, err := i.tracker.InterceptRedelivery(ctx, msg)
	if err != nil {
		return false, err
	}
	if deadLettered {
		return false, nil
	}

	rec, err := i.decoder.Decode(msg.Data().Payload)
	if err != nil {
		if codec.IsDecodeError(err) {
			// Malformed payloads are dead-lettered individually; the rest of
			// the batch is unaffected.
			return false, i.tracker.DeadLetterDecodeFailure(ctx, msg, err)
		}
		return false, err
	}

	return i.batcher.Add(time.Now(), rec, msg), nil
}

func (i *Ingestor[T]) flush(ctx context.Context) error {
	batch := i.batcher.Flush()
	if len(batch.Items) == 0 {
		return nil
	}

	var stopLease func()
	if i.leaseEnabled {
		if ext, ok := i.source.(source.VisibilityExtender); ok {
			stopLease = i.startLease(ctx, ext, batch.Acks.Metas())
		}
	}
	if stopLease != nil {
		defer stopLease()
	}

	start := time.Now()
	err := i.loader.Load(ctx, batch.Items)
	if err != nil {
		i.metrics.RecordLoadError()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Shutting down; the batch stays unacknowledged and will be
			// redelivered, which is safe.
			return err
		}
		// Reported, not fatal: the whole batch is left for redelivery.
		i.tracker.ResolveFailed(ctx, &batch.Acks, err)
		return nil
	}

	i.metrics.RecordBatchFlushed(len(batch.Items))
	log.Infof("loaded %d rows in %dms", len(batch.Items), time.Since(start).Milliseconds())

	if err := i.tracker.ResolveLoaded(ctx, &batch.Acks); err != nil {
		// The rows are committed; an unackable batch will come back as
		// duplicates, which the target tolerates. Still fatal for this worker:
		// something is wrong with the broker session.
		return pkgerrors.WithMessage(err, "acknowledging batch")
	}
	return nil
}

func (i *Ingestor[T]) startLease(parent context.Context, ext source.VisibilityExtender, metas []source.AckMetadata) (stop func()) {
	if len(metas) == 0 {
		return func() {}
	}

	renewEvery := i.leaseRenewEvery
	if renewEvery <= 0 {
		renewEvery = 20 * time.Second
	}

	ctx, cancel := context.WithCancel(parent)

	go func() {
		t := time.NewTicker(renewEvery)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := ext.ExtendVisibilityBatch(ctx, metas, i.leaseVisibilityTimeoutSec); err != nil {
					log.WithError(err).Warn("could not extend message visibility; batch may be redelivered early")
					return
				}
			}
		}
	}()

	return cancel
}

func (i *Ingestor[T]) flushRemainingOnStop(ctx context.Context) error {
	// Keep values but ignore cancellation, and don't block forever.
	base := context.WithoutCancel(ctx)
	stopCtx, cancel := context.WithTimeout(base, i.cfg.ShutdownTimeout)
	defer cancel()

	log.Info("shutdown: flushing partial batch")
	return i.flush(stopCtx)
}
