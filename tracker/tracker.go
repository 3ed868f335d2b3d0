package tracker

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/baldanca/pgcopy-ingestor/deadletter"
	"github.com/baldanca/pgcopy-ingestor/metrics"
	"github.com/baldanca/pgcopy-ingestor/source"
)

// RetryPolicy wraps an operation with retries. Satisfied by
// ingestor.SimpleRetry.
type RetryPolicy interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

type nopRetry struct{}

func (nopRetry) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// Tracker turns batch outcomes into per-message resolutions. Every message is
// resolved exactly once over its lifetime: acked after a durable load, or
// dead-lettered and then acked. A failed load resolves nothing; the broker's
// redelivery brings the messages back.
type Tracker struct {
	retryLimit int32
	src        source.Sourcer
	router     deadletter.Router
	metrics    *metrics.Metrics

	ackRetry RetryPolicy
}

// New builds a Tracker. retryLimit is the maximum number of redeliveries a
// message may consume before it is routed to the dead-letter destination;
// 0 means a single failed delivery is enough.
func New(retryLimit int32, src source.Sourcer, router deadletter.Router, m *metrics.Metrics) *Tracker {
	if retryLimit < 0 {
		panic("retry limit must be non-negative")
	}
	if src == nil {
		panic("source is required")
	}
	if router == nil {
		panic("dead-letter router is required")
	}
	return &Tracker{
		retryLimit: retryLimit,
		src:        src,
		router:     router,
		metrics:    m,
		ackRetry:   nopRetry{},
	}
}

// SetAckRetryPolicy installs a retry policy for ack commits. Acks must
// eventually succeed or the batch will be redelivered despite being written,
// so retrying them hard is worthwhile.
func (t *Tracker) SetAckRetryPolicy(p RetryPolicy) {
	if p == nil {
		t.ackRetry = nopRetry{}
		return
	}
	t.ackRetry = p
}

func redeliveries(msg source.Message) int32 {
	n := msg.ReceiveCount()
	if n <= 1 {
		return 0
	}
	return n - 1
}

// ExceededRetryBudget reports whether msg has been redelivered at least
// retryLimit times. The first delivery is always allowed through, even with a
// zero limit.
func (t *Tracker) ExceededRetryBudget(msg source.Message) bool {
	return redeliveries(msg) > 0 && redeliveries(msg) >= t.retryLimit
}

// InterceptRedelivery checks the retry budget before a redelivered message
// re-enters the batcher. When the budget is exhausted the message is routed to
// the dead-letter destination and the original token is acked, which stops any
// further redelivery of a message now durably captured elsewhere.
//
// Retrying forever is unsafe: a row that always fails the bulk insert would
// block the queue indefinitely.
func (t *Tracker) InterceptRedelivery(ctx context.Context, msg source.Message) (deadLettered bool, err error) {
	if !t.ExceededRetryBudget(msg) {
		return false, nil
	}

	rec := deadletter.Record{
		MessageID: msg.ID(),
		Payload:   msg.Data().Payload,
		Attempts:  redeliveries(msg),
		Reason:    "retry budget exhausted",
		FailedAt:  time.Now().UTC(),
	}
	if err := t.router.Route(ctx, rec); err != nil {
		return false, err
	}
	t.metrics.RecordDeadLetter("retry_exhausted")
	log.WithField("messageId", rec.MessageID).
		WithField("attempts", rec.Attempts).
		Warn("retry budget exhausted, message dead-lettered")

	return true, t.ackOne(ctx, msg)
}

// DeadLetterDecodeFailure routes a structurally invalid message straight to
// the dead-letter destination and acks it. No retry budget is consumed:
// redelivery cannot fix a malformed payload, and one bad message must not
// poison a batch of valid ones.
func (t *Tracker) DeadLetterDecodeFailure(ctx context.Context, msg source.Message, cause error) error {
	rec := deadletter.Record{
		MessageID: msg.ID(),
		Payload:   msg.Data().Payload,
		Attempts:  redeliveries(msg),
		Reason:    cause.Error(),
		FailedAt:  time.Now().UTC(),
	}
	if err := t.router.Route(ctx, rec); err != nil {
		return err
	}
	t.metrics.RecordDeadLetter("decode")
	t.metrics.RecordMessageError(metrics.MessageErrorDecode)
	log.WithError(cause).WithField("messageId", rec.MessageID).Warn("malformed payload dead-lettered")

	return t.ackOne(ctx, msg)
}

// ResolveLoaded acknowledges a batch whose bulk write is confirmed durable.
// Never call it before the load has committed.
func (t *Tracker) ResolveLoaded(ctx context.Context, acks *source.AckGroup) error {
	err := t.ackRetry.Do(ctx, func(ctx context.Context) error {
		return acks.Commit(ctx, t.src)
	})
	if err != nil {
		t.metrics.RecordMessageError(metrics.MessageErrorAck)
	}
	return err
}

// ResolveFailed handles a failed load: nothing is acked, the broker will
// re-present every message. Fail is invoked per message so sources that
// support it can shorten the redelivery delay; its errors are best-effort.
func (t *Tracker) ResolveFailed(ctx context.Context, acks *source.AckGroup, cause error) {
	log.WithError(cause).Warnf("bulk load failed, leaving %d messages for redelivery", acks.Len())
	for _, m := range acks.Messages() {
		if m == nil {
			continue
		}
		if err := m.Fail(ctx, cause); err != nil {
			log.WithError(err).WithField("messageId", m.ID()).Warn("could not signal failure to source")
		}
	}
}

func (t *Tracker) ackOne(ctx context.Context, msg source.Message) error {
	return t.ackRetry.Do(ctx, func(ctx context.Context) error {
		return t.src.AckBatch(ctx, []source.Message{msg})
	})
}
