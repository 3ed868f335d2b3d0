package source

import "context"

// Envelope is the raw payload received from a Source.
//
// The ingestor does not impose any schema on Envelope; it is the codec's
// responsibility to validate and decode it into a typed record.
type Envelope struct {
	Payload []byte
}

// Message represents one unit received from a Source. A Message stays alive
// (unacknowledged at the broker) until it is either acked as part of a batch
// commit or routed to the dead-letter destination.
type Message interface {
	ID() string
	Data() Envelope

	// ReceiveCount reports how many times the broker has delivered this
	// message, including the current delivery. The first delivery is 1.
	// Brokers that do not track redeliveries return 0.
	ReceiveCount() int32

	// Fail signals that processing failed without acknowledging the message,
	// so the broker redelivers it. Implementations may use it to shorten the
	// redelivery delay; it must never discard the message.
	Fail(ctx context.Context, reason error) error
}

// Sourcer reads messages and acknowledges them in batches.
//
// Sources must ensure that Receive blocks until a message is available or the
// context is canceled; the consumer loop bounds the wait with its own batch
// deadline.
type Sourcer interface {
	Receive(ctx context.Context) (Message, error)
	AckBatch(ctx context.Context, msgs []Message) error
}

// AckMetadata is a compact, source-specific handle used for fast
// acknowledgements.
type AckMetadata struct {
	ID     string
	Handle string
}

type ackMetable interface {
	AckMeta() (AckMetadata, bool)
}

type ackMetaBatcher interface {
	AckBatchMeta(ctx context.Context, metas []AckMetadata) error
}

// AckGroup accumulates the messages of one batch so they can be acknowledged
// together, strictly after the batch has been durably written.
//
// If the Source supports fast acknowledgements via AckBatchMeta, the AckGroup
// will prefer it when all messages provide AckMetadata.
type AckGroup struct {
	msgs  []Message
	metas []AckMetadata
}

// Add appends a message to the group.
func (g *AckGroup) Add(m Message) {
	g.msgs = append(g.msgs, m)

	if am, ok := m.(ackMetable); ok {
		if meta, ok := am.AckMeta(); ok {
			g.metas = append(g.metas, meta)
		}
	}
}

// Len reports how many messages the group holds.
func (g *AckGroup) Len() int {
	return len(g.msgs)
}

// Messages exposes the accumulated messages, in insertion order.
func (g *AckGroup) Messages() []Message {
	return g.msgs
}

// Commit acknowledges the group against the given Source.
func (g *AckGroup) Commit(ctx context.Context, src Sourcer) error {
	if len(g.msgs) == 0 {
		return nil
	}

	if fast, ok := src.(ackMetaBatcher); ok && len(g.metas) == len(g.msgs) && len(g.metas) > 0 {
		return fast.AckBatchMeta(ctx, g.metas)
	}

	return src.AckBatch(ctx, g.msgs)
}

// Metas exposes the collected metadata for lease management.
func (g *AckGroup) Metas() []AckMetadata {
	return g.metas
}

// VisibilityExtender can extend the visibility timeout for a batch of messages.
//
// This is primarily useful for SQS-style leases when the bulk write takes
// longer than the queue visibility timeout.
type VisibilityExtender interface {
	ExtendVisibilityBatch(ctx context.Context, metas []AckMetadata, timeoutSeconds int32) error
}

// Clear resets the group and releases references to messages.
func (g *AckGroup) Clear() {
	for i := range g.msgs {
		g.msgs[i] = nil
	}
	g.msgs = g.msgs[:0]
	g.metas = g.metas[:0]
}
