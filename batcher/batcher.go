package batcher

import (
	"errors"
	"time"

	"github.com/baldanca/pgcopy-ingestor/source"
)

type BatcherConfig struct {
	// MaxItems is the number of records that triggers an immediate flush.
	// It also bounds how many messages a single failed flush can affect.
	MaxItems int

	// FlushInterval caps how long a partial batch may sit before a time-based
	// flush, so a trickle of messages still reaches the store.
	FlushInterval time.Duration
}

var DefaultBatcherConfig = BatcherConfig{
	MaxItems:      500,
	FlushInterval: 5 * time.Second,
}

func (c BatcherConfig) Validate() error {
	if c.MaxItems <= 0 {
		return errors.New("MaxItems must be > 0")
	}
	if c.FlushInterval <= 0 {
		return errors.New("FlushInterval must be > 0")
	}
	return nil
}

// Batcher accumulates decoded records together with the messages they came
// from. It is a plain value owned by exactly one consumer loop: no locking,
// one writer.
type Batcher[T any] struct {
	cfg BatcherConfig

	items []T
	acks  source.AckGroup

	deadline time.Time
	active   bool
}

func NewBatcher[T any](cfg BatcherConfig) (*Batcher[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Batcher[T]{cfg: cfg}, nil
}

// Add appends a record and its message to the current batch and reports
// whether the size threshold has been reached.
func (b *Batcher[T]) Add(now time.Time, item T, msg source.Message) (flushNow bool) {
	if !b.active {
		b.active = true
		b.deadline = now.Add(b.cfg.FlushInterval)
	}

	b.items = append(b.items, item)
	b.acks.Add(msg)

	return len(b.items) >= b.cfg.MaxItems
}

// ShouldFlushTime reports whether the batch is non-empty and stale.
func (b *Batcher[T]) ShouldFlushTime(now time.Time) bool {
	if !b.active {
		return false
	}
	return !now.Before(b.deadline)
}

// Deadline exposes the time-based flush deadline so the consumer loop can
// bound its blocking receive with it. ok is false while the batch is empty.
func (b *Batcher[T]) Deadline() (t time.Time, ok bool) {
	if !b.active {
		return time.Time{}, false
	}
	return b.deadline, true
}

// Len reports how many records the current batch holds.
func (b *Batcher[T]) Len() int {
	return len(b.items)
}

// Batch is an ordered group of records and the ack handles of the messages
// that produced them. It is immutable once returned by Flush.
type Batch[T any] struct {
	Items []T
	Acks  source.AckGroup
}

// Flush hands over the current batch and clears all state, whatever the
// caller does with it. A failed load is not retried in place; retry happens
// via queue redelivery.
func (b *Batcher[T]) Flush() Batch[T] {
	out := Batch[T]{
		Items: b.items,
		Acks:  b.acks,
	}

	b.items = nil
	b.acks = source.AckGroup{}
	b.active = false
	b.deadline = time.Time{}

	return out
}
