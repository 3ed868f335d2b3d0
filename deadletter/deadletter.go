package deadletter

import (
	"context"
	"fmt"
	"time"
)

// Record is the final resting form of a message that cannot be processed:
// the raw payload plus how many deliveries were attempted and why the last
// one failed.
type Record struct {
	MessageID string    `json:"message_id"`
	Payload   []byte    `json:"payload"`
	Attempts  int32     `json:"attempts"`
	Reason    string    `json:"reason"`
	FailedAt  time.Time `json:"failed_at"`
}

// Router persists dead-letter records to a durable destination distinct from
// the main table.
//
// A failed Route is fatal for the message's processing cycle: the record is
// the only remaining trace of a permanently failing message, so callers must
// surface the error, never drop it.
type Router interface {
	Route(ctx context.Context, rec Record) error
}

// RouteError wraps a dead-letter write failure so the worker can distinguish
// it from retryable load errors and stop instead of degrading silently.
type RouteError struct {
	MessageID string
	Err       error
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("dead-letter route for message %s: %v", e.MessageID, e.Err)
}

func (e *RouteError) Unwrap() error {
	return e.Err
}
