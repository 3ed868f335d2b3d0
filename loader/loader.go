package loader

import (
	"context"
	"errors"
	"fmt"
)

// RowEncoder maps a typed record onto a bulk-copy row for the target table.
//
// Columns must return the same column list on every call, and Row must return
// values in that order.
type RowEncoder[T any] interface {
	Columns() []string
	Row(item T) ([]any, error)
}

// Loader streams a batch of records into the target table. Load is atomic for
// the whole batch: either every record is durably written or none is. Partial
// success is never reported.
type Loader[T any] interface {
	Load(ctx context.Context, items []T) error
}

// LoadError wraps any failure of a bulk load. The whole batch is left
// unacknowledged and retried via queue redelivery, so callers should treat it
// as retryable.
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("bulk load: %v", e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// IsLoadError reports whether err (or anything it wraps) is a LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}
