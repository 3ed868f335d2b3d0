package codec

import (
	"errors"
	"fmt"
)

// Decoder converts a raw message payload into a typed record.
//
// Decode must be a pure function: no I/O, no retained references to raw.
// Structural failures must be reported as *DecodeError so the caller can route
// the message to the dead-letter destination instead of retrying it;
// redelivery cannot fix a malformed payload.
type Decoder[T any] interface {
	Decode(raw []byte) (T, error)
}

// DecodeError marks a payload as structurally invalid and therefore
// non-retryable.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err (or anything it wraps) is a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
