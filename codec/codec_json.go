package codec

import (
	"bytes"
	"encoding/json"
)

// JSON decodes JSON payloads into T. Unknown fields are rejected so schema
// drift surfaces as a dead-letter instead of silently dropping columns.
//
// Validate, when set, runs after unmarshalling and can reject records with
// missing or out-of-range required fields. Its error is wrapped as a
// DecodeError.
type JSON[T any] struct {
	Validate func(T) error
}

func (c JSON[T]) Decode(raw []byte) (T, error) {
	var out T

	if len(bytes.TrimSpace(raw)) == 0 {
		return out, &DecodeError{Reason: "empty payload"}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, &DecodeError{Reason: "malformed json", Err: err}
	}
	// Trailing garbage after the document is malformed too.
	if dec.More() {
		return out, &DecodeError{Reason: "trailing data after json document"}
	}

	if c.Validate != nil {
		if err := c.Validate(out); err != nil {
			return out, &DecodeError{Reason: "invalid record", Err: err}
		}
	}
	return out, nil
}
