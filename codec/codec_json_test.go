package codec

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Amount     float64   `json:"amount"`
	OccurredAt time.Time `json:"occurred_at"`
}

func TestJSON_Decode_Valid(t *testing.T) {
	dec := JSON[event]{}

	out, err := dec.Decode([]byte(`{"id":"e1","type":"payment","amount":12.5,"occurred_at":"2024-01-02T03:04:05Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "e1", out.ID)
	assert.Equal(t, "payment", out.Type)
	assert.Equal(t, 12.5, out.Amount)
}

func TestJSON_Decode_MalformedIsDecodeError(t *testing.T) {
	dec := JSON[event]{}

	_, err := dec.Decode([]byte(`{"id":`))
	require.Error(t, err)
	assert.True(t, IsDecodeError(err))
}

func TestJSON_Decode_EmptyPayload(t *testing.T) {
	dec := JSON[event]{}

	_, err := dec.Decode([]byte("  \n"))
	require.Error(t, err)
	assert.True(t, IsDecodeError(err))
}

func TestJSON_Decode_UnknownFieldRejected(t *testing.T) {
	dec := JSON[event]{}

	_, err := dec.Decode([]byte(`{"id":"e1","nope":true}`))
	require.Error(t, err)
	assert.True(t, IsDecodeError(err))
}

func TestJSON_Decode_TrailingDataRejected(t *testing.T) {
	dec := JSON[event]{}

	_, err := dec.Decode([]byte(`{"id":"e1"} {"id":"e2"}`))
	require.Error(t, err)
	assert.True(t, IsDecodeError(err))
}

func TestJSON_Decode_ValidateHook(t *testing.T) {
	dec := JSON[event]{
		Validate: func(e event) error {
			if e.ID == "" {
				return errors.New("missing id")
			}
			return nil
		},
	}

	_, err := dec.Decode([]byte(`{"type":"payment"}`))
	require.Error(t, err)
	assert.True(t, IsDecodeError(err))
	assert.Contains(t, err.Error(), "missing id")

	_, err = dec.Decode([]byte(`{"id":"e1"}`))
	assert.NoError(t, err)
}

func TestIsDecodeError_Wrapped(t *testing.T) {
	inner := &DecodeError{Reason: "bad"}
	wrapped := errorsJoin("outer", inner)
	assert.True(t, IsDecodeError(wrapped))
	assert.False(t, IsDecodeError(errors.New("plain")))
}

type wrapErr struct {
	msg string
	err error
}

func (w wrapErr) Error() string { return w.msg + ": " + w.err.Error() }
func (w wrapErr) Unwrap() error { return w.err }

func errorsJoin(msg string, err error) error {
	return wrapErr{msg: msg, err: err}
}
