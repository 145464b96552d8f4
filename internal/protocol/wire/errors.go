package wire

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedFrame    = errors.New("wire: malformed frame")
	ErrSignatureMismatch = errors.New("wire: signature mismatch")
	ErrBadPayload        = errors.New("wire: bad payload")
	ErrMissingMsgID      = errors.New("wire: missing msg_id")
	ErrMissingMsgType    = errors.New("wire: missing msg_type")
)

// DecodeError records which decode stage rejected a frame set.
type DecodeError struct {
	Stage string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire decode %s: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Reason returns a short metric label for err.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrSignatureMismatch):
		return "signature"
	case errors.Is(err, ErrMalformedFrame):
		return "malformed"
	case errors.Is(err, ErrBadPayload):
		return "payload"
	default:
		return "other"
	}
}

func decodeErr(stage string, sentinel error, detail string) error {
	if detail == "" {
		return &DecodeError{Stage: stage, Err: sentinel}
	}
	return &DecodeError{Stage: stage, Err: fmt.Errorf("%w: %s", sentinel, detail)}
}
