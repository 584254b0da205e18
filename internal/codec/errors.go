package codec

import (
	"errors"
	"fmt"
)

// ErrInvalidData is matched by every decode failure and by payloads rejected before sending
var ErrInvalidData = errors.New("invalid data")

// DecodeError describes why a payload could not be decoded. No partial result accompanies it.
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

func (e *DecodeError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrInvalidData) hold for every DecodeError
func (e *DecodeError) Is(target error) bool {
	return target == ErrInvalidData
}

func decodeErr(reason string, err error) error {
	return &DecodeError{Reason: reason, Err: err}
}
