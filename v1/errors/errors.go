package errors

import (
	"context"
	"errors"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
)

// FromContext maps context deadline errors to ErrTimeout and leaves every other
// error untouched.
func FromContext(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
