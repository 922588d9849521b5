package objectstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the key does not exist, or is not visible yet.
	ErrNotFound = errors.New("object not found")
	// ErrUnavailable covers transient failures: network errors, 5xx, throttling.
	ErrUnavailable = errors.New("object store unavailable")
	// ErrWriteCollision is returned by create-only writes when the key already exists.
	ErrWriteCollision = errors.New("object already exists")
)

// ConfigError reports a missing or unusable store setting.
type ConfigError struct {
	Setting string
	Reason  string
	Cause   error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("object store misconfigured: %s: %s", e.Setting, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// IsRetryableRead reports whether a read may succeed if repeated.
func IsRetryableRead(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnavailable)
}
