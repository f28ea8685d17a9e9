package plugins

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is returned when a plugin construction string cannot be parsed.
	ErrInvalidConfig = errors.New("invalid plugin config")

	// ErrRequiredPluginFailed is returned when a required plugin fails to handle its request.
	ErrRequiredPluginFailed = errors.New("required plugin failed to handle request")

	// ErrInvalidResult is returned when a plugin produces a Result the host cannot act on.
	ErrInvalidResult = errors.New("invalid plugin result")

	// ErrInvalidRemoteResponse is returned when a remote plugin answers with an unusable response.
	ErrInvalidRemoteResponse = errors.New("invalid response from remote plugin")
)

// ExceedError is returned when an admission would take a key over its limit.
type ExceedError struct {
	// Max is the configured limit.
	Max int64

	// Value is the count the rejected admission observed.
	Value int64
}

func (e *ExceedError) Error() string {
	return fmt.Sprintf("exceed limit %d/%d", e.Value, e.Max)
}
