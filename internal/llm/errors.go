package llm

import (
	"errors"
	"fmt"
)

var (
	// ErrEndpointUnreachable means no HTTP response was received.
	ErrEndpointUnreachable = errors.New("completion endpoint unreachable")
	// ErrEndpointTimeout means no chunk arrived within the configured interval.
	ErrEndpointTimeout = errors.New("completion endpoint timed out")
	// ErrStreamInterrupted means the response ended abnormally after it started.
	ErrStreamInterrupted = errors.New("completion stream interrupted")
)

// EndpointError is a non-success HTTP status from the endpoint.
type EndpointError struct {
	Status int
	Body   string
}

func (e *EndpointError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("completion endpoint returned status %d", e.Status)
	}
	return fmt.Sprintf("completion endpoint returned status %d: %s", e.Status, e.Body)
}
