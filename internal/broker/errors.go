package broker

import (
	"errors"
	"fmt"
)

// APIError represents a broker HTTP error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker API error %d: %s", e.Status, e.Body)
}

// FieldError is returned when a decoded broker record is missing a required
// field. Records are validated eagerly so a malformed payload fails fast
// instead of flowing through the engine with silent zero values.
type FieldError struct {
	Record string
	Field  string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("broker %s record missing required field %q", e.Record, e.Field)
}

// ErrOrderRejected is returned when the broker rejects an order outright.
var ErrOrderRejected = errors.New("order rejected by broker")

// IsTerminalStatus reports whether an HTTP status is a terminal (input/auth)
// failure that must not be retried. 408 and 429 are transient by contract.
func IsTerminalStatus(status int) bool {
	if status == 408 || status == 429 {
		return false
	}
	return status >= 400 && status < 500
}
