// Package hosting layers the deterministic application loop on top of the
// transport substrate: request routing, middleware, notifications, and the
// service/script extension model.
package hosting

import "fmt"

// ConfigurationError is fatal: the application could not be assembled or
// started, and the tick loop never ran. Starting has fired only when the
// failure came from starting the server.
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("hosting: %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErr(op string, err error) *ConfigurationError {
	return &ConfigurationError{Op: op, Err: err}
}
