// Package httpserver wraps net/http with graceful shutdown, timeout
// configuration from the environment, lifecycle hooks and probe
// handlers. The billing daemon mounts its webhook and health endpoints
// on a Server built here.
//
// Run blocks until the context is cancelled or an interrupt/TERM signal
// arrives, then drains in-flight requests within the shutdown timeout.
// Listen errors are wrapped with ErrStart, shutdown errors with
// ErrShutdown; use errors.Is to tell them apart.
package httpserver
