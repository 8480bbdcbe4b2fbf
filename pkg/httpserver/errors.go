package httpserver

import "errors"

var (
	// ErrStart wraps any failure to bind or serve.
	ErrStart = errors.New("failed to start HTTP server")

	// ErrShutdown wraps a graceful shutdown that did not complete.
	ErrShutdown = errors.New("failed to shutdown HTTP server gracefully")
)
