package config

import "errors"

var (
	// ErrParsingConfig indicates the environment could not be parsed
	// into the struct's env-tagged fields.
	ErrParsingConfig = errors.New("failed to parse environment variables into config")

	// ErrNilPointer indicates Load was called with a nil destination.
	ErrNilPointer = errors.New("nil pointer provided to config loader")
)
