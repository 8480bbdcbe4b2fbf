package breaker

import "errors"

var (
	// ErrOpen indicates the circuit is open and the call was not attempted.
	ErrOpen = errors.New("circuit breaker is open")

	// ErrNameRequired indicates a breaker was created without a dependency name.
	ErrNameRequired = errors.New("breaker name is required")

	// ErrStoreNil indicates a breaker was created without a state store.
	ErrStoreNil = errors.New("state store is required")
)

// IsOpen checks whether an error indicates an open circuit.
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpen)
}
