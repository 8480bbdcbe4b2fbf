// Package backoff provides retry delay strategies shared by the billing
// core: jittered exponential backoff for contended writes (bill numbers)
// and provisioning retries, and fixed delays for predictable polling.
package backoff
