// Package provisioning guarantees that every registered user owns a
// free subscription row, surviving transient storage failures through
// inline retries, a deferred task queue and a dead-letter reprocessing
// sweep.
package provisioning
