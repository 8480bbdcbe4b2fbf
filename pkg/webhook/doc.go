// Package webhook authenticates webhook deliveries with timestamped
// HMAC-SHA256 signatures, preventing forgery and replay of payment
// gateway callbacks.
package webhook
