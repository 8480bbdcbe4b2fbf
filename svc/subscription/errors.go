package subscription

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a business error so callers know whether to fix
// input (validation), offer to resume a previous flow (conflict), retry
// later (transient) or page someone (internal).
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindConflict   ErrorKind = "conflict"
	KindTransient  ErrorKind = "transient"
	KindInternal   ErrorKind = "internal"
)

// Stable error codes for programmatic handling by request collaborators.
const (
	CodeInvalidTier               = "INVALID_TIER"
	CodeInvalidCycle              = "INVALID_CYCLE"
	CodeInvalidPricingMode        = "INVALID_PRICING_MODE"
	CodeIntroAlreadyUsed          = "INTRO_ALREADY_USED"
	CodeNotAnUpgrade              = "NOT_AN_UPGRADE"
	CodeNotADowngrade             = "NOT_A_DOWNGRADE"
	CodeRenewalOutsideWindow      = "RENEWAL_OUTSIDE_WINDOW"
	CodeUpgradeOutsideWindow      = "UPGRADE_OUTSIDE_WINDOW"
	CodePendingPaymentExists      = "PENDING_PAYMENT_EXISTS"
	CodeNoPendingPayment          = "NO_PENDING_PAYMENT"
	CodeDowngradeAlreadyScheduled = "DOWNGRADE_ALREADY_SCHEDULED"
	CodeGracePeriodActive         = "GRACE_PERIOD_ACTIVE"
	CodeNoSubscription            = "NO_SUBSCRIPTION"
	CodeNotCancelled              = "NOT_CANCELLED"
	CodeNotSuspended              = "NOT_SUSPENDED"
	CodeAlreadyActive             = "ALREADY_ACTIVE"
	CodeSubscriptionExpired       = "SUBSCRIPTION_EXPIRED"
	CodePlanNotAvailable          = "PLAN_NOT_AVAILABLE"
	CodeInvalidState              = "INVALID_STATE"
	CodeGatewayUnavailable        = "GATEWAY_UNAVAILABLE"
	CodeRateLimited               = "RATE_LIMITED"
	CodeLockContention            = "LOCK_CONTENTION"
	CodeInternal                  = "INTERNAL"
)

// Error is a tagged business-rule rejection. Expected rejections are
// values of this type; panics are reserved for invariant violations.
type Error struct {
	Code    string
	Kind    ErrorKind
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.err
}

// newValidationError creates a client-fixable rejection.
func newValidationError(code, format string, args ...any) *Error {
	return &Error{Code: code, Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// newConflictError creates a state-timing rejection.
func newConflictError(code, format string, args ...any) *Error {
	return &Error{Code: code, Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// newTransientError creates a retriable infrastructure failure.
func newTransientError(code string, err error, format string, args ...any) *Error {
	return &Error{Code: code, Kind: KindTransient, Message: fmt.Sprintf(format, args...), err: err}
}

// newInternalError wraps an unexpected failure without exposing internals.
func newInternalError(err error) *Error {
	return &Error{Code: CodeInternal, Kind: KindInternal, Message: "internal error", err: err}
}

// CodeOf extracts the stable error code, or empty for non-domain errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// KindOf extracts the error kind, defaulting to internal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsCode reports whether err carries the given stable code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// Repository-level sentinel errors.
var (
	// ErrNotFound indicates the subscription does not exist.
	ErrNotFound = errors.New("subscription not found")

	// ErrAlreadyExists indicates the user already owns a subscription.
	ErrAlreadyExists = errors.New("subscription already exists for user")

	// ErrDuplicateBillNumber indicates a bill number collision; the
	// generator retries with a fresh maximum.
	ErrDuplicateBillNumber = errors.New("duplicate bill number")

	// ErrRowLocked indicates the row is locked by a concurrent writer;
	// sweeps skip it, interactive callers retry briefly.
	ErrRowLocked = errors.New("subscription row locked by concurrent writer")

	// ErrHistoryNotFound indicates the referenced history row is missing.
	ErrHistoryNotFound = errors.New("history row not found")
)
