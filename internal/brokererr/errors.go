// Package brokererr defines the error kinds shared by the Hub and the
// PropertyService (spec §7). Sync entry points return these by result;
// async entry points translate them into client-visible error codes
// (propertyservice.ClientErrorCode).
package brokererr

import "errors"

// Sentinel errors identifying the kinds in spec §7. Wrap with fmt.Errorf's
// %w to add context; callers use errors.Is to classify.
var (
	// ErrArgument covers an unsupported propId, an unowned subscription
	// request, a malformed payload, or a negative updateRateHz.
	ErrArgument = errors.New("brokererr: argument error")

	// ErrBackendTransient wraps a backend TRY_AGAIN that has already been
	// retried by the retry driver the configured number of times / for
	// the configured duration.
	ErrBackendTransient = errors.New("brokererr: backend transient failure")

	// ErrBackendPermanent wraps the NOT_AVAILABLE the retry driver reports
	// when a get succeeds without a value. The driver wraps INVALID_ARG as
	// ErrArgument and returns ACCESS_DENIED and NOT_AVAILABLE backend errors
	// unwrapped, as *backend.Error.
	ErrBackendPermanent = errors.New("brokererr: backend permanent failure")

	// ErrTimeout identifies an expired deadline. The retry driver reports
	// exhausted retries as ErrBackendTransient, and the PropertyService
	// delivers async timeouts as ClientErrorCode ErrTimeout, so neither
	// returns this sentinel.
	ErrTimeout = errors.New("brokererr: timeout")

	// ErrInternal marks a state that should be unreachable: a missing
	// config for a supposedly-supported propId, or a value that can't be
	// converted to the client's expected type. Always logged when it
	// occurs.
	ErrInternal = errors.New("brokererr: internal error")
)
