// Package backend defines the narrow contract the Hub uses to talk to the
// vehicle backend (spec §4.1). It is deliberately the only seam between the
// core and the real hardware abstraction, so that a fake implementation
// (internal/fakebackend) can stand in for tests.
package backend

import "vehiclehub/pkg/propmodel"

// StatusCode is the backend's result status for get/set/subscribe calls.
type StatusCode int

// The backend status codes the core understands (spec §4.1).
const (
	StatusOK StatusCode = iota
	StatusTryAgain
	StatusInvalidArg
	StatusNotAvailable
	StatusAccessDenied
	StatusInternalError
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusTryAgain:
		return "TRY_AGAIN"
	case StatusInvalidArg:
		return "INVALID_ARG"
	case StatusNotAvailable:
		return "NOT_AVAILABLE"
	case StatusAccessDenied:
		return "ACCESS_DENIED"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Error is the error type every Backend operation may fail with: a status
// code plus a vendor-defined auxiliary code.
type Error struct {
	Status    StatusCode
	VendorAux int32
}

func (e *Error) Error() string {
	return "backend: " + e.Status.String()
}

// SubscribeOption describes one property's requested subscription. Options
// are batched into a single Subscribe call; subscribing a property that is
// already subscribed atomically replaces its options (spec §4.1).
type SubscribeOption struct {
	PropID             propmodel.PropertyID
	AreaIDs            []propmodel.AreaID
	SampleRateHz       float32
	VariableUpdateRate bool
	Resolution         float32
}

// AsyncRequest is one element of a get_async/set_async batch: the backend
// sees only the caller-supplied RequestID, which the caller uses to
// correlate results.
type AsyncRequest struct {
	RequestID uint64
	Value     propmodel.PropertyValue
}

// AsyncResult is delivered on the backend-owned thread in response to a
// get_async or set_async call.
type AsyncResult struct {
	RequestID uint64
	Value     propmodel.PropertyValue // populated for get_async OK results
	Err       error                   // a *Error, or nil on success
}

// SetError is delivered on the event channel when the backend asynchronously
// rejects an already-applied (or in-flight) set for a property it owns no
// request id for -- e.g. a downstream actuator fault.
type SetError struct {
	PropID propmodel.PropertyID
	AreaID propmodel.AreaID
	Err    *Error
}

// ResultCallback receives the results of a GetAsync/SetAsync batch. The
// backend invokes it from its own thread (spec §5 "Callback thread
// affinity"); callers must not assume it runs on the calling goroutine.
type ResultCallback func(results []AsyncResult)

// Backend is the single abstraction the Hub holds over the vehicle backend.
// All methods must be safe for concurrent use from any thread (spec §5).
type Backend interface {
	// Get performs a synchronous, possibly-blocking read.
	Get(req propmodel.PropertyValue) (propmodel.PropertyValue, error)
	// Set performs a synchronous, possibly-blocking write.
	Set(value propmodel.PropertyValue) error
	// Subscribe installs or replaces subscriptions for the given options.
	Subscribe(options []SubscribeOption) error
	// Unsubscribe removes any subscription for propID.
	Unsubscribe(propID propmodel.PropertyID) error
	// GetAsync dispatches a batch of reads; results are delivered to cb on
	// a backend-owned thread.
	GetAsync(batch []AsyncRequest, cb ResultCallback) error
	// SetAsync dispatches a batch of writes; results are delivered to cb
	// on a backend-owned thread.
	SetAsync(batch []AsyncRequest, cb ResultCallback) error
	// Cancel best-effort cancels the given in-flight async request ids.
	Cancel(ids []uint64) error
	// PollAllConfigs fetches the full property configuration, once, at Hub
	// init.
	PollAllConfigs() ([]propmodel.PropertyConfig, error)
	// Events returns the channel on which property-change batches and
	// property-set-error batches are delivered, independent of any
	// specific GetAsync/SetAsync call (spec §4.1: "(a) property-change
	// events ... (b) property-set-error events").
	Events() <-chan Event
}

// Event is the sum type delivered on Backend.Events(). Exactly one field is
// non-empty.
type Event struct {
	Changes   []propmodel.PropertyValue
	SetErrors []SetError
}
