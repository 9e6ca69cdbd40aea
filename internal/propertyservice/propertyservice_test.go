package propertyservice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehiclehub/internal/hub"
	"vehiclehub/internal/logging"
	"vehiclehub/internal/retry"
	"vehiclehub/pkg/backend"
	"vehiclehub/pkg/propmodel"
)

// stubBackend is a minimal, scriptable backend.Backend double shared by
// this package's tests.
type stubBackend struct {
	pollConfigs func() ([]propmodel.PropertyConfig, error)
	getAsync    func(batch []backend.AsyncRequest, cb backend.ResultCallback) error
	setAsync    func(batch []backend.AsyncRequest, cb backend.ResultCallback) error
	cancelled   [][]uint64
	subscribes  []backend.SubscribeOption
	unsubscribes []propmodel.PropertyID
	events      chan backend.Event
}

func newStubBackend() *stubBackend { return &stubBackend{events: make(chan backend.Event, 8)} }

func (b *stubBackend) Get(req propmodel.PropertyValue) (propmodel.PropertyValue, error) { return req, nil }
func (b *stubBackend) Set(propmodel.PropertyValue) error                                { return nil }
func (b *stubBackend) Subscribe(opts []backend.SubscribeOption) error {
	b.subscribes = append(b.subscribes, opts...)
	return nil
}
func (b *stubBackend) Unsubscribe(id propmodel.PropertyID) error {
	b.unsubscribes = append(b.unsubscribes, id)
	return nil
}
func (b *stubBackend) GetAsync(batch []backend.AsyncRequest, cb backend.ResultCallback) error {
	if b.getAsync != nil {
		return b.getAsync(batch, cb)
	}
	return nil
}
func (b *stubBackend) SetAsync(batch []backend.AsyncRequest, cb backend.ResultCallback) error {
	if b.setAsync != nil {
		return b.setAsync(batch, cb)
	}
	return nil
}
func (b *stubBackend) Cancel(ids []uint64) error {
	b.cancelled = append(b.cancelled, ids)
	return nil
}
func (b *stubBackend) PollAllConfigs() ([]propmodel.PropertyConfig, error) {
	if b.pollConfigs != nil {
		return b.pollConfigs()
	}
	return nil, nil
}
func (b *stubBackend) Events() <-chan backend.Event { return b.events }

var vehicleSpeedCfg = propmodel.PropertyConfig{
	PropID:          0x11600207,
	Access:          propmodel.AccessReadWrite,
	ChangeMode:      propmodel.ChangeContinuous,
	MinSampleRateHz: 1,
	MaxSampleRateHz: 10,
}

func newTestSetup(t *testing.T, be *stubBackend, cfgs ...propmodel.PropertyConfig) (*hub.Hub, *PropertyService) {
	t.Helper()
	be.pollConfigs = func() ([]propmodel.PropertyConfig, error) { return cfgs, nil }

	log := logging.New("test", -1)
	h := hub.New(be, retry.NewCount(1, 0), log)
	ps := New(h, be, log)
	h.RegisterService(ps)
	require.NoError(t, h.PriorityInit())
	return h, ps
}

func floatPayload(v float32) propmodel.Payload {
	return propmodel.Payload{Type: propmodel.TypeFloat, FloatValues: []float32{v}}
}

// S1: simple async get succeeds.
func TestGetAsyncSucceeds(t *testing.T) {
	be := newStubBackend()
	be.getAsync = func(batch []backend.AsyncRequest, cb backend.ResultCallback) error {
		cb([]backend.AsyncResult{{
			RequestID: batch[0].RequestID,
			Value: propmodel.PropertyValue{
				PropID: vehicleSpeedCfg.PropID, AreaID: 0, Status: propmodel.StatusAvailable,
				Timestamp: 1000, Value: floatPayload(27.5),
			},
		}})
		return nil
	}
	_, ps := newTestSetup(t, be, vehicleSpeedCfg)

	var got Result
	err := ps.GetPropertyValuesAsync([]Request{{ManagerRequestID: 7, PropID: vehicleSpeedCfg.PropID, AreaID: 0}}, 500, 1,
		func(r Result) { got = r })
	require.NoError(t, err)

	require.Equal(t, ResultGetOK, got.Kind)
	fv, ferr := got.Value.Value.FloatAt(0)
	require.NoError(t, ferr)
	assert.Equal(t, float32(27.5), fv)
}

// S3: set with wait-for-update, initial value already equals target.
func TestSetAsyncCompletesViaInitialValueMatch(t *testing.T) {
	be := newStubBackend()
	var setCB backend.ResultCallback
	be.getAsync = func(batch []backend.AsyncRequest, cb backend.ResultCallback) error {
		cb([]backend.AsyncResult{{
			RequestID: batch[0].RequestID,
			Value: propmodel.PropertyValue{
				PropID: vehicleSpeedCfg.PropID, Status: propmodel.StatusAvailable,
				Timestamp: 500, Value: floatPayload(1),
			},
		}})
		return nil
	}
	be.setAsync = func(batch []backend.AsyncRequest, cb backend.ResultCallback) error {
		setCB = cb // SET callback deliberately not invoked yet
		return nil
	}
	_, ps := newTestSetup(t, be, vehicleSpeedCfg)

	var got Result
	target := propmodel.PropertyValue{PropID: vehicleSpeedCfg.PropID, Value: floatPayload(1)}
	err := ps.SetPropertyValuesAsync([]Request{{
		ManagerRequestID: 1, PropID: vehicleSpeedCfg.PropID, Value: &target, WaitForPropertyUpdate: true,
	}}, 1000, 1, func(r Result) { got = r })
	require.NoError(t, err)

	require.Equal(t, ResultSetOK, got.Kind)
	assert.EqualValues(t, 500, got.UpdateTimestampNanos)
	assert.NotNil(t, setCB, "SET was still dispatched to the backend")
}

// S4: set with wait-for-update, initial value differs from the target; the
// SET completes once both the matching property-update event and the SET
// ack have arrived.
func TestSetAsyncCompletesViaPropertyUpdateEvent(t *testing.T) {
	be := newStubBackend()
	var setCB backend.ResultCallback
	be.getAsync = func(batch []backend.AsyncRequest, cb backend.ResultCallback) error {
		cb([]backend.AsyncResult{{
			RequestID: batch[0].RequestID,
			Value: propmodel.PropertyValue{
				PropID: vehicleSpeedCfg.PropID, Status: propmodel.StatusAvailable,
				Timestamp: 100, Value: floatPayload(0),
			},
		}})
		return nil
	}
	be.setAsync = func(batch []backend.AsyncRequest, cb backend.ResultCallback) error {
		setCB = cb
		return nil
	}
	_, ps := newTestSetup(t, be, vehicleSpeedCfg)

	var got Result
	target := propmodel.PropertyValue{PropID: vehicleSpeedCfg.PropID, Value: floatPayload(1)}
	err := ps.SetPropertyValuesAsync([]Request{{
		ManagerRequestID: 1, PropID: vehicleSpeedCfg.PropID, Value: &target, WaitForPropertyUpdate: true,
	}}, 1000, 1, func(r Result) { got = r })
	require.NoError(t, err)
	require.Equal(t, ResultKind(0), got.Kind, "no result yet: initial value did not match")

	setCB([]backend.AsyncResult{{RequestID: 0}}) // wrong id: no-op
	require.Zero(t, got)

	// A matching property-update event marks the waiter updated but does
	// not complete it while the SET ack is still outstanding.
	ps.OnEvents([]propmodel.PropertyValue{{
		PropID: vehicleSpeedCfg.PropID, Status: propmodel.StatusAvailable,
		Timestamp: 999, Value: floatPayload(1),
	}})
	assert.Equal(t, Result{}, got, "update alone does not complete until the SET ack arrives")

	// The SET was minted first, so its serviceRequestId is 1. Its ack
	// completes the request with the update event's timestamp and drops
	// the now-unneeded subscription.
	setCB([]backend.AsyncResult{{RequestID: 1}})
	require.Equal(t, ResultSetOK, got.Kind)
	assert.EqualValues(t, 999, got.UpdateTimestampNanos)
	assert.Equal(t, []propmodel.PropertyID{vehicleSpeedCfg.PropID}, be.unsubscribes)
}

// An external subscription is forwarded to the backend at the requested
// rate.
func TestSubscribePropertyForwardsRate(t *testing.T) {
	be := newStubBackend()
	_, ps := newTestSetup(t, be, vehicleSpeedCfg)

	require.NoError(t, ps.SubscribeProperty(vehicleSpeedCfg.PropID, 10))
	require.Len(t, be.subscribes, 1)
	assert.Equal(t, float32(10), be.subscribes[len(be.subscribes)-1].SampleRateHz)
}

func TestCancelRequestsSuppressesLateResult(t *testing.T) {
	be := newStubBackend()
	var cb backend.ResultCallback
	be.getAsync = func(batch []backend.AsyncRequest, c backend.ResultCallback) error {
		cb = c
		return nil
	}
	_, ps := newTestSetup(t, be, vehicleSpeedCfg)

	delivered := false
	err := ps.GetPropertyValuesAsync([]Request{{ManagerRequestID: 42, PropID: vehicleSpeedCfg.PropID}}, 1000, 1,
		func(r Result) { delivered = true })
	require.NoError(t, err)

	ps.CancelRequests(1, []uint64{42})

	cb([]backend.AsyncResult{{RequestID: 1, Value: propmodel.PropertyValue{Status: propmodel.StatusAvailable, Value: floatPayload(1)}}})
	assert.False(t, delivered, "cancelled request must not deliver a late result")
	require.Len(t, be.cancelled, 1)
}

// Cancelling a wait-for-update SET must also cancel its companion
// GET_INITIAL_VALUE_FOR_SET backend request (spec §5: "Init-value requests
// are cancelled implicitly when their paired SET is cancelled").
func TestCancelRequestsCancelsCompanionInitialValueGet(t *testing.T) {
	be := newStubBackend()
	be.getAsync = func(batch []backend.AsyncRequest, cb backend.ResultCallback) error { return nil } // never calls back
	be.setAsync = func(batch []backend.AsyncRequest, cb backend.ResultCallback) error { return nil } // never calls back
	_, ps := newTestSetup(t, be, vehicleSpeedCfg)

	target := propmodel.PropertyValue{PropID: vehicleSpeedCfg.PropID, Value: floatPayload(1)}
	err := ps.SetPropertyValuesAsync([]Request{{
		ManagerRequestID: 5, PropID: vehicleSpeedCfg.PropID, Value: &target, WaitForPropertyUpdate: true,
	}}, 1000, 1, func(r Result) {})
	require.NoError(t, err)

	ps.CancelRequests(1, []uint64{5})

	require.Len(t, be.cancelled, 1)
	assert.Len(t, be.cancelled[0], 2, "both the SET and its companion initial-value GET must be cancelled")
}

func TestTimeoutDeliversErrorForGet(t *testing.T) {
	be := newStubBackend()
	be.getAsync = func(batch []backend.AsyncRequest, cb backend.ResultCallback) error { return nil } // never calls back
	_, ps := newTestSetup(t, be, vehicleSpeedCfg)

	var got Result
	err := ps.GetPropertyValuesAsync([]Request{{ManagerRequestID: 9, PropID: vehicleSpeedCfg.PropID}}, 10, 1,
		func(r Result) { got = r })
	require.NoError(t, err)

	require.Eventually(t, func() bool { return got.Kind == ResultError }, time.Second, time.Millisecond)
	assert.Equal(t, ErrTimeout, got.CarErrorCode)
}
