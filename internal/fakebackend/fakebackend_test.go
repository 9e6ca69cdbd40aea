package fakebackend

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehiclehub/pkg/backend"
	"vehiclehub/pkg/propmodel"
)

func TestGetReturnsUnavailableForUnknownValue(t *testing.T) {
	b := New(nil)
	v, err := b.Get(propmodel.PropertyValue{PropID: 1})
	require.NoError(t, err)
	assert.Equal(t, propmodel.StatusUnavailable, v.Status)
}

func TestSetThenGetRoundTrips(t *testing.T) {
	b := New(nil)
	want := propmodel.PropertyValue{PropID: 1, Status: propmodel.StatusAvailable, Value: propmodel.Payload{Type: propmodel.TypeBool, BoolValue: true}}
	require.NoError(t, b.Set(want))

	got, err := b.Get(propmodel.PropertyValue{PropID: 1})
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
}

func TestQueuedGetErrorFiresOnceThenClears(t *testing.T) {
	b := New(nil)
	boom := errors.New("boom")
	b.QueueGetError(1, boom)

	_, err := b.Get(propmodel.PropertyValue{PropID: 1})
	assert.Equal(t, boom, err)

	_, err = b.Get(propmodel.PropertyValue{PropID: 1})
	assert.NoError(t, err)
}

func TestGetAsyncInvokesCallbackSynchronously(t *testing.T) {
	b := New(nil)
	b.SetValue(propmodel.PropertyValue{PropID: 5, Status: propmodel.StatusAvailable})

	var got []backend.AsyncResult
	err := b.GetAsync([]backend.AsyncRequest{{RequestID: 9, Value: propmodel.PropertyValue{PropID: 5}}},
		func(results []backend.AsyncResult) { got = results })
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(9), got[0].RequestID)
}

func TestSubscribeRecordsOptionsAndHonorsScriptedError(t *testing.T) {
	b := New(nil)
	opt := backend.SubscribeOption{PropID: 1, SampleRateHz: 5}
	require.NoError(t, b.Subscribe([]backend.SubscribeOption{opt}))
	got, ok := b.Subscriptions(1)
	require.True(t, ok)
	assert.Equal(t, []backend.SubscribeOption{opt}, got)

	b.SetSubscribeError(errors.New("denied"))
	require.Error(t, b.Subscribe([]backend.SubscribeOption{opt}))
}

func TestEmitDeliversOnEventsChannel(t *testing.T) {
	b := New(nil)
	b.Emit(propmodel.PropertyValue{PropID: 2, Status: propmodel.StatusAvailable})

	ev := <-b.Events()
	require.Len(t, ev.Changes, 1)
	assert.Equal(t, propmodel.PropertyID(2), ev.Changes[0].PropID)
}

func TestCancelRecordsIDs(t *testing.T) {
	b := New(nil)
	require.NoError(t, b.Cancel([]uint64{1, 2, 3}))
	assert.Equal(t, []uint64{1, 2, 3}, b.Cancelled())
}
