// Package fakebackend is an in-memory pkg/backend.Backend implementation
// for tests: a scriptable error queue per property, synchronous event and
// callback delivery, and a small in-memory value store standing in for
// real hardware state.
//
// Grounded on ap.configd's own in-memory pnode/propTreeRoot tree, which
// plays the same role in the teacher's daemon tests -- real state, no
// socket, so a test can set up a scenario and assert against it directly.
package fakebackend

import (
	"sync"

	"vehiclehub/pkg/backend"
	"vehiclehub/pkg/propmodel"
)

// Backend is a scriptable, in-memory Backend. Zero value is not usable;
// construct with New.
type Backend struct {
	mu sync.Mutex

	configs []propmodel.PropertyConfig
	values  map[propmodel.PropArea]propmodel.PropertyValue

	getErrs       map[propmodel.PropertyID][]error
	setErrs       map[propmodel.PropertyID][]error
	subscribeErr  error
	unsubscribeErr error

	subscriptions map[propmodel.PropertyID][]backend.SubscribeOption
	cancelled     []uint64

	events chan backend.Event
}

// New returns an empty fake backend seeded with configs, as if
// PollAllConfigs had already been primed.
func New(configs []propmodel.PropertyConfig) *Backend {
	return &Backend{
		configs:       configs,
		values:        make(map[propmodel.PropArea]propmodel.PropertyValue),
		getErrs:       make(map[propmodel.PropertyID][]error),
		setErrs:       make(map[propmodel.PropertyID][]error),
		subscriptions: make(map[propmodel.PropertyID][]backend.SubscribeOption),
		events:        make(chan backend.Event, 64),
	}
}

// SetValue seeds or overwrites the stored value for (v.PropID,v.AreaID),
// without emitting a change event.
func (b *Backend) SetValue(v propmodel.PropertyValue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[propmodel.PropArea{PropID: v.PropID, AreaID: v.AreaID}] = v
}

// QueueGetError appends err to propID's get-error queue: the next N calls
// to Get/GetAsync for that property fail with the queued errors in order,
// then fall back to returning the stored value.
func (b *Backend) QueueGetError(propID propmodel.PropertyID, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getErrs[propID] = append(b.getErrs[propID], err)
}

// QueueSetError appends err to propID's set-error queue, same semantics as
// QueueGetError.
func (b *Backend) QueueSetError(propID propmodel.PropertyID, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setErrs[propID] = append(b.setErrs[propID], err)
}

// SetSubscribeError makes every subsequent Subscribe call fail with err,
// until cleared with SetSubscribeError(nil).
func (b *Backend) SetSubscribeError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribeErr = err
}

// SetUnsubscribeError makes every subsequent Unsubscribe call fail with
// err, until cleared with SetUnsubscribeError(nil).
func (b *Backend) SetUnsubscribeError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribeErr = err
}

// Emit delivers a change-event batch on the Events channel, as if the
// backend's own hardware thread had produced it, and updates the stored
// value for each changed (propId,areaId).
func (b *Backend) Emit(batch ...propmodel.PropertyValue) {
	b.mu.Lock()
	for _, v := range batch {
		b.values[propmodel.PropArea{PropID: v.PropID, AreaID: v.AreaID}] = v
	}
	b.mu.Unlock()
	b.events <- backend.Event{Changes: batch}
}

// EmitSetError delivers a set-error event batch on the Events channel.
func (b *Backend) EmitSetError(errs ...backend.SetError) {
	b.events <- backend.Event{SetErrors: errs}
}

// Subscriptions returns the last SubscribeOption batch installed for
// propID, if any.
func (b *Backend) Subscriptions(propID propmodel.PropertyID) ([]backend.SubscribeOption, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	opts, ok := b.subscriptions[propID]
	return opts, ok
}

// Cancelled returns every request id ever passed to Cancel, in call order.
func (b *Backend) Cancelled() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.cancelled...)
}

func (b *Backend) popErrLocked(m map[propmodel.PropertyID][]error, propID propmodel.PropertyID) error {
	q := m[propID]
	if len(q) == 0 {
		return nil
	}
	m[propID] = q[1:]
	return q[0]
}

// Get performs a synchronous read against the in-memory store.
func (b *Backend) Get(req propmodel.PropertyValue) (propmodel.PropertyValue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.popErrLocked(b.getErrs, req.PropID); err != nil {
		return propmodel.PropertyValue{}, err
	}
	v, ok := b.values[propmodel.PropArea{PropID: req.PropID, AreaID: req.AreaID}]
	if !ok {
		return propmodel.PropertyValue{PropID: req.PropID, AreaID: req.AreaID, Status: propmodel.StatusUnavailable}, nil
	}
	return v, nil
}

// Set performs a synchronous write against the in-memory store.
func (b *Backend) Set(v propmodel.PropertyValue) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.popErrLocked(b.setErrs, v.PropID); err != nil {
		return err
	}
	b.values[propmodel.PropArea{PropID: v.PropID, AreaID: v.AreaID}] = v
	return nil
}

// Subscribe records the options and fails with the scripted error, if any.
func (b *Backend) Subscribe(opts []backend.SubscribeOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return b.subscribeErr
	}
	for _, o := range opts {
		b.subscriptions[o.PropID] = append(b.subscriptions[o.PropID], o)
	}
	return nil
}

// Unsubscribe drops propID's recorded subscriptions and fails with the
// scripted error, if any.
func (b *Backend) Unsubscribe(propID propmodel.PropertyID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unsubscribeErr != nil {
		return b.unsubscribeErr
	}
	delete(b.subscriptions, propID)
	return nil
}

// GetAsync resolves the batch synchronously against the in-memory store
// and the scripted get-error queue, then invokes cb before returning.
func (b *Backend) GetAsync(batch []backend.AsyncRequest, cb backend.ResultCallback) error {
	results := make([]backend.AsyncResult, 0, len(batch))
	for _, req := range batch {
		v, err := b.Get(req.Value)
		results = append(results, backend.AsyncResult{RequestID: req.RequestID, Value: v, Err: err})
	}
	cb(results)
	return nil
}

// SetAsync resolves the batch synchronously against the in-memory store
// and the scripted set-error queue, then invokes cb before returning.
func (b *Backend) SetAsync(batch []backend.AsyncRequest, cb backend.ResultCallback) error {
	results := make([]backend.AsyncResult, 0, len(batch))
	for _, req := range batch {
		err := b.Set(req.Value)
		results = append(results, backend.AsyncResult{RequestID: req.RequestID, Err: err})
	}
	cb(results)
	return nil
}

// Cancel records the cancelled ids; the fake has no in-flight async state
// to actually interrupt since GetAsync/SetAsync resolve synchronously.
func (b *Backend) Cancel(ids []uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, ids...)
	return nil
}

// PollAllConfigs returns the configs New was constructed with.
func (b *Backend) PollAllConfigs() ([]propmodel.PropertyConfig, error) {
	return b.configs, nil
}

// Events returns the channel Emit/EmitSetError deliver to.
func (b *Backend) Events() <-chan backend.Event {
	return b.events
}
