package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehiclehub/internal/idmap"
	"vehiclehub/internal/logging"
	"vehiclehub/internal/retry"
	"vehiclehub/pkg/backend"
	"vehiclehub/pkg/propmodel"
)

// stubBackend is a minimal backend.Backend double: every method is backed
// by an overridable func field, defaulting to a harmless no-op.
type stubBackend struct {
	pollConfigs   func() ([]propmodel.PropertyConfig, error)
	get           func(propmodel.PropertyValue) (propmodel.PropertyValue, error)
	set           func(propmodel.PropertyValue) error
	subscribe     func([]backend.SubscribeOption) error
	unsubscribe   func(propmodel.PropertyID) error
	subscribeCalls []backend.SubscribeOption
	events        chan backend.Event
}

func newStubBackend() *stubBackend {
	return &stubBackend{events: make(chan backend.Event, 8)}
}

func (b *stubBackend) Get(req propmodel.PropertyValue) (propmodel.PropertyValue, error) {
	if b.get != nil {
		return b.get(req)
	}
	return req, nil
}
func (b *stubBackend) Set(v propmodel.PropertyValue) error {
	if b.set != nil {
		return b.set(v)
	}
	return nil
}
func (b *stubBackend) Subscribe(opts []backend.SubscribeOption) error {
	b.subscribeCalls = append(b.subscribeCalls, opts...)
	if b.subscribe != nil {
		return b.subscribe(opts)
	}
	return nil
}
func (b *stubBackend) Unsubscribe(id propmodel.PropertyID) error {
	if b.unsubscribe != nil {
		return b.unsubscribe(id)
	}
	return nil
}
func (b *stubBackend) GetAsync(batch []backend.AsyncRequest, cb backend.ResultCallback) error {
	return nil
}
func (b *stubBackend) SetAsync(batch []backend.AsyncRequest, cb backend.ResultCallback) error {
	return nil
}
func (b *stubBackend) Cancel(ids []uint64) error { return nil }
func (b *stubBackend) PollAllConfigs() ([]propmodel.PropertyConfig, error) {
	if b.pollConfigs != nil {
		return b.pollConfigs()
	}
	return nil, nil
}
func (b *stubBackend) Events() <-chan backend.Event { return b.events }

// stubService is a minimal hub.Service double that records every call it
// receives.
type stubService struct {
	name      string
	supported []propmodel.PropertyID
	owned     map[propmodel.PropertyID]propmodel.PropertyConfig
	initErr   error
	events    []propmodel.PropertyValue
	setErrs   []backend.SetError
	initCalled, shutdownCalled bool
	shutdownOrder *[]string // if set, Shutdown appends name here
}

func (s *stubService) Name() string                               { return s.name }
func (s *stubService) SupportedProperties() []propmodel.PropertyID { return s.supported }
func (s *stubService) TakeProperties(owned map[propmodel.PropertyID]propmodel.PropertyConfig) {
	s.owned = owned
}
func (s *stubService) Init() error             { s.initCalled = true; return s.initErr }
func (s *stubService) Shutdown() {
	s.shutdownCalled = true
	if s.shutdownOrder != nil {
		*s.shutdownOrder = append(*s.shutdownOrder, s.name)
	}
}
func (s *stubService) OnEvents(batch []propmodel.PropertyValue) {
	s.events = append(s.events, batch...)
}
func (s *stubService) OnSetError(errs []backend.SetError) {
	s.setErrs = append(s.setErrs, errs...)
}

func testHub(be backend.Backend) *Hub {
	log := logging.New("test", -1)
	rd := retry.NewCount(1, 0)
	return New(be, rd, log)
}

var continuousCfg = propmodel.PropertyConfig{
	ChangeMode:      propmodel.ChangeContinuous,
	Access:          propmodel.AccessReadWrite,
	MinSampleRateHz: 1,
	MaxSampleRateHz: 10,
}

func TestPriorityInitClaimsOwnershipFirstWins(t *testing.T) {
	cfgA := continuousCfg
	cfgA.PropID = 1
	cfgB := continuousCfg
	cfgB.PropID = 2

	be := newStubBackend()
	be.pollConfigs = func() ([]propmodel.PropertyConfig, error) {
		return []propmodel.PropertyConfig{cfgA, cfgB}, nil
	}
	h := testHub(be)

	first := &stubService{name: "first", supported: []propmodel.PropertyID{1, 2}}
	second := &stubService{name: "second", supported: []propmodel.PropertyID{2}}
	h.RegisterService(first)
	h.RegisterService(second)

	require.NoError(t, h.PriorityInit())

	assert.True(t, first.initCalled)
	assert.True(t, second.initCalled)
	assert.Len(t, first.owned, 2)
	assert.Empty(t, second.owned, "propId 2 already claimed by first")
	assert.True(t, h.owns(first, 1))
	assert.True(t, h.owns(first, 2))
}

func TestPriorityInitFailsWithNoConfigs(t *testing.T) {
	be := newStubBackend()
	h := testHub(be)
	h.RegisterService(&stubService{name: "only"})

	err := h.PriorityInit()
	require.Error(t, err)
}

func TestSubscribeSkipsExactDuplicate(t *testing.T) {
	cfg := continuousCfg
	cfg.PropID = 10
	be := newStubBackend()
	be.pollConfigs = func() ([]propmodel.PropertyConfig, error) {
		return []propmodel.PropertyConfig{cfg}, nil
	}
	h := testHub(be)
	svc := &stubService{name: "svc", supported: []propmodel.PropertyID{10}}
	h.RegisterService(svc)
	require.NoError(t, h.PriorityInit())

	opt := backend.SubscribeOption{PropID: 10, SampleRateHz: 5}
	require.NoError(t, h.Subscribe(svc, []backend.SubscribeOption{opt}))
	assert.Len(t, be.subscribeCalls, 1)

	require.NoError(t, h.Subscribe(svc, []backend.SubscribeOption{opt}))
	assert.Len(t, be.subscribeCalls, 1, "identical re-subscribe must be a no-op")
}

func TestSubscribeRollsBackOnBackendError(t *testing.T) {
	cfg := continuousCfg
	cfg.PropID = 11
	be := newStubBackend()
	be.pollConfigs = func() ([]propmodel.PropertyConfig, error) {
		return []propmodel.PropertyConfig{cfg}, nil
	}
	h := testHub(be)
	svc := &stubService{name: "svc", supported: []propmodel.PropertyID{11}}
	h.RegisterService(svc)
	require.NoError(t, h.PriorityInit())

	opt := backend.SubscribeOption{PropID: 11, SampleRateHz: 5}
	require.NoError(t, h.Subscribe(svc, []backend.SubscribeOption{opt}))

	be.subscribe = func([]backend.SubscribeOption) error {
		return &backend.Error{Status: backend.StatusInternalError}
	}
	err := h.Subscribe(svc, []backend.SubscribeOption{{PropID: 11, SampleRateHz: 9}})
	require.Error(t, err)

	ri, ok := h.RateInfo(11, propmodel.GlobalArea)
	require.True(t, ok)
	assert.Equal(t, float32(5), ri.UpdateRateHz, "rate_info must be rolled back to the pre-call snapshot")
}

func TestSubscribeRejectsUnownedProperty(t *testing.T) {
	cfg := continuousCfg
	cfg.PropID = 12
	be := newStubBackend()
	be.pollConfigs = func() ([]propmodel.PropertyConfig, error) {
		return []propmodel.PropertyConfig{cfg}, nil
	}
	h := testHub(be)
	owner := &stubService{name: "owner", supported: []propmodel.PropertyID{12}}
	stranger := &stubService{name: "stranger"}
	h.RegisterService(owner)
	require.NoError(t, h.PriorityInit())

	err := h.Subscribe(stranger, []backend.SubscribeOption{{PropID: 12, SampleRateHz: 1}})
	require.Error(t, err)
}

func TestDispatchChangesGroupsByOwningService(t *testing.T) {
	cfgA := continuousCfg
	cfgA.PropID = 20
	cfgB := continuousCfg
	cfgB.PropID = 21

	be := newStubBackend()
	be.pollConfigs = func() ([]propmodel.PropertyConfig, error) {
		return []propmodel.PropertyConfig{cfgA, cfgB}, nil
	}
	h := testHub(be)
	a := &stubService{name: "a", supported: []propmodel.PropertyID{20}}
	b := &stubService{name: "b", supported: []propmodel.PropertyID{21}}
	h.RegisterService(a)
	h.RegisterService(b)
	require.NoError(t, h.PriorityInit())

	ctx, cancel := context.WithCancel(context.Background())
	h.Run(ctx)
	defer cancel()

	be.events <- backend.Event{Changes: []propmodel.PropertyValue{
		{PropID: 20}, {PropID: 21}, {PropID: 20},
	}}

	require.Eventually(t, func() bool {
		return len(a.events) == 2 && len(b.events) == 1
	}, time.Second, time.Millisecond)
}

func TestIDMapTranslatesAcrossBackendBoundary(t *testing.T) {
	const managerID, backendID = propmodel.PropertyID(50), propmodel.PropertyID(500)

	cfg := continuousCfg
	cfg.PropID = backendID // PollAllConfigs speaks the backend's native ids

	be := newStubBackend()
	be.pollConfigs = func() ([]propmodel.PropertyConfig, error) {
		return []propmodel.PropertyConfig{cfg}, nil
	}

	var gotGetID, gotSetID propmodel.PropertyID
	be.get = func(req propmodel.PropertyValue) (propmodel.PropertyValue, error) {
		gotGetID = req.PropID
		return propmodel.PropertyValue{PropID: req.PropID, Status: propmodel.StatusAvailable}, nil
	}
	be.set = func(v propmodel.PropertyValue) error {
		gotSetID = v.PropID
		return nil
	}

	h := testHub(be)
	tbl := idmap.New()
	require.NoError(t, tbl.Add(managerID, backendID))
	h.SetIDMap(tbl)

	svc := &stubService{name: "svc", supported: []propmodel.PropertyID{managerID}}
	h.RegisterService(svc)
	require.NoError(t, h.PriorityInit())
	assert.True(t, h.owns(svc, managerID), "PollAllConfigs' backend id must be translated to the manager id before ownership is claimed")

	v, err := h.GetValue(propmodel.PropertyValue{PropID: managerID})
	require.NoError(t, err)
	assert.Equal(t, backendID, gotGetID, "Get must be called with the backend-native id")
	assert.Equal(t, managerID, v.PropID, "the returned value must be translated back to the manager id")

	require.NoError(t, h.Set(propmodel.PropertyValue{PropID: managerID, Status: propmodel.StatusAvailable}))
	assert.Equal(t, backendID, gotSetID, "Set must be called with the backend-native id")

	require.NoError(t, h.Subscribe(svc, []backend.SubscribeOption{{PropID: managerID, SampleRateHz: 5}}))
	require.Len(t, be.subscribeCalls, 1)
	assert.Equal(t, backendID, be.subscribeCalls[0].PropID, "Subscribe must be called with the backend-native id")

	ctx, cancel := context.WithCancel(context.Background())
	h.Run(ctx)
	defer cancel()

	be.events <- backend.Event{Changes: []propmodel.PropertyValue{{PropID: backendID, Status: propmodel.StatusAvailable}}}

	require.Eventually(t, func() bool {
		return len(svc.events) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, managerID, svc.events[0].PropID, "dispatched events must carry the manager id")
}

func TestShutdownReversesInitOrderAndUnsubscribesAll(t *testing.T) {
	cfg := continuousCfg
	cfg.PropID = 30
	be := newStubBackend()
	be.pollConfigs = func() ([]propmodel.PropertyConfig, error) {
		return []propmodel.PropertyConfig{cfg}, nil
	}
	h := testHub(be)

	var order []string
	first := &stubService{name: "first", supported: []propmodel.PropertyID{30}, shutdownOrder: &order}
	second := &stubService{name: "second", shutdownOrder: &order}
	h.RegisterService(first)
	h.RegisterService(second)
	require.NoError(t, h.PriorityInit())

	unsubscribed := false
	be.unsubscribe = func(propmodel.PropertyID) error { unsubscribed = true; return nil }

	require.NoError(t, h.Subscribe(first, []backend.SubscribeOption{{PropID: 30, SampleRateHz: 2}}))

	h.Shutdown()

	assert.True(t, first.shutdownCalled)
	assert.True(t, second.shutdownCalled)
	assert.Equal(t, []string{"second", "first"}, order, "services shut down in reverse registration order")
	assert.True(t, unsubscribed)
	assert.Equal(t, 0, len(h.allProperties))
}
