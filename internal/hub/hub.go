// Package hub implements the Hub (spec C5 / §4.3): it owns the connection
// to the backend, the property -> owning-service map, the authoritative
// (propId,areaId) -> RateInfo subscription table, and event/error dispatch.
//
// Grounded on ap.configd/configd.go's regex-dispatch-to-handler-struct
// ownership model ("first claim wins") and ap_common/broker.Broker's
// group-by-topic-then-dispatch event loop.
package hub

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"vehiclehub/internal/brokererr"
	"vehiclehub/internal/hubmetrics"
	"vehiclehub/internal/idmap"
	"vehiclehub/internal/logging"
	"vehiclehub/internal/retry"
	"vehiclehub/pkg/backend"
	"vehiclehub/pkg/propmodel"
)

// Service is implemented by anything the Hub dispatches ownership and
// events to: a domain service (Cabin, HVAC, ...) or the PropertyService
// acting on behalf of external clients.
type Service interface {
	// Name identifies the service in logs.
	Name() string
	// SupportedProperties declares the propIds this service wants to
	// own. An empty/nil slice means "offer me everything"; the Hub
	// narrows that to whatever is left unclaimed (spec §4.3 step 3).
	SupportedProperties() []propmodel.PropertyID
	// TakeProperties hands the service the configs for the propIds the
	// Hub ultimately claimed on its behalf (spec §4.3 step 4).
	TakeProperties(owned map[propmodel.PropertyID]propmodel.PropertyConfig)
	// Init is called once, after TakeProperties, in registration order.
	Init() error
	// Shutdown is called once, in reverse registration order, before
	// the Hub unsubscribes and clears its tables.
	Shutdown()
	// OnEvents delivers one batch of property-change events owned by
	// this service, in the backend's arrival order.
	OnEvents(batch []propmodel.PropertyValue)
	// OnSetError delivers one batch of property-set-error events owned
	// by this service.
	OnSetError(errs []backend.SetError)
}

// Hub is the central broker described in spec §4.3. All mutable state
// lives behind mu.
type Hub struct {
	be    backend.Backend
	retry *retry.Driver
	log   *zap.SugaredLogger
	warn  *logging.Throttled
	mtr   *hubmetrics.Metrics
	ids   *idmap.Table

	mu sync.Mutex

	allProperties     map[propmodel.PropertyID]propmodel.PropertyConfig
	accessByPropArea  map[propmodel.PropArea]propmodel.Access
	propertyHandlers  map[propmodel.PropertyID]Service
	rateInfo          map[propmodel.PropArea]propmodel.RateInfo
	services          []Service

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Hub bound to be, using rd for all synchronous get/set
// calls. Call RegisterService for each domain service before PriorityInit.
func New(be backend.Backend, rd *retry.Driver, log *zap.SugaredLogger) *Hub {
	return &Hub{
		be:               be,
		retry:            rd,
		log:              log,
		warn:             logging.NewThrottled(log, 0, 0),
		ids:              idmap.New(),
		allProperties:    make(map[propmodel.PropertyID]propmodel.PropertyConfig),
		accessByPropArea: make(map[propmodel.PropArea]propmodel.Access),
		propertyHandlers: make(map[propmodel.PropertyID]Service),
		rateInfo:         make(map[propmodel.PropArea]propmodel.RateInfo),
	}
}

// SetMetrics installs the counters/gauges Subscribe/Unsubscribe report to.
// Optional; a Hub with no metrics installed simply skips reporting.
func (h *Hub) SetMetrics(m *hubmetrics.Metrics) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mtr = m
}

// SetIDMap installs the manager-id <-> backend-id translation table used
// for every outbound backend call and inbound event (spec §4.1 "the
// backend's property namespace may diverge from the manager's for a small
// number of properties"). Defaults to an empty, identity-passthrough table.
func (h *Hub) SetIDMap(t *idmap.Table) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids = t
}

// RegisterService appends svc to the Hub's ordered service list. Must be
// called before PriorityInit.
func (h *Hub) RegisterService(svc Service) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.services = append(h.services, svc)
}

// PriorityInit fetches all property configs from the backend, assigns
// ownership, and initializes every registered service in order (spec
// §4.3 "Initialization").
func (h *Hub) PriorityInit() error {
	configs, err := h.be.PollAllConfigs()
	if err != nil {
		return fmt.Errorf("hub: poll_all_configs: %w", err)
	}
	if len(configs) == 0 {
		return fmt.Errorf("hub: poll_all_configs returned no properties")
	}

	owned, err := h.claimOwnership(configs)
	if err != nil {
		return err
	}

	for _, svc := range h.services {
		svc.TakeProperties(owned[svc])
		if err := svc.Init(); err != nil {
			return fmt.Errorf("hub: service %s init: %w", svc.Name(), err)
		}
	}

	return nil
}

// claimOwnership populates allProperties/accessByPropArea and assigns each
// propId to at most one service, first claim wins (spec §4.3 steps 2-3).
func (h *Hub) claimOwnership(configs []propmodel.PropertyConfig) (map[Service]map[propmodel.PropertyID]propmodel.PropertyConfig, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	allIDs := make([]propmodel.PropertyID, 0, len(configs))
	for _, cfg := range configs {
		cfg.PropID = h.ids.ToManager(cfg.PropID)
		h.allProperties[cfg.PropID] = cfg
		allIDs = append(allIDs, cfg.PropID)

		areas := cfg.AreaIDs()
		if len(areas) == 0 {
			areas = []propmodel.AreaID{propmodel.GlobalArea}
		}
		for _, a := range areas {
			h.accessByPropArea[propmodel.PropArea{PropID: cfg.PropID, AreaID: a}] = cfg.EffectiveAccess(a)
		}
	}
	sort.Slice(allIDs, func(i, j int) bool { return allIDs[i] < allIDs[j] })

	owned := make(map[Service]map[propmodel.PropertyID]propmodel.PropertyConfig, len(h.services))
	for _, svc := range h.services {
		offered := svc.SupportedProperties()
		if len(offered) == 0 {
			offered = allIDs
		}
		svcOwned := make(map[propmodel.PropertyID]propmodel.PropertyConfig)
		for _, id := range offered {
			if _, claimed := h.propertyHandlers[id]; claimed {
				continue
			}
			cfg, ok := h.allProperties[id]
			if !ok {
				continue
			}
			h.propertyHandlers[id] = svc
			svcOwned[id] = cfg
		}
		owned[svc] = svcOwned
	}

	return owned, nil
}

// Shutdown reverses init order, then unsubscribes every (propId,areaId)
// still present in rate_info, then clears all tables (spec §4.3
// "Shutdown").
func (h *Hub) Shutdown() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}

	h.mu.Lock()
	services := append([]Service(nil), h.services...)
	h.mu.Unlock()

	for i := len(services) - 1; i >= 0; i-- {
		services[i].Shutdown()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[propmodel.PropertyID]bool)
	for pa := range h.rateInfo {
		if seen[pa.PropID] {
			continue
		}
		seen[pa.PropID] = true
		if err := h.be.Unsubscribe(h.ids.ToBackend(pa.PropID)); err != nil {
			h.log.Warnf("shutdown: unsubscribe %d failed: %v", pa.PropID, err)
		}
	}

	h.allProperties = make(map[propmodel.PropertyID]propmodel.PropertyConfig)
	h.accessByPropArea = make(map[propmodel.PropArea]propmodel.Access)
	h.propertyHandlers = make(map[propmodel.PropertyID]Service)
	h.rateInfo = make(map[propmodel.PropArea]propmodel.RateInfo)
	h.services = nil
}

// owns reports whether svc is the registered owner of propID.
func (h *Hub) owns(svc Service, propID propmodel.PropertyID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.propertyHandlers[propID] == svc
}

// Config returns the immutable config for propID, if known.
func (h *Hub) Config(propID propmodel.PropertyID) (propmodel.PropertyConfig, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cfg, ok := h.allProperties[propID]
	return cfg, ok
}

// RateInfo returns the currently subscribed rate for (propID,areaID), if
// any.
func (h *Hub) RateInfo(propID propmodel.PropertyID, areaID propmodel.AreaID) (propmodel.RateInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ri, ok := h.rateInfo[propmodel.PropArea{PropID: propID, AreaID: areaID}]
	return ri, ok
}

// DumpProperties returns a snapshot of every known property and the name of
// its owning service (empty string if unclaimed), for the debug HTTP
// surface.
func (h *Hub) DumpProperties() map[propmodel.PropertyID]string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[propmodel.PropertyID]string, len(h.allProperties))
	for id := range h.allProperties {
		if svc, ok := h.propertyHandlers[id]; ok {
			out[id] = svc.Name()
		} else {
			out[id] = ""
		}
	}
	return out
}

// DumpRates returns a snapshot of the current rate_info table, for the
// debug HTTP surface.
func (h *Hub) DumpRates() map[propmodel.PropArea]propmodel.RateInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[propmodel.PropArea]propmodel.RateInfo, len(h.rateInfo))
	for k, v := range h.rateInfo {
		out[k] = v
	}
	return out
}

// Get performs a synchronous read through the retry driver (spec §4.3
// "Synchronous operations exposed to services").
func (h *Hub) Get(propID propmodel.PropertyID, areaID propmodel.AreaID) (propmodel.PropertyValue, error) {
	return h.GetValue(propmodel.PropertyValue{PropID: propID, AreaID: areaID})
}

// GetValue performs a synchronous read of req through the retry driver.
func (h *Hub) GetValue(req propmodel.PropertyValue) (propmodel.PropertyValue, error) {
	backendReq := req
	backendReq.PropID = h.ids.ToBackend(req.PropID)
	v, err := h.retry.Get(func() (*propmodel.PropertyValue, error) {
		v, err := h.be.Get(backendReq)
		if err != nil {
			return nil, err
		}
		return &v, nil
	})
	if err != nil {
		return v, err
	}
	v.PropID = h.ids.ToManager(v.PropID)
	return v, nil
}

// Set performs a synchronous write through the retry driver.
func (h *Hub) Set(value propmodel.PropertyValue) error {
	backendValue := value
	backendValue.PropID = h.ids.ToBackend(value.PropID)
	return h.retry.Set(func() error { return h.be.Set(backendValue) })
}

// Run starts the backend event-dispatch loop in a new goroutine and returns
// immediately. The loop stops when ctx is cancelled or the events channel
// closes; Shutdown waits for it to stop.
func (h *Hub) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})

	go func() {
		defer close(h.done)
		events := h.be.Events()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if len(ev.Changes) > 0 {
					h.dispatchChanges(ev.Changes)
				}
				if len(ev.SetErrors) > 0 {
					h.dispatchSetErrors(ev.SetErrors)
				}
			}
		}
	}()
}

// dispatchChanges groups a batch of change events by owning service and
// invokes OnEvents once per service, in arrival order (spec §4.3 "Event
// dispatch", §5 "Ordering guarantees").
func (h *Hub) dispatchChanges(batch []propmodel.PropertyValue) {
	h.mu.Lock()
	grouped := make(map[Service][]propmodel.PropertyValue)
	var order []Service
	for _, v := range batch {
		v.PropID = h.ids.ToManager(v.PropID)
		svc, ok := h.propertyHandlers[v.PropID]
		if !ok {
			continue
		}
		if _, seen := grouped[svc]; !seen {
			order = append(order, svc)
		}
		grouped[svc] = append(grouped[svc], v)
	}
	h.mu.Unlock()

	for _, svc := range order {
		svc.OnEvents(grouped[svc])
	}
}

// dispatchSetErrors groups a batch of set-error events by owning service
// and invokes OnSetError once per service, in arrival order.
func (h *Hub) dispatchSetErrors(batch []backend.SetError) {
	h.mu.Lock()
	grouped := make(map[Service][]backend.SetError)
	var order []Service
	for _, e := range batch {
		e.PropID = h.ids.ToManager(e.PropID)
		svc, ok := h.propertyHandlers[e.PropID]
		if !ok {
			continue
		}
		if _, seen := grouped[svc]; !seen {
			order = append(order, svc)
		}
		grouped[svc] = append(grouped[svc], e)
	}
	h.mu.Unlock()

	for _, svc := range order {
		svc.OnSetError(grouped[svc])
	}
}

// errUnowned is returned (wrapped) when a service attempts to
// subscribe/unsubscribe a propId it does not own.
var errUnowned = fmt.Errorf("%w: property not owned by caller", brokererr.ErrArgument)

// validatedOption is the result of validating one requested SubscribeOption
// against the property's config and access table.
type validatedOption struct {
	opt  backend.SubscribeOption
	rate propmodel.RateInfo
}

// validateOption applies spec §4.3's subscribe validation: ownership,
// STATIC skip, area expansion, readability, and VUR/resolution forcing for
// non-CONTINUOUS properties. skip is true for a silently-dropped STATIC
// request (not an error).
func (h *Hub) validateOption(svc Service, o backend.SubscribeOption) (v validatedOption, skip bool, err error) {
	cfg, ok := h.allProperties[o.PropID]
	if !ok {
		return v, false, fmt.Errorf("%w: unknown property %d", brokererr.ErrArgument, o.PropID)
	}
	if h.propertyHandlers[o.PropID] != svc {
		return v, false, errUnowned
	}
	if cfg.ChangeMode == propmodel.ChangeStatic {
		h.warn.Warnf("subscribe: ignoring STATIC property %d", o.PropID)
		return v, true, nil
	}

	areaIDs := o.AreaIDs
	if len(areaIDs) == 0 {
		areaIDs = cfg.AreaIDs()
		if len(areaIDs) == 0 {
			areaIDs = []propmodel.AreaID{propmodel.GlobalArea}
		}
	}
	for _, a := range areaIDs {
		access := h.accessByPropArea[propmodel.PropArea{PropID: o.PropID, AreaID: a}]
		if !access.Readable() {
			return v, false, fmt.Errorf("%w: property %d area %d not readable", brokererr.ErrArgument, o.PropID, a)
		}
	}

	vur, res := o.VariableUpdateRate, o.Resolution
	if cfg.ChangeMode != propmodel.ChangeContinuous {
		vur, res = false, 0
	}

	v.opt = backend.SubscribeOption{
		PropID:             o.PropID,
		AreaIDs:            areaIDs,
		SampleRateHz:       o.SampleRateHz,
		VariableUpdateRate: vur,
		Resolution:         res,
	}
	v.rate = propmodel.RateInfo{UpdateRateHz: o.SampleRateHz, VariableUpdateRate: vur, Resolution: res}
	return v, false, nil
}

// Subscribe installs or updates svc's subscriptions. Options that would be
// exact no-ops against the current rate_info table are dropped before
// calling the backend; on backend failure, rate_info is rolled back to its
// pre-call snapshot (spec §4.3 "Subscribe").
func (h *Hub) Subscribe(svc Service, options []backend.SubscribeOption) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	type change struct {
		opt   backend.SubscribeOption
		rate  propmodel.RateInfo
		areas []propmodel.PropArea
	}
	var changed []change

	for _, o := range options {
		v, skip, err := h.validateOption(svc, o)
		if err != nil {
			return err
		}
		if skip {
			continue
		}

		areas := make([]propmodel.PropArea, len(v.opt.AreaIDs))
		allMatch := true
		for i, a := range v.opt.AreaIDs {
			pa := propmodel.PropArea{PropID: v.opt.PropID, AreaID: a}
			areas[i] = pa
			if existing, ok := h.rateInfo[pa]; !ok || !existing.Equal(v.rate) {
				allMatch = false
			}
		}
		if allMatch {
			continue
		}
		changed = append(changed, change{opt: v.opt, rate: v.rate, areas: areas})
	}
	if len(changed) == 0 {
		return nil
	}

	snapshot := make(map[propmodel.PropArea]propmodel.RateInfo, len(h.rateInfo))
	for k, val := range h.rateInfo {
		snapshot[k] = val
	}

	backendOpts := make([]backend.SubscribeOption, 0, len(changed))
	for _, c := range changed {
		backendOpt := c.opt
		backendOpt.PropID = h.ids.ToBackend(c.opt.PropID)
		backendOpts = append(backendOpts, backendOpt)
		for _, pa := range c.areas {
			h.rateInfo[pa] = c.rate
		}
	}

	if err := h.be.Subscribe(backendOpts); err != nil {
		h.rateInfo = snapshot
		if h.mtr != nil {
			h.mtr.SubscribeRollbacks.Inc()
		}
		return err
	}
	if h.mtr != nil {
		h.mtr.SubscribeCalls.Inc()
	}
	return nil
}

// Unsubscribe removes every readable (propId,areaId) rate_info entry owned
// by svc for propID, then tells the backend. On backend failure, rate_info
// is rolled back (spec §4.3 "Unsubscribe").
func (h *Hub) Unsubscribe(svc Service, propID propmodel.PropertyID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cfg, ok := h.allProperties[propID]
	if !ok || h.propertyHandlers[propID] != svc {
		h.warn.Warnf("unsubscribe: property %d not owned by caller", propID)
		return nil
	}
	if cfg.ChangeMode == propmodel.ChangeStatic {
		return nil
	}

	var toRemove []propmodel.PropArea
	for pa := range h.rateInfo {
		if pa.PropID != propID {
			continue
		}
		toRemove = append(toRemove, pa)
	}
	if len(toRemove) == 0 {
		return nil
	}

	snapshot := make(map[propmodel.PropArea]propmodel.RateInfo, len(h.rateInfo))
	for k, v := range h.rateInfo {
		snapshot[k] = v
	}
	for _, pa := range toRemove {
		delete(h.rateInfo, pa)
	}

	if err := h.be.Unsubscribe(h.ids.ToBackend(propID)); err != nil {
		h.rateInfo = snapshot
		if h.mtr != nil {
			h.mtr.SubscribeRollbacks.Inc()
		}
		return err
	}
	if h.mtr != nil {
		h.mtr.UnsubscribeCalls.Inc()
	}
	return nil
}
