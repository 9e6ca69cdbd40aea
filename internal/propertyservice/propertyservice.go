// Package propertyservice implements the PropertyService (spec C7 / §4.5):
// the northbound façade that mints serviceRequestIds, drives the async
// get/wait-for-update-set protocol, merges subscription rates across the
// external subscription and in-flight sets, and translates backend errors
// into client-visible codes.
//
// It registers with the Hub as an ordinary hub.Service, claiming whatever
// properties no domain-specific service claimed first -- the generic
// passthrough path for external clients.
package propertyservice

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"vehiclehub/internal/brokererr"
	"vehiclehub/internal/hub"
	"vehiclehub/internal/hubmetrics"
	"vehiclehub/internal/reqpool"
	"vehiclehub/pkg/backend"
	"vehiclehub/pkg/propmodel"
)

// getRetryDelay and setRetryDelay are the fixed small backoffs used to
// retry a TRY_AGAIN async result (spec §4.5.3).
const (
	getRetryDelay = 100 * time.Millisecond
	setRetryDelay = 100 * time.Millisecond
)

// ClientErrorCode is the client-visible error code delivered in a Result
// of kind ResultError (spec §4.5.5).
type ClientErrorCode int

// The client error codes the PropertyService can deliver.
const (
	ErrUnknown ClientErrorCode = iota
	ErrTryAgain
	ErrInvalidArg
	ErrPropertyNotAvailable
	ErrAccessDenied
	ErrTimeout
)

func (c ClientErrorCode) String() string {
	switch c {
	case ErrTryAgain:
		return "TRY_AGAIN"
	case ErrInvalidArg:
		return "INVALID_ARG"
	case ErrPropertyNotAvailable:
		return "PROPERTY_NOT_AVAILABLE"
	case ErrAccessDenied:
		return "ACCESS_DENIED"
	case ErrTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// ResultKind tags the variant of a Result delivered to a client callback.
type ResultKind int

// The three result kinds a client callback receives (spec §6).
const (
	ResultGetOK ResultKind = iota
	ResultSetOK
	ResultError
)

// Request is one element of a get/set batch submitted by a client (spec
// §6 "Northbound").
type Request struct {
	ManagerRequestID      uint64
	PropID                propmodel.PropertyID
	AreaID                propmodel.AreaID
	Value                 *propmodel.PropertyValue // SET only
	UpdateRateHz          float32                  // SET only; 0 means "use max"
	WaitForPropertyUpdate bool                      // SET only; the zero value (false) completes on the SET ack alone
}

// Result is delivered to a client's ResultCallback exactly once per
// ManagerRequestID, except for cancelled requests (spec §6).
type Result struct {
	ManagerRequestID     uint64
	Kind                 ResultKind
	Value                propmodel.PropertyValue // GetOK only
	UpdateTimestampNanos int64                   // SetOK only
	CarErrorCode         ClientErrorCode         // Error only
	VendorErrorCode      int32                   // Error only
}

// ResultCallback receives one Result at a time, possibly from the
// scheduler or backend thread.
type ResultCallback func(Result)

// Listener receives translated property-change and property-set-error
// events, independent of any specific get/set call (spec §6 "Event
// taxonomy").
type Listener interface {
	OnPropertyChange(value propmodel.PropertyValue)
	OnPropertySetError(propID propmodel.PropertyID, areaID propmodel.AreaID, code ClientErrorCode)
}

type requestKind int

const (
	kindGet requestKind = iota
	kindSet
	kindGetInitialValueForSet
)

// request is the PropertyService's own bookkeeping record for one pending
// operation, keyed by serviceRequestId in both the pool (for timeout
// scheduling) and PropertyService.pending (for business data). A SET and
// its companion GET_INITIAL_VALUE_FOR_SET point at each other by id,
// mirroring the pool-held pairing described in spec §9's "cyclic pairing"
// note.
type request struct {
	id           uint64
	kind         requestKind
	managerReqID uint64
	clientID     uint64
	cb           ResultCallback
	propID       propmodel.PropertyID
	areaID       propmodel.AreaID
	target       propmodel.PropertyValue // SET/GET_INITIAL_VALUE_FOR_SET only
	updateRateHz float32                 // SET only, post-clamp
	waitForUpdate bool                   // SET only
	deadline     time.Time
	linkedID     uint64 // the companion SET<->GET_INITIAL_VALUE_FOR_SET id, 0 if none

	setRequestSent bool
	valueUpdated   bool
	updateTimestamp int64
}

// PropertyService is the central C7 broker. All mutable state lives
// behind mu; see spec §4.5.6 "Locking discipline".
type PropertyService struct {
	h   *hub.Hub
	be  backend.Backend
	log *zap.SugaredLogger
	mtr *hubmetrics.Metrics

	mu          sync.Mutex
	nextID      uint64
	pending     map[uint64]*request
	waiters     map[propmodel.PropertyID]map[uint64]*request
	externalSub map[propmodel.PropertyID]float32
	owned       map[propmodel.PropertyID]propmodel.PropertyConfig
	listener    Listener

	pool *reqpool.Pool

	afterFunc func(time.Duration, func())
	now       func() time.Time
}

// New returns a PropertyService bound to h and be. Call h.RegisterService
// with it, after all domain-specific services, before h.PriorityInit.
func New(h *hub.Hub, be backend.Backend, log *zap.SugaredLogger) *PropertyService {
	ps := &PropertyService{
		h:           h,
		be:          be,
		log:         log,
		pending:     make(map[uint64]*request),
		waiters:     make(map[propmodel.PropertyID]map[uint64]*request),
		externalSub: make(map[propmodel.PropertyID]float32),
		afterFunc:   func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		now:         time.Now,
	}
	ps.pool = reqpool.New(ps.onPoolTimeout, nil)
	return ps
}

// SetMetrics installs the counters/gauges the PropertyService reports
// retries, timeouts, and pending-request counts to. Optional.
func (ps *PropertyService) SetMetrics(m *hubmetrics.Metrics) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.mtr = m
}

// SetListener installs the receiver of property-change and
// property-set-error events.
func (ps *PropertyService) SetListener(l Listener) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.listener = l
}

func (ps *PropertyService) mintIDLocked() uint64 {
	ps.nextID++
	return ps.nextID
}

// removeRecordLocked drops rec from every table it may appear in: pending,
// its companion's pending entry, and the waiters set for its property.
// Caller must hold mu. It does not touch the pool or the backend.
func (ps *PropertyService) removeRecordLocked(rec *request) {
	delete(ps.pending, rec.id)
	if rec.linkedID != 0 {
		delete(ps.pending, rec.linkedID)
	}
	if w, ok := ps.waiters[rec.propID]; ok {
		delete(w, rec.id)
		if len(w) == 0 {
			delete(ps.waiters, rec.propID)
		}
	}
	ps.reportGaugesLocked()
}

// reportGaugesLocked pushes the current pending-request and active-waiter
// counts to the installed metrics, if any. Caller must hold mu.
func (ps *PropertyService) reportGaugesLocked() {
	if ps.mtr == nil {
		return
	}
	ps.mtr.PendingRequests.Set(float64(len(ps.pending)))
	ps.mtr.ActiveWaiters.Set(float64(len(ps.waiters)))
}

// currentMaxRateLocked computes the effective subscription rate for propID:
// the max of the external subscribe rate, if any, and every waiting set's
// rate (spec §4.5.6).
func (ps *PropertyService) currentMaxRateLocked(propID propmodel.PropertyID) (rate float32, any bool) {
	if r, ok := ps.externalSub[propID]; ok {
		rate, any = r, true
	}
	for _, w := range ps.waiters[propID] {
		if !any || w.updateRateHz > rate {
			rate, any = w.updateRateHz, true
		}
	}
	return rate, any
}

// recomputeRate recomputes and applies propID's effective subscription
// rate. The recomputation and the subscribe/unsubscribe call happen under
// the same lock (spec §4.5.6 "Locking discipline").
func (ps *PropertyService) recomputeRate(propID propmodel.PropertyID) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	rate, any := ps.currentMaxRateLocked(propID)
	if !any {
		return ps.h.Unsubscribe(ps, propID)
	}
	return ps.h.Subscribe(ps, []backend.SubscribeOption{{PropID: propID, SampleRateHz: rate}})
}

// translateError maps a backend error to its client-visible code (spec
// §4.5.5).
func translateError(err error) (ClientErrorCode, int32) {
	var berr *backend.Error
	if errors.As(err, &berr) {
		switch berr.Status {
		case backend.StatusTryAgain:
			return ErrTryAgain, berr.VendorAux
		case backend.StatusInvalidArg:
			return ErrInvalidArg, berr.VendorAux
		case backend.StatusNotAvailable:
			return ErrPropertyNotAvailable, berr.VendorAux
		case backend.StatusAccessDenied:
			return ErrAccessDenied, berr.VendorAux
		default:
			return ErrUnknown, berr.VendorAux
		}
	}
	return ErrUnknown, 0
}

// --- Async get (spec §4.5.3) ---

// GetPropertyValuesAsync dispatches one backend.GetAsync call for the
// whole batch, sharing timeoutMs as each request's deadline.
func (ps *PropertyService) GetPropertyValuesAsync(reqs []Request, timeoutMs int64, clientID uint64, cb ResultCallback) error {
	if len(reqs) == 0 {
		return nil
	}
	deadline := ps.now().Add(time.Duration(timeoutMs) * time.Millisecond)

	ps.mu.Lock()
	batch := make([]backend.AsyncRequest, 0, len(reqs))
	entries := make([]*reqpool.Entry, 0, len(reqs))
	for _, r := range reqs {
		id := ps.mintIDLocked()
		ps.pending[id] = &request{
			id: id, kind: kindGet, managerReqID: r.ManagerRequestID, clientID: clientID,
			cb: cb, propID: r.PropID, areaID: r.AreaID, deadline: deadline,
		}
		entries = append(entries, &reqpool.Entry{ID: id, TimeoutAt: deadline})
		batch = append(batch, backend.AsyncRequest{RequestID: id, Value: propmodel.PropertyValue{PropID: r.PropID, AreaID: r.AreaID}})
	}
	ps.pool.Add(entries...)
	ps.reportGaugesLocked()
	ps.mu.Unlock()

	return ps.be.GetAsync(batch, ps.onGetAsyncResults)
}

func (ps *PropertyService) onGetAsyncResults(results []backend.AsyncResult) {
	for _, res := range results {
		ps.handleGetResult(res)
	}
}

func (ps *PropertyService) handleGetResult(res backend.AsyncResult) {
	ps.mu.Lock()
	rec, ok := ps.pending[res.RequestID]
	if ok {
		delete(ps.pending, res.RequestID)
	}
	ps.mu.Unlock()
	if !ok {
		return
	}
	ps.pool.Remove(res.RequestID)

	if res.Err != nil {
		var berr *backend.Error
		if errors.As(res.Err, &berr) && berr.Status == backend.StatusTryAgain {
			ps.retryGet(rec)
			return
		}
		code, vendor := translateError(res.Err)
		rec.cb(Result{ManagerRequestID: rec.managerReqID, Kind: ResultError, CarErrorCode: code, VendorErrorCode: vendor})
		return
	}

	switch res.Value.Status {
	case propmodel.StatusUnavailable:
		code, vendor := translateError(&backend.Error{Status: backend.StatusNotAvailable})
		rec.cb(Result{ManagerRequestID: rec.managerReqID, Kind: ResultError, CarErrorCode: code, VendorErrorCode: vendor})
	case propmodel.StatusAvailable:
		rec.cb(Result{ManagerRequestID: rec.managerReqID, Kind: ResultGetOK, Value: res.Value})
	default:
		ps.log.Errorw("get_async returned neither AVAILABLE nor UNAVAILABLE", "propId", rec.propID, "status", res.Value.Status)
		rec.cb(Result{ManagerRequestID: rec.managerReqID, Kind: ResultError, CarErrorCode: ErrUnknown})
	}
}

func (ps *PropertyService) retryGet(rec *request) {
	if !ps.now().Before(rec.deadline) {
		if ps.mtr != nil {
			ps.mtr.GetTimeouts.Inc()
		}
		rec.cb(Result{ManagerRequestID: rec.managerReqID, Kind: ResultError, CarErrorCode: ErrTimeout})
		return
	}
	if ps.mtr != nil {
		ps.mtr.GetRetries.Inc()
	}
	ps.afterFunc(getRetryDelay, func() { ps.doRetryGet(rec) })
}

func (ps *PropertyService) doRetryGet(rec *request) {
	if !ps.now().Before(rec.deadline) {
		rec.cb(Result{ManagerRequestID: rec.managerReqID, Kind: ResultError, CarErrorCode: ErrTimeout})
		return
	}

	ps.mu.Lock()
	newID := ps.mintIDLocked()
	rec.id = newID
	ps.pending[newID] = rec
	ps.pool.Add(&reqpool.Entry{ID: newID, TimeoutAt: rec.deadline})
	ps.mu.Unlock()

	batch := []backend.AsyncRequest{{RequestID: newID, Value: propmodel.PropertyValue{PropID: rec.propID, AreaID: rec.areaID}}}
	if err := ps.be.GetAsync(batch, ps.onGetAsyncResults); err != nil {
		ps.mu.Lock()
		ps.removeRecordLocked(rec)
		ps.mu.Unlock()
		ps.pool.Remove(newID)
		code, vendor := translateError(err)
		rec.cb(Result{ManagerRequestID: rec.managerReqID, Kind: ResultError, CarErrorCode: code, VendorErrorCode: vendor})
	}
}

// --- Async set with wait-for-update (spec §4.5.4) ---

// SetPropertyValuesAsync starts one SET (and, when requested, its
// companion GET_INITIAL_VALUE_FOR_SET) per request in reqs.
func (ps *PropertyService) SetPropertyValuesAsync(reqs []Request, timeoutMs int64, clientID uint64, cb ResultCallback) error {
	deadline := ps.now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for _, r := range reqs {
		if r.Value == nil {
			cb(Result{ManagerRequestID: r.ManagerRequestID, Kind: ResultError, CarErrorCode: ErrInvalidArg})
			continue
		}
		if err := ps.startSet(r, deadline, clientID, cb); err != nil {
			return err
		}
	}
	return nil
}

func (ps *PropertyService) startSet(r Request, deadline time.Time, clientID uint64, cb ResultCallback) error {
	cfg, ok := ps.h.Config(r.PropID)
	if !ok {
		cb(Result{ManagerRequestID: r.ManagerRequestID, Kind: ResultError, CarErrorCode: ErrInvalidArg})
		return nil
	}
	waitForUpdate := r.WaitForPropertyUpdate

	ps.mu.Lock()
	setID := ps.mintIDLocked()
	setRec := &request{
		id: setID, kind: kindSet, managerReqID: r.ManagerRequestID, clientID: clientID, cb: cb,
		propID: r.PropID, areaID: r.Value.AreaID, target: *r.Value,
		waitForUpdate: waitForUpdate, deadline: deadline,
	}
	ps.pending[setID] = setRec
	ps.pool.Add(&reqpool.Entry{ID: setID, TimeoutAt: deadline})

	var getID uint64
	if waitForUpdate {
		rate := cfg.ClampRate(r.UpdateRateHz)
		setRec.updateRateHz = rate

		getID = ps.mintIDLocked()
		ps.pending[getID] = &request{
			id: getID, kind: kindGetInitialValueForSet, clientID: clientID,
			propID: r.PropID, areaID: r.Value.AreaID, target: *r.Value,
			linkedID: setID, deadline: deadline,
		}
		ps.pool.Add(&reqpool.Entry{ID: getID, TimeoutAt: deadline})
		setRec.linkedID = getID

		if ps.waiters[r.PropID] == nil {
			ps.waiters[r.PropID] = make(map[uint64]*request)
		}
		ps.waiters[r.PropID][setID] = setRec
	}
	ps.reportGaugesLocked()
	ps.mu.Unlock()

	if waitForUpdate {
		if err := ps.recomputeRate(r.PropID); err != nil {
			ps.mu.Lock()
			ps.removeRecordLocked(setRec)
			ps.mu.Unlock()
			ps.pool.Remove(setID)
			ps.pool.Remove(getID)
			code, vendor := translateError(err)
			cb(Result{ManagerRequestID: r.ManagerRequestID, Kind: ResultError, CarErrorCode: code, VendorErrorCode: vendor})
			return nil
		}

		getBatch := []backend.AsyncRequest{{RequestID: getID, Value: propmodel.PropertyValue{PropID: r.PropID, AreaID: r.Value.AreaID}}}
		if err := ps.be.GetAsync(getBatch, ps.onGetInitialValueResults); err != nil {
			ps.log.Warnf("initial-value get dispatch failed for prop %d: %v", r.PropID, err)
		}
	}

	setBatch := []backend.AsyncRequest{{RequestID: setID, Value: *r.Value}}
	return ps.be.SetAsync(setBatch, ps.onSetAsyncResults)
}

func (ps *PropertyService) onSetAsyncResults(results []backend.AsyncResult) {
	for _, res := range results {
		ps.handleSetResult(res)
	}
}

func (ps *PropertyService) handleSetResult(res backend.AsyncResult) {
	ps.mu.Lock()
	rec, ok := ps.pending[res.RequestID]
	ps.mu.Unlock()
	if !ok || rec.kind != kindSet {
		return
	}

	if res.Err != nil {
		var berr *backend.Error
		if errors.As(res.Err, &berr) && berr.Status == backend.StatusTryAgain {
			ps.retrySet(rec)
			return
		}
		ps.failSet(rec, res.Err)
		return
	}

	ps.mu.Lock()
	rec.setRequestSent = true
	complete := !rec.waitForUpdate || rec.valueUpdated
	var ts int64
	if complete {
		if rec.waitForUpdate {
			ts = rec.updateTimestamp
		} else {
			ts = ps.now().UnixNano()
		}
		ps.removeRecordLocked(rec)
	}
	ps.mu.Unlock()

	if !complete {
		return
	}
	ps.pool.Remove(rec.id)
	rec.cb(Result{ManagerRequestID: rec.managerReqID, Kind: ResultSetOK, UpdateTimestampNanos: ts})
	if rec.waitForUpdate {
		if err := ps.recomputeRate(rec.propID); err != nil {
			ps.log.Warnf("rate recompute after set ack for prop %d: %v", rec.propID, err)
		}
	}
}

func (ps *PropertyService) failSet(rec *request, err error) {
	ps.mu.Lock()
	ps.removeRecordLocked(rec)
	ps.mu.Unlock()

	ps.pool.Remove(rec.id)
	if rec.linkedID != 0 {
		ps.pool.Remove(rec.linkedID)
		if cerr := ps.be.Cancel([]uint64{rec.linkedID}); cerr != nil {
			ps.log.Warnf("cancel companion get %d: %v", rec.linkedID, cerr)
		}
	}
	code, vendor := translateError(err)
	rec.cb(Result{ManagerRequestID: rec.managerReqID, Kind: ResultError, CarErrorCode: code, VendorErrorCode: vendor})
	if rec.waitForUpdate {
		if rerr := ps.recomputeRate(rec.propID); rerr != nil {
			ps.log.Warnf("rate recompute after set failure for prop %d: %v", rec.propID, rerr)
		}
	}
}

func (ps *PropertyService) retrySet(rec *request) {
	if !ps.now().Before(rec.deadline) {
		ps.timeoutSet(rec)
		return
	}
	if ps.mtr != nil {
		ps.mtr.SetRetries.Inc()
	}
	ps.afterFunc(setRetryDelay, func() { ps.doRetrySet(rec) })
}

func (ps *PropertyService) doRetrySet(rec *request) {
	if !ps.now().Before(rec.deadline) {
		ps.timeoutSet(rec)
		return
	}

	ps.mu.Lock()
	oldID := rec.id
	delete(ps.pending, oldID)
	newID := ps.mintIDLocked()
	rec.id = newID
	ps.pending[newID] = rec
	if w, ok := ps.waiters[rec.propID]; ok {
		if _, present := w[oldID]; present {
			delete(w, oldID)
			w[newID] = rec
		}
	}
	if rec.linkedID != 0 {
		if getRec, ok := ps.pending[rec.linkedID]; ok {
			getRec.linkedID = newID
		}
	}
	ps.pool.Add(&reqpool.Entry{ID: newID, TimeoutAt: rec.deadline})
	ps.mu.Unlock()

	batch := []backend.AsyncRequest{{RequestID: newID, Value: rec.target}}
	if err := ps.be.SetAsync(batch, ps.onSetAsyncResults); err != nil {
		ps.failSet(rec, err)
	}
}

func (ps *PropertyService) timeoutSet(rec *request) {
	ps.mu.Lock()
	_, stillPending := ps.pending[rec.id]
	if stillPending {
		ps.removeRecordLocked(rec)
	}
	ps.mu.Unlock()
	if !stillPending {
		return
	}

	ps.pool.Remove(rec.id)
	if rec.linkedID != 0 {
		ps.pool.Remove(rec.linkedID)
		if err := ps.be.Cancel([]uint64{rec.linkedID}); err != nil {
			ps.log.Warnf("cancel companion get %d on timeout: %v", rec.linkedID, err)
		}
	}
	if ps.mtr != nil {
		ps.mtr.SetTimeouts.Inc()
	}
	rec.cb(Result{ManagerRequestID: rec.managerReqID, Kind: ResultError, CarErrorCode: ErrTimeout})
	if rec.waitForUpdate {
		if err := ps.recomputeRate(rec.propID); err != nil {
			ps.log.Warnf("rate recompute after set timeout for prop %d: %v", rec.propID, err)
		}
	}
}

func (ps *PropertyService) onGetInitialValueResults(results []backend.AsyncResult) {
	for _, res := range results {
		ps.handleInitialValueResult(res)
	}
}

// handleInitialValueResult implements spec §4.5.4's "On
// GET_INITIAL_VALUE_FOR_SET callback" rules: a matching value completes
// the linked SET immediately, even if the SET callback hasn't returned
// yet; a non-matching value, an error, or a SET that already completed
// via another path is a silent no-op.
func (ps *PropertyService) handleInitialValueResult(res backend.AsyncResult) {
	ps.mu.Lock()
	getRec, ok := ps.pending[res.RequestID]
	if ok {
		delete(ps.pending, res.RequestID)
	}
	ps.mu.Unlock()
	if !ok || getRec.kind != kindGetInitialValueForSet {
		return
	}
	ps.pool.Remove(getRec.id)

	if res.Err != nil {
		ps.log.Debugf("initial-value-for-set %d failed, discarding: %v", res.RequestID, res.Err)
		return
	}
	if !getRec.target.Value.Equal(res.Value.Value) {
		return
	}

	ps.mu.Lock()
	setRec, setPending := ps.pending[getRec.linkedID]
	if setPending {
		ps.removeRecordLocked(setRec)
	}
	ps.mu.Unlock()
	if !setPending {
		return
	}

	ps.pool.Remove(setRec.id)
	setRec.cb(Result{ManagerRequestID: setRec.managerReqID, Kind: ResultSetOK, UpdateTimestampNanos: res.Value.Timestamp})
	if err := ps.recomputeRate(setRec.propID); err != nil {
		ps.log.Warnf("rate recompute after initial-value completion for prop %d: %v", setRec.propID, err)
	}
}

func (ps *PropertyService) onPoolTimeout(ids []uint64) {
	for _, id := range ids {
		ps.handleTimeout(id)
	}
}

func (ps *PropertyService) handleTimeout(id uint64) {
	ps.mu.Lock()
	rec, ok := ps.pending[id]
	if ok {
		if rec.kind == kindGetInitialValueForSet {
			// Drop only the companion; its SET keeps its own timeout.
			delete(ps.pending, id)
		} else {
			ps.removeRecordLocked(rec)
		}
	}
	ps.mu.Unlock()
	if !ok {
		return
	}

	switch rec.kind {
	case kindGetInitialValueForSet:
		return
	case kindGet:
		if ps.mtr != nil {
			ps.mtr.GetTimeouts.Inc()
		}
		rec.cb(Result{ManagerRequestID: rec.managerReqID, Kind: ResultError, CarErrorCode: ErrTimeout})
	case kindSet:
		if rec.linkedID != 0 {
			ps.pool.Remove(rec.linkedID)
			if err := ps.be.Cancel([]uint64{rec.linkedID}); err != nil {
				ps.log.Warnf("cancel companion get %d on timeout: %v", rec.linkedID, err)
			}
		}
		if ps.mtr != nil {
			ps.mtr.SetTimeouts.Inc()
		}
		rec.cb(Result{ManagerRequestID: rec.managerReqID, Kind: ResultError, CarErrorCode: ErrTimeout})
		if rec.waitForUpdate {
			if err := ps.recomputeRate(rec.propID); err != nil {
				ps.log.Warnf("rate recompute after set timeout for prop %d: %v", rec.propID, err)
			}
		}
	}
}

// --- Cancellation and client lifecycle (spec §5) ---

// CancelRequests cancels every pending GET/SET issued by clientID whose
// ManagerRequestID is in ids. GET_INITIAL_VALUE_FOR_SET records are never
// matched directly; they are cancelled implicitly via their paired SET.
func (ps *PropertyService) CancelRequests(clientID uint64, ids []uint64) {
	want := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	var toCancel []*request
	ps.mu.Lock()
	for _, rec := range ps.pending {
		if rec.kind == kindGetInitialValueForSet {
			continue
		}
		if rec.clientID == clientID && want[rec.managerReqID] {
			toCancel = append(toCancel, rec)
		}
	}
	for _, rec := range toCancel {
		ps.removeRecordLocked(rec)
	}
	ps.mu.Unlock()

	ps.finishCancel(toCancel)
}

// ClientDisconnected cancels every pending request (GET, SET, and
// companion GET_INITIAL_VALUE_FOR_SET) tied to clientID (spec §5
// "client-channel-death notification").
func (ps *PropertyService) ClientDisconnected(clientID uint64) {
	var toCancel []*request
	ps.mu.Lock()
	for _, rec := range ps.pending {
		if rec.clientID == clientID {
			toCancel = append(toCancel, rec)
		}
	}
	for _, rec := range toCancel {
		ps.removeRecordLocked(rec)
	}
	ps.mu.Unlock()

	ps.finishCancel(toCancel)
}

func (ps *PropertyService) finishCancel(cancelled []*request) {
	recompute := make(map[propmodel.PropertyID]bool)
	seen := make(map[uint64]bool)
	var backendIDs []uint64
	for _, rec := range cancelled {
		if !seen[rec.id] {
			seen[rec.id] = true
			backendIDs = append(backendIDs, rec.id)
			ps.pool.Remove(rec.id)
		}
		if rec.kind == kindSet && rec.linkedID != 0 && !seen[rec.linkedID] {
			seen[rec.linkedID] = true
			backendIDs = append(backendIDs, rec.linkedID)
			ps.pool.Remove(rec.linkedID)
		}
		if rec.kind == kindSet {
			recompute[rec.propID] = true
		}
	}
	if len(backendIDs) > 0 {
		if err := ps.be.Cancel(backendIDs); err != nil {
			ps.log.Warnf("cancel backend requests: %v", err)
		}
	}
	for propID := range recompute {
		if err := ps.recomputeRate(propID); err != nil {
			ps.log.Warnf("rate recompute after cancel for prop %d: %v", propID, err)
		}
	}
}

// --- External subscription (spec §4.5.1) ---

// SubscribeProperty installs or updates the external subscription for
// propID at rateHz. There is one external subscription per property: a
// later call replaces the earlier rate, callers are not counted, and a
// single UnsubscribeProperty removes it.
func (ps *PropertyService) SubscribeProperty(propID propmodel.PropertyID, rateHz float32) error {
	if rateHz < 0 {
		return fmt.Errorf("%w: negative updateRateHz", brokererr.ErrArgument)
	}
	cfg, ok := ps.h.Config(propID)
	if !ok {
		return fmt.Errorf("%w: unknown property %d", brokererr.ErrArgument, propID)
	}
	rate := cfg.ClampRate(rateHz)

	ps.mu.Lock()
	ps.externalSub[propID] = rate
	ps.mu.Unlock()

	return ps.recomputeRate(propID)
}

// UnsubscribeProperty removes the external subscription for propID.
func (ps *PropertyService) UnsubscribeProperty(propID propmodel.PropertyID) error {
	ps.mu.Lock()
	delete(ps.externalSub, propID)
	ps.mu.Unlock()

	return ps.recomputeRate(propID)
}

// --- Synchronous passthrough ---

// GetPropertySync performs a synchronous read through the Hub.
func (ps *PropertyService) GetPropertySync(propID propmodel.PropertyID, areaID propmodel.AreaID) (propmodel.PropertyValue, error) {
	return ps.h.Get(propID, areaID)
}

// SetPropertySync performs a synchronous write through the Hub.
func (ps *PropertyService) SetPropertySync(value propmodel.PropertyValue) error {
	return ps.h.Set(value)
}

// --- hub.Service ---

func (ps *PropertyService) Name() string { return "propertyservice" }

// SupportedProperties returns nil: the PropertyService claims whatever no
// domain-specific service claimed first (spec §4.3 step 3).
func (ps *PropertyService) SupportedProperties() []propmodel.PropertyID { return nil }

func (ps *PropertyService) TakeProperties(owned map[propmodel.PropertyID]propmodel.PropertyConfig) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.owned = owned
}

func (ps *PropertyService) Init() error { return nil }

func (ps *PropertyService) Shutdown() {
	ps.mu.Lock()
	pending := make([]*request, 0, len(ps.pending))
	for _, rec := range ps.pending {
		pending = append(pending, rec)
	}
	ps.pending = make(map[uint64]*request)
	ps.waiters = make(map[propmodel.PropertyID]map[uint64]*request)
	ps.externalSub = make(map[propmodel.PropertyID]float32)
	ps.mu.Unlock()

	for _, rec := range pending {
		ps.pool.Remove(rec.id)
	}
}

// OnEvents implements the property-update half of the wait-for-update
// protocol (spec §4.5.4 "On property-update event") and forwards every
// event to the listener.
func (ps *PropertyService) OnEvents(batch []propmodel.PropertyValue) {
	var completed []*request
	recompute := make(map[propmodel.PropertyID]bool)

	ps.mu.Lock()
	for _, v := range batch {
		for _, w := range ps.waiters[v.PropID] {
			if w.areaID != v.AreaID {
				continue
			}
			if !w.valueUpdated && w.target.Value.Equal(v.Value) {
				w.valueUpdated = true
				w.updateTimestamp = v.Timestamp
			}
			if w.valueUpdated && w.setRequestSent {
				completed = append(completed, w)
			}
		}
	}
	for _, w := range completed {
		ps.removeRecordLocked(w)
		recompute[w.propID] = true
	}
	ps.mu.Unlock()

	for _, w := range completed {
		ps.pool.Remove(w.id)
		if w.linkedID != 0 {
			ps.pool.Remove(w.linkedID)
		}
		w.cb(Result{ManagerRequestID: w.managerReqID, Kind: ResultSetOK, UpdateTimestampNanos: w.updateTimestamp})
	}
	for propID := range recompute {
		if err := ps.recomputeRate(propID); err != nil {
			ps.log.Warnf("rate recompute after set completion for prop %d: %v", propID, err)
		}
	}

	ps.mu.Lock()
	listener := ps.listener
	ps.mu.Unlock()
	if listener != nil {
		for _, v := range batch {
			listener.OnPropertyChange(v)
		}
	}
}

// OnSetError implements spec §4.5.4's "On set-property-error from the
// backend" rule and forwards every error to the listener.
func (ps *PropertyService) OnSetError(errs []backend.SetError) {
	type failure struct {
		rec *request
		err *backend.Error
	}
	var failures []failure

	ps.mu.Lock()
	for _, e := range errs {
		for _, w := range ps.waiters[e.PropID] {
			if w.areaID == e.AreaID {
				failures = append(failures, failure{rec: w, err: e.Err})
			}
		}
	}
	for _, f := range failures {
		ps.removeRecordLocked(f.rec)
	}
	ps.mu.Unlock()

	recompute := make(map[propmodel.PropertyID]bool)
	for _, f := range failures {
		ps.pool.Remove(f.rec.id)
		if f.rec.linkedID != 0 {
			ps.pool.Remove(f.rec.linkedID)
		}
		code, vendor := translateError(f.err)
		f.rec.cb(Result{ManagerRequestID: f.rec.managerReqID, Kind: ResultError, CarErrorCode: code, VendorErrorCode: vendor})
		recompute[f.rec.propID] = true
	}
	for propID := range recompute {
		if err := ps.recomputeRate(propID); err != nil {
			ps.log.Warnf("rate recompute after set-error for prop %d: %v", propID, err)
		}
	}

	ps.mu.Lock()
	listener := ps.listener
	ps.mu.Unlock()
	if listener != nil {
		for _, e := range errs {
			code, _ := translateError(e.Err)
			listener.OnPropertySetError(e.PropID, e.AreaID, code)
		}
	}
}

