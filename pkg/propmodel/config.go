package propmodel

import "math"

// Access describes who may read/write a property or area.
type Access int

// The four access levels a property or area-config can declare.
const (
	AccessNone Access = iota
	AccessRead
	AccessWrite
	AccessReadWrite
)

// Readable reports whether a holds read access.
func (a Access) Readable() bool {
	return a == AccessRead || a == AccessReadWrite
}

// Writable reports whether a holds write access.
func (a Access) Writable() bool {
	return a == AccessWrite || a == AccessReadWrite
}

// ChangeMode describes how a property's value evolves.
type ChangeMode int

// The three change modes a PropertyConfig can declare.
const (
	ChangeStatic ChangeMode = iota
	ChangeOnChange
	ChangeContinuous
)

// AreaConfig is one area's configuration within a PropertyConfig: its own
// access (which inherits the property-level access when AccessNone), and
// optional numeric bounds.
type AreaConfig struct {
	AreaID  AreaID
	Access  Access
	MinInt  *int64
	MaxInt  *int64
	MinFloat *float32
	MaxFloat *float32
}

// PropertyConfig is the immutable, backend-supplied description of a single
// property, fetched once at Hub init (spec §3 Lifecycles).
type PropertyConfig struct {
	PropID         PropertyID
	Access         Access
	ChangeMode     ChangeMode
	AreaConfigs    []AreaConfig
	ConfigArray    []int32
	ConfigString   string
	MinSampleRateHz float32
	MaxSampleRateHz float32
}

// AreaIDs returns the area ids declared by the property's area-config list.
// An empty list means the property has no per-area structure.
func (c PropertyConfig) AreaIDs() []AreaID {
	ids := make([]AreaID, 0, len(c.AreaConfigs))
	for _, ac := range c.AreaConfigs {
		ids = append(ids, ac.AreaID)
	}
	return ids
}

// EffectiveAccess returns the access level that applies to a specific area,
// inheriting the property-level access when the area-config doesn't
// override it with something other than AccessNone (spec §4.3 step 2).
func (c PropertyConfig) EffectiveAccess(area AreaID) Access {
	for _, ac := range c.AreaConfigs {
		if ac.AreaID == area {
			if ac.Access == AccessNone {
				return c.Access
			}
			return ac.Access
		}
	}
	return c.Access
}

// RateInfo is the authoritative, per-(propId,areaId) subscription record
// the Hub maintains. A (propId,areaId) pair is "subscribed" iff it has a
// RateInfo entry (spec §3 Invariants).
type RateInfo struct {
	UpdateRateHz       float32
	VariableUpdateRate bool
	Resolution         float32
}

// rateTolerance is the fixed absolute tolerance used to compare
// UpdateRateHz values for equality when deciding whether a duplicate
// subscribe request is a no-op (spec §4.3, §9 Open Questions).
const rateTolerance = 1e-3

// Equal reports whether two RateInfo values are indistinguishable for the
// purpose of the Hub's "is this subscribe request a no-op" check: exact
// equality for VariableUpdateRate and Resolution, and a small absolute
// tolerance for UpdateRateHz. Do not widen the VUR/Resolution comparison
// (spec §9): if the backend's floats are not bit-reproducible, that's a
// backend bug to fix, not a tolerance to add here.
func (r RateInfo) Equal(o RateInfo) bool {
	return math.Abs(float64(r.UpdateRateHz-o.UpdateRateHz)) <= rateTolerance &&
		r.VariableUpdateRate == o.VariableUpdateRate &&
		r.Resolution == o.Resolution
}

// ClampRate clamps hz into [min,max] for the subset of properties that have
// nonzero bounds, and forces a zero rate on non-CONTINUOUS properties
// (spec §4.5.4 step 3: "force to the property's change-mode").
func (c PropertyConfig) ClampRate(hz float32) float32 {
	if c.ChangeMode != ChangeContinuous {
		return 0
	}
	if hz == 0 {
		hz = c.MaxSampleRateHz
	}
	if c.MinSampleRateHz != 0 && hz < c.MinSampleRateHz {
		hz = c.MinSampleRateHz
	}
	if c.MaxSampleRateHz != 0 && hz > c.MaxSampleRateHz {
		hz = c.MaxSampleRateHz
	}
	return hz
}
