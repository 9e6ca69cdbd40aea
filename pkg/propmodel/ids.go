// Package propmodel defines the typed value and configuration model shared
// by the Hub and the PropertyService: property/area identifiers, the typed
// PropertyValue payload, PropertyConfig, and the per-(propId,areaId) RateInfo
// subscription record.
package propmodel

// PropertyID identifies a property in the backend's flat namespace. The high
// bits encode a type tag, group, and area-type; the low bits are an opaque
// identifier. This package never interprets those bits itself -- that's the
// domain services' job, including deriving a payload's ValueType.
type PropertyID int32

// AreaID identifies a physical sub-location within a property's area-type.
// Zero denotes the global, non-zoned area. Non-zero values are bitmasks of
// physical zones for zoned properties.
type AreaID int32

// GlobalArea is the AreaID used for properties with no zone structure.
const GlobalArea AreaID = 0

// PropArea pairs a PropertyID with an AreaID -- the unit of subscription,
// ownership, and access control throughout the Hub.
type PropArea struct {
	PropID PropertyID
	AreaID AreaID
}
