package propmodel

import "fmt"

// Status reports the availability of a property value at the time it was
// read or delivered.
type Status int

// The three statuses a PropertyValue can carry.
const (
	StatusAvailable Status = iota
	StatusUnavailable
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusAvailable:
		return "AVAILABLE"
	case StatusUnavailable:
		return "UNAVAILABLE"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ValueType tags which variant of Payload is populated. It is derived from a
// property id's high bits by a domain service; this package only carries it
// alongside the value.
type ValueType int

// The payload variants a PropertyValue can carry.
const (
	TypeBool ValueType = iota
	TypeInt32
	TypeInt64
	TypeFloat
	TypeInt32Vec
	TypeInt64Vec
	TypeFloatVec
	TypeBytes
	TypeString
	TypeMixed
)

// MixedValue is the payload for TypeMixed: a property whose value spans more
// than one scalar/array kind at once.
type MixedValue struct {
	Int32Values []int32
	Int64Values []int64
	FloatValues []float32
	BytesValue  []byte
	StringValue string
}

// Payload is the tagged-union value carried by a PropertyValue. Exactly the
// fields matching Type are meaningful; accessors below enforce that.
type Payload struct {
	Type        ValueType
	BoolValue   bool
	Int32Values []int32
	Int64Values []int64
	FloatValues []float32
	BytesValue  []byte
	StringValue string
	Mixed       MixedValue
}

// ErrWrongType is returned by an accessor when the Payload's Type does not
// match what the caller asked for.
type ErrWrongType struct {
	Want, Have ValueType
}

func (e *ErrWrongType) Error() string {
	return fmt.Sprintf("propmodel: wrong value type: want %d, have %d", e.Want, e.Have)
}

// Int32At returns the payload's int32 value at index i.
func (p Payload) Int32At(i int) (int32, error) {
	if p.Type != TypeInt32 && p.Type != TypeInt32Vec {
		return 0, &ErrWrongType{Want: TypeInt32, Have: p.Type}
	}
	if i < 0 || i >= len(p.Int32Values) {
		return 0, fmt.Errorf("propmodel: index %d out of range (len %d)", i, len(p.Int32Values))
	}
	return p.Int32Values[i], nil
}

// Int64At returns the payload's int64 value at index i.
func (p Payload) Int64At(i int) (int64, error) {
	if p.Type != TypeInt64 && p.Type != TypeInt64Vec {
		return 0, &ErrWrongType{Want: TypeInt64, Have: p.Type}
	}
	if i < 0 || i >= len(p.Int64Values) {
		return 0, fmt.Errorf("propmodel: index %d out of range (len %d)", i, len(p.Int64Values))
	}
	return p.Int64Values[i], nil
}

// FloatAt returns the payload's float value at index i.
func (p Payload) FloatAt(i int) (float32, error) {
	if p.Type != TypeFloat && p.Type != TypeFloatVec {
		return 0, &ErrWrongType{Want: TypeFloat, Have: p.Type}
	}
	if i < 0 || i >= len(p.FloatValues) {
		return 0, fmt.Errorf("propmodel: index %d out of range (len %d)", i, len(p.FloatValues))
	}
	return p.FloatValues[i], nil
}

// Bool returns the payload's bool value.
func (p Payload) Bool() (bool, error) {
	if p.Type != TypeBool {
		return false, &ErrWrongType{Want: TypeBool, Have: p.Type}
	}
	return p.BoolValue, nil
}

// String returns the payload's string value.
func (p Payload) String() (string, error) {
	if p.Type != TypeString {
		return "", &ErrWrongType{Want: TypeString, Have: p.Type}
	}
	return p.StringValue, nil
}

// Bytes returns the payload's byte-array value.
func (p Payload) Bytes() ([]byte, error) {
	if p.Type != TypeBytes {
		return nil, &ErrWrongType{Want: TypeBytes, Have: p.Type}
	}
	return p.BytesValue, nil
}

// Equal reports structural equality of two payloads: same type tag and
// same contents. Used by the wait-for-property-update completion check
// (spec §4.5.4), which compares a delivered value against a set's target
// by structural equality.
func (p Payload) Equal(o Payload) bool {
	if p.Type != o.Type {
		return false
	}
	switch p.Type {
	case TypeBool:
		return p.BoolValue == o.BoolValue
	case TypeInt32, TypeInt32Vec:
		return int32SliceEqual(p.Int32Values, o.Int32Values)
	case TypeInt64, TypeInt64Vec:
		return int64SliceEqual(p.Int64Values, o.Int64Values)
	case TypeFloat, TypeFloatVec:
		return float32SliceEqual(p.FloatValues, o.FloatValues)
	case TypeBytes:
		return bytesEqual(p.BytesValue, o.BytesValue)
	case TypeString:
		return p.StringValue == o.StringValue
	case TypeMixed:
		return int32SliceEqual(p.Mixed.Int32Values, o.Mixed.Int32Values) &&
			int64SliceEqual(p.Mixed.Int64Values, o.Mixed.Int64Values) &&
			float32SliceEqual(p.Mixed.FloatValues, o.Mixed.FloatValues) &&
			bytesEqual(p.Mixed.BytesValue, o.Mixed.BytesValue) &&
			p.Mixed.StringValue == o.Mixed.StringValue
	default:
		return false
	}
}

func int32SliceEqual(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func int64SliceEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func float32SliceEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// PropertyValue is the tuple carried across get/set/subscribe: a property
// and area id, the time the value was captured, its availability, and its
// typed payload. Equality is structural over all fields (spec §3).
type PropertyValue struct {
	PropID    PropertyID
	AreaID    AreaID
	Timestamp int64 // nanoseconds
	Status    Status
	Value     Payload
}

// Equal reports whether two PropertyValues are structurally identical.
func (v PropertyValue) Equal(o PropertyValue) bool {
	return v.PropID == o.PropID &&
		v.AreaID == o.AreaID &&
		v.Timestamp == o.Timestamp &&
		v.Status == o.Status &&
		v.Value.Equal(o.Value)
}
