// Package types defines the canonical entity and graph data shapes shared
// across the ingestion pipeline.
package types

// EntityKind names the canonical CAD entity kinds the Normalizer emits.
type EntityKind string

const (
	KindLine        EntityKind = "LINE"
	KindLWPolyline  EntityKind = "LWPOLYLINE"
	KindCircle      EntityKind = "CIRCLE"
	KindArc         EntityKind = "ARC"
	KindText        EntityKind = "TEXT"
	KindMText       EntityKind = "MTEXT"
	KindAttrib      EntityKind = "ATTRIB"
	KindAttdef      EntityKind = "ATTDEF"
	KindMultiLeader EntityKind = "MULTILEADER"
	KindInsert      EntityKind = "INSERT"
	KindScaleInfo   EntityKind = "SCALE_INFO"
)

// Coordinate is the canonical flattened {x,y,z} shape. Missing z defaults
// to 0.0 during normalization.
type Coordinate struct {
	X float64
	Y float64
	Z float64
}

// CanonicalEntity is the Normalizer's output: a tagged record with a flat
// attribute map. Attribute values are one of: bool, int64, float64, string,
// Coordinate, []Coordinate, or a homogeneous slice of one of the scalar
// types. No nested maps survive normalization.
type CanonicalEntity struct {
	Kind       EntityKind
	Layer      string
	Attributes map[string]any
}

// String returns a string attribute, or "" with ok=false if absent or not
// a string.
func (e CanonicalEntity) String(key string) (string, bool) {
	v, found := e.Attributes[key]
	if !found {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Float returns a float64 attribute, accepting an int64 for convenience.
func (e CanonicalEntity) Float(key string) (float64, bool) {
	v, found := e.Attributes[key]
	if !found {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Bool returns a bool attribute.
func (e CanonicalEntity) Bool(key string) (bool, bool) {
	v, found := e.Attributes[key]
	if !found {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Coord returns a Coordinate attribute.
func (e CanonicalEntity) Coord(key string) (Coordinate, bool) {
	v, found := e.Attributes[key]
	if !found {
		return Coordinate{}, false
	}
	c, ok := v.(Coordinate)
	return c, ok
}

// Coords returns a []Coordinate attribute (e.g. polyline points).
func (e CanonicalEntity) Coords(key string) ([]Coordinate, bool) {
	v, found := e.Attributes[key]
	if !found {
		return nil, false
	}
	c, ok := v.([]Coordinate)
	return c, ok
}
