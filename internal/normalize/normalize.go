// Package normalize implements the Normalizer: a pure,
// stateless transform from an arbitrary record emitted by a CAD parser to
// a types.CanonicalEntity. Grounded on the original Python
// LibreDWGTransformer's rule set (coordinate flattening, decimal rounding,
// encoding ladder, map flattening) translated into idiomatic Go.
package normalize

import (
	"encoding/json"
	"math"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"github.com/cadgraph-io/ingest/internal/ingesterrors"
	"github.com/cadgraph-io/ingest/internal/types"
)

// kindByCode translates DWG numeric object-type codes to canonical kind
// names.
var kindByCode = map[int64]types.EntityKind{
	1:  types.KindText,
	7:  types.KindInsert,
	21: types.KindArc,
	22: types.KindCircle,
	23: types.KindLine,
	44: types.KindMText,
	77: types.KindLWPolyline,
}

// kindByName canonicalizes the free-form "type"/"kind"/"object"/"entity"
// string field a parser may populate instead of a numeric code.
var kindByName = map[string]types.EntityKind{
	"LINE":        types.KindLine,
	"LWPOLYLINE":  types.KindLWPolyline,
	"POLYLINE_2D": types.KindLWPolyline,
	"CIRCLE":      types.KindCircle,
	"ARC":         types.KindArc,
	"TEXT":        types.KindText,
	"MTEXT":       types.KindMText,
	"ATTRIB":      types.KindAttrib,
	"ATTDEF":      types.KindAttdef,
	"MULTILEADER": types.KindMultiLeader,
	"INSERT":      types.KindInsert,
	"SCALE_INFO":  types.KindScaleInfo,
}

const maxCoordinatePrecision = 6

// Stats accumulates per-entity outcomes across a Normalize run. Per-entity
// failures are counted here, never surfaced as an error ("must
// not abort the stream").
type Stats struct {
	Processed int
	Dropped   int
	Warnings  []ingesterrors.Warning
}

func (s *Stats) warn(reason string) {
	s.Dropped++
	s.Warnings = append(s.Warnings, ingesterrors.Warning{Stage: "normalize", Reason: reason})
}

// Normalizer canonicalizes raw parser records. It holds no state between
// calls; the zero value is ready to use.
type Normalizer struct{}

// New returns a ready-to-use Normalizer.
func New() *Normalizer { return &Normalizer{} }

// Normalize converts one raw record into a CanonicalEntity. It returns
// ok=false (never an error) when the record cannot be meaningfully
// canonicalized; the drop is already counted in stats when it returns.
func (n *Normalizer) Normalize(raw map[string]any, stats *Stats) (types.CanonicalEntity, bool) {
	if raw == nil {
		stats.warn("nil record")
		return types.CanonicalEntity{}, false
	}

	kind, ok := n.resolveKind(raw)
	if !ok {
		stats.warn("unrecognized or missing entity kind")
		return types.CanonicalEntity{}, false
	}

	layer := "0"
	if l, ok := rawString(raw["layer"]); ok && strings.TrimSpace(l) != "" {
		layer = l
	}

	attrs := make(map[string]any)
	for key, val := range raw {
		if key == "kind" || key == "type" || key == "object" || key == "entity" || key == "layer" {
			continue
		}
		n.normalizeInto(attrs, sanitizeKey(key), val, stats)
	}
	applyClosedFlag(attrs, raw)

	stats.Processed++
	return types.CanonicalEntity{Kind: kind, Layer: layer, Attributes: attrs}, true
}

// applyClosedFlag derives is_closed from bit 0 of the polyline flags field,
// carried by the parser as either "flag" or "flags", when the record didn't
// already supply an explicit is_closed boolean.
func applyClosedFlag(attrs map[string]any, raw map[string]any) {
	if _, ok := attrs["is_closed"].(bool); ok {
		return
	}
	for _, key := range []string{"flag", "flags"} {
		if f, ok := numericValue(raw[key]); ok {
			attrs["is_closed"] = int64(f)&1 == 1
			return
		}
	}
}

// resolveKind maps whichever kind-bearing field the parser populated
// (numeric type code, or one of "kind"/"type"/"object"/"entity" strings)
// to a canonical EntityKind.
func (n *Normalizer) resolveKind(raw map[string]any) (types.EntityKind, bool) {
	for _, key := range []string{"kind", "type", "object", "entity"} {
		v, present := raw[key]
		if !present {
			continue
		}
		switch t := v.(type) {
		case string:
			if k, ok := kindByName[strings.ToUpper(strings.TrimSpace(t))]; ok {
				return k, true
			}
		case float64:
			if k, ok := kindByCode[int64(t)]; ok {
				return k, true
			}
		case int64:
			if k, ok := kindByCode[t]; ok {
				return k, true
			}
		case int:
			if k, ok := kindByCode[int64(t)]; ok {
				return k, true
			}
		}
	}
	return "", false
}

// normalizeInto normalizes a single raw field and writes one or more flat
// entries into attrs, applying rules 1-5.
func (n *Normalizer) normalizeInto(attrs map[string]any, key string, val any, stats *Stats) {
	switch v := val.(type) {
	case nil:
		return
	case bool:
		attrs[key] = v
	case string:
		attrs[key] = v
	case []byte:
		attrs[key] = decodeBytes(v)
	case float64:
		attrs[key] = normalizeNumber(v)
	case int:
		attrs[key] = int64(v)
	case int64:
		attrs[key] = v
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			stats.warn("unparsable numeric field " + key)
			return
		}
		attrs[key] = normalizeNumber(f)
	case map[string]any:
		flattenMapInto(attrs, key, v, stats)
	case []any:
		normalizeArrayInto(attrs, key, v, stats)
	default:
		stats.warn("unsupported field type for " + key)
	}
}

// normalizeNumber rounds to 6 fractional digits and collapses
// integer-valued floats within 2^53 to an integer.
func normalizeNumber(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0.0
	}
	rounded := roundTo(f, maxCoordinatePrecision)
	if rounded == math.Trunc(rounded) && math.Abs(rounded) < (1<<53) {
		return int64(rounded)
	}
	return rounded
}

func roundTo(f float64, digits int) float64 {
	pow := math.Pow(10, float64(digits))
	return math.Round(f*pow) / pow
}

// flattenMapInto handles rules 4-5: a nested record (or opaque
// "Map" object, indistinguishable in Go from a map[string]any) is flattened
// by prefixing the outer key; coordinate-shaped nested maps ({x,y[,z]})
// become a types.Coordinate instead.
func flattenMapInto(attrs map[string]any, prefix string, m map[string]any, stats *Stats) {
	if c, ok := coordinateFromMap(m); ok {
		attrs[prefix] = c
		return
	}
	if len(m) == 0 {
		attrs[prefix] = "{}"
		return
	}
	n := &Normalizer{}
	for k, v := range m {
		flatKey := prefix + "_" + sanitizeKey(k)
		// normalizeInto already recurses into nested maps/arrays,
		// flattening further or falling back to a JSON string; reusing it
		// here keeps one flattening rule for every nesting depth.
		n.normalizeInto(attrs, flatKey, v, stats)
	}
}

// coordinateFromMap recognizes a {"x":..,"y":..,"z":..} shaped map as a
// coordinate, the map-encoded variant of a coordinate array.
func coordinateFromMap(m map[string]any) (types.Coordinate, bool) {
	x, xok := numericValue(m["x"])
	y, yok := numericValue(m["y"])
	if !xok || !yok {
		return types.Coordinate{}, false
	}
	z, _ := numericValue(m["z"])
	return types.Coordinate{X: x, Y: y, Z: z}, true
}

// normalizeArrayInto handles coordinate arrays, arrays-of-coordinate-arrays,
// and the homogeneous-scalar-array case.
func normalizeArrayInto(attrs map[string]any, key string, arr []any, stats *Stats) {
	if len(arr) == 0 {
		attrs[key] = []string{}
		return
	}

	if c, ok := coordinateFromSlice(arr); ok {
		attrs[key] = c
		return
	}

	if coords, ok := coordinateSliceFromSlice(arr); ok {
		attrs[key] = coords
		return
	}

	if homogeneous, ok := homogeneousScalars(arr); ok {
		attrs[key] = homogeneous
		return
	}

	// Mixed-type or record arrays: serialize as JSON. Residual nested
	// records are coerced to a string rather than dropped.
	if b, err := json.Marshal(arr); err == nil {
		attrs[key] = string(b)
		return
	}
	stats.warn("could not normalize array field " + key)
}

// coordinateFromSlice recognizes a length-2 or length-3 numeric array as a
// single coordinate.
func coordinateFromSlice(arr []any) (types.Coordinate, bool) {
	if len(arr) != 2 && len(arr) != 3 {
		return types.Coordinate{}, false
	}
	x, xok := numericValue(arr[0])
	y, yok := numericValue(arr[1])
	if !xok || !yok {
		return types.Coordinate{}, false
	}
	var z float64
	if len(arr) == 3 {
		var zok bool
		z, zok = numericValue(arr[2])
		if !zok {
			return types.Coordinate{}, false
		}
	}
	return types.Coordinate{X: x, Y: y, Z: z}, true
}

// coordinateSliceFromSlice recognizes an array-of-arrays (polyline points)
// and rewrites it to an array-of-coordinates.
func coordinateSliceFromSlice(arr []any) ([]types.Coordinate, bool) {
	out := make([]types.Coordinate, 0, len(arr))
	for _, item := range arr {
		inner, ok := item.([]any)
		if !ok {
			return nil, false
		}
		c, ok := coordinateFromSlice(inner)
		if !ok {
			return nil, false
		}
		out = append(out, c)
	}
	return out, true
}

// homogeneousScalars accepts an array only if every element is a scalar of
// the same Go type after normalization, matching the graph-safe-array
// rule.
func homogeneousScalars(arr []any) (any, bool) {
	normalizeNum := func(v any) (any, bool) {
		switch t := v.(type) {
		case float64:
			return normalizeNumber(t), true
		case int:
			return int64(t), true
		case int64:
			return t, true
		case json.Number:
			f, err := t.Float64()
			if err != nil {
				return nil, false
			}
			return normalizeNumber(f), true
		case string:
			return t, true
		case bool:
			return t, true
		case []byte:
			return decodeBytes(t), true
		default:
			return nil, false
		}
	}

	first, ok := normalizeNum(arr[0])
	if !ok {
		return nil, false
	}

	switch first.(type) {
	case int64:
		out := make([]int64, 0, len(arr))
		for _, v := range arr {
			n, ok := normalizeNum(v)
			if !ok {
				return nil, false
			}
			i, ok := n.(int64)
			if !ok {
				return nil, false
			}
			out = append(out, i)
		}
		return out, true
	case float64:
		out := make([]float64, 0, len(arr))
		for _, v := range arr {
			n, ok := normalizeNum(v)
			if !ok {
				return nil, false
			}
			f, ok := n.(float64)
			if !ok {
				return nil, false
			}
			out = append(out, f)
		}
		return out, true
	case string:
		out := make([]string, 0, len(arr))
		for _, v := range arr {
			n, ok := normalizeNum(v)
			if !ok {
				return nil, false
			}
			s, ok := n.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case bool:
		out := make([]bool, 0, len(arr))
		for _, v := range arr {
			n, ok := normalizeNum(v)
			if !ok {
				return nil, false
			}
			b, ok := n.(bool)
			if !ok {
				return nil, false
			}
			out = append(out, b)
		}
		return out, true
	}
	return nil, false
}

func numericValue(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

func rawString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return decodeBytes(t), true
	}
	return "", false
}

// sanitizeKey replaces '.' and ' ' with '_'.
func sanitizeKey(key string) string {
	key = strings.ReplaceAll(key, ".", "_")
	key = strings.ReplaceAll(key, " ", "_")
	return key
}

// decodeBytes applies the decode ladder: utf-8, then
// latin-1, then cp1252, then lossy utf-8 as a last resort. Go's []byte
// handling of valid UTF-8 is direct; the fallback decoders come from
// golang.org/x/text since the standard library carries no non-UTF-8
// decoders (see DESIGN.md).
func decodeBytes(b []byte) string {
	if isValidUTF8(b) {
		return string(b)
	}
	if s, err := charmap.ISO8859_1.NewDecoder().String(string(b)); err == nil {
		return s
	}
	if s, err := charmap.Windows1252.NewDecoder().String(string(b)); err == nil {
		return s
	}
	return strings.ToValidUTF8(string(b), "�")
}

func isValidUTF8(b []byte) bool {
	return strings.ToValidUTF8(string(b), "") == string(b)
}
