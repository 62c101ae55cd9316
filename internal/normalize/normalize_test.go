package normalize

import (
	"testing"

	"github.com/cadgraph-io/ingest/internal/types"
)

func TestNormalizeLineCoordinates(t *testing.T) {
	n := New()
	stats := &Stats{}

	raw := map[string]any{
		"type":  "LINE",
		"start": []any{0.0, 0.0},
		"end":   []any{10.0, 0.0},
		"layer": "W",
	}

	entity, ok := n.Normalize(raw, stats)
	if !ok {
		t.Fatalf("expected Normalize to succeed")
	}
	if entity.Kind != types.KindLine {
		t.Errorf("Kind = %v, want LINE", entity.Kind)
	}
	if entity.Layer != "W" {
		t.Errorf("Layer = %q, want W", entity.Layer)
	}
	start, ok := entity.Coord("start")
	if !ok {
		t.Fatalf("expected start to be a Coordinate")
	}
	if start != (types.Coordinate{X: 0, Y: 0, Z: 0}) {
		t.Errorf("start = %+v, want {0 0 0}", start)
	}
	end, ok := entity.Coord("end")
	if !ok || end != (types.Coordinate{X: 10, Y: 0, Z: 0}) {
		t.Errorf("end = %+v, want {10 0 0}", end)
	}
	if stats.Dropped != 0 {
		t.Errorf("unexpected drops: %v", stats.Warnings)
	}
}

func TestNormalizeNumericKindCode(t *testing.T) {
	n := New()
	stats := &Stats{}

	raw := map[string]any{
		"type":   23.0, // numeric code for LINE
		"start":  []any{1.0, 2.0, 3.0},
		"end":    []any{4.0, 5.0, 6.0},
	}

	entity, ok := n.Normalize(raw, stats)
	if !ok {
		t.Fatalf("expected Normalize to succeed, warnings: %v", stats.Warnings)
	}
	if entity.Kind != types.KindLine {
		t.Errorf("Kind = %v, want LINE", entity.Kind)
	}
	if entity.Layer != "0" {
		t.Errorf("missing layer should default to 0, got %q", entity.Layer)
	}
}

func TestNormalizePolylinePoints(t *testing.T) {
	n := New()
	stats := &Stats{}

	raw := map[string]any{
		"type":      "LWPOLYLINE",
		"points":    []any{[]any{0.0, 0.0}, []any{1.0, 0.0}, []any{1.0, 1.0}, []any{0.0, 1.0}},
		"is_closed": true,
	}

	entity, ok := n.Normalize(raw, stats)
	if !ok {
		t.Fatalf("expected Normalize to succeed")
	}
	points, ok := entity.Coords("points")
	if !ok {
		t.Fatalf("expected points to be []Coordinate")
	}
	if len(points) != 4 {
		t.Fatalf("len(points) = %d, want 4", len(points))
	}
	closed, ok := entity.Bool("is_closed")
	if !ok || !closed {
		t.Errorf("is_closed should be true")
	}
}

func TestNormalizePolylineClosedFromFlagBit(t *testing.T) {
	n := New()
	stats := &Stats{}

	raw := map[string]any{
		"type":   "LWPOLYLINE",
		"points": []any{[]any{0.0, 0.0}, []any{1.0, 0.0}, []any{1.0, 1.0}, []any{0.0, 1.0}},
		"flag":   1.0,
	}

	entity, ok := n.Normalize(raw, stats)
	if !ok {
		t.Fatalf("expected Normalize to succeed")
	}
	closed, ok := entity.Bool("is_closed")
	if !ok || !closed {
		t.Errorf("is_closed should be derived true from bit 0 of flag")
	}
}

func TestNormalizePolylineOpenFromFlagsBit(t *testing.T) {
	n := New()
	stats := &Stats{}

	raw := map[string]any{
		"type":   "LWPOLYLINE",
		"points": []any{[]any{0.0, 0.0}, []any{1.0, 0.0}},
		"flags":  2.0,
	}

	entity, ok := n.Normalize(raw, stats)
	if !ok {
		t.Fatalf("expected Normalize to succeed")
	}
	closed, ok := entity.Bool("is_closed")
	if !ok || closed {
		t.Errorf("is_closed should be derived false when bit 0 of flags is unset")
	}
}

func TestNormalizeDecimalRoundingAndIntCollapse(t *testing.T) {
	n := New()
	stats := &Stats{}

	raw := map[string]any{
		"type":     "CIRCLE",
		"center":   []any{0.0, 0.0},
		"radius":   12.1234567891,
		"segments": 8.0,
	}

	entity, ok := n.Normalize(raw, stats)
	if !ok {
		t.Fatalf("expected Normalize to succeed")
	}
	radius, ok := entity.Float("radius")
	if !ok {
		t.Fatalf("expected radius to be numeric")
	}
	if radius != 12.123457 {
		t.Errorf("radius = %v, want 12.123457 (rounded to 6 digits)", radius)
	}
	if v, ok := entity.Attributes["segments"].(int64); !ok || v != 8 {
		t.Errorf("segments = %v (%T), want int64(8)", entity.Attributes["segments"], entity.Attributes["segments"])
	}
}

func TestNormalizeNestedColorFlattening(t *testing.T) {
	n := New()
	stats := &Stats{}

	raw := map[string]any{
		"type": "LINE",
		"start": []any{0.0, 0.0},
		"end":   []any{1.0, 1.0},
		"color": map[string]any{
			"index": 7.0,
			"rgb":   16777215.0,
		},
	}

	entity, ok := n.Normalize(raw, stats)
	if !ok {
		t.Fatalf("expected Normalize to succeed")
	}
	if v, ok := entity.Attributes["color_index"].(int64); !ok || v != 7 {
		t.Errorf("color_index = %v, want 7", entity.Attributes["color_index"])
	}
	if v, ok := entity.Attributes["color_rgb"].(int64); !ok || v != 16777215 {
		t.Errorf("color_rgb = %v, want 16777215", entity.Attributes["color_rgb"])
	}
	for k, v := range entity.Attributes {
		if _, isMap := v.(map[string]any); isMap {
			t.Errorf("attribute %q still a nested map: %v", k, v)
		}
	}
}

func TestNormalizeKeySanitization(t *testing.T) {
	n := New()
	stats := &Stats{}

	raw := map[string]any{
		"type": "CIRCLE",
		"center": []any{0.0, 0.0},
		"radius": 1.0,
		"dxf.group code": "40",
	}

	entity, ok := n.Normalize(raw, stats)
	if !ok {
		t.Fatalf("expected Normalize to succeed")
	}
	if _, present := entity.Attributes["dxf_group_code"]; !present {
		t.Errorf("expected sanitized key dxf_group_code, got keys %v", keysOf(entity.Attributes))
	}
}

func TestNormalizeDropsUnrecognizedKind(t *testing.T) {
	n := New()
	stats := &Stats{}

	raw := map[string]any{"type": "UNKNOWN_THING", "foo": "bar"}
	_, ok := n.Normalize(raw, stats)
	if ok {
		t.Fatalf("expected Normalize to reject an unrecognized kind")
	}
	if stats.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", stats.Dropped)
	}
}

func TestNormalizeMixedArrayFallsBackToJSON(t *testing.T) {
	n := New()
	stats := &Stats{}

	raw := map[string]any{
		"type":   "CIRCLE",
		"center": []any{0.0, 0.0},
		"radius": 1.0,
		"tags":   []any{"a", 1.0, true},
	}

	entity, ok := n.Normalize(raw, stats)
	if !ok {
		t.Fatalf("expected Normalize to succeed")
	}
	s, ok := entity.String("tags")
	if !ok {
		t.Fatalf("expected mixed-type array to serialize to a JSON string, got %T", entity.Attributes["tags"])
	}
	if s == "" {
		t.Errorf("expected non-empty JSON string")
	}
}

func TestDecodeBytesEncodingLadder(t *testing.T) {
	// 0xE9 is 'é' in both latin-1 and cp1252.
	latin1 := []byte{0xE9}
	got := decodeBytes(latin1)
	if got != "é" {
		t.Errorf("decodeBytes(latin1 0xE9) = %q, want é", got)
	}

	valid := []byte("héllo")
	if decodeBytes(valid) != "héllo" {
		t.Errorf("decodeBytes should pass through valid utf-8 unchanged")
	}
}

func keysOf(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
