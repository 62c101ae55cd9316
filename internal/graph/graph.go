// Package graph implements the Graph Projector: the pure
// mapping from canonical entities to typed graph nodes and relationships
// under the fixed schema, with deterministic per-ingest UID assignment.
// Grounded on the projection table in original_source/app/graph_loader.py's
// transform_to_graph, generalized to the full kind set and rewritten against
// types.CanonicalEntity instead of a raw dict.
package graph

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/cadgraph-io/ingest/internal/ingesterrors"
	"github.com/cadgraph-io/ingest/internal/types"
)

// CounterState holds the monotonic per-kind UID counters that must be
// threaded across chunk calls so streaming and non-streaming ingests of the
// same input yield identical uids.
// Never shared across ingests; never global.
type CounterState struct {
	Space          int
	Wall           int
	Feature        int
	Annotation     int
	BlockReference int
	Metadata       int
}

// Stats accumulates per-entity projection outcomes. Dropped entities are
// never fatal (ProjectionWarning is "counted and dropped").
type Stats struct {
	Projected int
	Dropped   int
	Warnings  []ingesterrors.Warning
}

func (s *Stats) warn(reason string) {
	s.Dropped++
	s.Warnings = append(s.Warnings, ingesterrors.Warning{Stage: "project", Reason: reason})
}

// Projector maps canonical entities to graph nodes/relationships. It holds
// no state between Project calls; all per-ingest state lives in the
// CounterState the caller threads through.
type Projector struct{}

// New returns a ready-to-use Projector.
func New() *Projector { return &Projector{} }

// Project maps one chunk of canonical entities to a graph Payload, advancing
// counters in place. buildingUID and floorUID are constants of the ingest
// session ("the Building_uid and Floor_uid are constants of the
// ingest session") and are never generated here.
func (p *Projector) Project(chunk []types.CanonicalEntity, buildingUID, floorUID string, counters *CounterState, stats *Stats) types.Payload {
	var payload types.Payload

	for _, e := range chunk {
		node, rel, ok := p.projectOne(e, buildingUID, floorUID, counters, stats)
		if !ok {
			continue
		}
		payload.Nodes = append(payload.Nodes, node)
		payload.Relationships = append(payload.Relationships, rel)
		stats.Projected++
	}

	return payload
}

// projectOne dispatches one canonical entity to its kind-specific
// projection function.
func (p *Projector) projectOne(e types.CanonicalEntity, buildingUID, floorUID string, c *CounterState, stats *Stats) (types.Node, types.Relationship, bool) {
	switch e.Kind {
	case types.KindScaleInfo:
		return p.projectScaleInfo(e, buildingUID, c)
	case types.KindLWPolyline:
		return p.projectSpace(e, floorUID, c, stats)
	case types.KindLine:
		return p.projectWall(e, floorUID, c)
	case types.KindCircle, types.KindArc:
		return p.projectFeature(e, floorUID, c)
	case types.KindText, types.KindMText, types.KindAttrib, types.KindAttdef, types.KindMultiLeader:
		return p.projectAnnotation(e, floorUID, c, stats)
	case types.KindInsert:
		return p.projectBlockReference(e, floorUID, c)
	default:
		stats.warn("entity kind " + string(e.Kind) + " has no projection")
		return types.Node{}, types.Relationship{}, false
	}
}

func newUID(prefix string, n int) string {
	return prefix + "_" + strconv.Itoa(n)
}

func (p *Projector) projectScaleInfo(e types.CanonicalEntity, buildingUID string, c *CounterState) (types.Node, types.Relationship, bool) {
	c.Metadata++
	uid := newUID("metadata", c.Metadata)

	props := map[string]any{
		"dimscale":  floatOr(e, "dimscale", 1.0),
		"ltscale":   floatOr(e, "ltscale", 1.0),
		"cmlscale":  floatOr(e, "cmlscale", 1.0),
		"celtscale": floatOr(e, "celtscale", 1.0),
	}

	node := types.Node{Label: types.LabelMetadata, UID: uid, Properties: props}
	rel := types.Relationship{
		Start: types.Endpoint{Label: types.LabelBuilding, UID: buildingUID},
		Type:  types.RelHasMetadata,
		End:   types.Endpoint{Label: types.LabelMetadata, UID: uid},
	}
	return node, rel, true
}

// projectSpace handles closed LWPOLYLINE → Space. Open polylines and
// polylines with fewer than 3 points are not currently projected, counted
// as a discard rather than silently ignored.
func (p *Projector) projectSpace(e types.CanonicalEntity, floorUID string, c *CounterState, stats *Stats) (types.Node, types.Relationship, bool) {
	closed, _ := e.Bool("is_closed")
	if !closed {
		stats.warn("open LWPOLYLINE not projected")
		return types.Node{}, types.Relationship{}, false
	}

	points, ok := e.Coords("points")
	if !ok || len(points) < 3 {
		stats.warn("closed polyline with fewer than 3 points discarded")
		return types.Node{}, types.Relationship{}, false
	}

	c.Space++
	uid := newUID("space", c.Space)

	rawPoints, err := json.Marshal(pointPairs(points))
	if err != nil {
		stats.warn("could not encode raw_points")
		return types.Node{}, types.Relationship{}, false
	}

	props := map[string]any{
		"raw_points":  string(rawPoints),
		"point_count": int64(len(points)),
		"layer":       e.Layer,
	}

	node := types.Node{Label: types.LabelSpace, UID: uid, Properties: props}
	rel := types.Relationship{
		Start: types.Endpoint{Label: types.LabelFloor, UID: floorUID},
		Type:  types.RelHasSpace,
		End:   types.Endpoint{Label: types.LabelSpace, UID: uid},
	}
	return node, rel, true
}

func (p *Projector) projectWall(e types.CanonicalEntity, floorUID string, c *CounterState) (types.Node, types.Relationship, bool) {
	c.Wall++
	uid := newUID("wall", c.Wall)

	props := map[string]any{"layer": e.Layer}
	flattenCoord(props, "start", e)
	flattenCoord(props, "end", e)

	node := types.Node{Label: types.LabelWallSegment, UID: uid, Properties: props}
	rel := types.Relationship{
		Start: types.Endpoint{Label: types.LabelFloor, UID: floorUID},
		Type:  types.RelHasWall,
		End:   types.Endpoint{Label: types.LabelWallSegment, UID: uid},
	}
	return node, rel, true
}

func (p *Projector) projectFeature(e types.CanonicalEntity, floorUID string, c *CounterState) (types.Node, types.Relationship, bool) {
	c.Feature++
	uid := newUID("feature", c.Feature)

	props := map[string]any{
		"type":   string(e.Kind),
		"layer":  e.Layer,
		"radius": floatOr(e, "radius", 0),
	}
	flattenCoord(props, "center", e)
	if e.Kind == types.KindArc {
		props["start_angle"] = floatOr(e, "start_angle", 0)
		props["end_angle"] = floatOr(e, "end_angle", 0)
	}

	node := types.Node{Label: types.LabelFeature, UID: uid, Properties: props}
	rel := types.Relationship{
		Start: types.Endpoint{Label: types.LabelFloor, UID: floorUID},
		Type:  types.RelHasFeature,
		End:   types.Endpoint{Label: types.LabelFeature, UID: uid},
	}
	return node, rel, true
}

// projectAnnotation handles TEXT/MTEXT/ATTRIB/ATTDEF/MULTILEADER. Text
// field fallback tie-break: text content comes from whichever of
// "text"/"text_value" the parser populated; blanks after trim are
// discarded.
func (p *Projector) projectAnnotation(e types.CanonicalEntity, floorUID string, c *CounterState, stats *Stats) (types.Node, types.Relationship, bool) {
	text, ok := e.String("text")
	if !ok {
		text, ok = e.String("text_value")
	}
	if !ok || strings.TrimSpace(text) == "" {
		stats.warn("annotation with blank text discarded")
		return types.Node{}, types.Relationship{}, false
	}

	c.Annotation++
	uid := newUID("annotation", c.Annotation)

	props := map[string]any{
		"text":   text,
		"type":   string(e.Kind),
		"height": floatOr(e, "height", 1.0),
		"layer":  e.Layer,
	}
	flattenCoord(props, "insert", e)

	switch e.Kind {
	case types.KindAttrib:
		if tag, ok := e.String("tag"); ok {
			props["tag"] = tag
		}
	case types.KindAttdef:
		if prompt, ok := e.String("prompt"); ok {
			props["prompt"] = prompt
		}
	case types.KindMultiLeader:
		if parentBlock, ok := e.String("parent_block"); ok {
			props["parent_block"] = parentBlock
		}
	}

	node := types.Node{Label: types.LabelAnnotation, UID: uid, Properties: props}
	rel := types.Relationship{
		Start: types.Endpoint{Label: types.LabelFloor, UID: floorUID},
		Type:  types.RelHasAnnotation,
		End:   types.Endpoint{Label: types.LabelAnnotation, UID: uid},
	}
	return node, rel, true
}

// projectBlockReference handles INSERT → BlockReference. The uid is always
// the monotonic counter, deterministic within an ingest; xxhash is used
// only to derive a stable block_name fallback when the parser omits one,
// never to replace the uid itself.
func (p *Projector) projectBlockReference(e types.CanonicalEntity, floorUID string, c *CounterState) (types.Node, types.Relationship, bool) {
	c.BlockReference++
	uid := newUID("block_ref", c.BlockReference)

	blockName, ok := e.String("block_name")
	if !ok || strings.TrimSpace(blockName) == "" {
		blockName = "block_" + strconv.FormatUint(xxhash.Sum64String(uid), 16)
	}

	props := map[string]any{
		"block_name": blockName,
		"rotation":   floatOr(e, "rotation", 0),
		"xscale":     floatOr(e, "xscale", 1.0),
		"yscale":     floatOr(e, "yscale", 1.0),
		"zscale":     floatOr(e, "zscale", 1.0),
		"layer":      e.Layer,
	}
	flattenCoord(props, "insert", e)

	node := types.Node{Label: types.LabelBlockReference, UID: uid, Properties: props}
	rel := types.Relationship{
		Start: types.Endpoint{Label: types.LabelFloor, UID: floorUID},
		Type:  types.RelHasBlockReference,
		End:   types.Endpoint{Label: types.LabelBlockReference, UID: uid},
	}
	return node, rel, true
}

// flattenCoord writes a Coordinate attribute as three flat
// "<key>_x"/"<key>_y"/"<key>_z" properties. Missing coordinates leave the
// key entirely absent rather than writing zeros for a field the entity
// never had.
func flattenCoord(props map[string]any, key string, e types.CanonicalEntity) {
	c, ok := e.Coord(key)
	if !ok {
		return
	}
	props[key+"_x"] = c.X
	props[key+"_y"] = c.Y
	props[key+"_z"] = c.Z
}

func floatOr(e types.CanonicalEntity, key string, def float64) float64 {
	if f, ok := e.Float(key); ok {
		return f
	}
	return def
}

type pointPair struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func pointPairs(points []types.Coordinate) []pointPair {
	out := make([]pointPair, len(points))
	for i, p := range points {
		out[i] = pointPair{X: p.X, Y: p.Y}
	}
	return out
}
