package types

// NodeLabel is one of the fixed graph node labels the Projector emits.
type NodeLabel string

const (
	LabelBuilding        NodeLabel = "Building"
	LabelFloor           NodeLabel = "Floor"
	LabelSpace           NodeLabel = "Space"
	LabelWallSegment     NodeLabel = "WallSegment"
	LabelFeature         NodeLabel = "Feature"
	LabelBlockReference  NodeLabel = "BlockReference"
	LabelAnnotation      NodeLabel = "Annotation"
	LabelMetadata        NodeLabel = "Metadata"
	LabelOCRRegion       NodeLabel = "OCRRegion"
	LabelOCRText         NodeLabel = "OCRText"
)

// RelType is one of the fixed relationship types the Projector emits.
type RelType string

const (
	RelHasFloor          RelType = "HAS_FLOOR"
	RelHasSpace          RelType = "HAS_SPACE"
	RelHasWall           RelType = "HAS_WALL"
	RelHasFeature        RelType = "HAS_FEATURE"
	RelHasAnnotation     RelType = "HAS_ANNOTATION"
	RelHasBlockReference RelType = "HAS_BLOCK_REFERENCE"
	RelHasMetadata       RelType = "HAS_METADATA"
	RelHasOCRRegion      RelType = "HAS_OCR_REGION"
	RelContainsText      RelType = "CONTAINS_TEXT"
	RelValidates         RelType = "VALIDATES"
	RelDiscovers         RelType = "DISCOVERS"
)

// Node is a graph-store-bound node: a label, a stable uid, and a flat
// property bag. Properties must be graph-safe scalars or homogeneous
// scalar arrays by the time they reach the Batcher's final safety sweep.
type Node struct {
	Label      NodeLabel
	UID        string
	Properties map[string]any
}

// Endpoint identifies one side of a Relationship by label+uid.
type Endpoint struct {
	Label NodeLabel
	UID   string
}

// Relationship is a graph-store-bound edge between two nodes, identified
// by their labels and uids rather than by object identity, so it survives
// batching and reordering.
type Relationship struct {
	Start      Endpoint
	Type       RelType
	End        Endpoint
	Properties map[string]any
}

// Payload is a chunk of nodes and relationships produced by the Projector
// for one chunk of canonical entities (or the whole entity stream, for the
// non-streaming path).
type Payload struct {
	Nodes         []Node
	Relationships []Relationship
}
