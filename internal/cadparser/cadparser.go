// Package cadparser defines the external CAD-parser boundary:
// the DWG/DXF readers themselves are out of scope, only the interface they
// must satisfy and a JSON-backed test double for exercising the rest of
// the pipeline without a real parser.
package cadparser

import "context"

// Source is a direct iterator of raw entity records, for parsers that
// don't materialize a JSON artifact on disk ("a direct iterator
// of entity records").
type Source interface {
	Next(ctx context.Context) (record map[string]any, ok bool, err error)
}

// Artifact is what a Parser hands back to the Orchestrator: either a path
// to a JSON document the Entity Streamer can open directly, or a Source
// iterator, plus however many entities the parser itself counted (used for
// the streaming-vs-whole-file decision).
type Artifact struct {
	JSONPath    string
	Source      Source
	EntityCount int
}

// Parser is the external collaborator boundary. DWG/DXF implementations
// live outside this module; this interface and the JSON test double below
// are all that ship here.
type Parser interface {
	Parse(ctx context.Context, filePath string) (Artifact, error)
}

// JSONPassthroughParser treats the input file itself as an already-parsed
// JSON artifact (root array, or root object with HEADER/OBJECTS) — the test
// double used wherever this module's own tests need a Parser without a
// real DWG/DXF reader.
type JSONPassthroughParser struct {
	// EntityCount, when non-zero, is reported verbatim; otherwise the
	// Orchestrator falls back to counting entities as they stream.
	EntityCount int
}

func (p JSONPassthroughParser) Parse(ctx context.Context, filePath string) (Artifact, error) {
	return Artifact{JSONPath: filePath, EntityCount: p.EntityCount}, nil
}
