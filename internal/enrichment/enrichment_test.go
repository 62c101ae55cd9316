package enrichment

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cadgraph-io/ingest/internal/cadparser"
	"github.com/cadgraph-io/ingest/internal/jobs"
	"github.com/cadgraph-io/ingest/internal/ocr"
	"github.com/cadgraph-io/ingest/internal/render"
	"github.com/cadgraph-io/ingest/internal/types"
)

// recordingGraphWriter captures every payload Assemble re-invokes the
// Batcher & Writer step with, so tests can assert on the OCR projection
// entities without a real graph store.
type recordingGraphWriter struct {
	payloads []types.Payload
}

func (w *recordingGraphWriter) Write(ctx context.Context, payload types.Payload) error {
	w.payloads = append(w.payloads, payload)
	return nil
}

// scriptedOCR returns one canned Result per call, in order, so a test can
// control exactly which regions match, conflict, or come back empty.
type scriptedOCR struct {
	results []ocr.Result
	calls   int
}

func (s *scriptedOCR) OCR(ctx context.Context, image []byte, octx ocr.Context) (ocr.Result, error) {
	r := s.results[s.calls%len(s.results)]
	s.calls++
	return r, nil
}

func writeJSONArtifact(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "staged.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestPipelineRunEndToEnd(t *testing.T) {
	path := writeJSONArtifact(t, `[
		{"type":"TEXT","text":"ROOM 101","insert":[0,0]},
		{"type":"MTEXT","text":"EXIT","insert":[10,10]},
		{"type":"ATTRIB","text":"SERIAL-9","insert":[20,20]},
		{"type":"LINE","start":[0,0],"end":[1,1]}
	]`)

	ocrEngine := &scriptedOCR{results: []ocr.Result{
		{FullText: "ROOM 101", ConfidenceScore: 0.95},
		{FullText: "EXIT-ish", ConfidenceScore: 0.6},
		{FullText: "", ConfidenceScore: 0},
	}}

	graphWriter := &recordingGraphWriter{}
	p := New(cadparser.JSONPassthroughParser{}, render.FakeRenderer{}, ocrEngine, graphWriter)
	job := jobs.JobState{FilePath: path, Options: map[string]any{"floor_uid": "floor_1"}}

	ctx := context.Background()
	extracted, err := p.Extract(ctx, job)
	require.NoError(t, err)
	regions, ok := extracted.([]textRegion)
	require.True(t, ok)
	require.Len(t, regions, 3, "LINE must not be treated as a text-bearing entity")

	rendered, err := p.RenderOCR(ctx, job, extracted)
	require.NoError(t, err)

	validated, err := p.CrossValidate(ctx, job, rendered)
	require.NoError(t, err)
	v, ok := validated.(validation)
	require.True(t, ok)
	require.Equal(t, 3, v.total)
	require.Equal(t, 1, v.matched)
	require.Equal(t, 1, v.conflicted)
	require.Equal(t, 1, v.missing)

	score, err := p.QualityScore(ctx, job, validated)
	require.NoError(t, err)
	require.Greater(t, score, 0.0)
	require.LessOrEqual(t, score, 1.0)

	result, err := p.Assemble(ctx, job, validated, score)
	require.NoError(t, err)
	summary, ok := result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, 3, summary["regions_processed"])
	require.Equal(t, 1, summary["matched"])

	// Assemble must re-invoke the Batcher & Writer with the OCR projection
	// entities: one OCRRegion/OCRText pair per region that recognized text
	// (the matched "ROOM 101" region and the conflicted "EXIT-ish" region),
	// never for the missing ATTRIB region.
	require.Len(t, graphWriter.payloads, 1)
	payload := graphWriter.payloads[0]

	var regionLabels, textLabels int
	for _, n := range payload.Nodes {
		switch n.Label {
		case types.LabelOCRRegion:
			regionLabels++
		case types.LabelOCRText:
			textLabels++
		}
	}
	require.Equal(t, 2, regionLabels)
	require.Equal(t, 2, textLabels)

	var hasFloor, containsText, validates, discovers int
	for _, r := range payload.Relationships {
		switch r.Type {
		case types.RelHasOCRRegion:
			require.Equal(t, "floor_1", r.Start.UID)
			hasFloor++
		case types.RelContainsText:
			containsText++
		case types.RelValidates:
			require.Equal(t, "floor_1", r.End.UID)
			validates++
		case types.RelDiscovers:
			require.Equal(t, "floor_1", r.End.UID)
			discovers++
		}
	}
	require.Equal(t, 2, hasFloor)
	require.Equal(t, 2, containsText)
	require.Equal(t, 1, validates, "the matched region must VALIDATE the Floor")
	require.Equal(t, 1, discovers, "the conflicted region must DISCOVER against the Floor")
}

func TestPipelineNoTextRegionsScoresPerfect(t *testing.T) {
	path := writeJSONArtifact(t, `[{"type":"LINE","start":[0,0],"end":[1,1]}]`)

	p := New(cadparser.JSONPassthroughParser{}, render.FakeRenderer{}, &scriptedOCR{results: []ocr.Result{{}}}, nil)
	job := jobs.JobState{FilePath: path}
	ctx := context.Background()

	extracted, err := p.Extract(ctx, job)
	require.NoError(t, err)

	rendered, err := p.RenderOCR(ctx, job, extracted)
	require.NoError(t, err)

	validated, err := p.CrossValidate(ctx, job, rendered)
	require.NoError(t, err)

	score, err := p.QualityScore(ctx, job, validated)
	require.NoError(t, err)
	require.Equal(t, 1.0, score)
}

// Satisfies jobs.Pipeline at compile time.
var _ jobs.Pipeline = (*Pipeline)(nil)
