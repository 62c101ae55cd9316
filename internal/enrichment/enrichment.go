// Package enrichment implements the Job Manager's post-ingest render/OCR
// pipeline: it re-reads a staged upload's text-bearing entities, renders
// and OCRs the region around each, cross-validates the recognized text
// against what the CAD record already said, and scores the result.
// Grounded on original_source/app/async_ocr_processor.py's job loop
// (enhanced extraction -> OCR -> cross_validate_cad_ocr ->
// analyze_ocr_quality -> Neo4j enrichment payload), adapted from that
// bespoke five-step loop onto the Job Manager's fixed five-stage
// jobs.Pipeline interface.
package enrichment

import (
	"context"
	"fmt"
	"strings"

	"github.com/cadgraph-io/ingest/internal/cadparser"
	"github.com/cadgraph-io/ingest/internal/debug"
	"github.com/cadgraph-io/ingest/internal/jobs"
	"github.com/cadgraph-io/ingest/internal/ocr"
	"github.com/cadgraph-io/ingest/internal/render"
	"github.com/cadgraph-io/ingest/internal/stream"
	"github.com/cadgraph-io/ingest/internal/types"
)

// defaultFloorUID is used when a job was submitted without a "floor_uid"
// option, so Assemble still has a deterministic Floor to anchor OCR nodes
// against instead of dropping the enrichment payload.
const defaultFloorUID = "floor_1"

// regionPad widens a text entity's insertion point into a renderable
// region: canonical TEXT/MTEXT/ATTRIB/ATTDEF entities carry only an
// insertion point, never a bounding box.
const regionPad = 5.0

// extractChunkSize bounds how many entities Extract reads from the
// streamer per NextChunk call while scanning for text-bearing kinds.
const extractChunkSize = 500

// textRegion pairs a CAD text-bearing entity with the region derived from
// its insertion point.
type textRegion struct {
	entity types.CanonicalEntity
	region render.Region
}

// ocrHit is one region's render+OCR outcome.
type ocrHit struct {
	region textRegion
	result ocr.Result
}

// outcome classifies one region's CrossValidate result, matching
// ocr_structures.py's correlation ("matched") vs. discovery ("conflicted")
// split: a region whose recognized text restates what the CAD record
// already said validates that record; one whose recognized text differs is
// a discovery the CAD record didn't carry.
type outcome string

const (
	outcomeMatched    outcome = "matched"
	outcomeConflicted outcome = "conflicted"
	outcomeMissing    outcome = "missing"
)

// regionOutcome pairs one render+OCR hit with its CrossValidate verdict.
type regionOutcome struct {
	hit  ocrHit
	kind outcome
}

// validation tallies CrossValidate's outcome across every region and
// retains enough per-region detail for Assemble to build OCRRegion/OCRText
// graph nodes from it.
type validation struct {
	total         int
	matched       int
	conflicted    int
	missing       int // CAD expected text, OCR recognized none
	confidenceSum float64
	outcomes      []regionOutcome
}

// GraphWriter is the subset of *batch.Batcher the enrichment pipeline needs
// to re-invoke the Batcher & Writer step with the OCR-derived nodes and
// edges Assemble builds, mirroring the original's get_neo4j_enrichment_data
// -> enhance_graph_with_ocr -> write control flow.
type GraphWriter interface {
	Write(ctx context.Context, payload types.Payload) error
}

// Pipeline implements jobs.Pipeline. Parser re-opens the staged upload to
// recover its text-bearing entities; Renderer and OCR are the external
// collaborators the Job Manager was built to sit in front of (real
// rasterizers/OCR engines are out of scope, only this wiring is in
// scope). Graph re-invokes the Batcher & Writer step with the OCR
// projection entities Assemble derives.
type Pipeline struct {
	Parser   cadparser.Parser
	Renderer render.Renderer
	OCR      ocr.Engine
	Graph    GraphWriter
}

// New constructs an enrichment Pipeline. graphWriter may be nil, in which
// case Assemble still computes the OCR payload but never writes it (used by
// tests that only care about the summary).
func New(parser cadparser.Parser, renderer render.Renderer, engine ocr.Engine, graphWriter GraphWriter) *Pipeline {
	return &Pipeline{Parser: parser, Renderer: renderer, OCR: engine, Graph: graphWriter}
}

// Extract re-parses job.FilePath and collects every text-bearing entity
// alongside the region its insertion point implies.
func (p *Pipeline) Extract(ctx context.Context, job jobs.JobState) (any, error) {
	artifact, err := p.Parser.Parse(ctx, job.FilePath)
	if err != nil {
		return nil, err
	}
	if artifact.JSONPath == "" {
		return nil, fmt.Errorf("enrichment pipeline requires a parser that returns a JSON artifact path")
	}

	streamer, err := stream.Open(ctx, stream.FileSource{Path: artifact.JSONPath})
	if err != nil {
		return nil, err
	}
	defer streamer.Close()

	var regions []textRegion
	for {
		entities, more, err := streamer.NextChunk(extractChunkSize)
		if err != nil {
			return nil, err
		}
		for _, e := range entities {
			if r, ok := regionFor(e); ok {
				regions = append(regions, r)
			}
		}
		if !more {
			break
		}
	}
	debug.LogJob("enrichment extract: %d text-bearing regions from %s", len(regions), job.FilePath)
	return regions, nil
}

func regionFor(e types.CanonicalEntity) (textRegion, bool) {
	switch e.Kind {
	case types.KindText, types.KindMText, types.KindAttrib, types.KindAttdef:
	default:
		return textRegion{}, false
	}
	text, ok := e.String("text")
	if !ok || strings.TrimSpace(text) == "" {
		return textRegion{}, false
	}
	insert, ok := e.Coord("insert")
	if !ok {
		return textRegion{}, false
	}
	return textRegion{
		entity: e,
		region: render.Region{
			MinX: insert.X - regionPad,
			MinY: insert.Y - regionPad,
			MaxX: insert.X + regionPad,
			MaxY: insert.Y + regionPad,
		},
	}, true
}

// RenderOCR renders and OCRs every region Extract found.
func (p *Pipeline) RenderOCR(ctx context.Context, job jobs.JobState, extracted any) (any, error) {
	regions, ok := extracted.([]textRegion)
	if !ok {
		return nil, fmt.Errorf("enrichment RenderOCR: unexpected Extract output type %T", extracted)
	}

	hits := make([]ocrHit, 0, len(regions))
	for _, r := range regions {
		rendered, err := p.Renderer.Render(ctx, r.region, render.Config{DPI: 150, Format: "png"})
		if err != nil {
			return nil, err
		}
		result, err := p.OCR.OCR(ctx, rendered.Image, ocr.Context{RegionType: string(r.entity.Kind)})
		if err != nil {
			return nil, err
		}
		hits = append(hits, ocrHit{region: r, result: result})
	}
	return hits, nil
}

// CrossValidate compares each region's OCR text against the CAD text the
// entity already carried, classifying it as an exact match, a conflict
// (recognized text differs), or missing (OCR recognized nothing where CAD
// expected text).
func (p *Pipeline) CrossValidate(ctx context.Context, job jobs.JobState, rendered any) (any, error) {
	hits, ok := rendered.([]ocrHit)
	if !ok {
		return nil, fmt.Errorf("enrichment CrossValidate: unexpected RenderOCR output type %T", rendered)
	}

	v := validation{total: len(hits)}
	for _, h := range hits {
		expected, _ := h.region.entity.String("text")
		got := strings.TrimSpace(h.result.FullText)
		v.confidenceSum += h.result.ConfidenceScore

		var kind outcome
		switch {
		case got == "":
			kind = outcomeMissing
			v.missing++
		case strings.EqualFold(strings.TrimSpace(expected), got):
			kind = outcomeMatched
			v.matched++
		default:
			kind = outcomeConflicted
			v.conflicted++
		}
		v.outcomes = append(v.outcomes, regionOutcome{hit: h, kind: kind})
	}
	return v, nil
}

// QualityScore blends the match ratio with average OCR confidence into a
// single health score in [0,1]. A job with no text-bearing regions scores
// 1.0: there was nothing to get wrong.
func (p *Pipeline) QualityScore(ctx context.Context, job jobs.JobState, validated any) (float64, error) {
	v, ok := validated.(validation)
	if !ok {
		return 0, fmt.Errorf("enrichment QualityScore: unexpected CrossValidate output type %T", validated)
	}
	if v.total == 0 {
		return 1.0, nil
	}
	matchRatio := float64(v.matched) / float64(v.total)
	avgConfidence := v.confidenceSum / float64(v.total)
	return (matchRatio + avgConfidence) / 2, nil
}

// Assemble builds the OCR Projection Entities (OCRRegion/OCRText nodes and
// the HAS_OCR_REGION/CONTAINS_TEXT/VALIDATES/DISCOVERS edges anchoring them
// to the ingest's Floor) and re-invokes the Batcher & Writer with them,
// mirroring the original's get_neo4j_enrichment_data -> enhance_graph_with_ocr.
// Regions where OCR recognized no text (outcomeMissing) contribute nothing:
// there's no text to project. The returned map is the job's persisted
// result summary, not the graph payload itself.
func (p *Pipeline) Assemble(ctx context.Context, job jobs.JobState, validated any, score float64) (any, error) {
	v, ok := validated.(validation)
	if !ok {
		return nil, fmt.Errorf("enrichment Assemble: unexpected CrossValidate output type %T", validated)
	}

	floorUID, _ := job.Options["floor_uid"].(string)
	if floorUID == "" {
		floorUID = defaultFloorUID
	}

	payload := buildOCRPayload(v, floorUID)
	if p.Graph != nil {
		if err := p.Graph.Write(ctx, payload); err != nil {
			return nil, fmt.Errorf("enrichment Assemble: writing OCR payload: %w", err)
		}
	}

	return map[string]any{
		"regions_processed": v.total,
		"matched":           v.matched,
		"conflicted":        v.conflicted,
		"missing":           v.missing,
		"health_score":      score,
		"ocr_nodes_written": len(payload.Nodes),
	}, nil
}

// buildOCRPayload projects one OCRRegion (and its OCRText children) per
// region that recognized text, following ocr_structures.py's
// ROIManager.add_region id scheme ("{region_type}_{index:03d}") and its
// correlations/ocr_only_words split: a matched region VALIDATES the Floor,
// a conflicted one DISCOVERS something the CAD record never carried.
func buildOCRPayload(v validation, floorUID string) types.Payload {
	var payload types.Payload

	for i, ro := range v.outcomes {
		if ro.kind == outcomeMissing {
			continue
		}
		h := ro.hit

		words := h.result.Words
		if len(words) == 0 {
			words = []ocr.Word{{Text: h.result.FullText, Confidence: h.result.ConfidenceScore}}
		}

		regionType := string(h.region.entity.Kind)
		regionID := fmt.Sprintf("%s_%03d", strings.ToLower(regionType), i)
		regionUID := "ocrregion_" + regionID

		var confidenceSum float64
		for _, w := range words {
			confidenceSum += w.Confidence
		}

		payload.Nodes = append(payload.Nodes, types.Node{
			Label: types.LabelOCRRegion,
			UID:   regionUID,
			Properties: map[string]any{
				"region_id":          regionID,
				"region_type":        regionType,
				"text_count":         int64(len(words)),
				"average_confidence": confidenceSum / float64(len(words)),
			},
		})
		payload.Relationships = append(payload.Relationships, types.Relationship{
			Start: types.Endpoint{Label: types.LabelFloor, UID: floorUID},
			Type:  types.RelHasOCRRegion,
			End:   types.Endpoint{Label: types.LabelOCRRegion, UID: regionUID},
		})

		expected, _ := h.region.entity.String("text")
		for wi, w := range words {
			textUID := fmt.Sprintf("%s_text_%03d", regionID, wi)
			payload.Nodes = append(payload.Nodes, types.Node{
				Label: types.LabelOCRText,
				UID:   textUID,
				Properties: map[string]any{
					"text":           w.Text,
					"confidence":     w.Confidence,
					"region_id":      regionID,
					"region_type":    regionType,
					"engine":         h.result.Engine,
					"extracted_info": map[string]any{},
				},
			})
			payload.Relationships = append(payload.Relationships, types.Relationship{
				Start: types.Endpoint{Label: types.LabelOCRRegion, UID: regionUID},
				Type:  types.RelContainsText,
				End:   types.Endpoint{Label: types.LabelOCRText, UID: textUID},
			})

			if ro.kind == outcomeMatched {
				payload.Relationships = append(payload.Relationships, types.Relationship{
					Start: types.Endpoint{Label: types.LabelOCRText, UID: textUID},
					Type:  types.RelValidates,
					End:   types.Endpoint{Label: types.LabelFloor, UID: floorUID},
					Properties: map[string]any{
						"confidence":       w.Confidence,
						"correlation_type": "exact_match",
						"cad_text":         expected,
					},
				})
			} else {
				payload.Relationships = append(payload.Relationships, types.Relationship{
					Start: types.Endpoint{Label: types.LabelOCRText, UID: textUID},
					Type:  types.RelDiscovers,
					End:   types.Endpoint{Label: types.LabelFloor, UID: floorUID},
					Properties: map[string]any{
						"confidence":  w.Confidence,
						"region_type": regionType,
						"context":     expected,
					},
				})
			}
		}
	}

	return payload
}
