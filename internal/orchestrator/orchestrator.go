// Package orchestrator implements the Pipeline Orchestrator: the single
// entry point that validates an upload, stages it, invokes the
// external CAD parser, picks a streaming-vs-whole-file transformation
// strategy, drives the Graph Projector and Batcher & Writer across it, and
// optionally hands off async enrichment to the Job Manager. Grounded on
// original_source/app/graph_loader.py's top-level ingest driver and on the
// glob-based stale-file sweep (compilePatterns) used elsewhere in this
// module family for directory scanning, adapted here from directory
// scanning to a staging directory's leftover uploads.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/cadgraph-io/ingest/internal/batch"
	"github.com/cadgraph-io/ingest/internal/cadparser"
	"github.com/cadgraph-io/ingest/internal/config"
	"github.com/cadgraph-io/ingest/internal/debug"
	"github.com/cadgraph-io/ingest/internal/graph"
	"github.com/cadgraph-io/ingest/internal/ingesterrors"
	"github.com/cadgraph-io/ingest/internal/jobs"
	"github.com/cadgraph-io/ingest/internal/stream"
	"github.com/cadgraph-io/ingest/internal/types"
)

// acceptedExtensions enumerates the supported upload kinds.
var acceptedExtensions = map[string]bool{
	".dwg": true,
	".dxf": true,
}

// Stats is the ingest statistics block carried on IngestReport, grounded
// on original_source/app/graph_loader.py, which tracks
// entities_processed/entities_skipped/warnings/nodes_by_label/
// relationships_by_type alongside the ingest result; warnings never
// surface anywhere else.
type Stats struct {
	EntitiesProcessed      int                  `json:"entities_processed"`
	EntitiesSkipped        int                  `json:"entities_skipped"`
	NormalizationWarnings  []ingesterrors.Warning `json:"normalization_warnings,omitempty"`
	ProjectionWarnings     []ingesterrors.Warning `json:"projection_warnings,omitempty"`
	NodesByLabel           map[types.NodeLabel]int `json:"nodes_by_label,omitempty"`
	RelationshipsByType    map[types.RelType]int   `json:"relationships_by_type,omitempty"`
}

// IngestReport is the Orchestrator's Ingest contract result, carrying the
// per-ingest run metadata needed for audit
// (run_id/source_file/started_at/finished_at) and the Stats block above.
type IngestReport struct {
	FilePath             string    `json:"file_path"`
	RunID                string    `json:"run_id"`
	StartedAt            time.Time `json:"started_at"`
	FinishedAt           time.Time `json:"finished_at"`
	EntitiesExtracted    int       `json:"entities_extracted"`
	NodesCreated         int       `json:"nodes_created"`
	RelationshipsCreated int       `json:"relationships_created"`
	JobID                string    `json:"job_id,omitempty"`
	Stats                Stats     `json:"stats"`
}

// Orchestrator ties the Normalizer/Entity Streamer/Graph Projector/Batcher
// together behind the single Ingest entry point.
type Orchestrator struct {
	cfg       *config.Config
	parser    cadparser.Parser
	projector *graph.Projector
	batcher   *batch.Batcher
	jobs      *jobs.Manager // nil when async enrichment is disabled
	runIDs    func() string
}

// New constructs an Orchestrator. jobManager may be nil; Ingest then never
// populates IngestReport.JobID regardless of cfg.Jobs.AsyncEnrichmentEnabled.
func New(cfg *config.Config, parser cadparser.Parser, batcher *batch.Batcher, jobManager *jobs.Manager) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		parser:    parser,
		projector: graph.New(),
		batcher:   batcher,
		jobs:      jobManager,
		runIDs:    newRunIDSource(),
	}
}

// newRunIDSource returns a closure producing monotonically increasing
// run identifiers, avoiding time.Now()/math/rand in the hot ingest path
// while still giving every run a stable, orderable label.
func newRunIDSource() func() string {
	var n int64
	return func() string {
		n++
		return fmt.Sprintf("run_%d_%d", os.Getpid(), n)
	}
}

// Ingest runs the full pipeline for one uploaded file.
func (o *Orchestrator) Ingest(ctx context.Context, filePath string) (IngestReport, error) {
	runID := o.runIDs()
	debug.LogIngest("starting ingest %s for %s", runID, filePath)
	report := IngestReport{
		FilePath:  filePath,
		RunID:     runID,
		StartedAt: time.Now(),
		Stats: Stats{
			NodesByLabel:        map[types.NodeLabel]int{},
			RelationshipsByType: map[types.RelType]int{},
		},
	}

	if err := o.validate(filePath); err != nil {
		return report, err
	}

	staged, err := o.stage(filePath)
	if err != nil {
		return report, err
	}
	succeeded := false
	defer func() {
		if !succeeded {
			_ = os.Remove(staged)
		}
	}()

	artifact, err := o.parser.Parse(ctx, staged)
	if err != nil {
		return report, ingesterrors.NewParseError(staged, err)
	}

	buildingUID := runID + "_building_1"
	floorUID := runID + "_floor_1"

	counters := &graph.CounterState{}
	var aggStats graph.Stats
	var source stream.Source
	if artifact.JSONPath != "" {
		source = stream.FileSource{Path: artifact.JSONPath}
	} else if artifact.Source != nil {
		source = adaptedSource{artifact.Source}
	} else {
		return report, ingesterrors.NewParseError(staged, fmt.Errorf("parser returned neither a JSON artifact path nor a Source"))
	}

	streamer, err := stream.Open(ctx, source)
	if err != nil {
		return report, err
	}
	defer streamer.Close()

	buildingPayload := types.Payload{
		Nodes: []types.Node{{Label: types.LabelBuilding, UID: buildingUID, Properties: map[string]any{}}},
	}
	floorPayload := types.Payload{
		Nodes:         []types.Node{{Label: types.LabelFloor, UID: floorUID, Properties: map[string]any{}}},
		Relationships: []types.Relationship{{
			Start: types.Endpoint{Label: types.LabelBuilding, UID: buildingUID},
			Type:  types.RelHasFloor,
			End:   types.Endpoint{Label: types.LabelFloor, UID: floorUID},
		}},
	}
	for _, p := range []types.Payload{buildingPayload, floorPayload} {
		if err := o.batcher.Write(ctx, p); err != nil {
			return report, err
		}
		o.accumulate(&report, p)
	}

	streaming, chunkSize := o.strategy(artifact.EntityCount)
	debug.LogIngest("run %s: streaming=%v chunk_size=%d entity_count=%d", runID, streaming, chunkSize, artifact.EntityCount)
	entitiesExtracted, err := o.runTransformation(ctx, streamer, buildingUID, floorUID, counters, &aggStats, streaming, chunkSize, &report)
	if err != nil {
		return report, err
	}
	report.EntitiesExtracted = entitiesExtracted

	report.Stats.EntitiesProcessed = streamer.Stats().Processed
	report.Stats.EntitiesSkipped = streamer.Stats().Dropped
	report.Stats.NormalizationWarnings = streamer.Stats().Warnings
	report.Stats.ProjectionWarnings = aggStats.Warnings

	if o.cfg.Jobs.AsyncEnrichmentEnabled && o.jobs != nil {
		jobID, err := o.jobs.Submit(staged, map[string]any{
			"building_uid": buildingUID,
			"floor_uid":    floorUID,
		})
		if err != nil {
			return report, err
		}
		report.JobID = jobID
	}

	succeeded = true
	report.FinishedAt = time.Now()
	debug.LogIngest("run %s: finished, %d nodes, %d relationships", runID, report.NodesCreated, report.RelationshipsCreated)
	return report, nil
}

func (o *Orchestrator) accumulate(report *IngestReport, p types.Payload) {
	report.NodesCreated += len(p.Nodes)
	report.RelationshipsCreated += len(p.Relationships)
	for _, n := range p.Nodes {
		report.Stats.NodesByLabel[n.Label]++
	}
	for _, r := range p.Relationships {
		report.Stats.RelationshipsByType[r.Type]++
	}
}

// strategy implements the streaming-vs-whole-file decision: entity_count
// greater than the configured threshold selects streaming, with a larger
// chunk size once the count also crosses LargeChunkCutoff; otherwise the
// whole file is transformed in as few chunk calls as entityCount allows
// (or the configured default chunk size, when the parser didn't report a
// count up front — NextChunk's own "fewer than requested at EOF" contract
// makes an oversized request harmless either way).
func (o *Orchestrator) strategy(entityCount int) (streaming bool, size int) {
	if entityCount > o.cfg.Stream.EntityThreshold {
		if entityCount > o.cfg.Stream.LargeChunkCutoff {
			return true, o.cfg.Stream.LargeChunkSize
		}
		return true, o.cfg.Stream.ChunkSize
	}
	if entityCount > 0 {
		return false, entityCount
	}
	return false, o.cfg.Stream.ChunkSize
}

// runTransformation drives chunk-by-chunk projection and writing, bounded
// by the wall-clock streaming guard. Once the guard expires, the
// remaining entities are drained into a single oversized chunk request
// instead of aborting the ingest.
func (o *Orchestrator) runTransformation(ctx context.Context, streamer *stream.Streamer, buildingUID, floorUID string, counters *graph.CounterState, aggStats *graph.Stats, streaming bool, chunkSize int, report *IngestReport) (int, error) {
	deadline := time.Now().Add(time.Duration(o.cfg.Stream.TimeoutS) * time.Second)
	entitiesExtracted := 0
	fellBack := false

	// Only a streaming strategy reads ahead: the whole-file strategy
	// already requests everything in one NextChunk call, so a second
	// concurrent chunk in flight would have nothing left to prefetch.
	var prefetcher *stream.Prefetcher
	if streaming {
		prefetcher = stream.NewPrefetcher(streamer, chunkSize)
	}

	for {
		size := chunkSize
		if streaming && !fellBack && time.Now().After(deadline) {
			// Wall-clock guard expired: drain everything left in one call
			// instead of aborting the ingest. The in-flight prefetch chunk,
			// if any, is still consumed first before this fallback request.
			fellBack = true
			size = maxWholeFileChunk
			debug.LogIngest("streaming guard expired after %d entities, falling back to whole-file drain", entitiesExtracted)
		}

		var entities []types.CanonicalEntity
		var more bool
		var err error
		switch {
		case fellBack:
			entities, more, err = streamer.NextChunk(size)
		case prefetcher != nil:
			entities, more, err = prefetcher.Next(ctx)
		default:
			entities, more, err = streamer.NextChunk(size)
		}
		if err != nil {
			return entitiesExtracted, err
		}
		entitiesExtracted += len(entities)

		if len(entities) > 0 {
			payload := o.projector.Project(entities, buildingUID, floorUID, counters, aggStats)
			if err := o.batcher.Write(ctx, payload); err != nil {
				return entitiesExtracted, err
			}
			o.accumulate(report, payload)
		}

		if !more {
			return entitiesExtracted, nil
		}

		select {
		case <-ctx.Done():
			return entitiesExtracted, ctx.Err()
		default:
		}
	}
}

// maxWholeFileChunk bounds the single drain-everything request issued
// after the streaming wall-clock guard expires.
const maxWholeFileChunk = 1 << 20

func (o *Orchestrator) validate(filePath string) error {
	ext := strings.ToLower(filepath.Ext(filePath))
	if !acceptedExtensions[ext] {
		return ingesterrors.NewInputError(fmt.Sprintf("unsupported extension %q, want .dwg or .dxf", ext), filePath)
	}
	info, err := os.Stat(filePath)
	if err != nil {
		return ingesterrors.NewInputError("cannot stat upload: "+err.Error(), filePath)
	}
	if info.Size() == 0 {
		return ingesterrors.NewInputError("empty upload", filePath)
	}
	if info.Size() > o.cfg.Staging.MaxUploadBytes {
		return ingesterrors.NewInputError(fmt.Sprintf("upload of %d bytes exceeds maximum %d", info.Size(), o.cfg.Staging.MaxUploadBytes), filePath)
	}
	return nil
}

// stage copies filePath into the staging directory.
func (o *Orchestrator) stage(filePath string) (string, error) {
	if err := os.MkdirAll(o.cfg.Staging.Dir, 0o755); err != nil {
		return "", ingesterrors.NewInputError("cannot create staging directory: "+err.Error(), filePath)
	}
	dst := filepath.Join(o.cfg.Staging.Dir, filepath.Base(filePath))

	src, err := os.Open(filePath)
	if err != nil {
		return "", ingesterrors.NewInputError("cannot open upload: "+err.Error(), filePath)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", ingesterrors.NewInputError("cannot create staged file: "+err.Error(), filePath)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return "", ingesterrors.NewInputError("cannot stage upload: "+err.Error(), filePath)
	}
	return dst, nil
}

// SweepStale deletes staged uploads older than maxAge matching any of
// patterns (default ["*.dwg", "*.dxf", "*.json"]). Ingest removes its
// staged copy only when it fails, so this sweep is what clears copies left
// by successful ingests and by ingests that crashed before the deferred
// removal ran; serve runs it on every sweep-interval tick. Grounded
// on the glob-based include/exclude compiler (compilePatterns) used
// elsewhere in this module family, generalized here from directory-walk
// exclusion matching to stale-file eviction.
func (o *Orchestrator) SweepStale(patterns []string, maxAge time.Duration) (int, error) {
	if len(patterns) == 0 {
		patterns = []string{"*.dwg", "*.dxf", "*.json"}
	}
	entries, err := os.ReadDir(o.cfg.Staging.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	swept := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matched := false
		for _, pat := range patterns {
			if ok, _ := doublestar.Match(pat, entry.Name()); ok {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(o.cfg.Staging.Dir, entry.Name())); err == nil {
			swept++
		}
	}
	return swept, nil
}

// adaptedSource wraps a cadparser.Source (a direct record iterator) as a
// stream.Source reading newline-delimited JSON records, so the Entity
// Streamer's incremental decoder can consume either kind of parser output
// uniformly.
type adaptedSource struct {
	src cadparser.Source
}

func (a adaptedSource) Open(ctx context.Context) (io.ReadCloser, error) {
	return &sourcePipe{ctx: ctx, src: a.src}, nil
}

func (a adaptedSource) Name() string { return "direct-source" }

// sourcePipe renders a cadparser.Source as a JSON array stream on demand,
// one record at a time, so stream.Streamer's token-by-token decoder never
// needs to special-case a non-file origin.
type sourcePipe struct {
	ctx                context.Context
	src                cadparser.Source
	buf                []byte
	started            bool
	firstRecordEmitted bool
	done               bool
}

func (p *sourcePipe) Read(out []byte) (int, error) {
	for len(p.buf) == 0 {
		if p.done {
			return 0, io.EOF
		}
		if !p.started {
			p.buf = append(p.buf, '[')
			p.started = true
			break
		}
		rec, ok, err := p.src.Next(p.ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			p.buf = append(p.buf, ']')
			p.done = true
			break
		}
		b, err := marshalRecord(rec)
		if err != nil {
			return 0, err
		}
		if p.firstRecordEmitted {
			p.buf = append(p.buf, ',')
		}
		p.buf = append(p.buf, b...)
		p.firstRecordEmitted = true
	}
	n := copy(out, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

func (p *sourcePipe) Close() error { return nil }

func marshalRecord(rec map[string]any) ([]byte, error) {
	return json.Marshal(rec)
}
