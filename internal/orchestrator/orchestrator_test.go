package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/cadgraph-io/ingest/internal/batch"
	"github.com/cadgraph-io/ingest/internal/cadparser"
	"github.com/cadgraph-io/ingest/internal/config"
	"github.com/cadgraph-io/ingest/internal/session"
)

// countingWriter is a batch.Writer fake that counts write/clear calls
// without touching a real graph store, mirroring internal/batch's own
// test double.
type countingWriter struct {
	clearCalls int
	writeCalls int
}

func (c *countingWriter) ExecuteWrite(ctx context.Context, database string, work session.Work) (any, error) {
	c.writeCalls++
	return work(recordingTx{writer: c})
}

type recordingTx struct {
	neo4j.ManagedTransaction
	writer *countingWriter
}

func (r recordingTx) Run(ctx context.Context, cypher string, params map[string]any) (neo4j.ResultWithContext, error) {
	if strings.Contains(cypher, "DETACH DELETE") {
		r.writer.clearCalls++
	}
	return nil, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Staging.Dir = t.TempDir()
	cfg.Staging.MaxUploadBytes = 1 << 20
	cfg.Stream.EntityThreshold = 5000
	cfg.Stream.ChunkSize = 3000
	cfg.Stream.LargeChunkSize = 2000
	cfg.Stream.LargeChunkCutoff = 20000
	cfg.Stream.TimeoutS = 120
	return cfg
}

func writeUpload(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing test upload: %v", err)
	}
	return path
}

func TestIngestHappyPath(t *testing.T) {
	cfg := testConfig(t)
	uploadDir := t.TempDir()
	file := writeUpload(t, uploadDir, "drawing.dxf", `[
		{"type":"LINE","start":[0,0],"end":[10,0],"layer":"WALLS"},
		{"type":"LWPOLYLINE","points":[[0,0],[1,0],[1,1],[0,1]],"is_closed":true}
	]`)

	w := &countingWriter{}
	b := batch.New(w, "neo4j", cfg.Batch).WithMemoryMonitor(fixedMonitor{freeMB: 4096})
	orch := New(cfg, cadparser.JSONPassthroughParser{}, b, nil)

	report, err := orch.Ingest(context.Background(), file)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if report.EntitiesExtracted != 2 {
		t.Errorf("EntitiesExtracted = %d, want 2", report.EntitiesExtracted)
	}
	// Building + Floor + one WallSegment + one Space = 4 nodes.
	if report.NodesCreated != 4 {
		t.Errorf("NodesCreated = %d, want 4, stats=%+v", report.NodesCreated, report.Stats)
	}
	if report.Stats.EntitiesProcessed != 2 {
		t.Errorf("Stats.EntitiesProcessed = %d, want 2", report.Stats.EntitiesProcessed)
	}
	if report.JobID != "" {
		t.Errorf("JobID = %q, want empty (async enrichment disabled by default)", report.JobID)
	}

	// The staged copy must remain after a successful ingest (only the
	// defer-on-failure branch removes it; SweepStale clears it later).
	staged := filepath.Join(cfg.Staging.Dir, "drawing.dxf")
	if _, err := os.Stat(staged); err != nil {
		t.Errorf("staged upload should remain after a successful ingest, got err=%v", err)
	}
}

func TestIngestRejectsUnsupportedExtension(t *testing.T) {
	cfg := testConfig(t)
	uploadDir := t.TempDir()
	file := writeUpload(t, uploadDir, "notes.txt", "hello")

	w := &countingWriter{}
	b := batch.New(w, "neo4j", cfg.Batch).WithMemoryMonitor(fixedMonitor{freeMB: 4096})
	orch := New(cfg, cadparser.JSONPassthroughParser{}, b, nil)

	_, err := orch.Ingest(context.Background(), file)
	if err == nil {
		t.Fatalf("expected an InputError for a .txt upload")
	}
}

func TestIngestRejectsEmptyUpload(t *testing.T) {
	cfg := testConfig(t)
	uploadDir := t.TempDir()
	file := writeUpload(t, uploadDir, "empty.dxf", "")

	w := &countingWriter{}
	b := batch.New(w, "neo4j", cfg.Batch).WithMemoryMonitor(fixedMonitor{freeMB: 4096})
	orch := New(cfg, cadparser.JSONPassthroughParser{}, b, nil)

	_, err := orch.Ingest(context.Background(), file)
	if err == nil {
		t.Fatalf("expected an InputError for an empty upload")
	}
}

func TestIngestRejectsOversizedUpload(t *testing.T) {
	cfg := testConfig(t)
	cfg.Staging.MaxUploadBytes = 4
	uploadDir := t.TempDir()
	file := writeUpload(t, uploadDir, "big.dxf", `[{"type":"LINE"}]`)

	w := &countingWriter{}
	b := batch.New(w, "neo4j", cfg.Batch).WithMemoryMonitor(fixedMonitor{freeMB: 4096})
	orch := New(cfg, cadparser.JSONPassthroughParser{}, b, nil)

	_, err := orch.Ingest(context.Background(), file)
	if err == nil {
		t.Fatalf("expected an InputError for an upload exceeding MaxUploadBytes")
	}
}

func TestStrategyPicksStreamingAboveThreshold(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stream.EntityThreshold = 100
	cfg.Stream.LargeChunkCutoff = 1000
	orch := New(cfg, cadparser.JSONPassthroughParser{}, nil, nil)

	if streaming, size := orch.strategy(50); streaming || size != 50 {
		t.Errorf("strategy(50) = (%v,%d), want (false,50) below threshold", streaming, size)
	}
	if streaming, size := orch.strategy(500); !streaming || size != cfg.Stream.ChunkSize {
		t.Errorf("strategy(500) = (%v,%d), want (true,%d) above threshold, below large cutoff", streaming, size, cfg.Stream.ChunkSize)
	}
	if streaming, size := orch.strategy(5000); !streaming || size != cfg.Stream.LargeChunkSize {
		t.Errorf("strategy(5000) = (%v,%d), want (true,%d) above large cutoff", streaming, size, cfg.Stream.LargeChunkSize)
	}
}

func TestIngestStreamingStrategyAppliesPrefetcher(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stream.EntityThreshold = 1
	cfg.Stream.ChunkSize = 1
	cfg.Stream.LargeChunkCutoff = 1000

	uploadDir := t.TempDir()
	file := writeUpload(t, uploadDir, "many.dxf", `[
		{"type":"LINE","start":[0,0],"end":[1,0]},
		{"type":"LINE","start":[0,0],"end":[2,0]},
		{"type":"LINE","start":[0,0],"end":[3,0]}
	]`)

	w := &countingWriter{}
	b := batch.New(w, "neo4j", cfg.Batch).WithMemoryMonitor(fixedMonitor{freeMB: 4096})
	orch := New(cfg, cadparser.JSONPassthroughParser{EntityCount: 3}, b, nil)

	report, err := orch.Ingest(context.Background(), file)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if report.EntitiesExtracted != 3 {
		t.Errorf("EntitiesExtracted = %d, want 3", report.EntitiesExtracted)
	}
}

func TestSweepStaleRemovesOldUploadsOnly(t *testing.T) {
	cfg := testConfig(t)
	orch := New(cfg, cadparser.JSONPassthroughParser{}, nil, nil)

	old := filepath.Join(cfg.Staging.Dir, "old.dxf")
	fresh := filepath.Join(cfg.Staging.Dir, "fresh.dxf")
	if err := os.WriteFile(old, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fresh, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	swept, err := orch.SweepStale(nil, 24*time.Hour)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if swept != 1 {
		t.Errorf("swept = %d, want 1", swept)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Errorf("old.dxf should have been removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh.dxf should remain: %v", err)
	}
}

type fixedMonitor struct {
	freeMB float64
}

func (f fixedMonitor) Sample(cfg config.BatchConfig) (float64, bool, bool) {
	pct := 100 - (f.freeMB/4096)*100
	return f.freeMB, pct > float64(cfg.MemoryHighPct), pct > float64(cfg.MemoryCriticalPct)
}
