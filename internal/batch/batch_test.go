package batch

import (
	"context"
	"strings"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/cadgraph-io/ingest/internal/config"
	"github.com/cadgraph-io/ingest/internal/session"
	"github.com/cadgraph-io/ingest/internal/types"
)

func TestBatcherClearRunsOnlyOnce(t *testing.T) {
	w := &countingWriter{}
	b := New(w, "neo4j", config.BatchConfig{MinBatchSize: 1, MaxBatchSize: 100, MemoryHighPct: 75, MemoryCriticalPct: 85}).
		WithMemoryMonitor(fixedMonitor{freeMB: 4096})

	payload1 := types.Payload{Nodes: []types.Node{{Label: types.LabelBuilding, UID: "building_1", Properties: map[string]any{}}}}
	payload2 := types.Payload{Nodes: []types.Node{{Label: types.LabelFloor, UID: "floor_1", Properties: map[string]any{}}}}

	if err := b.Write(context.Background(), payload1); err != nil {
		t.Fatalf("Write #1: %v", err)
	}
	if err := b.Write(context.Background(), payload2); err != nil {
		t.Fatalf("Write #2: %v", err)
	}

	if w.clearCalls != 1 {
		t.Errorf("clearCalls = %d, want 1 (clear only on first flush)", w.clearCalls)
	}
	if b.NodesWritten != 2 {
		t.Errorf("NodesWritten = %d, want 2", b.NodesWritten)
	}
}

func TestBatcherRejectsMalformedNode(t *testing.T) {
	w := &countingWriter{}
	b := New(w, "neo4j", config.BatchConfig{MinBatchSize: 1, MaxBatchSize: 100, MemoryHighPct: 75, MemoryCriticalPct: 85}).
		WithMemoryMonitor(fixedMonitor{freeMB: 4096})

	payload := types.Payload{Nodes: []types.Node{{Label: types.LabelSpace, UID: "", Properties: map[string]any{}}}}
	err := b.Write(context.Background(), payload)
	if err == nil {
		t.Fatalf("expected a PayloadError for a node with an empty uid")
	}
}

func TestSanitizePropertiesSerializesNonScalar(t *testing.T) {
	props := map[string]any{
		"ok":      "fine",
		"nested":  map[string]any{"a": 1},
		"numbers": []float64{1.0, 2.0},
	}
	out := sanitizeProperties(props)
	if out["ok"] != "fine" {
		t.Errorf("ok = %v, want fine", out["ok"])
	}
	s, ok := out["nested"].(string)
	if !ok || !strings.Contains(s, "\"a\"") {
		t.Errorf("nested = %v, want a JSON string", out["nested"])
	}
	if _, ok := out["numbers"].([]float64); !ok {
		t.Errorf("numbers should remain a homogeneous []float64, got %T", out["numbers"])
	}
}

func TestBatchSizeScalesWithFreeMemory(t *testing.T) {
	cfg := config.BatchConfig{MinBatchSize: 50, MaxBatchSize: 5000, MemoryHighPct: 75, MemoryCriticalPct: 85}
	b := New(&countingWriter{}, "neo4j", cfg).WithMemoryMonitor(fixedMonitor{freeMB: 100})
	small := b.batchSize(10000)

	b2 := New(&countingWriter{}, "neo4j", cfg).WithMemoryMonitor(fixedMonitor{freeMB: 4096})
	large := b2.batchSize(10000)

	if small >= large {
		t.Errorf("batchSize with low free memory (%d) should be smaller than with ample free memory (%d)", small, large)
	}
	if small < cfg.MinBatchSize || large > cfg.MaxBatchSize {
		t.Errorf("batch sizes out of configured range: small=%d large=%d", small, large)
	}
}

// countingWriter tracks how many times the Clear statement ran vs. other
// statements, by inspecting the Cypher text built inside the closure --
// since the closure itself calls tx.Run(ctx, cypher, ...) on a neo4j.ManagedTransaction,
// and tests can't easily construct a real one, ExecuteWrite here invokes
// work with a recordingTx whose Run classifies each call by the Cypher
// text it receives.
type countingWriter struct {
	clearCalls int
	writeCalls int
}

func (c *countingWriter) ExecuteWrite(ctx context.Context, database string, work session.Work) (any, error) {
	c.writeCalls++
	return work(recordingTx{writer: c})
}

// recordingTx implements just enough of neo4j.ManagedTransaction's Run
// method to let the Batcher's closures execute; every other method panics
// since the Batcher never calls them.
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

type fixedMonitor struct {
	freeMB float64
}

func (f fixedMonitor) Sample(cfg config.BatchConfig) (float64, bool, bool) {
	pct := 100 - (f.freeMB/4096)*100
	return f.freeMB, pct > float64(cfg.MemoryHighPct), pct > float64(cfg.MemoryCriticalPct)
}
