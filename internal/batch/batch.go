// Package batch implements the Batcher & Writer: groups a
// graph Payload by label/edge-pattern, sizes batches adaptively against
// observed memory pressure, runs a final safety sweep against the
// graph-safe-property invariant, and issues idempotent UNWIND+MERGE upserts
// through the Session Manager. Grounded on original_source/app/
// graph_loader.py's merge-by-uid Cypher shape and on the
// runtime.MemStats-based memory sampling used elsewhere in this module
// family as a test instrument (getMemoryUsage), generalized here into a
// live backpressure signal.
package batch

import (
	"context"
	"encoding/json"
	"math"
	"runtime"
	stddebug "runtime/debug"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/cadgraph-io/ingest/internal/config"
	"github.com/cadgraph-io/ingest/internal/debug"
	"github.com/cadgraph-io/ingest/internal/ingesterrors"
	"github.com/cadgraph-io/ingest/internal/session"
	"github.com/cadgraph-io/ingest/internal/types"
)

// Writer is the subset of *session.Manager the Batcher needs, narrowed to
// an interface so tests can substitute a fake graph store.
type Writer interface {
	ExecuteWrite(ctx context.Context, database string, work session.Work) (any, error)
}

// MemoryMonitor reports current memory pressure. The default implementation
// samples runtime.MemStats against the process's soft memory limit
// (runtime/debug.SetMemoryLimit); tests inject a fixed fake instead of
// depending on actual process memory (see DESIGN.md for the stdlib
// justification — no third-party memory-stats library exists in the pack).
type MemoryMonitor interface {
	// Sample returns the free memory estimate in MB and whether the
	// "high" / "critical" thresholds configured in cfg are exceeded.
	Sample(cfg config.BatchConfig) (freeMB float64, high, critical bool)
}

// defaultFallbackLimitBytes is used when no Go soft memory limit has been
// configured (debug.SetMemoryLimit(-1) returns math.MaxInt64 in that case),
// so a free-memory ratio can still be computed.
const defaultFallbackLimitBytes = 2 << 30 // 2 GiB

// RuntimeMemoryMonitor is the production MemoryMonitor.
type RuntimeMemoryMonitor struct{}

func (RuntimeMemoryMonitor) Sample(cfg config.BatchConfig) (float64, bool, bool) {
	limit := stddebug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		limit = defaultFallbackLimitBytes
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	used := float64(m.Alloc)
	limitF := float64(limit)
	pctUsed := used / limitF * 100
	freeMB := (limitF - used) / (1024 * 1024)
	if freeMB < 0 {
		freeMB = 0
	}

	return freeMB, pctUsed > float64(cfg.MemoryHighPct), pctUsed > float64(cfg.MemoryCriticalPct)
}

// Batcher groups and writes a graph Payload, per ingest. A fresh Batcher
// must be constructed per ingest since it tracks whether the Clear step has
// run yet.
type Batcher struct {
	writer   Writer
	database string
	cfg      config.BatchConfig
	monitor  MemoryMonitor

	cleared bool

	NodesWritten         int
	RelationshipsWritten int
}

// New constructs a Batcher bound to one ingest's Writer and database.
func New(writer Writer, database string, cfg config.BatchConfig) *Batcher {
	return &Batcher{writer: writer, database: database, cfg: cfg, monitor: RuntimeMemoryMonitor{}}
}

// WithMemoryMonitor overrides the memory sampler, for tests that need
// deterministic backpressure behavior.
func (b *Batcher) WithMemoryMonitor(m MemoryMonitor) *Batcher {
	b.monitor = m
	return b
}

// Write runs the full group-size-sanitize-write sequence for one Payload.
// It is safe to call multiple times across chunks of a streaming ingest;
// the Clear step runs only on the first call.
func (b *Batcher) Write(ctx context.Context, payload types.Payload) error {
	if !b.cleared {
		if err := b.clear(ctx); err != nil {
			return err
		}
		b.cleared = true
	}

	nodesByLabel := groupNodes(payload.Nodes)
	relsByPattern := groupRelationships(payload.Relationships)

	for label, nodes := range nodesByLabel {
		if err := b.writeNodes(ctx, label, nodes); err != nil {
			return err
		}
	}
	for pattern, rels := range relsByPattern {
		if err := b.writeRelationships(ctx, pattern, rels); err != nil {
			return err
		}
	}
	return nil
}

// clear atomically removes all prior data from the dataset using a
// single detach-delete transaction — the portable fallback when a
// store-native bulk-delete path isn't assumed available.
func (b *Batcher) clear(ctx context.Context) error {
	_, err := b.writer.ExecuteWrite(ctx, b.database, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, "MATCH (n) DETACH DELETE n", nil)
		return nil, err
	})
	return err
}

func groupNodes(nodes []types.Node) map[types.NodeLabel][]types.Node {
	out := make(map[types.NodeLabel][]types.Node)
	for _, n := range nodes {
		out[n.Label] = append(out[n.Label], n)
	}
	return out
}

// relPattern groups relationships by (start_label, type, end_label) so
// each group maps to one UNWIND+MERGE Cypher statement.
type relPattern struct {
	StartLabel types.NodeLabel
	Type       types.RelType
	EndLabel   types.NodeLabel
}

func groupRelationships(rels []types.Relationship) map[relPattern][]types.Relationship {
	out := make(map[relPattern][]types.Relationship)
	for _, r := range rels {
		key := relPattern{StartLabel: r.Start.Label, Type: r.Type, EndLabel: r.End.Label}
		out[key] = append(out[key], r)
	}
	return out
}

func (b *Batcher) writeNodes(ctx context.Context, label types.NodeLabel, nodes []types.Node) error {
	size := b.batchSize(len(nodes))

	for start := 0; start < len(nodes); start += size {
		end := start + size
		if end > len(nodes) {
			end = len(nodes)
		}
		chunk := nodes[start:end]

		rows := make([]map[string]any, 0, len(chunk))
		for _, n := range chunk {
			if n.UID == "" || n.Label == "" {
				return ingesterrors.NewPayloadError("node missing label or uid")
			}
			props := sanitizeProperties(n.Properties)
			props["uid"] = n.UID
			rows = append(rows, map[string]any{"uid": n.UID, "props": props})
		}

		cypher := "UNWIND $rows AS row MERGE (n:" + string(label) + " {uid: row.uid}) SET n = row.props"
		_, err := b.writer.ExecuteWrite(ctx, b.database, func(tx neo4j.ManagedTransaction) (any, error) {
			_, err := tx.Run(ctx, cypher, map[string]any{"rows": rows})
			return nil, err
		})
		if err != nil {
			return err
		}
		b.NodesWritten += len(chunk)
		b.pauseIfUnderPressure()
	}
	return nil
}

func (b *Batcher) writeRelationships(ctx context.Context, pattern relPattern, rels []types.Relationship) error {
	size := b.batchSize(len(rels))

	for start := 0; start < len(rels); start += size {
		end := start + size
		if end > len(rels) {
			end = len(rels)
		}
		chunk := rels[start:end]

		rows := make([]map[string]any, 0, len(chunk))
		for _, r := range chunk {
			if r.Start.UID == "" || r.End.UID == "" || r.Type == "" {
				return ingesterrors.NewPayloadError("relationship missing endpoint uid or type")
			}
			rows = append(rows, map[string]any{
				"start_uid": r.Start.UID,
				"end_uid":   r.End.UID,
				"props":     sanitizeProperties(r.Properties),
			})
		}

		cypher := "UNWIND $rows AS row " +
			"MATCH (a:" + string(pattern.StartLabel) + " {uid: row.start_uid}) " +
			"MATCH (b:" + string(pattern.EndLabel) + " {uid: row.end_uid}) " +
			"MERGE (a)-[r:" + string(pattern.Type) + "]->(b) " +
			"SET r = row.props"
		_, err := b.writer.ExecuteWrite(ctx, b.database, func(tx neo4j.ManagedTransaction) (any, error) {
			_, err := tx.Run(ctx, cypher, map[string]any{"rows": rows})
			return nil, err
		})
		if err != nil {
			return err
		}
		b.RelationshipsWritten += len(chunk)
		b.pauseIfUnderPressure()
	}
	return nil
}

// batchSize computes a batch_size in [min,max], scaled by free memory,
// with a base derived from total payload size: total divided by
// batchSizeDivisor, clamped to [min,max]. With the default bounds
// (50..5000) the base rises above the minimum only for groups larger than
// 5,000 items and reaches the maximum at 500,000 items.
const batchSizeDivisor = 100

func (b *Batcher) batchSize(total int) int {
	freeMB, high, critical := b.monitor.Sample(b.cfg)

	base := total / batchSizeDivisor
	if base < b.cfg.MinBatchSize {
		base = b.cfg.MinBatchSize
	}
	if base > b.cfg.MaxBatchSize {
		base = b.cfg.MaxBatchSize
	}

	scale := freeMB / 1024
	if scale > 2.0 {
		scale = 2.0
	}
	if scale < 0 {
		scale = 0
	}
	size := int(float64(base) * scale)

	if freeMB < 512 {
		size /= 2
	}
	if size < b.cfg.MinBatchSize {
		size = b.cfg.MinBatchSize
	}
	if size > b.cfg.MaxBatchSize {
		size = b.cfg.MaxBatchSize
	}

	_ = high
	_ = critical
	return size
}

// pauseIfUnderPressure forces a GC and pauses (~3s) under critical
// pressure, or pauses briefly (~1s) under high pressure.
func (b *Batcher) pauseIfUnderPressure() {
	_, high, critical := b.monitor.Sample(b.cfg)
	switch {
	case critical:
		debug.LogBatch("critical memory pressure, forcing GC and pausing 3s")
		runtime.GC()
		time.Sleep(3 * time.Second)
	case high:
		debug.LogBatch("high memory pressure, pausing 1s")
		time.Sleep(1 * time.Second)
	}
}

// sanitizeProperties serializes every property that is not a graph-safe
// scalar or homogeneous scalar array to a JSON string. Coordinates should
// already have been flattened by the Projector; this sweep is the last
// defense against anything that slips through.
func sanitizeProperties(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case nil, bool, int64, float64, string:
		return t
	case int:
		return int64(t)
	case []int64, []float64, []string, []bool:
		return t
	default:
		if b, err := json.Marshal(t); err == nil {
			return string(b)
		}
		return ""
	}
}
