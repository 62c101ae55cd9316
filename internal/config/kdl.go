package config

import (
	"fmt"
	"os"
	"strings"

	kdl "github.com/sblinch/kdl-go"
	"github.com/sblinch/kdl-go/document"
)

// loadKDLInto parses a .cadgraph.kdl document and overlays its values onto
// an already-defaulted Config, following the predecessor's node-by-node
// KDL AST traversal (internal/config/kdl_config.go parseKDL).
func loadKDLInto(cfg *Config, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	doc, err := kdl.Parse(strings.NewReader(string(content)))
	if err != nil {
		return fmt.Errorf("failed to parse KDL config: %w", err)
	}

	for _, n := range doc.Nodes {
		switch nodeName(n) {
		case "jobs":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "max_workers":
					if v, ok := firstIntArg(cn); ok {
						cfg.Jobs.MaxWorkers = v
					}
				case "async_enrichment_enabled":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Jobs.AsyncEnrichmentEnabled = b
					}
				}
			}
		case "stream":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "entity_threshold":
					if v, ok := firstIntArg(cn); ok {
						cfg.Stream.EntityThreshold = v
					}
				case "chunk_size":
					if v, ok := firstIntArg(cn); ok {
						cfg.Stream.ChunkSize = v
					}
				case "large_chunk_size":
					if v, ok := firstIntArg(cn); ok {
						cfg.Stream.LargeChunkSize = v
					}
				case "large_chunk_cutoff":
					if v, ok := firstIntArg(cn); ok {
						cfg.Stream.LargeChunkCutoff = v
					}
				case "timeout_s":
					if v, ok := firstIntArg(cn); ok {
						cfg.Stream.TimeoutS = v
					}
				}
			}
		case "batch":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "retry_max":
					if v, ok := firstIntArg(cn); ok {
						cfg.Batch.RetryMax = v
					}
				case "memory_high_pct":
					if v, ok := firstIntArg(cn); ok {
						cfg.Batch.MemoryHighPct = v
					}
				case "memory_critical_pct":
					if v, ok := firstIntArg(cn); ok {
						cfg.Batch.MemoryCriticalPct = v
					}
				case "min_batch_size":
					if v, ok := firstIntArg(cn); ok {
						cfg.Batch.MinBatchSize = v
					}
				case "max_batch_size":
					if v, ok := firstIntArg(cn); ok {
						cfg.Batch.MaxBatchSize = v
					}
				}
			}
		case "graph":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "uri":
					if s, ok := firstStringArg(cn); ok {
						cfg.Graph.URI = s
					}
				case "database":
					if s, ok := firstStringArg(cn); ok {
						cfg.Graph.Database = s
					}
				case "connection_lifetime_s":
					if v, ok := firstIntArg(cn); ok {
						cfg.Graph.ConnectionLifetimeS = v
					}
				case "connection_pool_size":
					if v, ok := firstIntArg(cn); ok {
						cfg.Graph.ConnectionPoolSize = v
					}
				case "connection_acquire_timeout_s":
					if v, ok := firstIntArg(cn); ok {
						cfg.Graph.ConnectionAcquireTimeoutS = v
					}
				}
				// GRAPH_USER / GRAPH_PASSWORD are intentionally not
				// readable from the KDL document; see applyEnvOverrides.
			}
		case "staging":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "dir":
					if s, ok := firstStringArg(cn); ok {
						cfg.Staging.Dir = s
					}
				case "max_upload_bytes":
					if v, ok := firstIntArg(cn); ok {
						cfg.Staging.MaxUploadBytes = int64(v)
					}
				}
			}
		case "results":
			for _, cn := range n.Children {
				if nodeName(cn) == "dir" {
					if s, ok := firstStringArg(cn); ok {
						cfg.Results.Dir = s
					}
				}
			}
		}
	}

	return nil
}

func nodeName(n *document.Node) string {
	if n == nil || n.Name == nil {
		return ""
	}
	return n.Name.NodeNameString()
}

func firstIntArg(n *document.Node) (int, bool) {
	if len(n.Arguments) == 0 {
		return 0, false
	}
	switch v := n.Arguments[0].Value.(type) {
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func firstStringArg(n *document.Node) (string, bool) {
	if len(n.Arguments) == 0 {
		return "", false
	}
	if s, ok := n.Arguments[0].Value.(string); ok {
		return s, true
	}
	return "", false
}

func firstBoolArg(n *document.Node) (bool, bool) {
	if len(n.Arguments) == 0 {
		return false, false
	}
	if b, ok := n.Arguments[0].Value.(bool); ok {
		return b, true
	}
	return false, false
}
