// Package config loads the ingestion pipeline's configuration surface
// from a KDL document with environment-variable overrides for
// graph-store credentials, following the layering of this repository's
// predecessor (internal/config.Config + Load).
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config is the full recognized configuration surface.
type Config struct {
	Jobs    JobsConfig
	Stream  StreamConfig
	Batch   BatchConfig
	Graph   GraphConfig
	Staging StagingConfig
	Results ResultsConfig
}

// JobsConfig tunes the Job Manager.
type JobsConfig struct {
	MaxWorkers             int
	AsyncEnrichmentEnabled bool
}

// StreamConfig tunes the Entity Streamer and the Orchestrator's
// streaming-vs-whole-file decision.
type StreamConfig struct {
	EntityThreshold  int
	ChunkSize        int // used when entity count <= 20000
	LargeChunkSize   int // used when entity count > 20000
	LargeChunkCutoff int
	TimeoutS         int
}

// BatchConfig tunes the Batcher & Writer.
type BatchConfig struct {
	RetryMax          int
	MemoryHighPct     int
	MemoryCriticalPct int
	MinBatchSize      int
	MaxBatchSize      int
}

// GraphConfig names the graph-store endpoint and credentials. Secrets
// are always sourced from the environment, never from the committed KDL
// document.
type GraphConfig struct {
	URI                     string
	User                    string
	Password                string
	Database                string
	ConnectionLifetimeS     int
	ConnectionPoolSize      int
	ConnectionAcquireTimeoutS int
}

// StagingConfig locates the upload staging directory and size limit.
type StagingConfig struct {
	Dir            string
	MaxUploadBytes int64
}

// ResultsConfig locates the Job Manager's durable per-job result files,
// written as "<results_dir>/<job_id>_result.json".
type ResultsConfig struct {
	Dir string
}

// Default returns the configuration surface's documented defaults
// (default values in brackets).
func Default() *Config {
	return &Config{
		Jobs: JobsConfig{
			MaxWorkers:             2,
			AsyncEnrichmentEnabled: false,
		},
		Stream: StreamConfig{
			EntityThreshold:  5000,
			ChunkSize:        3000,
			LargeChunkSize:   2000,
			LargeChunkCutoff: 20000,
			TimeoutS:         120,
		},
		Batch: BatchConfig{
			RetryMax:          3,
			MemoryHighPct:     75,
			MemoryCriticalPct: 85,
			MinBatchSize:      50,
			MaxBatchSize:      5000,
		},
		Graph: GraphConfig{
			Database:                  "neo4j",
			ConnectionLifetimeS:       1800,
			ConnectionPoolSize:        100,
			ConnectionAcquireTimeoutS: 60,
		},
		Staging: StagingConfig{
			Dir:            "./staging",
			MaxUploadBytes: 500 * 1024 * 1024,
		},
		Results: ResultsConfig{
			Dir: "./job-results",
		},
	}
}

// Load reads a .cadgraph.kdl document at path if present, falling back to
// Default() when the file does not exist, then applies GRAPH_* environment
// overrides. Missing configuration file is not an error: the same
// tolerant-default behavior as the predecessor's LoadKDL.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := loadKDLInto(cfg, path); err != nil {
				return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRAPH_URI"); v != "" {
		cfg.Graph.URI = v
	}
	if v := os.Getenv("GRAPH_USER"); v != "" {
		cfg.Graph.User = v
	}
	if v := os.Getenv("GRAPH_PASSWORD"); v != "" {
		cfg.Graph.Password = v
	}
	if v := os.Getenv("GRAPH_DATABASE"); v != "" {
		cfg.Graph.Database = v
	}
	if v := os.Getenv("MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Jobs.MaxWorkers = n
		}
	}
	if v := os.Getenv("ASYNC_ENRICHMENT_ENABLED"); v != "" {
		cfg.Jobs.AsyncEnrichmentEnabled = v == "true" || v == "1" || v == "yes"
	}
}

// Validate checks that the configuration is self-consistent, mirroring the
// predecessor's internal/config/validator.go range checks.
func (c *Config) Validate() error {
	if c.Jobs.MaxWorkers < 1 {
		return fmt.Errorf("jobs.max_workers must be >= 1, got %d", c.Jobs.MaxWorkers)
	}
	if c.Stream.EntityThreshold < 0 {
		return fmt.Errorf("stream.entity_threshold must be >= 0, got %d", c.Stream.EntityThreshold)
	}
	if c.Stream.ChunkSize < 1 || c.Stream.LargeChunkSize < 1 {
		return fmt.Errorf("stream chunk sizes must be >= 1")
	}
	if c.Batch.MinBatchSize < 1 || c.Batch.MaxBatchSize < c.Batch.MinBatchSize {
		return fmt.Errorf("batch.min_batch_size/max_batch_size out of range (%d/%d)", c.Batch.MinBatchSize, c.Batch.MaxBatchSize)
	}
	if c.Batch.MemoryHighPct <= 0 || c.Batch.MemoryCriticalPct <= c.Batch.MemoryHighPct || c.Batch.MemoryCriticalPct > 100 {
		return fmt.Errorf("batch memory thresholds invalid: high=%d critical=%d", c.Batch.MemoryHighPct, c.Batch.MemoryCriticalPct)
	}
	if c.Graph.URI == "" {
		return fmt.Errorf("graph.uri must be set (GRAPH_URI)")
	}
	return nil
}
