// Package jobs implements the Job Manager: a bounded
// multi-worker queue for post-ingest enrichment jobs, with a single
// mutex-guarded registry and per-job durable result files. The worker-pool
// fan-out shape (a goroutine per worker reading a shared task channel with
// a ctx.Done escape for graceful shutdown) and single-owner
// progress-tracking pattern follow the idiom used elsewhere in this
// module family for file-processing pipelines, generalized here from
// file-indexing progress to job progress percentages. Worker goroutines
// are managed with golang.org/x/sync/errgroup instead of a bare
// sync.WaitGroup, and the RenderOCR stage is additionally bounded by a
// golang.org/x/sync/semaphore.Weighted separate from the worker count,
// since OCR is the heaviest of the five stages. A single job's state
// doesn't need a sharded-counter design (that exists to reduce atomic
// contention across thousands of files in flight); a plain mutex-guarded
// map is enough for the job counts this component handles (see
// DESIGN.md).
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cadgraph-io/ingest/internal/debug"
	"github.com/cadgraph-io/ingest/internal/ingesterrors"
)

// Status is one of the Job Manager's state-machine states.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Stage names the five-stage enrichment pipeline's current step.
type Stage string

const (
	StageExtract       Stage = "extract"
	StageRenderOCR     Stage = "render_ocr"
	StageCrossValidate Stage = "cross_validate"
	StageQualityScore  Stage = "quality_score"
	StageAssemble      Stage = "assemble"
)

// JobState is the full observable state of one job (status()
// contract).
type JobState struct {
	ID         string         `json:"id"`
	FilePath   string         `json:"file_path"`
	Options    map[string]any `json:"options,omitempty"`
	Status     Status         `json:"status"`
	Stage      Stage          `json:"stage,omitempty"`
	Progress   float64        `json:"progress"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
	Metrics    map[string]any `json:"metrics,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

func (j JobState) clone() JobState {
	cp := j
	if j.Options != nil {
		cp.Options = make(map[string]any, len(j.Options))
		for k, v := range j.Options {
			cp.Options[k] = v
		}
	}
	if j.Metrics != nil {
		cp.Metrics = make(map[string]any, len(j.Metrics))
		for k, v := range j.Metrics {
			cp.Metrics[k] = v
		}
	}
	return cp
}

// Pipeline runs the five enrichment stages for one job: extract →
// render/OCR → cross-validate → quality score → assemble. Each method
// receives the prior stage's output and must be safe to call with a
// cancellable ctx; the Manager never calls two stages of the same job
// concurrently.
type Pipeline interface {
	Extract(ctx context.Context, job JobState) (any, error)
	RenderOCR(ctx context.Context, job JobState, extracted any) (any, error)
	CrossValidate(ctx context.Context, job JobState, rendered any) (any, error)
	QualityScore(ctx context.Context, job JobState, validated any) (float64, error)
	Assemble(ctx context.Context, job JobState, validated any, score float64) (any, error)
}

// ResultStore persists a job's terminal state durably ("per-job
// result file at <results_dir>/<job_id>_result.json").
type ResultStore interface {
	Write(job JobState) error
}

// FileResultStore is the production ResultStore.
type FileResultStore struct {
	Dir string
}

func (s FileResultStore) Write(job JobState) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.Dir, job.ID+"_result.json")
	return os.WriteFile(path, b, 0o644)
}

// Manager is the Job Manager: a fixed worker pool draining a buffered
// queue, with a single mutex-guarded registry owning job state between
// transitions ("all mutations go through a single lock").
type Manager struct {
	pipeline Pipeline
	results  ResultStore
	workers  int

	queue chan string

	mu       sync.Mutex
	registry map[string]*JobState

	stopOnce sync.Once
	stopCh   chan struct{}
	eg       *errgroup.Group

	// ocrSem bounds concurrent RenderOCR stage executions independently of
	// the worker count: OCR is the heaviest stage, so more jobs can be
	// in flight (extracting, cross-validating) than are actually running
	// OCR at any one instant.
	ocrSem *semaphore.Weighted
}

// defaultOCRConcurrency caps simultaneous RenderOCR stage executions when
// the caller doesn't need more than half the worker pool doing OCR work at
// once.
func defaultOCRConcurrency(workers int) int64 {
	n := int64(workers / 2)
	if n < 1 {
		n = 1
	}
	return n
}

// NewManager constructs a Job Manager with workers fixed worker goroutines
// ("fixed worker count N, configurable, default 2").
func NewManager(workers int, pipeline Pipeline, results ResultStore) *Manager {
	if workers < 1 {
		workers = 2
	}
	eg := &errgroup.Group{}
	m := &Manager{
		pipeline: pipeline,
		results:  results,
		workers:  workers,
		queue:    make(chan string, 4096),
		registry: make(map[string]*JobState),
		stopCh:   make(chan struct{}),
		eg:       eg,
		ocrSem:   semaphore.NewWeighted(defaultOCRConcurrency(workers)),
	}
	for i := 0; i < workers; i++ {
		workerID := i
		eg.Go(func() error {
			m.runWorker(workerID)
			return nil
		})
	}
	return m
}

// Shutdown signals every worker to stop and waits for them to exit. A
// worker finishes the job it is processing first; jobs still queued stay
// PENDING. Submit does not check for shutdown and keeps enqueueing.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	_ = m.eg.Wait()
}

// Submit enqueues a PENDING job and returns immediately.
func (m *Manager) Submit(filePath string, options map[string]any) (string, error) {
	id := uuid.NewString()
	state := &JobState{
		ID:        id,
		FilePath:  filePath,
		Options:   options,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.registry[id] = state
	m.mu.Unlock()
	debug.LogJob("submitted job %s for %s", id, filePath)

	select {
	case m.queue <- id:
	default:
		m.mu.Lock()
		delete(m.registry, id)
		m.mu.Unlock()
		return "", errors.New("job queue is full")
	}

	return id, nil
}

// Status returns a snapshot of the job's state, or ok=false if unknown
// (evicted, or never submitted).
func (m *Manager) Status(id string) (JobState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.registry[id]
	if !ok {
		return JobState{}, false
	}
	return s.clone(), true
}

// List returns a snapshot of every job currently in the registry.
func (m *Manager) List() []JobState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobState, 0, len(m.registry))
	for _, s := range m.registry {
		out = append(out, s.clone())
	}
	return out
}

// Cancel transitions a PENDING job to CANCELLED. It returns false once a
// worker has already picked the job up ("succeeds only while
// PENDING").
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.registry[id]
	if !ok || s.Status != StatusPending {
		return false
	}
	s.Status = StatusCancelled
	s.FinishedAt = time.Now()
	return true
}

// Cleanup evicts jobs whose CreatedAt predates maxAge, returning the count
// evicted (cleanup()). The persisted result file, if any, is left
// untouched — eviction only affects the in-memory table.
func (m *Manager) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.registry {
		if s.CreatedAt.Before(cutoff) {
			delete(m.registry, id)
			n++
		}
	}
	return n
}

const workerPollInterval = 200 * time.Millisecond

func (m *Manager) runWorker(workerID int) {
	for {
		select {
		case <-m.stopCh:
			return
		case id := <-m.queue:
			m.process(id)
		case <-time.After(workerPollInterval):
			// idle wake-up; Shutdown is observed through the stopCh case
			// above, not through this timeout.
		}
	}
}

// process runs the five-stage pipeline for one job (worker
// contract). A cancelled job observed here is skipped, never started.
func (m *Manager) process(id string) {
	m.mu.Lock()
	s, ok := m.registry[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if s.Status == StatusCancelled {
		m.mu.Unlock()
		return
	}
	s.Status = StatusProcessing
	s.StartedAt = time.Now()
	snapshot := s.clone()
	m.mu.Unlock()

	ctx := context.Background()
	result, stage, err := m.runPipeline(ctx, id, snapshot)

	m.mu.Lock()
	s, ok = m.registry[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.FinishedAt = time.Now()
	if err != nil {
		s.Status = StatusFailed
		s.Error = ingesterrors.NewJobExecutionError(string(stage), err).Error()
	} else {
		s.Status = StatusCompleted
		s.Progress = 1.0
		s.Result = result
	}
	final := s.clone()
	m.mu.Unlock()
	debug.LogJob("job %s finished with status %s", id, final.Status)

	if m.results != nil {
		_ = m.results.Write(final)
	}
}

// runPipeline drives the sequential five-stage enrichment, updating
// progress via setProgress as each stage completes (progress
// points: 10→30%, 30→70%, 70→85%, 85→95%, 95→100%).
func (m *Manager) runPipeline(ctx context.Context, id string, job JobState) (any, Stage, error) {
	m.setStage(id, StageExtract, 0.10)
	extracted, err := m.pipeline.Extract(ctx, job)
	if err != nil {
		return nil, StageExtract, err
	}
	m.setStage(id, StageExtract, 0.30)

	m.setStage(id, StageRenderOCR, 0.30)
	if err := m.ocrSem.Acquire(ctx, 1); err != nil {
		return nil, StageRenderOCR, err
	}
	rendered, err := m.pipeline.RenderOCR(ctx, job, extracted)
	m.ocrSem.Release(1)
	if err != nil {
		return nil, StageRenderOCR, err
	}
	m.setStage(id, StageRenderOCR, 0.70)

	m.setStage(id, StageCrossValidate, 0.70)
	validated, err := m.pipeline.CrossValidate(ctx, job, rendered)
	if err != nil {
		return nil, StageCrossValidate, err
	}
	m.setStage(id, StageCrossValidate, 0.85)

	m.setStage(id, StageQualityScore, 0.85)
	score, err := m.pipeline.QualityScore(ctx, job, validated)
	if err != nil {
		return nil, StageQualityScore, err
	}
	m.setStage(id, StageQualityScore, 0.95)

	m.setStage(id, StageAssemble, 0.95)
	assembled, err := m.pipeline.Assemble(ctx, job, validated, score)
	if err != nil {
		return nil, StageAssemble, err
	}
	return assembled, StageAssemble, nil
}

func (m *Manager) setStage(id string, stage Stage, progress float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.registry[id]; ok {
		s.Stage = stage
		s.Progress = progress
	}
}
