package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// fakePipeline completes every stage immediately, optionally injecting a
// short delay so status polling observes intermediate progress, and
// optionally failing at a configured stage.
type fakePipeline struct {
	delay     time.Duration
	failStage Stage
}

func (f fakePipeline) maybeDelay() {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
}

func (f fakePipeline) Extract(ctx context.Context, job JobState) (any, error) {
	f.maybeDelay()
	if f.failStage == StageExtract {
		return nil, errors.New("extract failed")
	}
	return "extracted", nil
}

func (f fakePipeline) RenderOCR(ctx context.Context, job JobState, extracted any) (any, error) {
	f.maybeDelay()
	if f.failStage == StageRenderOCR {
		return nil, errors.New("render/ocr failed")
	}
	return "rendered", nil
}

func (f fakePipeline) CrossValidate(ctx context.Context, job JobState, rendered any) (any, error) {
	f.maybeDelay()
	if f.failStage == StageCrossValidate {
		return nil, errors.New("cross-validate failed")
	}
	return "validated", nil
}

func (f fakePipeline) QualityScore(ctx context.Context, job JobState, validated any) (float64, error) {
	f.maybeDelay()
	if f.failStage == StageQualityScore {
		return 0, errors.New("quality score failed")
	}
	return 0.9, nil
}

func (f fakePipeline) Assemble(ctx context.Context, job JobState, validated any, score float64) (any, error) {
	f.maybeDelay()
	if f.failStage == StageAssemble {
		return nil, errors.New("assemble failed")
	}
	return map[string]any{"validated": validated, "score": score}, nil
}

type memResultStore struct {
	writes []JobState
}

func (s *memResultStore) Write(job JobState) error {
	s.writes = append(s.writes, job)
	return nil
}

func waitForTerminal(t *testing.T, m *Manager, id string, timeout time.Duration) JobState {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s, ok := m.Status(id)
		if ok && (s.Status == StatusCompleted || s.Status == StatusFailed) {
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state within %s", id, timeout)
	return JobState{}
}

func TestJobCompletesSuccessfully(t *testing.T) {
	store := &memResultStore{}
	m := NewManager(2, fakePipeline{}, store)
	defer m.Shutdown()

	id, err := m.Submit("drawing.dwg", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForTerminal(t, m, id, 2*time.Second)
	if final.Status != StatusCompleted {
		t.Fatalf("Status = %v, want COMPLETED", final.Status)
	}
	if final.Progress != 1.0 {
		t.Errorf("Progress = %v, want 1.0", final.Progress)
	}
	if len(store.writes) != 1 {
		t.Fatalf("expected exactly one result file write, got %d", len(store.writes))
	}
}

func TestJobFailurePersistsError(t *testing.T) {
	store := &memResultStore{}
	m := NewManager(1, fakePipeline{failStage: StageRenderOCR}, store)
	defer m.Shutdown()

	id, err := m.Submit("drawing.dwg", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForTerminal(t, m, id, 2*time.Second)
	if final.Status != StatusFailed {
		t.Fatalf("Status = %v, want FAILED", final.Status)
	}
	if final.Error == "" {
		t.Errorf("expected a non-empty Error on FAILED job")
	}
	if len(store.writes) != 1 {
		t.Fatalf("expected a result file write on failure too, got %d", len(store.writes))
	}
}

func TestProgressMonotonicNonDecreasing(t *testing.T) {
	store := &memResultStore{}
	m := NewManager(1, fakePipeline{delay: 50 * time.Millisecond}, store)
	defer m.Shutdown()

	id, err := m.Submit("drawing.dwg", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var observed []float64
	for i := 0; i < 5; i++ {
		s, ok := m.Status(id)
		if !ok {
			t.Fatalf("job disappeared from registry")
		}
		observed = append(observed, s.Progress)
		if s.Progress == 1.0 && s.Status != StatusCompleted {
			t.Errorf("progress reached 1.0 before status=COMPLETED (status=%v)", s.Status)
		}
		time.Sleep(60 * time.Millisecond)
	}

	for i := 1; i < len(observed); i++ {
		if observed[i] < observed[i-1] {
			t.Errorf("progress decreased: %v", observed)
			break
		}
	}
}

// TestCancelBeforePickup cancels a job before any worker picks it up.
func TestCancelBeforePickup(t *testing.T) {
	store := &memResultStore{}
	// Zero workers would never drain the queue; instead, saturate the
	// single worker with a slow first job so the second job stays PENDING
	// long enough to be reliably cancelled.
	m := NewManager(1, fakePipeline{delay: 500 * time.Millisecond}, store)
	defer m.Shutdown()

	_, err := m.Submit("busy.dwg", nil)
	if err != nil {
		t.Fatalf("Submit busy job: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the worker pick up the busy job

	id, err := m.Submit("cancel-me.dwg", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if ok := m.Cancel(id); !ok {
		t.Fatalf("expected Cancel to succeed while job is still PENDING")
	}
	s, _ := m.Status(id)
	if s.Status != StatusCancelled {
		t.Errorf("Status = %v, want CANCELLED", s.Status)
	}
}

// TestCancelAfterPickup cancels a job after a worker has already picked
// it up.
func TestCancelAfterPickup(t *testing.T) {
	store := &memResultStore{}
	m := NewManager(1, fakePipeline{delay: 300 * time.Millisecond}, store)
	defer m.Shutdown()

	id, err := m.Submit("drawing.dwg", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the worker pick it up

	if ok := m.Cancel(id); ok {
		t.Fatalf("expected Cancel to fail once a worker has picked up the job")
	}

	final := waitForTerminal(t, m, id, 2*time.Second)
	if final.Status != StatusCompleted {
		t.Errorf("Status = %v, want COMPLETED (cancel after pickup must not abort the job)", final.Status)
	}
}

func TestCleanupEvictsOldJobs(t *testing.T) {
	store := &memResultStore{}
	m := NewManager(1, fakePipeline{}, store)
	defer m.Shutdown()

	id, _ := m.Submit("drawing.dwg", nil)
	waitForTerminal(t, m, id, 2*time.Second)

	m.mu.Lock()
	m.registry[id].CreatedAt = time.Now().Add(-48 * time.Hour)
	m.mu.Unlock()

	n := m.Cleanup(24 * time.Hour)
	if n != 1 {
		t.Errorf("Cleanup evicted %d jobs, want 1", n)
	}
	if _, ok := m.Status(id); ok {
		t.Errorf("expected evicted job to be absent from Status")
	}
}

func TestManagerShutdownLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &memResultStore{}
	m := NewManager(2, fakePipeline{}, store)
	id, _ := m.Submit("drawing.dwg", nil)
	waitForTerminal(t, m, id, 2*time.Second)
	m.Shutdown()
}
