package upscaler

import (
	"fmt"
	"sync"
	"time"

	"github.com/sdtile/upscaler/internal/model"
)

// Status is a snapshot of the process-wide generation state.
type Status struct {
	Phase        model.Phase
	JobID        string
	Label        string
	CurrentBatch int
	TotalBatches int
	Steps        int
	UpdatedAt    time.Time
}

// StatusTracker records what the single generation slot is doing. The job
// loop writes it; status endpoints and the cancel path read it.
type StatusTracker struct {
	mu sync.RWMutex
	st Status
}

func NewStatusTracker() *StatusTracker {
	return &StatusTracker{st: Status{Phase: model.PhaseReady, UpdatedAt: time.Now()}}
}

// Start moves the tracker to running for jobID.
func (t *StatusTracker) Start(jobID, label string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st = Status{
		Phase:     model.PhaseRunning,
		JobID:     jobID,
		Label:     label,
		UpdatedAt: time.Now(),
	}
}

// Progress records batch progress. A pending cancellation is preserved.
func (t *StatusTracker) Progress(label string, current, total, steps int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.st.Phase == model.PhaseReady {
		return
	}
	t.st.Label = label
	t.st.CurrentBatch = current
	t.st.TotalBatches = total
	t.st.Steps = steps
	t.st.UpdatedAt = time.Now()
}

// Cancel requests cancellation of the running job. An empty jobID matches
// whatever is running. It reports whether a job was marked.
func (t *StatusTracker) Cancel(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.st.Phase != model.PhaseRunning {
		return false
	}
	if jobID != "" && jobID != t.st.JobID {
		return false
	}
	t.st.Phase = model.PhaseCanceling
	t.st.UpdatedAt = time.Now()
	return true
}

func (t *StatusTracker) IsCanceling() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.st.Phase == model.PhaseCanceling
}

func (t *StatusTracker) IsReady() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.st.Phase == model.PhaseReady
}

// SetReady clears the record.
func (t *StatusTracker) SetReady() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st = Status{Phase: model.PhaseReady, UpdatedAt: time.Now()}
}

func (t *StatusTracker) Snapshot() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.st
}

// Message renders the status line shown by status pollers.
func (t *StatusTracker) Message() string {
	st := t.Snapshot()
	switch st.Phase {
	case model.PhaseCanceling:
		return "Canceling..."
	case model.PhaseRunning:
		if st.TotalBatches == 0 {
			return st.Label
		}
		return fmt.Sprintf("%s (batch %d/%d, %d steps)", st.Label, st.CurrentBatch+1, st.TotalBatches, st.Steps)
	default:
		return "Ready"
	}
}

// Response converts the snapshot to its API shape.
func (t *StatusTracker) Response() *model.GenerationStatusResponse {
	st := t.Snapshot()
	return &model.GenerationStatusResponse{
		Phase:        st.Phase,
		Message:      t.Message(),
		JobID:        st.JobID,
		Label:        st.Label,
		CurrentBatch: st.CurrentBatch,
		TotalBatches: st.TotalBatches,
		Steps:        st.Steps,
		UpdatedAt:    st.UpdatedAt,
	}
}
