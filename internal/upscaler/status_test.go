package upscaler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sdtile/upscaler/internal/model"
)

func TestStatusTracker_Lifecycle(t *testing.T) {
	tr := NewStatusTracker()
	assert.True(t, tr.IsReady())
	assert.Equal(t, "Ready", tr.Message())

	tr.Start("job-1", "Initializing model None")
	assert.Equal(t, "Initializing model None", tr.Message())

	tr.Progress("Running upscaler job", 1, 3, 50)
	assert.Equal(t, "Running upscaler job (batch 2/3, 50 steps)", tr.Message())

	tr.SetReady()
	assert.Equal(t, Status{Phase: model.PhaseReady, UpdatedAt: tr.Snapshot().UpdatedAt}, tr.Snapshot())
}

func TestStatusTracker_Cancel(t *testing.T) {
	tr := NewStatusTracker()
	assert.False(t, tr.Cancel(""), "nothing to cancel while ready")

	tr.Start("job-1", "x")
	assert.False(t, tr.Cancel("job-2"))
	assert.True(t, tr.Cancel("job-1"))
	assert.True(t, tr.IsCanceling())
	assert.Equal(t, "Canceling...", tr.Message())

	tr.Progress("Running upscaler job", 2, 3, 50)
	assert.True(t, tr.IsCanceling(), "progress keeps a pending cancellation")
	assert.False(t, tr.Cancel("job-1"), "already canceling")
}

func TestStatusTracker_ProgressWhileReady(t *testing.T) {
	tr := NewStatusTracker()
	tr.Progress("late", 1, 2, 10)
	assert.True(t, tr.IsReady())
	assert.Equal(t, 0, tr.Snapshot().TotalBatches)
}

func TestStatusTracker_Response(t *testing.T) {
	tr := NewStatusTracker()
	tr.Start("job-9", "Running upscaler job")
	tr.Progress("Running upscaler job", 0, 2, 25)

	resp := tr.Response()
	assert.Equal(t, model.PhaseRunning, resp.Phase)
	assert.Equal(t, "job-9", resp.JobID)
	assert.Equal(t, 2, resp.TotalBatches)
	assert.Equal(t, "Running upscaler job (batch 1/2, 25 steps)", resp.Message)
}
