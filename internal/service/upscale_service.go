package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/sdtile/upscaler/internal/client"
	"github.com/sdtile/upscaler/internal/model"
	"github.com/sdtile/upscaler/internal/upscaler"
)

const (
	TaskTypeUpscale = "upscale:process"
	QueueUpscale    = "upscale"
)

var ErrJobFinished = errors.New("job already finished")

// Enqueuer is the part of asynq.Client the service needs.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskPayload is the body of an upscale task.
type TaskPayload struct {
	JobID   string          `json:"jobId"`
	Payload json.RawMessage `json:"payload"`
}

// UpscaleService handles upscale job management
type UpscaleService struct {
	store    JobStore
	queue    Enqueuer
	status   *upscaler.StatusTracker
	opts     upscaler.Options
	maxRetry int
}

func NewUpscaleService(store JobStore, queue Enqueuer, status *upscaler.StatusTracker, opts upscaler.Options, maxRetry int) *UpscaleService {
	return &UpscaleService{
		store:    store,
		queue:    queue,
		status:   status,
		opts:     opts,
		maxRetry: maxRetry,
	}
}

// StartUpscale validates the request, stores the source image and queues
// the job. Nothing is stored when validation fails.
func (s *UpscaleService) StartUpscale(ctx context.Context, req *model.UpscaleStartRequest) (*model.UpscaleStartResponse, error) {
	img, err := client.DecodeImage(req.Image)
	if err != nil {
		return nil, &upscaler.ConfigurationError{Message: "an initial image is required: " + err.Error()}
	}

	payload := model.PayloadFromRequest(req)
	if err := upscaler.Validate(&payload, s.opts); err != nil {
		return nil, err
	}
	if payload.OnDemand && payload.BatchCount > 1 {
		payload.BatchCount = 1
	}

	var source bytes.Buffer
	if err := png.Encode(&source, img); err != nil {
		return nil, fmt.Errorf("failed to encode source image: %w", err)
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	jobID := uuid.New().String()
	now := time.Now()
	job := &model.Job{
		ID:           jobID,
		Type:         model.JobTypeUpscale,
		Status:       model.JobStatusQueued,
		TotalBatches: payload.BatchCount,
		Payload:      payloadBytes,
		CreatedAt:    now,
		UserID:       req.UserID,
	}

	if err := s.store.SaveSource(ctx, jobID, source.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to save source image: %w", err)
	}
	if err := s.store.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	task, err := newUpscaleTask(jobID, payloadBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	_, err = s.queue.Enqueue(task,
		asynq.Queue(QueueUpscale),
		asynq.MaxRetry(s.maxRetry),
		asynq.Retention(JobTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return &model.UpscaleStartResponse{
		JobID:      jobID,
		Status:     model.JobStatusQueued,
		BatchCount: payload.BatchCount,
		CreatedAt:  now,
	}, nil
}

// GetStatus returns the current status of an upscale job
func (s *UpscaleService) GetStatus(ctx context.Context, jobID string) (*model.UpscaleStatusResponse, error) {
	job, err := s.load(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return &model.UpscaleStatusResponse{
		JobID:        job.ID,
		Status:       job.Status,
		Progress:     job.Progress,
		CurrentStep:  job.CurrentStep,
		CurrentBatch: job.CurrentBatch,
		TotalBatches: job.TotalBatches,
		Error:        job.Error,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		RetryCount:   job.RetryCount,
	}, nil
}

// GetResult returns the images persisted so far. It works while the job is
// still running.
func (s *UpscaleService) GetResult(ctx context.Context, jobID string) (*model.UpscaleResultResponse, error) {
	job, err := s.load(ctx, jobID)
	if err != nil {
		return nil, err
	}

	images := job.Images
	if images == nil {
		images = []model.UpscaledItem{}
	}
	return &model.UpscaleResultResponse{
		JobID:    job.ID,
		Status:   job.Status,
		Images:   images,
		Log:      job.Log,
		Complete: job.Terminal(),
	}, nil
}

// CancelUpscale marks the job canceled and, when it is the one running in
// this process, asks the job loop to stop after the current batch.
func (s *UpscaleService) CancelUpscale(ctx context.Context, jobID string) (*model.UpscaleCancelResponse, error) {
	job, err := s.load(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status == model.JobStatusSucceeded || job.Status == model.JobStatusFailed {
		return nil, ErrJobFinished
	}

	if err := s.store.MarkCanceled(ctx, jobID); err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusCanceled {
		job.Status = model.JobStatusCanceled
		job.CurrentStep = "Canceling..."
		now := time.Now()
		job.CompletedAt = &now
		if err := s.store.SaveJob(ctx, job); err != nil {
			return nil, err
		}
	}
	s.status.Cancel(jobID)

	return &model.UpscaleCancelResponse{
		Success: true,
		JobID:   jobID,
		Status:  model.JobStatusCanceled,
	}, nil
}

// JobOwner returns the id of the user who started the job, empty when the
// job was started without an identity.
func (s *UpscaleService) JobOwner(ctx context.Context, jobID string) (string, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.UserID, nil
}

// GenerationStatus reports what the generation slot of this process is doing.
func (s *UpscaleService) GenerationStatus() *model.GenerationStatusResponse {
	return s.status.Response()
}

// BeginJob loads the job for a worker attempt. It returns ErrJobFinished
// when the job was canceled before it started.
func (s *UpscaleService) BeginJob(ctx context.Context, jobID string, retry int) (*model.Job, image.Image, error) {
	job, err := s.load(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job.Terminal() {
		return job, nil, ErrJobFinished
	}

	data, err := s.store.GetSource(ctx, jobID)
	if err != nil {
		return job, nil, fmt.Errorf("failed to load source image: %w", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return job, nil, fmt.Errorf("failed to decode source image: %w", err)
	}

	job.RetryCount = retry
	if err := s.store.SaveJob(ctx, job); err != nil {
		return job, nil, err
	}
	return job, img, nil
}

// IsCanceled reports whether a cancel was stored for the job, which lets a
// cancel handled by another instance reach the worker running it.
func (s *UpscaleService) IsCanceled(ctx context.Context, jobID string) bool {
	canceled, err := s.store.IsCanceled(ctx, jobID)
	return err == nil && canceled
}

// UpdateJobProgress updates job progress (called by worker)
func (s *UpscaleService) UpdateJobProgress(ctx context.Context, jobID string, progress int, step string, batch, total int) error {
	job, err := s.load(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return nil
	}

	job.Progress = progress
	job.CurrentStep = step
	job.CurrentBatch = batch
	job.TotalBatches = total

	if job.Status == model.JobStatusQueued {
		job.Status = model.JobStatusRunning
		now := time.Now()
		job.StartedAt = &now
	}

	return s.store.SaveJob(ctx, job)
}

// AppendBatch merges images into the stored list by batch index. Batches
// stored by an earlier attempt stay unless images has the same index.
func (s *UpscaleService) AppendBatch(ctx context.Context, jobID string, images []model.UpscaledItem, batch, total int) error {
	job, err := s.load(ctx, jobID)
	if err != nil {
		return err
	}

	job.MergeImages(images)
	if !job.Terminal() {
		job.CurrentBatch = batch
		job.Progress = batchProgress(batch+1, total)
	}
	return s.store.SaveJob(ctx, job)
}

// CompleteJob marks job as succeeded, or canceled when the loop stopped early
func (s *UpscaleService) CompleteJob(ctx context.Context, jobID string, logText string, canceled bool) error {
	job, err := s.load(ctx, jobID)
	if err != nil {
		return err
	}

	job.Log = logText
	now := time.Now()
	job.CompletedAt = &now
	if canceled || job.Status == model.JobStatusCanceled {
		job.Status = model.JobStatusCanceled
		job.CurrentStep = "Canceled"
	} else {
		job.Status = model.JobStatusSucceeded
		job.Progress = 100
		job.CurrentStep = "Done"
	}

	if err := s.store.SaveJob(ctx, job); err != nil {
		return err
	}
	return s.store.DeleteSource(ctx, jobID)
}

// FailJob marks job as failed (called by worker)
func (s *UpscaleService) FailJob(ctx context.Context, jobID string, errMsg string, logText string) error {
	job, err := s.load(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Status != model.JobStatusCanceled {
		job.Status = model.JobStatusFailed
	}
	job.Error = &errMsg
	if logText != "" {
		job.Log = logText
	}
	now := time.Now()
	job.CompletedAt = &now

	return s.store.SaveJob(ctx, job)
}

// load reads the job record and applies a stored cancel to it. The record
// alone can be stale: a worker that read it before the cancel may have
// written it back as running.
func (s *UpscaleService) load(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == model.JobStatusCanceled || job.Status == model.JobStatusFailed {
		return job, nil
	}
	canceled, err := s.store.IsCanceled(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if canceled {
		job.Status = model.JobStatusCanceled
		job.CurrentStep = "Canceling..."
	}
	return job, nil
}

func batchProgress(done, total int) int {
	if total <= 0 {
		return 0
	}
	return done * 100 / total
}

func newUpscaleTask(jobID string, payload []byte) (*asynq.Task, error) {
	data, err := json.Marshal(TaskPayload{JobID: jobID, Payload: payload})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeUpscale, data), nil
}
