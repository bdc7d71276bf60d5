package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/sdtile/upscaler/internal/model"
	"github.com/sdtile/upscaler/internal/service"
	"github.com/sdtile/upscaler/internal/upscaler"
	"github.com/sdtile/upscaler/internal/websocket"
	"github.com/sdtile/upscaler/pkg/response"
)

// UpscaleWorker processes upscale jobs
type UpscaleWorker struct {
	upscaleService *service.UpscaleService
	runner         *upscaler.Runner
	hub            *websocket.Hub
	opts           upscaler.Options

	// attempt reports the retry count and retry budget of the running task.
	attempt func(ctx context.Context) (retry, maxRetry int)
}

func NewUpscaleWorker(upscaleService *service.UpscaleService, runner *upscaler.Runner, hub *websocket.Hub, opts upscaler.Options) *UpscaleWorker {
	return &UpscaleWorker{
		upscaleService: upscaleService,
		runner:         runner,
		hub:            hub,
		opts:           opts,
		attempt:        taskAttempt,
	}
}

func taskAttempt(ctx context.Context) (int, int) {
	retry, maxRetry := w.attempt(ctx)
	return retry, maxRetry
}

// ProcessTask handles upscale task processing
func (w *UpscaleWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var taskPayload service.TaskPayload
	if err := json.Unmarshal(t.Payload(), &taskPayload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w: %w", err, asynq.SkipRetry)
	}

	jobID := taskPayload.JobID
	logger := log.With().Str("job_id", jobID).Logger()
	retry, maxRetry := w.attempt(ctx)

	job, img, err := w.upscaleService.BeginJob(ctx, jobID, retry)
	switch {
	case errors.Is(err, service.ErrJobFinished):
		logger.Info().Str("status", string(job.Status)).Msg("skipping finished upscale job")
		return nil
	case errors.Is(err, service.ErrJobNotFound):
		return fmt.Errorf("upscale job %s: %w: %w", jobID, err, asynq.SkipRetry)
	case err != nil:
		return err
	}

	var payload model.UpscaleJobPayload
	if err := json.Unmarshal(taskPayload.Payload, &payload); err != nil {
		w.failJob(ctx, jobID, "Invalid payload", "")
		return fmt.Errorf("failed to unmarshal upscale payload: %w: %w", err, asynq.SkipRetry)
	}

	upJob, err := upscaler.BuildJob(jobID, payload, img, w.opts)
	if err != nil {
		w.failJob(ctx, jobID, err.Error(), "")
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	// batches stored by an earlier attempt keep their images and seeds
	upJob.StartBatch = min(job.NextBatch(), upJob.BatchCount)

	logger.Info().Int("batches", upJob.BatchCount).Int("start_batch", upJob.StartBatch).Int("retry", retry).Msg("starting upscale job")

	hooks := upscaler.Hooks{
		OnProgress: func(p upscaler.Progress) {
			if w.upscaleService.IsCanceled(ctx, jobID) {
				w.runner.Status().Cancel(jobID)
			}
			w.updateProgress(ctx, jobID, progressPercent(p.Batch, p.TotalBatches), p.Label, p.Batch, p.TotalBatches)
		},
		OnBatch: func(u upscaler.Update) {
			items := upscaledItems(u.Results)
			if err := w.upscaleService.AppendBatch(ctx, jobID, items, u.Batch, u.TotalBatches); err != nil {
				logger.Error().Err(err).Msg("failed to store batch results")
			}
			w.hub.BroadcastBatch(jobID, u.Batch, items)
		},
	}

	result, err := w.runner.Run(ctx, upJob, hooks)
	if errors.Is(err, upscaler.ErrBusy) {
		logger.Debug().Msg("backend busy, task will be retried")
		return err
	}
	if err != nil {
		logText := ""
		done := upJob.StartBatch
		if result != nil {
			logText = result.Log
			done += len(result.Results)
		}
		if retry < maxRetry {
			logger.Warn().Err(err).Int("retry", retry).Msg("upscale attempt failed, retrying")
			w.updateProgress(ctx, jobID, progressPercent(done, upJob.BatchCount), "Retrying after error...", done, upJob.BatchCount)
			return err
		}
		w.failJob(ctx, jobID, fmt.Sprintf("Upscale failed: %v", err), logText)
		return err
	}

	if err := w.upscaleService.CompleteJob(ctx, jobID, result.Log, result.Canceled); err != nil {
		w.failJob(ctx, jobID, "Failed to save result", result.Log)
		return err
	}

	res, err := w.upscaleService.GetResult(ctx, jobID)
	if err != nil {
		return err
	}
	w.hub.BroadcastComplete(jobID, res)
	logger.Info().Bool("canceled", result.Canceled).Dur("duration", result.Duration).Msg("upscale job completed")
	return nil
}

func (w *UpscaleWorker) updateProgress(ctx context.Context, jobID string, progress int, step string, batch, total int) {
	if err := w.upscaleService.UpdateJobProgress(ctx, jobID, progress, step, batch, total); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("failed to update progress")
	}
	w.hub.BroadcastProgress(jobID, progress, model.JobStatusRunning, step, batch, total)
}

func (w *UpscaleWorker) failJob(ctx context.Context, jobID, errMsg, logText string) {
	if err := w.upscaleService.FailJob(ctx, jobID, errMsg, logText); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("failed to mark job as failed")
	}
	w.hub.BroadcastError(jobID, response.CodeUpscaleFailed, errMsg)
}

// upscaledItems keeps the persisted results; a batch that was canceled or
// failed to upload has no URL to hand out.
func upscaledItems(results []upscaler.BatchResult) []model.UpscaledItem {
	items := make([]model.UpscaledItem, 0, len(results))
	for _, r := range results {
		if !r.Persisted {
			continue
		}
		b := r.Image.Bounds()
		items = append(items, model.UpscaledItem{
			Batch:  r.Index,
			Seed:   r.Seed,
			URL:    r.URL,
			Width:  b.Dx(),
			Height: b.Dy(),
		})
	}
	return items
}

func progressPercent(batch, total int) int {
	if total <= 0 {
		return 0
	}
	return batch * 100 / total
}

// IsFailure keeps busy retries from counting against a task's retry budget.
func IsFailure(err error) bool {
	return !errors.Is(err, upscaler.ErrBusy)
}

// RetryDelay waits busyDelay while the backend is busy and backs off
// exponentially for real failures.
func RetryDelay(busyDelay time.Duration) asynq.RetryDelayFunc {
	return func(n int, err error, t *asynq.Task) time.Duration {
		if errors.Is(err, upscaler.ErrBusy) {
			return busyDelay
		}
		return asynq.DefaultRetryDelayFunc(n, err, t)
	}
}
