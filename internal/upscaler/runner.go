package upscaler

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/sdtile/upscaler/internal/metrics"
	"github.com/sdtile/upscaler/internal/pipeline"
	"github.com/sdtile/upscaler/internal/tiling"
)

// Output is one batch image handed to a Persister.
type Output struct {
	JobID     string
	Batch     int
	Seed      int64
	Image     image.Image
	Extra     map[string]any
	WriteJSON bool
	// Parameters, when set, is written to the PNG as a "parameters" text chunk.
	Parameters string
}

// Persister stores finished batch images and returns where they can be
// fetched from.
type Persister interface {
	Save(ctx context.Context, out Output) (string, error)
}

// BatchResult is one finished batch.
type BatchResult struct {
	Index     int
	Seed      int64
	Image     *image.RGBA
	URL       string
	Persisted bool
}

// Update is passed to OnBatch after each persisted batch and carries every
// result accumulated so far.
type Update struct {
	JobID        string
	Batch        int
	TotalBatches int
	Results      []BatchResult
}

// Progress is passed to OnProgress before each batch starts.
type Progress struct {
	JobID        string
	Label        string
	Batch        int
	TotalBatches int
	Steps        int
}

// Hooks receive job events. Both are optional and called synchronously from
// the job loop.
type Hooks struct {
	OnProgress func(Progress)
	OnBatch    func(Update)
}

// Result is what a job produced. Results may be non-empty even when Run
// also returns an error.
type Result struct {
	JobID    string
	Results  []BatchResult
	Seeds    []int64
	Canceled bool
	Log      string
	Duration time.Duration
}

// RunnerConfig holds the fixed geometry of the backend.
type RunnerConfig struct {
	TileSize int
	Scale    int
}

// Runner executes upscale jobs one at a time against the cached backend.
type Runner struct {
	cache     *pipeline.Cache
	factory   pipeline.Factory
	persister Persister
	status    *StatusTracker
	guard     *semaphore.Weighted
	tileSize  int
	scale     int

	sanitize func(int64) int64
}

func NewRunner(cache *pipeline.Cache, factory pipeline.Factory, persister Persister, status *StatusTracker, cfg RunnerConfig) *Runner {
	if cfg.TileSize <= 0 {
		cfg.TileSize = tiling.DefaultTileSize
	}
	if cfg.Scale <= 0 {
		cfg.Scale = tiling.DefaultScale
	}
	return &Runner{
		cache:     cache,
		factory:   factory,
		persister: persister,
		status:    status,
		guard:     semaphore.NewWeighted(1),
		tileSize:  cfg.TileSize,
		scale:     cfg.Scale,
		sanitize:  SanitizeSeed,
	}
}

func (r *Runner) Status() *StatusTracker {
	return r.status
}

// Run executes job. It returns ErrBusy without side effects when another
// job is running. Status is restored to ready on every exit path.
func (r *Runner) Run(ctx context.Context, job Job, hooks Hooks) (*Result, error) {
	if !r.guard.TryAcquire(1) {
		metrics.Jobs.WithLabelValues("busy").Inc()
		return nil, ErrBusy
	}
	defer r.guard.Release(1)
	defer r.status.SetReady()

	grid, err := tiling.Partition(job.Width, job.Height, r.tileSize)
	if err != nil {
		return nil, &ConfigurationError{Message: err.Error()}
	}

	r.status.Start(job.ID, fmt.Sprintf("Initializing model %s", job.ModelName))
	logger := log.With().Str("job_id", job.ID).Logger()

	backend, err := r.cache.Resolve(ctx, job.Pipeline, job.OnDemand, r.factory)
	if err != nil {
		metrics.Jobs.WithLabelValues("failed").Inc()
		return nil, &ResourceBuildError{Err: err}
	}

	start := time.Now()
	source := tiling.Fit(job.Image, job.Width, job.Height)
	result := &Result{JobID: job.ID}
	var batchLog strings.Builder

	if job.StartBatch > 0 {
		logger.Info().Int("batch", job.StartBatch).Msg("resuming upscale job")
		fmt.Fprintf(&batchLog, "\nresumed at batch %d", job.StartBatch)
	}

	seed := r.sanitize(job.Params.Seed)
	for batch := job.StartBatch; batch < job.BatchCount; batch++ {
		r.status.Progress("Running upscaler job", batch, job.BatchCount, job.Params.Steps)
		if hooks.OnProgress != nil {
			hooks.OnProgress(Progress{
				JobID:        job.ID,
				Label:        "Running upscaler job",
				Batch:        batch,
				TotalBatches: job.BatchCount,
				Steps:        job.Params.Steps,
			})
		}
		if batch > 0 {
			seed = r.sanitize(RandomSeed)
		}

		params := job.Params
		params.Seed = seed
		batchStart := time.Now()
		img, err := r.upscale(ctx, backend, source, grid, batch, params)
		if err != nil {
			metrics.Jobs.WithLabelValues("failed").Inc()
			result.Log = r.textLog(job, result.Seeds, batchLog.String(), time.Since(start))
			result.Duration = time.Since(start)
			return result, err
		}
		metrics.BatchDuration.Observe(time.Since(batchStart).Seconds())

		br := BatchResult{Index: batch, Seed: seed, Image: img}
		result.Results = append(result.Results, br)
		result.Seeds = append(result.Seeds, seed)

		if r.canceled(ctx) {
			logger.Info().Int("batch", batch).Msg("upscale job canceled")
			result.Canceled = true
			break
		}

		out := Output{
			JobID:     job.ID,
			Batch:     batch,
			Seed:      seed,
			Image:     img,
			Extra:     job.Extra,
			WriteJSON: job.WriteJSON,
		}
		if job.WritePNGText {
			out.Parameters = parametersText(job, seed, img.Bounds())
		}
		url, err := r.persister.Save(ctx, out)
		if err != nil {
			logger.Error().Err(err).Int("batch", batch).Msg("failed to persist batch output")
		} else {
			last := &result.Results[len(result.Results)-1]
			last.URL = url
			last.Persisted = true
		}
		fmt.Fprintf(&batchLog, "\nbatch %d: seed=%d, %.2fs", batch, seed, time.Since(batchStart).Seconds())

		if hooks.OnBatch != nil {
			hooks.OnBatch(Update{
				JobID:        job.ID,
				Batch:        batch,
				TotalBatches: job.BatchCount,
				Results:      append([]BatchResult(nil), result.Results...),
			})
		}
	}

	result.Duration = time.Since(start)
	result.Log = r.textLog(job, result.Seeds, batchLog.String(), result.Duration)
	if result.Canceled {
		metrics.Jobs.WithLabelValues("canceled").Inc()
	} else {
		metrics.Jobs.WithLabelValues("succeeded").Inc()
	}
	logger.Info().Int("batches", len(result.Results)).Dur("duration", result.Duration).Msg("upscale job finished")
	return result, nil
}

// upscale runs one full partition, invoke and composite pass.
func (r *Runner) upscale(ctx context.Context, backend pipeline.Backend, source image.Image, grid tiling.Grid, batch int, params pipeline.Params) (*image.RGBA, error) {
	canvas := tiling.NewCanvas(grid.Width, grid.Height, r.scale)
	for box := range grid.Tiles() {
		tileStart := time.Now()
		outputs, err := backend.Generate(ctx, tiling.Crop(source, box), params)
		if err != nil {
			return nil, &BackendError{Batch: batch, Tile: box.String(), Err: err}
		}
		if len(outputs) == 0 {
			return nil, &BackendError{Batch: batch, Tile: box.String(), Err: fmt.Errorf("backend returned no images")}
		}
		if err := canvas.Paste(outputs[0], box); err != nil {
			return nil, &BackendError{Batch: batch, Tile: box.String(), Err: err}
		}
		metrics.TilesProcessed.Inc()
		metrics.TileDuration.Observe(time.Since(tileStart).Seconds())
	}
	return canvas.Image(), nil
}

func (r *Runner) canceled(ctx context.Context) bool {
	return r.status.IsCanceling() || ctx.Err() != nil
}

func (r *Runner) textLog(job Job, seeds []int64, batches string, total time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "prompt=%q", job.Params.Prompt)
	fmt.Fprintf(&b, "\nnegative prompt=%q", job.Params.NegativePrompt)
	fmt.Fprintf(&b, "\nmodel_id=%s, ckpt_loc=%s", job.Pipeline.ModelID, job.Pipeline.CheckpointPath)
	fmt.Fprintf(&b, "\nscheduler=%s, device=%s", job.Params.Scheduler, job.Device)
	fmt.Fprintf(&b, "\nsteps=%d, noise_level=%d, guidance_scale=%g, seed=%v",
		job.Params.Steps, job.Params.NoiseLevel, job.Params.GuidanceScale, seeds)
	fmt.Fprintf(&b, "\nsize=%dx%d, batch_count=%d, batch_size=%d, max_length=%d",
		job.Height, job.Width, job.BatchCount, job.Params.BatchSize, job.Params.MaxLength)
	b.WriteString(batches)
	fmt.Fprintf(&b, "\nTotal image generation time: %.4fsec", total.Seconds())
	return b.String()
}

// parametersText renders the generation settings in the layout image viewers
// for diffusion outputs read from a PNG "parameters" chunk.
func parametersText(job Job, seed int64, bounds image.Rectangle) string {
	var b strings.Builder
	b.WriteString(job.Params.Prompt)
	if job.Params.NegativePrompt != "" {
		fmt.Fprintf(&b, "\nNegative prompt: %s", job.Params.NegativePrompt)
	}
	model := job.Pipeline.ModelID
	if job.Pipeline.CheckpointPath != "" {
		model = filepath.Base(job.Pipeline.CheckpointPath)
	}
	fmt.Fprintf(&b, "\nSteps: %d, Sampler: %s, CFG scale: %g, Seed: %d, Size: %dx%d, Model: %s, Noise level: %d",
		job.Params.Steps, job.Params.Scheduler, job.Params.GuidanceScale, seed,
		bounds.Dx(), bounds.Dy(), model, job.Params.NoiseLevel)
	return b.String()
}
