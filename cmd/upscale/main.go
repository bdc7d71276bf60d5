package main

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"

	"github.com/sdtile/upscaler/internal/client"
	"github.com/sdtile/upscaler/internal/config"
	"github.com/sdtile/upscaler/internal/logging"
	"github.com/sdtile/upscaler/internal/model"
	"github.com/sdtile/upscaler/internal/pipeline"
	"github.com/sdtile/upscaler/internal/storage"
	"github.com/sdtile/upscaler/internal/upscaler"
)

// CLI runs a single upscale job in-process and writes the batches to disk.
type CLI struct {
	Image string `arg:"" type:"existingfile" help:"Source image (PNG or JPEG)."`

	Prompt         string  `default:"" help:"Prompt guiding the upscale."`
	NegativePrompt string  `name:"negative-prompt" default:"" help:"Negative prompt."`
	Height         int     `default:"0" help:"Target height before upscaling; 0 uses the image height."`
	Width          int     `default:"0" help:"Target width before upscaling; 0 uses the image width."`
	Steps          int     `default:"50" help:"Denoising steps."`
	NoiseLevel     int     `name:"noise-level" default:"20" help:"Noise added to the low resolution input."`
	GuidanceScale  float64 `name:"guidance-scale" default:"7.5" help:"Classifier free guidance scale."`
	Seed           int64   `default:"-1" help:"Seed for the first batch; -1 picks one at random."`
	BatchCount     int     `name:"batch-count" default:"1" help:"Number of batches to run."`
	BatchSize      int     `name:"batch-size" default:"1" help:"Images per backend call."`
	Scheduler      string  `default:"DDIM" enum:"DDIM,PNDM,DDPM,LMSDiscrete,KDPM2Discrete,KDPM2AncestralDiscrete,DPMSolverMultistep,EulerDiscrete,EulerAncestralDiscrete,DEISMultistep,SharkEulerDiscrete" help:"Scheduler."`
	Model          string  `default:"None" help:"Checkpoint file under the models directory, or None."`
	HFModelID      string  `name:"hf-model-id" default:"stabilityai/stable-diffusion-x4-upscaler" help:"Hugging Face model id."`
	Precision      string  `default:"fp16" enum:"fp16,fp32" help:"Model precision."`
	Device         string  `default:"cpu" help:"Device, e.g. 'vulkan://0 => AMD Radeon'."`
	MaxLength      int     `name:"max-length" default:"64" help:"Max prompt token length (64 or 77)."`
	LoraWeights    string  `name:"lora-weights" default:"None" help:"LoRA weights file under the models directory."`
	LoraHFID       string  `name:"lora-hf-id" default:"" help:"LoRA Hugging Face id."`
	OnDemand       bool    `name:"on-demand" help:"Build the backend for this job only and release it afterwards."`
	SaveJSON       bool    `name:"save-json" help:"Write a JSON metadata sidecar next to each image."`
	SavePNGText    bool    `name:"save-png-metadata" help:"Embed the generation parameters in each PNG."`

	TileSize   int    `name:"tile-size" default:"128" env:"UPSCALER_TILE_SIZE" help:"Tile edge length in pixels."`
	Scale      int    `default:"4" env:"UPSCALER_SCALE" help:"Backend upscaling factor."`
	ModelsDir  string `name:"models-dir" default:"./models" env:"UPSCALER_MODELS_DIR" help:"Directory of local checkpoints."`
	OutputDir  string `name:"output-dir" default:"./generated_imgs" env:"UPSCALER_OUTPUT_DIR" help:"Output directory."`
	ServiceURL string `name:"service-url" env:"DIFFUSION_SERVICE_URL" help:"Diffusion service; empty uses the resampling backend."`
	APIKey     string `name:"api-key" env:"DIFFUSION_API_KEY" help:"Diffusion service API key."`
	Timeout    int    `default:"300" env:"DIFFUSION_SERVICE_TIMEOUT" help:"Diffusion request timeout in seconds."`
	LogLevel   string `name:"log-level" default:"warn" env:"LOG_LEVEL" help:"Log level."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("upscale"),
		kong.Description("Tiled 4x upscaling of a single image."),
		kong.UsageOnError(),
	)
	logging.Setup("development", cli.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx.FatalIfErrorf(cli.Run(ctx))
}

func (c *CLI) payload(img image.Image) model.UpscaleJobPayload {
	height, width := c.Height, c.Width
	if height == 0 {
		height = img.Bounds().Dy()
	}
	if width == 0 {
		width = img.Bounds().Dx()
	}
	return model.UpscaleJobPayload{
		Prompt:             c.Prompt,
		NegativePrompt:     c.NegativePrompt,
		Height:             height,
		Width:              width,
		Steps:              c.Steps,
		NoiseLevel:         c.NoiseLevel,
		GuidanceScale:      c.GuidanceScale,
		Seed:               c.Seed,
		BatchCount:         c.BatchCount,
		BatchSize:          c.BatchSize,
		Scheduler:          model.Scheduler(c.Scheduler),
		CustomModel:        c.Model,
		HFModelID:          c.HFModelID,
		Precision:          model.Precision(c.Precision),
		Device:             c.Device,
		MaxLength:          c.MaxLength,
		LoraWeights:        c.LoraWeights,
		LoraHFID:           c.LoraHFID,
		OnDemand:           c.OnDemand,
		SaveMetadataToJSON: c.SaveJSON,
		SaveMetadataToPNG:  c.SavePNGText,
	}
}

func (c *CLI) factory() pipeline.Factory {
	dc := client.NewDiffusionClient(&config.DiffusionConfig{
		ServiceURL: c.ServiceURL,
		APIKey:     c.APIKey,
		Timeout:    c.Timeout,
	})
	if dc.IsConfigured() {
		return dc.Factory()
	}
	log.Warn().Msg("no diffusion service configured, using resampling backend")
	return client.ResampleFactory(c.Scale)
}

func (c *CLI) Run(ctx context.Context) error {
	img, err := loadImage(c.Image)
	if err != nil {
		return err
	}

	opts := upscaler.Options{ModelsDir: c.ModelsDir, TileSize: c.TileSize}
	job, err := upscaler.BuildJob(uuid.New().String(), c.payload(img), img, opts)
	if err != nil {
		return err
	}

	persister, err := storage.NewDiskPersister(c.OutputDir)
	if err != nil {
		return err
	}

	cache := pipeline.NewCache()
	defer cache.Close()
	runner := upscaler.NewRunner(cache, c.factory(), persister, upscaler.NewStatusTracker(), upscaler.RunnerConfig{
		TileSize: c.TileSize,
		Scale:    c.Scale,
	})

	bar := progressbar.NewOptions(job.BatchCount,
		progressbar.OptionSetDescription("upscaling"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionClearOnFinish(),
	)
	hooks := upscaler.Hooks{
		OnProgress: func(p upscaler.Progress) {
			bar.Describe(fmt.Sprintf("batch %d/%d", p.Batch+1, p.TotalBatches))
		},
		OnBatch: func(u upscaler.Update) {
			if err := bar.Set(u.Batch + 1); err != nil {
				log.Debug().Err(err).Msg("progress bar update failed")
			}
		},
	}

	start := time.Now()
	result, err := runner.Run(ctx, job, hooks)
	_ = bar.Finish()
	if result != nil {
		for _, r := range result.Results {
			if r.Persisted {
				fmt.Println(r.URL)
			}
		}
		fmt.Fprintln(os.Stderr, result.Log)
	}
	if err != nil {
		return err
	}
	if result.Canceled {
		log.Warn().Dur("elapsed", time.Since(start)).Msg("upscale canceled")
	}
	return nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}
