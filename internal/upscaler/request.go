package upscaler

import (
	"image"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/sdtile/upscaler/internal/model"
	"github.com/sdtile/upscaler/internal/pipeline"
	"github.com/sdtile/upscaler/internal/tiling"
)

// NoneSelection is the dropdown value meaning "no local file selected".
const NoneSelection = "None"

// DefaultModelID is used when neither a checkpoint nor a model id resolves.
const DefaultModelID = "stabilityai/stable-diffusion-x4-upscaler"

// Options carry the deployment settings needed to turn a payload into a Job.
type Options struct {
	ModelsDir string
	TileSize  int
}

func (o Options) tileSize() int {
	if o.TileSize <= 0 {
		return tiling.DefaultTileSize
	}
	return o.TileSize
}

// Job is one fully resolved upscale request.
type Job struct {
	ID         string
	ModelName  string
	Image      image.Image
	Width      int
	Height     int
	BatchCount int
	Params     pipeline.Params
	Pipeline   pipeline.Config
	OnDemand   bool
	Device     string
	Extra      map[string]any
	WriteJSON  bool
	// WritePNGText embeds the generation parameters in each PNG.
	WritePNGText bool
	// StartBatch skips batches an earlier attempt already stored.
	StartBatch int
}

// Validate checks the parts of p that cannot be expressed as struct tags.
// It has no side effects.
func Validate(p *model.UpscaleJobPayload, opts Options) error {
	size := opts.tileSize()
	if p.Width%size != 0 || p.Height%size != 0 {
		return configErrorf("height and width must be multiples of %d, got %dx%d", size, p.Width, p.Height)
	}
	if _, _, err := resolveModel(p.CustomModel, p.HFModelID, opts.ModelsDir); err != nil {
		return err
	}
	if p.BatchCount < 1 || p.BatchSize < 1 {
		return configErrorf("batch count and batch size must be at least 1")
	}
	return nil
}

// BuildJob validates p and resolves it, together with the decoded source
// image, into a Job.
func BuildJob(id string, p model.UpscaleJobPayload, img image.Image, opts Options) (Job, error) {
	if img == nil {
		return Job{}, configErrorf("an initial image is required")
	}
	if err := Validate(&p, opts); err != nil {
		return Job{}, err
	}

	modelID, ckpt, _ := resolveModel(p.CustomModel, p.HFModelID, opts.ModelsDir)
	if modelID == "" {
		// checkpoints are loaded on top of the base upscaler
		modelID = DefaultModelID
	}

	batchCount := p.BatchCount
	if p.OnDemand && batchCount > 1 {
		log.Warn().Str("job_id", id).Int("batch_count", batchCount).Msg("on-demand mode supports a single batch, clamping batch count to 1")
		batchCount = 1
	}

	size := opts.tileSize()
	device := ParseDevice(p.Device)

	return Job{
		ID:         id,
		ModelName:  p.CustomModel,
		Image:      img,
		Width:      p.Width,
		Height:     p.Height,
		BatchCount: batchCount,
		Params: pipeline.Params{
			Prompt:         p.Prompt,
			NegativePrompt: p.NegativePrompt,
			Steps:          p.Steps,
			NoiseLevel:     p.NoiseLevel,
			GuidanceScale:  p.GuidanceScale,
			Seed:           p.Seed,
			BatchSize:      p.BatchSize,
			MaxLength:      p.MaxLength,
			Scheduler:      string(p.Scheduler),
			Precision:      string(p.Precision),
		},
		Pipeline: pipeline.Config{
			Task:           pipeline.TaskUpscaler,
			ModelID:        modelID,
			CheckpointPath: ckpt,
			Precision:      string(p.Precision),
			BatchSize:      p.BatchSize,
			MaxLength:      p.MaxLength,
			Height:         size,
			Width:          size,
			Device:         device,
			Lora:           resolveLora(p.LoraWeights, p.LoraHFID, opts.ModelsDir),
			OnDemand:       p.OnDemand,
		},
		OnDemand:     p.OnDemand,
		Device:       p.Device,
		Extra:        map[string]any{"NOISE LEVEL": p.NoiseLevel},
		WriteJSON:    p.SaveMetadataToJSON,
		WritePNGText: p.SaveMetadataToPNG,
	}, nil
}

// resolveModel turns the model selection into a model id or a checkpoint path.
func resolveModel(customModel, hfModelID, modelsDir string) (modelID, ckpt string, err error) {
	switch {
	case customModel == "" || customModel == NoneSelection:
		if strings.TrimSpace(hfModelID) == "" {
			return "", "", configErrorf("provide either a custom model or a HuggingFace model id, both must not be empty")
		}
		return strings.TrimSpace(hfModelID), "", nil
	case isWeightsFile(customModel):
		return "", filepath.Join(modelsDir, filepath.Base(customModel)), nil
	default:
		return customModel, "", nil
	}
}

func resolveLora(weights, hfID, modelsDir string) string {
	if weights == "" || weights == NoneSelection {
		return strings.TrimSpace(hfID)
	}
	return filepath.Join(modelsDir, "lora", filepath.Base(weights))
}

func isWeightsFile(name string) bool {
	return strings.HasSuffix(name, ".ckpt") || strings.HasSuffix(name, ".safetensors")
}

// ParseDevice accepts "vulkan => AMD Radeon RX 7900" style selections and
// returns the part after the arrow.
func ParseDevice(device string) string {
	if _, after, ok := strings.Cut(device, "=>"); ok {
		return strings.TrimSpace(after)
	}
	return strings.TrimSpace(device)
}
