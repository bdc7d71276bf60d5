package upscaler

import (
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdtile/upscaler/internal/model"
)

func validPayload() model.UpscaleJobPayload {
	return model.UpscaleJobPayload{
		Prompt:        "a castle on a hill",
		Height:        256,
		Width:         128,
		Steps:         50,
		NoiseLevel:    20,
		GuidanceScale: 7.5,
		Seed:          42,
		BatchCount:    3,
		BatchSize:     1,
		Scheduler:     model.SchedulerDDIM,
		CustomModel:   NoneSelection,
		HFModelID:     DefaultModelID,
		Precision:     model.PrecisionFP16,
		Device:        "vulkan => AMD Radeon RX 7900",
		MaxLength:     77,
	}
}

func TestBuildJob_ResolvesPayload(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 128, 256))
	job, err := BuildJob("j1", validPayload(), img, Options{ModelsDir: "/models"})
	require.NoError(t, err)

	assert.Equal(t, 3, job.BatchCount)
	assert.Equal(t, DefaultModelID, job.Pipeline.ModelID)
	assert.Empty(t, job.Pipeline.CheckpointPath)
	assert.Equal(t, 128, job.Pipeline.Height, "pipeline is configured at tile size")
	assert.Equal(t, 128, job.Pipeline.Width)
	assert.Equal(t, "AMD Radeon RX 7900", job.Pipeline.Device)
	assert.Equal(t, map[string]any{"NOISE LEVEL": 20}, job.Extra)
	assert.Equal(t, int64(42), job.Params.Seed)
}

func TestBuildJob_MissingImage(t *testing.T) {
	_, err := BuildJob("j1", validPayload(), nil, Options{})
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "initial image")
}

func TestBuildJob_OnDemandClampsBatchCount(t *testing.T) {
	p := validPayload()
	p.OnDemand = true
	p.BatchCount = 4

	job, err := BuildJob("j1", p, image.NewRGBA(image.Rect(0, 0, 128, 256)), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, job.BatchCount)
	assert.True(t, job.Pipeline.OnDemand)
}

func TestBuildJob_CheckpointSelection(t *testing.T) {
	p := validPayload()
	p.CustomModel = "sub/dir/upscaler-v2.safetensors"
	p.HFModelID = ""

	job, err := BuildJob("j1", p, image.NewRGBA(image.Rect(0, 0, 128, 256)), Options{ModelsDir: "/models"})
	require.NoError(t, err)
	assert.Equal(t, "/models/upscaler-v2.safetensors", job.Pipeline.CheckpointPath)
	assert.Equal(t, DefaultModelID, job.Pipeline.ModelID)
	assert.Equal(t, "/models/upscaler-v2.safetensors", job.Pipeline.Model())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *model.UpscaleJobPayload)
		ok     bool
	}{
		{"valid", func(p *model.UpscaleJobPayload) {}, true},
		{"ragged width", func(p *model.UpscaleJobPayload) { p.Width = 200 }, false},
		{"ragged height", func(p *model.UpscaleJobPayload) { p.Height = 130 }, false},
		{"no model", func(p *model.UpscaleJobPayload) { p.HFModelID = "  " }, false},
		{"empty custom model falls back to hf id", func(p *model.UpscaleJobPayload) { p.CustomModel = "" }, true},
		{"named custom model", func(p *model.UpscaleJobPayload) { p.CustomModel = "org/model"; p.HFModelID = "" }, true},
		{"zero batches", func(p *model.UpscaleJobPayload) { p.BatchCount = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPayload()
			tt.mutate(&p)
			err := Validate(&p, Options{})
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var cfgErr *ConfigurationError
			assert.True(t, errors.As(err, &cfgErr), "want ConfigurationError, got %v", err)
		})
	}
}

func TestResolveLora(t *testing.T) {
	assert.Equal(t, "org/lora", resolveLora(NoneSelection, " org/lora ", "/models"))
	assert.Equal(t, "/models/lora/style.safetensors", resolveLora("style.safetensors", "", "/models"))
	assert.Empty(t, resolveLora("", "", "/models"))
}

func TestParseDevice(t *testing.T) {
	assert.Equal(t, "AMD Radeon RX 7900", ParseDevice("vulkan => AMD Radeon RX 7900"))
	assert.Equal(t, "cpu", ParseDevice("cpu"))
	assert.Equal(t, "", ParseDevice(""))
}

func TestSanitizeSeed(t *testing.T) {
	assert.Equal(t, int64(17), SanitizeSeed(17))
	for range 20 {
		s := SanitizeSeed(RandomSeed)
		assert.GreaterOrEqual(t, s, int64(0))
		assert.Less(t, s, int64(1)<<32)
	}
}
