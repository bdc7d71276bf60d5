package pipeline

import (
	"context"
	"image"
)

// Params are the per-call generation parameters handed to a backend.
type Params struct {
	Prompt         string
	NegativePrompt string
	Steps          int
	NoiseLevel     int
	GuidanceScale  float64
	Seed           int64
	BatchSize      int
	MaxLength      int
	Scheduler      string
	Precision      string
}

// Backend is an initialized generative model. Generate returns one or more
// candidate outputs for a tile; callers use the first.
type Backend interface {
	Generate(ctx context.Context, tile image.Image, params Params) ([]image.Image, error)
	Close() error
}

// Factory builds a backend for cfg. It may fail on missing weights or an
// unsupported device.
type Factory func(ctx context.Context, cfg Config) (Backend, error)
