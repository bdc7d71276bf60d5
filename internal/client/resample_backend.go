package client

import (
	"context"
	"image"

	"golang.org/x/image/draw"

	"github.com/sdtile/upscaler/internal/pipeline"
)

// ResampleBackend upscales tiles with Catmull-Rom interpolation. It stands
// in for the diffusion service during development and in the CLI when no
// service URL is given.
type ResampleBackend struct {
	scale int
}

func NewResampleBackend(scale int) *ResampleBackend {
	return &ResampleBackend{scale: scale}
}

// ResampleFactory returns a Factory whose backends ignore the pipeline config.
func ResampleFactory(scale int) pipeline.Factory {
	return func(ctx context.Context, cfg pipeline.Config) (pipeline.Backend, error) {
		return NewResampleBackend(scale), nil
	}
}

func (b *ResampleBackend) Generate(ctx context.Context, tile image.Image, params pipeline.Params) ([]image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := tile.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, r.Dx()*b.scale, r.Dy()*b.scale))
	draw.CatmullRom.Scale(out, out.Bounds(), tile, r, draw.Src, nil)
	return []image.Image{out}, nil
}

func (b *ResampleBackend) Close() error {
	return nil
}
