package tiling

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"
)

var ErrTileSize = errors.New("tile output has unexpected size")

// Canvas is the high resolution target that processed tiles are pasted into.
type Canvas struct {
	img   *image.RGBA
	scale int
}

// NewCanvas allocates a blank canvas of (width*scale) x (height*scale).
func NewCanvas(width, height, scale int) *Canvas {
	return &Canvas{
		img:   image.NewRGBA(image.Rect(0, 0, width*scale, height*scale)),
		scale: scale,
	}
}

// Paste writes tile at the scaled position of box, the source-space box the
// tile was cropped from.
func (c *Canvas) Paste(tile image.Image, box image.Rectangle) error {
	want := box.Size().Mul(c.scale)
	if got := tile.Bounds().Size(); got != want {
		return fmt.Errorf("%w: got %v, want %v", ErrTileSize, got, want)
	}
	dst := image.Rectangle{Min: box.Min.Mul(c.scale), Max: box.Max.Mul(c.scale)}
	if !dst.In(c.img.Bounds()) {
		return fmt.Errorf("tile %v outside canvas %v", dst, c.img.Bounds())
	}
	draw.Draw(c.img, dst, tile, tile.Bounds().Min, draw.Src)
	return nil
}

func (c *Canvas) Image() *image.RGBA {
	return c.img
}

func (c *Canvas) Scale() int {
	return c.scale
}

// Fit converts src to opaque RGB with the given dimensions, resampling when
// the size differs. Alpha is dropped, not composited: a transparent pixel
// keeps its colour.
func Fit(src image.Image, width, height int) *image.RGBA {
	rgb := opaque(src)
	if rgb.Bounds().Dx() == width && rgb.Bounds().Dy() == height {
		return rgb
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), rgb, rgb.Bounds(), xdraw.Src, nil)
	return dst
}

func opaque(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			dst.SetRGBA(x-b.Min.X, y-b.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return dst
}

// Crop copies the box region of src into a new image anchored at (0, 0).
func Crop(src image.Image, box image.Rectangle) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, box.Dx(), box.Dy()))
	draw.Draw(dst, dst.Bounds(), src, box.Min, draw.Src)
	return dst
}
