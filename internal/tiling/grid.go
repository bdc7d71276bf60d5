package tiling

import (
	"errors"
	"fmt"
	"image"
	"iter"
)

// DefaultTileSize is the edge length, in source pixels, the upscaler backend is compiled for.
const DefaultTileSize = 128

// DefaultScale is the fixed output factor of the upscaler backend.
const DefaultScale = 4

var ErrRaggedGrid = errors.New("dimensions are not a multiple of the tile size")

// Grid is a regular partition of a width x height image into square tiles.
type Grid struct {
	Width  int
	Height int
	Size   int
}

// Partition validates the dimensions and returns the tile grid for them.
// Partial edge tiles are not supported: width and height must be exact
// multiples of size.
func Partition(width, height, size int) (Grid, error) {
	if size <= 0 {
		return Grid{}, fmt.Errorf("invalid tile size %d", size)
	}
	if width <= 0 || height <= 0 {
		return Grid{}, fmt.Errorf("invalid dimensions %dx%d", width, height)
	}
	if width%size != 0 || height%size != 0 {
		return Grid{}, fmt.Errorf("%dx%d with tile %d: %w", width, height, size, ErrRaggedGrid)
	}
	return Grid{Width: width, Height: height, Size: size}, nil
}

// Count returns the number of tiles in the grid.
func (g Grid) Count() int {
	if g.Size <= 0 {
		return 0
	}
	return (g.Width / g.Size) * (g.Height / g.Size)
}

// Tiles yields the tile boxes in row-major order: the outer loop steps down
// the height, the inner loop steps across the width. Each call returns a
// fresh sequence.
func (g Grid) Tiles() iter.Seq[image.Rectangle] {
	return func(yield func(image.Rectangle) bool) {
		if g.Size <= 0 {
			return
		}
		for i := 0; i < g.Height; i += g.Size {
			for j := 0; j < g.Width; j += g.Size {
				if !yield(image.Rect(j, i, j+g.Size, i+g.Size)) {
					return
				}
			}
		}
	}
}
