package imagery

import (
	"image"
	"image/draw"

	"github.com/quadsnap/quadsnap/pkg/tilemath"
)

// Compose stitches a fully populated tile grid into one canvas and crops
// it to the pixel rectangle [x1,y1]-[x2,y2] (global pixel coordinates,
// already normalized min/max). grid is addressed [tileY-ty1][tileX-tx1]
// and (tx1, ty1) is the grid's tile origin. The result's bounds start at
// (0, 0) so downstream encoders see a standalone image.
func Compose(grid [][]image.Image, tx1, ty1, x1, y1, x2, y2 int) *image.RGBA {
	rows := len(grid)
	cols := len(grid[0])

	canvas := image.NewRGBA(image.Rect(0, 0, cols*tilemath.TileSize, rows*tilemath.TileSize))
	for gy := 0; gy < rows; gy++ {
		for gx := 0; gx < cols; gx++ {
			// Adjacent tiles are contiguous by construction.
			offset := image.Pt(gx*tilemath.TileSize, gy*tilemath.TileSize)
			bounds := image.Rectangle{Min: offset, Max: offset.Add(image.Pt(tilemath.TileSize, tilemath.TileSize))}
			draw.Draw(canvas, bounds, grid[gy][gx], grid[gy][gx].Bounds().Min, draw.Src)
		}
	}

	originX, originY := tilemath.TileToPixel(tx1, ty1)
	crop := image.Rect(x1-originX, y1-originY, x2-originX, y2-originY)

	out := image.NewRGBA(image.Rect(0, 0, crop.Dx(), crop.Dy()))
	draw.Draw(out, out.Bounds(), canvas, crop.Min, draw.Src)
	return out
}
