// Package tilemath implements the quadkey tile coordinate system used by
// aerial imagery services: a Web-Mercator-like projection onto a global
// pixel grid of 256x256 tiles, where each tile is addressed either by
// (tileX, tileY, level) or by a base-4 quadkey string.
// https://learn.microsoft.com/en-us/bingmaps/articles/bing-maps-tile-system
package tilemath

import (
	"fmt"
	"math"
)

const (
	// TileSize is the edge length of a single tile in pixels.
	TileSize = 256
	// MaxLevel is the finest supported level of detail.
	MaxLevel = 23

	// MinLatitude and MaxLatitude bound the projectable latitude range.
	MinLatitude = -85.05112878
	MaxLatitude = 85.05112878
	// MinLongitude and MaxLongitude bound the longitude range.
	MinLongitude = -180.0
	MaxLongitude = 180.0
)

// Clip clamps n to the inclusive range [minValue, maxValue].
func Clip(n, minValue, maxValue float64) float64 {
	if n < minValue {
		return minValue
	}
	if n > maxValue {
		return maxValue
	}
	return n
}

// MapSize returns the width and height of the world map, in pixels, at the
// given level of detail.
func MapSize(level int) int {
	return TileSize << uint(level)
}

// LatLngToPixel projects a WGS-84 coordinate (degrees) to global pixel
// coordinates at the given level. Latitude is clamped to ±85.05112878 and
// longitude to ±180 before projection; the result is clamped to
// [0, MapSize(level)-1] on both axes.
func LatLngToPixel(lat, lng float64, level int) (px, py int) {
	lat = Clip(lat, MinLatitude, MaxLatitude)
	lng = Clip(lng, MinLongitude, MaxLongitude)

	x := (lng + 180) / 360
	sinLat := math.Sin(lat * math.Pi / 180)
	y := 0.5 - math.Log((1+sinLat)/(1-sinLat))/(4*math.Pi)

	size := float64(MapSize(level))
	px = int(Clip(x*size+0.5, 0, size-1))
	py = int(Clip(y*size+0.5, 0, size-1))
	return px, py
}

// PixelToLatLng is the inverse of LatLngToPixel, up to pixel quantization.
func PixelToLatLng(px, py, level int) (lat, lng float64) {
	size := float64(MapSize(level))
	x := Clip(float64(px), 0, size-1)/size - 0.5
	y := 0.5 - Clip(float64(py), 0, size-1)/size

	lat = 90 - 360*math.Atan(math.Exp(-y*2*math.Pi))/math.Pi
	lng = 360 * x
	return lat, lng
}

// PixelToTile returns the index of the tile containing the given pixel.
func PixelToTile(px, py int) (tileX, tileY int) {
	return px / TileSize, py / TileSize
}

// TileToPixel returns the global pixel coordinates of the top-left corner of
// the given tile.
func TileToPixel(tileX, tileY int) (px, py int) {
	return tileX * TileSize, tileY * TileSize
}

// TileToQuadKey encodes a tile index at a level of detail as a quadkey. The
// result has exactly level digits over the alphabet {0,1,2,3}, most
// significant level first.
func TileToQuadKey(tileX, tileY, level int) string {
	key := make([]byte, level)
	for i := level; i > 0; i-- {
		digit := byte('0')
		mask := 1 << uint(i-1)
		if tileX&mask != 0 {
			digit++
		}
		if tileY&mask != 0 {
			digit += 2
		}
		key[level-i] = digit
	}
	return string(key)
}

// QuadKeyToTile decodes a quadkey back to its tile index and level of
// detail. It fails on any character outside {0,1,2,3}.
func QuadKeyToTile(quadKey string) (tileX, tileY, level int, err error) {
	level = len(quadKey)
	for i := level; i > 0; i-- {
		mask := 1 << uint(i-1)
		switch quadKey[level-i] {
		case '0':
		case '1':
			tileX |= mask
		case '2':
			tileY |= mask
		case '3':
			tileX |= mask
			tileY |= mask
		default:
			return 0, 0, 0, fmt.Errorf("invalid quadkey digit %q in %q", quadKey[level-i], quadKey)
		}
	}
	return tileX, tileY, level, nil
}
