// Package tiles holds the slippy-map geometry: zoom range derivation from
// source dimensions and tile-count estimation for progress reporting.
package tiles

import "fmt"

// TileEdge is the edge length in pixels of one slippy-map tile.
const TileEdge = 256

// MinZoom is the root of every generated pyramid: one tile covering the
// whole image.
const MinZoom = 0

// MaxZoom returns the deepest zoom level for a source of the given pixel
// dimensions: the smallest z with 2^z * TileEdge >= max(width, height).
// Sources no larger than a single tile map to zoom 0.
func MaxZoom(width, height int) int {
	longest := width
	if height > longest {
		longest = height
	}
	z := 0
	for (1<<z)*TileEdge < longest {
		z++
	}
	return z
}

// EstimatedTileCount approximates how many tiles a full-extent source
// produces across [minZoom, maxZoom]: 4^z per level. The tile-generation
// progress band is scaled against this value, so it only needs to be a
// stable upper-order estimate, not exact.
func EstimatedTileCount(minZoom, maxZoom int) int {
	total := 0
	for z := minZoom; z <= maxZoom; z++ {
		total += 1 << (2 * z)
	}
	if total < 1 {
		total = 1
	}
	return total
}

// TileRelPath returns the pyramid-relative path of one tile in the
// {z}/{x}/{y} layout.
func TileRelPath(z, x, y int) string {
	return fmt.Sprintf("%d/%d/%d.png", z, x, y)
}
