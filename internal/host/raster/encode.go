package raster

import "image"

type encoder interface {
	Encode(img image.Image, format string, quality int) ([]byte, error)
}

// normalizeQuality clamps to the encoders' 1..100 scale. An explicit 0 is
// the lowest quality, not a request for a default.
func normalizeQuality(quality int) int {
	return min(max(quality, 1), 100)
}
