//go:build govips && cgo

package raster

import (
	"fmt"
	"image"

	"github.com/davidbyttow/govips/v2/vips"
)

// govipsEncoder hands a lossless PNG of the composite to libvips and lets it
// produce the final rendition.
type govipsEncoder struct {
	fallback stdlibEncoder
}

func (e govipsEncoder) Encode(img image.Image, format string, quality int) ([]byte, error) {
	if format == "png" {
		return e.fallback.Encode(img, format, quality)
	}

	lossless, err := e.fallback.Encode(img, "png", 0)
	if err != nil {
		return nil, err
	}

	ref, err := vips.NewImageFromBuffer(lossless)
	if err != nil {
		return nil, fmt.Errorf("load composite into vips: %w", err)
	}
	defer ref.Close()

	quality = normalizeQuality(quality)
	switch format {
	case "jpeg":
		if ref.HasAlpha() {
			if err := ref.Flatten(&vips.Color{R: 255, G: 255, B: 255}); err != nil {
				return nil, fmt.Errorf("flatten alpha: %w", err)
			}
		}
		params := vips.NewJpegExportParams()
		params.Quality = quality
		data, _, err := ref.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	case "webp":
		params := vips.NewWebpExportParams()
		params.Quality = quality
		data, _, err := ref.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
		return data, nil
	case "tiff":
		data, _, err := ref.ExportTiff(vips.NewTiffExportParams())
		if err != nil {
			return nil, fmt.Errorf("encode tiff: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}
