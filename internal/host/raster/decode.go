package raster

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/studioqueue/internal/layers"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

func decodeFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", path, err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", path, err)
	}
	return img, nil
}

func documentFromImage(path string) (*document, error) {
	img, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("image %s has no pixels", path)
	}

	name := filepath.Base(path)
	root := newLayer(name, layers.KindGroup)
	root.children = []*layer{pixelLayer("Background", img, nativeRect(img, 0, 0))}
	return &document{
		name:   name,
		path:   path,
		width:  b.Dx(),
		height: b.Dy(),
		root:   root,
	}, nil
}

func formatForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "jpeg"
	case ".tif", ".tiff":
		return "tiff"
	case ".webp":
		return "webp"
	case ".png":
		return "png"
	default:
		return "jpeg"
	}
}
