package raster

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/studioqueue/internal/geometry"
	"github.com/dunamismax/studioqueue/internal/layers"
	"gopkg.in/yaml.v3"
)

// Manifest describes a layered mockup template. Layers are listed top to
// bottom, the way a layers panel shows them. Image paths are relative to the
// manifest file.
type Manifest struct {
	Name       string          `yaml:"name"`
	Width      int             `yaml:"width"`
	Height     int             `yaml:"height"`
	Background string          `yaml:"background"`
	Layers     []ManifestLayer `yaml:"layers"`
}

type ManifestLayer struct {
	Name   string          `yaml:"name"`
	Type   string          `yaml:"type"`
	Image  string          `yaml:"image,omitempty"`
	Rect   *ManifestRect   `yaml:"rect,omitempty"`
	Layers []ManifestLayer `yaml:"layers,omitempty"`
}

type ManifestRect struct {
	Left   float64 `yaml:"left"`
	Top    float64 `yaml:"top"`
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`
}

var placeholderGray = color.RGBA{R: 128, G: 128, B: 128, A: 255}

func isManifestPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Width <= 0 || m.Height <= 0 {
		return Manifest{}, fmt.Errorf("manifest canvas must be positive, got %dx%d", m.Width, m.Height)
	}
	return m, nil
}

func documentFromManifest(path string) (*document, error) {
	m, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(m.Name)
	if name == "" {
		name = filepath.Base(path)
	}
	dir := filepath.Dir(path)

	root := newLayer(name, layers.KindGroup)
	for _, ml := range m.Layers {
		l, err := buildManifestLayer(dir, ml)
		if err != nil {
			return nil, err
		}
		root.children = append(root.children, l)
	}

	canvas := geometry.Rect{Width: float64(m.Width), Height: float64(m.Height)}
	if strings.TrimSpace(m.Background) != "" {
		img, err := decodeFile(resolveRelative(dir, m.Background))
		if err != nil {
			return nil, fmt.Errorf("background: %w", err)
		}
		root.children = append(root.children, pixelLayer("Background", img, canvas))
	} else {
		root.children = append(root.children, pixelLayer("Background", solid(m.Width, m.Height, color.White), canvas))
	}

	return &document{
		name:   name,
		path:   path,
		width:  m.Width,
		height: m.Height,
		root:   root,
	}, nil
}

func buildManifestLayer(dir string, ml ManifestLayer) (*layer, error) {
	kind, err := parseKind(ml.Type)
	if err != nil {
		return nil, fmt.Errorf("layer %q: %w", ml.Name, err)
	}

	l := newLayer(ml.Name, kind)
	if kind == layers.KindGroup {
		for _, child := range ml.Layers {
			c, err := buildManifestLayer(dir, child)
			if err != nil {
				return nil, err
			}
			l.children = append(l.children, c)
		}
		return l, nil
	}

	if strings.TrimSpace(ml.Image) != "" {
		img, err := decodeFile(resolveRelative(dir, ml.Image))
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", ml.Name, err)
		}
		l.content = img
		l.rect = nativeRect(img, 0, 0)
	}
	if ml.Rect != nil {
		l.rect = geometry.Rect{Left: ml.Rect.Left, Top: ml.Rect.Top, Width: ml.Rect.Width, Height: ml.Rect.Height}
	}
	if l.rect.Width <= 0 || l.rect.Height <= 0 {
		return nil, fmt.Errorf("layer %q: needs an image or a rect with positive size", ml.Name)
	}
	if l.content == nil {
		l.content = solid(int(l.rect.Width), int(l.rect.Height), placeholderGray)
	}
	return l, nil
}

func parseKind(raw string) (layers.Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "pixel", "art", "raster":
		return layers.KindPixel, nil
	case "smart", "smart_object", "smartobject":
		return layers.KindSmart, nil
	case "group", "set":
		return layers.KindGroup, nil
	default:
		return "", errors.New("unknown layer type " + raw)
	}
}

func resolveRelative(dir, p string) string {
	p = filepath.FromSlash(strings.TrimSpace(p))
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
