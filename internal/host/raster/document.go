package raster

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/dunamismax/studioqueue/internal/geometry"
	"github.com/dunamismax/studioqueue/internal/host"
	"github.com/dunamismax/studioqueue/internal/id"
	"github.com/dunamismax/studioqueue/internal/layers"
	xdraw "golang.org/x/image/draw"
)

type layer struct {
	id       host.LayerID
	name     string
	kind     layers.Kind
	children []*layer

	// content is drawn scaled into rect; leaf layers only. Images are never
	// mutated in place, so duplicates may share them.
	content image.Image
	rect    geometry.Rect
}

type document struct {
	id       host.DocID
	name     string
	path     string
	width    int
	height   int
	root     *layer
	selected bool
	modified bool
}

func newLayer(name string, kind layers.Kind) *layer {
	return &layer{id: host.LayerID(id.New()), name: name, kind: kind}
}

func pixelLayer(name string, img image.Image, rect geometry.Rect) *layer {
	l := newLayer(name, layers.KindPixel)
	l.content = img
	l.rect = rect
	return l
}

func nativeRect(img image.Image, left, top float64) geometry.Rect {
	b := img.Bounds()
	return geometry.Rect{Left: left, Top: top, Width: float64(b.Dx()), Height: float64(b.Dy())}
}

func (l *layer) isLeaf() bool {
	return l.kind != layers.KindGroup
}

func (l *layer) clone() *layer {
	out := &layer{
		id:      host.LayerID(id.New()),
		name:    l.name,
		kind:    l.kind,
		content: l.content,
		rect:    l.rect,
	}
	for _, child := range l.children {
		out.children = append(out.children, child.clone())
	}
	return out
}

func (l *layer) find(target host.LayerID) *layer {
	if l.id == target {
		return l
	}
	for _, child := range l.children {
		if found := child.find(target); found != nil {
			return found
		}
	}
	return nil
}

func (l *layer) node() *layers.Node {
	n := &layers.Node{
		ID:        string(l.id),
		Name:      l.name,
		Kind:      l.kind,
		Swappable: l.kind == layers.KindSmart,
	}
	for _, child := range l.children {
		n.Children = append(n.Children, child.node())
	}
	return n
}

// bounds is the placement of a leaf, or the union of a group's leaves.
func (l *layer) bounds() (geometry.Rect, bool) {
	if l.isLeaf() {
		return l.rect, true
	}
	var (
		out geometry.Rect
		ok  bool
	)
	for _, child := range l.children {
		b, has := child.bounds()
		if !has {
			continue
		}
		if !ok {
			out, ok = b, true
			continue
		}
		left := math.Min(out.Left, b.Left)
		top := math.Min(out.Top, b.Top)
		right := math.Max(out.Right(), b.Right())
		bottom := math.Max(out.Bottom(), b.Bottom())
		out = geometry.Rect{Left: left, Top: top, Width: right - left, Height: bottom - top}
	}
	return out, ok
}

func (l *layer) leaves(fn func(*layer)) {
	if l.isLeaf() {
		fn(l)
		return
	}
	for _, child := range l.children {
		child.leaves(fn)
	}
}

func (d *document) clone() *document {
	return &document{
		id:     host.DocID(id.New()),
		name:   d.name + " copy",
		width:  d.width,
		height: d.height,
		root:   d.root.clone(),
	}
}

// composite renders the visible stack bottom-up onto a canvas of the document's size.
func (d *document) composite() *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, d.width, d.height))
	drawLayer(dst, d.root)
	return dst
}

func drawLayer(dst *image.RGBA, l *layer) {
	if !l.isLeaf() {
		// Children are kept top-first like a layers panel.
		for i := len(l.children) - 1; i >= 0; i-- {
			drawLayer(dst, l.children[i])
		}
		return
	}
	if l.content == nil {
		return
	}

	target := pixelRect(l.rect)
	if target.Empty() {
		return
	}
	src := l.content.Bounds()
	if target.Dx() == src.Dx() && target.Dy() == src.Dy() {
		draw.Draw(dst, target, l.content, src.Min, draw.Over)
		return
	}
	xdraw.CatmullRom.Scale(dst, target, l.content, src, xdraw.Over, nil)
}

func pixelRect(r geometry.Rect) image.Rectangle {
	return image.Rect(
		int(math.Round(r.Left)),
		int(math.Round(r.Top)),
		int(math.Round(r.Right())),
		int(math.Round(r.Bottom())),
	)
}

// flatten collapses the document into a single opaque background layer.
func (d *document) flatten() {
	flat := image.NewRGBA(image.Rect(0, 0, d.width, d.height))
	draw.Draw(flat, flat.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), d.composite(), image.Point{}, draw.Over)

	root := newLayer(d.root.name, layers.KindGroup)
	root.children = []*layer{pixelLayer("Background", flat, nativeRect(flat, 0, 0))}
	d.root = root
}

// rotate90 turns the canvas clockwise, carrying every leaf along.
func (d *document) rotate90() {
	oldH := float64(d.height)
	d.root.leaves(func(l *layer) {
		if l.content != nil {
			l.content = rotateClockwise(l.content)
		}
		r := l.rect
		l.rect = geometry.Rect{
			Left:   oldH - r.Bottom(),
			Top:    r.Left,
			Width:  r.Height,
			Height: r.Width,
		}
	})
	d.width, d.height = d.height, d.width
}

func rotateClockwise(src image.Image) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Set(h-1-y, x, src.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, max(1, w), max(1, h)))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}
