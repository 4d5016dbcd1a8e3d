// Package raster is an in-process editing host. Plain images open as a single
// background layer; YAML manifests open as layered templates with smart
// object slots. It keeps the same global state a scripted desktop editor
// has (one active document, one clipboard) so callers exercise the same
// activation discipline they would need against the real thing.
package raster

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dunamismax/studioqueue/internal/geometry"
	"github.com/dunamismax/studioqueue/internal/host"
	"github.com/dunamismax/studioqueue/internal/id"
	"github.com/dunamismax/studioqueue/internal/layers"
)

type Host struct {
	mu        sync.Mutex
	logger    *slog.Logger
	encoder   encoder
	docs      map[host.DocID]*document
	active    host.DocID
	clipboard image.Image
	pastes    int
}

// DocumentInfo summarises an open document.
type DocumentInfo struct {
	ID       host.DocID
	Name     string
	Path     string
	Width    int
	Height   int
	Modified bool
	Active   bool
}

func New(logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Host{
		logger:  logger,
		encoder: newEncoder(),
		docs:    make(map[host.DocID]*document),
	}
}

var _ host.Host = (*Host)(nil)

func (h *Host) Open(ctx context.Context, path string) (host.DocID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var (
		doc *document
		err error
	)
	if isManifestPath(path) {
		doc, err = documentFromManifest(path)
	} else {
		doc, err = documentFromImage(path)
	}
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.register(doc), nil
}

func (h *Host) Create(ctx context.Context, spec host.DocumentSpec) (host.DocID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if spec.Width <= 0 || spec.Height <= 0 {
		return "", fmt.Errorf("create document: size must be positive, got %dx%d", spec.Width, spec.Height)
	}

	name := spec.Name
	if name == "" {
		name = "Untitled-" + id.Short()
	}
	root := newLayer(name, layers.KindGroup)
	canvas := geometry.Rect{Width: float64(spec.Width), Height: float64(spec.Height)}
	root.children = []*layer{pixelLayer("Background", solid(spec.Width, spec.Height, color.White), canvas)}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.register(&document{name: name, width: spec.Width, height: spec.Height, root: root}), nil
}

func (h *Host) Duplicate(ctx context.Context, docID host.DocID) (host.DocID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	doc, err := h.doc(docID)
	if err != nil {
		return "", err
	}
	return h.register(doc.clone()), nil
}

func (h *Host) Close(_ context.Context, docID host.DocID, save bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	doc, err := h.doc(docID)
	if err != nil {
		return err
	}
	if save {
		return fmt.Errorf("close %s with save: %w", doc.name, host.ErrUnsupported)
	}

	delete(h.docs, docID)
	if h.active == docID {
		h.active = ""
	}
	h.logger.Debug("document closed", "doc", doc.name, "modified", doc.modified)
	return nil
}

func (h *Host) Activate(_ context.Context, docID host.DocID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.doc(docID); err != nil {
		return err
	}
	h.active = docID
	return nil
}

func (h *Host) Active(context.Context) (host.DocID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active, h.active != ""
}

func (h *Host) SelectAll(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	doc, err := h.activeDoc()
	if err != nil {
		return err
	}
	doc.selected = true
	return nil
}

func (h *Host) Copy(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	doc, err := h.activeDoc()
	if err != nil {
		return err
	}
	if !doc.selected {
		return fmt.Errorf("copy from %s: %w", doc.name, host.ErrNoSelection)
	}
	h.clipboard = doc.composite()
	return nil
}

// Paste adds the clipboard as a new top layer centered on the active document.
func (h *Host) Paste(context.Context) (host.LayerID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	doc, err := h.activeDoc()
	if err != nil {
		return "", err
	}
	if h.clipboard == nil {
		return "", host.ErrEmptyClipboard
	}

	h.pastes++
	b := h.clipboard.Bounds()
	left := (float64(doc.width) - float64(b.Dx())) / 2
	top := (float64(doc.height) - float64(b.Dy())) / 2
	l := pixelLayer(fmt.Sprintf("Layer %d", h.pastes), h.clipboard, nativeRect(h.clipboard, left, top))

	doc.root.children = append([]*layer{l}, doc.root.children...)
	doc.modified = true
	return l.id, nil
}

func (h *Host) Flatten(_ context.Context, docID host.DocID) error {
	return h.mutate(docID, func(doc *document) error {
		doc.flatten()
		return nil
	})
}

func (h *Host) Rotate90(_ context.Context, docID host.DocID) error {
	return h.mutate(docID, func(doc *document) error {
		doc.rotate90()
		return nil
	})
}

func (h *Host) Size(_ context.Context, docID host.DocID) (geometry.Size, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	doc, err := h.doc(docID)
	if err != nil {
		return geometry.Size{}, err
	}
	return geometry.Size{Width: float64(doc.width), Height: float64(doc.height)}, nil
}

func (h *Host) Layers(_ context.Context, docID host.DocID) (*layers.Node, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	doc, err := h.doc(docID)
	if err != nil {
		return nil, err
	}
	return doc.root.node(), nil
}

func (h *Host) LayerBounds(_ context.Context, docID host.DocID, layerID host.LayerID) (geometry.Rect, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	doc, err := h.doc(docID)
	if err != nil {
		return geometry.Rect{}, err
	}
	l, err := findLayer(doc, layerID)
	if err != nil {
		return geometry.Rect{}, err
	}
	b, ok := l.bounds()
	if !ok {
		return geometry.Rect{}, fmt.Errorf("layer %q is empty", l.name)
	}
	return b, nil
}

func (h *Host) ScaleLayer(_ context.Context, docID host.DocID, layerID host.LayerID, factor float64) error {
	return h.mutateLayer(docID, layerID, func(l *layer) error {
		if !l.isLeaf() {
			return fmt.Errorf("scale group %q: %w", l.name, host.ErrUnsupported)
		}
		l.rect = l.rect.Scale(factor)
		return nil
	})
}

func (h *Host) TranslateLayer(_ context.Context, docID host.DocID, layerID host.LayerID, dx, dy float64) error {
	return h.mutateLayer(docID, layerID, func(l *layer) error {
		l.leaves(func(leaf *layer) {
			leaf.rect = leaf.rect.Translate(dx, dy)
		})
		return nil
	})
}

// ReplaceContents swaps the embedded source of a smart object while keeping
// its current scale and center.
func (h *Host) ReplaceContents(_ context.Context, docID host.DocID, layerID host.LayerID, path string) error {
	img, err := decodeFile(path)
	if err != nil {
		return fmt.Errorf("replace contents: %w", err)
	}

	return h.mutateLayer(docID, layerID, func(l *layer) error {
		if l.kind != layers.KindSmart {
			return fmt.Errorf("replace contents of %q: %w", l.name, host.ErrNotSmartObject)
		}

		old := l.content.Bounds()
		sx := l.rect.Width / float64(old.Dx())
		sy := l.rect.Height / float64(old.Dy())
		nb := img.Bounds()
		next := geometry.Rect{Width: float64(nb.Dx()) * sx, Height: float64(nb.Dy()) * sy}
		dx, dy := geometry.ComputeCenteringOffset(next, l.rect)

		l.content = img
		l.rect = next.Translate(dx, dy)
		return nil
	})
}

// ResetTransform returns a layer to 100% of its source pixels, keeping its center.
func (h *Host) ResetTransform(_ context.Context, docID host.DocID, layerID host.LayerID) error {
	return h.mutateLayer(docID, layerID, func(l *layer) error {
		if !l.isLeaf() || l.content == nil {
			return fmt.Errorf("reset transform of %q: %w", l.name, host.ErrUnsupported)
		}
		native := nativeRect(l.content, 0, 0)
		dx, dy := geometry.ComputeCenteringOffset(native, l.rect)
		l.rect = native.Translate(dx, dy)
		return nil
	})
}

func (h *Host) Export(ctx context.Context, docID host.DocID, path string, opts host.ExportOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	doc, err := h.requireActive(docID)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	canvas := doc.composite()
	name := doc.name
	h.mu.Unlock()

	format := formatForPath(path)
	data, err := h.encoder.Encode(canvas, format, opts.Quality)
	if err != nil {
		return fmt.Errorf("export %s: %w", name, err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("export %s: %w", name, err)
	}

	h.logger.Debug("document exported", "doc", name, "path", path, "format", format, "bytes", len(data))
	return nil
}

// Documents lists open documents ordered by name.
func (h *Host) Documents() []DocumentInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]DocumentInfo, 0, len(h.docs))
	for docID, doc := range h.docs {
		out = append(out, DocumentInfo{
			ID:       docID,
			Name:     doc.name,
			Path:     doc.path,
			Width:    doc.width,
			Height:   doc.height,
			Modified: doc.modified,
			Active:   docID == h.active,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Composite renders an open document, for inspection and tests.
func (h *Host) Composite(docID host.DocID) (image.Image, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	doc, err := h.doc(docID)
	if err != nil {
		return nil, err
	}
	return doc.composite(), nil
}

func (h *Host) register(doc *document) host.DocID {
	if doc.id == "" {
		doc.id = host.DocID(id.New())
	}
	h.docs[doc.id] = doc
	h.active = doc.id
	return doc.id
}

func (h *Host) doc(docID host.DocID) (*document, error) {
	doc, ok := h.docs[docID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", host.ErrUnknownDocument, docID)
	}
	return doc, nil
}

func (h *Host) activeDoc() (*document, error) {
	if h.active == "" {
		return nil, fmt.Errorf("%w: no document is active", host.ErrInactiveDocument)
	}
	return h.doc(h.active)
}

func (h *Host) requireActive(docID host.DocID) (*document, error) {
	doc, err := h.doc(docID)
	if err != nil {
		return nil, err
	}
	if h.active != docID {
		return nil, fmt.Errorf("%w: %s", host.ErrInactiveDocument, doc.name)
	}
	return doc, nil
}

func (h *Host) mutate(docID host.DocID, fn func(*document) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	doc, err := h.requireActive(docID)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	doc.modified = true
	return nil
}

func (h *Host) mutateLayer(docID host.DocID, layerID host.LayerID, fn func(*layer) error) error {
	return h.mutate(docID, func(doc *document) error {
		l, err := findLayer(doc, layerID)
		if err != nil {
			return err
		}
		return fn(l)
	})
}

func findLayer(doc *document, layerID host.LayerID) (*layer, error) {
	l := doc.root.find(layerID)
	if l == nil {
		return nil, fmt.Errorf("%w: %s in %s", host.ErrUnknownLayer, layerID, doc.name)
	}
	return l, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}
