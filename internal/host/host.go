// Package host defines the capability surface of the editing host the worker
// drives. The host owns documents, layers, a clipboard and a single global
// "active document"; callers address everything through explicit handles and
// must activate a document before mutating it.
package host

import (
	"context"
	"errors"

	"github.com/dunamismax/studioqueue/internal/geometry"
	"github.com/dunamismax/studioqueue/internal/layers"
)

type DocID string

type LayerID string

var (
	ErrUnknownDocument  = errors.New("unknown document")
	ErrUnknownLayer     = errors.New("unknown layer")
	ErrInactiveDocument = errors.New("document is not the active document")
	ErrNoSelection      = errors.New("nothing selected")
	ErrEmptyClipboard   = errors.New("clipboard is empty")
	ErrNotSmartObject   = errors.New("layer is not a smart object")
	ErrUnsupported      = errors.New("operation not supported")
)

// DocumentSpec describes a new blank document.
type DocumentSpec struct {
	Name       string
	Width      int
	Height     int
	Resolution float64
}

type ExportOptions struct {
	// Quality is the 0..100 compression quality for lossy formats.
	Quality int
}

// Host is the automation surface of an editing host. Implementations are not
// reentrant; the worker calls them from a single goroutine.
type Host interface {
	Open(ctx context.Context, path string) (DocID, error)
	Create(ctx context.Context, spec DocumentSpec) (DocID, error)
	Duplicate(ctx context.Context, doc DocID) (DocID, error)
	Close(ctx context.Context, doc DocID, save bool) error

	Activate(ctx context.Context, doc DocID) error
	Active(ctx context.Context) (DocID, bool)

	// SelectAll, Copy and Paste operate on the active document.
	SelectAll(ctx context.Context) error
	Copy(ctx context.Context) error
	Paste(ctx context.Context) (LayerID, error)

	Flatten(ctx context.Context, doc DocID) error
	Rotate90(ctx context.Context, doc DocID) error
	Size(ctx context.Context, doc DocID) (geometry.Size, error)
	Layers(ctx context.Context, doc DocID) (*layers.Node, error)

	LayerBounds(ctx context.Context, doc DocID, layer LayerID) (geometry.Rect, error)
	ScaleLayer(ctx context.Context, doc DocID, layer LayerID, factor float64) error
	TranslateLayer(ctx context.Context, doc DocID, layer LayerID, dx, dy float64) error
	ReplaceContents(ctx context.Context, doc DocID, layer LayerID, path string) error
	ResetTransform(ctx context.Context, doc DocID, layer LayerID) error

	Export(ctx context.Context, doc DocID, path string, opts ExportOptions) error
}
