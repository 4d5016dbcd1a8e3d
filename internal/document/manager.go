// Package document scopes every document the worker touches. A Session
// remembers each handle it opened and End closes whatever is still open, so
// no path through a job (error or panic included) leaks a document in the
// host.
package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dunamismax/studioqueue/internal/domain"
	"github.com/dunamismax/studioqueue/internal/geometry"
	"github.com/dunamismax/studioqueue/internal/host"
	"github.com/dunamismax/studioqueue/internal/layers"
)

type State int

const (
	StateOpen State = iota + 1
	StateModified
	StateClosed
	StateHandedOff
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateModified:
		return "modified"
	case StateClosed:
		return "closed"
	case StateHandedOff:
		return "handed_off"
	default:
		return "unopened"
	}
}

func (s State) terminal() bool {
	return s == StateClosed || s == StateHandedOff
}

// Handle is a session-owned reference to one host document.
type Handle struct {
	id    host.DocID
	name  string
	state State
}

func (h *Handle) ID() host.DocID { return h.id }
func (h *Handle) Name() string   { return h.name }
func (h *Handle) State() State   { return h.state }

type Manager struct {
	host   host.Host
	logger *slog.Logger
}

func NewManager(h host.Host, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{host: h, logger: logger}
}

func (m *Manager) Host() host.Host {
	return m.host
}

// Begin starts a session. Callers must defer End.
func (m *Manager) Begin(ctx context.Context) *Session {
	return &Session{ctx: ctx, host: m.host, logger: m.logger}
}

type Session struct {
	ctx     context.Context
	host    host.Host
	logger  *slog.Logger
	handles []*Handle
}

func (s *Session) Open(path string) (*Handle, error) {
	docID, err := s.host.Open(s.ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrDocumentOpenFailed, path, err)
	}
	return s.track(docID, filepath.Base(path)), nil
}

func (s *Session) Create(spec host.DocumentSpec) (*Handle, error) {
	docID, err := s.host.Create(s.ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	return s.track(docID, spec.Name), nil
}

func (s *Session) DuplicateAndFlatten(doc *Handle) (*Handle, error) {
	if err := s.usable(doc); err != nil {
		return nil, err
	}
	dupID, err := s.host.Duplicate(s.ctx, doc.id)
	if err != nil {
		return nil, fmt.Errorf("duplicate %s: %w", doc.name, err)
	}
	dup := s.track(dupID, doc.name+" copy")

	if err := s.Flatten(dup); err != nil {
		if closeErr := s.CloseDiscard(dup); closeErr != nil {
			s.logger.Warn("close duplicate", "doc", dup.name, "error", closeErr)
		}
		return nil, fmt.Errorf("flatten duplicate: %w", err)
	}
	return dup, nil
}

// CopyFlattenedContentInto pastes a flattened copy of src into dst and returns
// the new layer. src itself is left untouched.
func (s *Session) CopyFlattenedContentInto(src, dst *Handle) (host.LayerID, error) {
	if err := s.usable(dst); err != nil {
		return "", err
	}

	dup, err := s.DuplicateAndFlatten(src)
	if err != nil {
		return "", err
	}
	copyErr := s.copyAll(dup)
	if err := s.CloseDiscard(dup); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return "", copyErr
	}

	if err := s.activate(dst); err != nil {
		return "", err
	}
	layerID, err := s.host.Paste(s.ctx)
	if err != nil {
		return "", fmt.Errorf("paste into %s: %w", dst.name, err)
	}
	dst.state = StateModified
	return layerID, nil
}

func (s *Session) copyAll(doc *Handle) error {
	if err := s.activate(doc); err != nil {
		return err
	}
	if err := s.host.SelectAll(s.ctx); err != nil {
		return fmt.Errorf("select all in %s: %w", doc.name, err)
	}
	if err := s.host.Copy(s.ctx); err != nil {
		return fmt.Errorf("copy from %s: %w", doc.name, err)
	}
	return nil
}

func (s *Session) ReplaceEmbeddedContent(doc *Handle, layer *layers.Node, path string) error {
	if err := s.usable(doc); err != nil {
		return err
	}
	if !layer.Swappable {
		return fmt.Errorf("%w: %q is a %s layer", domain.ErrNotSwappable, layer.Name, layer.Kind)
	}
	return s.mutate(doc, "replace contents", func() error {
		return s.host.ReplaceContents(s.ctx, doc.id, host.LayerID(layer.ID), path)
	})
}

func (s *Session) ResetTransform(doc *Handle, layerID host.LayerID) error {
	return s.mutate(doc, "reset transform", func() error {
		return s.host.ResetTransform(s.ctx, doc.id, layerID)
	})
}

func (s *Session) Flatten(doc *Handle) error {
	return s.mutate(doc, "flatten", func() error {
		return s.host.Flatten(s.ctx, doc.id)
	})
}

func (s *Session) Rotate90(doc *Handle) error {
	return s.mutate(doc, "rotate", func() error {
		return s.host.Rotate90(s.ctx, doc.id)
	})
}

// PlaceInto fits a layer into target and centers it there.
func (s *Session) PlaceInto(doc *Handle, layerID host.LayerID, target geometry.Rect, mode geometry.FitMode) (geometry.Rect, error) {
	current, err := s.Bounds(doc, layerID)
	if err != nil {
		return geometry.Rect{}, err
	}
	placed, err := geometry.FitRect(current, target, mode)
	if err != nil {
		return geometry.Rect{}, err
	}

	scale := placed.Width / current.Width
	err = s.mutate(doc, "place layer", func() error {
		if err := s.host.ScaleLayer(s.ctx, doc.id, layerID, scale); err != nil {
			return err
		}
		scaled := current.Scale(scale)
		dx, dy := geometry.ComputeCenteringOffset(scaled, target)
		return s.host.TranslateLayer(s.ctx, doc.id, layerID, dx, dy)
	})
	if err != nil {
		return geometry.Rect{}, err
	}
	return placed, nil
}

// ExportRendition writes the composite to output, creating its directory.
func (s *Session) ExportRendition(doc *Handle, output string, quality int) error {
	if err := s.usable(doc); err != nil {
		return err
	}
	if quality < 0 || quality > 100 {
		return domain.Malformed("quality %d outside 0..100", quality)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := s.activate(doc); err != nil {
		return err
	}
	if err := s.host.Export(s.ctx, doc.id, output, host.ExportOptions{Quality: quality}); err != nil {
		return fmt.Errorf("export %s: %w", doc.name, err)
	}
	return nil
}

// CloseDiscard closes without saving. Closing twice is a no-op.
func (s *Session) CloseDiscard(doc *Handle) error {
	if doc == nil || doc.state.terminal() {
		return nil
	}
	doc.state = StateClosed
	if err := s.host.Close(context.WithoutCancel(s.ctx), doc.id, false); err != nil {
		return fmt.Errorf("close %s: %w", doc.name, err)
	}
	return nil
}

// Handoff leaves the document open in the host and releases it from the
// session; End will not close it.
func (s *Session) Handoff(doc *Handle) error {
	if err := s.usable(doc); err != nil {
		return err
	}
	if err := s.activate(doc); err != nil {
		return err
	}
	doc.state = StateHandedOff
	return nil
}

func (s *Session) Layers(doc *Handle) (*layers.Node, error) {
	if err := s.usable(doc); err != nil {
		return nil, err
	}
	root, err := s.host.Layers(s.ctx, doc.id)
	if err != nil {
		return nil, fmt.Errorf("read layers of %s: %w", doc.name, err)
	}
	return root, nil
}

func (s *Session) Bounds(doc *Handle, layerID host.LayerID) (geometry.Rect, error) {
	if err := s.usable(doc); err != nil {
		return geometry.Rect{}, err
	}
	r, err := s.host.LayerBounds(s.ctx, doc.id, layerID)
	if err != nil {
		return geometry.Rect{}, fmt.Errorf("read bounds in %s: %w", doc.name, err)
	}
	return r, nil
}

func (s *Session) Size(doc *Handle) (geometry.Size, error) {
	if err := s.usable(doc); err != nil {
		return geometry.Size{}, err
	}
	size, err := s.host.Size(s.ctx, doc.id)
	if err != nil {
		return geometry.Size{}, fmt.Errorf("read size of %s: %w", doc.name, err)
	}
	return size, nil
}

// End closes every handle still open and reports the first close failure.
func (s *Session) End() error {
	var errs []error
	for i := len(s.handles) - 1; i >= 0; i-- {
		h := s.handles[i]
		if h.state.terminal() {
			continue
		}
		if err := s.CloseDiscard(h); err != nil {
			s.logger.Warn("close leaked document", "doc", h.name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenHandles lists the handles End would still close.
func (s *Session) OpenHandles() []*Handle {
	var out []*Handle
	for _, h := range s.handles {
		if !h.state.terminal() {
			out = append(out, h)
		}
	}
	return out
}

func (s *Session) track(docID host.DocID, name string) *Handle {
	h := &Handle{id: docID, name: name, state: StateOpen}
	s.handles = append(s.handles, h)
	return h
}

func (s *Session) usable(doc *Handle) error {
	if doc == nil {
		return fmt.Errorf("%w: nil handle", domain.ErrDocumentClosed)
	}
	if doc.state.terminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrDocumentClosed, doc.name, doc.state)
	}
	return nil
}

func (s *Session) activate(doc *Handle) error {
	if err := s.host.Activate(s.ctx, doc.id); err != nil {
		return fmt.Errorf("activate %s: %w", doc.name, err)
	}
	return nil
}

func (s *Session) mutate(doc *Handle, stage string, fn func() error) error {
	if err := s.usable(doc); err != nil {
		return err
	}
	if err := s.activate(doc); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return fmt.Errorf("%s in %s: %w", stage, doc.name, err)
	}
	doc.state = StateModified
	return nil
}
