package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dunamismax/studioqueue/internal/config"
	"github.com/dunamismax/studioqueue/internal/document"
	"github.com/dunamismax/studioqueue/internal/domain"
	"github.com/dunamismax/studioqueue/internal/geometry"
	"github.com/dunamismax/studioqueue/internal/host"
	"github.com/dunamismax/studioqueue/internal/layers"
)

// runSingleOpen opens one poster and leaves it with the operator.
func (s *Server) runSingleOpen(ctx context.Context, job domain.SingleOpen) ([]string, error) {
	sess := s.manager.Begin(ctx)
	defer s.endSession(sess)

	doc, err := sess.Open(job.Source)
	if err != nil {
		return nil, err
	}
	if err := sess.Handoff(doc); err != nil {
		return nil, err
	}
	s.retain(ctx, doc.ID())
	return nil, nil
}

// runTwoUp lays two posters side by side on a fresh sheet, each rotated to
// portrait and fitted inside its half. Identical paths share one open
// document.
func (s *Server) runTwoUp(ctx context.Context, file domain.JobFile, job domain.TwoUpComposite) ([]string, error) {
	sess := s.manager.Begin(ctx)
	defer s.endSession(sess)

	left, err := sess.Open(job.Left)
	if err != nil {
		return nil, err
	}
	right := left
	if !job.SameSource() {
		if right, err = sess.Open(job.Right); err != nil {
			return nil, err
		}
	}

	for _, src := range uniqueHandles(left, right) {
		if err := s.toPortrait(sess, src); err != nil {
			return nil, err
		}
	}

	width, height := s.sheet.PixelSize()
	sheet, err := sess.Create(host.DocumentSpec{
		Name:       sheetName(file),
		Width:      width,
		Height:     height,
		Resolution: s.sheet.DPI,
	})
	if err != nil {
		return nil, err
	}

	slots, err := SlotRects(s.sheet)
	if err != nil {
		return nil, err
	}
	for i, src := range []*document.Handle{left, right} {
		layerID, err := sess.CopyFlattenedContentInto(src, sheet)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", i+1, err)
		}
		if _, err := sess.PlaceInto(sheet, layerID, slots[i], geometry.FitContain); err != nil {
			return nil, fmt.Errorf("slot %d: %w", i+1, err)
		}
	}

	for _, src := range uniqueHandles(left, right) {
		if err := sess.CloseDiscard(src); err != nil {
			return nil, err
		}
	}
	if err := sess.Flatten(sheet); err != nil {
		return nil, err
	}

	var outputs []string
	if dir := strings.TrimSpace(s.sheet.ExportDir); dir != "" {
		out := filepath.Join(dir, sheet.Name()+".tif")
		if err := sess.ExportRendition(sheet, out, 0); err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}

	if err := sess.Handoff(sheet); err != nil {
		return nil, err
	}
	s.retain(ctx, sheet.ID())
	return outputs, nil
}

func (s *Server) toPortrait(sess *document.Session, doc *document.Handle) error {
	size, err := sess.Size(doc)
	if err != nil {
		return err
	}
	if !geometry.NormalizeOrientation(size.Width, size.Height) {
		return nil
	}
	s.logger.Debug("rotating landscape source", "doc", doc.Name(), "width", size.Width, "height", size.Height)
	return sess.Rotate90(doc)
}

// runMockup swaps a poster into a template's smart object and exports one
// rendition. The template is never saved.
func (s *Server) runMockup(ctx context.Context, job domain.MockupSwap) ([]string, error) {
	sess := s.manager.Begin(ctx)
	defer s.endSession(sess)

	doc, err := sess.Open(job.Template)
	if err != nil {
		return nil, err
	}

	tree, err := sess.Layers(doc)
	if err != nil {
		return nil, err
	}
	node, ok := layers.FindByName(tree, job.Layer)
	if !ok {
		return nil, &domain.LayerNotFoundError{Name: job.Layer, Listing: layers.DumpTree(tree)}
	}
	layerID := host.LayerID(node.ID)

	frame, err := sess.Bounds(doc, layerID)
	if err != nil {
		return nil, err
	}
	if err := sess.ReplaceEmbeddedContent(doc, node, job.Replacement); err != nil {
		return nil, err
	}
	if job.ResetTransform {
		if err := sess.ResetTransform(doc, layerID); err != nil {
			return nil, err
		}
		if _, err := sess.PlaceInto(doc, layerID, frame, job.Fit); err != nil {
			return nil, err
		}
	}

	if err := sess.ExportRendition(doc, job.Output, job.Quality); err != nil {
		return nil, err
	}
	if err := sess.CloseDiscard(doc); err != nil {
		return nil, err
	}

	if s.uploader != nil {
		key, err := s.uploader.UploadRendition(ctx, job.Output)
		if err != nil {
			s.logger.Warn("rendition upload failed", "output", job.Output, "error", err)
		} else {
			s.metrics.renditionsUploaded.Inc()
			s.logger.Debug("rendition uploaded", "output", job.Output, "key", key)
		}
	}
	return []string{job.Output}, nil
}

func (s *Server) endSession(sess *document.Session) {
	if err := sess.End(); err != nil {
		s.logger.Warn("session cleanup failed", "error", err)
	}
}

// SlotRects splits the sheet into two side-by-side portrait slots, inset by
// the configured margin.
func SlotRects(sheet config.SheetConfig) ([2]geometry.Rect, error) {
	width, height := sheet.PixelSize()
	half := float64(width) / 2
	margin := sheet.MarginIn * sheet.DPI

	slots := [2]geometry.Rect{
		geometry.Rect{Left: 0, Top: 0, Width: half, Height: float64(height)}.Inset(margin),
		geometry.Rect{Left: half, Top: 0, Width: half, Height: float64(height)}.Inset(margin),
	}
	for _, slot := range slots {
		if slot.Width <= 0 || slot.Height <= 0 {
			return slots, fmt.Errorf("%w: slot %s has no area", domain.ErrInvalidGeometry, slot)
		}
	}
	return slots, nil
}

func uniqueHandles(a, b *document.Handle) []*document.Handle {
	if a == b {
		return []*document.Handle{a}
	}
	return []*document.Handle{a, b}
}

func sheetName(file domain.JobFile) string {
	return "2up_" + strings.TrimSuffix(file.Name, filepath.Ext(file.Name))
}
