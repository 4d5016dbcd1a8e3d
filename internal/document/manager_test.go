package document

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/studioqueue/internal/domain"
	"github.com/dunamismax/studioqueue/internal/geometry"
	"github.com/dunamismax/studioqueue/internal/host"
	"github.com/dunamismax/studioqueue/internal/host/raster"
	"github.com/dunamismax/studioqueue/internal/layers"
)

// countingHost records opens and closes so tests can assert nothing leaks.
type countingHost struct {
	host.Host
	opened      int
	closed      int
	failPaste   bool
	failFlatten bool
}

func (c *countingHost) Open(ctx context.Context, path string) (host.DocID, error) {
	docID, err := c.Host.Open(ctx, path)
	if err == nil {
		c.opened++
	}
	return docID, err
}

func (c *countingHost) Create(ctx context.Context, spec host.DocumentSpec) (host.DocID, error) {
	docID, err := c.Host.Create(ctx, spec)
	if err == nil {
		c.opened++
	}
	return docID, err
}

func (c *countingHost) Duplicate(ctx context.Context, doc host.DocID) (host.DocID, error) {
	docID, err := c.Host.Duplicate(ctx, doc)
	if err == nil {
		c.opened++
	}
	return docID, err
}

func (c *countingHost) Close(ctx context.Context, doc host.DocID, save bool) error {
	err := c.Host.Close(ctx, doc, save)
	if err == nil {
		c.closed++
	}
	return err
}

func (c *countingHost) Paste(ctx context.Context) (host.LayerID, error) {
	if c.failPaste {
		return "", errors.New("paste rejected")
	}
	return c.Host.Paste(ctx)
}

func (c *countingHost) Flatten(ctx context.Context, doc host.DocID) error {
	if c.failFlatten {
		return errors.New("flatten rejected")
	}
	return c.Host.Flatten(ctx, doc)
}

func (c *countingHost) live() int { return c.opened - c.closed }

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 200, G: 40, B: 40, A: 255}), image.Point{}, draw.Src)
	require.NoError(t, png.Encode(f, img))
}

func newSession(t *testing.T) (*countingHost, *Session) {
	t.Helper()
	ch := &countingHost{Host: raster.New(nil)}
	return ch, NewManager(ch, nil).Begin(context.Background())
}

func TestOpenFailureWrapsSentinel(t *testing.T) {
	_, s := newSession(t)

	_, err := s.Open(filepath.Join(t.TempDir(), "missing.tif"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDocumentOpenFailed)
	assert.Equal(t, domain.ClassDocumentOpenFailed, domain.Classify(err))
}

func TestCopyFlattenedContentIntoClosesDuplicate(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "poster.png")
	writePNG(t, src, 40, 60)

	ch, s := newSession(t)
	defer s.End()

	doc, err := s.Open(src)
	require.NoError(t, err)
	sheet, err := s.Create(host.DocumentSpec{Name: "sheet", Width: 200, Height: 100})
	require.NoError(t, err)

	layerID, err := s.CopyFlattenedContentInto(doc, sheet)
	require.NoError(t, err)
	assert.NotEmpty(t, layerID)

	// source and sheet are open; the duplicate is gone.
	assert.Equal(t, 2, ch.live())
	assert.Equal(t, StateOpen, doc.State())
	assert.Equal(t, StateModified, sheet.State())

	bounds, err := s.Bounds(sheet, layerID)
	require.NoError(t, err)
	assert.Equal(t, geometry.Rect{Left: 80, Top: 20, Width: 40, Height: 60}, bounds)
}

func TestCopyFlattenedContentIntoClosesDuplicateOnFailure(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "poster.png")
	writePNG(t, src, 10, 10)

	ch, s := newSession(t)
	ch.failPaste = true

	doc, err := s.Open(src)
	require.NoError(t, err)
	sheet, err := s.Create(host.DocumentSpec{Name: "sheet", Width: 20, Height: 20})
	require.NoError(t, err)

	_, err = s.CopyFlattenedContentInto(doc, sheet)
	require.Error(t, err)
	assert.Equal(t, 2, ch.live())

	require.NoError(t, s.End())
	assert.Equal(t, 0, ch.live())
}

func TestDuplicateClosedWhenFlattenFails(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "poster.png")
	writePNG(t, src, 10, 10)

	ch, s := newSession(t)
	defer s.End()

	doc, err := s.Open(src)
	require.NoError(t, err)
	sheet, err := s.Create(host.DocumentSpec{Name: "sheet", Width: 20, Height: 20})
	require.NoError(t, err)

	ch.failFlatten = true
	_, err = s.CopyFlattenedContentInto(doc, sheet)
	require.Error(t, err)

	// only the source and the sheet remain; End has not run yet.
	assert.Equal(t, 2, ch.live())
	assert.Len(t, s.OpenHandles(), 2)
}

func TestPlaceIntoContainsAndCenters(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "poster.png")
	writePNG(t, src, 40, 80)

	_, s := newSession(t)
	defer s.End()

	doc, err := s.Open(src)
	require.NoError(t, err)
	sheet, err := s.Create(host.DocumentSpec{Name: "sheet", Width: 400, Height: 200})
	require.NoError(t, err)
	layerID, err := s.CopyFlattenedContentInto(doc, sheet)
	require.NoError(t, err)

	slot := geometry.Rect{Left: 200, Top: 0, Width: 200, Height: 200}
	placed, err := s.PlaceInto(sheet, layerID, slot, geometry.FitContain)
	require.NoError(t, err)
	assert.Equal(t, geometry.Rect{Left: 250, Top: 0, Width: 100, Height: 200}, placed)

	bounds, err := s.Bounds(sheet, layerID)
	require.NoError(t, err)
	assert.InDelta(t, placed.Left, bounds.Left, 1e-9)
	assert.InDelta(t, placed.Top, bounds.Top, 1e-9)
	assert.InDelta(t, placed.Width, bounds.Width, 1e-9)
	assert.InDelta(t, placed.Height, bounds.Height, 1e-9)
}

func TestReplaceEmbeddedContentRejectsPixelLayer(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "poster.png")
	writePNG(t, src, 10, 10)

	_, s := newSession(t)
	defer s.End()

	doc, err := s.Open(src)
	require.NoError(t, err)
	tree, err := s.Layers(doc)
	require.NoError(t, err)
	bg, ok := layers.FindByName(tree, "background")
	require.True(t, ok)

	err = s.ReplaceEmbeddedContent(doc, bg, src)
	assert.ErrorIs(t, err, domain.ErrNotSwappable)
	assert.NotErrorIs(t, err, domain.ErrLayerNotFound)
}

func TestClosedHandleRejectsUse(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "poster.png")
	writePNG(t, src, 10, 10)

	ch, s := newSession(t)
	doc, err := s.Open(src)
	require.NoError(t, err)

	require.NoError(t, s.CloseDiscard(doc))
	require.NoError(t, s.CloseDiscard(doc))
	assert.Equal(t, 1, ch.closed)

	assert.ErrorIs(t, s.Flatten(doc), domain.ErrDocumentClosed)
	_, err = s.Size(doc)
	assert.ErrorIs(t, err, domain.ErrDocumentClosed)
}

func TestHandoffSurvivesEnd(t *testing.T) {
	ch, s := newSession(t)

	sheet, err := s.Create(host.DocumentSpec{Name: "sheet", Width: 20, Height: 20})
	require.NoError(t, err)
	scratch, err := s.Create(host.DocumentSpec{Name: "scratch", Width: 20, Height: 20})
	require.NoError(t, err)

	require.NoError(t, s.Handoff(sheet))
	assert.Len(t, s.OpenHandles(), 1)
	require.NoError(t, s.End())

	assert.Equal(t, StateHandedOff, sheet.State())
	assert.Equal(t, StateClosed, scratch.State())
	assert.Equal(t, 1, ch.live())

	active, ok := ch.Active(context.Background())
	assert.True(t, ok)
	assert.Equal(t, sheet.ID(), active, "handed-off sheet stays the active document")
	assert.ErrorIs(t, s.Flatten(sheet), domain.ErrDocumentClosed)
}

func TestEndRunsAfterPanic(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "poster.png")
	writePNG(t, src, 10, 10)

	ch := &countingHost{Host: raster.New(nil)}
	m := NewManager(ch, nil)

	func() {
		defer func() { _ = recover() }()
		s := m.Begin(context.Background())
		defer s.End()
		_, err := s.Open(src)
		require.NoError(t, err)
		panic("handler blew up")
	}()

	assert.Equal(t, 0, ch.live())
}

func TestExportRenditionCreatesParentDir(t *testing.T) {
	_, s := newSession(t)
	defer s.End()

	sheet, err := s.Create(host.DocumentSpec{Name: "sheet", Width: 16, Height: 16})
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "nested", "deeper", "out.jpg")
	require.NoError(t, s.ExportRendition(sheet, out, 0))
	_, err = os.Stat(out)
	require.NoError(t, err)

	err = s.ExportRendition(sheet, out, 101)
	assert.ErrorIs(t, err, domain.ErrMalformedJob)
}
