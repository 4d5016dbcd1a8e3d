// Package geometry holds the pure fit and centering math used to place content
// into print slots and mockup frames. Nothing here talks to the editing host.
package geometry

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var ErrInvalidGeometry = errors.New("invalid geometry")

type FitMode string

const (
	// FitContain scales content to sit fully inside the target, leaving margin.
	FitContain FitMode = "contain"
	// FitCover scales content until the target is fully covered; overflow is allowed.
	FitCover FitMode = "cover"
)

func ParseFitMode(raw string) (FitMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(FitCover):
		return FitCover, nil
	case string(FitContain):
		return FitContain, nil
	default:
		return "", fmt.Errorf("unsupported fit mode %q", raw)
	}
}

type Size struct {
	Width  float64
	Height float64
}

// Rect is a device-pixel rectangle anchored at its top-left corner.
type Rect struct {
	Left   float64
	Top    float64
	Width  float64
	Height float64
}

func (r Rect) Size() Size {
	return Size{Width: r.Width, Height: r.Height}
}

func (r Rect) Right() float64  { return r.Left + r.Width }
func (r Rect) Bottom() float64 { return r.Top + r.Height }

func (r Rect) Center() (float64, float64) {
	return r.Left + r.Width/2, r.Top + r.Height/2
}

// Scale resizes the rectangle about its center.
func (r Rect) Scale(factor float64) Rect {
	cx, cy := r.Center()
	w := r.Width * factor
	h := r.Height * factor
	return Rect{Left: cx - w/2, Top: cy - h/2, Width: w, Height: h}
}

func (r Rect) Translate(dx, dy float64) Rect {
	r.Left += dx
	r.Top += dy
	return r
}

func (r Rect) String() string {
	return fmt.Sprintf("[%.1f,%.1f %.1fx%.1f]", r.Left, r.Top, r.Width, r.Height)
}

// ComputeFitScale returns the uniform scale factor that fits content into target
// under the given mode.
func ComputeFitScale(content, target Size, mode FitMode) (float64, error) {
	if !positive(content.Width) || !positive(content.Height) {
		return 0, fmt.Errorf("%w: content size %.2fx%.2f", ErrInvalidGeometry, content.Width, content.Height)
	}
	if !positive(target.Width) || !positive(target.Height) {
		return 0, fmt.Errorf("%w: target size %.2fx%.2f", ErrInvalidGeometry, target.Width, target.Height)
	}

	sx := target.Width / content.Width
	sy := target.Height / content.Height

	switch mode {
	case FitContain:
		return math.Min(sx, sy), nil
	case FitCover:
		return math.Max(sx, sy), nil
	default:
		return 0, fmt.Errorf("%w: unknown fit mode %q", ErrInvalidGeometry, mode)
	}
}

// ComputeCenteringOffset returns the translation that moves content's center
// onto target's center.
func ComputeCenteringOffset(content, target Rect) (float64, float64) {
	ccx, ccy := content.Center()
	tcx, tcy := target.Center()
	return tcx - ccx, tcy - ccy
}

// NormalizeOrientation reports whether a source of the given size is landscape
// and must be rotated by 90 degrees before entering a portrait slot.
func NormalizeOrientation(width, height float64) bool {
	return width > height
}

// FitRect scales content about its center and then centers it on target.
func FitRect(content, target Rect, mode FitMode) (Rect, error) {
	scale, err := ComputeFitScale(content.Size(), target.Size(), mode)
	if err != nil {
		return Rect{}, err
	}
	scaled := content.Scale(scale)
	dx, dy := ComputeCenteringOffset(scaled, target)
	return scaled.Translate(dx, dy), nil
}

// Inset shrinks r by margin on every side. A margin that would swallow the
// rectangle yields a zero-area result, which ComputeFitScale rejects.
func (r Rect) Inset(margin float64) Rect {
	w := math.Max(0, r.Width-2*margin)
	h := math.Max(0, r.Height-2*margin)
	return Rect{Left: r.Left + margin, Top: r.Top + margin, Width: w, Height: h}
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
