// Package report delivers per-job failure notices to the operator. Every
// failure is reported synchronously before the job file is deleted.
package report

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dunamismax/studioqueue/internal/domain"
)

// Failure is the operator-visible record of one failed job.
type Failure struct {
	Family  string    `json:"family"`
	JobFile string    `json:"job_file"`
	Kind    string    `json:"kind,omitempty"`
	Class   string    `json:"class"`
	Message string    `json:"message"`
	Path    string    `json:"path,omitempty"`
	Listing []string  `json:"listing,omitempty"`
	At      time.Time `json:"at"`
}

// NewFailure builds a Failure from a job error, pulling typed detail out of it.
func NewFailure(family string, file domain.JobFile, kind string, err error, at time.Time) Failure {
	path, listing := domain.Detail(err)
	return Failure{
		Family:  family,
		JobFile: file.Name,
		Kind:    kind,
		Class:   domain.Classify(err),
		Message: err.Error(),
		Path:    path,
		Listing: listing,
		At:      at.UTC(),
	}
}

type Reporter interface {
	Report(ctx context.Context, f Failure) error
}

// LogReporter writes failures to the structured log.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) Report(ctx context.Context, f Failure) error {
	attrs := []any{
		"family", f.Family,
		"job", f.JobFile,
		"class", f.Class,
		"error", f.Message,
	}
	if f.Kind != "" {
		attrs = append(attrs, "kind", f.Kind)
	}
	if f.Path != "" {
		attrs = append(attrs, "path", f.Path)
	}
	r.Logger.ErrorContext(ctx, "job failed", attrs...)
	for _, line := range f.Listing {
		r.Logger.InfoContext(ctx, "layer", "job", f.JobFile, "entry", line)
	}
	return nil
}

// Multi fans a failure out to every reporter and joins their errors.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, f Failure) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Report(ctx, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
