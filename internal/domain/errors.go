package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dunamismax/studioqueue/internal/geometry"
)

var (
	// ErrMalformedJob marks a descriptor that cannot be decoded. Such jobs are
	// skipped and never retried.
	ErrMalformedJob = errors.New("malformed job")

	// ErrMissingInput is returned before any document is opened when a
	// referenced path does not exist.
	ErrMissingInput = errors.New("missing input")

	ErrDocumentOpenFailed = errors.New("document open failed")
	ErrLayerNotFound      = errors.New("layer not found")

	// ErrNotSwappable means the layer exists but cannot have its embedded
	// content replaced.
	ErrNotSwappable = errors.New("layer is not swappable")

	ErrInvalidGeometry = geometry.ErrInvalidGeometry

	// ErrDocumentClosed is returned for any use of a handle after it was closed
	// or handed off.
	ErrDocumentClosed = errors.New("document handle already closed")

	// ErrQueueUnavailable is fatal: the job directory cannot be read at all.
	ErrQueueUnavailable = errors.New("job directory unavailable")
)

type MalformedJobError struct {
	Reason string
}

func (e *MalformedJobError) Error() string {
	return "malformed job: " + e.Reason
}

func (e *MalformedJobError) Unwrap() error {
	return ErrMalformedJob
}

func Malformed(format string, args ...any) error {
	return &MalformedJobError{Reason: fmt.Sprintf(format, args...)}
}

type MissingInputError struct {
	Path string
}

func (e *MissingInputError) Error() string {
	return "missing input: " + e.Path
}

func (e *MissingInputError) Unwrap() error {
	return ErrMissingInput
}

// LayerNotFoundError carries the full layer listing of the document so an
// operator can see what the template actually contains.
type LayerNotFoundError struct {
	Name    string
	Listing []string
}

func (e *LayerNotFoundError) Error() string {
	return fmt.Sprintf("layer not found: %q (%d layers scanned)", e.Name, len(e.Listing))
}

func (e *LayerNotFoundError) Unwrap() error {
	return ErrLayerNotFound
}

const (
	ClassMalformedJob       = "malformed_job"
	ClassMissingInput       = "missing_input"
	ClassDocumentOpenFailed = "document_open_failed"
	ClassLayerNotFound      = "layer_not_found"
	ClassNotSwappable       = "not_swappable"
	ClassInvalidGeometry    = "invalid_geometry"
	ClassHost               = "host_error"
)

// Classify maps an error to a stable class name used in reports and metrics.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedJob):
		return ClassMalformedJob
	case errors.Is(err, ErrMissingInput):
		return ClassMissingInput
	case errors.Is(err, ErrDocumentOpenFailed):
		return ClassDocumentOpenFailed
	case errors.Is(err, ErrLayerNotFound):
		return ClassLayerNotFound
	case errors.Is(err, ErrNotSwappable):
		return ClassNotSwappable
	case errors.Is(err, ErrInvalidGeometry):
		return ClassInvalidGeometry
	default:
		return ClassHost
	}
}

// Detail returns the extra context attached to typed errors: the missing path
// or the layer listing.
func Detail(err error) (path string, listing []string) {
	var missing *MissingInputError
	if errors.As(err, &missing) {
		path = missing.Path
	}
	var notFound *LayerNotFoundError
	if errors.As(err, &notFound) {
		listing = notFound.Listing
	}
	return strings.TrimSpace(path), listing
}
