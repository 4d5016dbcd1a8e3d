package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/studioqueue/internal/config"
	"github.com/dunamismax/studioqueue/internal/descriptor"
	"github.com/dunamismax/studioqueue/internal/document"
	"github.com/dunamismax/studioqueue/internal/domain"
	"github.com/dunamismax/studioqueue/internal/host"
	"github.com/dunamismax/studioqueue/internal/queue"
	"github.com/dunamismax/studioqueue/internal/report"
	"github.com/dunamismax/studioqueue/internal/telemetry"
)

// Options configures one family's dispatcher.
type Options struct {
	Family      string
	Dir         string
	WaitTimeout time.Duration
	Defaults    descriptor.Defaults
	Sheet       config.SheetConfig
	// HandoffRetention caps how many handed-off documents stay open in the
	// host; the oldest is closed when a new one exceeds it. Zero keeps all.
	HandoffRetention int
}

type renditionUploader interface {
	UploadRendition(ctx context.Context, localPath string) (string, error)
}

// Summary is the outcome of one drain pass.
type Summary struct {
	Attempted int
	Succeeded int
	Failed    int
	Deleted   int
	Results   []domain.JobResult

	// Listing and TimedOut are set when a bounded wait found nothing.
	Listing  []string
	TimedOut bool
}

// Server drains one family's job directory against the editing host, one job
// at a time.
type Server struct {
	logger   *slog.Logger
	family   string
	dir      string
	pattern  *regexp.Regexp
	wait     time.Duration
	defaults descriptor.Defaults
	sheet    config.SheetConfig
	watcher  *queue.Watcher
	manager  *document.Manager
	reporter report.Reporter
	uploader renditionUploader
	metrics  *metrics
	tracer   trace.Tracer
	now      func() time.Time
	remove   func(string) error

	// stuck holds attempted job files whose delete failed, keyed by path.
	// They are never run again; only the delete is retried.
	stuck     map[string]domain.JobFile
	retention int
	retained  []host.DocID
}

func NewServer(
	logger *slog.Logger,
	opts Options,
	watcher *queue.Watcher,
	manager *document.Manager,
	reporter report.Reporter,
) (*Server, error) {
	pattern, err := queue.PatternFor(opts.Family)
	if err != nil {
		return nil, err
	}
	if manager == nil {
		return nil, fmt.Errorf("document manager is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if watcher == nil {
		watcher = queue.NewWatcher(nil, 0)
	}
	if reporter == nil {
		reporter = report.LogReporter{Logger: logger}
	}
	if opts.Defaults == (descriptor.Defaults{}) {
		opts.Defaults = descriptor.DefaultDefaults()
	}

	return &Server{
		logger:   logger.With("family", opts.Family),
		family:   opts.Family,
		dir:      opts.Dir,
		pattern:  pattern,
		wait:     opts.WaitTimeout,
		defaults: opts.Defaults,
		sheet:    opts.Sheet,
		watcher:  watcher,
		manager:  manager,
		reporter: reporter,
		metrics:  newMetrics(),
		tracer:   telemetry.Tracer(),
		now:      time.Now,
		remove:   os.Remove,

		stuck:     make(map[string]domain.JobFile),
		retention: max(opts.HandoffRetention, 0),
	}, nil
}

// WithUploader copies successful mockup renditions to object storage.
func (s *Server) WithUploader(u renditionUploader) *Server {
	s.uploader = u
	return s
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// Drain processes every job file currently listed, in order.
func (s *Server) Drain(ctx context.Context) (Summary, error) {
	s.retryStuck()
	files, err := s.watcher.ListCandidates(s.dir, s.pattern)
	if err != nil {
		return Summary{}, err
	}
	return s.drainFiles(ctx, s.fresh(files)), nil
}

// WaitAndDrain waits up to the configured timeout for a job file and then
// drains. A timeout is not an error; the summary carries the listing.
func (s *Server) WaitAndDrain(ctx context.Context) (Summary, error) {
	s.retryStuck()
	res, err := s.watcher.WaitForAnyFunc(ctx, s.dir, s.pattern, s.wait, s.isFresh)
	if err != nil {
		return Summary{}, err
	}
	if res.TimedOut {
		s.metrics.waitTimeoutsTotal.WithLabelValues(s.family).Inc()
		s.logger.Info("no job files arrived", "dir", s.dir, "polls", res.Polls, "listing", res.Listing)
		return Summary{Listing: res.Listing, TimedOut: true}, nil
	}
	return s.drainFiles(ctx, res.Files), nil
}

// Watch repeats WaitAndDrain until ctx is cancelled. After a wait that found
// nothing it sleeps one poll interval, so a zero wait timeout does not spin.
func (s *Server) Watch(ctx context.Context) error {
	s.logger.Info("watching job directory", "dir", s.dir, "pattern", s.pattern.String())
	for {
		sum, err := s.WaitAndDrain(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		if !sum.TimedOut {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.watcher.Clock.After(s.watcher.PollInterval):
		}
	}
}

func (s *Server) isFresh(file domain.JobFile) bool {
	_, seen := s.stuck[file.Path]
	return !seen
}

func (s *Server) fresh(files []domain.JobFile) []domain.JobFile {
	var out []domain.JobFile
	for _, f := range files {
		if s.isFresh(f) {
			out = append(out, f)
		}
	}
	return out
}

// retryStuck retries the delete of every stuck job file and forgets the ones
// that are gone.
func (s *Server) retryStuck() {
	for path, file := range s.stuck {
		err := s.remove(path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			delete(s.stuck, path)
			s.logger.Info("stuck job file removed", "job", file.Name)
		}
	}
}

func (s *Server) drainFiles(ctx context.Context, files []domain.JobFile) Summary {
	s.metrics.queueDepthLastListed.WithLabelValues(s.family).Set(float64(len(files)))

	var sum Summary
	for _, file := range files {
		if ctx.Err() != nil {
			s.logger.Info("drain interrupted", "remaining", len(files)-sum.Attempted)
			break
		}

		result, deleted := s.process(ctx, file)
		sum.Attempted++
		if result.Status == domain.JobStatusSucceeded {
			sum.Succeeded++
		} else {
			sum.Failed++
		}
		if deleted {
			sum.Deleted++
		}
		sum.Results = append(sum.Results, result)
	}

	if sum.Attempted > 0 {
		s.logger.Info("drain finished",
			"attempted", sum.Attempted,
			"succeeded", sum.Succeeded,
			"failed", sum.Failed,
			"deleted", sum.Deleted,
		)
	}
	return sum
}

// process runs one job to completion, reports a failure, and deletes the job
// file whatever the outcome.
func (s *Server) process(ctx context.Context, file domain.JobFile) (domain.JobResult, bool) {
	startedAt := s.now()
	// A job runs to completion or failure once started; only the loop in
	// drainFiles looks at cancellation.
	ctx = context.WithoutCancel(ctx)

	ctx, span := telemetry.StartJob(ctx, s.tracer, s.family, file.Name)

	s.metrics.activeJobs.Inc()
	kind, outputs, err := s.execute(ctx, file)
	s.metrics.activeJobs.Dec()

	result := domain.JobResult{
		File:     file,
		Kind:     kind,
		Status:   domain.JobStatusSucceeded,
		Outputs:  outputs,
		Duration: s.now().Sub(startedAt),
	}

	if err != nil {
		result.Status = domain.JobStatusFailed
		result.Error = err.Error()
		result.Class = domain.Classify(err)

		s.metrics.failuresTotal.WithLabelValues(s.family, result.Class).Inc()

		failure := report.NewFailure(s.family, file, kind, err, s.now())
		if repErr := s.reporter.Report(ctx, failure); repErr != nil {
			s.metrics.reportFailuresTotal.Inc()
			s.logger.Warn("failure report not delivered", "job", file.Name, "error", repErr)
		}
	} else {
		s.logger.Info("job succeeded",
			"job", file.Name,
			"kind", kind,
			"outputs", outputs,
			"duration", result.Duration,
		)
	}

	telemetry.EndJob(span, kind, outputs, result.Class, err)

	deleted := s.deleteJob(file)

	s.metrics.jobsTotal.WithLabelValues(s.family, labelOr(kind, "unknown"), result.Status).Inc()
	s.metrics.jobDuration.WithLabelValues(s.family, result.Status).Observe(s.now().Sub(startedAt).Seconds())
	return result, deleted
}

// execute decodes, resolves and runs a job. A panic anywhere below is
// turned into a failed job.
func (s *Server) execute(ctx context.Context, file domain.JobFile) (kind string, outputs []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job handler panicked", "job", file.Name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	data, err := os.ReadFile(file.Path)
	if err != nil {
		return "", nil, domain.Malformed("read job file: %v", err)
	}

	spec, err := descriptor.Decode(s.family, data, s.defaults)
	if err != nil {
		return "", nil, fmt.Errorf("decode %s: %w", file.Name, err)
	}
	kind = spec.Kind()

	spec, err = descriptor.Resolve(spec)
	if err != nil {
		return kind, nil, fmt.Errorf("resolve inputs: %w", err)
	}

	switch job := spec.(type) {
	case domain.SingleOpen:
		outputs, err = s.runSingleOpen(ctx, job)
	case domain.TwoUpComposite:
		outputs, err = s.runTwoUp(ctx, file, job)
	case domain.MockupSwap:
		outputs, err = s.runMockup(ctx, job)
	default:
		err = fmt.Errorf("no handler for job kind %q", kind)
	}
	return kind, outputs, err
}

// deleteJob removes the job file. A file that is already gone counts as
// deleted; any other failure is logged and counted, never returned.
func (s *Server) deleteJob(file domain.JobFile) bool {
	err := s.remove(file.Path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return true
	}
	s.stuck[file.Path] = file
	s.metrics.deleteFailuresTotal.WithLabelValues(s.family).Inc()
	s.logger.Warn("job file not deleted", "job", file.Name, "error", err)
	return false
}

// retain records a handed-off document and closes the oldest ones beyond the
// retention cap.
func (s *Server) retain(ctx context.Context, docID host.DocID) {
	s.retained = append(s.retained, docID)
	if s.retention == 0 {
		return
	}
	for len(s.retained) > s.retention {
		oldest := s.retained[0]
		s.retained = s.retained[1:]
		if err := s.manager.Host().Close(ctx, oldest, false); err != nil {
			s.logger.Debug("handed-off document already gone", "doc", oldest, "error", err)
		}
	}
}

func labelOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
