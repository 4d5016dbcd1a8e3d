// Package queue discovers job files in a family's job directory. The
// directory is the queue: the producer drops files in, the worker lists,
// processes and deletes them.
package queue

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/dunamismax/studioqueue/internal/domain"
)

const DefaultPollInterval = 250 * time.Millisecond

var (
	PrintPattern  = regexp.MustCompile(`(?i)^job_\d+\.txt$`)
	MockupPattern = regexp.MustCompile(`(?i)^job_.+\.json$`)
)

// PatternFor returns the job file pattern of a family.
func PatternFor(family string) (*regexp.Regexp, error) {
	switch family {
	case domain.FamilyPrint:
		return PrintPattern, nil
	case domain.FamilyMockup:
		return MockupPattern, nil
	default:
		return nil, fmt.Errorf("unknown job family %q", family)
	}
}

// WaitResult is what a bounded wait found. On timeout Files is empty and
// Listing holds every entry of the directory for diagnostics.
type WaitResult struct {
	Files    []domain.JobFile
	Listing  []string
	Polls    int
	TimedOut bool
}

type Watcher struct {
	Clock        Clock
	PollInterval time.Duration
}

func NewWatcher(clock Clock, pollInterval time.Duration) *Watcher {
	if clock == nil {
		clock = SystemClock{}
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Watcher{Clock: clock, PollInterval: pollInterval}
}

// ListCandidates returns the regular files in dir whose names match pattern,
// ordered case-insensitively by name.
func (w *Watcher) ListCandidates(dir string, pattern *regexp.Regexp) ([]domain.JobFile, error) {
	entries, err := readDir(dir)
	if err != nil {
		return nil, err
	}

	now := w.Clock.Now()
	var files []domain.JobFile
	for _, entry := range entries {
		// Symlinks are skipped: deleting one would leave its target queued.
		if !entry.Type().IsRegular() || !pattern.MatchString(entry.Name()) {
			continue
		}
		files = append(files, domain.JobFile{
			Path:         filepath.Join(dir, entry.Name()),
			Name:         entry.Name(),
			DiscoveredAt: now,
		})
	}

	slices.SortFunc(files, func(a, b domain.JobFile) int {
		if c := cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return files, nil
}

// WaitForAny polls dir until a candidate appears or timeout elapses. The
// first listing always happens, even with a zero timeout.
func (w *Watcher) WaitForAny(ctx context.Context, dir string, pattern *regexp.Regexp, timeout time.Duration) (WaitResult, error) {
	return w.WaitForAnyFunc(ctx, dir, pattern, timeout, nil)
}

// WaitForAnyFunc is WaitForAny counting only candidates keep accepts. A nil
// keep accepts every candidate.
func (w *Watcher) WaitForAnyFunc(ctx context.Context, dir string, pattern *regexp.Regexp, timeout time.Duration, keep func(domain.JobFile) bool) (WaitResult, error) {
	deadline := w.Clock.Now().Add(timeout)
	polls := 0

	for {
		files, err := w.ListCandidates(dir, pattern)
		polls++
		if err != nil {
			return WaitResult{Polls: polls}, err
		}
		if keep != nil {
			kept := files[:0]
			for _, f := range files {
				if keep(f) {
					kept = append(kept, f)
				}
			}
			files = kept
		}
		if len(files) > 0 {
			return WaitResult{Files: files, Polls: polls}, nil
		}
		if !w.Clock.Now().Before(deadline) {
			break
		}

		select {
		case <-ctx.Done():
			return WaitResult{Polls: polls}, ctx.Err()
		case <-w.Clock.After(w.PollInterval):
		}

		if !w.Clock.Now().Before(deadline) {
			break
		}
	}

	listing, err := Listing(dir)
	if err != nil {
		return WaitResult{Polls: polls}, err
	}
	return WaitResult{Listing: listing, Polls: polls, TimedOut: true}, nil
}

// Listing returns every entry name in dir, sorted, with "/" after directories.
func Listing(dir string) ([]string, error) {
	entries, err := readDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return names, nil
}

// CheckDir fails with ErrQueueUnavailable unless dir is a readable directory.
func CheckDir(dir string) error {
	_, err := readDir(dir)
	return err
}

func readDir(dir string) ([]os.DirEntry, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("%w: no directory configured", domain.ErrQueueUnavailable)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrQueueUnavailable, err)
	}
	return entries, nil
}
