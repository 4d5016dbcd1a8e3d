package domain

import (
	"time"

	"github.com/dunamismax/studioqueue/internal/geometry"
)

const (
	FamilyPrint  = "print"
	FamilyMockup = "mockup"

	KindSingleOpen     = "single_open"
	KindTwoUpComposite = "two_up"
	KindMockupSwap     = "mockup_swap"

	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"

	DefaultMockupLayer   = "ARTWORK"
	DefaultExportQuality = 92
	MockupSchemaV1       = "mockup_job_v1"
)

// JobFile is a descriptor dropped into a family's job directory by the producer.
type JobFile struct {
	Path         string
	Name         string
	DiscoveredAt time.Time
}

// JobSpec is the decoded form of a job descriptor.
type JobSpec interface {
	Kind() string
	// Inputs lists every path that must exist before a document is opened.
	Inputs() []string
}

type SingleOpen struct {
	Source string
}

func (SingleOpen) Kind() string       { return KindSingleOpen }
func (j SingleOpen) Inputs() []string { return []string{j.Source} }

// TwoUpComposite places two sources side by side on one sheet. Identical
// paths duplicate one source into both slots.
type TwoUpComposite struct {
	Left  string
	Right string
}

func (TwoUpComposite) Kind() string       { return KindTwoUpComposite }
func (j TwoUpComposite) Inputs() []string { return []string{j.Left, j.Right} }

func (j TwoUpComposite) SameSource() bool { return j.Left == j.Right }

type MockupSwap struct {
	Template       string
	Replacement    string
	Layer          string
	Output         string
	Quality        int
	ResetTransform bool
	Fit            geometry.FitMode
}

func (MockupSwap) Kind() string       { return KindMockupSwap }
func (j MockupSwap) Inputs() []string { return []string{j.Template, j.Replacement} }

// JobResult is the per-job outcome recorded by the dispatcher.
type JobResult struct {
	File     JobFile
	Kind     string
	Status   string
	Error    string
	Class    string
	Outputs  []string
	Duration time.Duration
}
