// Package descriptor decodes job files into domain.JobSpec values. Print jobs
// are plain text with one or two image paths; mockup jobs are JSON records.
package descriptor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/studioqueue/internal/domain"
	"github.com/dunamismax/studioqueue/internal/geometry"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Defaults fill optional mockup fields the record leaves out.
type Defaults struct {
	Layer   string
	Quality int
	Fit     geometry.FitMode
}

func DefaultDefaults() Defaults {
	return Defaults{
		Layer:   domain.DefaultMockupLayer,
		Quality: domain.DefaultExportQuality,
		Fit:     geometry.FitCover,
	}
}

// Decode picks the encoding by family.
func Decode(family string, data []byte, defaults Defaults) (domain.JobSpec, error) {
	switch family {
	case domain.FamilyPrint:
		return ParsePrint(data)
	case domain.FamilyMockup:
		return ParseMockup(data, defaults)
	default:
		return nil, fmt.Errorf("decode descriptor: unknown family %q", family)
	}
}

// ParsePrint reads one or two non-blank lines, each a source path.
func ParsePrint(data []byte) (domain.JobSpec, error) {
	data = bytes.TrimPrefix(data, utf8BOM)

	var paths []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimRight(scanner.Text(), "\r"))
		if line == "" {
			continue
		}
		paths = append(paths, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, domain.Malformed("read lines: %v", err)
	}

	switch len(paths) {
	case 1:
		return domain.SingleOpen{Source: paths[0]}, nil
	case 2:
		return domain.TwoUpComposite{Left: paths[0], Right: paths[1]}, nil
	default:
		return nil, domain.Malformed("expected 1 or 2 paths, found %d", len(paths))
	}
}

type mockupRecord struct {
	Schema           *string `json:"schema"`
	TemplatePSD      *string `json:"template_psd"`
	PosterTIFF       *string `json:"poster_tiff"`
	OutputJPG        *string `json:"output_jpg"`
	SmartObjectLayer *string `json:"smart_object_layer"`
	JPGQuality       *int    `json:"jpg_quality"`
	ResetTransform   *bool   `json:"reset_transform"`
	Fit              *string `json:"fit"`
}

// ParseMockup decodes a mockup record. Unknown fields are ignored; a schema
// tag, when present, must match.
func ParseMockup(data []byte, defaults Defaults) (domain.JobSpec, error) {
	data = bytes.TrimPrefix(data, utf8BOM)

	dec := json.NewDecoder(bytes.NewReader(data))
	var rec mockupRecord
	if err := dec.Decode(&rec); err != nil {
		return nil, domain.Malformed("decode json: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, domain.Malformed("unexpected data after json record")
	}

	if rec.Schema != nil && *rec.Schema != domain.MockupSchemaV1 {
		return nil, domain.Malformed("unsupported schema %q", *rec.Schema)
	}

	template, err := requiredString("template_psd", rec.TemplatePSD)
	if err != nil {
		return nil, err
	}
	poster, err := requiredString("poster_tiff", rec.PosterTIFF)
	if err != nil {
		return nil, err
	}
	output, err := requiredString("output_jpg", rec.OutputJPG)
	if err != nil {
		return nil, err
	}

	job := domain.MockupSwap{
		Template:       template,
		Replacement:    poster,
		Output:         output,
		Layer:          defaults.Layer,
		Quality:        defaults.Quality,
		ResetTransform: true,
		Fit:            defaults.Fit,
	}
	if job.Layer == "" {
		job.Layer = domain.DefaultMockupLayer
	}
	if job.Quality == 0 {
		job.Quality = domain.DefaultExportQuality
	}
	if job.Fit == "" {
		job.Fit = geometry.FitCover
	}

	if rec.SmartObjectLayer != nil && strings.TrimSpace(*rec.SmartObjectLayer) != "" {
		job.Layer = *rec.SmartObjectLayer
	}
	if rec.JPGQuality != nil {
		q := *rec.JPGQuality
		if q < 0 || q > 100 {
			return nil, domain.Malformed("jpg_quality %d outside 0..100", q)
		}
		job.Quality = q
	}
	if rec.ResetTransform != nil {
		job.ResetTransform = *rec.ResetTransform
	}
	if rec.Fit != nil {
		mode, err := geometry.ParseFitMode(*rec.Fit)
		if err != nil {
			return nil, domain.Malformed("fit: %v", err)
		}
		job.Fit = mode
	}
	return job, nil
}

func requiredString(field string, v *string) (string, error) {
	if v == nil {
		return "", domain.Malformed("missing %s", field)
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return "", domain.Malformed("empty %s", field)
	}
	return s, nil
}

// Resolve makes every path in spec absolute and checks that inputs exist.
// Nothing is opened when an input is missing.
func Resolve(spec domain.JobSpec) (domain.JobSpec, error) {
	switch j := spec.(type) {
	case domain.SingleOpen:
		src, err := existing(j.Source)
		if err != nil {
			return nil, err
		}
		return domain.SingleOpen{Source: src}, nil

	case domain.TwoUpComposite:
		left, err := existing(j.Left)
		if err != nil {
			return nil, err
		}
		right, err := existing(j.Right)
		if err != nil {
			return nil, err
		}
		return domain.TwoUpComposite{Left: left, Right: right}, nil

	case domain.MockupSwap:
		tpl, err := existing(j.Template)
		if err != nil {
			return nil, err
		}
		poster, err := existing(j.Replacement)
		if err != nil {
			return nil, err
		}
		out, err := absolute(j.Output)
		if err != nil {
			return nil, domain.Malformed("output_jpg: %v", err)
		}
		j.Template, j.Replacement, j.Output = tpl, poster, out
		return j, nil

	default:
		return nil, fmt.Errorf("resolve: unsupported job kind %T", spec)
	}
}

func existing(raw string) (string, error) {
	p, err := absolute(raw)
	if err != nil {
		return "", &domain.MissingInputError{Path: raw}
	}
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return "", &domain.MissingInputError{Path: p}
	}
	return p, nil
}

// absolute accepts forward or back slashes regardless of platform.
func absolute(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	if p == "" {
		return "", errors.New("empty path")
	}
	if filepath.Separator == '/' {
		p = strings.ReplaceAll(p, `\`, "/")
	} else {
		p = filepath.FromSlash(p)
	}
	return filepath.Abs(filepath.Clean(p))
}
