package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/studioqueue/internal/config"
	"github.com/dunamismax/studioqueue/internal/descriptor"
	"github.com/dunamismax/studioqueue/internal/document"
	"github.com/dunamismax/studioqueue/internal/domain"
	"github.com/dunamismax/studioqueue/internal/host"
	"github.com/dunamismax/studioqueue/internal/host/raster"
	"github.com/dunamismax/studioqueue/internal/queue"
	"github.com/dunamismax/studioqueue/internal/report"
)

var red = color.RGBA{R: 220, A: 255}

type captureReporter struct {
	mu       sync.Mutex
	failures []report.Failure
}

func (c *captureReporter) Report(_ context.Context, f report.Failure) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, f)
	return nil
}

func (c *captureReporter) classes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.failures))
	for _, f := range c.failures {
		out = append(out, f.Class)
	}
	return out
}

type fakeUploader struct {
	uploaded []string
	err      error
}

func (f *fakeUploader) UploadRendition(_ context.Context, localPath string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.uploaded = append(f.uploaded, localPath)
	return "renditions/" + filepath.Base(localPath), nil
}

// panicHost blows up on Open to simulate a crashing host binding.
type panicHost struct {
	host.Host
	path string
}

func (p *panicHost) Open(ctx context.Context, path string) (host.DocID, error) {
	if path == p.path {
		panic("host binding crashed")
	}
	return p.Host.Open(ctx, path)
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func writePNG(t *testing.T, path string, w, h int, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func testSheet() config.SheetConfig {
	return config.SheetConfig{WidthIn: 4, HeightIn: 3, DPI: 50}
}

type fixture struct {
	dir      string
	jobs     string
	host     *raster.Host
	reporter *captureReporter
	server   *Server
}

func newFixture(t *testing.T, family string, wrap func(host.Host) host.Host) *fixture {
	t.Helper()
	dir := t.TempDir()
	jobs := filepath.Join(dir, "jobs")
	require.NoError(t, os.MkdirAll(jobs, 0o755))

	h := raster.New(nil)
	var drive host.Host = h
	if wrap != nil {
		drive = wrap(h)
	}

	rep := &captureReporter{}
	srv, err := NewServer(nil, Options{
		Family:      family,
		Dir:         jobs,
		WaitTimeout: time.Second,
		Defaults:    descriptor.DefaultDefaults(),
		Sheet:       testSheet(),
	}, queue.NewWatcher(&fakeClock{now: time.Unix(0, 0)}, 250*time.Millisecond), document.NewManager(drive, nil), rep)
	require.NoError(t, err)

	return &fixture{dir: dir, jobs: jobs, host: h, reporter: rep, server: srv}
}

func remaining(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestDrainAttemptsAndDeletesEveryJob(t *testing.T) {
	fx := newFixture(t, domain.FamilyPrint, nil)
	poster := filepath.Join(fx.dir, "poster.png")
	writePNG(t, poster, 30, 60, red)

	writeFile(t, filepath.Join(fx.jobs, "job_0001.txt"), "/a.tif\n/b.tif\n/c.tif\n")
	writeFile(t, filepath.Join(fx.jobs, "job_0002.txt"), filepath.Join(fx.dir, "missing.png"))
	writeFile(t, filepath.Join(fx.jobs, "job_0003.txt"), poster)
	writeFile(t, filepath.Join(fx.jobs, "job_0004.txt"), "")
	writeFile(t, filepath.Join(fx.jobs, "notes.txt"), "not a job")

	sum, err := fx.server.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, sum.Attempted)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 3, sum.Failed)
	assert.Equal(t, 4, sum.Deleted)
	assert.Equal(t, []string{"notes.txt"}, remaining(t, fx.jobs))
	assert.Equal(t, []string{
		domain.ClassMalformedJob,
		domain.ClassMissingInput,
		domain.ClassMalformedJob,
	}, fx.reporter.classes())

	// The single-open poster is left open for the operator.
	docs := fx.host.Documents()
	require.Len(t, docs, 1)
	assert.Equal(t, "poster.png", docs[0].Name)

	assert.Equal(t, 3.0, testutil.ToFloat64(fx.server.metrics.jobsTotal.WithLabelValues(domain.FamilyPrint, "unknown", domain.JobStatusFailed))+
		testutil.ToFloat64(fx.server.metrics.jobsTotal.WithLabelValues(domain.FamilyPrint, domain.KindSingleOpen, domain.JobStatusFailed)))
}

func TestTwoUpSameSourceFillsBothSlots(t *testing.T) {
	fx := newFixture(t, domain.FamilyPrint, nil)
	poster := filepath.Join(fx.dir, "wide.png")
	// Landscape source: rotated to 30x60 before placement.
	writePNG(t, poster, 60, 30, red)
	writeFile(t, filepath.Join(fx.jobs, "job_0001.txt"), poster+"\n"+poster+"\n")

	sum, err := fx.server.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.Succeeded, "failures: %v", fx.reporter.failures)
	assert.Equal(t, domain.KindTwoUpComposite, sum.Results[0].Kind)

	docs := fx.host.Documents()
	require.Len(t, docs, 1, "only the handed-off sheet stays open")
	sheet := docs[0]
	assert.Equal(t, "2up_job_0001", sheet.Name)
	assert.Equal(t, 200, sheet.Width)
	assert.Equal(t, 150, sheet.Height)
	assert.True(t, sheet.Active)

	img, err := fx.host.Composite(sheet.ID)
	require.NoError(t, err)

	// Each 100x150 slot holds a 75x150 portrait centered on x=50 and x=150.
	assertColor(t, img, 50, 75, red)
	assertColor(t, img, 150, 75, red)
	assertColor(t, img, 5, 75, color.White)
	assertColor(t, img, 105, 75, color.White)
}

func TestTwoUpExportsSheetWhenConfigured(t *testing.T) {
	fx := newFixture(t, domain.FamilyPrint, nil)
	exportDir := filepath.Join(fx.dir, "print-out")
	fx.server.sheet.ExportDir = exportDir

	left := filepath.Join(fx.dir, "left.png")
	right := filepath.Join(fx.dir, "right.png")
	writePNG(t, left, 30, 60, red)
	writePNG(t, right, 30, 60, color.RGBA{B: 200, A: 255})
	writeFile(t, filepath.Join(fx.jobs, "job_0042.txt"), left+"\n"+right)

	sum, err := fx.server.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.Succeeded, "failures: %v", fx.reporter.failures)

	out := filepath.Join(exportDir, "2up_job_0042.tif")
	assert.Equal(t, []string{out}, sum.Results[0].Outputs)
	_, err = os.Stat(out)
	require.NoError(t, err)
	assert.Len(t, fx.host.Documents(), 1)
}

const frameManifest = `name: Living Room
width: 300
height: 200
layers:
  - name: Frame
    type: group
    layers:
      - name: %s
        type: %s
        rect: {left: 100, top: 50, width: 100, height: 100}
`

func writeTemplate(t *testing.T, dir, layerName, layerType string) string {
	t.Helper()
	path := filepath.Join(dir, "room.yaml")
	writeFile(t, path, fmt.Sprintf(frameManifest, layerName, layerType))
	return path
}

func mockupJob(template, poster, output, layer string) string {
	return fmt.Sprintf(`{"schema":"mockup_job_v1","template_psd":%q,"poster_tiff":%q,"output_jpg":%q,"smart_object_layer":%q,"jpg_quality":90}`,
		template, poster, output, layer)
}

func TestMockupResolvesLooseLayerName(t *testing.T) {
	fx := newFixture(t, domain.FamilyMockup, nil)
	up := &fakeUploader{}
	fx.server.WithUploader(up)

	tpl := writeTemplate(t, fx.dir, "Artwork", "smart")
	poster := filepath.Join(fx.dir, "poster.png")
	writePNG(t, poster, 40, 80, red)
	out := filepath.Join(fx.dir, "renders", "room_poster.jpg")
	writeFile(t, filepath.Join(fx.jobs, "job_a.json"), mockupJob(tpl, poster, out, " artwork "))

	sum, err := fx.server.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.Succeeded, "failures: %v", fx.reporter.failures)
	assert.Equal(t, []string{out}, sum.Results[0].Outputs)
	assert.Empty(t, fx.host.Documents(), "template closed without saving")
	assert.Equal(t, []string{out}, up.uploaded)

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	img, err := jpeg.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 300, 200), img.Bounds())

	// Cover fit fills the 100x100 frame; the wall outside it stays white.
	r, g, b, _ := img.At(150, 100).RGBA()
	assert.Greater(t, r>>8, uint32(150))
	assert.Less(t, g>>8, uint32(80))
	assert.Less(t, b>>8, uint32(80))
	r, g, b, _ = img.At(20, 20).RGBA()
	assert.Greater(t, r>>8, uint32(230))
	assert.Greater(t, g>>8, uint32(230))
	assert.Greater(t, b>>8, uint32(230))
}

func TestMockupNotSwappableLeavesNoOutput(t *testing.T) {
	fx := newFixture(t, domain.FamilyMockup, nil)
	tpl := writeTemplate(t, fx.dir, "ARTWORK", "pixel")
	poster := filepath.Join(fx.dir, "poster.png")
	writePNG(t, poster, 40, 80, red)
	out := filepath.Join(fx.dir, "renders", "x.jpg")
	writeFile(t, filepath.Join(fx.jobs, "job_b.json"), mockupJob(tpl, poster, out, "ARTWORK"))

	sum, err := fx.server.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Deleted)
	assert.Equal(t, domain.ClassNotSwappable, sum.Results[0].Class)
	assert.Empty(t, fx.host.Documents())

	_, err = os.Stat(out)
	assert.True(t, errors.Is(err, os.ErrNotExist), "no rendition expected, stat err=%v", err)
}

func TestMockupLayerNotFoundReportsListing(t *testing.T) {
	fx := newFixture(t, domain.FamilyMockup, nil)
	tpl := writeTemplate(t, fx.dir, "Poster Slot", "smart")
	poster := filepath.Join(fx.dir, "poster.png")
	writePNG(t, poster, 40, 80, red)
	writeFile(t, filepath.Join(fx.jobs, "job_c.json"), mockupJob(tpl, poster, filepath.Join(fx.dir, "o.jpg"), "ARTWORK"))

	_, err := fx.server.Drain(context.Background())
	require.NoError(t, err)

	require.Len(t, fx.reporter.failures, 1)
	f := fx.reporter.failures[0]
	assert.Equal(t, domain.ClassLayerNotFound, f.Class)
	assert.NotEmpty(t, f.Listing)
	assert.Contains(t, f.Listing[len(f.Listing)-2], "POSTER SLOT")
	assert.Empty(t, fx.host.Documents())
}

func TestPanicIsIsolatedToOneJob(t *testing.T) {
	var ph *panicHost
	fx := newFixture(t, domain.FamilyPrint, func(h host.Host) host.Host {
		ph = &panicHost{Host: h}
		return ph
	})
	ph.path = filepath.Join(fx.dir, "bad.png")
	good := filepath.Join(fx.dir, "good.png")
	writePNG(t, ph.path, 10, 20, red)
	writePNG(t, good, 10, 20, red)

	writeFile(t, filepath.Join(fx.jobs, "job_0001.txt"), ph.path)
	writeFile(t, filepath.Join(fx.jobs, "job_0002.txt"), good)

	sum, err := fx.server.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Attempted)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 2, sum.Deleted)
	assert.Contains(t, sum.Results[0].Error, "host binding crashed")
}

func TestDeleteFailureIsCountedNotReturned(t *testing.T) {
	fx := newFixture(t, domain.FamilyPrint, nil)
	fx.server.remove = func(string) error { return errors.New("permission denied") }
	writeFile(t, filepath.Join(fx.jobs, "job_0001.txt"), "")

	sum, err := fx.server.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Attempted)
	assert.Equal(t, 0, sum.Deleted)
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.server.metrics.deleteFailuresTotal.WithLabelValues(domain.FamilyPrint)))
}

func TestWaitAndDrainTimesOutWithListing(t *testing.T) {
	fx := newFixture(t, domain.FamilyPrint, nil)
	writeFile(t, filepath.Join(fx.jobs, "README"), "drop job_NNNN.txt files here")

	sum, err := fx.server.WaitAndDrain(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.TimedOut)
	assert.Zero(t, sum.Attempted)
	assert.Equal(t, []string{"README"}, sum.Listing)
}

type cancelReporter struct {
	cancel context.CancelFunc
	seen   []string
}

func (c *cancelReporter) Report(_ context.Context, f report.Failure) error {
	c.seen = append(c.seen, f.JobFile)
	c.cancel()
	return nil
}

func TestWatchReturnsAfterCancel(t *testing.T) {
	fx := newFixture(t, domain.FamilyPrint, nil)
	writeFile(t, filepath.Join(fx.jobs, "job_0001.txt"), "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rep := &cancelReporter{cancel: cancel}
	fx.server.reporter = rep

	require.NoError(t, fx.server.Watch(ctx))
	assert.Equal(t, []string{"job_0001.txt"}, rep.seen)
	assert.Empty(t, remaining(t, fx.jobs))
}

// stopClock advances instantly and cancels the watch once After has been
// called limit times.
type stopClock struct {
	now    time.Time
	afters int
	limit  int
	cancel context.CancelFunc
}

func (c *stopClock) Now() time.Time { return c.now }

func (c *stopClock) After(d time.Duration) <-chan time.Time {
	c.now = c.now.Add(d)
	c.afters++
	if c.afters >= c.limit {
		c.cancel()
	}
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func watchUntil(t *testing.T, fx *fixture, limit int) *stopClock {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	clock := &stopClock{now: time.Unix(0, 0), limit: limit, cancel: cancel}
	fx.server.watcher = queue.NewWatcher(clock, 250*time.Millisecond)
	require.NoError(t, fx.server.Watch(ctx))
	return clock
}

func TestWatchNeverRerunsUndeletableJob(t *testing.T) {
	fx := newFixture(t, domain.FamilyPrint, nil)
	fx.server.remove = func(string) error { return errors.New("permission denied") }
	writeFile(t, filepath.Join(fx.jobs, "job_0001.txt"), "")

	watchUntil(t, fx, 40)
	assert.Len(t, fx.reporter.classes(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.server.metrics.jobsTotal.WithLabelValues(domain.FamilyPrint, "unknown", domain.JobStatusFailed)))

	// Once the delete goes through the file is forgotten, not run again.
	fx.server.remove = os.Remove
	sum, err := fx.server.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Attempted)
	assert.Empty(t, remaining(t, fx.jobs))
	assert.Empty(t, fx.server.stuck)
	assert.Len(t, fx.reporter.classes(), 1)
}

func TestWatchSleepsBetweenEmptyZeroTimeoutWaits(t *testing.T) {
	fx := newFixture(t, domain.FamilyPrint, nil)
	fx.server.wait = 0
	writeFile(t, filepath.Join(fx.jobs, "README"), "")

	clock := watchUntil(t, fx, 5)
	assert.Equal(t, 5, clock.afters)
	timeouts := testutil.ToFloat64(fx.server.metrics.waitTimeoutsTotal.WithLabelValues(domain.FamilyPrint))
	assert.GreaterOrEqual(t, timeouts, 5.0)
	assert.LessOrEqual(t, timeouts, 6.0)
}

// cancelOnOpen cancels the drain as soon as the host opens a document.
type cancelOnOpen struct {
	host.Host
	cancel context.CancelFunc
}

func (c *cancelOnOpen) Open(ctx context.Context, path string) (host.DocID, error) {
	docID, err := c.Host.Open(ctx, path)
	c.cancel()
	return docID, err
}

func TestCancelDuringJobLetsItFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx := newFixture(t, domain.FamilyPrint, func(h host.Host) host.Host {
		return &cancelOnOpen{Host: h, cancel: cancel}
	})

	a := filepath.Join(fx.dir, "a.png")
	b := filepath.Join(fx.dir, "b.png")
	writePNG(t, a, 30, 60, red)
	writePNG(t, b, 30, 60, red)
	writeFile(t, filepath.Join(fx.jobs, "job_0001.txt"), a+"\n"+b+"\n")
	writeFile(t, filepath.Join(fx.jobs, "job_0002.txt"), a+"\n")

	sum, err := fx.server.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Attempted)
	assert.Equal(t, 1, sum.Succeeded, "failures: %v", fx.reporter.failures)
	assert.Equal(t, []string{"job_0002.txt"}, remaining(t, fx.jobs))
}

func TestHandoffRetentionBoundsOpenDocuments(t *testing.T) {
	fx := newFixture(t, domain.FamilyPrint, nil)
	fx.server.retention = 2

	var posters []string
	for i := 1; i <= 4; i++ {
		poster := filepath.Join(fx.dir, fmt.Sprintf("poster%d.png", i))
		writePNG(t, poster, 20, 30, red)
		posters = append(posters, poster)
		writeFile(t, filepath.Join(fx.jobs, fmt.Sprintf("job_%04d.txt", i)), poster+"\n")
	}

	watchUntil(t, fx, 1)
	assert.Empty(t, fx.reporter.failures)

	docs := fx.host.Documents()
	require.Len(t, docs, 2)
	var paths []string
	for _, d := range docs {
		paths = append(paths, d.Path)
	}
	assert.ElementsMatch(t, posters[2:], paths)
}

func TestDrainMissingDirIsFatal(t *testing.T) {
	fx := newFixture(t, domain.FamilyPrint, nil)
	fx.server.dir = filepath.Join(fx.dir, "nope")

	_, err := fx.server.Drain(context.Background())
	assert.ErrorIs(t, err, domain.ErrQueueUnavailable)
}

func TestDrainStopsBetweenJobsOnCancel(t *testing.T) {
	fx := newFixture(t, domain.FamilyPrint, nil)
	writeFile(t, filepath.Join(fx.jobs, "job_0001.txt"), "")
	writeFile(t, filepath.Join(fx.jobs, "job_0002.txt"), "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := fx.server.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Attempted)
	assert.Len(t, remaining(t, fx.jobs), 2)
}

func TestSlotRects(t *testing.T) {
	slots, err := SlotRects(config.SheetConfig{WidthIn: 24, HeightIn: 18, DPI: 300, MarginIn: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 150.0, slots[0].Left)
	assert.Equal(t, 3450.0, slots[0].Width)
	assert.Equal(t, 3750.0, slots[1].Left)
	assert.Equal(t, 5100.0, slots[1].Height)

	_, err = SlotRects(config.SheetConfig{WidthIn: 4, HeightIn: 3, DPI: 50, MarginIn: 2})
	assert.ErrorIs(t, err, domain.ErrInvalidGeometry)
}

func assertColor(t *testing.T, img image.Image, x, y int, want color.Color) {
	t.Helper()
	wr, wg, wb, _ := want.RGBA()
	r, g, b, _ := img.At(x, y).RGBA()
	assert.InDelta(t, float64(wr>>8), float64(r>>8), 8, "red at (%d,%d)", x, y)
	assert.InDelta(t, float64(wg>>8), float64(g>>8), 8, "green at (%d,%d)", x, y)
	assert.InDelta(t, float64(wb>>8), float64(b>>8), 8, "blue at (%d,%d)", x, y)
}
