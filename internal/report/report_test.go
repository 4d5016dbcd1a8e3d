package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/studioqueue/internal/domain"
	"github.com/dunamismax/studioqueue/internal/webhook"
)

func sampleFailure() Failure {
	err := fmt.Errorf("mockup: %w", &domain.LayerNotFoundError{
		Name:    "ARTWORK",
		Listing: []string{"group  \"Frame\" -> FRAME", "pixel  \"Wall\" -> WALL"},
	})
	file := domain.JobFile{Name: "job_0007.json", Path: "/jobs/job_0007.json"}
	return NewFailure(domain.FamilyMockup, file, domain.KindMockupSwap, err, time.Unix(1700000000, 0))
}

func TestNewFailureCarriesDetail(t *testing.T) {
	f := sampleFailure()
	assert.Equal(t, domain.ClassLayerNotFound, f.Class)
	assert.Equal(t, "job_0007.json", f.JobFile)
	assert.Len(t, f.Listing, 2)
	assert.Empty(t, f.Path)

	missing := NewFailure(domain.FamilyPrint, domain.JobFile{Name: "job_0001.txt"}, "", &domain.MissingInputError{Path: "/p/a.tif"}, time.Now())
	assert.Equal(t, "/p/a.tif", missing.Path)
	assert.Equal(t, domain.ClassMissingInput, missing.Class)
}

func TestLogReporterWritesListing(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	require.NoError(t, LogReporter{Logger: logger}.Report(context.Background(), sampleFailure()))
	out := buf.String()
	assert.Contains(t, out, `"msg":"job failed"`)
	assert.Contains(t, out, `"class":"layer_not_found"`)
	assert.Contains(t, out, "WALL")
}

func TestWebhookReporterPostsFailure(t *testing.T) {
	var got Failure
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, EventJobFailed, r.Header.Get(webhook.HeaderEvent))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	r := NewWebhookReporter(webhook.NewClient(webhook.Config{MaxAttempts: 1}), srv.URL)
	require.NoError(t, r.Report(context.Background(), sampleFailure()))
	assert.Equal(t, "job_0007.json", got.JobFile)
	assert.Equal(t, domain.ClassLayerNotFound, got.Class)
}

type fakeRedis struct {
	published map[string][]byte
	keys      map[string]any
	err       error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.published[channel] = message.([]byte)
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.keys[key] = value
	return redis.NewStatusResult("OK", nil)
}

func TestRedisReporterPublishesAndSetsStatus(t *testing.T) {
	fake := &fakeRedis{published: map[string][]byte{}, keys: map[string]any{}}
	r := &RedisReporter{client: fake, channel: DefaultChannel}

	require.NoError(t, r.Report(context.Background(), sampleFailure()))
	assert.Equal(t, "failed:layer_not_found", fake.keys["studioqueue:job:mockup:job_0007.json"])

	var got Failure
	require.NoError(t, json.Unmarshal(fake.published[DefaultChannel], &got))
	assert.Equal(t, domain.KindMockupSwap, got.Kind)
}

func TestRedisReporterWrapsErrors(t *testing.T) {
	r := &RedisReporter{client: &fakeRedis{err: errors.New("connection refused")}, channel: "c"}
	err := r.Report(context.Background(), sampleFailure())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

type stubReporter struct {
	calls int
	err   error
}

func (s *stubReporter) Report(context.Context, Failure) error {
	s.calls++
	return s.err
}

func TestMultiReachesEveryReporter(t *testing.T) {
	first := &stubReporter{err: errors.New("down")}
	second := &stubReporter{}

	err := Multi{first, nil, second}.Report(context.Background(), sampleFailure())
	assert.EqualError(t, err, "down")
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
}
