package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slideforge/converter-gateway/internal/api/domain"
	"github.com/slideforge/converter-gateway/internal/api/dto"
	"github.com/slideforge/converter-gateway/internal/api/storage"
	"github.com/slideforge/converter-gateway/internal/relay"
	"github.com/slideforge/converter-gateway/shared/rabbitmq"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakePublisher records published descriptors and can simulate queue loss.
type fakePublisher struct {
	mu        sync.Mutex
	published [][]byte
	err       error
}

func (f *fakePublisher) Publish(ctx context.Context, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, body)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// fakeRelay hands out listener channels and counts unsubscribe calls.
type fakeRelay struct {
	mu         sync.Mutex
	listeners  map[string][]chan domain.StatusEvent
	unsubCalls int
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		listeners: make(map[string][]chan domain.StatusEvent),
	}
}

func (f *fakeRelay) Subscribe(ctx context.Context, jobID string) (<-chan domain.StatusEvent, relay.UnsubscribeFunc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan domain.StatusEvent, 16)
	f.listeners[jobID] = append(f.listeners[jobID], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.unsubCalls++
			chans := f.listeners[jobID]
			for i, l := range chans {
				if l == ch {
					f.listeners[jobID] = append(chans[:i], chans[i+1:]...)
					close(l)
					break
				}
			}
		})
	}
	return ch, unsub, nil
}

func (f *fakeRelay) publish(jobID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := domain.StatusEvent{JobID: jobID, Status: status}
	for _, ch := range f.listeners[jobID] {
		ch <- ev
	}
}

func (f *fakeRelay) listenerCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners[jobID])
}

func (f *fakeRelay) unsubscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubCalls
}

type testEnv struct {
	handler   *ConversionHandler
	engine    *gin.Engine
	publisher *fakePublisher
	relay     *fakeRelay
	sharedDir string
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.NewStorage(dir)
	require.NoError(t, err)

	publisher := &fakePublisher{}
	fr := newFakeRelay()

	h := NewConversionHandler(&Dependencies{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Producer: publisher,
		Relay:    fr,
		Storage:  store,
		Options:  opts,
	})

	engine := gin.New()
	engine.POST("/api/v1/conversions", h.CreateConversion)
	engine.GET("/api/v1/conversions/:job_id/events", h.StreamEvents)
	engine.GET("/api/v1/conversions/:job_id/download", h.DownloadResult)

	return &testEnv{
		handler:   h,
		engine:    engine,
		publisher: publisher,
		relay:     fr,
		sharedDir: dir,
	}
}

func multipartUpload(t *testing.T, filename string, content []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fw, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)

	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}

	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func postUpload(env *testEnv, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversions", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.engine.ServeHTTP(rec, req)
	return rec
}

func sharedDirEntries(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return entries
}

func TestCreateConversion(t *testing.T) {
	doc := []byte(`{"slides":[{"title":"Quarterly Review"}]}`)

	t.Run("successful submission", func(t *testing.T) {
		env := newTestEnv(t, Options{})

		body, ct := multipartUpload(t, "deck.json", doc, nil)
		rec := postUpload(env, body, ct)

		require.Equal(t, http.StatusOK, rec.Code)

		var resp dto.ConversionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

		assert.True(t, resp.Success)
		assert.NotEmpty(t, resp.JobID)
		assert.Equal(t, "deck.json", resp.Filename)
		assert.Equal(t, int64(len(doc)), resp.Size)
		assert.Equal(t, "/api/v1/conversions/"+resp.JobID+"/events", resp.StreamURL)
		assert.Equal(t, "/api/v1/conversions/"+resp.JobID+"/download", resp.DownloadURL)
		assert.Equal(t, "deck.pptx", resp.OutputFilename)

		// Input stored in the shared dir under the job id.
		_, err := os.Stat(filepath.Join(env.sharedDir, resp.JobID+".json"))
		require.NoError(t, err)

		// Exactly one descriptor dispatched, with the worker's wire fields.
		require.Equal(t, 1, env.publisher.count())
		var descriptor domain.JobDescriptor
		require.NoError(t, json.Unmarshal(env.publisher.published[0], &descriptor))
		assert.Equal(t, resp.JobID, descriptor.ID)
		assert.Equal(t, resp.JobID+".json", descriptor.InputFile)
		assert.Equal(t, resp.JobID+".pptx", descriptor.OutputFile)
		assert.Equal(t, "deck.pptx", descriptor.OutputFilename)
		assert.Equal(t, int64(len(doc)), descriptor.FileSize)
		assert.Equal(t, 16, descriptor.SlideWidth)
		assert.Equal(t, 9, descriptor.SlideHeight)
		assert.NotEmpty(t, descriptor.Timestamp)
	})

	t.Run("geometry fields pass through", func(t *testing.T) {
		env := newTestEnv(t, Options{})

		body, ct := multipartUpload(t, "deck.json", doc, map[string]string{
			"slideWidth":  "4",
			"slideHeight": "3",
		})
		rec := postUpload(env, body, ct)
		require.Equal(t, http.StatusOK, rec.Code)

		var descriptor domain.JobDescriptor
		require.NoError(t, json.Unmarshal(env.publisher.published[0], &descriptor))
		assert.Equal(t, 4, descriptor.SlideWidth)
		assert.Equal(t, 3, descriptor.SlideHeight)
	})

	t.Run("invalid geometry rejected", func(t *testing.T) {
		env := newTestEnv(t, Options{})

		body, ct := multipartUpload(t, "deck.json", doc, map[string]string{
			"slideWidth": "0",
		})
		rec := postUpload(env, body, ct)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, 0, env.publisher.count())
	})

	t.Run("oversized upload rejected and leaves no artifact", func(t *testing.T) {
		env := newTestEnv(t, Options{MaxUploadSize: 10 << 20})

		big := bytes.Repeat([]byte("a"), 12<<20)
		body, ct := multipartUpload(t, "big.json", big, nil)
		rec := postUpload(env, body, ct)

		require.Equal(t, http.StatusBadRequest, rec.Code)

		var resp dto.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Success)
		assert.Contains(t, resp.Error, "size limit")

		assert.Empty(t, sharedDirEntries(t, env.sharedDir))
		assert.Equal(t, 0, env.publisher.count())
	})

	t.Run("invalid JSON rejected, temp artifact removed, nothing enqueued", func(t *testing.T) {
		env := newTestEnv(t, Options{})

		body, ct := multipartUpload(t, "broken.json", []byte(`{"slides": [`), nil)
		rec := postUpload(env, body, ct)

		require.Equal(t, http.StatusBadRequest, rec.Code)

		var resp dto.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Success)

		assert.Empty(t, sharedDirEntries(t, env.sharedDir))
		assert.Equal(t, 0, env.publisher.count())
	})

	t.Run("non-json extension rejected", func(t *testing.T) {
		env := newTestEnv(t, Options{})

		body, ct := multipartUpload(t, "deck.xml", []byte("<deck/>"), nil)
		rec := postUpload(env, body, ct)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing file field rejected", func(t *testing.T) {
		env := newTestEnv(t, Options{})

		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		require.NoError(t, w.Close())

		rec := postUpload(env, &buf, w.FormDataContentType())
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCreateConversionReportsSuccessWhenQueueDown(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.publisher.err = rabbitmq.ErrQueueUnavailable

	body, ct := multipartUpload(t, "deck.json", []byte(`{"slides":[]}`), nil)
	rec := postUpload(env, body, ct)

	// Artifact acceptance and dispatch are decoupled: the caller still
	// sees success even though the job never reached the queue.
	require.Equal(t, http.StatusOK, rec.Code)

	var resp dto.ConversionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 0, env.publisher.count())
}

func TestDispatchFailureObservableOnProducer(t *testing.T) {
	// Same property against the real producer: disconnected at dispatch
	// time, the failure lands on its internal counter only.
	dir := t.TempDir()
	store, err := storage.NewStorage(dir)
	require.NoError(t, err)

	producer := rabbitmq.NewProducer(&rabbitmq.Config{
		Host:      "localhost",
		Port:      5672,
		QueueName: "conversion_queue",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	h := NewConversionHandler(&Dependencies{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Producer: producer,
		Relay:    newFakeRelay(),
		Storage:  store,
	})

	engine := gin.New()
	engine.POST("/api/v1/conversions", h.CreateConversion)

	body, ct := multipartUpload(t, "deck.json", []byte(`{}`), nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversions", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), producer.DispatchFailures())
}

func TestDownloadResult(t *testing.T) {
	t.Run("traversal job id rejected", func(t *testing.T) {
		env := newTestEnv(t, Options{})

		req := httptest.NewRequest(http.MethodGet, "/api/v1/conversions/%2e%2e/download", nil)
		rec := httptest.NewRecorder()
		env.engine.ServeHTTP(rec, req)

		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing artifact returns structured 404", func(t *testing.T) {
		env := newTestEnv(t, Options{})

		req := httptest.NewRequest(http.MethodGet, "/api/v1/conversions/job-1/download", nil)
		rec := httptest.NewRecorder()
		env.engine.ServeHTTP(rec, req)

		require.Equal(t, http.StatusNotFound, rec.Code)

		var resp dto.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Success)
		assert.NotEmpty(t, resp.Error)
	})

	t.Run("finished artifact streamed with binary headers", func(t *testing.T) {
		env := newTestEnv(t, Options{})

		content := []byte("pptx-bytes")
		require.NoError(t, os.WriteFile(filepath.Join(env.sharedDir, "job-1.pptx"), content, 0o644))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/conversions/job-1/download", nil)
		rec := httptest.NewRecorder()
		env.engine.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, pptxContentType, rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Header().Get("Content-Disposition"), "job-1.pptx")
		assert.Equal(t, content, rec.Body.Bytes())
	})
}

func TestValidJobID(t *testing.T) {
	tests := []struct {
		jobID string
		want  bool
	}{
		{"", false},
		{"..", false},
		{"a/../b", false},
		{"a/b", false},
		{`a\b`, false},
		{"../etc/passwd", false},
		{"f3f9a1f2-9f75-4d3e-8452-0d2a0bd1a111", true},
		{"job-1", true},
	}

	for _, tt := range tests {
		t.Run(tt.jobID, func(t *testing.T) {
			assert.Equal(t, tt.want, validJobID(tt.jobID))
		})
	}
}

func TestStreamConnTeardownIdempotent(t *testing.T) {
	unsubCalls := 0
	releases := 0

	conn := newStreamConn("job-1", time.Minute,
		func() { unsubCalls++ },
		nil,
	)
	conn.release = func() { releases++ }

	// Terminal-status path and disconnect path may both fire; only the
	// first does the work.
	conn.teardown()
	conn.teardown()

	assert.Equal(t, 1, unsubCalls)
	assert.Equal(t, 1, releases)
}
