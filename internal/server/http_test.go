package server

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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/docuflow/extractd/constants"
	"github.com/docuflow/extractd/internal/export"
	"github.com/docuflow/extractd/internal/registry"
	"github.com/docuflow/extractd/internal/worker"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func init() {
	gin.SetMode(gin.TestMode)
}

// memStore is a map-backed TaskStore for handler tests.
type memStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*registry.Task
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[uuid.UUID]*registry.Task)}
}

func (m *memStore) Create(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; ok {
		return registry.ErrDuplicateTask
	}
	m.tasks[id] = &registry.Task{ID: id, Status: constants.TaskStatusQueued, CreatedAt: time.Now()}
	return nil
}

func (m *memStore) Transition(_ context.Context, id uuid.UUID, status constants.TaskStatus, resultRef, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		m.tasks[id] = &registry.Task{ID: id, Status: status, ResultRef: resultRef, Error: errMsg, CreatedAt: time.Now()}
		return nil
	}
	t.Status, t.ResultRef, t.Error = status, resultRef, errMsg
	return nil
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (*registry.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, registry.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) List(context.Context) ([]*registry.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*registry.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

// captureQueue records enqueued jobs; err, when set, rejects every Enqueue.
type captureQueue struct {
	mu   sync.Mutex
	jobs []worker.Job
	err  error
}

func (q *captureQueue) Enqueue(_ context.Context, job worker.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *captureQueue) Shutdown(context.Context) {}

type handlerFixture struct {
	tasks     *memStore
	cancels   *registry.CancellationRegistry
	queue     *captureQueue
	uploadDir string
	router    *gin.Engine
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	tasks := newMemStore()
	cancels := registry.NewCancellationRegistry(testLogger)
	queue := &captureQueue{}
	uploadDir := t.TempDir()

	h := NewHandler(tasks, cancels, queue, export.NewService(tasks, testLogger), uploadDir, testLogger)
	return &handlerFixture{
		tasks:     tasks,
		cancels:   cancels,
		queue:     queue,
		uploadDir: uploadDir,
		router:    h.Router(),
	}
}

func (f *handlerFixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func multipartUpload(t *testing.T, filename, backendTag string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write(content); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	if backendTag != "" {
		if err := mw.WriteField("backend", backendTag); err != nil {
			t.Fatalf("write backend field: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return body
}

func TestUpload(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(t, multipartUpload(t, "my scan.pdf", "tesseract", []byte("%PDF-1.4")))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	body := decodeJSON(t, w)
	taskID, err := uuid.Parse(body["task_id"])
	if err != nil {
		t.Fatalf("response task_id %q not a UUID: %v", body["task_id"], err)
	}

	task, err := f.tasks.Get(context.Background(), taskID)
	if err != nil {
		t.Fatalf("task not persisted: %v", err)
	}
	if task.Status != constants.TaskStatusQueued {
		t.Errorf("new task status = %s, want QUEUED", task.Status)
	}

	if len(f.queue.jobs) != 1 {
		t.Fatalf("%d jobs enqueued, want 1", len(f.queue.jobs))
	}
	job := f.queue.jobs[0]
	if job.TaskID != taskID {
		t.Errorf("job task_id = %s, want %s", job.TaskID, taskID)
	}
	if filepath.Dir(job.DocumentPath) != f.uploadDir {
		t.Errorf("document stored outside upload dir: %s", job.DocumentPath)
	}
	if strings.Contains(filepath.Base(job.DocumentPath), " ") {
		t.Errorf("stored filename not sanitized: %s", job.DocumentPath)
	}
	if _, err := os.Stat(job.DocumentPath); err != nil {
		t.Errorf("uploaded document missing on disk: %v", err)
	}
}

func TestUploadRejections(t *testing.T) {
	f := newHandlerFixture(t)

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"missing file", multipartUpload(t, "", "tesseract", nil)},
		{"unsupported extension", multipartUpload(t, "notes.txt", "tesseract", []byte("hello"))},
		{"unknown backend", multipartUpload(t, "scan.pdf", "gpt9000", []byte("%PDF-1.4"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", w.Code, w.Body.String())
			}
		})
	}

	if len(f.queue.jobs) != 0 {
		t.Errorf("rejected uploads enqueued %d jobs", len(f.queue.jobs))
	}
}

func TestUploadQueueClosed(t *testing.T) {
	f := newHandlerFixture(t)
	f.queue.err = worker.ErrQueueClosed

	w := f.do(t, multipartUpload(t, "scan.pdf", "tesseract", []byte("%PDF-1.4")))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 when the queue rejects the job", w.Code)
	}
	body := decodeJSON(t, w)
	if body["task_id"] != "" {
		t.Error("rejected submission returned a task id")
	}
}

func TestStatus(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	t.Run("invalid id", func(t *testing.T) {
		w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/status/not-a-uuid", nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("unknown task", func(t *testing.T) {
		w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/status/"+uuid.NewString(), nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("queued task", func(t *testing.T) {
		id := uuid.New()
		if err := f.tasks.Create(ctx, id); err != nil {
			t.Fatal(err)
		}
		w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/status/"+id.String(), nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		body := decodeJSON(t, w)
		if body["status"] != string(constants.TaskStatusQueued) {
			t.Errorf("status field = %q, want QUEUED", body["status"])
		}
		if _, ok := body["result_url"]; ok {
			t.Error("queued task exposes result_url")
		}
		if _, ok := body["error"]; ok {
			t.Error("queued task exposes error")
		}
	})

	t.Run("completed task", func(t *testing.T) {
		id := uuid.New()
		if err := f.tasks.Transition(ctx, id, constants.TaskStatusCompleted, "https://bucket/result.txt", ""); err != nil {
			t.Fatal(err)
		}
		w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/status/"+id.String(), nil))
		body := decodeJSON(t, w)
		if body["result_url"] != "https://bucket/result.txt" {
			t.Errorf("result_url = %q", body["result_url"])
		}
	})

	t.Run("failed task", func(t *testing.T) {
		id := uuid.New()
		if err := f.tasks.Transition(ctx, id, constants.TaskStatusFailed, "", "backend unavailable"); err != nil {
			t.Fatal(err)
		}
		w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/status/"+id.String(), nil))
		body := decodeJSON(t, w)
		if body["error"] != "backend unavailable" {
			t.Errorf("error = %q", body["error"])
		}
	})
}

func TestCancel(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	t.Run("unknown task", func(t *testing.T) {
		w := f.do(t, httptest.NewRequest(http.MethodPost, "/api/cancel/"+uuid.NewString(), nil))
		if w.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", w.Code)
		}
	})

	t.Run("queued task not cancellable", func(t *testing.T) {
		id := uuid.New()
		if err := f.tasks.Create(ctx, id); err != nil {
			t.Fatal(err)
		}
		w := f.do(t, httptest.NewRequest(http.MethodPost, "/api/cancel/"+id.String(), nil))
		if w.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", w.Code)
		}
	})

	t.Run("terminal task not cancellable", func(t *testing.T) {
		id := uuid.New()
		if err := f.tasks.Transition(ctx, id, constants.TaskStatusCompleted, "ref", ""); err != nil {
			t.Fatal(err)
		}
		w := f.do(t, httptest.NewRequest(http.MethodPost, "/api/cancel/"+id.String(), nil))
		if w.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", w.Code)
		}
	})

	t.Run("worker finished between lookup and flag", func(t *testing.T) {
		// PROCESSING in the store but no live cancellation entry.
		id := uuid.New()
		if err := f.tasks.Transition(ctx, id, constants.TaskStatusProcessing, "", ""); err != nil {
			t.Fatal(err)
		}
		w := f.do(t, httptest.NewRequest(http.MethodPost, "/api/cancel/"+id.String(), nil))
		if w.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", w.Code)
		}
	})

	t.Run("processing task", func(t *testing.T) {
		id := uuid.New()
		if err := f.tasks.Transition(ctx, id, constants.TaskStatusProcessing, "", ""); err != nil {
			t.Fatal(err)
		}
		f.cancels.Begin(id)
		defer f.cancels.End(id)

		w := f.do(t, httptest.NewRequest(http.MethodPost, "/api/cancel/"+id.String(), nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		if !f.cancels.IsCancelled(id) {
			t.Error("cancellation flag not set")
		}
	})
}

func TestExportTasks(t *testing.T) {
	f := newHandlerFixture(t)
	if err := f.tasks.Create(context.Background(), uuid.New()); err != nil {
		t.Fatal(err)
	}

	w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/tasks/export", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), ".xlsx") {
		t.Errorf("content disposition = %q", w.Header().Get("Content-Disposition"))
	}
	// XLSX files are zip archives.
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("PK")) {
		t.Error("export body is not a zip archive")
	}
}
