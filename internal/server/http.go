// Package server is the thin HTTP veneer over the extraction core: it
// parses requests, generates task IDs, and delegates to the task store,
// the queue, and the cancellation registry.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/docuflow/extractd/constants"
	"github.com/docuflow/extractd/internal/backend"
	"github.com/docuflow/extractd/internal/export"
	"github.com/docuflow/extractd/internal/registry"
	"github.com/docuflow/extractd/internal/worker"
)

// Handler wires the HTTP routes to the core components.
type Handler struct {
	tasks     registry.TaskStore
	cancels   *registry.CancellationRegistry
	queue     worker.Queue
	exporter  *export.Service
	uploadDir string
	logger    *slog.Logger
}

func NewHandler(
	tasks registry.TaskStore,
	cancels *registry.CancellationRegistry,
	queue worker.Queue,
	exporter *export.Service,
	uploadDir string,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		tasks:     tasks,
		cancels:   cancels,
		queue:     queue,
		exporter:  exporter,
		uploadDir: uploadDir,
		logger:    logger,
	}
}

// Router builds the gin engine with all routes registered.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	api.POST("/upload", h.upload)
	api.GET("/status/:task_id", h.status)
	api.POST("/cancel/:task_id", h.cancel)
	api.GET("/tasks/export", h.exportTasks)
	return r
}

func (h *Handler) upload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file uploaded"})
		return
	}
	if file.Filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file selected"})
		return
	}

	ext := constants.NormalizeExt(filepath.Ext(file.Filename))
	if _, ok := constants.AllowedExtensions[ext]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported file type %q", ext)})
		return
	}

	kind, err := backend.ParseKind(c.PostForm("backend"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	taskID := uuid.New()
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		h.logger.Error("upload dir unavailable", "dir", h.uploadDir, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	dst := filepath.Join(h.uploadDir, fmt.Sprintf("%s_%s", taskID, sanitizeFilename(file.Filename)))
	if err := c.SaveUploadedFile(file, dst); err != nil {
		h.logger.Error("saving upload failed", "task_id", taskID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store upload"})
		return
	}

	if err := h.tasks.Create(c.Request.Context(), taskID); err != nil {
		h.logger.Error("task create failed", "task_id", taskID, "error", err)
		_ = os.Remove(dst)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create task"})
		return
	}

	job := worker.Job{
		TaskID:       taskID,
		DocumentPath: dst,
		Backend:      kind,
		SubmittedAt:  time.Now().UTC(),
	}
	if err := h.queue.Enqueue(c.Request.Context(), job); err != nil {
		h.logger.Error("enqueue failed", "task_id", taskID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not enqueue task"})
		return
	}

	h.logger.Info("task submitted", "task_id", taskID, "backend", kind, "filename", file.Filename)
	c.JSON(http.StatusOK, gin.H{"task_id": taskID.String()})
}

func (h *Handler) status(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("task_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}

	task, err := h.tasks.Get(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, registry.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		h.logger.Error("status lookup failed", "task_id", taskID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	resp := gin.H{"status": string(task.Status)}
	if task.ResultRef != "" {
		resp["result_url"] = task.ResultRef
	}
	if task.Error != "" {
		resp["error"] = task.Error
	}
	c.JSON(http.StatusOK, resp)
}

// cancel flips the cooperative flag for a PROCESSING task. Anything else —
// unknown ID, queued, already terminal, or the narrow race where the worker
// finished between lookup and flag — reports "not cancellable".
func (h *Handler) cancel(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("task_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}

	task, err := h.tasks.Get(c.Request.Context(), taskID)
	if err != nil && !errors.Is(err, registry.ErrTaskNotFound) {
		h.logger.Error("cancel lookup failed", "task_id", taskID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	if task == nil || task.Status != constants.TaskStatusProcessing || !h.cancels.RequestCancel(taskID) {
		c.JSON(http.StatusConflict, gin.H{"error": "task is not cancellable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"task_id": taskID.String(), "status": "cancellation requested"})
}

func (h *Handler) exportTasks(c *gin.Context) {
	data, err := h.exporter.ExportTasksXLSX(c.Request.Context())
	if err != nil {
		h.logger.Error("task export failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}
	filename := fmt.Sprintf("tasks-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

// sanitizeFilename strips path separators and whitespace from an uploaded
// filename before it touches the filesystem.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, " ", "_")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		}
		return -1
	}, name)
}
