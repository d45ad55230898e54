// Package handlers wires the execution core to its HTTP API.
package handlers

import (
	"errors"
	"net/http"
	"time"

	units "github.com/docker/go-units"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"coderun/internal/config"
	"coderun/internal/executor"
	"coderun/internal/language"
	"coderun/internal/logging"
	"coderun/internal/sandbox"
	"coderun/internal/validator"
)

// Handlers carries the shared dependencies of all HTTP endpoints.
type Handlers struct {
	exec    *executor.Executor
	val     *validator.Validator
	mgr     *sandbox.Manager
	reg     *language.Registry
	cfg     *config.Config
	log     *zap.Logger
	started time.Time
}

// New builds the handler set.
func New(exec *executor.Executor, val *validator.Validator, mgr *sandbox.Manager, reg *language.Registry, cfg *config.Config) *Handlers {
	return &Handlers{
		exec:    exec,
		val:     val,
		mgr:     mgr,
		reg:     reg,
		cfg:     cfg,
		log:     logging.L().Named("http"),
		started: time.Now(),
	}
}

type executeRequest struct {
	executor.Request
	SessionID string `json:"session_id,omitempty"`
}

// Execute handles POST /api/v1/execute: run to completion, one JSON
// response.
func (h *Handlers) Execute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	result, err := h.exec.Execute(c.Request.Context(), req.Request, req.SessionID)
	if err != nil {
		status, msg := classify(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, result)
}

type validateRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// Validate handles POST /api/v1/validate: syntax check without running.
func (h *Handlers) Validate(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code must not be empty"})
		return
	}

	res, err := h.val.Validate(c.Request.Context(), req.Language, req.Code)
	if err != nil {
		status, msg := classify(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, res)
}

// Languages handles GET /api/v1/languages.
func (h *Handlers) Languages(c *gin.Context) {
	specs := h.reg.List()
	out := make([]gin.H, 0, len(specs))
	for _, s := range specs {
		out = append(out, gin.H{
			"id":             s.ID,
			"name":           s.Name,
			"file_extension": s.Extension(),
			"image":          s.Image,
			"timeout":        int(s.Timeout / time.Second),
			"memory_limit":   units.BytesSize(float64(s.MemoryBytes)),
		})
	}
	c.JSON(http.StatusOK, gin.H{"languages": out, "count": len(out)})
}

// Stats handles GET /api/v1/stats.
func (h *Handlers) Stats(c *gin.Context) {
	st := h.mgr.Snapshot(c.Request.Context())
	ex := h.exec.Stats()
	avg := 0.0
	if ex.TotalExecutions > 0 {
		avg = ex.TotalExecutionTime / float64(ex.TotalExecutions)
	}
	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds":         int64(time.Since(h.started).Seconds()),
		"supported_languages":    h.reg.Len(),
		"executions":             ex,
		"average_execution_time": avg,
		"containers":             st,
	})
}

// Logs handles GET /api/v1/executions/:id/logs.
func (h *Handlers) Logs(c *gin.Context) {
	stdout, stderr, err := h.mgr.Logs(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, sandbox.ErrNotTracked) {
			c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stdout": stdout, "stderr": stderr})
}

// CleanupSession handles DELETE /api/v1/sessions/:id.
func (h *Handlers) CleanupSession(c *gin.Context) {
	n := h.mgr.CleanupSession(c.Request.Context(), c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "cleaned": n})
}

// Health handles GET /health.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"service":        "code-execution",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// classify maps core errors onto HTTP statuses. Request-shaped problems
// are the caller's fault; everything else is ours.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, language.ErrNotSupported),
		errors.Is(err, executor.ErrBadTimeout),
		errors.Is(err, executor.ErrTimeoutTooLarge),
		errors.Is(err, executor.ErrMemoryTooLarge),
		errors.Is(err, executor.ErrBadMemoryLimit),
		errors.Is(err, executor.ErrStdinTooLarge):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}
