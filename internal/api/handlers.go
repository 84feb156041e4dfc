// Package api exposes the generation control plane over HTTP: run
// submission and tracking, artifact reads, the template catalog, and a
// per-run websocket event stream.
package api

import (
	stderrors "errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/firmforge/firmforge/internal/artifact"
	"github.com/firmforge/firmforge/internal/common/errors"
	"github.com/firmforge/firmforge/internal/common/logger"
	"github.com/firmforge/firmforge/internal/events/bus"
	"github.com/firmforge/firmforge/internal/orchestrator"
	"github.com/firmforge/firmforge/internal/retrieval"
	v1 "github.com/firmforge/firmforge/pkg/api/v1"
)

// Handler contains HTTP handlers for the generation API
type Handler struct {
	orch     *orchestrator.Orchestrator
	store    *artifact.Store
	docs     *retrieval.Engine
	bus      bus.EventBus
	logger   *logger.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new API handler
func NewHandler(orch *orchestrator.Orchestrator, store *artifact.Store, docs *retrieval.Engine,
	eventBus bus.EventBus, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		orch:   orch,
		store:  store,
		docs:   docs,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "api")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Run endpoints

// Generate submits a new generation run
// POST /api/generate
func (h *Handler) Generate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid generation request: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	runID, err := h.orch.Submit(req.Spec(), req.Options())
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, GenerateResponse{
		RunID:   runID,
		Status:  v1.RunStatusPending,
		Message: "generation started with run ID: " + runID,
	})
}

// ListRuns lists every known run, in-memory runs first, then run
// directories left on disk by earlier processes
// GET /api/runs
func (h *Handler) ListRuns(c *gin.Context) {
	runs := h.orch.List()
	seen := make(map[string]bool, len(runs))
	for _, st := range runs {
		seen[st.RunID] = true
	}

	entries, err := h.store.ListRuns()
	if err != nil {
		h.writeError(c, err)
		return
	}
	for _, entry := range entries {
		if seen[entry.RunID] {
			continue
		}
		runs = append(runs, h.diskRunState(entry.RunID))
	}

	c.JSON(http.StatusOK, runs)
}

// GetRun returns the current state of a run
// GET /api/runs/:runId
func (h *Handler) GetRun(c *gin.Context) {
	runID := c.Param("runId")
	if state, ok := h.orch.Get(runID); ok {
		c.JSON(http.StatusOK, state)
		return
	}
	if h.store.RunExists(runID) {
		c.JSON(http.StatusOK, h.diskRunState(runID))
		return
	}
	appErr := errors.NotFound("run", runID)
	c.JSON(appErr.HTTPStatus, appErr)
}

// CancelRun requests cancellation of a run in flight
// POST /api/runs/:runId/cancel
func (h *Handler) CancelRun(c *gin.Context) {
	runID := c.Param("runId")
	if err := h.orch.Cancel(runID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, CancelResponse{RunID: runID, Status: "cancelling"})
}

// GetRunLogs returns the build logs and quality reports of a run
// GET /api/runs/:runId/logs
func (h *Handler) GetRunLogs(c *gin.Context) {
	logs, err := h.store.ReadRunLogs(c.Param("runId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// Artifact endpoints

// ListArtifacts enumerates the artifacts of every run, newest first
// GET /api/artifacts
func (h *Handler) ListArtifacts(c *gin.Context) {
	entries, err := h.store.ListRuns()
	if err != nil {
		h.writeError(c, err)
		return
	}

	all := make([]v1.ArtifactInfo, 0)
	for _, entry := range entries {
		infos, err := h.store.ListArtifacts(entry.RunID)
		if err != nil {
			h.logger.Warn("failed to list run artifacts",
				zap.String("run_id", entry.RunID), zap.Error(err))
			continue
		}
		all = append(all, infos...)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].ModifiedAt.Equal(all[j].ModifiedAt) {
			return all[i].ModifiedAt.After(all[j].ModifiedAt)
		}
		return all[i].Path < all[j].Path
	})

	c.JSON(http.StatusOK, all)
}

// GetOutput reads one artifact of a run. Text artifacts are wrapped in
// a JSON content envelope; anything else is served raw with a content
// type inferred from the filename. ?raw=1 forces raw bytes.
// GET /api/output/:runId/*path
func (h *Handler) GetOutput(c *gin.Context) {
	runID := c.Param("runId")
	rel := strings.TrimPrefix(c.Param("path"), "/")

	path, err := h.store.ResolvePath(runID, rel)
	if err != nil {
		h.writeError(c, err)
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			appErr := errors.NotFound("artifact", rel)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		h.writeError(c, errors.IOFailure("read", rel, err))
		return
	}

	if c.Query("raw") == "1" || !textArtifact(rel) {
		c.Data(http.StatusOK, contentTypeFor(rel), data)
		return
	}
	c.JSON(http.StatusOK, ContentResponse{Content: string(data)})
}

// Documentation endpoints

// Templates serves the built-in example specifications
// GET /api/templates
func (h *Handler) Templates(c *gin.Context) {
	c.JSON(http.StatusOK, exampleTemplates())
}

// RagDocs enumerates the retrieval corpus with a short content preview
// GET /api/docs/rag
func (h *Handler) RagDocs(c *gin.Context) {
	corpus := h.docs.Corpus()
	out := make([]RagDocument, 0, len(corpus))
	for _, d := range corpus {
		out = append(out, RagDocument{
			Title:    docTitle(d),
			Category: d.Domain,
			Priority: string(d.Priority),
			Content:  docPreview(d.Content),
		})
	}
	c.JSON(http.StatusOK, out)
}

// Health reports liveness
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// diskRunState synthesizes the state of a run directory left by an
// earlier process: it is on disk and no longer tracked, so it reads as
// completed.
func (h *Handler) diskRunState(runID string) v1.RunState {
	counts, err := h.store.Counts(runID)
	if err != nil {
		h.logger.Warn("failed to count artifacts for disk run",
			zap.String("run_id", runID), zap.Error(err))
	}
	return v1.RunState{
		RunID:          runID,
		Status:         v1.RunStatusCompleted,
		Progress:       100,
		ArtifactCounts: counts,
		OutputDir:      h.store.RunDir(runID),
	}
}

// writeError maps an error to its HTTP response. AppErrors carry their
// own status code; anything else reads as an internal error.
func (h *Handler) writeError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.logger.Error("unhandled API error", zap.Error(err))
	appErr = errors.InternalError("unexpected error", err)
	c.JSON(appErr.HTTPStatus, appErr)
}

// previewChars bounds the excerpt served for each corpus document.
const previewChars = 500

func docPreview(content string) string {
	if len(content) <= previewChars {
		return content
	}
	return content[:previewChars] + "..."
}

// docTitle is the first markdown heading, falling back to the document id.
func docTitle(d retrieval.Document) string {
	for _, line := range strings.Split(d.Content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
	}
	return d.ID
}

var textExtensions = map[string]bool{
	".md":   true,
	".c":    true,
	".h":    true,
	".txt":  true,
	".json": true,
	".yaml": true,
	".yml":  true,
	".log":  true,
}

func textArtifact(path string) bool {
	return textExtensions[strings.ToLower(filepath.Ext(path))]
}

func contentTypeFor(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
