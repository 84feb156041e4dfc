package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firmforge/firmforge/internal/artifact"
	"github.com/firmforge/firmforge/internal/common/config"
	"github.com/firmforge/firmforge/internal/common/errors"
	"github.com/firmforge/firmforge/internal/common/logger"
	"github.com/firmforge/firmforge/internal/events"
	"github.com/firmforge/firmforge/internal/events/bus"
	"github.com/firmforge/firmforge/internal/llm"
	"github.com/firmforge/firmforge/internal/mcp"
	"github.com/firmforge/firmforge/internal/orchestrator"
	"github.com/firmforge/firmforge/internal/prompt"
	"github.com/firmforge/firmforge/internal/retrieval"
	v1 "github.com/firmforge/firmforge/pkg/api/v1"
)

// apiPrompts are trimmed templates carrying the phrases the mock LM
// dispatches on.
var apiPrompts = map[string]string{
	"base_prompt.md": "You are <<AGENT_ROLE>>.\n\nProject constraints:\n<<CONSTRAINTS>>\n\nReference material:\n<<RAG_CONTEXT>>",
	"architecture_prompt_v1.md": "Design the firmware architecture for the project below.\n\n" +
		"Target MCU: <<MCU>>\nOptimization goal: <<OPTIMIZATION>>\nBoard: <<BOARD_SPECS>>\n\nModules:\n<<MODULES>>",
	"code_prompt_v1.md": "Implement the C module below.\n\nTarget MCU: <<MCU>>\nOptimization goal: <<OPTIMIZATION>>\n" +
		"Module definition:\n<<MODULE>>\n\nReturn JSON: {\"header\": \"...\", \"source\": \"...\"}\n" +
		"or mark sections with ###HEADER### and ###SOURCE###.",
	"test_prompt_v1.md": "Write unit tests for the firmware module below.\n\nModule definition:\n<<MODULE>>\n\n" +
		"Module code under test:\n<<CODE_FILES>>",
	"quality_prompt_v1.md": "Review the generated firmware below and write a qualitative assessment.\n\n" +
		"Modules:\n<<MODULES>>\n\nCode artifacts:\n<<CODE_ARTIFACTS>>",
}

const testCorpusManifest = `documents:
  - id: uart_basics
    file: uart_basics.md
    domain: uart
    priority: high
    keywords: [uart, baud, serial]
    module_types: [uart]
`

const testCorpusDoc = "# UART Basics\n\nFraming, baud rates and interrupt driven IO on bare metal targets.\n"

type apiHarness struct {
	router *gin.Engine
	orch   *orchestrator.Orchestrator
	store  *artifact.Store
}

// newTestAPI wires the full control plane over temp directories with
// the in-memory bus and the mock LM.
func newTestAPI(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Default()

	promptDir := t.TempDir()
	for name, text := range apiPrompts {
		require.NoError(t, os.WriteFile(filepath.Join(promptDir, name), []byte(text), 0o644))
	}

	docsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(docsDir, "corpus.yaml"), []byte(testCorpusManifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(docsDir, "uart_basics.md"), []byte(testCorpusDoc), 0o644))

	authz := mcp.New(nil, nil, log)
	store, err := artifact.NewStore(t.TempDir(), authz, log)
	require.NoError(t, err)

	engine := retrieval.NewEngine(config.RetrievalConfig{
		DocsDir: docsDir,
		TopK:    3, TokenBudget: 2000, MinScore: 0.65,
	}, log)
	loader := prompt.NewLoader(config.PromptsConfig{Dir: promptDir, Version: "v1"}, log)
	factory := llm.NewFactory(config.LLMConfig{MaxInFlight: 4}, log)

	cfg := &config.Config{
		Pipeline: config.PipelineConfig{
			MaxConcurrentRuns: 4,
			ModuleWorkers:     4,
			AgentTimeoutMock:  120,
			AgentTimeoutReal:  600,
			QueueSize:         100,
		},
		Prompts: config.PromptsConfig{Dir: promptDir, Version: "v1"},
	}

	memBus := bus.NewMemoryEventBus(log)
	orch := orchestrator.New(cfg, store, authz, engine, loader, factory, memBus, "", log)
	t.Cleanup(orch.Close)

	router := gin.New()
	SetupRoutes(router, orch, store, engine, memBus, log)
	return &apiHarness{router: router, orch: orch, store: store}
}

func (h *apiHarness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
}

func uartModuleJSON() map[string]interface{} {
	return map[string]interface{}{"id": "uart0", "name": "UART0", "type": "uart"}
}

func generateBody(modules ...map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"specification": map[string]interface{}{
			"project_name": "Pump Controller",
			"mcu":          "STM32F407",
			"modules":      modules,
		},
	}
}

func (h *apiHarness) submitRun(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	w := h.do(t, http.MethodPost, "/api/generate", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp GenerateResponse
	decodeJSON(t, w, &resp)
	require.NotEmpty(t, resp.RunID)
	assert.Equal(t, v1.RunStatusPending, resp.Status)
	return resp.RunID
}

func (h *apiHarness) waitTerminal(t *testing.T, runID string) v1.RunState {
	t.Helper()
	var state v1.RunState
	require.Eventually(t, func() bool {
		w := h.do(t, http.MethodGet, "/api/runs/"+runID, nil)
		if w.Code != http.StatusOK {
			return false
		}
		state = v1.RunState{}
		if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
			return false
		}
		return state.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	return state
}

func TestGenerateRunsToCompletion(t *testing.T) {
	h := newTestAPI(t)

	runID := h.submitRun(t, generateBody(uartModuleJSON()))
	state := h.waitTerminal(t, runID)

	assert.Equal(t, v1.RunStatusCompleted, state.Status)
	assert.Equal(t, 100, state.Progress)
	assert.Empty(t, state.Errors)
	assert.Equal(t, 1, state.ArtifactCounts.Architecture)
	assert.Equal(t, 1, state.ArtifactCounts.Code)
	assert.Equal(t, 1, state.ArtifactCounts.Build)

	w := h.do(t, http.MethodGet, "/api/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var runs []v1.RunState
	decodeJSON(t, w, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].RunID)
}

func TestGenerateValidatesRequest(t *testing.T) {
	h := newTestAPI(t)

	w := h.do(t, http.MethodPost, "/api/generate", map[string]interface{}{})
	require.Equal(t, http.StatusBadRequest, w.Code)
	var appErr errors.AppError
	decodeJSON(t, w, &appErr)
	assert.Equal(t, errors.ErrCodeBadRequest, appErr.Code)

	w = h.do(t, http.MethodPost, "/api/generate", map[string]interface{}{
		"specification": map[string]interface{}{"project_name": "No MCU"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	decodeJSON(t, w, &appErr)
	assert.Equal(t, errors.ErrCodeInvalidInput, appErr.Code)

	// Invalid submissions never create runs.
	w = h.do(t, http.MethodGet, "/api/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestGenerateOptionToggles(t *testing.T) {
	h := newTestAPI(t)

	body := generateBody(uartModuleJSON())
	body["include_tests"] = false
	body["run_quality_checks"] = false

	runID := h.submitRun(t, body)
	state := h.waitTerminal(t, runID)

	assert.Equal(t, v1.RunStatusCompleted, state.Status)
	assert.Equal(t, 100, state.Progress)
	assert.Equal(t, 0, state.ArtifactCounts.Tests)
	assert.Equal(t, 0, state.ArtifactCounts.Reports)
	assert.Equal(t, 1, state.ArtifactCounts.Build)
}

func TestGenerateArchitectureOnly(t *testing.T) {
	h := newTestAPI(t)

	body := generateBody(uartModuleJSON())
	body["architecture_only"] = true

	runID := h.submitRun(t, body)
	state := h.waitTerminal(t, runID)

	assert.Equal(t, v1.RunStatusCompleted, state.Status)
	assert.Equal(t, 100, state.Progress)
	assert.Equal(t, v1.ArtifactCounts{Architecture: 1}, state.ArtifactCounts)
}

func TestGetRunNotFound(t *testing.T) {
	h := newTestAPI(t)

	w := h.do(t, http.MethodGet, "/api/runs/run_missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	var appErr errors.AppError
	decodeJSON(t, w, &appErr)
	assert.Equal(t, errors.ErrCodeNotFound, appErr.Code)
}

func TestRunListIncludesDiskRuns(t *testing.T) {
	h := newTestAPI(t)

	// A run directory left behind by an earlier process, artifact plus
	// sidecar so the category counts line up.
	oldDir := filepath.Join(h.store.Root(), "run_previous", "architecture")
	require.NoError(t, os.MkdirAll(oldDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(oldDir, "architecture.md"), []byte("# Firmware Architecture\n"), 0o644))
	sidecar := `{"artifact_id":"a1","agent_id":"architecture_agent","artifact_type":"architecture"}`
	require.NoError(t, os.WriteFile(filepath.Join(oldDir, "architecture.md.meta.json"), []byte(sidecar), 0o644))

	w := h.do(t, http.MethodGet, "/api/runs/run_previous", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var state v1.RunState
	decodeJSON(t, w, &state)
	assert.Equal(t, v1.RunStatusCompleted, state.Status)
	assert.Equal(t, 100, state.Progress)
	assert.Equal(t, h.store.RunDir("run_previous"), state.OutputDir)

	runID := h.submitRun(t, generateBody(uartModuleJSON()))
	h.waitTerminal(t, runID)

	w = h.do(t, http.MethodGet, "/api/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var runs []v1.RunState
	decodeJSON(t, w, &runs)
	require.Len(t, runs, 2)
	assert.Equal(t, runID, runs[0].RunID)
	assert.Equal(t, "run_previous", runs[1].RunID)
	assert.Equal(t, 1, runs[1].ArtifactCounts.Architecture)
}

func TestGetRunLogs(t *testing.T) {
	h := newTestAPI(t)

	runID := h.submitRun(t, generateBody(uartModuleJSON()))
	h.waitTerminal(t, runID)

	w := h.do(t, http.MethodGet, "/api/runs/"+runID+"/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var logs v1.RunLogs
	decodeJSON(t, w, &logs)
	assert.Equal(t, runID, logs.RunID)
	require.Len(t, logs.BuildLogs, 1)
	assert.Contains(t, logs.BuildLogs[0], "compilation_status")
	require.Len(t, logs.QualityReports, 1)
	assert.Contains(t, logs.QualityReports[0], "overall_score")

	w = h.do(t, http.MethodGet, "/api/runs/run_missing/logs", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListArtifactsAcrossRuns(t *testing.T) {
	h := newTestAPI(t)

	first := h.submitRun(t, generateBody(uartModuleJSON()))
	h.waitTerminal(t, first)
	second := h.submitRun(t, generateBody(uartModuleJSON()))
	h.waitTerminal(t, second)

	w := h.do(t, http.MethodGet, "/api/artifacts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var all []v1.ArtifactInfo
	decodeJSON(t, w, &all)
	require.NotEmpty(t, all)

	runIDs := map[string]bool{}
	for i, info := range all {
		runIDs[info.RunID] = true
		assert.NotEmpty(t, info.Category)
		assert.NotEmpty(t, info.Name)
		if i > 0 {
			assert.False(t, all[i].ModifiedAt.After(all[i-1].ModifiedAt),
				"artifacts must be sorted newest first")
		}
	}
	assert.True(t, runIDs[first])
	assert.True(t, runIDs[second])
}

func TestGetOutputContentAndRaw(t *testing.T) {
	h := newTestAPI(t)

	runID := h.submitRun(t, generateBody(uartModuleJSON()))
	h.waitTerminal(t, runID)

	w := h.do(t, http.MethodGet, "/api/output/"+runID+"/module_code/uart0/uart0.c", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var content ContentResponse
	decodeJSON(t, w, &content)
	assert.Contains(t, content.Content, `#include "uart0.h"`)
	assert.Contains(t, content.Content, "uart0_init")

	w = h.do(t, http.MethodGet, "/api/output/"+runID+"/module_code/uart0/uart0.c?raw=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, content.Content, w.Body.String())

	w = h.do(t, http.MethodGet, "/api/output/"+runID+"/architecture/missing.md", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetOutputRejectsTraversal(t *testing.T) {
	h := newTestAPI(t)

	runID := h.submitRun(t, generateBody(uartModuleJSON()))
	h.waitTerminal(t, runID)

	w := h.do(t, http.MethodGet, "/api/output/"+runID+"/../run_other/secret.txt", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var appErr errors.AppError
	decodeJSON(t, w, &appErr)
	assert.Equal(t, errors.ErrCodeInvalidInput, appErr.Code)
}

func TestCancelEndpoints(t *testing.T) {
	h := newTestAPI(t)

	w := h.do(t, http.MethodPost, "/api/runs/run_missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	runID := h.submitRun(t, generateBody(uartModuleJSON()))
	h.waitTerminal(t, runID)

	w = h.do(t, http.MethodPost, "/api/runs/"+runID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	var appErr errors.AppError
	decodeJSON(t, w, &appErr)
	assert.Equal(t, errors.ErrCodeConflict, appErr.Code)
	assert.Contains(t, appErr.Message, "already finished")
}

func TestGenerateNeverEchoesAPIKey(t *testing.T) {
	h := newTestAPI(t)

	const secret = "sk-test-8841-very-secret"
	body := generateBody(uartModuleJSON())
	body["api_key"] = secret

	w := h.do(t, http.MethodPost, "/api/generate", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), secret)
	var resp GenerateResponse
	decodeJSON(t, w, &resp)

	h.waitTerminal(t, resp.RunID)
	w = h.do(t, http.MethodGet, "/api/runs/"+resp.RunID, nil)
	assert.NotContains(t, w.Body.String(), secret)

	// The key must not land in any artifact or sidecar either.
	err := filepath.Walk(h.store.RunDir(resp.RunID), func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		data, rerr := os.ReadFile(path)
		require.NoError(t, rerr)
		assert.NotContains(t, string(data), secret, "secret leaked into %s", path)
		return nil
	})
	require.NoError(t, err)
}

func TestTemplates(t *testing.T) {
	h := newTestAPI(t)

	w := h.do(t, http.MethodGet, "/api/templates", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var templates map[string]v1.Specification
	decodeJSON(t, w, &templates)

	require.Contains(t, templates, "pump_controller")
	require.Contains(t, templates, "sensor_node")
	require.Contains(t, templates, "motor_controller")
	assert.Equal(t, "STM32F407", templates["pump_controller"].MCU)
	assert.NotEmpty(t, templates["pump_controller"].Modules)
	assert.True(t, templates["motor_controller"].SafetyCritical)
	assert.NotContains(t, w.Body.String(), "api_key")
}

func TestRagDocs(t *testing.T) {
	h := newTestAPI(t)

	w := h.do(t, http.MethodGet, "/api/docs/rag", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var docs []RagDocument
	decodeJSON(t, w, &docs)
	require.Len(t, docs, 1)
	assert.Equal(t, "UART Basics", docs[0].Title)
	assert.Equal(t, "uart", docs[0].Category)
	assert.Contains(t, docs[0].Content, "Framing")
}

func TestHealth(t *testing.T) {
	h := newTestAPI(t)

	w := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestStreamRunEventsSnapshot(t *testing.T) {
	h := newTestAPI(t)

	runID := h.submitRun(t, generateBody(uartModuleJSON()))
	h.waitTerminal(t, runID)

	srv := httptest.NewServer(h.router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/runs/" + runID + "/events"

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var evt bus.Event
	require.NoError(t, json.Unmarshal(frame, &evt))
	assert.Equal(t, events.RunSnapshot, evt.Type)
	assert.Equal(t, runID, evt.Data["run_id"])
	assert.Equal(t, string(v1.RunStatusCompleted), evt.Data["status"])
	assert.EqualValues(t, 100, evt.Data["progress"])

	// A terminal snapshot ends the stream.
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNoStatusReceived), err.Error())
}

func TestStreamRejectsUnknownRun(t *testing.T) {
	h := newTestAPI(t)

	srv := httptest.NewServer(h.router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/runs/run_missing/events"

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
