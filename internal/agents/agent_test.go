package agents

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/firmforge/firmforge/internal/artifact"
	"github.com/firmforge/firmforge/internal/common/config"
	"github.com/firmforge/firmforge/internal/common/logger"
	"github.com/firmforge/firmforge/internal/llm"
	"github.com/firmforge/firmforge/internal/mcp"
	"github.com/firmforge/firmforge/internal/prompt"
	"github.com/firmforge/firmforge/internal/retrieval"
	v1 "github.com/firmforge/firmforge/pkg/api/v1"
)

// promptFixtures are trimmed templates carrying the phrases the mock
// LM dispatches on.
var promptFixtures = map[string]string{
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

func writePromptFixtures(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for name, text := range promptFixtures {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(text), 0o644))
	}
	return dir
}

// newRunContext assembles a RunContext over temp directories with the
// mock LM and an empty retrieval corpus.
func newRunContext(t *testing.T, spec v1.Specification) (*RunContext, *llm.Mock) {
	t.Helper()
	log := logger.Default()

	authz := mcp.New(nil, nil, log)
	store, err := artifact.NewStore(t.TempDir(), authz, log)
	require.NoError(t, err)

	engine := retrieval.NewEngine(config.RetrievalConfig{
		DocsDir: filepath.Join(t.TempDir(), "absent"),
		TopK:    3, TokenBudget: 2000, MinScore: 0.65,
	}, log)

	loader := prompt.NewLoader(config.PromptsConfig{
		Dir: writePromptFixtures(t), Version: "v1",
	}, log)

	require.NoError(t, spec.Normalize())

	mock := llm.NewMock()
	rc := &RunContext{
		RunID:         "run-test",
		Spec:          spec.Redacted(),
		Options:       v1.DefaultRunOptions(),
		Store:         store,
		MCP:           authz,
		Retrieval:     engine,
		LM:            mock,
		Prompts:       loader,
		PromptVersion: "v1",
		Clock: func() time.Time {
			return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
		},
		Logger: log,
	}
	return rc, mock
}

func specWithModules(modules ...v1.ModuleSpec) v1.Specification {
	return v1.Specification{
		ProjectName: "Pump Controller",
		MCU:         "STM32F407",
		Modules:     modules,
	}
}

func uartModule() v1.ModuleSpec {
	return v1.ModuleSpec{
		ID:   "uart0",
		Name: "UART0",
		Type: v1.ModuleTypeUART,
		Parameters: map[string]interface{}{
			"baud": 115200,
		},
	}
}

// seedModuleCode writes a module's header/source pair the way the code
// agent would have.
func seedModuleCode(t *testing.T, rc *RunContext, moduleID, header, source string) {
	t.Helper()
	_, err := rc.Store.WriteModularCode(rc.RunID, mcp.AgentCode+":"+moduleID, moduleID,
		[]byte(header), []byte(source), artifact.WriteOptions{PromptVersion: "v1"})
	require.NoError(t, err)
}

// seedTests writes a module's unit test file the way the test agent
// would have.
func seedTests(t *testing.T, rc *RunContext, moduleID, code string) {
	t.Helper()
	_, err := rc.Store.WriteArtifact(rc.RunID, mcp.AgentTest, artifact.TypeTests,
		[]byte(code), artifact.WriteOptions{
			ModuleID: moduleID,
			Filename: moduleID + "_test.c",
		})
	require.NoError(t, err)
}

const sampleHeader = `#ifndef PUMP_H
#define PUMP_H

#include <stdint.h>

/* Public pump interface. */
int pump_init(void);
void pump_stop(void);

#endif
`

const sampleSource = `#include "pump.h"

/* state */
static int s_ready;

int pump_init(void)
{
    if (s_ready) {
        return -1;
    }
    s_ready = 1;
    return 0;
}

void pump_stop(void)
{
    s_ready = 0;
}
`
