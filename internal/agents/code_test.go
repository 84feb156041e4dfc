package agents

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firmforge/firmforge/internal/artifact"
	"github.com/firmforge/firmforge/internal/common/errors"
	"github.com/firmforge/firmforge/internal/mcp"
)

func TestExtractModularCodeJSON(t *testing.T) {
	raw, err := json.Marshal(map[string]string{
		"header": "#ifndef A_H\n#define A_H\n#endif\n",
		"source": "#include \"a.h\"\n",
	})
	require.NoError(t, err)

	header, source := ExtractModularCode(string(raw))
	assert.Equal(t, "#ifndef A_H\n#define A_H\n#endif\n", header)
	assert.Equal(t, "#include \"a.h\"\n", source)
}

func TestExtractModularCodeSourceOnlyJSON(t *testing.T) {
	header, source := ExtractModularCode(`{"source": "void setup() {}"}`)
	assert.Empty(t, header)
	assert.Equal(t, "void setup() {}", source)
}

func TestExtractModularCodeFencedJSON(t *testing.T) {
	raw := "Here is the module:\n```c\n{\"header\": \"H\", \"source\": \"S\"}\n```\nDone."
	header, source := ExtractModularCode(raw)
	assert.Equal(t, "H", header)
	assert.Equal(t, "S", source)
}

func TestExtractModularCodeLargestFenceWins(t *testing.T) {
	raw := "```\nshort\n```\nand\n```c\n{\"header\": \"HH\", \"source\": \"a much longer block\"}\n```"
	header, source := ExtractModularCode(raw)
	assert.Equal(t, "HH", header)
	assert.Equal(t, "a much longer block", source)
}

func TestExtractModularCodeMarkedSections(t *testing.T) {
	raw := "###HEADER###\n#ifndef B_H\n#define B_H\n#endif\n###SOURCE###\n#include \"b.h\"\nvoid b(void) {}\n"
	header, source := ExtractModularCode(raw)
	assert.Equal(t, "#ifndef B_H\n#define B_H\n#endif", header)
	assert.Equal(t, "#include \"b.h\"\nvoid b(void) {}", source)
}

func TestExtractModularCodeFunctionSplit(t *testing.T) {
	raw := "#include <stdint.h>\n#define LIMIT 4\nvoid run(void)\n{\n}\n"
	header, source := ExtractModularCode(raw)
	assert.Equal(t, "#include <stdint.h>\n#define LIMIT 4", header)
	assert.Equal(t, "void run(void)\n{\n}\n", source)
}

func TestExtractModularCodeHalfSplitFallback(t *testing.T) {
	raw := "line one\nline two\nline three\nline four"
	header, source := ExtractModularCode(raw)
	assert.Equal(t, "line one\nline two", header)
	assert.Equal(t, "line three\nline four", source)
}

func TestExtractModularCodeEmptyInput(t *testing.T) {
	header, source := ExtractModularCode("")
	assert.Empty(t, header)
	assert.Empty(t, source)
}

func TestCodeAgentWritesModulePair(t *testing.T) {
	spec := specWithModules(uartModule())
	rc, _ := newRunContext(t, spec)

	// architecture must exist first
	archAgent := NewArchitecture()
	_, err := archAgent.Execute(context.Background(), rc)
	require.NoError(t, err)

	agent := NewCode(rc.Spec.Modules[0])
	assert.Equal(t, "code_agent:uart0", agent.ID())

	res, err := agent.Execute(context.Background(), rc)
	require.NoError(t, err)
	require.Len(t, res.Artifacts, 2)

	header, err := rc.Store.Read(rc.RunID, mcp.AgentQuality, artifact.TypeModuleCode, "uart0/uart0.h")
	require.NoError(t, err)
	assert.Contains(t, string(header), "#ifndef UART0_H")

	source, err := rc.Store.Read(rc.RunID, mcp.AgentQuality, artifact.TypeModuleCode, "uart0/uart0.c")
	require.NoError(t, err)
	assert.Contains(t, string(source), "uart0_init")
}

func TestCodeAgentBlockedWithoutArchitecture(t *testing.T) {
	spec := specWithModules(uartModule())
	rc, _ := newRunContext(t, spec)

	agent := NewCode(rc.Spec.Modules[0])
	_, err := agent.Execute(context.Background(), rc)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDependencyMissing, errors.Code(err))
	assert.Contains(t, err.Error(), "blocked:architecture")
}

func TestCodeAgentPropagatesLMFailure(t *testing.T) {
	spec := specWithModules(uartModule())
	rc, mock := newRunContext(t, spec)

	_, err := NewArchitecture().Execute(context.Background(), rc)
	require.NoError(t, err)

	mock.FailWhen(func(prompt string) error {
		return errors.UpstreamUnavailable("mock", assert.AnError)
	})
	_, err = NewCode(rc.Spec.Modules[0]).Execute(context.Background(), rc)
	require.Error(t, err)
	assert.True(t, errors.IsUpstreamUnavailable(err))

	// nothing was written
	_, err = rc.Store.Read(rc.RunID, mcp.AgentQuality, artifact.TypeModuleCode, "uart0/uart0.c")
	assert.True(t, errors.IsNotFound(err))
}
