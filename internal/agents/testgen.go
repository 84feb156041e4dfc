package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/firmforge/firmforge/internal/artifact"
	"github.com/firmforge/firmforge/internal/common/errors"
	"github.com/firmforge/firmforge/internal/mcp"
	"github.com/firmforge/firmforge/internal/retrieval"
	v1 "github.com/firmforge/firmforge/pkg/api/v1"
)

// TestAgent writes unit tests for one module's generated code. One
// instance per module; instances run in parallel like code agents.
type TestAgent struct {
	module v1.ModuleSpec
}

// NewTest returns the test agent for one module.
func NewTest(module v1.ModuleSpec) *TestAgent { return &TestAgent{module: module} }

func (a *TestAgent) ID() string { return mcp.AgentTest + ":" + a.module.ID }

func (a *TestAgent) Inputs() []artifact.Type {
	return []artifact.Type{artifact.TypeModuleCode}
}

func (a *TestAgent) Outputs() []artifact.Type {
	return []artifact.Type{artifact.TypeTests}
}

// Execute generates the module's test file plus a test-case table.
func (a *TestAgent) Execute(ctx context.Context, rc *RunContext) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := rc.Logger.WithAgentID(a.ID())

	code, found, err := readModuleCode(rc, a.ID(), a.module.ID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.DependencyMissing(string(artifact.TypeModuleCode))
	}

	ragRes := rc.Retrieval.Query(retrieval.Query{
		Text:       "unit test patterns",
		ModuleType: string(a.module.Type),
		TopK:       3,
	})

	text, err := renderPrompt(rc, "test", map[string]string{
		"AGENT_ROLE":  "an embedded test engineer",
		"CONSTRAINTS": "Deterministic tests only. " + constraintLines(rc.Spec),
		"RAG_CONTEXT": ragRes.Context,
		"MODULE":      moduleJSON(a.module),
		"CODE_FILES":  code,
	})
	if err != nil {
		return nil, err
	}

	generated, err := rc.LM.Complete(ctx, text)
	if err != nil {
		return nil, err
	}
	testCode, testCases := extractTestSections(generated)

	codeWritten, err := rc.Store.WriteArtifact(rc.RunID, a.ID(), artifact.TypeTests,
		[]byte(testCode), artifact.WriteOptions{
			ModuleID:      a.module.ID,
			Filename:      a.module.ID + "_test.c",
			PromptVersion: rc.PromptVersion,
			Format:        artifact.FormatText,
			Extra:         map[string]interface{}{"kind": "test_code"},
		})
	if err != nil {
		return nil, err
	}
	casesWritten, err := rc.Store.WriteArtifact(rc.RunID, a.ID(), artifact.TypeTests,
		[]byte(testCases), artifact.WriteOptions{
			ModuleID:      a.module.ID,
			Filename:      a.module.ID + "_test_cases.md",
			PromptVersion: rc.PromptVersion,
			Format:        artifact.FormatText,
			Extra:         map[string]interface{}{"kind": "test_cases"},
		})
	if err != nil {
		return nil, err
	}

	log.Info("tests generated", zap.String("module_id", a.module.ID))
	return &Result{
		Artifacts: []string{codeWritten.RelPath, casesWritten.RelPath},
		Message:   fmt.Sprintf("tests generated for module %s", a.module.ID),
	}, nil
}

// readModuleCode loads a module's header and source as one prompt
// block. found is false when neither file exists.
func readModuleCode(rc *RunContext, agentID, moduleID string) (code string, found bool, err error) {
	var b strings.Builder
	for _, name := range []string{moduleID + ".h", moduleID + ".c"} {
		data, err := rc.Store.Read(rc.RunID, agentID, artifact.TypeModuleCode, moduleID+"/"+name)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return "", false, err
		}
		fmt.Fprintf(&b, "// %s\n%s\n", name, data)
		found = true
	}
	return b.String(), found, nil
}

// extractTestSections splits the dual-format LM answer. Without the
// delimiters the whole answer is treated as test code.
func extractTestSections(generated string) (testCode, testCases string) {
	if strings.Contains(generated, "###TEST_CODE###") && strings.Contains(generated, "###TEST_CASES###") {
		after := strings.SplitN(generated, "###TEST_CODE###", 2)[1]
		parts := strings.SplitN(after, "###TEST_CASES###", 2)
		testCode = strings.TrimSpace(parts[0])
		if len(parts) > 1 {
			testCases = strings.TrimSpace(parts[1])
		}
		return testCode, testCases
	}
	return generated, "# Test Cases\n\nNo structured test cases provided. See test code for details."
}
