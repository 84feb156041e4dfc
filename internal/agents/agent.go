// Package agents implements the five pipeline stages. Each agent is a
// task unit that reads upstream artifacts, optionally calls the
// language model, and writes typed artifacts through the store. Agents
// never touch global state: everything they need arrives in the
// RunContext.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/firmforge/firmforge/internal/artifact"
	"github.com/firmforge/firmforge/internal/common/logger"
	"github.com/firmforge/firmforge/internal/llm"
	"github.com/firmforge/firmforge/internal/mcp"
	"github.com/firmforge/firmforge/internal/prompt"
	"github.com/firmforge/firmforge/internal/retrieval"
	v1 "github.com/firmforge/firmforge/pkg/api/v1"
)

// RunContext carries everything an agent needs for one run. The
// specification it holds is already normalized and redacted; the API
// key lives only inside the LM client.
type RunContext struct {
	RunID     string
	Spec      v1.Specification
	Options   v1.RunOptions
	Store     *artifact.Store
	MCP       *mcp.MCP
	Retrieval *retrieval.Engine
	LM        llm.Client
	Prompts   *prompt.Loader

	// PromptVersion selects the template revision, recorded in every
	// sidecar this run produces.
	PromptVersion string

	// HasCompiler reports whether a C compiler was found at startup.
	// Compiler is its path when found.
	HasCompiler bool
	Compiler    string

	// Clock stamps report contents. Nil means time.Now; tests freeze it.
	Clock func() time.Time

	Logger *logger.Logger
}

func (rc *RunContext) now() time.Time {
	if rc.Clock != nil {
		return rc.Clock()
	}
	return time.Now()
}

// Result is the successful outcome of one agent execution.
type Result struct {
	// Artifacts lists the run-relative paths of everything written.
	Artifacts []string
	// Message is a one-line human summary.
	Message string
	// Warnings carry per-item degradations that did not fail the stage.
	Warnings []string
}

// Agent is one pipeline stage. Inputs and Outputs declare the artifact
// types the agent consumes and produces; the orchestrator verifies the
// capability matrix grants them before Execute is called.
type Agent interface {
	ID() string
	Inputs() []artifact.Type
	Outputs() []artifact.Type
	Execute(ctx context.Context, rc *RunContext) (*Result, error)
}

// renderPrompt loads the agent's template at the run's version and
// substitutes fields. Unfilled placeholders are logged, not fatal.
func renderPrompt(rc *RunContext, agentName string, fields map[string]string) (string, error) {
	tpl, err := rc.Prompts.Load(agentName, rc.PromptVersion)
	if err != nil {
		return "", err
	}
	text, unfilled := tpl.Render(fields)
	if len(unfilled) > 0 {
		rc.Logger.Warn("prompt has unfilled placeholders",
			zap.String("template", tpl.Name),
			zap.Strings("placeholders", unfilled))
	}
	return text, nil
}

// moduleJSON renders one module spec as an indented JSON block for
// prompt injection.
func moduleJSON(m v1.ModuleSpec) string {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"id": %q, "type": %q}`, m.ID, m.Type)
	}
	return string(b)
}

// modulesOutline renders the module list as one bullet per module.
func modulesOutline(modules []v1.ModuleSpec) string {
	if len(modules) == 0 {
		return "(no modules declared)"
	}
	var b strings.Builder
	for _, m := range modules {
		fmt.Fprintf(&b, "- %s (%s)", m.ID, m.Type)
		if m.Description != "" {
			b.WriteString(": ")
			b.WriteString(m.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// boardSpecs summarizes the hardware target for prompt injection.
func boardSpecs(spec v1.Specification) string {
	target := DetermineTarget(spec.MCU)
	return fmt.Sprintf("Target: %s, Optimization: %s, Framework: %s",
		spec.MCU, spec.OptimizationGoal, target.Framework)
}

// constraintLines flattens the free-form constraints object plus the
// global requirement list into prompt text.
func constraintLines(spec v1.Specification) string {
	var lines []string
	if spec.SafetyCritical {
		lines = append(lines, "This project is SAFETY CRITICAL: no dynamic allocation, every loop bounded, all inputs validated.")
	}
	for _, r := range spec.Requirements {
		lines = append(lines, "- "+r)
	}
	for _, k := range sortedKeys(spec.Constraints) {
		lines = append(lines, fmt.Sprintf("- %s: %v", k, spec.Constraints[k]))
	}
	if len(lines) == 0 {
		return "Standard embedded constraints apply."
	}
	return strings.Join(lines, "\n")
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
