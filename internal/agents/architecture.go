package agents

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/firmforge/firmforge/internal/artifact"
	"github.com/firmforge/firmforge/internal/mcp"
	"github.com/firmforge/firmforge/internal/retrieval"
)

// ArchitectureAgent turns the specification into a markdown design
// document. It is the root of the DAG: every other stage depends on
// its output.
type ArchitectureAgent struct{}

// NewArchitecture returns the architecture agent.
func NewArchitecture() *ArchitectureAgent { return &ArchitectureAgent{} }

func (a *ArchitectureAgent) ID() string { return mcp.AgentArchitecture }

func (a *ArchitectureAgent) Inputs() []artifact.Type {
	return []artifact.Type{artifact.TypeRequirements}
}

func (a *ArchitectureAgent) Outputs() []artifact.Type {
	return []artifact.Type{artifact.TypeArchitecture}
}

// Execute queries retrieval with domain hints drawn from the module
// kinds, renders the architecture prompt, and writes
// architecture/architecture.md.
func (a *ArchitectureAgent) Execute(ctx context.Context, rc *RunContext) (*Result, error) {
	log := rc.Logger.WithAgentID(a.ID())

	ragRes := rc.Retrieval.Query(retrieval.Query{
		Text: architectureQuery(rc),
	})
	log.Debug("retrieval for architecture",
		zap.Int("documents", len(ragRes.Documents)),
		zap.Strings("omitted", ragRes.Omitted))

	text, err := renderPrompt(rc, "architecture", map[string]string{
		"AGENT_ROLE":   "You are a senior embedded firmware architect.",
		"CONSTRAINTS":  constraintLines(rc.Spec),
		"RAG_CONTEXT":  ragRes.Context,
		"MCU":          rc.Spec.MCU,
		"OPTIMIZATION": string(rc.Spec.OptimizationGoal),
		"BOARD_SPECS":  boardSpecs(rc.Spec),
		"MODULES":      modulesOutline(rc.Spec.Modules),
	})
	if err != nil {
		return nil, err
	}

	generated, err := rc.LM.Complete(ctx, text)
	if err != nil {
		return nil, err
	}

	written, err := rc.Store.WriteArtifact(rc.RunID, a.ID(), artifact.TypeArchitecture,
		[]byte(generated), artifact.WriteOptions{
			Filename:      "architecture.md",
			PromptVersion: rc.PromptVersion,
			Format:        artifact.FormatText,
			Extra: map[string]interface{}{
				"mcu":   rc.Spec.MCU,
				"model": rc.LM.Provider(),
			},
		})
	if err != nil {
		return nil, err
	}

	log.Info("architecture generated", zap.String("path", written.RelPath))
	return &Result{
		Artifacts: []string{written.RelPath},
		Message:   "architecture generated",
	}, nil
}

// architectureQuery builds the retrieval query from the description
// plus every module's name and kind, so domain-tagged corpus documents
// rank when their peripherals appear.
func architectureQuery(rc *RunContext) string {
	parts := []string{"firmware architecture guidelines", rc.Spec.Description}
	for _, m := range rc.Spec.Modules {
		parts = append(parts, m.Name, string(m.Type))
	}
	if rc.Spec.SafetyCritical {
		parts = append(parts, "safety watchdog")
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}
