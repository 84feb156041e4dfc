package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/firmforge/firmforge/internal/artifact"
	"github.com/firmforge/firmforge/internal/common/errors"
	"github.com/firmforge/firmforge/internal/mcp"
	"github.com/firmforge/firmforge/internal/retrieval"
	v1 "github.com/firmforge/firmforge/pkg/api/v1"
)

// architectureExcerptLimit bounds how much of the design document is
// replayed into each code prompt.
const architectureExcerptLimit = 4000

// CodeAgent generates the header/source pair for a single module. One
// instance exists per module; instances are independent and safe to
// run in parallel.
type CodeAgent struct {
	module v1.ModuleSpec
}

// NewCode returns the code agent for one module.
func NewCode(module v1.ModuleSpec) *CodeAgent {
	return &CodeAgent{module: module}
}

// ID qualifies the shared code_agent role with the module, so audit
// entries and artifact sidecars name the exact producer.
func (a *CodeAgent) ID() string { return mcp.AgentCode + ":" + a.module.ID }

func (a *CodeAgent) Inputs() []artifact.Type {
	return []artifact.Type{artifact.TypeArchitecture}
}

func (a *CodeAgent) Outputs() []artifact.Type {
	return []artifact.Type{artifact.TypeModuleCode}
}

// Execute reads the architecture document, prompts the LM for the
// module implementation, and stores the extracted header/source pair.
func (a *CodeAgent) Execute(ctx context.Context, rc *RunContext) (*Result, error) {
	log := rc.Logger.WithAgentID(a.ID())

	arch, err := rc.Store.Read(rc.RunID, a.ID(), artifact.TypeArchitecture, "architecture.md")
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.DependencyMissing("architecture")
		}
		return nil, err
	}

	target := DetermineTarget(rc.Spec.MCU)
	ragRes := rc.Retrieval.Query(retrieval.Query{
		Text:       fmt.Sprintf("generate %s module code %s", a.module.Type, a.module.Description),
		ModuleType: string(a.module.Type),
		TopK:       3,
	})

	constraints := fmt.Sprintf("MCU: %s. Generate modular .h/.c files. Framework: %s. MINIMAL comments. Return PURE CODE only.\n%s",
		rc.Spec.MCU, target.Framework, constraintLines(rc.Spec))

	text, err := renderPrompt(rc, "code", map[string]string{
		"AGENT_ROLE":   "an embedded C engineer",
		"CONSTRAINTS":  constraints,
		"RAG_CONTEXT":  ragRes.Context,
		"MCU":          rc.Spec.MCU,
		"OPTIMIZATION": string(rc.Spec.OptimizationGoal),
		"MODULE":       moduleJSON(a.module),
	})
	if err != nil {
		return nil, err
	}
	text += "\n\nArchitecture document:\n" + excerpt(string(arch), architectureExcerptLimit)

	generated, err := rc.LM.Complete(ctx, text)
	if err != nil {
		return nil, err
	}

	header, source := ExtractModularCode(generated)
	written, err := rc.Store.WriteModularCode(rc.RunID, a.ID(), a.module.ID,
		[]byte(header), []byte(source), artifact.WriteOptions{
			PromptVersion: rc.PromptVersion,
			Extra: map[string]interface{}{
				"framework":        target.Framework,
				"module_type":      string(a.module.Type),
				"rag_context_used": len(ragRes.Documents) > 0,
			},
		})
	if err != nil {
		return nil, err
	}

	log.Info("module code generated",
		zap.String("module_id", a.module.ID),
		zap.String("framework", target.Framework),
		zap.Int("header_bytes", len(header)),
		zap.Int("source_bytes", len(source)))

	return &Result{
		Artifacts: []string{written.RelHeader, written.RelSource},
		Message:   fmt.Sprintf("%s module code generated", a.module.ID),
	}, nil
}

var fencePattern = regexp.MustCompile("(?s)```(?:c|cpp|arduino|ino)?\\s*\\n(.*?)```")

// ExtractModularCode splits raw LM output into header and source text.
// The chain, in order: markdown fences are stripped (largest block
// wins), then JSON {"header","source"}, then ###HEADER###/###SOURCE###
// markers, then a split at the first function definition, then a split
// at the midpoint. The chain never fails; worst case both halves are
// rough.
func ExtractModularCode(raw string) (header, source string) {
	content := raw

	if matches := fencePattern.FindAllStringSubmatch(content, -1); len(matches) > 0 {
		largest := matches[0][1]
		for _, m := range matches[1:] {
			if len(m[1]) > len(largest) {
				largest = m[1]
			}
		}
		content = largest
	}

	if h, s, ok := extractJSON(content); ok {
		return h, s
	}

	if strings.Contains(content, "###HEADER###") && strings.Contains(content, "###SOURCE###") {
		after := strings.SplitN(content, "###HEADER###", 2)[1]
		parts := strings.SplitN(after, "###SOURCE###", 2)
		header = strings.TrimSpace(parts[0])
		if len(parts) > 1 {
			source = strings.TrimSpace(parts[1])
		}
		return header, source
	}

	lines := strings.Split(content, "\n")
	headerEnd := 0
	for i, line := range lines {
		if strings.HasPrefix(line, "int ") || strings.HasPrefix(line, "void ") ||
			strings.HasPrefix(line, "uint") || strings.HasPrefix(line, "float ") {
			headerEnd = i
			break
		}
	}
	if headerEnd == 0 {
		headerEnd = len(lines) / 2
	}
	return strings.Join(lines[:headerEnd], "\n"), strings.Join(lines[headerEnd:], "\n")
}

// extractJSON recognizes the {"header","source"} and source-only JSON
// forms. Stray backticks around the object are tolerated.
func extractJSON(content string) (header, source string, ok bool) {
	trimmed := strings.TrimSpace(strings.Trim(strings.TrimSpace(content), "`"))
	var parsed struct {
		Header *string `json:"header"`
		Source *string `json:"source"`
	}
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return "", "", false
	}
	if parsed.Source != nil && parsed.Header == nil {
		return "", *parsed.Source, true
	}
	if parsed.Header != nil {
		header = *parsed.Header
	}
	if parsed.Source != nil {
		source = *parsed.Source
	}
	if header != "" || source != "" {
		return header, source, true
	}
	return "", "", false
}

// excerpt truncates text at the last newline before limit.
func excerpt(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := text[:limit]
	if i := strings.LastIndex(cut, "\n"); i > 0 {
		cut = cut[:i]
	}
	return cut
}
