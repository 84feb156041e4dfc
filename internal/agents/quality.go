package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/firmforge/firmforge/internal/artifact"
	"github.com/firmforge/firmforge/internal/common/errors"
	"github.com/firmforge/firmforge/internal/mcp"
	"github.com/firmforge/firmforge/internal/retrieval"
)

// Issue severities, ordered by weight.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Metric statuses.
const (
	StatusPass    = "pass"
	StatusWarning = "warning"
	StatusFail    = "fail"
)

// severityPenalty is subtracted from 100 per issue when scoring.
var severityPenalty = map[string]int{
	SeverityCritical: 25,
	SeverityHigh:     10,
	SeverityMedium:   4,
	SeverityLow:      1,
}

// QualityReport is the JSON document the quality agent writes. The
// archive copy lands under reports/ with a timestamped name; the store
// mirrors it to quality_report_latest.json.
type QualityReport struct {
	OverallScore    float64                `json:"overall_score"`
	ReportType      string                 `json:"report_type"`
	Timestamp       string                 `json:"timestamp"`
	Metrics         map[string]MetricValue `json:"metrics"`
	AnalysisSummary AnalysisSummary        `json:"analysis_summary"`
	Issues          []Issue                `json:"issues"`
	Recommendations []string               `json:"recommendations"`
}

// MetricValue is one named measurement with its acceptance status.
type MetricValue struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit,omitempty"`
	Target float64 `json:"target,omitempty"`
	Status string  `json:"status"`
}

// AnalysisSummary aggregates what the agent looked at.
type AnalysisSummary struct {
	ModulesAnalyzed    int    `json:"modules_analyzed"`
	TestFilesFound     int    `json:"test_files_found"`
	TotalLines         int    `json:"total_lines"`
	LLMAnalysisExcerpt string `json:"llm_analysis_excerpt,omitempty"`
}

// Issue is one finding.
type Issue struct {
	Severity string `json:"severity"`
	Type     string `json:"type"`
	Message  string `json:"message"`
	Location string `json:"location,omitempty"`
}

// analysisExcerptLimit bounds the LM excerpt embedded in the report.
const analysisExcerptLimit = 500

// codeArtifactsLimit bounds the code replayed into the quality prompt.
const codeArtifactsLimit = 8000

// QualityAgent computes static metrics over all generated code, asks
// the LM for one qualitative pass, and writes the scored report. All
// numbers in the report come from local analysis; the LM contributes
// prose only.
type QualityAgent struct{}

// NewQuality returns the quality agent.
func NewQuality() *QualityAgent { return &QualityAgent{} }

func (a *QualityAgent) ID() string { return mcp.AgentQuality }

func (a *QualityAgent) Inputs() []artifact.Type {
	return []artifact.Type{artifact.TypeModuleCode, artifact.TypeTests}
}

func (a *QualityAgent) Outputs() []artifact.Type {
	return []artifact.Type{artifact.TypeReports}
}

// Execute analyzes every module with code, flags the ones without, and
// writes the report. It runs even when some modules failed upstream;
// it refuses only when no module produced code at all.
func (a *QualityAgent) Execute(ctx context.Context, rc *RunContext) (*Result, error) {
	log := rc.Logger.WithAgentID(a.ID())

	var (
		merged     CodeMetrics
		issues     []Issue
		analyzed   int
		testFiles  int
		codeBlocks []string
	)

	for _, m := range rc.Spec.Modules {
		code, found, err := readModuleCode(rc, a.ID(), m.ID)
		if err != nil {
			return nil, err
		}
		if !found {
			issues = append(issues, Issue{
				Severity: SeverityHigh,
				Type:     "missing-module",
				Message:  fmt.Sprintf("module %s produced no code artifacts", m.ID),
				Location: m.ID,
			})
			continue
		}
		analyzed++
		codeBlocks = append(codeBlocks, code)

		sourceEmpty := a.analyzeModule(rc, m.ID, &merged, &issues)
		if sourceEmpty {
			issues = append(issues, Issue{
				Severity: SeverityHigh,
				Type:     "empty-module",
				Message:  fmt.Sprintf("module %s source is empty; the LM returned no usable code", m.ID),
				Location: m.ID + "/" + m.ID + ".c",
			})
		}

		if _, err := rc.Store.Read(rc.RunID, a.ID(), artifact.TypeTests, m.ID+"/"+m.ID+"_test.c"); err == nil {
			testFiles++
		} else if !errors.IsNotFound(err) {
			return nil, err
		} else if rc.Options.IncludeTests {
			issues = append(issues, Issue{
				Severity: SeverityMedium,
				Type:     "missing-tests",
				Message:  fmt.Sprintf("no unit tests found for module %s", m.ID),
				Location: m.ID,
			})
		}
	}

	if analyzed == 0 && len(rc.Spec.Modules) > 0 {
		return nil, errors.DependencyMissing(string(artifact.TypeModuleCode))
	}

	metrics, metricIssues := buildMetrics(merged)
	issues = append(issues, metricIssues...)

	excerptText, err := a.qualitativeAnalysis(ctx, rc, codeBlocks)
	if err != nil {
		return nil, err
	}

	report := QualityReport{
		OverallScore: float64(scoreIssues(issues)),
		ReportType:   "quality_analysis",
		Timestamp:    rc.now().UTC().Format(time.RFC3339),
		Metrics:      metrics,
		AnalysisSummary: AnalysisSummary{
			ModulesAnalyzed:    analyzed,
			TestFilesFound:     testFiles,
			TotalLines:         merged.TotalLines,
			LLMAnalysisExcerpt: excerpt(excerptText, analysisExcerptLimit),
		},
		Issues:          issues,
		Recommendations: recommendations(metrics, issues),
	}

	written, err := rc.Store.WriteJSON(rc.RunID, a.ID(), artifact.TypeReports, report,
		artifact.WriteOptions{
			Extension:     "txt",
			PromptVersion: rc.PromptVersion,
			Extra:         map[string]interface{}{"overall_score": report.OverallScore},
		})
	if err != nil {
		return nil, err
	}

	log.Info("quality report written",
		zap.Float64("overall_score", report.OverallScore),
		zap.Int("issues", len(issues)),
		zap.String("path", written.RelPath))
	return &Result{
		Artifacts: []string{written.RelPath, string(artifact.TypeReports) + "/" + artifact.QualityReportLatest},
		Message:   fmt.Sprintf("quality report generated, score %.0f", report.OverallScore),
	}, nil
}

// analyzeModule folds one module's header and source into the merged
// metrics and emits banned-pattern issues. Returns whether the source
// file is effectively empty.
func (a *QualityAgent) analyzeModule(rc *RunContext, moduleID string, merged *CodeMetrics, issues *[]Issue) (sourceEmpty bool) {
	sourceEmpty = true
	for _, name := range []string{moduleID + ".h", moduleID + ".c"} {
		data, err := rc.Store.Read(rc.RunID, a.ID(), artifact.TypeModuleCode, moduleID+"/"+name)
		if err != nil {
			continue
		}
		if strings.HasSuffix(name, ".c") && strings.TrimSpace(string(data)) != "" {
			sourceEmpty = false
		}
		unit := AnalyzeC(string(data), moduleID+"/"+name)
		for _, bp := range unit.BannedPatterns {
			*issues = append(*issues, bannedIssue(bp, rc.Spec.SafetyCritical))
		}
		unit.BannedPatterns = nil
		merged.Merge(unit)
	}
	return sourceEmpty
}

func bannedIssue(bp BannedPattern, safetyCritical bool) Issue {
	switch bp.Kind {
	case "dynamic-allocation":
		sev := SeverityHigh
		if safetyCritical {
			sev = SeverityCritical
		}
		return Issue{
			Severity: sev,
			Type:     "dynamic-allocation",
			Message:  fmt.Sprintf("dynamic allocation at line %d", bp.Line),
			Location: bp.Location,
		}
	case "goto":
		return Issue{
			Severity: SeverityMedium,
			Type:     "control-flow",
			Message:  fmt.Sprintf("goto at line %d", bp.Line),
			Location: bp.Location,
		}
	default:
		return Issue{
			Severity: SeverityLow,
			Type:     "control-flow",
			Message:  fmt.Sprintf("unbounded loop at line %d; ensure the watchdog is serviced inside", bp.Line),
			Location: bp.Location,
		}
	}
}

// qualitativeAnalysis performs the agent's single LM call.
func (a *QualityAgent) qualitativeAnalysis(ctx context.Context, rc *RunContext, codeBlocks []string) (string, error) {
	ragRes := rc.Retrieval.Query(retrieval.Query{Text: "quality and static analysis rules", TopK: 3})
	text, err := renderPrompt(rc, "quality", map[string]string{
		"AGENT_ROLE":     "a firmware quality reviewer",
		"CONSTRAINTS":    "Flag MISRA/CERT issues. " + constraintLines(rc.Spec),
		"RAG_CONTEXT":    ragRes.Context,
		"MODULES":        modulesOutline(rc.Spec.Modules),
		"CODE_ARTIFACTS": excerpt(strings.Join(codeBlocks, "\n"), codeArtifactsLimit),
	})
	if err != nil {
		return "", err
	}
	return rc.LM.Complete(ctx, text)
}

// buildMetrics converts raw measurements into the report's metric map
// and derives issues from threshold breaches.
func buildMetrics(m CodeMetrics) (map[string]MetricValue, []Issue) {
	var issues []Issue

	metrics := map[string]MetricValue{
		"total_lines":     {Value: float64(m.TotalLines), Unit: "lines", Status: StatusPass},
		"banned_patterns": gradeMax(float64(len(m.BannedPatterns)), 0, 0, ""),
	}

	avgLen := round1(m.AvgFunctionLength)
	metrics["avg_function_length"] = gradeMax(avgLen, 50, 80, "lines")
	if metrics["avg_function_length"].Status == StatusFail {
		issues = append(issues, Issue{
			Severity: SeverityLow,
			Type:     "complexity",
			Message:  fmt.Sprintf("average function length %.1f lines exceeds 80", avgLen),
		})
	}

	metrics["max_nesting_depth"] = gradeMax(float64(m.MaxNesting), 4, 5, "levels")
	if metrics["max_nesting_depth"].Status == StatusFail {
		issues = append(issues, Issue{
			Severity: SeverityMedium,
			Type:     "complexity",
			Message:  fmt.Sprintf("maximum nesting depth %d exceeds 5", m.MaxNesting),
		})
	}

	metrics["magic_numbers"] = gradeMax(float64(m.MagicNumbers), 10, 25, "")
	if metrics["magic_numbers"].Status == StatusFail {
		issues = append(issues, Issue{
			Severity: SeverityLow,
			Type:     "style",
			Message:  fmt.Sprintf("%d magic numbers; name them with #define or enum constants", m.MagicNumbers),
		})
	}

	density := round1(m.CommentDensity())
	densityMetric := MetricValue{Value: density, Unit: "%", Target: 10, Status: StatusPass}
	switch {
	case density < 5:
		densityMetric.Status = StatusFail
		issues = append(issues, Issue{
			Severity: SeverityLow,
			Type:     "style",
			Message:  fmt.Sprintf("comment density %.1f%% is below 5%%", density),
		})
	case density < 10:
		densityMetric.Status = StatusWarning
	}
	metrics["comment_density"] = densityMetric

	complexity := round1(m.AvgComplexity)
	metrics["cyclomatic_complexity"] = gradeMax(complexity, 10, 15, "")
	if metrics["cyclomatic_complexity"].Status == StatusFail {
		issues = append(issues, Issue{
			Severity: SeverityMedium,
			Type:     "complexity",
			Message:  fmt.Sprintf("average cyclomatic complexity %.1f exceeds 15", complexity),
		})
	}

	return metrics, issues
}

// gradeMax grades a smaller-is-better metric: pass at or under target,
// warning at or under limit, fail above.
func gradeMax(value, target, limit float64, unit string) MetricValue {
	mv := MetricValue{Value: value, Unit: unit, Target: target, Status: StatusPass}
	switch {
	case value > limit:
		mv.Status = StatusFail
	case value > target:
		mv.Status = StatusWarning
	}
	return mv
}

// scoreIssues starts from 100 and subtracts per-severity penalties,
// clamping to [0, 100].
func scoreIssues(issues []Issue) int {
	score := 100
	for _, is := range issues {
		score -= severityPenalty[is.Severity]
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// recommendations derives a deterministic advice list from findings.
func recommendations(metrics map[string]MetricValue, issues []Issue) []string {
	recs := []string{}
	kinds := map[string]bool{}
	for _, is := range issues {
		kinds[is.Type] = true
	}
	if kinds["dynamic-allocation"] {
		recs = append(recs, "Replace dynamic allocation with static pools sized at compile time.")
	}
	if kinds["missing-module"] || kinds["empty-module"] {
		recs = append(recs, "Regenerate the failed modules before release.")
	}
	if kinds["missing-tests"] {
		recs = append(recs, "Add unit tests for the untested modules.")
	}
	if metrics["max_nesting_depth"].Status != StatusPass {
		recs = append(recs, "Flatten control flow; keep nesting at or below 4 levels.")
	}
	if metrics["magic_numbers"].Status != StatusPass {
		recs = append(recs, "Name numeric constants with #define or enums.")
	}
	if metrics["comment_density"].Status != StatusPass {
		recs = append(recs, "Document module interfaces; aim for at least 10% comment density.")
	}
	recs = append(recs, "Run MISRA-C static analysis before release.")
	return recs
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
