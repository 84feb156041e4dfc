package agents

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firmforge/firmforge/internal/artifact"
	"github.com/firmforge/firmforge/internal/common/errors"
	v1 "github.com/firmforge/firmforge/pkg/api/v1"
)

var reportNamePattern = regexp.MustCompile(`^\d{8}T\d{6}Z_quality_agent_[0-9a-f]{32}\.txt$`)

func readReport(t *testing.T, rc *RunContext) (string, QualityReport) {
	t.Helper()
	dir := filepath.Join(rc.Store.RunDir(rc.RunID), string(artifact.TypeReports))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var name string
	for _, e := range entries {
		if reportNamePattern.MatchString(e.Name()) {
			name = e.Name()
		}
	}
	require.NotEmpty(t, name, "no archived quality report found")

	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	var report QualityReport
	require.NoError(t, json.Unmarshal(data, &report))
	return name, report
}

func TestQualityAgentCleanModule(t *testing.T) {
	spec := specWithModules(uartModule())
	rc, _ := newRunContext(t, spec)
	seedModuleCode(t, rc, "uart0", sampleHeader, sampleSource)
	seedTests(t, rc, "uart0", "static void test_init(void) {}\n")

	res, err := NewQuality().Execute(context.Background(), rc)
	require.NoError(t, err)
	require.Len(t, res.Artifacts, 2)

	_, report := readReport(t, rc)
	assert.Equal(t, 100.0, report.OverallScore)
	assert.Equal(t, "quality_analysis", report.ReportType)
	assert.Equal(t, "2026-03-14T09:30:00Z", report.Timestamp)
	assert.Empty(t, report.Issues)
	assert.Equal(t, 1, report.AnalysisSummary.ModulesAnalyzed)
	assert.Equal(t, 1, report.AnalysisSummary.TestFilesFound)
	assert.NotEmpty(t, report.AnalysisSummary.LLMAnalysisExcerpt)

	assert.Equal(t, StatusPass, report.Metrics["banned_patterns"].Status)
	assert.Equal(t, StatusPass, report.Metrics["max_nesting_depth"].Status)
	assert.Equal(t, StatusWarning, report.Metrics["comment_density"].Status)
	assert.Contains(t, report.Recommendations, "Run MISRA-C static analysis before release.")
}

func TestQualityAgentLatestPointerMatchesArchive(t *testing.T) {
	spec := specWithModules(uartModule())
	rc, _ := newRunContext(t, spec)
	seedModuleCode(t, rc, "uart0", sampleHeader, sampleSource)
	seedTests(t, rc, "uart0", "static void test_init(void) {}\n")

	_, err := NewQuality().Execute(context.Background(), rc)
	require.NoError(t, err)

	name, _ := readReport(t, rc)
	dir := filepath.Join(rc.Store.RunDir(rc.RunID), string(artifact.TypeReports))
	archived, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	latest, err := os.ReadFile(filepath.Join(dir, artifact.QualityReportLatest))
	require.NoError(t, err)
	assert.Equal(t, archived, latest)
}

func TestQualityAgentFlagsMissingModule(t *testing.T) {
	spec := specWithModules(uartModule(), v1.ModuleSpec{ID: "spi1", Name: "SPI1", Type: v1.ModuleTypeSPI})
	rc, _ := newRunContext(t, spec)
	seedModuleCode(t, rc, "uart0", sampleHeader, sampleSource)
	seedTests(t, rc, "uart0", "static void test_init(void) {}\n")

	_, err := NewQuality().Execute(context.Background(), rc)
	require.NoError(t, err)

	_, report := readReport(t, rc)
	assert.Equal(t, 90.0, report.OverallScore)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, SeverityHigh, report.Issues[0].Severity)
	assert.Equal(t, "missing-module", report.Issues[0].Type)
	assert.Contains(t, report.Issues[0].Message, "spi1")
	assert.Equal(t, 1, report.AnalysisSummary.ModulesAnalyzed)
	assert.Contains(t, report.Recommendations, "Regenerate the failed modules before release.")
}

func TestQualityAgentFlagsEmptySource(t *testing.T) {
	spec := specWithModules(v1.ModuleSpec{ID: "adc1", Name: "ADC1", Type: v1.ModuleTypeADC})
	rc, _ := newRunContext(t, spec)
	seedModuleCode(t, rc, "adc1", "#ifndef ADC1_H\n#define ADC1_H\n#endif\n", "")

	_, err := NewQuality().Execute(context.Background(), rc)
	require.NoError(t, err)

	_, report := readReport(t, rc)
	var kinds []string
	for _, is := range report.Issues {
		kinds = append(kinds, is.Type)
		if is.Type == "empty-module" {
			assert.Equal(t, SeverityHigh, is.Severity)
			assert.Equal(t, "adc1/adc1.c", is.Location)
		}
	}
	assert.Contains(t, kinds, "empty-module")
	assert.Contains(t, kinds, "missing-tests")
}

func TestQualityAgentSafetyCriticalRaisesAllocationSeverity(t *testing.T) {
	spec := specWithModules(uartModule())
	spec.SafetyCritical = true
	rc, _ := newRunContext(t, spec)
	seedModuleCode(t, rc, "uart0", sampleHeader,
		"#include \"pump.h\"\n\nvoid pump_feed(void)\n{\n    char *p = malloc(8);\n    free(p);\n}\n")
	seedTests(t, rc, "uart0", "static void test_init(void) {}\n")

	_, err := NewQuality().Execute(context.Background(), rc)
	require.NoError(t, err)

	_, report := readReport(t, rc)
	count := 0
	for _, is := range report.Issues {
		if is.Type == "dynamic-allocation" {
			count++
			assert.Equal(t, SeverityCritical, is.Severity)
		}
	}
	assert.Equal(t, 2, count, "malloc and free both flagged")
}

func TestQualityAgentBlockedWithoutAnyCode(t *testing.T) {
	spec := specWithModules(uartModule())
	rc, _ := newRunContext(t, spec)

	_, err := NewQuality().Execute(context.Background(), rc)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDependencyMissing, errors.Code(err))
	assert.Contains(t, err.Error(), "blocked:module_code")
}

func TestQualityAgentPropagatesLMFailure(t *testing.T) {
	spec := specWithModules(uartModule())
	rc, mock := newRunContext(t, spec)
	seedModuleCode(t, rc, "uart0", sampleHeader, sampleSource)
	seedTests(t, rc, "uart0", "static void test_init(void) {}\n")
	mock.FailWhen(func(prompt string) error {
		return errors.UpstreamUnavailable("mock", assert.AnError)
	})

	_, err := NewQuality().Execute(context.Background(), rc)
	require.Error(t, err)
	assert.True(t, errors.IsUpstreamUnavailable(err))

	_, statErr := os.Stat(filepath.Join(rc.Store.RunDir(rc.RunID), string(artifact.TypeReports)))
	assert.True(t, os.IsNotExist(statErr), "no report directory should exist after LM failure")
}

func TestScoreIssuesArithmeticAndClamping(t *testing.T) {
	cases := []struct {
		name   string
		issues []Issue
		want   int
	}{
		{"no issues", nil, 100},
		{"one of each severity", []Issue{
			{Severity: SeverityCritical},
			{Severity: SeverityHigh},
			{Severity: SeverityMedium},
			{Severity: SeverityLow},
		}, 60},
		{"floor at zero", []Issue{
			{Severity: SeverityCritical},
			{Severity: SeverityCritical},
			{Severity: SeverityCritical},
			{Severity: SeverityCritical},
			{Severity: SeverityCritical},
		}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, scoreIssues(tc.issues))
		})
	}
}
