package v1

import "time"

// RunStatus represents the lifecycle state of a generation run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// RunOptions are the per-run switches accepted at submission time
// alongside the specification. Zero value means everything enabled
// except architecture-only mode.
type RunOptions struct {
	IncludeTests     bool `json:"include_tests"`
	RunQualityChecks bool `json:"run_quality_checks"`
	ArchitectureOnly bool `json:"architecture_only"`
}

// DefaultRunOptions enables the full pipeline.
func DefaultRunOptions() RunOptions {
	return RunOptions{IncludeTests: true, RunQualityChecks: true}
}

// ArtifactCounts holds per-category artifact totals for a run
type ArtifactCounts struct {
	Architecture int `json:"architecture"`
	Code         int `json:"code"`
	Tests        int `json:"tests"`
	Reports      int `json:"reports"`
	Build        int `json:"build"`
}

// RunState is the externally visible state of a generation run.
// It is produced by the orchestrator and read by the HTTP API; all
// reads observe a consistent snapshot.
type RunState struct {
	RunID          string         `json:"run_id"`
	Status         RunStatus      `json:"status"`
	Progress       int            `json:"progress"`
	CurrentStage   string         `json:"current_stage,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	ArtifactCounts ArtifactCounts `json:"artifact_counts"`
	Errors         []string       `json:"errors,omitempty"`
	Warnings       []string       `json:"warnings,omitempty"`
	OutputDir      string         `json:"output_dir,omitempty"`
}

// ArtifactInfo describes one stored artifact file
type ArtifactInfo struct {
	RunID      string    `json:"run_id"`
	Category   string    `json:"category"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// RunLogs bundles the build logs and quality reports of a run, newest first
type RunLogs struct {
	RunID          string                   `json:"run_id"`
	OutputDir      string                   `json:"output_dir"`
	BuildLogs      []map[string]interface{} `json:"build_logs"`
	QualityReports []map[string]interface{} `json:"quality_reports"`
}

// Process exit codes shared with CLI wrappers driving single runs.
const (
	ExitSuccess       = 0
	ExitInvalidInput  = 2
	ExitRunFailed     = 3
	ExitLMUnavailable = 4
)
