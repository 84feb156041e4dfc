// Package events provides event types and utilities for the FirmForge event system.
package events

import "fmt"

// Event types for generation runs
const (
	RunSubmitted      = "run.submitted"
	RunStarted        = "run.started"
	RunStageStarted   = "run.stage.started"
	RunStageCompleted = "run.stage.completed"
	RunStageFailed    = "run.stage.failed"
	RunProgress       = "run.progress"
	RunCompleted      = "run.completed"
	RunFailed         = "run.failed"
	RunCancelled      = "run.cancelled"

	// RunSnapshot is synthesized by the API for websocket subscribers
	// joining mid-run; it never appears on the bus itself.
	RunSnapshot = "run.snapshot"
)

// Terminal reports whether an event type marks the end of a run.
func Terminal(eventType string) bool {
	switch eventType {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// SubjectRun returns the bus subject carrying a single run's events.
// Run IDs are server-generated UUIDs and never contain subject separators.
func SubjectRun(runID string) string {
	return fmt.Sprintf("run.%s", runID)
}

// SubjectAllRuns matches every run's subject.
const SubjectAllRuns = "run.>"
