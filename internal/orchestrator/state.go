package orchestrator

import (
	"time"

	v1 "github.com/firmforge/firmforge/pkg/api/v1"
)

// runEntry is the internal record for one run. Only the run's driver
// goroutine mutates it (under the orchestrator lock); readers get
// detached copies.
type runEntry struct {
	state       v1.RunState
	submittedAt time.Time
	cancelled   bool
	codeDone    int
}

// cloneState returns a copy sharing no memory with the original, so a
// snapshot stays stable while the run keeps appending warnings.
func cloneState(s v1.RunState) v1.RunState {
	out := s
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	out.Errors = append([]string(nil), s.Errors...)
	out.Warnings = append([]string(nil), s.Warnings...)
	return out
}

func (o *Orchestrator) isCancelled(runID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if entry, ok := o.runs[runID]; ok {
		return entry.cancelled
	}
	return false
}

func (o *Orchestrator) markRunning(runID string) {
	now := o.clock()
	o.mu.Lock()
	if entry, ok := o.runs[runID]; ok {
		entry.state.Status = v1.RunStatusRunning
		entry.state.StartedAt = &now
	}
	o.mu.Unlock()
}

func (o *Orchestrator) setStage(runID, stage string) {
	o.mu.Lock()
	if entry, ok := o.runs[runID]; ok {
		entry.state.CurrentStage = stage
	}
	o.mu.Unlock()
}

// setProgress raises the run's progress to p. Progress never moves
// backwards.
func (o *Orchestrator) setProgress(runID string, p int) {
	o.mu.Lock()
	if entry, ok := o.runs[runID]; ok && p > entry.state.Progress {
		entry.state.Progress = p
	}
	o.mu.Unlock()
}

// advanceCodeModule credits one finished module and returns the new
// progress value for the progress event.
func (o *Orchestrator) advanceCodeModule(runID string, total int) (done, progress int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.runs[runID]
	if !ok || total <= 0 {
		return 0, 0
	}
	entry.codeDone++
	p := weightArchitecture + weightCode*entry.codeDone/total
	if p > entry.state.Progress {
		entry.state.Progress = p
	}
	return entry.codeDone, entry.state.Progress
}

func (o *Orchestrator) addWarning(runID, warning string) {
	o.mu.Lock()
	if entry, ok := o.runs[runID]; ok {
		entry.state.Warnings = append(entry.state.Warnings, warning)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) addWarnings(runID string, warnings []string) {
	if len(warnings) == 0 {
		return
	}
	o.mu.Lock()
	if entry, ok := o.runs[runID]; ok {
		entry.state.Warnings = append(entry.state.Warnings, warnings...)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) addError(runID, msg string) {
	o.mu.Lock()
	if entry, ok := o.runs[runID]; ok {
		entry.state.Errors = append(entry.state.Errors, msg)
	}
	o.mu.Unlock()
}

// refreshCounts re-reads per-category artifact totals from disk. The
// walk happens outside the lock.
func (o *Orchestrator) refreshCounts(runID string) {
	counts, err := o.store.Counts(runID)
	if err != nil {
		return
	}
	o.mu.Lock()
	if entry, ok := o.runs[runID]; ok {
		entry.state.ArtifactCounts = counts
	}
	o.mu.Unlock()
}

// finalize marks the run terminal and returns the final snapshot.
func (o *Orchestrator) finalize(runID string, status v1.RunStatus, progress int) v1.RunState {
	now := o.clock()
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.runs[runID]
	if !ok {
		return v1.RunState{}
	}
	entry.state.Status = status
	entry.state.CompletedAt = &now
	entry.state.CurrentStage = ""
	if progress > entry.state.Progress {
		entry.state.Progress = progress
	}
	return cloneState(entry.state)
}
