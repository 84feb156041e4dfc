package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/firmforge/firmforge/internal/agents"
	"github.com/firmforge/firmforge/internal/common/errors"
	"github.com/firmforge/firmforge/internal/events"
	"github.com/firmforge/firmforge/internal/llm"
	v1 "github.com/firmforge/firmforge/pkg/api/v1"
)

// Stage labels recorded in RunState and carried on events.
const (
	stageArchitecture = "architecture"
	stageCode         = "code"
	stageTests        = "tests"
	stageQuality      = "quality"
	stageBuild        = "build"
)

// Stage weights for the progress model; they sum to 100. The code
// stage accrues proportionally per finished module; a stage skipped by
// run options still counts toward completion.
const (
	weightArchitecture = 20
	weightCode         = 40
	weightTests        = 15
	weightQuality      = 15
	weightBuild        = 10
)

type moduleOutcome struct {
	module v1.ModuleSpec
	err    error
}

// execute drives one run through the DAG. It is the only goroutine
// mutating the run's state.
func (o *Orchestrator) execute(runID string, spec v1.Specification, opts v1.RunOptions, client llm.Client) {
	log := o.logger.WithRunID(runID)
	rc := &agents.RunContext{
		RunID:         runID,
		Spec:          spec,
		Options:       opts,
		Store:         o.store,
		MCP:           o.authz,
		Retrieval:     o.retrieval,
		LM:            client,
		Prompts:       o.prompts,
		PromptVersion: o.promptVersion,
		HasCompiler:   o.compiler != "",
		Compiler:      o.compiler,
		Clock:         o.clock,
		Logger:        log,
	}

	o.markRunning(runID)
	o.publish(runID, events.RunStarted, map[string]interface{}{"run_id": runID})
	log.Info("run started",
		zap.String("project", spec.ProjectName),
		zap.String("mcu", spec.MCU),
		zap.Int("modules", len(spec.Modules)))

	// Architecture is the root of the DAG; nothing proceeds without it.
	if !o.beginStage(runID, stageArchitecture) {
		return
	}
	if _, err := o.runAgent(rc, agents.NewArchitecture()); err != nil {
		o.failStage(runID, stageArchitecture, err)
		return
	}
	base := weightArchitecture
	o.completeStage(runID, stageArchitecture, base)

	if opts.ArchitectureOnly || len(spec.Modules) == 0 {
		if len(spec.Modules) == 0 {
			o.addWarning(runID, "no modules declared; code generation, tests, quality and build skipped")
		}
		o.finalizeCompleted(runID)
		return
	}

	// Code, one agent per module, fanned out on the pool.
	if !o.beginStage(runID, stageCode) {
		return
	}
	total := len(spec.Modules)
	outcomes := o.fanOut(rc, spec.Modules,
		func(m v1.ModuleSpec) agents.Agent { return agents.NewCode(m) },
		func(m v1.ModuleSpec, err error) {
			if err != nil {
				log.Warn("module code generation failed",
					zap.String("module_id", m.ID), zap.Error(err))
				return
			}
			done, progress := o.advanceCodeModule(runID, total)
			o.publish(runID, events.RunProgress, map[string]interface{}{
				"run_id":        runID,
				"stage":         stageCode,
				"module_id":     m.ID,
				"modules_done":  done,
				"modules_total": total,
				"progress":      progress,
			})
		})

	var generated []v1.ModuleSpec
	var failed []moduleOutcome
	for _, oc := range outcomes {
		if oc.err != nil {
			failed = append(failed, oc)
		} else {
			generated = append(generated, oc.module)
		}
	}

	if len(generated) == 0 {
		for _, oc := range failed {
			o.addError(runID, fmt.Sprintf("module %s failed: %s", oc.module.ID, userMessage(oc.err)))
		}
		o.failStageMsg(runID, stageCode, "no module produced code")
		return
	}
	if len(failed) > 0 && spec.SafetyCritical {
		for _, oc := range failed {
			o.addError(runID, fmt.Sprintf("module %s failed: %s", oc.module.ID, userMessage(oc.err)))
		}
		o.failStageMsg(runID, stageCode, "safety-critical run does not tolerate failed modules")
		return
	}
	for _, oc := range failed {
		o.addWarning(runID, fmt.Sprintf("module %s failed: %s", oc.module.ID, userMessage(oc.err)))
	}
	base += weightCode * len(generated) / total
	o.completeStage(runID, stageCode, base)

	// Tests, per module, only for modules that produced code.
	if opts.IncludeTests {
		if !o.beginStage(runID, stageTests) {
			return
		}
		for _, oc := range failed {
			o.addWarning(runID, fmt.Sprintf("module %s has no code artifact; tests skipped", oc.module.ID))
		}
		testOutcomes := o.fanOut(rc, generated,
			func(m v1.ModuleSpec) agents.Agent { return agents.NewTest(m) }, nil)
		for _, oc := range testOutcomes {
			if oc.err != nil {
				o.failStage(runID, stageTests, oc.err)
				return
			}
		}
		base += weightTests
		o.completeStage(runID, stageTests, base)
	} else {
		base += weightTests
	}

	// Quality over whatever code exists; gaps become report issues.
	if opts.RunQualityChecks {
		if !o.beginStage(runID, stageQuality) {
			return
		}
		res, err := o.runAgent(rc, agents.NewQuality())
		if err != nil {
			o.failStage(runID, stageQuality, err)
			return
		}
		o.addWarnings(runID, res.Warnings)
		base += weightQuality
		o.completeStage(runID, stageQuality, base)
	} else {
		base += weightQuality
	}

	// Build always closes the pipeline.
	if !o.beginStage(runID, stageBuild) {
		return
	}
	res, err := o.runAgent(rc, agents.NewBuild())
	if err != nil {
		o.failStage(runID, stageBuild, err)
		return
	}
	o.addWarnings(runID, res.Warnings)
	base += weightBuild
	o.completeStage(runID, stageBuild, base)

	// A partial module set fails the run even though the terminal
	// stages ran; the per-module detail is already in warnings.
	if len(failed) > 0 {
		o.addError(runID, fmt.Sprintf("module set incomplete: %d of %d modules generated",
			len(generated), total))
		o.finalizeFailed(runID)
		return
	}
	o.finalizeCompleted(runID)
}

// fanOut runs one agent per module through the shared pool, bounded by
// the per-run module worker limit. done, when set, is called from the
// module's goroutine as each agent finishes.
func (o *Orchestrator) fanOut(rc *agents.RunContext, modules []v1.ModuleSpec,
	build func(v1.ModuleSpec) agents.Agent, done func(m v1.ModuleSpec, err error)) []moduleOutcome {
	limit := o.cfg.ModuleWorkers
	if limit <= 0 {
		limit = 4
	}
	if len(modules) < limit {
		limit = len(modules)
	}
	sem := semaphore.NewWeighted(int64(limit))
	outcomes := make([]moduleOutcome, len(modules))
	var wg sync.WaitGroup
	for i, m := range modules {
		wg.Add(1)
		go func(i int, m v1.ModuleSpec) {
			defer wg.Done()
			if err := sem.Acquire(context.Background(), 1); err != nil {
				outcomes[i] = moduleOutcome{module: m, err: err}
				return
			}
			defer sem.Release(1)
			_, err := o.runAgent(rc, build(m))
			outcomes[i] = moduleOutcome{module: m, err: err}
			if done != nil {
				done(m, err)
			}
		}(i, m)
	}
	wg.Wait()
	return outcomes
}

// runAgent executes one agent on the shared pool under the per-agent
// timeout. Panics are contained at this boundary; a timeout abandons
// the in-flight call and fails the stage.
func (o *Orchestrator) runAgent(rc *agents.RunContext, ag agents.Agent) (*agents.Result, error) {
	timeout := o.agentTimeout(rc.LM.Provider())
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type outcome struct {
		res *agents.Result
		err error
	}
	ch := make(chan outcome, 1)
	accepted := o.pool.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("agent panicked",
					zap.String("run_id", rc.RunID),
					zap.String("agent_id", ag.ID()),
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())))
				ch <- outcome{err: errors.InternalError(
					fmt.Sprintf("agent %s panicked", ag.ID()), fmt.Errorf("%v", r))}
			}
		}()
		res, err := ag.Execute(ctx, rc)
		ch <- outcome{res: res, err: err}
	})
	if !accepted {
		return nil, errors.Conflict("orchestrator is shutting down")
	}
	select {
	case out := <-ch:
		return out.res, out.err
	case <-ctx.Done():
		return nil, errors.Timeout(ag.ID(), timeout)
	}
}

func (o *Orchestrator) agentTimeout(provider string) time.Duration {
	if provider == "mock" {
		return o.cfg.MockTimeout()
	}
	return o.cfg.RealTimeout()
}

// beginStage polls the cancellation flag and records the new stage.
// Returns false when the run was cancelled and finalized.
func (o *Orchestrator) beginStage(runID, stage string) bool {
	if o.isCancelled(runID) {
		o.finalizeCancelled(runID)
		return false
	}
	o.setStage(runID, stage)
	o.publish(runID, events.RunStageStarted, map[string]interface{}{
		"run_id": runID,
		"stage":  stage,
	})
	return true
}

func (o *Orchestrator) completeStage(runID, stage string, progress int) {
	o.setProgress(runID, progress)
	o.refreshCounts(runID)
	o.publish(runID, events.RunStageCompleted, map[string]interface{}{
		"run_id":   runID,
		"stage":    stage,
		"progress": progress,
	})
}

func (o *Orchestrator) failStage(runID, stage string, err error) {
	o.failStageMsg(runID, stage, userMessage(err))
}

// failStageMsg records the stage error and finalizes the run as failed.
func (o *Orchestrator) failStageMsg(runID, stage, msg string) {
	o.addError(runID, msg)
	o.publish(runID, events.RunStageFailed, map[string]interface{}{
		"run_id": runID,
		"stage":  stage,
		"error":  msg,
	})
	o.logger.WithRunID(runID).Error("stage failed",
		zap.String("stage", stage),
		zap.String("error", msg))
	o.finalizeFailed(runID)
}

func (o *Orchestrator) finalizeCompleted(runID string) {
	o.refreshCounts(runID)
	state := o.finalize(runID, v1.RunStatusCompleted, 100)
	o.publish(runID, events.RunCompleted, map[string]interface{}{
		"run_id":   runID,
		"progress": state.Progress,
	})
	o.logger.WithRunID(runID).Info("run completed",
		zap.Int("progress", state.Progress),
		zap.Int("warnings", len(state.Warnings)))
}

func (o *Orchestrator) finalizeFailed(runID string) {
	o.refreshCounts(runID)
	state := o.finalize(runID, v1.RunStatusFailed, 0)
	o.publish(runID, events.RunFailed, map[string]interface{}{
		"run_id": runID,
		"errors": state.Errors,
	})
	o.logger.WithRunID(runID).Warn("run failed",
		zap.Strings("errors", state.Errors))
}

func (o *Orchestrator) finalizeCancelled(runID string) {
	o.addError(runID, "cancelled")
	o.refreshCounts(runID)
	state := o.finalize(runID, v1.RunStatusFailed, 0)
	o.publish(runID, events.RunCancelled, map[string]interface{}{
		"run_id": runID,
		"errors": state.Errors,
	})
	o.logger.WithRunID(runID).Info("run cancelled")
}

// userMessage extracts the operator-facing text of an error, without
// the machine code prefix AppError carries in Error().
func userMessage(err error) string {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		if appErr.Err != nil {
			return appErr.Message + ": " + appErr.Err.Error()
		}
		return appErr.Message
	}
	return err.Error()
}
