// Package orchestrator owns the generation pipeline: it admits runs,
// drives the agent DAG through a shared worker pool, and maintains the
// externally visible RunState for every run.
package orchestrator

import (
	"context"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/firmforge/firmforge/internal/artifact"
	"github.com/firmforge/firmforge/internal/common/config"
	"github.com/firmforge/firmforge/internal/common/errors"
	"github.com/firmforge/firmforge/internal/common/logger"
	"github.com/firmforge/firmforge/internal/events"
	"github.com/firmforge/firmforge/internal/events/bus"
	"github.com/firmforge/firmforge/internal/llm"
	"github.com/firmforge/firmforge/internal/mcp"
	"github.com/firmforge/firmforge/internal/prompt"
	"github.com/firmforge/firmforge/internal/retrieval"
	v1 "github.com/firmforge/firmforge/pkg/api/v1"
)

// Orchestrator sequences the agent DAG for every submitted run.
type Orchestrator struct {
	cfg           config.PipelineConfig
	promptVersion string

	store     *artifact.Store
	authz     *mcp.MCP
	retrieval *retrieval.Engine
	prompts   *prompt.Loader
	factory   *llm.Factory
	bus       bus.EventBus
	logger    *logger.Logger

	pool  *workerPool
	clock func() time.Time

	// clientFor builds the per-run LM client; tests swap it to inject
	// failing models.
	clientFor func(provider v1.ModelProvider, model, apiKey string) (llm.Client, error)

	// compiler is the C compiler found at startup; empty selects
	// source-only packaging.
	compiler string

	mu   sync.RWMutex
	runs map[string]*runEntry
}

// New assembles the orchestrator. compiler may be empty when no C
// compiler was discovered at startup.
func New(cfg *config.Config, store *artifact.Store, authz *mcp.MCP, engine *retrieval.Engine,
	prompts *prompt.Loader, factory *llm.Factory, eventBus bus.EventBus, compiler string,
	log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Default()
	}
	pipeline := cfg.Pipeline
	workers := pipeline.ModuleWorkers * pipeline.MaxConcurrentRuns
	return &Orchestrator{
		cfg:           pipeline,
		promptVersion: cfg.Prompts.Version,
		store:         store,
		authz:         authz,
		retrieval:     engine,
		prompts:       prompts,
		factory:       factory,
		bus:           eventBus,
		logger:        log.WithFields(zap.String("component", "orchestrator")),
		pool:          newWorkerPool(workers, pipeline.QueueSize),
		clock:         time.Now,
		clientFor:     factory.ClientFor,
		compiler:      compiler,
		runs:          make(map[string]*runEntry),
	}
}

// DiscoverCompiler looks for a usable C compiler on PATH, preferring
// the embedded cross toolchain.
func DiscoverCompiler() string {
	for _, name := range []string{"arm-none-eabi-gcc", "avr-gcc", "xtensa-esp32-elf-gcc", "gcc", "cc"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

// Submit validates the specification, registers the run, and starts
// executing it asynchronously. The returned run id is immediately
// pollable. The specification's API key is used to build the LM client
// and is never stored.
func (o *Orchestrator) Submit(spec v1.Specification, opts v1.RunOptions) (string, error) {
	if spec.ModelProvider == "" {
		spec.ModelProvider = o.factory.DefaultProvider()
	}
	if err := spec.Normalize(); err != nil {
		return "", errors.InvalidInput(err.Error())
	}

	client, err := o.clientFor(spec.ModelProvider, spec.ModelName, spec.APIKey)
	if err != nil {
		return "", err
	}
	redacted := spec.Redacted()

	runID := newRunID()
	entry := &runEntry{
		state: v1.RunState{
			RunID:     runID,
			Status:    v1.RunStatusPending,
			OutputDir: o.store.RunDir(runID),
		},
		submittedAt: o.clock(),
	}

	o.mu.Lock()
	active := 0
	for _, e := range o.runs {
		if !e.state.Status.Terminal() {
			active++
		}
	}
	if o.cfg.MaxConcurrentRuns > 0 && active >= o.cfg.MaxConcurrentRuns {
		o.mu.Unlock()
		return "", errors.Conflict("maximum concurrent runs reached")
	}
	o.runs[runID] = entry
	o.mu.Unlock()

	if _, err := o.store.EnsureRun(runID); err != nil {
		o.mu.Lock()
		delete(o.runs, runID)
		o.mu.Unlock()
		return "", err
	}

	o.logger.Info("run submitted",
		zap.String("run_id", runID),
		zap.String("project", redacted.ProjectName),
		zap.Int("modules", len(redacted.Modules)),
		zap.String("provider", string(redacted.ModelProvider)))
	o.publish(runID, events.RunSubmitted, map[string]interface{}{
		"run_id":  runID,
		"project": redacted.ProjectName,
		"modules": len(redacted.Modules),
	})

	go o.execute(runID, redacted, opts, client)
	return runID, nil
}

// Cancel requests cancellation of an active run. The flag is honored
// at the next stage boundary; a blocked LM call is bounded only by its
// timeout.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.runs[runID]
	if !ok {
		return errors.NotFound("run", runID)
	}
	if entry.state.Status.Terminal() {
		return errors.Conflict("run '" + runID + "' already finished")
	}
	entry.cancelled = true
	return nil
}

// Get returns a snapshot of one run's state.
func (o *Orchestrator) Get(runID string) (v1.RunState, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	entry, ok := o.runs[runID]
	if !ok {
		return v1.RunState{}, false
	}
	return cloneState(entry.state), true
}

// List returns snapshots of all known runs, newest first.
func (o *Orchestrator) List() []v1.RunState {
	o.mu.RLock()
	type item struct {
		at    time.Time
		state v1.RunState
	}
	items := make([]item, 0, len(o.runs))
	for _, entry := range o.runs {
		items = append(items, item{at: entry.submittedAt, state: cloneState(entry.state)})
	}
	o.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].at.Equal(items[j].at) {
			return items[i].at.After(items[j].at)
		}
		return items[i].state.RunID < items[j].state.RunID
	})
	out := make([]v1.RunState, len(items))
	for i, it := range items {
		out[i] = it.state
	}
	return out
}

// Close drains the worker pool. Active runs finish their in-flight
// stage; no new stage tasks are accepted.
func (o *Orchestrator) Close() {
	o.pool.Close()
}

func (o *Orchestrator) publish(runID, eventType string, data map[string]interface{}) {
	if o.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	evt := bus.NewEvent(eventType, "orchestrator", data)
	if err := o.bus.Publish(ctx, events.SubjectRun(runID), evt); err != nil {
		o.logger.Warn("event publish failed",
			zap.String("run_id", runID),
			zap.String("type", eventType),
			zap.Error(err))
	}
}

func newRunID() string {
	return "run_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
