package agents

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/firmforge/firmforge/internal/artifact"
	"github.com/firmforge/firmforge/internal/common/errors"
	"github.com/firmforge/firmforge/internal/mcp"
)

// Build types and compilation statuses recorded in the build log.
const (
	BuildTypeSourceOnly = "source_only"
	BuildTypeCompiled   = "compiled"

	CompilationSuccess = "success"
	CompilationFailed  = "failed"
	CompilationSkipped = "skipped"
)

// BuildLog is the JSON document summarizing build readiness. Paths are
// run-relative so the log is stable across runs of the same
// specification.
type BuildLog struct {
	BuildType          string                 `json:"build_type"`
	CompilationStatus  string                 `json:"compilation_status"`
	Compiler           *string                `json:"compiler"`
	BuildTypeLabel     string                 `json:"build_type_label"`
	TotalModules       int                    `json:"total_modules"`
	ModulesCompiled    int                    `json:"modules_compiled"`
	CompilationDetails map[string]interface{} `json:"compilation_details"`
	Modules            map[string]interface{} `json:"modules"`
	UnitTests          *UnitTestSummary       `json:"unit_tests,omitempty"`
	Notes              []string               `json:"notes"`
}

// UnitTestSummary reports test discovery. Tests are never executed
// here; the counts describe what a user toolchain would run.
type UnitTestSummary struct {
	Status  string `json:"status"`
	Summary struct {
		Passed int `json:"passed"`
		Failed int `json:"failed"`
	} `json:"summary"`
}

var testFuncPattern = regexp.MustCompile(`(?m)^\s*(?:static\s+)?void\s+test_[A-Za-z0-9_]+\s*\(`)

// BuildAgent validates that generated module code is complete and
// writes the build log. It never compiles; when a compiler was found
// at startup the log records what a compile invocation would look
// like.
type BuildAgent struct{}

// NewBuild returns the build agent.
func NewBuild() *BuildAgent { return &BuildAgent{} }

func (a *BuildAgent) ID() string { return mcp.AgentBuild }

func (a *BuildAgent) Inputs() []artifact.Type {
	return []artifact.Type{artifact.TypeModuleCode, artifact.TypeTests}
}

func (a *BuildAgent) Outputs() []artifact.Type {
	return []artifact.Type{artifact.TypeBuildLog, artifact.TypeArtifacts}
}

// Execute scans every declared module for its header/source pair,
// discovers test files, and writes build_log/build_log.json plus the
// package manifest under artifacts/.
func (a *BuildAgent) Execute(ctx context.Context, rc *RunContext) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := rc.Logger.WithAgentID(a.ID())

	modules := map[string]interface{}{}
	var missing []string
	var packaged []map[string]interface{}
	complete := 0

	for _, m := range rc.Spec.Modules {
		entry := map[string]interface{}{}
		both := true
		for _, suffix := range []string{".h", ".c"} {
			name := m.ID + suffix
			data, err := rc.Store.Read(rc.RunID, a.ID(), artifact.TypeModuleCode, m.ID+"/"+name)
			if err != nil {
				if errors.IsNotFound(err) {
					both = false
					continue
				}
				return nil, err
			}
			rel := filepath.ToSlash(filepath.Join(string(artifact.TypeModuleCode), m.ID, name))
			if suffix == ".h" {
				entry["header"] = rel
				entry["header_size"] = len(data)
			} else {
				entry["source"] = rel
				entry["source_size"] = len(data)
			}
			packaged = append(packaged, map[string]interface{}{"path": rel, "size": len(data)})
		}
		if len(entry) > 0 {
			modules[m.ID] = entry
		}
		if both && len(entry) == 4 {
			complete++
		} else {
			missing = append(missing, m.ID)
		}
	}

	if len(modules) == 0 && len(rc.Spec.Modules) > 0 {
		return nil, errors.DependencyMissing(string(artifact.TypeModuleCode))
	}

	testFiles, testFuncs, err := a.discoverTests(rc)
	if err != nil {
		return nil, err
	}

	buildLog := a.assembleLog(rc, modules, missing, complete, testFiles, testFuncs)

	written, err := rc.Store.WriteJSON(rc.RunID, a.ID(), artifact.TypeBuildLog, buildLog,
		artifact.WriteOptions{
			Filename:      "build_log.json",
			PromptVersion: rc.PromptVersion,
		})
	if err != nil {
		return nil, err
	}
	artifacts := []string{written.RelPath}

	if len(packaged) > 0 {
		manifest, err := rc.Store.WriteJSON(rc.RunID, a.ID(), artifact.TypeArtifacts,
			map[string]interface{}{
				"project": rc.Spec.ProjectName,
				"files":   packaged,
			}, artifact.WriteOptions{
				Filename:      "package_manifest.json",
				PromptVersion: rc.PromptVersion,
			})
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, manifest.RelPath)
	}

	var warnings []string
	if len(missing) > 0 {
		warnings = append(warnings,
			fmt.Sprintf("modules incomplete at build time: %s", strings.Join(missing, ", ")))
	}

	log.Info("build log written",
		zap.String("status", buildLog.CompilationStatus),
		zap.Int("total_modules", buildLog.TotalModules),
		zap.Int("modules_compiled", buildLog.ModulesCompiled))
	return &Result{
		Artifacts: artifacts,
		Message: fmt.Sprintf("build ready: %d of %d module(s) complete",
			complete, len(rc.Spec.Modules)),
		Warnings: warnings,
	}, nil
}

// discoverTests counts test files and the test functions inside them.
func (a *BuildAgent) discoverTests(rc *RunContext) (files, funcs int, err error) {
	for _, m := range rc.Spec.Modules {
		data, err := rc.Store.Read(rc.RunID, a.ID(), artifact.TypeTests, m.ID+"/"+m.ID+"_test.c")
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return 0, 0, err
		}
		files++
		funcs += len(testFuncPattern.FindAllString(string(data), -1))
	}
	return files, funcs, nil
}

func (a *BuildAgent) assembleLog(rc *RunContext, modules map[string]interface{}, missing []string, complete, testFiles, testFuncs int) BuildLog {
	bl := BuildLog{
		TotalModules:    len(rc.Spec.Modules),
		ModulesCompiled: complete,
		Modules:         modules,
	}

	if rc.HasCompiler {
		cc := rc.Compiler
		bl.BuildType = BuildTypeCompiled
		bl.Compiler = &cc
		bl.BuildTypeLabel = "Compile check with " + filepath.Base(cc)
		bl.CompilationDetails = map[string]interface{}{
			"command_template": fmt.Sprintf("%s -std=c99 -Wall -I. -c <module>.c", filepath.Base(cc)),
		}
		if len(missing) == 0 {
			bl.CompilationStatus = CompilationSuccess
		} else {
			bl.CompilationStatus = CompilationFailed
			bl.CompilationDetails["missing_modules"] = missing
		}
	} else {
		bl.BuildType = BuildTypeSourceOnly
		bl.Compiler = nil
		bl.BuildTypeLabel = "Source package (.h/.c) for user compilation"
		bl.CompilationStatus = CompilationSkipped
		bl.CompilationDetails = map[string]interface{}{
			"instruction": "Compile with: gcc -I. *.c -o firmware.elf",
		}
		if len(missing) > 0 {
			bl.CompilationDetails["missing_modules"] = missing
		}
	}

	bl.Notes = []string{
		"Module code has been generated in source format (.h/.c)",
		"No binary compilation performed by the pipeline",
		"Verify module dependencies before compiling",
	}
	if testFiles > 0 {
		ut := &UnitTestSummary{Status: "not_run"}
		bl.UnitTests = ut
		bl.Notes = append(bl.Notes,
			fmt.Sprintf("%d test file(s) with %d test function(s) discovered; run them with your toolchain", testFiles, testFuncs))
	} else {
		bl.Notes = append(bl.Notes, "No unit tests discovered")
	}
	if len(missing) > 0 {
		bl.Notes = append(bl.Notes,
			fmt.Sprintf("%d of %d module(s) incomplete: %s", len(missing), len(rc.Spec.Modules), strings.Join(missing, ", ")))
	}
	return bl
}
