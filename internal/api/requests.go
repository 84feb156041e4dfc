package api

import (
	v1 "github.com/firmforge/firmforge/pkg/api/v1"
)

// GenerateRequest is the submission payload for a new generation run.
// The boolean toggles are pointers so an absent field keeps its default
// of true; the top-level model fields override their counterparts inside
// the specification when set.
type GenerateRequest struct {
	Specification    v1.Specification `json:"specification" binding:"required"`
	IncludeTests     *bool            `json:"include_tests"`
	RunQualityChecks *bool            `json:"run_quality_checks"`
	ModelProvider    string           `json:"model_provider"`
	ModelName        string           `json:"model_name"`
	APIKey           string           `json:"api_key"`
	ArchitectureOnly bool             `json:"architecture_only"`
}

// Spec returns the specification with the top-level model overrides folded in.
func (r *GenerateRequest) Spec() v1.Specification {
	spec := r.Specification
	if r.ModelProvider != "" {
		spec.ModelProvider = v1.ModelProvider(r.ModelProvider)
	}
	if r.ModelName != "" {
		spec.ModelName = r.ModelName
	}
	if r.APIKey != "" {
		spec.APIKey = r.APIKey
	}
	return spec
}

// Options folds the request toggles into run options.
func (r *GenerateRequest) Options() v1.RunOptions {
	opts := v1.DefaultRunOptions()
	if r.IncludeTests != nil {
		opts.IncludeTests = *r.IncludeTests
	}
	if r.RunQualityChecks != nil {
		opts.RunQualityChecks = *r.RunQualityChecks
	}
	opts.ArchitectureOnly = r.ArchitectureOnly || r.Specification.ArchitectureOnly
	return opts
}

// GenerateResponse acknowledges an accepted run.
type GenerateResponse struct {
	RunID   string       `json:"run_id"`
	Status  v1.RunStatus `json:"status"`
	Message string       `json:"message"`
}

// CancelResponse acknowledges a cancellation request.
type CancelResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// ContentResponse wraps a text artifact's body.
type ContentResponse struct {
	Content string `json:"content"`
}

// RagDocument is one retrieval corpus entry as served by the docs endpoint.
type RagDocument struct {
	Title    string `json:"title"`
	Category string `json:"category"`
	Priority string `json:"priority"`
	Content  string `json:"content"`
}
