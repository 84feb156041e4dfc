// Package mcp enforces the static capability matrix governing agent
// actions. Every artifact read, artifact write, and agent invocation is
// authorized against the matrix before it happens, and every decision
// is appended to the audit trail.
package mcp

import (
	"strings"

	"go.uber.org/zap"

	"github.com/firmforge/firmforge/internal/common/errors"
	"github.com/firmforge/firmforge/internal/common/logger"
)

// Actions checked against the matrix.
const (
	ActionRun   = "run"
	ActionRead  = "read"
	ActionWrite = "write"
)

// Agent identifiers. Per-module code agents are addressed as
// "code_agent:<module_id>" and resolve to the code_agent role.
const (
	AgentArchitecture = "architecture_agent"
	AgentCode         = "code_agent"
	AgentTest         = "test_agent"
	AgentQuality      = "quality_agent"
	AgentBuild        = "build_agent"
)

// Matrix maps agent roles to their granted permissions. Permissions are
// strings of the form "run:agent", "read:<type>", "write:<type>".
type Matrix map[string]map[string]bool

// DefaultMatrix returns the canonical capability matrix. The matrix
// enforces the pipeline's dependency order at the capability layer:
// no agent can write a category another agent owns.
func DefaultMatrix() Matrix {
	return Matrix{
		AgentArchitecture: perms("run:agent", "write:architecture", "read:requirements"),
		AgentCode:         perms("run:agent", "read:architecture", "write:module_code"),
		AgentTest:         perms("run:agent", "read:module_code", "write:tests"),
		AgentQuality:      perms("run:agent", "read:module_code", "read:tests", "write:reports"),
		AgentBuild:        perms("run:agent", "read:module_code", "read:tests", "write:artifacts", "write:build_log"),
	}
}

func perms(ps ...string) map[string]bool {
	m := make(map[string]bool, len(ps))
	for _, p := range ps {
		m[p] = true
	}
	return m
}

// MCP is the single source of truth for what each agent may do.
// The matrix is immutable after construction; reads are lock-free.
type MCP struct {
	matrix Matrix
	audit  *AuditLog
	logger *logger.Logger
}

// New creates an MCP over the given matrix. The audit log may be nil,
// in which case decisions are only logged.
func New(matrix Matrix, audit *AuditLog, log *logger.Logger) *MCP {
	if matrix == nil {
		matrix = DefaultMatrix()
	}
	return &MCP{
		matrix: matrix,
		audit:  audit,
		logger: log.WithFields(zap.String("component", "mcp")),
	}
}

// RoleFor resolves an agent ID to its matrix role. Code agents are
// named "code_agent:<module_id>"; they share the code_agent role.
func RoleFor(agentID string) string {
	if strings.HasPrefix(agentID, AgentCode) {
		return AgentCode
	}
	return agentID
}

// CheckRun succeeds iff the agent has the run:agent capability.
func (m *MCP) CheckRun(agentID string) error {
	if m.authorize(agentID, ActionRun, "agent") {
		return nil
	}
	m.logger.Warn("capability violation",
		zap.String("agent_id", agentID),
		zap.String("action", ActionRun))
	return errors.PermissionDenied(agentID, ActionRun, "agent")
}

// CheckRead succeeds iff the agent may read the artifact type. The type
// may carry a qualifier ("module_code:<module_id>"); the check matches
// on the base type.
func (m *MCP) CheckRead(agentID, artifactType string) error {
	if m.authorize(agentID, ActionRead, artifactType) {
		return nil
	}
	m.logger.Warn("capability violation",
		zap.String("agent_id", agentID),
		zap.String("action", ActionRead),
		zap.String("resource", artifactType))
	return errors.PermissionDenied(agentID, ActionRead, artifactType)
}

// CheckWrite succeeds iff the agent may write the artifact type.
func (m *MCP) CheckWrite(agentID, artifactType string) error {
	if m.authorize(agentID, ActionWrite, artifactType) {
		return nil
	}
	m.logger.Warn("capability violation",
		zap.String("agent_id", agentID),
		zap.String("action", ActionWrite),
		zap.String("resource", artifactType))
	return errors.PermissionDenied(agentID, ActionWrite, artifactType)
}

// authorize evaluates one decision and records it in the audit trail.
// A permission matches exactly ("write:module_code:uart0") or on the
// base type ("write:module_code" covers any module qualifier).
func (m *MCP) authorize(agentID, action, resource string) bool {
	role := RoleFor(agentID)
	granted := m.matrix[role]

	exact := granted[action+":"+resource]
	base := resource
	if i := strings.Index(resource, ":"); i > 0 {
		base = resource[:i]
	}
	parent := granted[action+":"+base]
	allowed := exact || parent || (action == ActionRun && granted["run:agent"])

	reason := ""
	if !allowed {
		reason = "permission denied"
	}
	if m.audit != nil {
		m.audit.Append(AuditEntry{
			AgentID:  agentID,
			Action:   action,
			Resource: resource,
			Allowed:  allowed,
			Reason:   reason,
		})
	}

	m.logger.Debug("authorize",
		zap.String("agent_id", agentID),
		zap.String("action", action),
		zap.String("resource", resource),
		zap.Bool("allowed", allowed))
	return allowed
}
