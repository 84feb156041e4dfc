// Package artifact provides typed persistent storage of agent outputs
// under output/runs/<run_id>/<category>/..., with one metadata sidecar
// per artifact and a canonical "latest" pointer per report family.
package artifact

// Type is the artifact category. It governs both the capability check
// and the storage path.
type Type string

const (
	TypeRequirements Type = "requirements"
	TypeArchitecture Type = "architecture"
	TypeModuleCode   Type = "module_code"
	TypeTests        Type = "tests"
	TypeReports      Type = "reports"
	TypeBuildLog     Type = "build_log"
	TypeArtifacts    Type = "artifacts"
)

var knownTypes = map[Type]bool{
	TypeRequirements: true,
	TypeArchitecture: true,
	TypeModuleCode:   true,
	TypeTests:        true,
	TypeReports:      true,
	TypeBuildLog:     true,
	TypeArtifacts:    true,
}

// Valid reports whether the type is a recognized category.
func (t Type) Valid() bool { return knownTypes[t] }

// Artifact formats recorded in sidecars.
const (
	FormatText      = "text"
	FormatJSON      = "json"
	FormatMultiFile = "multi-file"
)

// QualityReportLatest is the overwritable pointer file within the
// reports category. It is the only path in a run tree that is not
// append-only.
const QualityReportLatest = "quality_report_latest.json"

// MetaSuffix is appended to an artifact filename to form its sidecar name.
const MetaSuffix = ".meta.json"
