package artifact

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Metadata is the sidecar record written next to every artifact.
type Metadata struct {
	ArtifactID     string                 `json:"artifact_id"`
	AgentID        string                 `json:"agent_id"`
	ArtifactType   string                 `json:"artifact_type"`
	ModuleID       string                 `json:"module_id,omitempty"`
	PromptVersion  string                 `json:"prompt_version"`
	Timestamp      string                 `json:"timestamp"`
	ArtifactFormat string                 `json:"artifact_format"`
	SubArtifacts   []string               `json:"sub_artifacts,omitempty"`
	Extra          map[string]interface{} `json:"extra,omitempty"`
}

// newArtifactID returns a random 32-hex identifier.
func newArtifactID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// timestampUTC formats t for sidecars and event payloads.
func timestampUTC(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// filenameStamp formats t for timestamped artifact filenames.
func filenameStamp(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

// canonicalJSON renders v as indented JSON with object keys sorted and a
// trailing newline, so that re-encoding the same value is byte-stable.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var tree interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	out, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}
