package v1

import (
	"fmt"
	"strings"
)

// ModuleType classifies a firmware module
type ModuleType string

const (
	ModuleTypeUART     ModuleType = "uart"
	ModuleTypeI2C      ModuleType = "i2c"
	ModuleTypeSPI      ModuleType = "spi"
	ModuleTypeCAN      ModuleType = "can"
	ModuleTypeEthernet ModuleType = "ethernet"
	ModuleTypeWatchdog ModuleType = "watchdog"
	ModuleTypeEEPROM   ModuleType = "eeprom"
	ModuleTypeADC      ModuleType = "adc"
	ModuleTypePWM      ModuleType = "pwm"
	ModuleTypeSensor   ModuleType = "sensor"
	ModuleTypeMotor    ModuleType = "motor"
	ModuleTypeFlash    ModuleType = "flash"
	ModuleTypeOther    ModuleType = "other"
)

var moduleTypes = map[ModuleType]bool{
	ModuleTypeUART:     true,
	ModuleTypeI2C:      true,
	ModuleTypeSPI:      true,
	ModuleTypeCAN:      true,
	ModuleTypeEthernet: true,
	ModuleTypeWatchdog: true,
	ModuleTypeEEPROM:   true,
	ModuleTypeADC:      true,
	ModuleTypePWM:      true,
	ModuleTypeSensor:   true,
	ModuleTypeMotor:    true,
	ModuleTypeFlash:    true,
	ModuleTypeOther:    true,
}

// Valid reports whether the module type is one of the recognized kinds.
func (t ModuleType) Valid() bool { return moduleTypes[t] }

// OptimizationGoal steers code generation trade-offs
type OptimizationGoal string

const (
	OptimizationBalanced    OptimizationGoal = "balanced"
	OptimizationPerformance OptimizationGoal = "performance"
	OptimizationSize        OptimizationGoal = "size"
	OptimizationPower       OptimizationGoal = "power"
)

// Valid reports whether the goal is recognized.
func (g OptimizationGoal) Valid() bool {
	switch g {
	case OptimizationBalanced, OptimizationPerformance, OptimizationSize, OptimizationPower:
		return true
	}
	return false
}

// ModelProvider selects the language-model backend
type ModelProvider string

const (
	ProviderMock ModelProvider = "mock"
	ProviderReal ModelProvider = "real"
)

// ModuleSpec describes one firmware module to generate
type ModuleSpec struct {
	ID           string                 `json:"id,omitempty"`
	Name         string                 `json:"name"`
	Type         ModuleType             `json:"type"`
	Description  string                 `json:"description,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	Requirements []string               `json:"requirements,omitempty"`
}

// Specification is the caller-supplied description of the firmware to
// generate. It is immutable for the lifetime of a run.
type Specification struct {
	ProjectName      string                 `json:"project_name"`
	MCU              string                 `json:"mcu"`
	Description      string                 `json:"description,omitempty"`
	Modules          []ModuleSpec           `json:"modules"`
	Requirements     []string               `json:"requirements,omitempty"`
	Constraints      map[string]interface{} `json:"constraints,omitempty"`
	SafetyCritical   bool                   `json:"safety_critical,omitempty"`
	OptimizationGoal OptimizationGoal       `json:"optimization_goal,omitempty"`
	ModelProvider    ModelProvider          `json:"model_provider,omitempty"`
	ModelName        string                 `json:"model_name,omitempty"`
	APIKey           string                 `json:"api_key,omitempty"`
	ArchitectureOnly bool                   `json:"architecture_only,omitempty"`
}

// Normalize fills defaults and validates the specification in place.
// Module IDs default to the lower-cased name with non-alphanumerics
// replaced by underscores. Returns the first validation failure.
func (s *Specification) Normalize() error {
	if strings.TrimSpace(s.ProjectName) == "" {
		return fmt.Errorf("project_name is required")
	}
	if strings.TrimSpace(s.MCU) == "" {
		return fmt.Errorf("mcu is required")
	}
	if s.OptimizationGoal == "" {
		s.OptimizationGoal = OptimizationBalanced
	}
	if !s.OptimizationGoal.Valid() {
		return fmt.Errorf("unknown optimization_goal %q", s.OptimizationGoal)
	}
	if s.ModelProvider == "" {
		s.ModelProvider = ProviderMock
	}
	if s.ModelProvider != ProviderMock && s.ModelProvider != ProviderReal {
		return fmt.Errorf("unknown model_provider %q", s.ModelProvider)
	}
	seen := make(map[string]bool, len(s.Modules))
	for i := range s.Modules {
		m := &s.Modules[i]
		if m.ID == "" {
			if strings.TrimSpace(m.Name) == "" {
				return fmt.Errorf("module %d: id or name is required", i)
			}
			m.ID = slugify(m.Name)
		}
		if !urlSafe(m.ID) {
			return fmt.Errorf("module %q: id must be URL-safe", m.ID)
		}
		if m.Type == "" {
			m.Type = ModuleTypeOther
		}
		if !m.Type.Valid() {
			return fmt.Errorf("module %q: unknown type %q", m.ID, m.Type)
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate module id %q", m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}

// Redacted returns a copy safe for persistence and logging: the API key
// is stripped, everything else is preserved.
func (s Specification) Redacted() Specification {
	s.APIKey = ""
	return s
}

func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

func urlSafe(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}
