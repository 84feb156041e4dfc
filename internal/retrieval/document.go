// Package retrieval scores a curated markdown corpus against agent
// queries and returns concatenated context under a token budget.
package retrieval

// Priority ranks a corpus document's importance independent of any query.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Weight maps a priority to its scoring contribution. Unknown values
// weigh as medium.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityCritical:
		return 1.0
	case PriorityHigh:
		return 0.8
	case PriorityMedium:
		return 0.6
	case PriorityLow:
		return 0.4
	default:
		return 0.6
	}
}

// Document is one corpus entry: manifest tags plus preloaded content.
// Documents are immutable after the corpus is loaded.
type Document struct {
	ID           string   `yaml:"id" json:"id"`
	File         string   `yaml:"file" json:"file"`
	Domain       string   `yaml:"domain" json:"domain"`
	Priority     Priority `yaml:"priority" json:"priority"`
	Keywords     []string `yaml:"keywords" json:"keywords"`
	ModuleTypes  []string `yaml:"module_types" json:"module_types"`
	SearchWeight float64  `yaml:"search_weight" json:"search_weight"`

	Content string `yaml:"-" json:"-"`
}

// matchesModuleType reports whether the document is tagged for the given
// module type, either explicitly or via the "all" tag.
func (d *Document) matchesModuleType(moduleType string) bool {
	for _, t := range d.ModuleTypes {
		if t == moduleType || t == "all" {
			return true
		}
	}
	return false
}
