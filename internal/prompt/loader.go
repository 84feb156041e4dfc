// Package prompt resolves versioned prompt templates and substitutes
// placeholder tokens of the form <<NAME>>.
package prompt

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/firmforge/firmforge/internal/common/config"
	"github.com/firmforge/firmforge/internal/common/errors"
	"github.com/firmforge/firmforge/internal/common/logger"
)

// BaseName is the shared preamble composed into every template.
const BaseName = "base_prompt.md"

// Placeholder names agents are expected to fill. Templates may use a
// subset; tokens left unfilled stay literal and are reported by Render.
var KnownPlaceholders = []string{
	"AGENT_ROLE", "CONSTRAINTS", "RAG_CONTEXT", "MODULE", "MCU",
	"OPTIMIZATION", "BOARD_SPECS", "MODULES", "CODE_ARTIFACTS", "CODE_FILES",
}

var placeholderPattern = regexp.MustCompile(`<<([A-Z_]+)>>`)

// Loader reads prompt templates from a directory. Templates are named
// <agent>_prompt_<version>.md and composed with the base prompt.
type Loader struct {
	dir     string
	version string
	logger  *logger.Logger
}

// Template is one composed prompt, immutable once loaded.
type Template struct {
	Name    string
	Version string
	Text    string
}

// NewLoader creates a loader rooted at cfg.Dir with cfg.Version as the
// default template version.
func NewLoader(cfg config.PromptsConfig, log *logger.Logger) *Loader {
	if log == nil {
		log = logger.Default()
	}
	return &Loader{
		dir:     cfg.Dir,
		version: cfg.Version,
		logger:  log.WithFields(zap.String("component", "prompt-loader")),
	}
}

// Load composes the base prompt with the agent's versioned template.
// An empty version selects the loader's default.
func (l *Loader) Load(agentName, version string) (*Template, error) {
	if version == "" {
		version = l.version
	}
	base, err := l.readFile(BaseName)
	if err != nil {
		return nil, err
	}
	name := agentName + "_prompt_" + version + ".md"
	specific, err := l.readFile(name)
	if err != nil {
		return nil, err
	}
	return &Template{
		Name:    agentName,
		Version: version,
		Text:    base + "\n\n" + specific,
	}, nil
}

func (l *Loader) readFile(name string) (string, error) {
	path := filepath.Join(l.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.NotFound("prompt template", name)
		}
		return "", errors.IOFailure("read", path, err)
	}
	return string(data), nil
}

// Placeholders returns the distinct placeholder names appearing in the
// template, in order of first appearance.
func (t *Template) Placeholders() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(t.Text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Render substitutes <<NAME>> tokens from fields and returns the result
// plus the names of placeholders that remained unfilled. Unfilled
// tokens are left literal; callers log them as warnings.
func (t *Template) Render(fields map[string]string) (string, []string) {
	text := t.Text
	for name, value := range fields {
		text = strings.ReplaceAll(text, "<<"+name+">>", value)
	}
	var unfilled []string
	seen := make(map[string]bool)
	for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			unfilled = append(unfilled, m[1])
		}
	}
	return text, unfilled
}
