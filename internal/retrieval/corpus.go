package retrieval

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/firmforge/firmforge/internal/common/logger"
)

// ManifestName is the corpus index file expected inside the docs directory.
const ManifestName = "corpus.yaml"

// defaultSearchWeight applies when the manifest omits search_weight.
const defaultSearchWeight = 0.7

type manifest struct {
	Documents []Document `yaml:"documents"`
}

// loadCorpus reads the manifest and preloads every listed document.
// A missing or malformed corpus yields an empty slice: retrieval
// degrades to no context, it never blocks a run.
func loadCorpus(docsDir string, log *logger.Logger) []Document {
	raw, err := os.ReadFile(filepath.Join(docsDir, ManifestName))
	if err != nil {
		log.Warn("retrieval corpus manifest not readable, continuing without context",
			zap.String("docs_dir", docsDir), zap.Error(err))
		return nil
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		log.Warn("retrieval corpus manifest malformed, continuing without context",
			zap.String("docs_dir", docsDir), zap.Error(err))
		return nil
	}

	docs := make([]Document, 0, len(m.Documents))
	for _, d := range m.Documents {
		if d.ID == "" || d.File == "" {
			log.Warn("skipping corpus entry without id or file", zap.String("id", d.ID))
			continue
		}
		content, err := os.ReadFile(filepath.Join(docsDir, d.File))
		if err != nil {
			log.Warn("skipping unreadable corpus document",
				zap.String("id", d.ID), zap.String("file", d.File), zap.Error(err))
			continue
		}
		d.Content = string(content)
		if d.SearchWeight == 0 {
			d.SearchWeight = defaultSearchWeight
		}
		docs = append(docs, d)
	}
	log.Info("retrieval corpus loaded",
		zap.String("docs_dir", docsDir), zap.Int("documents", len(docs)))
	return docs
}
