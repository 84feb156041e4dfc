package retrieval

import (
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/firmforge/firmforge/internal/common/config"
	"github.com/firmforge/firmforge/internal/common/logger"
)

// Separator joins document texts in assembled context.
const Separator = "\n\n---\n\n"

// charsPerToken converts the token budget into a character budget.
const charsPerToken = 4

// Query is one retrieval request. Zero values fall back to the engine's
// configured defaults.
type Query struct {
	Text        string
	ModuleType  string
	TopK        int
	TokenBudget int
}

// ScoredDocument pairs a corpus document id with its relevance score.
type ScoredDocument struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Result is the outcome of one query: the included documents in rank
// order, their concatenated text, and the ids dropped for budget.
type Result struct {
	Documents []ScoredDocument
	Context   string
	Omitted   []string
}

// Engine ranks the corpus with a hybrid score: 0.40 keyword overlap,
// 0.30 domain match, 0.15 priority weight, 0.15 search weight, halved
// on a module-type mismatch. The corpus is immutable after load, so
// queries are safe for concurrent use without locking.
type Engine struct {
	docs     []Document
	topK     int
	budget   int
	minScore float64
	logger   *logger.Logger
}

// NewEngine loads the corpus from cfg.DocsDir. An absent corpus is not
// an error; the engine just returns empty results.
func NewEngine(cfg config.RetrievalConfig, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "retrieval"))
	return &Engine{
		docs:     loadCorpus(cfg.DocsDir, log),
		topK:     cfg.TopK,
		budget:   cfg.TokenBudget,
		minScore: cfg.MinScore,
		logger:   log,
	}
}

// Size returns the number of loaded corpus documents.
func (e *Engine) Size() int { return len(e.docs) }

// Documents returns corpus metadata without content, for listing.
func (e *Engine) Documents() []Document {
	out := make([]Document, len(e.docs))
	for i, d := range e.docs {
		d.Content = ""
		out[i] = d
	}
	return out
}

// Corpus returns copies of every loaded document, content included.
// Callers shape their own listing views from it.
func (e *Engine) Corpus() []Document {
	out := make([]Document, len(e.docs))
	copy(out, e.docs)
	return out
}

// Query ranks the corpus for q and assembles context under the budget.
func (e *Engine) Query(q Query) Result {
	if len(e.docs) == 0 {
		return Result{}
	}
	topK := q.TopK
	if topK <= 0 {
		topK = e.topK
	}
	budget := q.TokenBudget
	if budget <= 0 {
		budget = e.budget
	}
	charBudget := budget * charsPerToken

	terms := extractTerms(q.Text)
	type scored struct {
		doc   *Document
		score float64
	}
	ranked := make([]scored, 0, len(e.docs))
	for i := range e.docs {
		d := &e.docs[i]
		s := e.score(d, terms, q.ModuleType)
		if s < e.minScore {
			continue
		}
		ranked = append(ranked, scored{doc: d, score: s})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		pi, pj := ranked[i].doc.Priority.Weight(), ranked[j].doc.Priority.Weight()
		if pi != pj {
			return pi > pj
		}
		return ranked[i].doc.ID < ranked[j].doc.ID
	})
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	var res Result
	var b strings.Builder
	exhausted := false
	for _, r := range ranked {
		if exhausted {
			res.Omitted = append(res.Omitted, r.doc.ID)
			continue
		}
		sep := ""
		if b.Len() > 0 {
			sep = Separator
		}
		remaining := charBudget - b.Len() - len(sep)
		text := r.doc.Content
		if len(text) > remaining {
			text = truncateAtParagraph(text, remaining)
			exhausted = true
			if text == "" {
				res.Omitted = append(res.Omitted, r.doc.ID)
				continue
			}
		}
		b.WriteString(sep)
		b.WriteString(text)
		res.Documents = append(res.Documents, ScoredDocument{ID: r.doc.ID, Score: r.score})
	}
	res.Context = b.String()

	e.logger.Debug("retrieval query served",
		zap.String("module_type", q.ModuleType),
		zap.Int("included", len(res.Documents)),
		zap.Int("omitted", len(res.Omitted)),
		zap.Int("context_chars", len(res.Context)))
	return res
}

// QueryByDomain returns up to topK documents tagged with the given
// domain, ordered by priority then id.
func (e *Engine) QueryByDomain(domain string, topK int) []Document {
	if topK <= 0 {
		topK = e.topK
	}
	var out []Document
	for _, d := range e.docs {
		if d.Domain == domain {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Priority.Weight(), out[j].Priority.Weight()
		if pi != pj {
			return pi > pj
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

func (e *Engine) score(d *Document, terms []string, moduleType string) float64 {
	score := 0.40*keywordOverlap(terms, d.Keywords) +
		0.30*domainMatch(terms, d.Domain) +
		0.15*d.Priority.Weight() +
		0.15*d.SearchWeight
	if moduleType != "" && !d.matchesModuleType(moduleType) {
		score *= 0.5
	}
	return score
}

var termPattern = regexp.MustCompile(`\w+`)

// Filler words carry no retrieval signal.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"is": true, "in": true, "to": true, "of": true, "for": true,
	"with": true, "how": true, "what": true, "when": true,
	"where": true, "should": true,
}

// extractTerms lower-cases the query and keeps words longer than two
// characters that are not stopwords.
func extractTerms(text string) []string {
	words := termPattern.FindAllString(strings.ToLower(text), -1)
	terms := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) > 2 && !stopwords[w] {
			terms = append(terms, w)
		}
	}
	return terms
}

// keywordOverlap is the fraction of query terms present in the
// document's keyword set.
func keywordOverlap(terms []string, keywords []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	set := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		set[strings.ToLower(k)] = true
	}
	matched := 0
	for _, t := range terms {
		if set[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

// domainMatch is 1 when any query term appears among the document's
// domain tokens.
func domainMatch(terms []string, domain string) float64 {
	tokens := termPattern.FindAllString(strings.ToLower(domain), -1)
	for _, t := range terms {
		for _, tok := range tokens {
			if t == tok {
				return 1
			}
		}
	}
	return 0
}

// truncateAtParagraph returns the longest prefix of text within limit
// that ends on a paragraph boundary, or "" when not even the first
// paragraph fits.
func truncateAtParagraph(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(text) <= limit {
		return text
	}
	cut := strings.LastIndex(text[:limit], "\n\n")
	if cut <= 0 {
		return ""
	}
	return strings.TrimRight(text[:cut], "\n")
}
