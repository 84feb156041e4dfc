package agents

import (
	"regexp"
	"strings"
)

// CodeMetrics are the static measurements the quality agent computes
// locally, without the LM.
type CodeMetrics struct {
	TotalLines        int
	CodeLines         int
	CommentLines      int
	FunctionCount     int
	AvgFunctionLength float64
	MaxNesting        int
	MagicNumbers      int
	BannedPatterns    []BannedPattern
	AvgComplexity     float64
}

// BannedPattern is one occurrence of a construct the pipeline rejects
// in generated firmware.
type BannedPattern struct {
	Kind     string // dynamic-allocation, goto, unbounded-loop
	Line     int
	Location string
}

// CommentDensity is the fraction of non-blank lines that are comments,
// as a percentage.
func (m CodeMetrics) CommentDensity() float64 {
	nonBlank := m.CodeLines + m.CommentLines
	if nonBlank == 0 {
		return 0
	}
	return 100 * float64(m.CommentLines) / float64(nonBlank)
}

var (
	allocPattern   = regexp.MustCompile(`\b(malloc|calloc|realloc|free)\s*\(`)
	gotoPattern    = regexp.MustCompile(`\bgoto\b`)
	foreverPattern = regexp.MustCompile(`\bwhile\s*\(\s*(1|true)\s*\)|\bfor\s*\(\s*;;\s*\)`)
	numberPattern  = regexp.MustCompile(`\b(0[xX][0-9a-fA-F]+|[0-9]+)[uUlLfF]*\b`)
	branchPattern  = regexp.MustCompile(`\b(if|for|while|case)\b`)
	funcPattern    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*[A-Za-z0-9_\s\*]*\([^;{]*\)\s*\{?\s*$`)
)

// AnalyzeC computes metrics for one C translation unit. location tags
// banned-pattern findings, typically "module/file.c". The analysis is
// line-based: it tracks block comments and brace depth but does not
// parse, so the numbers are approximations in the MISRA-checklist
// sense, not compiler facts.
func AnalyzeC(source, location string) CodeMetrics {
	m := CodeMetrics{}
	lines := strings.Split(source, "\n")
	m.TotalLines = len(lines)
	if strings.TrimSpace(source) == "" {
		m.TotalLines = 0
		return m
	}

	inBlockComment := false
	depth := 0
	inFunction := false
	funcStart := 0
	totalFuncLines := 0
	totalComplexity := 0
	funcComplexity := 0

	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		code, comment := splitComment(line, &inBlockComment)
		if comment {
			m.CommentLines++
		}
		if strings.TrimSpace(code) == "" {
			continue
		}
		m.CodeLines++
		code = strings.TrimSpace(code)

		isDirective := strings.HasPrefix(code, "#")

		if !isDirective {
			for range allocPattern.FindAllString(code, -1) {
				m.BannedPatterns = append(m.BannedPatterns, BannedPattern{
					Kind: "dynamic-allocation", Line: i + 1, Location: location,
				})
			}
			if gotoPattern.MatchString(code) {
				m.BannedPatterns = append(m.BannedPatterns, BannedPattern{
					Kind: "goto", Line: i + 1, Location: location,
				})
			}
			if foreverPattern.MatchString(code) {
				m.BannedPatterns = append(m.BannedPatterns, BannedPattern{
					Kind: "unbounded-loop", Line: i + 1, Location: location,
				})
			}
			m.MagicNumbers += countMagicNumbers(code)
		}

		if inFunction {
			funcComplexity += len(branchPattern.FindAllString(code, -1))
			funcComplexity += strings.Count(code, "&&") + strings.Count(code, "||")
		}

		if !inFunction && depth == 0 && !isDirective && funcPattern.MatchString(code) {
			inFunction = true
			funcStart = i
			funcComplexity = 1
		}

		depth += strings.Count(code, "{") - strings.Count(code, "}")
		if depth < 0 {
			depth = 0
		}
		if inFunction && depth > m.MaxNesting {
			m.MaxNesting = depth
		}
		if inFunction && depth == 0 && strings.Contains(code, "}") {
			inFunction = false
			m.FunctionCount++
			totalFuncLines += i - funcStart + 1
			totalComplexity += funcComplexity
		}
	}

	if m.FunctionCount > 0 {
		m.AvgFunctionLength = float64(totalFuncLines) / float64(m.FunctionCount)
		m.AvgComplexity = float64(totalComplexity) / float64(m.FunctionCount)
	}
	return m
}

// Merge folds another unit's metrics into m, recomputing the averages
// by function count.
func (m *CodeMetrics) Merge(other CodeMetrics) {
	totalFuncs := m.FunctionCount + other.FunctionCount
	if totalFuncs > 0 {
		m.AvgFunctionLength = (m.AvgFunctionLength*float64(m.FunctionCount) +
			other.AvgFunctionLength*float64(other.FunctionCount)) / float64(totalFuncs)
		m.AvgComplexity = (m.AvgComplexity*float64(m.FunctionCount) +
			other.AvgComplexity*float64(other.FunctionCount)) / float64(totalFuncs)
	}
	m.FunctionCount = totalFuncs
	m.TotalLines += other.TotalLines
	m.CodeLines += other.CodeLines
	m.CommentLines += other.CommentLines
	if other.MaxNesting > m.MaxNesting {
		m.MaxNesting = other.MaxNesting
	}
	m.MagicNumbers += other.MagicNumbers
	m.BannedPatterns = append(m.BannedPatterns, other.BannedPatterns...)
}

// splitComment removes the comment portion of a line and reports
// whether the line carried one. Block comment state persists across
// lines via inBlock.
func splitComment(line string, inBlock *bool) (code string, hasComment bool) {
	var b strings.Builder
	i := 0
	for i < len(line) {
		if *inBlock {
			hasComment = true
			end := strings.Index(line[i:], "*/")
			if end < 0 {
				return b.String(), true
			}
			i += end + 2
			*inBlock = false
			continue
		}
		if strings.HasPrefix(line[i:], "//") {
			return b.String(), true
		}
		if strings.HasPrefix(line[i:], "/*") {
			hasComment = true
			*inBlock = true
			i += 2
			continue
		}
		b.WriteByte(line[i])
		i++
	}
	return b.String(), hasComment
}

// countMagicNumbers counts numeric literals other than 0 and 1 on a
// code line. Preprocessor lines never reach here, so #define'd
// constants are not penalized at their definition site.
func countMagicNumbers(code string) int {
	count := 0
	for _, lit := range numberPattern.FindAllString(code, -1) {
		v := strings.TrimRight(lit, "uUlLfF")
		if v == "0" || v == "1" || v == "0x0" || v == "0x1" {
			continue
		}
		count++
	}
	return count
}
