// Package estimate predicts the size of a code-generation task from its
// description before any generation happens. Estimates are deterministic.
package estimate

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/Strob0t/relay/internal/domain/contract"
)

// Config tunes the heuristic.
type Config struct {
	BaseLines      int                `yaml:"base_lines"`
	LinesPerExport int                `yaml:"lines_per_export"`
	TokensPerLine  map[string]float64 `yaml:"tokens_per_line"`
	// DefaultTokensPerLine applies to languages missing from TokensPerLine.
	DefaultTokensPerLine float64 `yaml:"default_tokens_per_line"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		BaseLines:            10,
		LinesPerExport:       25,
		TokensPerLine:        map[string]float64{"go": 9, "python": 8},
		DefaultTokensPerLine: 10,
	}
}

// vocabulary maps complexity-indicating terms to the extra lines they imply.
var vocabulary = map[string]int{
	"api":            30,
	"authentication": 60,
	"cache":          40,
	"client":         40,
	"concurrent":     50,
	"crud":           60,
	"database":       60,
	"endpoint":       30,
	"handler":        25,
	"middleware":     30,
	"migration":      40,
	"parser":         50,
	"pipeline":       50,
	"protocol":       60,
	"retry":          20,
	"scheduler":      50,
	"server":         50,
	"state machine":  60,
	"tests":          40,
	"validation":     20,
	"websocket":      50,
	"worker":         30,
}

// modifiers scale the whole estimate by scope.
var modifiers = map[string]float64{
	"basic":         0.6,
	"minimal":       0.6,
	"simple":        0.6,
	"small":         0.6,
	"complete":      1.3,
	"comprehensive": 1.3,
	"full":          1.3,
	"robust":        1.3,
	"enterprise":    1.5,
	"production":    1.5,
}

var vague = []string{"etc", "misc", "somehow", "something", "stuff", "various", "whatever"}

var identRe = regexp.MustCompile("`[^`]+`|\\b[a-z]+[A-Z][A-Za-z0-9]*\\b|\\b[a-z][a-z0-9]*_[a-z0-9_]+\\b")

var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

// PerLineFunc measures the average tokens per code line of a sample, or
// returns 0 when the sample has no code lines.
type PerLineFunc func(sample string) float64

// Estimator is the vocabulary heuristic. perLine, when set, calibrates
// tokens per line from a task's code sample.
type Estimator struct {
	cfg     Config
	perLine PerLineFunc
}

// New returns an estimator. perLine may be nil.
func New(cfg Config, perLine PerLineFunc) *Estimator {
	return &Estimator{cfg: cfg, perLine: perLine}
}

// Estimate predicts lines, tokens, complexity and confidence for task.
func (e *Estimator) Estimate(task contract.Task) contract.SizeEstimate {
	words := strings.Fields(task.Description)
	norm := " " + strings.TrimSpace(nonWord.ReplaceAllString(strings.ToLower(task.Description), " ")) + " "

	var reasons []string

	exports := len(task.Exports)
	exportSource := "requested exports"
	if exports == 0 {
		exports = len(mentionedIdentifiers(task.Description))
		exportSource = "identifiers in description"
	}
	named := exports > 0
	if exports == 0 {
		exports = 1
		exportSource = "assumed"
	}
	reasons = append(reasons, fmt.Sprintf("%d exports (%s)", exports, exportSource))

	vocab := 0
	for _, term := range sortedKeys(vocabulary) {
		if strings.Contains(norm, " "+term+" ") {
			vocab += vocabulary[term]
			reasons = append(reasons, fmt.Sprintf("%q +%d", term, vocabulary[term]))
		}
	}

	scale := 1.0
	for _, term := range sortedKeys(modifiers) {
		if strings.Contains(norm, " "+term+" ") {
			scale *= modifiers[term]
			reasons = append(reasons, fmt.Sprintf("%q x%.1f", term, modifiers[term]))
		}
	}

	confidence := 0.9
	switch {
	case len(words) < 8:
		confidence -= 0.3
		reasons = append(reasons, "short description")
	case len(words) < 20:
		confidence -= 0.1
	}
	if !named {
		confidence -= 0.2
		reasons = append(reasons, "no export names")
	}
	for _, v := range vague {
		if strings.Contains(norm, " "+v+" ") {
			confidence -= 0.1
			reasons = append(reasons, fmt.Sprintf("vague %q", v))
		}
	}
	confidence = math.Round(clamp(confidence, 0.1, 0.95)*100) / 100

	raw := float64(e.cfg.BaseLines+e.cfg.LinesPerExport*exports+vocab) * scale
	// Pad pessimistically by the missing confidence.
	lines := int(math.Ceil(raw * (1 + (1-confidence)*0.5)))

	tpl := e.tokensPerLine(task)
	tokens := int(math.Ceil(float64(lines) * tpl))
	reasons = append(reasons, fmt.Sprintf("%.1f tokens/line", tpl))

	return contract.SizeEstimate{
		Lines:      lines,
		Tokens:     tokens,
		Complexity: Classify(lines),
		Confidence: confidence,
		Reasoning:  strings.Join(reasons, "; "),
	}
}

func (e *Estimator) tokensPerLine(task contract.Task) float64 {
	if task.Sample != "" && e.perLine != nil {
		if tpl := e.perLine(task.Sample); tpl > 0 {
			return clamp(tpl, 3, 30)
		}
	}
	if tpl, ok := e.cfg.TokensPerLine[strings.ToLower(task.Language)]; ok {
		return tpl
	}
	return e.cfg.DefaultTokensPerLine
}

// Classify maps a line count to a complexity class.
func Classify(lines int) contract.Complexity {
	switch {
	case lines < 60:
		return contract.ComplexityLow
	case lines < 200:
		return contract.ComplexityMedium
	case lines < 500:
		return contract.ComplexityHigh
	default:
		return contract.ComplexityVeryHigh
	}
}

func mentionedIdentifiers(desc string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range identRe.FindAllString(desc, -1) {
		m = strings.Trim(m, "`")
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
