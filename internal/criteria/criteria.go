// Package criteria resolves a review's focus: the criteria mode, its category
// weights, and the preset checks attached to the criteria step.
package criteria

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/PRSENTINEL/internal/apierr"
	"github.com/PRSENTINEL/internal/config"
	"github.com/PRSENTINEL/internal/textutil"
	"github.com/PRSENTINEL/internal/types"
)

// Mode is a review criteria mode
type Mode string

const (
	ModePerformance   Mode = "performance"
	ModeSecurity      Mode = "security"
	ModeStyle         Mode = "style"
	ModeTesting       Mode = "testing"
	ModeComprehensive Mode = "comprehensive"
)

// Modes lists every mode in display order
func Modes() []Mode {
	return []Mode{ModePerformance, ModeSecurity, ModeStyle, ModeTesting, ModeComprehensive}
}

// Label is the human-readable name of the mode
func (m Mode) Label() string {
	switch m {
	case ModePerformance:
		return "Performance Focus"
	case ModeSecurity:
		return "Security Focus"
	case ModeStyle:
		return "Style & Conventions"
	case ModeTesting:
		return "Testing Coverage"
	case ModeComprehensive:
		return "Comprehensive Review"
	}
	return string(m)
}

// Focus returns the categories the mode emphasises
func (m Mode) Focus() []types.Category {
	switch m {
	case ModePerformance:
		return []types.Category{types.CategoryPerformance}
	case ModeSecurity:
		return []types.Category{types.CategorySecurity}
	case ModeStyle:
		return []types.Category{types.CategoryStyle}
	case ModeTesting:
		return []types.Category{types.CategoryTesting}
	}
	return types.AllCategories()
}

// ParseMode validates a mode name
func ParseMode(s string) (Mode, bool) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Modes() {
		if m == known {
			return m, true
		}
	}
	return "", false
}

var presets = map[types.Category][]string{
	types.CategoryPerformance: {
		"Look for queries issued inside loops",
		"Check connection and client reuse",
		"Flag blocking I/O on request paths",
	},
	types.CategorySecurity: {
		"Verify queries are parameterized",
		"Check for credentials committed in source",
		"Flag dynamic code evaluation",
	},
	types.CategoryStyle: {
		"Check naming and formatting conventions",
		"Flag leftover debug output and work markers",
		"Check for weakened type annotations",
	},
	types.CategoryTesting: {
		"Check new code paths have tests",
		"Flag swallowed errors that tests cannot observe",
	},
}

var keywords = map[types.Category][]string{
	types.CategoryPerformance: {"performance", "perf", "latency", "fast", "slow", "memory", "cache", "allocation", "throughput", "pool"},
	types.CategorySecurity:    {"security", "secure", "injection", "auth", "authentication", "xss", "secret", "vulnerability", "csrf", "owasp"},
	types.CategoryStyle:       {"style", "naming", "lint", "format", "formatting", "convention", "readability", "guide"},
	types.CategoryTesting:     {"test", "coverage", "unit", "integration", "mock", "regression"},
}

// Criteria is the resolved focus of a review
type Criteria struct {
	Mode     Mode           `json:"mode"`
	Weights  config.Weights `json:"weights"`
	Checks   []string       `json:"checks"`
	Custom   string         `json:"custom,omitempty"`
	Detected bool           `json:"detected"`
}

// Detect maps free-form criteria text to a mode. Text that favours no single
// category maps to comprehensive.
func Detect(text string) Mode {
	words := make(map[string]struct{})
	for _, w := range textutil.Tokenize(text) {
		words[textutil.Stem(w)] = struct{}{}
		words[w] = struct{}{}
	}
	best, bestHits, tie := types.Category(""), 0, false
	for _, c := range types.AllCategories() {
		hits := 0
		for _, k := range keywords[c] {
			if _, ok := words[k]; ok {
				hits++
			}
		}
		switch {
		case hits > bestHits:
			best, bestHits, tie = c, hits, false
		case hits == bestHits && hits > 0:
			tie = true
		}
	}
	if bestHits == 0 || tie {
		return ModeComprehensive
	}
	return Mode(best)
}

// Resolve picks the mode for a request: the explicit mode, else one detected
// from custom text, else defaultMode. An unknown explicit mode is rejected.
func Resolve(mode, custom string, table map[string]config.Weights, defaultMode string) (Criteria, error) {
	c := Criteria{Custom: strings.TrimSpace(custom)}
	switch {
	case strings.TrimSpace(mode) != "":
		m, ok := ParseMode(mode)
		if !ok {
			return c, apierr.New(http.StatusBadRequest, "invalid_mode", fmt.Errorf("unknown review mode %q", mode))
		}
		c.Mode = m
	case c.Custom != "":
		c.Mode = Detect(c.Custom)
		c.Detected = true
	default:
		m, ok := ParseMode(defaultMode)
		if !ok {
			m = ModeComprehensive
		}
		c.Mode = m
	}

	c.Weights = table[string(c.Mode)]
	if len(c.Weights) == 0 {
		c.Weights = config.DefaultWeights()[string(c.Mode)]
	}
	for _, cat := range c.Mode.Focus() {
		c.Checks = append(c.Checks, presets[cat]...)
	}
	return c, nil
}

// Describe renders the criteria for the trace
func (c Criteria) Describe() string {
	cats := make([]string, 0, len(c.Weights))
	for cat := range c.Weights {
		cats = append(cats, string(cat))
	}
	sort.Strings(cats)
	parts := make([]string, 0, len(cats))
	for _, cat := range cats {
		parts = append(parts, fmt.Sprintf("%s %.0f%%", cat, c.Weights[types.Category(cat)]*100))
	}
	desc := fmt.Sprintf("Applying %s criteria (%s)", c.Mode.Label(), strings.Join(parts, ", "))
	if c.Detected {
		desc += " detected from custom criteria"
	}
	return desc
}
