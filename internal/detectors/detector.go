package detectors

import (
	"fmt"
	"regexp"
	"strings"
)

// Category labels what kind of rule a detector enforces.
type Category string

const (
	CategoryRestricted  Category = "RestrictedCategory"
	CategoryCounterfeit Category = "Counterfeit"
)

// Match is one rule hit on a product name.
type Match struct {
	Category Category
	Term     string
}

// Reason renders the match as the prefix stored on the assessment.
func (m Match) Reason() string {
	switch m.Category {
	case CategoryRestricted:
		return fmt.Sprintf("【NG商材】%q 関連", m.Term)
	case CategoryCounterfeit:
		return fmt.Sprintf("【模倣品疑い】%q", m.Term)
	default:
		return fmt.Sprintf("[%s] %q", m.Category, m.Term)
	}
}

// Detector screens a product name before (or instead of) the oracle.
type Detector interface {
	Detect(name string) []Match
	Category() Category
}

// BaseRegexDetector implements common regex screening logic.
type BaseRegexDetector struct {
	Pattern *regexp.Regexp
	Label   Category
}

func (d *BaseRegexDetector) Detect(name string) []Match {
	if d.Pattern == nil || name == "" {
		return nil
	}
	var found []Match
	for _, term := range d.Pattern.FindAllString(name, -1) {
		found = append(found, Match{Category: d.Label, Term: term})
	}
	return found
}

func (d *BaseRegexDetector) Category() Category {
	return d.Label
}

// alternation builds a case-insensitive pattern matching any literal term.
func alternation(terms []string) *regexp.Regexp {
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.TrimSpace(t); t != "" {
			quoted = append(quoted, regexp.QuoteMeta(t))
		}
	}
	if len(quoted) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)(` + strings.Join(quoted, "|") + `)`)
}

// Screen runs every detector and returns the first hit, if any.
func Screen(name string, ds []Detector) (Match, bool) {
	for _, d := range ds {
		if hits := d.Detect(name); len(hits) > 0 {
			return hits[0], true
		}
	}
	return Match{}, false
}
