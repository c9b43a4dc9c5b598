package detectors

import (
	"fmt"
	"regexp"
)

// DefaultRestrictedKeywords are categories the marketplace prohibits or
// regulates (food, supplements, cosmetics, pharmaceuticals, contact
// lenses, accounts/codes, vouchers and tickets).
var DefaultRestrictedKeywords = []string{
	"食品", "飲料", "お菓子", "スイーツ", "肉", "魚", "米",
	"サプリ", "酵素", "ダイエット",
	"化粧品", "コスメ", "美容液", "ローション", "クリーム", "スキンケア", "メイク",
	"医薬品", "薬", "コンタクト", "レンズ", "治療", "メディカル",
	"アカウント", "コード", "電子マネー", "チケット",
}

// DefaultCounterfeitPatterns flag listings that advertise replicas.
var DefaultCounterfeitPatterns = []string{
	`スーパーコピー`,
	`コピー品`,
	`N級品?`,
	`レプリカ`,
	`\breplica\b`,
	`\bfake\b`,
	`\bknock-?off\b`,
	`ブランド風`,
}

type KeywordDetector struct {
	BaseRegexDetector
}

// NewRestrictedKeywordDetector matches any of the literal keywords; an empty
// list falls back to DefaultRestrictedKeywords.
func NewRestrictedKeywordDetector(keywords []string) *KeywordDetector {
	if len(keywords) == 0 {
		keywords = DefaultRestrictedKeywords
	}
	return &KeywordDetector{BaseRegexDetector{Pattern: alternation(keywords), Label: CategoryRestricted}}
}

// NewCounterfeitDetector matches any of the regex patterns; an empty list
// falls back to DefaultCounterfeitPatterns.
func NewCounterfeitDetector(patterns []string) (*KeywordDetector, error) {
	if len(patterns) == 0 {
		patterns = DefaultCounterfeitPatterns
	}
	joined := ""
	for i, p := range patterns {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("counterfeit pattern %q: %w", p, err)
		}
		if i > 0 {
			joined += "|"
		}
		joined += "(?:" + p + ")"
	}
	re := regexp.MustCompile(`(?i)(` + joined + `)`)
	return &KeywordDetector{BaseRegexDetector{Pattern: re, Label: CategoryCounterfeit}}, nil
}

// Defaults returns the detectors a patrol uses when nothing is configured.
func Defaults(restricted, counterfeit []string) ([]Detector, error) {
	cd, err := NewCounterfeitDetector(counterfeit)
	if err != nil {
		return nil, err
	}
	return []Detector{NewRestrictedKeywordDetector(restricted), cd}, nil
}
