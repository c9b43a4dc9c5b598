package ai

import (
	"strings"

	"github.com/digimosa/shop-patrol/internal/models"
)

// LabelLevels maps backend-specific risk labels to canonical levels. The
// oracle answers in Japanese by default; English labels come from newer
// prompt versions and other backends.
var LabelLevels = map[string]models.RiskLevel{
	"none":     models.RiskNone,
	"なし":       models.RiskNone,
	"無":        models.RiskNone,
	"low":      models.RiskLow,
	"低":        models.RiskLow,
	"medium":   models.RiskMedium,
	"mid":      models.RiskMedium,
	"中":        models.RiskMedium,
	"high":     models.RiskHigh,
	"高":        models.RiskHigh,
	"critical": models.RiskCritical,
	"重大":       models.RiskCritical,
	"危険":       models.RiskCritical,
	"error":    models.RiskError,
	"エラー":      models.RiskError,
}

// CanonicalLevel maps a raw label to a RiskLevel. Unknown or empty labels
// are not a judgment, so they map to ERROR and stay retriable.
func CanonicalLevel(label string) models.RiskLevel {
	key := strings.ToLower(strings.TrimSpace(label))
	if lvl, ok := LabelLevels[key]; ok {
		return lvl
	}
	// Tolerate decorations such as "高リスク" or "High risk".
	for _, prefix := range []string{"critical", "high", "medium", "low", "none"} {
		if strings.HasPrefix(key, prefix) {
			return LabelLevels[prefix]
		}
	}
	for _, jp := range []string{"重大", "高", "中", "低"} {
		if strings.HasPrefix(key, jp) {
			return LabelLevels[jp]
		}
	}
	return models.RiskError
}

// ExtractJSONObject returns the first balanced {...} substring of text.
// Braces inside JSON strings are ignored.
func ExtractJSONObject(text string) (string, bool) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end, ok := matchBrace(text, start); ok {
			return text[start : end+1], true
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func matchBrace(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
