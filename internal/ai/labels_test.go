package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/digimosa/shop-patrol/internal/models"
)

func TestCanonicalLevel(t *testing.T) {
	cases := map[string]models.RiskLevel{
		"高":        models.RiskHigh,
		" 中 ":      models.RiskMedium,
		"低":        models.RiskLow,
		"エラー":      models.RiskError,
		"HIGH":     models.RiskHigh,
		"Critical": models.RiskCritical,
		"高リスク":     models.RiskHigh,
		"low risk": models.RiskLow,
		"なし":       models.RiskNone,
		"":         models.RiskError,
		"maybe":    models.RiskError,
	}
	for label, want := range cases {
		assert.Equal(t, want, CanonicalLevel(label), "label %q", label)
	}
}

func TestExtractJSONObject(t *testing.T) {
	obj, ok := ExtractJSONObject("prefix {\"reason\":\"uses } brace\",\"n\":{\"a\":1}} trailing {")
	assert.True(t, ok)
	assert.Equal(t, `{"reason":"uses } brace","n":{"a":1}}`, obj)

	obj, ok = ExtractJSONObject("{ broken { \"risk_level\":\"低\" }")
	assert.True(t, ok)
	assert.Equal(t, `{ "risk_level":"低" }`, obj)

	_, ok = ExtractJSONObject("no object here")
	assert.False(t, ok)
}
