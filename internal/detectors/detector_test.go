package detectors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestrictedKeywordDetector(t *testing.T) {
	d := NewRestrictedKeywordDetector(nil)

	hits := d.Detect("【送料無料】高級美容液 30ml")
	require.Len(t, hits, 1)
	assert.Equal(t, CategoryRestricted, hits[0].Category)
	assert.Equal(t, "美容液", hits[0].Term)
	assert.Contains(t, hits[0].Reason(), "NG商材")

	assert.Empty(t, d.Detect("木製 本棚 3段"))
	assert.Empty(t, d.Detect(""))
}

func TestRestrictedKeywordDetector_CustomList(t *testing.T) {
	d := NewRestrictedKeywordDetector([]string{"Gift Card", " "})
	hits := d.Detect("Amazon gift card 5000")
	require.Len(t, hits, 1)
	assert.Equal(t, "gift card", hits[0].Term)
	assert.Empty(t, d.Detect("美容液"))
}

func TestCounterfeitDetector(t *testing.T) {
	d, err := NewCounterfeitDetector(nil)
	require.NoError(t, err)

	assert.NotEmpty(t, d.Detect("N級品 ブランド バッグ"))
	assert.NotEmpty(t, d.Detect("Designer bag REPLICA grade"))
	assert.Empty(t, d.Detect("genuine leather wallet"))

	_, err = NewCounterfeitDetector([]string{"("})
	assert.Error(t, err)
}

func TestScreen_FirstHitWins(t *testing.T) {
	ds, err := Defaults(nil, nil)
	require.NoError(t, err)

	m, ok := Screen("スーパーコピー 化粧品 セット", ds)
	require.True(t, ok)
	assert.Equal(t, CategoryRestricted, m.Category)

	_, ok = Screen("折りたたみ椅子", ds)
	assert.False(t, ok)
}
