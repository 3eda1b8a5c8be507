package fuzzy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRatioIdentical(t *testing.T) {
	assert.Equal(t, 1.0, Ratio("星巴克咖啡", "星巴克咖啡"))
	assert.Equal(t, 1.0, Ratio("", ""))
}

func TestRatioDisjoint(t *testing.T) {
	assert.Equal(t, 0.0, Ratio("abc", "xyz"))
}

func TestRatioPartialOverlap(t *testing.T) {
	// "abcd" vs "bcde": blocks {bcd}, M=3, T=8 -> 0.75
	assert.InDelta(t, 0.75, Ratio("abcd", "bcde"), 1e-9)
}

func TestRatioCJKVariants(t *testing.T) {
	r := Ratio("星巴克咖啡有限公司", "星巴克咖啡")
	assert.Greater(t, r, 0.7)

	r = Ratio("滴滴出行科技有限公司", "滴滴出行")
	assert.Greater(t, r, 0.6)
}

func TestNormalizedIgnoresCaseAndSpacing(t *testing.T) {
	assert.Equal(t, 1.0, Normalized("ACME  Corp", "acme corp"))
	assert.True(t, Similar("Starbucks Coffee", "starbucks  coffee", 0.99))
}

func TestSimilarThreshold(t *testing.T) {
	assert.True(t, Similar("办公用品采购", "办公用品", 0.7))
	assert.False(t, Similar("办公用品", "差旅住宿", 0.5))
}

func TestRatioAsymmetricLengths(t *testing.T) {
	// One rune shared out of 1+9 runes: 2*1/10.
	assert.InDelta(t, 0.2, Ratio("a", "a23456789"), 1e-9)
}
