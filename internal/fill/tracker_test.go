package fill

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/edgeexec/internal/domain"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		spread, liq float64
		want        BucketKey
	}{
		{0.01, 10, BucketKey{SpreadNarrow, DepthThin}},
		{0.03, 100, BucketKey{SpreadMedium, DepthOK}},
		{0.08, 500, BucketKey{SpreadWide, DepthDeep}},
		{0.02, 50, BucketKey{SpreadMedium, DepthOK}},
	}
	for _, c := range cases {
		got := Classify(domain.Signal{Spread: c.spread, LiquidityUSD: c.liq})
		assert.Equal(t, c.want, got, "spread=%v liq=%v", c.spread, c.liq)
	}
}

func TestFillProbability_DefaultsToOneWithFewSamples(t *testing.T) {
	tr := NewTracker()
	sig := domain.Signal{Spread: 0.04, LiquidityUSD: 100}
	for i := 0; i < minObservations-1; i++ {
		tr.Record(sig, domain.FillTimeout)
	}
	require.Equal(t, 1.0, tr.FillProbability(sig))
}

func TestFillProbability_CountsPartialAsFilled(t *testing.T) {
	tr := NewTracker()
	sig := domain.Signal{Spread: 0.04, LiquidityUSD: 100}
	for i := 0; i < 4; i++ {
		tr.Record(sig, domain.FillMatched)
	}
	tr.Record(sig, domain.FillPartial)
	for i := 0; i < 5; i++ {
		tr.Record(sig, domain.FillCancelled)
	}
	assert.InDelta(t, 0.5, tr.FillProbability(sig), 1e-9)

	// 其他分桶不受影响
	other := domain.Signal{Spread: 0.01, LiquidityUSD: 1000}
	assert.Equal(t, 1.0, tr.FillProbability(other))

	stats := tr.Stats()
	assert.Equal(t, BucketStats{Filled: 5, Total: 10}, stats["medium/ok"])
}
