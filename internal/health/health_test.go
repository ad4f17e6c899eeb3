package health

import "testing"

func TestWaterMarksTierFor(t *testing.T) {
	marks := WaterMarks{Low: 10, High: 50, Overflow: 100}

	cases := []struct {
		depth int
		want  QueueDepthTier
	}{
		{0, TierNormal},
		{9, TierNormal},
		{10, TierWarning},
		{49, TierWarning},
		{50, TierCritical},
		{99, TierCritical},
		{100, TierOverflow},
		{500, TierOverflow},
	}
	for _, tc := range cases {
		if got := marks.tierFor(tc.depth); got != tc.want {
			t.Errorf("tierFor(%d) = %s, want %s", tc.depth, got, tc.want)
		}
	}
}
