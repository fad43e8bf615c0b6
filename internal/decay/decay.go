// Package decay lowers the confidence of published rules whose supporting
// evidence has not been re-confirmed recently, and reports the rules that
// need a human to revalidate them. Decay never changes a rule's status.
package decay

import (
	"math"
	"time"
)

// Factor is the multiplier applied to base confidence after age without
// re-confirmation: 1 inside the staleness window, then halving every halfLife
func Factor(age, staleness, halfLife time.Duration) float64 {
	if age <= staleness || halfLife <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age-staleness)/float64(halfLife))
}

// Apply returns the decayed confidence. It never exceeds current, so
// repeated application is monotonically non-increasing.
func Apply(current, base float64, age, staleness, halfLife time.Duration) float64 {
	return math.Min(current, base*Factor(age, staleness, halfLife))
}
