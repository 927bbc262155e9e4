package ophys

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultResponsivenessAlpha is the significance level for the per-cell
// responsiveness test.
const DefaultResponsivenessAlpha = 0.05

// ResponsivenessResult reports the statistical test behind the Responsive
// flag.
type ResponsivenessResult struct {
	Responsive   bool    `json:"responsive"`
	PValue       float64 `json:"p_value"`
	MeanEvoked   float64 `json:"mean_evoked"`
	MeanBaseline float64 `json:"mean_baseline"`
	Trials       int     `json:"trials"`
}

// EvaluateResponsiveness decides whether the cell's evoked response is
// distinguishable from baseline.
//
// The test is a one-sided paired t-test over all valid trials from the
// non-blank conditions: each trial contributes the difference between its
// mean response
// over the configured response window and its mean over the pre-onset
// baseline window. The cell is responsive when the mean difference is
// positive with p below alpha. Fewer than two valid trials, or a zero-length
// baseline window, yields not-responsive with p = 1 rather than an error, so
// batch runs continue.
func (c *Cell) EvaluateResponsiveness(cfg AlignConfig, alpha float64) ResponsivenessResult {
	result := ResponsivenessResult{PValue: 1}
	if alpha <= 0 {
		alpha = DefaultResponsivenessAlpha
	}
	if cfg.PreFrames == 0 || len(c.Cyc) == 0 {
		c.Responsive = false
		return result
	}

	// The blank condition sits last; it evokes nothing and would only
	// dilute the test. With only the blank present there is nothing to
	// test.
	conds := c.Cyc[:len(c.Cyc)-1]
	if len(conds) == 0 {
		c.Responsive = false
		return result
	}

	respStart, respEnd := cfg.responseWindow()
	var diffs []float64
	var evokedSum, baseSum float64
	for _, repeats := range conds {
		for _, epoch := range repeats {
			if len(epoch) < respEnd {
				continue
			}
			evoked := stat.Mean(epoch[respStart:respEnd], nil)
			base := stat.Mean(epoch[:cfg.PreFrames], nil)
			diffs = append(diffs, evoked-base)
			evokedSum += evoked
			baseSum += base
		}
	}
	result.Trials = len(diffs)
	if len(diffs) < 2 {
		c.Responsive = false
		return result
	}
	result.MeanEvoked = evokedSum / float64(len(diffs))
	result.MeanBaseline = baseSum / float64(len(diffs))

	mean, variance := stat.MeanVariance(diffs, nil)
	if variance == 0 {
		// Identical differences across all trials: either a flat cell
		// (mean 0, not responsive) or a pathological constant offset.
		result.PValue = 1
		if mean > 0 {
			result.PValue = 0
			result.Responsive = true
		}
		c.Responsive = result.Responsive
		return result
	}

	n := float64(len(diffs))
	t := mean / math.Sqrt(variance/n)
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: n - 1}
	result.PValue = 1 - dist.CDF(t)
	result.Responsive = mean > 0 && result.PValue < alpha
	c.Responsive = result.Responsive
	return result
}

// EvaluateResponsiveness runs the per-cell test across the whole extraction
// and returns the number of responsive cells.
func (ce *CellExtraction) EvaluateResponsiveness(cfg AlignConfig, alpha float64) int {
	n := 0
	for _, c := range ce.Cells {
		if c.EvaluateResponsiveness(cfg, alpha).Responsive {
			n++
		}
	}
	return n
}
