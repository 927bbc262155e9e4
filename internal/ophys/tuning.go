package ophys

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"github.com/SarvestaniLab/Ophys/internal/circstat"
	"github.com/SarvestaniLab/Ophys/internal/monitoring"
)

// TuningResult holds the fitted tuning metrics for one cell. Field names
// match the persisted attribute names consumed by the reporting stage.
type TuningResult struct {
	// PrefDirFit is the direction (degrees, mod 360) of the fitted
	// curve's global maximum.
	PrefDirFit float64 `json:"pref_dir_fit"`

	// PrefOrtFit is PrefDirFit folded into the orientation domain
	// (mod 180).
	PrefOrtFit float64 `json:"pref_ort_fit"`

	// DTIFit is the direction tuning index,
	// (R_pref - R_opposite) / (R_pref + R_opposite), clipped to [0, 1].
	DTIFit float64 `json:"dti_fit"`

	// OTIFit is the orientation tuning index over the orientation-folded
	// fitted curve, clipped to [0, 1].
	OTIFit float64 `json:"oti_fit"`

	// FitBandwidth is the half-width at half-maximum of the fitted lobe
	// around PrefDirFit, in degrees. NaN when the fit is too poorly
	// constrained to report one.
	FitBandwidth float64 `json:"fit_bandwidth"`

	// FitR is the Pearson correlation between the fitted curve at the
	// sampled angles and the observed responses.
	FitR float64 `json:"fit_r"`
}

// FitDiagnostics qualifies a tuning fit without failing it: batch pipelines
// keep going and filter on these flags afterwards.
type FitDiagnostics struct {
	// Converged is true when the optimizer reported success.
	Converged bool `json:"converged"`

	// LowConfidence marks fits with too few distinct angles for the
	// five-parameter model, or fits that did not converge.
	LowConfidence bool `json:"low_confidence"`

	// Degenerate marks flat or all-zero input, where every index
	// defaults to zero.
	Degenerate bool `json:"degenerate"`

	// Evaluations is the number of objective evaluations spent.
	Evaluations int `json:"evaluations"`

	// Residual is the final sum of squared residuals.
	Residual float64 `json:"residual"`
}

// tuningParams is the double von Mises model
//
//	R(theta) = base + ampPref*exp(kappa*(cos(theta-pref)-1))
//	                + ampNull*exp(kappa*(-cos(theta-pref)-1))
//
// two lobes 180 degrees apart sharing one width. kappa is carried as its
// logarithm so the optimizer cannot drive it negative, and the amplitudes
// are read through math.Abs for the same reason.
type tuningParams struct {
	base     float64
	ampPref  float64
	ampNull  float64
	prefRad  float64
	logKappa float64
}

func paramsFromVector(x []float64) tuningParams {
	return tuningParams{base: x[0], ampPref: x[1], ampNull: x[2], prefRad: x[3], logKappa: x[4]}
}

func (p tuningParams) eval(thetaDeg float64) float64 {
	kappa := math.Exp(p.logKappa)
	d := circstat.Radians(thetaDeg) - p.prefRad
	return p.base +
		math.Abs(p.ampPref)*math.Exp(kappa*(math.Cos(d)-1)) +
		math.Abs(p.ampNull)*math.Exp(kappa*(-math.Cos(d)-1))
}

// metric evaluation grid step, degrees
const curveStep = 0.5

// FitTuning fits the circular tuning model to one cell's condition-averaged
// responses and derives the standard tuning indices.
//
// responses holds one mean response per non-blank condition; angles holds
// the matching grating directions in degrees, uniformly spaced over
// [0, 360). The fit is nonlinear least squares (Nelder-Mead on the sum of
// squared residuals) seeded from the circular vector average of the
// responses, so the 359-next-to-0 wrap is respected throughout.
//
// The returned curve holds the fitted response at each input angle. Flat or
// all-equal responses are not an error: indices default to zero and the
// diagnostics carry the Degenerate flag.
func FitTuning(responses, angles []float64) (TuningResult, []float64, FitDiagnostics, error) {
	var result TuningResult
	var diag FitDiagnostics

	if len(responses) == 0 {
		return result, nil, diag, &AlignmentError{Field: "condition_responses", Reason: "empty"}
	}
	if len(responses) != len(angles) {
		return result, nil, diag, &AlignmentError{
			Field:  "stimulus_angles",
			Reason: fmt.Sprintf("length %d does not match condition_responses length %d", len(angles), len(responses)),
		}
	}
	for i, r := range responses {
		if math.IsNaN(r) {
			return result, nil, diag, &AlignmentError{
				Field:  "condition_responses",
				Reason: fmt.Sprintf("condition %d has no valid trials (NaN response)", i),
			}
		}
	}

	lo, hi := minMax(responses)
	if hi == lo {
		// Flat input: nothing to fit. Report a flat curve at the common
		// value and zero selectivity everywhere.
		curve := make([]float64, len(responses))
		for i := range curve {
			curve[i] = lo
		}
		diag.Degenerate = true
		diag.LowConfidence = true
		result.FitBandwidth = math.NaN()
		return result, curve, diag, nil
	}

	if len(responses) < 4 {
		diag.LowConfidence = true
	}

	objective := func(x []float64) float64 {
		p := paramsFromVector(x)
		sse := 0.0
		for i, a := range angles {
			r := p.eval(a) - responses[i]
			sse += r * r
		}
		return sse
	}
	problem := optimize.Problem{Func: objective}

	// Minimize from every seed and keep the lowest residual. Orientation-
	// tuned cells need the axis seed: their direction components cancel, so
	// a single direction-domain start can settle on a near-flat curve.
	seeds := seedCandidates(responses, angles, lo, hi)
	var best *optimize.Result
	for _, x0 := range seeds {
		fit, err := optimize.Minimize(problem, x0, nil, &optimize.NelderMead{})
		if err != nil || fit == nil {
			continue
		}
		diag.Evaluations += fit.Stats.FuncEvaluations
		if best == nil || fit.F < best.F {
			best = fit
		}
	}

	var p tuningParams
	if best == nil {
		// Fall back to the first seed so best-effort metrics still come
		// out.
		p = paramsFromVector(seeds[0])
		diag.LowConfidence = true
		diag.Residual = objective(seeds[0])
	} else {
		p = paramsFromVector(best.X)
		switch best.Status {
		case optimize.Success, optimize.FunctionConvergence, optimize.StepConvergence, optimize.MethodConverge, optimize.GradientThreshold:
			diag.Converged = true
		}
		diag.Residual = best.F
		if !diag.Converged {
			diag.LowConfidence = true
		}
	}

	curve := make([]float64, len(angles))
	for i, a := range angles {
		curve[i] = p.eval(a)
	}

	result = deriveMetrics(p, responses, curve)
	if diag.LowConfidence && len(responses) < 4 {
		// Too few degrees of freedom to trust a width estimate.
		result.FitBandwidth = math.NaN()
	}
	return result, curve, diag, nil
}

// seedCandidates builds the optimizer start points. The primary seed points
// at the vector-average preferred direction. When the direction resultant is
// near zero the responses carry two opposing lobes whose components cancel,
// so a second seed recovers the axis from the double-angle vector mean with
// matched lobe amplitudes.
func seedCandidates(responses, angles []float64, lo, hi float64) [][]float64 {
	weights := make([]float64, len(responses))
	for i, r := range responses {
		weights[i] = r - lo
	}
	prefDeg, resultant := circstat.WeightedMeanDeg(angles, weights)
	seeds := [][]float64{seedAt(responses, angles, lo, hi, prefDeg, false)}

	if resultant < 0.2 {
		doubled := make([]float64, len(angles))
		for i, a := range angles {
			doubled[i] = circstat.WrapDeg(2 * a)
		}
		axisDeg, _ := circstat.WeightedMeanDeg(doubled, weights)
		seeds = append(seeds, seedAt(responses, angles, lo, hi, axisDeg/2, true))
	}
	return seeds
}

func seedAt(responses, angles []float64, lo, hi, prefDeg float64, matchedLobes bool) []float64 {
	// Amplitude seeds come from the observed responses nearest the
	// preferred and opposite directions.
	ampPref := responses[nearestAngle(angles, prefDeg)] - lo
	ampNull := responses[nearestAngle(angles, prefDeg+180)] - lo
	if ampPref <= 0 {
		ampPref = hi - lo
	}
	if matchedLobes {
		ampNull = ampPref
	}
	if ampNull < 0 {
		ampNull = 0
	}
	return []float64{lo, ampPref, ampNull, circstat.Radians(prefDeg), math.Log(2)}
}

func nearestAngle(angles []float64, target float64) int {
	best, bestDist := 0, math.Inf(1)
	for i, a := range angles {
		d := math.Abs(circstat.DiffDeg(a, target))
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// deriveMetrics reads the tuning indices off the fitted curve, sampled on a
// fine grid so the global maximum does not depend on the stimulus grid.
func deriveMetrics(p tuningParams, responses, curveAtSamples []float64) TuningResult {
	var result TuningResult

	n := int(360 / curveStep)
	grid := make([]float64, n)
	peakIdx := 0
	troughVal := math.Inf(1)
	for i := 0; i < n; i++ {
		v := p.eval(float64(i) * curveStep)
		grid[i] = v
		if v > grid[peakIdx] {
			peakIdx = i
		}
		if v < troughVal {
			troughVal = v
		}
	}

	prefDir := circstat.WrapDeg(float64(peakIdx) * curveStep)
	result.PrefDirFit = prefDir
	result.PrefOrtFit = circstat.WrapOrt(prefDir)

	rPref := grid[peakIdx]
	rOpp := p.eval(prefDir + 180)
	result.DTIFit = clippedIndex(rPref, rOpp)

	// Orientation index over the mod-180 folded curve.
	oPref := p.eval(result.PrefOrtFit) + p.eval(result.PrefOrtFit+180)
	oOrth := p.eval(result.PrefOrtFit+90) + p.eval(result.PrefOrtFit+270)
	result.OTIFit = clippedIndex(oPref, oOrth)

	result.FitBandwidth = halfWidthAtHalfMax(grid, peakIdx, troughVal)
	result.FitR = fitCorrelation(curveAtSamples, responses)
	return result
}

// clippedIndex computes (a-b)/(a+b), treating below-zero selectivity as
// untuned and guarding the flat case.
func clippedIndex(a, b float64) float64 {
	denom := a + b
	if denom == 0 {
		return 0
	}
	idx := (a - b) / denom
	if idx < 0 {
		return 0
	}
	if idx > 1 {
		return 1
	}
	return idx
}

// halfWidthAtHalfMax walks outward from the peak until the curve drops below
// halfway between peak and trough, on both sides, and averages the two
// offsets. A lobe that never drops below halfway spans the whole half-circle
// and reports 180.
func halfWidthAtHalfMax(grid []float64, peakIdx int, trough float64) float64 {
	n := len(grid)
	peak := grid[peakIdx]
	if peak == trough {
		return math.NaN()
	}
	half := trough + (peak-trough)/2

	width := func(step int) float64 {
		for off := 1; off <= n/2; off++ {
			idx := ((peakIdx+step*off)%n + n) % n
			if grid[idx] < half {
				return float64(off) * curveStep
			}
		}
		return 180
	}
	return (width(1) + width(-1)) / 2
}

func fitCorrelation(fitted, observed []float64) float64 {
	r := stat.Correlation(fitted, observed, nil)
	if math.IsNaN(r) {
		return 0
	}
	return r
}

func minMax(vals []float64) (lo, hi float64) {
	lo, hi = vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// FitAllTuning fits tuning curves for every responsive cell with a full set
// of condition responses. Cells are independent, so fits run concurrently;
// failures are logged and skipped so one bad cell cannot stall a batch.
// Returns the number of cells fitted.
func (ce *CellExtraction) FitAllTuning() int {
	angles := ce.StimAngles()
	if angles == nil {
		monitoring.Logf("tuning: no non-blank conditions, nothing to fit")
		return 0
	}

	var wg sync.WaitGroup
	fitted := make([]bool, len(ce.Cells))
	for i, c := range ce.Cells {
		if !c.Responsive || len(c.ConditionResponse) < len(angles) {
			continue
		}
		wg.Add(1)
		go func(i int, c *Cell) {
			defer wg.Done()
			result, _, diag, err := FitTuning(c.ConditionResponse[:len(angles)], angles)
			if err != nil {
				monitoring.Logf("tuning: cell %d skipped: %v", i, err)
				return
			}
			if diag.Degenerate {
				monitoring.Logf("tuning: cell %d has flat responses, indices defaulted to 0", i)
			}
			c.Tuning = &result
			fitted[i] = true
		}(i, c)
	}
	wg.Wait()

	n := 0
	for _, ok := range fitted {
		if ok {
			n++
		}
	}
	return n
}
