package ophys

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/SarvestaniLab/Ophys/internal/monitoring"
)

// AlignmentError reports a data-alignment failure, naming the offending
// input stream so batch callers can log something actionable.
type AlignmentError struct {
	Field  string
	Reason string
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("alignment input %s: %s", e.Field, e.Reason)
}

// AlignConfig describes the trial epoch cut around each stimulus onset.
//
// An epoch spans PreFrames frames before the onset frame plus PostFrames
// frames from the onset frame onward, EpochLen frames in total. The mean
// response is taken over [ResponseStart, ResponseEnd) within the epoch; the
// pre-onset frames serve as the baseline window when SubtractBaseline is
// set.
type AlignConfig struct {
	PreFrames  int `json:"pre_frames"`
	PostFrames int `json:"post_frames"`

	// Response window, as epoch-relative frame indices. Zero values
	// default to the post-onset span [PreFrames, EpochLen).
	ResponseStart int `json:"response_start"`
	ResponseEnd   int `json:"response_end"`

	// SubtractBaseline removes each trial's mean pre-onset value from the
	// whole epoch. Requires PreFrames > 0.
	SubtractBaseline bool `json:"subtract_baseline"`

	// TruncateRepeats trims every condition to the minimum valid repeat
	// count, producing a rectangular tensor. Default is off: repeat
	// counts stay ragged.
	TruncateRepeats bool `json:"truncate_repeats"`
}

// DefaultAlignConfig returns the epoch geometry used for drifting-grating
// sessions: a 4-frame baseline, 12 frames after onset, responses averaged
// over the post-onset span with baseline subtraction on.
func DefaultAlignConfig() AlignConfig {
	return AlignConfig{
		PreFrames:        4,
		PostFrames:       12,
		SubtractBaseline: true,
	}
}

// EpochLen returns the number of samples in one trial epoch.
func (cfg AlignConfig) EpochLen() int { return cfg.PreFrames + cfg.PostFrames }

func (cfg AlignConfig) responseWindow() (start, end int) {
	start, end = cfg.ResponseStart, cfg.ResponseEnd
	if start == 0 && end == 0 {
		start, end = cfg.PreFrames, cfg.EpochLen()
	}
	return start, end
}

// Validate checks the epoch geometry.
func (cfg AlignConfig) Validate() error {
	if cfg.PreFrames < 0 {
		return fmt.Errorf("pre_frames must be non-negative, got %d", cfg.PreFrames)
	}
	if cfg.PostFrames <= 0 {
		return fmt.Errorf("post_frames must be positive, got %d", cfg.PostFrames)
	}
	start, end := cfg.responseWindow()
	if start < 0 || end > cfg.EpochLen() || start >= end {
		return fmt.Errorf("response window [%d, %d) does not fit epoch of %d frames", start, end, cfg.EpochLen())
	}
	if cfg.SubtractBaseline && cfg.PreFrames == 0 {
		return fmt.Errorf("subtract_baseline requires pre_frames > 0")
	}
	return nil
}

// AlignResult is one cell's trial-structured view of its raw trace.
type AlignResult struct {
	// Cyc is indexed condition, repeat, sample, with conditions in
	// uniqStims order. A condition with no valid epochs has an empty
	// repeat list, never a fabricated one.
	Cyc [][][]float64

	// ConditionResponse is the mean response per condition, NaN where no
	// valid epochs exist.
	ConditionResponse []float64

	// RepeatCounts is the number of valid epochs kept per condition.
	RepeatCounts []int

	// DroppedTrials counts onsets excluded because their window exceeded
	// the trace bounds.
	DroppedTrials int
}

// Align cuts one cell's continuous trace into per-condition trial epochs.
//
// For each onset the epoch starts PreFrames before the first frame at or
// after the onset time. Epochs that would run past either end of the trace
// are dropped and counted, not clipped. Conditions are grouped in uniqStims
// order.
func Align(raw, twoPhotonTimes, stimOn, stimID, uniqStims []float64, cfg AlignConfig) (*AlignResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(raw) != len(twoPhotonTimes) {
		return nil, &AlignmentError{
			Field:  "raw_trace",
			Reason: fmt.Sprintf("length %d does not match twophotontimes length %d", len(raw), len(twoPhotonTimes)),
		}
	}
	if len(twoPhotonTimes) == 0 {
		return nil, &AlignmentError{Field: "twophotontimes", Reason: "empty"}
	}
	if err := checkStrictlyIncreasing("twophotontimes", twoPhotonTimes); err != nil {
		return nil, err
	}
	if len(stimOn) != len(stimID) {
		return nil, &AlignmentError{
			Field:  "stimID",
			Reason: fmt.Sprintf("length %d does not match stimOn length %d", len(stimID), len(stimOn)),
		}
	}
	if len(uniqStims) == 0 {
		return nil, &AlignmentError{Field: "uniqStims", Reason: "empty"}
	}

	condIndex := make(map[float64]int, len(uniqStims))
	for i, s := range uniqStims {
		condIndex[s] = i
	}

	epochLen := cfg.EpochLen()
	cyc := make([][][]float64, len(uniqStims))
	for i := range cyc {
		cyc[i] = [][]float64{}
	}
	dropped := 0

	for i, onset := range stimOn {
		cond, ok := condIndex[stimID[i]]
		if !ok {
			return nil, &AlignmentError{
				Field:  "stimID",
				Reason: fmt.Sprintf("onset %d has condition %g not present in uniqStims", i, stimID[i]),
			}
		}

		// First frame at or after the onset time.
		idx := sort.SearchFloat64s(twoPhotonTimes, onset)
		start := idx - cfg.PreFrames
		end := idx + cfg.PostFrames
		if start < 0 || end > len(raw) {
			dropped++
			continue
		}

		epoch := make([]float64, epochLen)
		copy(epoch, raw[start:end])
		if cfg.SubtractBaseline {
			base := stat.Mean(epoch[:cfg.PreFrames], nil)
			for j := range epoch {
				epoch[j] -= base
			}
		}
		cyc[cond] = append(cyc[cond], epoch)
	}

	if cfg.TruncateRepeats {
		truncateToMinRepeats(cyc)
	}

	respStart, respEnd := cfg.responseWindow()
	condResp := make([]float64, len(uniqStims))
	counts := make([]int, len(uniqStims))
	for c, repeats := range cyc {
		counts[c] = len(repeats)
		if len(repeats) == 0 {
			condResp[c] = math.NaN()
			continue
		}
		sum := 0.0
		for _, epoch := range repeats {
			sum += stat.Mean(epoch[respStart:respEnd], nil)
		}
		condResp[c] = sum / float64(len(repeats))
	}

	return &AlignResult{
		Cyc:               cyc,
		ConditionResponse: condResp,
		RepeatCounts:      counts,
		DroppedTrials:     dropped,
	}, nil
}

// truncateToMinRepeats trims every non-empty condition to the smallest valid
// repeat count. Empty conditions stay empty.
func truncateToMinRepeats(cyc [][][]float64) {
	minReps := -1
	for _, repeats := range cyc {
		if len(repeats) == 0 {
			continue
		}
		if minReps < 0 || len(repeats) < minReps {
			minReps = len(repeats)
		}
	}
	if minReps <= 0 {
		return
	}
	for c, repeats := range cyc {
		if len(repeats) > minReps {
			cyc[c] = repeats[:minReps]
		}
	}
}

// ExtractCells runs the aligner for every cell and populates Cyc,
// ConditionResponse, and the repeat accounting. Cells are independent, so
// the work fans out across goroutines; results land at each cell's original
// index.
func (ce *CellExtraction) ExtractCells(cfg AlignConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(ce.Cells) == 0 {
		return nil
	}

	errs := make([]error, len(ce.Cells))
	var wg sync.WaitGroup
	for i, c := range ce.Cells {
		wg.Add(1)
		go func(i int, c *Cell) {
			defer wg.Done()
			res, err := Align(c.Raw, ce.TwoPhotonTimes, ce.StimOn, ce.StimID, ce.UniqStims, cfg)
			if err != nil {
				errs[i] = fmt.Errorf("cell %d: %w", i, err)
				return
			}
			c.Cyc = res.Cyc
			c.ConditionResponse = res.ConditionResponse
			c.RepeatCounts = res.RepeatCounts
			c.DroppedTrials = res.DroppedTrials
			c.UniqStims = ce.UniqStims
		}(i, c)
	}
	wg.Wait()

	dropped := 0
	for i, err := range errs {
		if err != nil {
			return err
		}
		dropped += ce.Cells[i].DroppedTrials
	}
	if dropped > 0 {
		monitoring.Logf("alignment dropped %d out-of-bounds trials across %d cells", dropped, len(ce.Cells))
	}
	return nil
}
