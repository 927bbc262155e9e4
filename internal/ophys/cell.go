// Package ophys holds the domain model for trial-structured calcium-imaging
// analysis: segmented cells, the stimulus-aligned extraction that owns them,
// the trial aligner, the responsiveness test, and the circular tuning
// estimator.
package ophys

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/SarvestaniLab/Ophys/internal/fov"
)

// Cell is one segmented unit: its position in the field of view, its raw
// fluorescence trace, and the trial-structured views derived from it.
//
// Raw is immutable after extraction. Cyc is indexed condition, repeat,
// sample; repeat counts may differ across conditions unless the aligner was
// asked to truncate them.
type Cell struct {
	XPos float64
	YPos float64

	// Raw is the full-session fluorescence trace, one sample per
	// acquisition frame.
	Raw []float64

	// Cyc is the trial-epoched view of Raw, populated by the aligner.
	Cyc [][][]float64

	// UniqStims mirrors the extraction's condition identifiers, sorted
	// ascending, blank last.
	UniqStims []float64

	// ConditionResponse holds one scalar mean response per condition,
	// positionally aligned with UniqStims. NaN marks a condition with no
	// valid trials.
	ConditionResponse []float64

	// RepeatCounts reports how many onsets of each condition yielded a
	// valid (non-clipped) epoch.
	RepeatCounts []int

	// DroppedTrials counts onsets whose epoch window fell outside the
	// trace and were excluded from Cyc.
	DroppedTrials int

	// Responsive is true when the evoked response is statistically
	// distinguishable from baseline (see EvaluateResponsiveness).
	Responsive bool

	// Tuning is present only for cells that have been through the tuning
	// estimator.
	Tuning *TuningResult
}

// CheckInvariants verifies the structural relationships between the cell's
// trial-structured fields. It is cheap and safe to call on a cell that has
// not been extracted yet (all derived fields empty).
func (c *Cell) CheckInvariants() error {
	if c.Cyc == nil && c.ConditionResponse == nil {
		return nil
	}
	if len(c.Cyc) != len(c.UniqStims) {
		return fmt.Errorf("cyc has %d conditions, uniqStims has %d", len(c.Cyc), len(c.UniqStims))
	}
	if len(c.ConditionResponse) != len(c.UniqStims) {
		return fmt.Errorf("condition_response has %d entries, uniqStims has %d", len(c.ConditionResponse), len(c.UniqStims))
	}
	if c.RepeatCounts != nil {
		for i, reps := range c.Cyc {
			if len(reps) != c.RepeatCounts[i] {
				return fmt.Errorf("condition %d: %d repeats stored, %d reported", i, len(reps), c.RepeatCounts[i])
			}
		}
	}
	return nil
}

// CellExtraction aggregates one imaging session: acquisition timing, the
// stimulus stream, and the ordered cells segmented from it. It is built once
// per session, the aligner populates each cell's trial tensor exactly once,
// and the tuning estimator later attaches metrics to responsive cells. The
// store only ever sees a fully formed snapshot.
type CellExtraction struct {
	// ExtractionID identifies this extraction run across saves and the
	// HTTP surface.
	ExtractionID string

	// FOV is the session's recording configuration. Opaque here beyond
	// the scalar attributes it exports for persistence.
	FOV *fov.FOV

	// TwoPhotonTimes holds one timestamp (seconds) per acquisition frame,
	// strictly increasing.
	TwoPhotonTimes []float64

	// StimOn holds stimulus onset timestamps, strictly increasing, each
	// within the acquisition time range.
	StimOn []float64

	// StimID gives the condition identifier active at each onset.
	StimID []float64

	// UniqStims is the sorted unique set of StimID values. The highest
	// identifier is the blank condition by convention.
	UniqStims []float64

	// RegOffsets optionally holds per-frame motion-registration offsets,
	// one (x, y) pair per acquisition frame.
	RegOffsets [][2]float64

	// Cells in segmentation order.
	Cells []*Cell
}

// NewCellExtraction validates the session's timing streams, derives the
// unique condition set, and stamps a fresh extraction identifier. The cell
// collection starts empty; use AddCell.
func NewCellExtraction(f *fov.FOV, twoPhotonTimes, stimOn, stimID []float64, regOffsets [][2]float64) (*CellExtraction, error) {
	if len(twoPhotonTimes) == 0 {
		return nil, &AlignmentError{Field: "twophotontimes", Reason: "empty"}
	}
	if err := checkStrictlyIncreasing("twophotontimes", twoPhotonTimes); err != nil {
		return nil, err
	}
	if len(stimOn) == 0 {
		return nil, &AlignmentError{Field: "stimOn", Reason: "empty"}
	}
	if err := checkStrictlyIncreasing("stimOn", stimOn); err != nil {
		return nil, err
	}
	if len(stimID) != len(stimOn) {
		return nil, &AlignmentError{
			Field:  "stimID",
			Reason: fmt.Sprintf("length %d does not match stimOn length %d", len(stimID), len(stimOn)),
		}
	}
	first, last := twoPhotonTimes[0], twoPhotonTimes[len(twoPhotonTimes)-1]
	if stimOn[0] < first || stimOn[len(stimOn)-1] > last {
		return nil, &AlignmentError{
			Field:  "stimOn",
			Reason: fmt.Sprintf("onsets span [%g, %g], outside acquisition range [%g, %g]", stimOn[0], stimOn[len(stimOn)-1], first, last),
		}
	}
	if regOffsets != nil && len(regOffsets) != len(twoPhotonTimes) {
		return nil, &AlignmentError{
			Field:  "regOffsets",
			Reason: fmt.Sprintf("length %d does not match frame count %d", len(regOffsets), len(twoPhotonTimes)),
		}
	}

	return &CellExtraction{
		ExtractionID:   uuid.NewString(),
		FOV:            f,
		TwoPhotonTimes: twoPhotonTimes,
		StimOn:         stimOn,
		StimID:         stimID,
		UniqStims:      uniqueSorted(stimID),
		RegOffsets:     regOffsets,
		Cells:          []*Cell{},
	}, nil
}

// AddCell appends a segmented cell. Raw must have one sample per acquisition
// frame.
func (ce *CellExtraction) AddCell(xPos, yPos float64, raw []float64) (*Cell, error) {
	if len(raw) != len(ce.TwoPhotonTimes) {
		return nil, &AlignmentError{
			Field:  "raw_trace",
			Reason: fmt.Sprintf("length %d does not match frame count %d", len(raw), len(ce.TwoPhotonTimes)),
		}
	}
	c := &Cell{XPos: xPos, YPos: yPos, Raw: raw}
	ce.Cells = append(ce.Cells, c)
	return c, nil
}

// ResponsiveCells returns the cells flagged responsive, in segmentation
// order.
func (ce *CellExtraction) ResponsiveCells() []*Cell {
	var out []*Cell
	for _, c := range ce.Cells {
		if c.Responsive {
			out = append(out, c)
		}
	}
	return out
}

// StimAngles returns the grating direction (degrees) for each non-blank
// condition, assuming uniform spacing over [0, 360). The blank condition is
// the highest identifier and carries no angle.
func (ce *CellExtraction) StimAngles() []float64 {
	n := len(ce.UniqStims) - 1
	if n <= 0 {
		return nil
	}
	angles := make([]float64, n)
	for i := range angles {
		angles[i] = float64(i) * 360 / float64(n)
	}
	return angles
}

// Summary returns a one-paragraph description of the extraction for logs and
// the CLI.
func (ce *CellExtraction) Summary() string {
	responsive := len(ce.ResponsiveCells())
	animal := ""
	if ce.FOV != nil {
		animal = ce.FOV.AnimalName
	}
	return fmt.Sprintf(
		"extraction %s (animal %q): %d frames, %d stimulus onsets, %d conditions, %d cells (%d responsive)",
		ce.ExtractionID, animal, len(ce.TwoPhotonTimes), len(ce.StimOn), len(ce.UniqStims), len(ce.Cells), responsive,
	)
}

func uniqueSorted(vals []float64) []float64 {
	seen := make(map[float64]struct{}, len(vals))
	var out []float64
	for _, v := range vals {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Float64s(out)
	return out
}

func checkStrictlyIncreasing(field string, vals []float64) error {
	for i := 1; i < len(vals); i++ {
		if vals[i] <= vals[i-1] {
			return &AlignmentError{
				Field:  field,
				Reason: fmt.Sprintf("not strictly increasing at index %d (%g after %g)", i, vals[i], vals[i-1]),
			}
		}
	}
	return nil
}
