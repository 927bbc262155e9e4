package ophys

import (
	"errors"
	"strings"
	"testing"
)

func TestNewCellExtractionDerivesUniqStims(t *testing.T) {
	times := ramp(100)
	stimOn := []float64{5, 15, 25, 35}
	stimID := []float64{2, 0, 2, 1}

	ce, err := NewCellExtraction(nil, times, stimOn, stimID, nil)
	if err != nil {
		t.Fatalf("NewCellExtraction: %v", err)
	}
	want := []float64{0, 1, 2}
	if len(ce.UniqStims) != len(want) {
		t.Fatalf("uniqStims = %v, want %v", ce.UniqStims, want)
	}
	for i, v := range want {
		if ce.UniqStims[i] != v {
			t.Errorf("uniqStims[%d] = %v, want %v", i, ce.UniqStims[i], v)
		}
	}
	if ce.ExtractionID == "" {
		t.Error("extraction ID not stamped")
	}
}

func TestNewCellExtractionValidation(t *testing.T) {
	times := ramp(100)

	cases := []struct {
		name  string
		run   func() error
		field string
	}{
		{
			name: "empty frame times",
			run: func() error {
				_, err := NewCellExtraction(nil, nil, []float64{1}, []float64{0}, nil)
				return err
			},
			field: "twophotontimes",
		},
		{
			name: "empty onsets",
			run: func() error {
				_, err := NewCellExtraction(nil, times, nil, nil, nil)
				return err
			},
			field: "stimOn",
		},
		{
			name: "onset outside acquisition range",
			run: func() error {
				_, err := NewCellExtraction(nil, times, []float64{50, 150}, []float64{0, 1}, nil)
				return err
			},
			field: "stimOn",
		},
		{
			name: "stimID length mismatch",
			run: func() error {
				_, err := NewCellExtraction(nil, times, []float64{10, 20}, []float64{0}, nil)
				return err
			},
			field: "stimID",
		},
		{
			name: "regOffsets length mismatch",
			run: func() error {
				_, err := NewCellExtraction(nil, times, []float64{10}, []float64{0}, make([][2]float64, 5))
				return err
			},
			field: "regOffsets",
		},
		{
			name: "non-monotonic onsets",
			run: func() error {
				_, err := NewCellExtraction(nil, times, []float64{20, 10}, []float64{0, 1}, nil)
				return err
			},
			field: "stimOn",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.run()
			var ae *AlignmentError
			if !errors.As(err, &ae) {
				t.Fatalf("got %v, want *AlignmentError", err)
			}
			if ae.Field != c.field {
				t.Errorf("error names field %q, want %q", ae.Field, c.field)
			}
		})
	}
}

func TestAddCellRejectsShortTrace(t *testing.T) {
	ce := testExtraction(t, 0)
	if _, err := ce.AddCell(0, 0, ramp(10)); err == nil {
		t.Error("short trace accepted")
	}
	if _, err := ce.AddCell(1, 2, ramp(len(ce.TwoPhotonTimes))); err != nil {
		t.Errorf("matching trace rejected: %v", err)
	}
}

func TestStimAngles(t *testing.T) {
	ce := testExtraction(t, 0) // conditions 0, 1, blank 2
	angles := ce.StimAngles()
	if len(angles) != 2 {
		t.Fatalf("got %d angles, want 2", len(angles))
	}
	if angles[0] != 0 || angles[1] != 180 {
		t.Errorf("angles = %v, want [0 180]", angles)
	}

	// A single condition means blank only: no angles.
	ce2, err := NewCellExtraction(nil, ramp(50), []float64{10}, []float64{0}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ce2.StimAngles() != nil {
		t.Error("single-condition extraction should have no stimulus angles")
	}
}

func TestCheckInvariantsCatchesShapeDrift(t *testing.T) {
	ce := testExtraction(t, 1)
	cfg := AlignConfig{PostFrames: 5}
	if err := ce.ExtractCells(cfg); err != nil {
		t.Fatal(err)
	}
	c := ce.Cells[0]
	if err := c.CheckInvariants(); err != nil {
		t.Fatalf("valid cell failed invariants: %v", err)
	}

	c.ConditionResponse = c.ConditionResponse[:1]
	if err := c.CheckInvariants(); err == nil {
		t.Error("truncated condition_response not caught")
	}
}

func TestSummaryMentionsCounts(t *testing.T) {
	ce := testExtraction(t, 2)
	s := ce.Summary()
	if s == "" {
		t.Fatal("empty summary")
	}
	for _, want := range []string{"2 cells", "6 stimulus onsets", "3 conditions"} {
		if !strings.Contains(s, want) {
			t.Errorf("summary %q missing %q", s, want)
		}
	}
}
