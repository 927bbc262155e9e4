package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/SarvestaniLab/Ophys/internal/ophys"
)

func writeSession(t *testing.T, in *Input) string {
	t.Helper()
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func sampleInput(nFrames int) *Input {
	times := make([]float64, nFrames)
	trace := make([]float64, nFrames)
	for i := range times {
		times[i] = float64(i) * 0.1
		trace[i] = float64(i)
	}
	return &Input{
		TwoPhotonTimes: times,
		StimOn:         []float64{2, 4},
		StimID:         []float64{0, 1},
		Cells: []CellInput{
			{XPos: 10, YPos: 20, Trace: trace},
			{XPos: 30, YPos: 40, Trace: trace},
		},
	}
}

func TestLoadAndBuild(t *testing.T) {
	path := writeSession(t, sampleInput(100))

	in, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ce, err := in.BuildExtraction(nil)
	if err != nil {
		t.Fatalf("BuildExtraction: %v", err)
	}
	if len(ce.Cells) != 2 {
		t.Errorf("got %d cells, want 2", len(ce.Cells))
	}
	if len(ce.UniqStims) != 2 {
		t.Errorf("uniqStims = %v, want 2 conditions", ce.UniqStims)
	}
	if ce.Cells[0].XPos != 10 || ce.Cells[1].YPos != 40 {
		t.Error("cell positions not carried through")
	}
}

func TestLoadRejectsBadInputs(t *testing.T) {
	if _, err := Load("nope.txt"); err == nil {
		t.Error("non-json extension accepted")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing file accepted")
	}

	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed JSON accepted")
	}
}

func TestBuildExtractionSurfacesShapeErrors(t *testing.T) {
	in := sampleInput(100)
	in.Cells[1].Trace = in.Cells[1].Trace[:50]

	_, err := in.BuildExtraction(nil)
	var ae *ophys.AlignmentError
	if !errors.As(err, &ae) {
		t.Fatalf("got %v, want *ophys.AlignmentError", err)
	}
	if ae.Field != "raw_trace" {
		t.Errorf("error names %q, want raw_trace", ae.Field)
	}
}
