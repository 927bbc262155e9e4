package api

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SarvestaniLab/Ophys/internal/fov"
	"github.com/SarvestaniLab/Ophys/internal/ophys"
)

func testServer(t *testing.T) *Server {
	t.Helper()

	f := &fov.FOV{
		AnimalName:    "F2573",
		RecordingDate: "2026-03-12",
		StimType:      "drifting_gratings",
		FrameRateHz:   30,
	}
	times := make([]float64, 40)
	for i := range times {
		times[i] = float64(i)
	}
	ce, err := ophys.NewCellExtraction(f,
		times, []float64{5, 15, 25}, []float64{0, 1, 2}, nil)
	if err != nil {
		t.Fatalf("NewCellExtraction: %v", err)
	}

	trace := make([]float64, 40)
	c1, err := ce.AddCell(10, 20, trace)
	if err != nil {
		t.Fatalf("AddCell: %v", err)
	}
	c1.Responsive = true
	c1.ConditionResponse = []float64{1.5, 2.5, 0.1}
	c1.RepeatCounts = []int{1, 1, 1}
	c1.Tuning = &ophys.TuningResult{
		PrefDirFit:   45,
		PrefOrtFit:   45,
		DTIFit:       0.7,
		OTIFit:       0.5,
		FitBandwidth: 28.5,
		FitR:         0.95,
	}

	if _, err := ce.AddCell(30, 40, trace); err != nil {
		t.Fatalf("AddCell: %v", err)
	}

	return NewServer(ce)
}

func doGet(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, req)
	return rec
}

func TestShowSummary(t *testing.T) {
	s := testServer(t)
	rec := doGet(t, s, "/summary")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}

	var got SummaryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if got.ExtractionID == "" {
		t.Error("summary missing extraction_id")
	}
	if got.AnimalName != "F2573" {
		t.Errorf("animal_name %q, want F2573", got.AnimalName)
	}
	if got.Frames != 40 || got.StimulusOnsets != 3 || got.Conditions != 3 {
		t.Errorf("dimensions %d/%d/%d, want 40/3/3",
			got.Frames, got.StimulusOnsets, got.Conditions)
	}
	if got.Cells != 2 || got.ResponsiveCells != 1 || got.FittedCells != 1 {
		t.Errorf("cell counts %d/%d/%d, want 2/1/1",
			got.Cells, got.ResponsiveCells, got.FittedCells)
	}
}

func TestListCells(t *testing.T) {
	s := testServer(t)
	rec := doGet(t, s, "/cells")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}

	var got []CellRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode cells: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 cells, got %d", len(got))
	}
	if got[0].Index != 0 || got[1].Index != 1 {
		t.Error("cells not in segmentation order")
	}
	if got[0].Tuning == nil {
		t.Fatal("fitted cell missing tuning block")
	}
	if got[0].Tuning.PrefDirFit != 45 {
		t.Errorf("pref_dir_fit %g, want 45", got[0].Tuning.PrefDirFit)
	}
	if got[1].Tuning != nil {
		t.Error("unfitted cell should have no tuning block")
	}
}

func TestListCellsResponsiveFilter(t *testing.T) {
	s := testServer(t)
	rec := doGet(t, s, "/cells?responsive=true")

	var got []CellRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode cells: %v", err)
	}
	if len(got) != 1 || !got[0].Responsive {
		t.Errorf("expected only the responsive cell, got %+v", got)
	}
}

func TestShowCell(t *testing.T) {
	s := testServer(t)
	rec := doGet(t, s, "/cells/1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}

	var got CellRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode cell: %v", err)
	}
	if got.Index != 1 || got.XPos != 30 {
		t.Errorf("wrong cell returned: %+v", got)
	}
}

func TestShowCellNotFound(t *testing.T) {
	s := testServer(t)
	for _, path := range []string{"/cells/99", "/cells/-1", "/cells/abc"} {
		rec := doGet(t, s, path)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status %d, want 404", path, rec.Code)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := testServer(t)
	for _, path := range []string{"/summary", "/cells", "/cells/0"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		rec := httptest.NewRecorder()
		s.ServeMux().ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s: status %d, want 405", path, rec.Code)
		}
	}
}

func TestNaNBandwidthSerialisesAsNull(t *testing.T) {
	s := testServer(t)
	s.ce.Cells[0].Tuning.FitBandwidth = math.NaN()

	rec := doGet(t, s, "/cells/0")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode cell: %v", err)
	}
	var tuning map[string]json.RawMessage
	if err := json.Unmarshal(raw["tuning"], &tuning); err != nil {
		t.Fatalf("decode tuning: %v", err)
	}
	if string(tuning["fit_bandwidth"]) != "null" {
		t.Errorf("fit_bandwidth = %s, want null", tuning["fit_bandwidth"])
	}
}

func TestEmptyConditionResponseSerialisesAsNull(t *testing.T) {
	s := testServer(t)
	s.ce.Cells[0].ConditionResponse = []float64{1, math.NaN(), 3}

	rec := doGet(t, s, "/cells/0")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200 (NaN must not break encoding)", rec.Code)
	}
	var got CellRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode cell: %v", err)
	}
	if got.ConditionResponse[1] != nil {
		t.Errorf("condition with no valid trials should serialise as null, got %g", *got.ConditionResponse[1])
	}
	if got.ConditionResponse[0] == nil || *got.ConditionResponse[0] != 1 {
		t.Error("valid condition responses must come through unchanged")
	}
}
