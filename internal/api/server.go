// Package api exposes a loaded extraction to the reporting collaborator as a
// small read-only JSON surface.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/SarvestaniLab/Ophys/internal/ophys"
)

const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	ce *ophys.CellExtraction
}

func NewServer(ce *ophys.CellExtraction) *Server {
	return &Server{ce: ce}
}

// SummaryResponse is the /summary payload.
type SummaryResponse struct {
	ExtractionID    string  `json:"extraction_id"`
	AnimalName      string  `json:"animal_name,omitempty"`
	RecordingDate   string  `json:"recording_date,omitempty"`
	StimType        string  `json:"stim_type,omitempty"`
	Frames          int     `json:"frames"`
	StimulusOnsets  int     `json:"stimulus_onsets"`
	Conditions      int     `json:"conditions"`
	Cells           int     `json:"cells"`
	ResponsiveCells int     `json:"responsive_cells"`
	FittedCells     int     `json:"fitted_cells"`
	FrameRateHz     float64 `json:"frame_rate_hz,omitempty"`
}

// CellRecord is one cell in the /cells payloads. Tuning metrics are present
// only for fitted cells. Absent values serialise as null: a NaN bandwidth,
// and the mean response of a condition with no valid trials.
type CellRecord struct {
	Index             int         `json:"index"`
	XPos              float64     `json:"x_pos"`
	YPos              float64     `json:"y_pos"`
	Responsive        bool        `json:"responsive"`
	DroppedTrials     int         `json:"dropped_trials"`
	ConditionResponse []*float64  `json:"condition_response,omitempty"`
	RepeatCounts      []int       `json:"repeat_counts,omitempty"`
	Tuning            *TuningJSON `json:"tuning,omitempty"`
}

// TuningJSON mirrors ophys.TuningResult but survives JSON encoding when the
// bandwidth is NaN (encoding/json rejects NaN floats).
type TuningJSON struct {
	PrefDirFit   float64  `json:"pref_dir_fit"`
	PrefOrtFit   float64  `json:"pref_ort_fit"`
	DTIFit       float64  `json:"dti_fit"`
	OTIFit       float64  `json:"oti_fit"`
	FitBandwidth *float64 `json:"fit_bandwidth"`
	FitR         float64  `json:"fit_r"`
}

func tuningJSON(t *ophys.TuningResult) *TuningJSON {
	if t == nil {
		return nil
	}
	out := &TuningJSON{
		PrefDirFit: t.PrefDirFit,
		PrefOrtFit: t.PrefOrtFit,
		DTIFit:     t.DTIFit,
		OTIFit:     t.OTIFit,
		FitR:       t.FitR,
	}
	if !math.IsNaN(t.FitBandwidth) {
		bw := t.FitBandwidth
		out.FitBandwidth = &bw
	}
	return out
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/summary", s.showSummary)
	mux.HandleFunc("/cells", s.listCells)
	mux.HandleFunc("/cells/", s.showCell)
	return mux
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) showSummary(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	resp := SummaryResponse{
		ExtractionID:   s.ce.ExtractionID,
		Frames:         len(s.ce.TwoPhotonTimes),
		StimulusOnsets: len(s.ce.StimOn),
		Conditions:     len(s.ce.UniqStims),
		Cells:          len(s.ce.Cells),
	}
	if f := s.ce.FOV; f != nil {
		resp.AnimalName = f.AnimalName
		resp.RecordingDate = f.RecordingDate
		resp.StimType = f.StimType
		resp.FrameRateHz = f.FrameRateHz
	}
	for _, c := range s.ce.Cells {
		if c.Responsive {
			resp.ResponsiveCells++
		}
		if c.Tuning != nil {
			resp.FittedCells++
		}
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write summary")
	}
}

func (s *Server) listCells(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	responsiveOnly := r.URL.Query().Get("responsive") == "true"

	records := make([]CellRecord, 0, len(s.ce.Cells))
	for i, c := range s.ce.Cells {
		if responsiveOnly && !c.Responsive {
			continue
		}
		records = append(records, cellRecord(i, c))
	}

	if err := json.NewEncoder(w).Encode(records); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write cells")
	}
}

func (s *Server) showCell(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	idxStr := strings.TrimPrefix(r.URL.Path, "/cells/")
	idx, err := strconv.Atoi(idxStr)
	if err != nil || idx < 0 || idx >= len(s.ce.Cells) {
		s.writeJSONError(w, http.StatusNotFound,
			fmt.Sprintf("no cell at index %q", idxStr))
		return
	}

	if err := json.NewEncoder(w).Encode(cellRecord(idx, s.ce.Cells[idx])); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write cell")
	}
}

func cellRecord(idx int, c *ophys.Cell) CellRecord {
	return CellRecord{
		Index:             idx,
		XPos:              c.XPos,
		YPos:              c.YPos,
		Responsive:        c.Responsive,
		DroppedTrials:     c.DroppedTrials,
		ConditionResponse: nullableFloats(c.ConditionResponse),
		RepeatCounts:      c.RepeatCounts,
		Tuning:            tuningJSON(c.Tuning),
	}
}

// nullableFloats maps NaN entries (conditions with no valid trials) to nil so
// they serialise as null rather than a fabricated number.
func nullableFloats(vals []float64) []*float64 {
	if vals == nil {
		return nil
	}
	out := make([]*float64, len(vals))
	for i := range vals {
		if !math.IsNaN(vals[i]) {
			out[i] = &vals[i]
		}
	}
	return out
}
