// Package session loads the raw per-session inputs handed over by the
// acquisition and segmentation stages: frame timestamps, the stimulus
// onset/identity stream, optional registration offsets, and one trace plus
// position per segmented cell. Parsing stimulus description files and
// running segmentation happen upstream; this package only validates shapes
// and builds the extraction aggregate.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/SarvestaniLab/Ophys/internal/fov"
	"github.com/SarvestaniLab/Ophys/internal/ophys"
)

// CellInput is one segmented unit as delivered by the segmentation stage.
type CellInput struct {
	XPos  float64   `json:"x_pos"`
	YPos  float64   `json:"y_pos"`
	Trace []float64 `json:"trace"`
}

// Input is the on-disk session record.
type Input struct {
	TwoPhotonTimes []float64    `json:"twophotontimes"`
	StimOn         []float64    `json:"stimOn"`
	StimID         []float64    `json:"stimID"`
	RegOffsets     [][2]float64 `json:"regOffsets,omitempty"`
	Cells          []CellInput  `json:"cells"`
}

// Load reads a session input file.
func Load(path string) (*Input, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("session input must have .json extension, got %q", ext)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read session input: %w", err)
	}
	var in Input
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("failed to parse session input JSON: %w", err)
	}
	return &in, nil
}

// BuildExtraction validates the session streams and assembles the extraction
// aggregate, one cell per segmentation entry in input order. Shape errors
// surface as the aligner's typed errors naming the offending field.
func (in *Input) BuildExtraction(f *fov.FOV) (*ophys.CellExtraction, error) {
	ce, err := ophys.NewCellExtraction(f, in.TwoPhotonTimes, in.StimOn, in.StimID, in.RegOffsets)
	if err != nil {
		return nil, err
	}
	for i, c := range in.Cells {
		if _, err := ce.AddCell(c.XPos, c.YPos, c.Trace); err != nil {
			return nil, fmt.Errorf("cell %d: %w", i, err)
		}
	}
	return ce, nil
}
