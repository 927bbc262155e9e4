// Package fov carries the field-of-view recording configuration for one
// imaging session. The analysis core treats it as an already-validated
// record; only the scalar attributes it exports travel into the container.
package fov

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// FOV describes one imaging session's recording configuration.
type FOV struct {
	AnimalName    string `json:"animal_name"`
	RecordingDate string `json:"recording_date"`
	StimType      string `json:"stim_type"`
	BrainRegion   string `json:"brain_region"`
	Layer         string `json:"layer,omitempty"`

	// Factor is the temporal downsampling factor applied upstream of the
	// traces; informational here.
	Factor int `json:"factor,omitempty"`

	// FrameRateHz is the acquisition frame rate; informational here.
	FrameRateHz float64 `json:"frame_rate_hz,omitempty"`
}

// Validate checks the fields required downstream.
func (f *FOV) Validate() error {
	if f.AnimalName == "" {
		return fmt.Errorf("animal_name is required")
	}
	if f.RecordingDate == "" {
		return fmt.Errorf("recording_date is required")
	}
	if f.StimType == "" {
		return fmt.Errorf("stim_type is required")
	}
	if f.Factor < 0 {
		return fmt.Errorf("factor must be non-negative, got %d", f.Factor)
	}
	if f.FrameRateHz < 0 {
		return fmt.Errorf("frame_rate_hz must be non-negative, got %g", f.FrameRateHz)
	}
	return nil
}

// Load reads an FOV configuration from a JSON file.
func Load(path string) (*FOV, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("fov config must have .json extension, got %q", ext)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read fov config: %w", err)
	}
	var f FOV
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fov config JSON: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fov config: %w", err)
	}
	return &f, nil
}

// ExportAttrs flattens the FOV into the scalar attribute map persisted under
// the container's fov_metadata group. Every value is stringified; empty
// optional fields are omitted rather than written as placeholders. The field
// list is fixed: adding an attribute is a schema change, not a reflection
// side effect.
func (f *FOV) ExportAttrs() map[string]string {
	if f == nil {
		return nil
	}
	attrs := map[string]string{
		"animal_name":    f.AnimalName,
		"recording_date": f.RecordingDate,
		"stim_type":      f.StimType,
		"brain_region":   f.BrainRegion,
	}
	if f.Layer != "" {
		attrs["layer"] = f.Layer
	}
	if f.Factor != 0 {
		attrs["factor"] = strconv.Itoa(f.Factor)
	}
	if f.FrameRateHz != 0 {
		attrs["frame_rate_hz"] = strconv.FormatFloat(f.FrameRateHz, 'g', -1, 64)
	}
	return attrs
}

// FromAttrs rebuilds an FOV from a persisted attribute map. Unknown keys are
// ignored and missing keys default to empty, preserving forward and backward
// schema tolerance.
func FromAttrs(attrs map[string]string) *FOV {
	if len(attrs) == 0 {
		return nil
	}
	f := &FOV{
		AnimalName:    attrs["animal_name"],
		RecordingDate: attrs["recording_date"],
		StimType:      attrs["stim_type"],
		BrainRegion:   attrs["brain_region"],
		Layer:         attrs["layer"],
	}
	if v, ok := attrs["factor"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			f.Factor = n
		}
	}
	if v, ok := attrs["frame_rate_hz"]; ok {
		if x, err := strconv.ParseFloat(v, 64); err == nil {
			f.FrameRateHz = x
		}
	}
	return f
}

// AttrKeys lists the exported attribute names in stable order, for tests and
// diagnostics.
func AttrKeys(attrs map[string]string) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
