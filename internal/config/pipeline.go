// Package config loads the analysis pipeline configuration from JSON.
// Fields are pointer-typed so a partial file overrides only what it names;
// the Get* methods supply defaults for everything else.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/SarvestaniLab/Ophys/internal/ophys"
)

// PipelineConfig is the root configuration for an extraction run: the epoch
// geometry around each stimulus onset plus the responsiveness threshold.
type PipelineConfig struct {
	// Epoch geometry
	PreFrames     *int `json:"pre_frames,omitempty"`
	PostFrames    *int `json:"post_frames,omitempty"`
	ResponseStart *int `json:"response_start,omitempty"`
	ResponseEnd   *int `json:"response_end,omitempty"`

	SubtractBaseline *bool `json:"subtract_baseline,omitempty"`
	TruncateRepeats  *bool `json:"truncate_repeats,omitempty"`

	// Responsiveness test
	Alpha *float64 `json:"alpha,omitempty"`
}

// EmptyPipelineConfig returns a PipelineConfig with all fields unset.
func EmptyPipelineConfig() *PipelineConfig {
	return &PipelineConfig{}
}

// LoadPipelineConfig loads a PipelineConfig from a JSON file. The file must
// have a .json extension and stay under the max file size. Fields omitted
// from the file keep their defaults, so partial configs are safe.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyPipelineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the set fields; unset fields fall back to valid defaults
// and need no checking here. Cross-field geometry is validated once the
// AlignConfig is assembled.
func (c *PipelineConfig) Validate() error {
	if c.PreFrames != nil && *c.PreFrames < 0 {
		return fmt.Errorf("pre_frames must be non-negative, got %d", *c.PreFrames)
	}
	if c.PostFrames != nil && *c.PostFrames <= 0 {
		return fmt.Errorf("post_frames must be positive, got %d", *c.PostFrames)
	}
	if c.Alpha != nil {
		if *c.Alpha <= 0 || *c.Alpha >= 1 {
			return fmt.Errorf("alpha must be in (0, 1), got %f", *c.Alpha)
		}
	}
	return nil
}

// GetAlpha returns the responsiveness significance level or the default.
func (c *PipelineConfig) GetAlpha() float64 {
	if c.Alpha == nil {
		return ophys.DefaultResponsivenessAlpha
	}
	return *c.Alpha
}

// AlignConfig assembles the epoch geometry, filling unset fields from
// ophys.DefaultAlignConfig, and validates the result.
func (c *PipelineConfig) AlignConfig() (ophys.AlignConfig, error) {
	cfg := ophys.DefaultAlignConfig()
	if c.PreFrames != nil {
		cfg.PreFrames = *c.PreFrames
	}
	if c.PostFrames != nil {
		cfg.PostFrames = *c.PostFrames
	}
	if c.ResponseStart != nil {
		cfg.ResponseStart = *c.ResponseStart
	}
	if c.ResponseEnd != nil {
		cfg.ResponseEnd = *c.ResponseEnd
	}
	if c.SubtractBaseline != nil {
		cfg.SubtractBaseline = *c.SubtractBaseline
	}
	if c.TruncateRepeats != nil {
		cfg.TruncateRepeats = *c.TruncateRepeats
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
