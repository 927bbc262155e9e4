package fov

import (
	"os"
	"path/filepath"
	"testing"
)

func validFOV() *FOV {
	return &FOV{
		AnimalName:    "M123",
		RecordingDate: "2026-08-11",
		StimType:      "drifting_grating",
		BrainRegion:   "V1",
		Layer:         "L2/3",
		Factor:        1,
		FrameRateHz:   15.5,
	}
}

func TestValidate(t *testing.T) {
	if err := validFOV().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	missing := validFOV()
	missing.AnimalName = ""
	if err := missing.Validate(); err == nil {
		t.Error("missing animal_name accepted")
	}

	badFactor := validFOV()
	badFactor.Factor = -1
	if err := badFactor.Validate(); err == nil {
		t.Error("negative factor accepted")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("round trip through file", func(t *testing.T) {
		path := filepath.Join(dir, "fov.json")
		data := `{
			"animal_name": "M123",
			"recording_date": "2026-08-11",
			"stim_type": "drifting_grating",
			"brain_region": "V1",
			"layer": "L2/3"
		}`
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
		f, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if f.AnimalName != "M123" || f.Layer != "L2/3" {
			t.Errorf("loaded %+v", f)
		}
	})

	t.Run("rejects non-json extension", func(t *testing.T) {
		if _, err := Load(filepath.Join(dir, "fov.yaml")); err == nil {
			t.Error("non-json path accepted")
		}
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		if err := os.WriteFile(path, []byte(`{"animal_name": "M1"}`), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Error("config without required fields accepted")
		}
	})
}

func TestExportAttrsRoundTrip(t *testing.T) {
	f := validFOV()
	attrs := f.ExportAttrs()

	for _, key := range []string{"animal_name", "recording_date", "stim_type", "brain_region", "layer", "factor", "frame_rate_hz"} {
		if _, ok := attrs[key]; !ok {
			t.Errorf("attribute %q missing from export", key)
		}
	}

	back := FromAttrs(attrs)
	if *back != *f {
		t.Errorf("round trip changed the record:\n got %+v\nwant %+v", back, f)
	}
}

func TestExportAttrsOmitsEmptyOptionals(t *testing.T) {
	f := &FOV{AnimalName: "M1", RecordingDate: "2026-01-01", StimType: "gratings"}
	attrs := f.ExportAttrs()
	for _, key := range []string{"layer", "factor", "frame_rate_hz"} {
		if _, ok := attrs[key]; ok {
			t.Errorf("empty optional %q exported", key)
		}
	}
}

func TestFromAttrsNilAndUnknownKeys(t *testing.T) {
	if FromAttrs(nil) != nil {
		t.Error("nil attrs should produce nil FOV")
	}
	f := FromAttrs(map[string]string{"animal_name": "M1", "future_field": "x"})
	if f.AnimalName != "M1" {
		t.Errorf("got %+v", f)
	}
}

func TestExportAttrsNilReceiver(t *testing.T) {
	var f *FOV
	if f.ExportAttrs() != nil {
		t.Error("nil FOV should export nil attrs")
	}
}
