package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmorgan81/imagegen/internal/image"
	"github.com/dmorgan81/imagegen/internal/model"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", env(nil))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Listen != ":8000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.IdleThreshold != 10*time.Minute {
		t.Errorf("IdleThreshold = %s", cfg.IdleThreshold)
	}
	if cfg.SweepInterval != time.Minute {
		t.Errorf("SweepInterval = %s", cfg.SweepInterval)
	}
	if cfg.Device != image.DeviceAuto {
		t.Errorf("Device = %q", cfg.Device)
	}
	if len(cfg.Models) != 2 || cfg.Models[0].ID != "dreamlike-art/dreamlike-diffusion-1.0" {
		t.Errorf("Models = %+v", cfg.Models)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
listen: ":9000"
idle_threshold: 5m
pipeline:
  url: http://pipelines:7860
models:
  - key: 1
    id: org/a
  - key: 2
    id: org/b
  - key: 3
    id: org/c
    name: Third
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, env(map[string]string{
		"LISTEN_ADDR": ":9100",
		"DEVICE":      "CPU",
	}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Listen != ":9100" {
		t.Errorf("Listen = %q, want env to win over file", cfg.Listen)
	}
	if cfg.IdleThreshold != 5*time.Minute {
		t.Errorf("IdleThreshold = %s, want 5m from file", cfg.IdleThreshold)
	}
	if cfg.Pipeline.URL != "http://pipelines:7860" {
		t.Errorf("Pipeline.URL = %q", cfg.Pipeline.URL)
	}
	if cfg.Device != image.DeviceCPU {
		t.Errorf("Device = %q", cfg.Device)
	}
	if len(cfg.Models) != 3 || cfg.Models[2].Name != "Third" {
		t.Errorf("Models = %+v", cfg.Models)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want error
	}{
		{"bad duration", map[string]string{"IDLE_THRESHOLD": "soon"}, ErrConfigLoadFailed},
		{"bad activity size", map[string]string{"ACTIVITY_SIZE": "many"}, ErrConfigLoadFailed},
		{"unknown device", map[string]string{"DEVICE": "tpu"}, ErrConfigValidateFailed},
		{"sub-second sweep", map[string]string{"SWEEP_INTERVAL": "100ms"}, ErrConfigValidateFailed},
		{"zero threshold", map[string]string{"IDLE_THRESHOLD": "0s"}, ErrConfigValidateFailed},
		{"bad pipeline url", map[string]string{"PIPELINE_URL": "not a url"}, ErrConfigValidateFailed},
		{"duplicate models", map[string]string{"MODELS": "1=a,1=b"}, ErrConfigValidateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load("", env(tt.env))
			if !errors.Is(err, tt.want) {
				t.Errorf("Load() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), env(nil))
	if !errors.Is(err, ErrConfigLoadFailed) {
		t.Errorf("Load() error = %v", err)
	}
}

func TestParseModels(t *testing.T) {
	got, err := ParseModels("1=org/a|Alpha, 2=org/b")
	if err != nil {
		t.Fatal(err)
	}
	want := []model.Variant{{Key: 1, ID: "org/a", Name: "Alpha"}, {Key: 2, ID: "org/b"}}
	if len(got) != len(want) {
		t.Fatalf("got %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}

	for _, bad := range []string{"", "1", "x=org/a"} {
		if _, err := ParseModels(bad); err == nil {
			t.Errorf("ParseModels(%q) succeeded", bad)
		}
	}
}
