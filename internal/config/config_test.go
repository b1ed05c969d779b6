package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := LoadFrom("", map[string]string{})
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if cfg.Port != "8080" || cfg.Deploy.Timeout != 15*time.Minute || cfg.Overrides.ItineraryKey != "GeozoneGroup1" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetsync.yaml")
	yml := `
port: "9090"
platform:
  baseUrl: https://platform.example
  clientId: from-file
  clientSecret: s3cret
  timeout: 10s
overrides:
  dealerId: d-42
  itinerarySlotId: 111
geometry:
  bufferM: 75
deploy:
  pollInterval: 1m
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadFrom(path, map[string]string{
		"PLATFORM_CLIENT_ID":       "from-env",
		"PLATFORM_SCOPES":          "geozones,settings",
		"OVERRIDE_TARGETS_SLOT_ID": "222",
		"DEPLOY_ROLLOUT_ENABLED":   "true",
		"LOG_FORMAT":               "json",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" || cfg.Platform.Timeout != 10*time.Second || cfg.Deploy.PollInterval != time.Minute {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Platform.ClientID != "from-env" {
		t.Fatalf("env should win over file: %q", cfg.Platform.ClientID)
	}
	if len(cfg.Platform.Scopes) != 2 || !cfg.Deploy.RolloutEnabled || cfg.LogFormat != "json" {
		t.Fatalf("env values not applied: %+v", cfg)
	}
	if cfg.Overrides.ItinerarySlotID != 111 || cfg.Overrides.TargetsSlotID != 222 || cfg.Overrides.DealerID != "d-42" {
		t.Fatalf("overrides: %+v", cfg.Overrides)
	}
	if cfg.Geometry.BufferM != 75 || cfg.Geometry.MaxPoints != 1500 {
		t.Fatalf("geometry: %+v", cfg.Geometry)
	}
	pc := cfg.PlatformClient()
	if pc.BaseURL != "https://platform.example" || pc.ClientSecret != "s3cret" {
		t.Fatalf("platform client: %+v", pc)
	}
	if b := cfg.Budget(); b.BufferM != 75 {
		t.Fatalf("budget: %+v", b)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]map[string]string{
		"driver":      {"STORE_DRIVER": "mongo"},
		"postgres":    {"STORE_DRIVER": "postgres"},
		"auth mode":   {"PLATFORM_AUTH_MODE": "digest"},
		"credentials": {"PLATFORM_BASE_URL": "https://p.example"},
		"slot range":  {"OVERRIDE_ENTRY_SLOT_ID": "4294967296"},
		"workers":     {"DEPLOY_WORKERS": "0"},
	}
	for name, environ := range cases {
		if _, err := LoadFrom("", environ); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	_, err := LoadFrom("", map[string]string{"GEOMETRY_BUFFER_M": "-1", "LOG_FORMAT": "xml"})
	if err == nil || !strings.Contains(err.Error(), "bufferM") || !strings.Contains(err.Error(), "logFormat") {
		t.Fatalf("all problems should be reported: %v", err)
	}
}
