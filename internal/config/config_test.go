package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DownloadsBase != "/var/lib/fleetagent/downloads" {
		t.Errorf("DownloadsBase = %q", cfg.DownloadsBase)
	}
	if cfg.RebootCommand != "/sbin/reboot" {
		t.Errorf("RebootCommand = %q", cfg.RebootCommand)
	}
	if cfg.Debug {
		t.Error("Debug should default to false")
	}
	if cfg.TelemetryEnabled {
		t.Error("TelemetryEnabled should default to false")
	}
}

func TestLoadMissingConfigFileIsNotAnError(t *testing.T) {
	if _, err := Load("/no/such/file.yaml"); err != nil {
		t.Errorf("Load with a missing config file returned %v, want nil", err)
	}
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("FLEETAGENT_DOWNLOADS_BASE", "/custom/downloads")
	t.Setenv("FLEETAGENT_DEBUG", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DownloadsBase != "/custom/downloads" {
		t.Errorf("DownloadsBase = %q, want /custom/downloads", cfg.DownloadsBase)
	}
	if !cfg.Debug {
		t.Error("expected Debug=true from FLEETAGENT_DEBUG env var")
	}
}

func TestLoadYAMLFileMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "downloads_base: /from/yaml\ntelemetry:\n  enabled: true\n  endpoint: http://collector:4318\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DownloadsBase != "/from/yaml" {
		t.Errorf("DownloadsBase = %q, want /from/yaml", cfg.DownloadsBase)
	}
	if !cfg.TelemetryEnabled {
		t.Error("expected TelemetryEnabled=true from the YAML file")
	}
	if cfg.TelemetryEndpoint != "http://collector:4318" {
		t.Errorf("TelemetryEndpoint = %q", cfg.TelemetryEndpoint)
	}
}

func TestLoadEnvOverridesYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("downloads_base: /from/yaml\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("FLEETAGENT_DOWNLOADS_BASE", "/from/env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DownloadsBase != "/from/env" {
		t.Errorf("DownloadsBase = %q, want env to win over the file", cfg.DownloadsBase)
	}
}

func TestLoadRejectsEmptyDownloadsBase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("downloads_base: \"\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject an empty downloads_base")
	}
}
