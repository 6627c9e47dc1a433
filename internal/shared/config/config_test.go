package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Events.Transport != "memory" {
		t.Errorf("Expected memory transport, got %s", cfg.Events.Transport)
	}
	if cfg.Auth.DefaultUser != "motech" {
		t.Errorf("Expected default user motech, got %s", cfg.Auth.DefaultUser)
	}
	if cfg.SMS.RetryBackoff != 2*time.Second {
		t.Errorf("Expected 2s retry backoff, got %s", cfg.SMS.RetryBackoff)
	}
	if !cfg.IsDev() {
		t.Error("Expected development env by default")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("MOTECH_SERVER_PORT", "9090")
	t.Setenv("MOTECH_OPENMRS_URL", "http://openmrs.test/openmrs")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.OpenMRS.URL != "http://openmrs.test/openmrs" {
		t.Errorf("Expected overridden openmrs url, got %s", cfg.OpenMRS.URL)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "motech.yaml")
	content := "sms:\n  workers: 7\nmds:\n  schema_file: entities.json\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SMS.Workers != 7 {
		t.Errorf("Expected 7 workers, got %d", cfg.SMS.Workers)
	}
	if cfg.MDS.SchemaFile != "entities.json" {
		t.Errorf("Expected schema file entities.json, got %s", cfg.MDS.SchemaFile)
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"unknown transport", func(c *Config) { c.Events.Transport = "carrier-pigeon" }, true},
		{"postgres without database", func(c *Config) { c.MDS.Store = "postgres" }, true},
		{"postgres with database", func(c *Config) {
			c.MDS.Store = "postgres"
			c.Database.Enabled = true
		}, false},
		{"kurrentdb history on memory bus", func(c *Config) { c.MDS.History = "kurrentdb" }, true},
		{"kurrentdb history on kurrentdb bus", func(c *Config) {
			c.MDS.History = "kurrentdb"
			c.Events.Transport = "kurrentdb"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
