package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Locking.TTL != 2*time.Hour {
		t.Fatalf("ttl = %s, want 2h", cfg.Locking.TTL)
	}
	if cfg.Split.MaxZoom != 18 {
		t.Fatalf("max zoom = %d", cfg.Split.MaxZoom)
	}
	roles := cfg.RolesWith(PermValidate)
	if len(roles) != 2 {
		t.Fatalf("expected validator and admin to validate, got %v", roles)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("locking:\n  ttl: 30m\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Locking.TTL != 30*time.Minute {
		t.Fatalf("ttl = %s", cfg.Locking.TTL)
	}
	if cfg.Locking.SweepInterval != 5*time.Minute {
		t.Fatalf("sweep interval should keep default, got %s", cfg.Locking.SweepInterval)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"postgres without dsn": "database:\n  driver: postgres\n",
		"unknown driver":       "database:\n  driver: mysql\n",
		"unknown permission":   "rbac:\n  roles:\n    mapper: [task.delete]\n",
		"webhook without url":  "webhooks:\n  - events: [task.split]\n",
		"zero ttl":             "locking:\n  ttl: 0s\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("missing file should yield defaults: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "lockline.yml"), []byte("split:\n  max_zoom: 16\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Split.MaxZoom != 16 {
		t.Fatalf("max zoom = %d", cfg.Split.MaxZoom)
	}
}
