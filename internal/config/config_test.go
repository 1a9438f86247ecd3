package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkerCount != 5 {
		t.Fatalf("worker_count = %d, want 5", cfg.WorkerCount)
	}
	if cfg.CalcTimeout() != 5*time.Second {
		t.Fatalf("timeout = %v", cfg.CalcTimeout())
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parascope.yaml")
	doc := "worker_count: 3\nallowed_imports:\n  - sympy\ncalc_timeout_ms: 2500\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkerCount != 3 || cfg.CalcTimeoutMS != 2500 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.AllowedImports) != 1 || cfg.AllowedImports[0] != "sympy" {
		t.Fatalf("allowed_imports = %v", cfg.AllowedImports)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PARASCOPE_WORKER_COUNT", "2")
	t.Setenv("PARASCOPE_ALLOWED_IMPORTS", "sympy, pandas")
	t.Setenv("PARASCOPE_CALC_TIMEOUT_MS", "1200")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkerCount != 2 || cfg.CalcTimeoutMS != 1200 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.AllowedImports) != 2 || cfg.AllowedImports[1] != "pandas" {
		t.Fatalf("allowed_imports = %v", cfg.AllowedImports)
	}
}

func TestRejectsBadValues(t *testing.T) {
	t.Setenv("PARASCOPE_WORKER_COUNT", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("worker_count 0 must be rejected")
	}
	t.Setenv("PARASCOPE_WORKER_COUNT", "nope")
	if _, err := Load(""); err == nil {
		t.Fatal("non-numeric worker_count must be rejected")
	}
}
