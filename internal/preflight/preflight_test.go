package preflight

import (
	"os"
	"path/filepath"
	"testing"

	"fringe/internal/config"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckConverter_Missing(t *testing.T) {
	cfg := config.Default()
	cfg.Converter.Command = "/definitely/not/installed/fringe-convert"

	result := CheckConverter(&cfg)
	if result.Passed {
		t.Fatal("expected failure for unresolvable converter")
	}
}

func TestCheckConverter_Unset(t *testing.T) {
	cfg := config.Default()
	cfg.Converter.Command = ""

	result := CheckConverter(&cfg)
	if result.Passed {
		t.Fatal("expected failure for unset converter")
	}
	if result.Detail != "converter.command is not set" {
		t.Fatalf("unexpected detail: %s", result.Detail)
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	results := RunAll(nil)
	if results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func TestRunAll_ReadyConfig(t *testing.T) {
	stub := filepath.Join(t.TempDir(), "fringe-convert")
	if err := os.WriteFile(stub, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Paths.IncomingDir = t.TempDir()
	cfg.Paths.ArtifactDir = t.TempDir()
	cfg.Paths.StateDir = t.TempDir()
	cfg.Paths.LogDir = t.TempDir()
	cfg.Converter.Command = stub

	results := RunAll(&cfg)
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	for _, r := range results {
		if !r.Passed {
			t.Errorf("check %q failed: %s", r.Name, r.Detail)
		}
	}
	if !AllPassed(results) {
		t.Fatal("expected AllPassed to be true")
	}
}

func TestAllPassedDetectsFailure(t *testing.T) {
	results := []Result{
		{Name: "a", Passed: true},
		{Name: "b", Passed: false, Detail: "broken"},
	}
	if AllPassed(results) {
		t.Fatal("expected AllPassed to be false")
	}
}
