package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunVersion(t *testing.T) {
	var out, errOut strings.Builder
	if err := run(context.Background(), &out, &errOut, []string{"version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	if !strings.Contains(out.String(), "Taskpilot") {
		t.Errorf("unexpected version output: %q", out.String())
	}
}

func TestRunVersionJSON(t *testing.T) {
	var out, errOut strings.Builder
	if err := run(context.Background(), &out, &errOut, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out.String()), &info); err != nil {
		t.Fatalf("version output is not JSON: %v", err)
	}
	if info["version"] == "" {
		t.Errorf("missing version field: %v", info)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut strings.Builder
	if err := run(context.Background(), &out, &errOut, []string{"bogus"}); err == nil {
		t.Error("want error for unknown command")
	}
}

func TestRunNoCommandPrintsUsage(t *testing.T) {
	var out, errOut strings.Builder
	if err := run(context.Background(), &out, &errOut, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "Usage:") {
		t.Errorf("expected usage output, got %q", out.String())
	}
}

func TestRunInit(t *testing.T) {
	dir := t.TempDir()
	var out, errOut strings.Builder
	if err := run(context.Background(), &out, &errOut, []string{"init", dir}); err != nil {
		t.Fatalf("run init: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("starter config not written: %v", err)
	}
	if !strings.Contains(string(data), "max_iterations") {
		t.Errorf("starter config incomplete: %s", data)
	}

	// A second init must refuse to overwrite.
	if err := run(context.Background(), &out, &errOut, []string{"init", dir}); err == nil {
		t.Error("want error when config already exists")
	}
}
