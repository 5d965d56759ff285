package fstools

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindPrefersBinDir(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "mkdosfs")
	if err := os.WriteFile(local, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write stub tool: %v", err)
	}

	tb := &DefaultToolbox{BinDir: dir}
	if got := tb.Find("mkdosfs"); got != local {
		t.Fatalf("Find = %q, want %q", got, local)
	}
}

func TestFindFallsBackToName(t *testing.T) {
	tb := &DefaultToolbox{}
	got := tb.Find("no-such-tool-xyzzy")
	if got != "no-such-tool-xyzzy" {
		t.Fatalf("Find = %q", got)
	}
}

func TestRunReportsFailureWithOutput(t *testing.T) {
	tb := &DefaultToolbox{}
	err := tb.Run("sh", nil, "-c", "echo boom >&2; exit 3")
	if err == nil {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("error lacks command output: %v", err)
	}
}

func TestRunShell(t *testing.T) {
	if err := RunShell("true"); err != nil {
		t.Fatalf("RunShell(true) failed: %v", err)
	}
	if err := RunShell("false"); err == nil {
		t.Fatalf("RunShell(false) must fail")
	}
}
