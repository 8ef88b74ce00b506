package hookrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "hook.sh")
	if err := os.WriteFile(path, []byte(body), 0700); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunCapturesEnvDelta(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	script := writeScript(t, dir, "export HOOK_VAR=added\nunset PRESET_VAR\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var stdout, stderr bytes.Buffer
	result, err := Run(ctx, script, []string{"PRESET_VAR=before"}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("Run() exit code = %d, want 0 (stderr: %s)", result.ExitCode, stderr.String())
	}
	if result.StartEnv["PRESET_VAR"] != "before" {
		t.Fatalf("StartEnv[PRESET_VAR] = %q, want %q", result.StartEnv["PRESET_VAR"], "before")
	}
	if _, present := result.EndEnv["PRESET_VAR"]; present {
		t.Fatal("EndEnv still contains PRESET_VAR after the hook unset it")
	}
	if result.EndEnv["HOOK_VAR"] != "added" {
		t.Fatalf("EndEnv[HOOK_VAR] = %q, want %q", result.EndEnv["HOOK_VAR"], "added")
	}
}

func TestRunReportsNonzeroExit(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	script := writeScript(t, dir, "exit 7\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var stdout, stderr bytes.Buffer
	result, err := Run(ctx, script, nil, &stdout, &stderr)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ExitCode != 7 {
		t.Fatalf("Run() exit code = %d, want 7", result.ExitCode)
	}
}

func TestWriteSnapshotsRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	result := Result{
		StartEnv: map[string]string{"A": "1"},
		EndEnv:   map[string]string{"A": "1", "B": "2"},
	}
	if err := WriteSnapshots(dir, result); err != nil {
		t.Fatalf("WriteSnapshots() error = %v", err)
	}

	var start map[string]string
	data, err := os.ReadFile(StartEnvPath(dir))
	if err != nil {
		t.Fatalf("read start env: %v", err)
	}
	if err := json.Unmarshal(data, &start); err != nil {
		t.Fatalf("unmarshal start env: %v", err)
	}
	if start["A"] != "1" {
		t.Fatalf("start env A = %q, want 1", start["A"])
	}
}
