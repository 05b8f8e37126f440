package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"planbot/internal/pipeline"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "planbot.yaml")
	body := "logging:\n  level: error\nstorage:\n  driver: file\n  path: " + filepath.Join(dir, "store") +
		"\nnotes:\n  path: " + filepath.Join(dir, "notes.db") + "\n"
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func clearCredentials(t *testing.T) {
	for _, k := range []string{"GOOGLE_CALENDAR_TOKEN", "PLANBOT_CALENDAR_TOKEN", "OPENWEATHER_API_KEY", "PLANBOT_WEATHER_API_KEY",
		"GEMINI_API_KEY", "PLANBOT_GEMINI_API_KEY", "TELEGRAM_BOT_TOKEN", "PLANBOT_TELEGRAM_TOKEN"} {
		t.Setenv(k, "")
	}
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUsageErrors(t *testing.T) {
	clearCredentials(t)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "no mode", args: nil, want: "at least one of the flags"},
		{name: "two modes", args: []string{"--workflow", "--daemon"}, want: "were all set"},
		{name: "unknown agent", args: []string{"--agent", "janitor"}, want: "janitor"},
		{name: "missing token", args: []string{"--workflow", "--config", writeConfig(t)}, want: "calendar.token"},
	}
	for _, tt := range tests {
		code, stdout, stderr := runCLI(tt.args...)
		if code != exitConfig {
			t.Errorf("%s: exit = %d, want %d (stderr %q)", tt.name, code, exitConfig, stderr)
		}
		if stdout != "" {
			t.Errorf("%s: stdout = %q, want empty", tt.name, stdout)
		}
		if !strings.Contains(stderr, tt.want) {
			t.Errorf("%s: stderr = %q, want it to contain %q", tt.name, stderr, tt.want)
		}
	}
}

func TestAgentRunsPrintJSON(t *testing.T) {
	clearCredentials(t)
	cfg := writeConfig(t)

	// Planning before any collection has no snapshot to work from.
	code, stdout, _ := runCLI("--agent", "planner", "--config", cfg)
	if code != exitFailed {
		t.Fatalf("planner exit = %d, want %d", code, exitFailed)
	}
	var res pipeline.RunResult
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("stdout is not a run result: %v\n%s", err, stdout)
	}
	if !res.Failed() || res.Chain != "plan" {
		t.Fatalf("planner result = %+v", res)
	}

	code, stdout, stderr := runCLI("--agent", "collector", "--config", cfg)
	if code != exitOK {
		t.Fatalf("collector exit = %d, stderr %q", code, stderr)
	}
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("stdout is not a run result: %v", err)
	}
	if res.Failed() || len(res.Stages) != 1 || len(res.Stages[0].Degraded) == 0 {
		t.Fatalf("collector result = %+v, want one degraded success", res)
	}
	if !strings.Contains(stderr, "collect completed") {
		t.Fatalf("stderr = %q, want outcome line", stderr)
	}
}
