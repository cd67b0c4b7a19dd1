package pkg

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
)

// captureLogs redirects the stack's logger into a buffer for the duration
// of the test.
func captureLogs(t *testing.T, format LogFormat, l slog.Level) *bytes.Buffer {
	t.Helper()
	prev := LogLevel()
	var buf bytes.Buffer
	SetLogLevel(l)
	SetLogOutput(&buf, format)
	t.Cleanup(func() {
		SetLogLevel(prev)
		SetLogOutput(os.Stderr, LogFormatText)
	})
	return &buf
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(Component, string, ...any)
		level slog.Level
		shown bool
	}{
		{"debug below info", LogDebug, slog.LevelInfo, false},
		{"debug at debug", LogDebug, slog.LevelDebug, true},
		{"info at info", LogInfo, slog.LevelInfo, true},
		{"info below warn", LogInfo, slog.LevelWarn, false},
		{"warn at warn", LogWarn, slog.LevelWarn, true},
		{"error at warn", LogError, slog.LevelWarn, true},
		{"warn below error", LogWarn, slog.LevelError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t, LogFormatText, tt.level)
			tt.log(ComponentEnum, "device addressed", "address", 3)

			out := buf.String()
			if !tt.shown {
				if out != "" {
					t.Errorf("unexpected output: %s", out)
				}
				return
			}
			for _, want := range []string{"device addressed", "component=enum", "address=3"} {
				if !strings.Contains(out, want) {
					t.Errorf("output %q missing %q", out, want)
				}
			}
		})
	}
}

func TestSetLogOutput_JSON(t *testing.T) {
	buf := captureLogs(t, LogFormatJSON, slog.LevelInfo)
	LogInfo(ComponentDisk, "mounted", "letter", "A")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, buf.String())
	}
	if rec["msg"] != "mounted" || rec["component"] != "disk" || rec["letter"] != "A" {
		t.Errorf("record = %v", rec)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{"warn", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"loud", slog.LevelWarn, false},
		{"", slog.LevelWarn, false},
	}

	for _, tt := range tests {
		got, ok := ParseLogLevel(tt.name)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseLogLevel(%q) = %v, %v; want %v, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}
