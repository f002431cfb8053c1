package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func captureJSON(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Setup(level, "json")
	SetOutput(&buf)
	t.Cleanup(func() {
		Setup("info", "console")
		SetOutput(os.Stderr)
	})
	return &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]interface{}{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid json line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expect {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.level, got, tt.expect)
			}
		})
	}
}

func TestFieldsAreEncoded(t *testing.T) {
	buf := captureJSON(t, "debug")

	Log.Info("metadata built", "batch_size", 4, "pages", 12, "orphan")
	lines := decodeLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if lines[0]["message"] != "metadata built" {
		t.Errorf("unexpected message %v", lines[0]["message"])
	}
	if lines[0]["batch_size"] != float64(4) {
		t.Errorf("batch_size = %v", lines[0]["batch_size"])
	}
	if _, ok := lines[0]["orphan"]; ok {
		t.Error("orphan key without value should be dropped")
	}
}

func TestErrorsAreStrings(t *testing.T) {
	buf := captureJSON(t, "info")

	Log.Error("advance rejected", "err", errors.New("num_queries > num_seqs"))
	lines := decodeLines(t, buf)
	if lines[0]["err"] != "num_queries > num_seqs" {
		t.Errorf("err field = %v", lines[0]["err"])
	}
}

func TestComponentTagsLines(t *testing.T) {
	buf := captureJSON(t, "info")

	Component("replay").With("session", "abc").Warn("buffer tail kept", 7, "x")
	lines := decodeLines(t, buf)
	if lines[0]["component"] != "replay" {
		t.Errorf("component = %v", lines[0]["component"])
	}
	if lines[0]["session"] != "abc" {
		t.Errorf("session = %v", lines[0]["session"])
	}
	if lines[0]["7"] != "x" {
		t.Errorf("non-string key should be stringified: %v", lines[0])
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := captureJSON(t, "error")

	Log.Debug("filtered")
	Log.Info("filtered")
	Log.Warn("filtered")
	Log.Error("kept")

	lines := decodeLines(t, buf)
	if len(lines) != 1 || lines[0]["message"] != "kept" {
		t.Errorf("expected only the error line, got %v", lines)
	}
}
