package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"info", zerolog.InfoLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q): expected %v, got %v", tt.in, tt.want, got)
		}
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Error("unknown level should error")
	}
}

func TestHandler_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(zerolog.New(&buf).Level(zerolog.InfoLevel)))

	logger.With("component", "writer").
		WithGroup("file").
		Info("rotated", "path", "/tmp/a.jsonl", "size", 42, "err", errors.New("boom"))

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if out["message"] != "rotated" {
		t.Errorf("message: got %v", out["message"])
	}
	if out["level"] != "info" {
		t.Errorf("level: got %v", out["level"])
	}
	if out["component"] != "writer" {
		t.Errorf("component attr: got %v", out["component"])
	}
	if out["file.path"] != "/tmp/a.jsonl" {
		t.Errorf("grouped attr: got %v", out["file.path"])
	}
	if out["file.size"] != float64(42) {
		t.Errorf("int attr: got %v", out["file.size"])
	}
	if out["file.err"] != "boom" {
		t.Errorf("error attr: got %v", out["file.err"])
	}
}

func TestHandler_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(zerolog.New(&buf).Level(zerolog.WarnLevel)))

	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn should be emitted at warn level")
	}
}

func TestInit_SetsDefault(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	if _, err := Init(Config{Level: "debug", Format: "json", Output: &buf}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	slog.Debug("via default", "k", "v")

	if !strings.Contains(buf.String(), "via default") {
		t.Errorf("default logger should write through zerolog, got %q", buf.String())
	}
}

func TestInit_RejectsUnknownFormat(t *testing.T) {
	if _, err := Init(Config{Format: "xml"}); err == nil {
		t.Error("unknown format should error")
	}
}
