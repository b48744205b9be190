package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_Formats(t *testing.T) {
	t.Parallel()

	var jsonBuf bytes.Buffer
	newLogger(&jsonBuf, "info", "json").Info("hub.join", "conversation_id", "c-1")
	var rec map[string]any
	if err := json.Unmarshal(jsonBuf.Bytes(), &rec); err != nil {
		t.Fatalf("json output not parseable: %v (%q)", err, jsonBuf.String())
	}
	if rec["msg"] != "hub.join" || rec["conversation_id"] != "c-1" {
		t.Fatalf("unexpected json record: %v", rec)
	}

	var textBuf bytes.Buffer
	newLogger(&textBuf, "info", "text").Info("server.start", "addr", ":8080")
	if !strings.Contains(textBuf.String(), "msg=server.start") {
		t.Fatalf("unexpected text output: %q", textBuf.String())
	}

	var quiet bytes.Buffer
	newLogger(&quiet, "error", "json").Info("dropped")
	if quiet.Len() != 0 {
		t.Fatalf("info record written at error level: %q", quiet.String())
	}
}
