package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestStructuredLogger(t *testing.T) {
	t.Run("TextFormat", func(t *testing.T) {
		buf := &bytes.Buffer{}
		l := NewStdLogger()
		l.SetLevel(LogLevelInfo)
		l.SetOutput(buf)
		l.SetFormat(LogFormatText)
		l.Info("hello %s", "world")

		output := buf.String()
		if !strings.Contains(output, "INFO") || !strings.Contains(output, "hello world") {
			t.Errorf("Unexpected text output: %s", output)
		}
		if !strings.HasPrefix(output, "[TOOLDB] ") {
			t.Errorf("Missing prefix: %s", output)
		}
	})

	t.Run("JSONFormat", func(t *testing.T) {
		buf := &bytes.Buffer{}
		l := NewStdLogger()
		l.SetOutput(buf)
		l.SetFormat(LogFormatJSON)
		l.Info("hello %s", "world")

		var data map[string]any
		if err := json.Unmarshal(buf.Bytes(), &data); err != nil {
			t.Fatalf("Failed to unmarshal JSON output: %v", err)
		}
		if data["level"] != "INFO" || data["msg"] != "hello world" {
			t.Errorf("Unexpected JSON output: %v", data)
		}
		if _, ok := data["time"]; !ok {
			t.Errorf("Missing time field in JSON output")
		}
	})

	t.Run("WithFields", func(t *testing.T) {
		buf := &bytes.Buffer{}
		l := NewStdLogger()
		l.SetOutput(buf)
		l.SetFormat(LogFormatJSON)
		l.WithFields(map[string]any{"model": "forum"}).Warn("processed")

		var data map[string]any
		if err := json.Unmarshal(buf.Bytes(), &data); err != nil {
			t.Fatalf("Failed to unmarshal JSON output: %v", err)
		}
		if data["model"] != "forum" || data["msg"] != "processed" {
			t.Errorf("Unexpected JSON output with fields: %v", data)
		}
	})

	t.Run("SQLJSON", func(t *testing.T) {
		buf := &bytes.Buffer{}
		l := NewStdLogger()
		l.SetOutput(buf)
		l.SetFormat(LogFormatJSON)
		l.SQL("SELECT * FROM users", time.Millisecond*10, 1)

		var data map[string]any
		if err := json.Unmarshal(buf.Bytes(), &data); err != nil {
			t.Fatalf("Failed to unmarshal JSON output: %v", err)
		}
		if data["level"] != "SQL" || data["sql"] != "SELECT * FROM users" || data["duration"] != "10ms" {
			t.Errorf("Unexpected SQL JSON output: %v", data)
		}
	})

	t.Run("Levels", func(t *testing.T) {
		buf := &bytes.Buffer{}
		l := NewStdLogger()
		l.SetOutput(buf)
		l.SetLevel(LogLevelWarn)
		l.Debug("debug")
		l.Info("info")
		l.SQL("SELECT 1", 0)
		if buf.Len() != 0 {
			t.Errorf("expected nothing below warn, got %q", buf.String())
		}
		l.Warn("warn")
		l.Error("error")
		if strings.Count(buf.String(), "\n") != 2 {
			t.Errorf("expected two lines, got %q", buf.String())
		}

		buf.Reset()
		l.SetLevel(LogLevelDebug)
		l.Debug("x=%d", 1)
		if !strings.Contains(buf.String(), "DEBUG: x=1") {
			t.Errorf("Unexpected debug output: %q", buf.String())
		}

		buf.Reset()
		l.SetLevel(LogLevelSilent)
		l.Error("nope")
		if buf.Len() != 0 {
			t.Errorf("silent logger wrote %q", buf.String())
		}
	})

	t.Run("LevelOutput", func(t *testing.T) {
		main := &bytes.Buffer{}
		errs := &bytes.Buffer{}
		l := NewStdLogger()
		l.SetOutput(main)
		l.SetLevelOutput(LogLevelError, errs)
		l.Info("to main")
		l.Error("to errs")
		if !strings.Contains(main.String(), "to main") || strings.Contains(main.String(), "to errs") {
			t.Errorf("main output: %q", main.String())
		}
		if !strings.Contains(errs.String(), "to errs") {
			t.Errorf("error output: %q", errs.String())
		}

		// routes survive WithFields
		errs.Reset()
		l.WithFields(map[string]any{"a": 1}).Error("again")
		if !strings.Contains(errs.String(), "again") {
			t.Errorf("error output after WithFields: %q", errs.String())
		}
	})
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"silent": LogLevelSilent,
		"ERROR":  LogLevelError,
		"warn":   LogLevelWarn,
		"info":   LogLevelInfo,
		"debug":  LogLevelDebug,
		"":       LogLevelInfo,
		"bogus":  LogLevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
