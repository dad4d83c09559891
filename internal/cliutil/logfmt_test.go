package cliutil

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/procman/internal/logmux"
	"github.com/Paintersrp/procman/internal/logstream"
	"github.com/Paintersrp/procman/internal/runtime"
)

func record(text, source, level string) logmux.Record {
	return logmux.Record{
		ID:   "web",
		Name: "Web",
		Line: logstream.Line{Seq: 7, Timestamp: time.Unix(0, 0), Source: source, Level: level, Text: text},
	}
}

func TestEncodeLogRecordDefaults(t *testing.T) {
	var out bytes.Buffer
	var errBuf bytes.Buffer

	EncodeLogRecord(json.NewEncoder(&out), &errBuf, logmux.Record{ID: "web", Line: logstream.Line{Text: "ready"}})

	if errBuf.Len() != 0 {
		t.Fatalf("unexpected stderr output: %s", errBuf.String())
	}

	var rec LogRecord
	if err := json.Unmarshal(out.Bytes(), &rec); err != nil {
		t.Fatalf("failed to unmarshal log record: %v", err)
	}
	if rec.Level != "info" {
		t.Fatalf("expected level info, got %q", rec.Level)
	}
	if rec.Source != runtime.LogSourceSystem {
		t.Fatalf("expected system source, got %q", rec.Source)
	}
	if rec.Name != "web" {
		t.Fatalf("expected name to fall back to id, got %q", rec.Name)
	}
	if rec.Timestamp.IsZero() {
		t.Fatalf("expected timestamp to be stamped")
	}
}

func TestEncodeLogRecordKeepsProvidedLevel(t *testing.T) {
	var out bytes.Buffer
	var errBuf bytes.Buffer

	EncodeLogRecord(json.NewEncoder(&out), &errBuf, record("Traceback (most recent call last)", runtime.LogSourceStderr, "error"))

	var rec LogRecord
	if err := json.Unmarshal(out.Bytes(), &rec); err != nil {
		t.Fatalf("failed to unmarshal log record: %v", err)
	}
	if rec.Level != "error" || rec.Seq != 7 || rec.Source != runtime.LogSourceStderr {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestNewLogRecordRedactsSecrets(t *testing.T) {
	rec := NewLogRecord(record(`connecting with DB_PASSWORD="super-secret" api_key: abc123`, runtime.LogSourceStdout, "info"))

	if strings.Contains(rec.Message, "super-secret") || strings.Contains(rec.Message, "abc123") {
		t.Fatalf("expected secret values to be redacted, got %q", rec.Message)
	}
	if !strings.Contains(rec.Message, `DB_PASSWORD="[redacted]"`) {
		t.Fatalf("expected quoted value marker, got %q", rec.Message)
	}
	if !strings.Contains(rec.Message, "api_key: [redacted]") {
		t.Fatalf("expected case-insensitive key match, got %q", rec.Message)
	}
}

func TestFormatPrettyLinePlain(t *testing.T) {
	rec := NewLogRecord(record("boom", runtime.LogSourceStderr, "warn"))
	rec.Timestamp = time.Date(2024, 1, 1, 9, 30, 15, 0, time.UTC)

	got := FormatPrettyLine(rec, 6, false)
	want := "09:30:15 Web    | ! boom"
	if got != want {
		t.Fatalf("FormatPrettyLine=%q, want %q", got, want)
	}
}

func TestFormatPrettyLineColorsErrors(t *testing.T) {
	rec := NewLogRecord(record("fatal: no config", runtime.LogSourceStdout, "error"))
	got := FormatPrettyLine(rec, 0, true)
	if !strings.Contains(got, colorRed+"fatal: no config"+colorReset) {
		t.Fatalf("expected error text in red, got %q", got)
	}
}

func TestNewPrinterSelectsFormat(t *testing.T) {
	var out, errOut bytes.Buffer

	p, err := NewPrinter(&out, &errOut, FormatAuto)
	if err != nil {
		t.Fatalf("NewPrinter: %v", err)
	}
	p.Print(record("hello", runtime.LogSourceStdout, "info"))
	if !strings.HasPrefix(out.String(), "{") {
		t.Fatalf("expected JSON when not a terminal, got %q", out.String())
	}

	out.Reset()
	p, err = NewPrinter(&out, &errOut, FormatPretty)
	if err != nil {
		t.Fatalf("NewPrinter: %v", err)
	}
	p.Print(record("hello", runtime.LogSourceStdout, "info"))
	if !strings.HasSuffix(out.String(), "Web | hello\n") {
		t.Fatalf("expected pretty output, got %q", out.String())
	}

	if _, err := NewPrinter(&out, &errOut, "xml"); err == nil {
		t.Fatalf("expected unknown format to fail")
	}
}
