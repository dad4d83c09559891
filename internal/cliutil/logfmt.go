package cliutil

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/Paintersrp/procman/internal/logmux"
	"github.com/Paintersrp/procman/internal/runtime"
)

// Output formats accepted by NewPrinter.
const (
	FormatAuto   = "auto"
	FormatJSON   = "json"
	FormatPretty = "pretty"
)

// LogRecord represents a structured log line ready for JSON encoding.
type LogRecord struct {
	Timestamp time.Time `json:"ts"`
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Seq       uint64    `json:"seq,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"msg"`
	Source    string    `json:"source"`
}

// NewLogRecord converts a muxed line into a structured log record.
func NewLogRecord(rec logmux.Record) LogRecord {
	level := rec.Level
	if level == "" {
		level = "info"
	}
	source := rec.Source
	if source == "" {
		source = runtime.LogSourceSystem
	}
	name := rec.Name
	if name == "" {
		name = rec.ID
	}
	return LogRecord{
		Timestamp: rec.Timestamp,
		ID:        rec.ID,
		Name:      name,
		Seq:       rec.Seq,
		Level:     level,
		Message:   RedactSecrets(rec.Text),
		Source:    source,
	}
}

// EncodeLogRecord encodes a line to JSON, reporting errors to stderr if needed.
func EncodeLogRecord(enc *json.Encoder, stderr io.Writer, rec logmux.Record) {
	if enc == nil {
		return
	}
	record := NewLogRecord(rec)
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := enc.Encode(&record); err != nil {
		fmt.Fprintf(stderr, "error: encode log: %v\n", err)
	}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// Printer writes muxed lines either as JSON records or as aligned,
// optionally colored text.
type Printer struct {
	out    io.Writer
	errOut io.Writer
	enc    *json.Encoder
	color  bool

	mu    sync.Mutex
	width int
}

// NewPrinter selects JSON output for pipes and pretty output for terminals
// when format is auto.
func NewPrinter(out, errOut io.Writer, format string) (*Printer, error) {
	p := &Printer{out: out, errOut: errOut}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatAuto:
		if !IsTerminal(out) {
			p.enc = json.NewEncoder(out)
		} else {
			p.color = true
		}
	case FormatJSON:
		p.enc = json.NewEncoder(out)
	case FormatPretty:
		p.color = IsTerminal(out)
	default:
		return nil, fmt.Errorf("unknown log format %q (want auto, json or pretty)", format)
	}
	return p, nil
}

// Print writes one line.
func (p *Printer) Print(rec logmux.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enc != nil {
		EncodeLogRecord(p.enc, p.errOut, rec)
		return
	}
	record := NewLogRecord(rec)
	if n := len(record.Name); n > p.width {
		p.width = n
	}
	fmt.Fprintln(p.out, FormatPrettyLine(record, p.width, p.color))
}

var nameColors = []string{"\x1b[36m", "\x1b[32m", "\x1b[35m", "\x1b[34m", "\x1b[33m", "\x1b[96m"}

const (
	colorReset = "\x1b[0m"
	colorRed   = "\x1b[31m"
	colorDim   = "\x1b[2m"
)

// FormatPrettyLine renders "15:04:05 name | text". System lines are wrapped in
// dim color and error lines in red when color is enabled.
func FormatPrettyLine(rec LogRecord, width int, color bool) string {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	name := rec.Name
	if pad := width - len(name); pad > 0 {
		name += strings.Repeat(" ", pad)
	}
	text := rec.Message
	if rec.Source == runtime.LogSourceStderr {
		text = "! " + text
	}
	if !color {
		return fmt.Sprintf("%s %s | %s", ts.Format("15:04:05"), name, text)
	}
	switch {
	case rec.Level == "error":
		text = colorRed + text + colorReset
	case rec.Source == runtime.LogSourceSystem:
		text = colorDim + text + colorReset
	}
	return fmt.Sprintf("%s %s%s%s | %s", ts.Format("15:04:05"), colorFor(rec.ID), name, colorReset, text)
}

func colorFor(id string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return nameColors[int(h.Sum32()%uint32(len(nameColors)))]
}
