// Package runtime holds the types shared by the process and docker adapters.
package runtime

import "time"

// Log sources attached to every LogEntry.
const (
	LogSourceStdout = "stdout"
	LogSourceStderr = "stderr"
	LogSourceSystem = "system"
)

// LogEntry is a single line of output captured from a supervised entry.
type LogEntry struct {
	Message   string
	Source    string
	Level     string
	Timestamp time.Time
}

// NewLogEntry stamps a line with the current time.
func NewLogEntry(source, message string) LogEntry {
	entry := LogEntry{Message: message, Source: source, Timestamp: time.Now()}
	if source == LogSourceStderr {
		entry.Level = "warn"
	}
	return entry
}
