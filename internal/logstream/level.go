package logstream

import "regexp"

// errorPattern flags lines that should draw the operator's attention.
var errorPattern = regexp.MustCompile(`(?i)(error|critical|fatal|panic|traceback|exception)`)

// Level values carried by Line.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// classify returns the level for a line, promoting error-looking text.
func classify(text, level string) string {
	if errorPattern.MatchString(text) {
		return LevelError
	}
	if level == "" {
		return LevelInfo
	}
	return level
}

// IsError reports whether text contains one of the error keywords.
func IsError(text string) bool {
	return errorPattern.MatchString(text)
}
