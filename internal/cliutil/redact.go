package cliutil

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[redacted]"

// sensitiveKeys are environment-style names whose assigned values are masked
// when echoed by a supervised command.
var sensitiveKeys = []string{
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"AZURE_CLIENT_SECRET",
	"DATABASE_URL",
	"DB_PASSWORD",
	"POSTGRES_PASSWORD",
	"REDIS_PASSWORD",
	"GITHUB_TOKEN",
	"NPM_TOKEN",
	"API_KEY",
	"ACCESS_TOKEN",
	"CLIENT_SECRET",
}

var assignmentPattern = regexp.MustCompile(`(?i)\b(` + quoteAll(sensitiveKeys) + `)\b(\s*[:=]\s*)(["']?)([^"'\s]+)(["']?)`)

func quoteAll(keys []string) string {
	quoted := make([]string, len(keys))
	for i, key := range keys {
		quoted[i] = regexp.QuoteMeta(key)
	}
	return strings.Join(quoted, "|")
}

// RedactSecrets masks the values of well-known secret assignments, such as
// DB_PASSWORD=hunter2, in output shown to the operator.
func RedactSecrets(message string) string {
	if message == "" {
		return message
	}
	return assignmentPattern.ReplaceAllString(message, "$1$2$3"+redactedPlaceholder+"$5")
}
