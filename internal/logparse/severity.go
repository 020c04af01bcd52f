// Package logparse derives a log level from emitted log lines.
package logparse

import (
	"regexp"
	"strings"
)

// Levels use zap's lowercase names so emitted entries share the
// "level:<name>" tags written by the log watcher.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
	LevelFatal = "fatal"
)

var severityRegex = regexp.MustCompile(`(?i)\b(TRACE|DEBUG|INFO|WARN|WARNING|ERROR|FATAL|CRITICAL|PANIC)\b`)

// Normalize maps the many spellings of a severity onto one level name.
// Unknown input is info.
func Normalize(severity string) string {
	s := strings.ToUpper(strings.TrimSpace(severity))

	switch s {
	case "TRACE", "TRAC", "TRC", "DEBUG", "DEBU", "DBG", "DEB":
		return LevelDebug
	case "INFO", "INFORMATION", "INF", "NOTICE":
		return LevelInfo
	case "WARN", "WARNING", "WRNG", "WRN":
		return LevelWarn
	case "ERROR", "ERR", "ERRO":
		return LevelError
	case "FATAL", "FATL", "FTL", "CRITICAL", "CRIT", "CRT", "PANIC", "PNC", "ALERT", "EMERGENCY":
		return LevelFatal
	}
	if len(s) >= 4 {
		switch s[:4] {
		case "TRAC", "DEBU":
			return LevelDebug
		case "WARN":
			return LevelWarn
		case "ERRO":
			return LevelError
		case "FATA", "CRIT":
			return LevelFatal
		}
	}
	return LevelInfo
}

// FromText finds the first severity word in a free-form line.
func FromText(line string) string {
	if m := severityRegex.FindStringSubmatch(line); len(m) > 1 {
		return Normalize(m[1])
	}
	return LevelInfo
}

// FromNumber converts pino/bunyan numeric levels.
func FromNumber(level int) string {
	switch {
	case level < 30:
		return LevelDebug
	case level < 40:
		return LevelInfo
	case level < 50:
		return LevelWarn
	case level < 60:
		return LevelError
	}
	return LevelFatal
}

// FromContent reads the level of a structured log line from its "level",
// "severity" or "lvl" field, falling back to the message text.
func FromContent(content map[string]any) string {
	for _, key := range []string{"level", "severity", "lvl"} {
		switch v := content[key].(type) {
		case string:
			return Normalize(v)
		case float64:
			return FromNumber(int(v))
		}
	}
	if msg, ok := content["message"].(string); ok {
		return FromText(msg)
	}
	if msg, ok := content["msg"].(string); ok {
		return FromText(msg)
	}
	return LevelInfo
}
