package logparse

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"TRACE", LevelDebug}, {"DBG", LevelDebug}, {"debug", LevelDebug},
		{"INFO", LevelInfo}, {"INFORMATION", LevelInfo}, {"notice", LevelInfo},
		{"WARNING", LevelWarn}, {"WRN", LevelWarn}, {"\tWARN\t", LevelWarn},
		{"ERR", LevelError}, {"error", LevelError},
		{"CRITICAL", LevelFatal}, {"PANIC", LevelFatal}, {"FTL", LevelFatal},
		// Prefix matching
		{"WARNING_LEVEL", LevelWarn}, {"ERROR_CODE_42", LevelError}, {"CRITICAL_ALERT", LevelFatal},
		// Unknown defaults to info
		{"", LevelInfo}, {"UNKNOWN", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := Normalize(tt.input); got != tt.expected {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFromText(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"2024-01-01 ERROR connection refused", LevelError},
		{"[warning] disk almost full", LevelWarn},
		{"Critical failure in payments", LevelFatal},
		{"user signed in", LevelInfo},
		{"INFORMATIONAL message", LevelInfo},
	}
	for _, tt := range tests {
		if got := FromText(tt.input); got != tt.expected {
			t.Errorf("FromText(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestFromNumber(t *testing.T) {
	tests := map[int]string{10: LevelDebug, 20: LevelDebug, 30: LevelInfo, 40: LevelWarn, 50: LevelError, 60: LevelFatal, 99: LevelFatal}
	for in, want := range tests {
		if got := FromNumber(in); got != want {
			t.Errorf("FromNumber(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestFromContent(t *testing.T) {
	tests := []struct {
		name    string
		content map[string]any
		want    string
	}{
		{"level string", map[string]any{"level": "WARNING"}, LevelWarn},
		{"pino number", map[string]any{"level": float64(50)}, LevelError},
		{"severity key", map[string]any{"severity": "crit"}, LevelFatal},
		{"message text", map[string]any{"message": "ERROR: boom"}, LevelError},
		{"msg text", map[string]any{"msg": "debug output"}, LevelDebug},
		{"nothing", map[string]any{"k": "v"}, LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FromContent(tt.content); got != tt.want {
				t.Errorf("FromContent(%v) = %q, want %q", tt.content, got, tt.want)
			}
		})
	}
}
