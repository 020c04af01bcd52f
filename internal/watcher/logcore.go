package watcher

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tinytelemetry/lookout/internal/model"
)

// LogCore is a zapcore.Core that mirrors host log lines as log entries. Tee
// it into the host's logger with zapcore.NewTee; never into the logger
// Lookout itself writes to.
type LogCore struct {
	zapcore.LevelEnabler
	w      *Watcher
	fields []zapcore.Field
}

// NewLogCore records lines at or above level.
func NewLogCore(rec Recorder, level zapcore.LevelEnabler, logger *zap.Logger) *LogCore {
	w := newWatcher("logs", rec, logger)
	return &LogCore{LevelEnabler: level, w: &w}
}

func (c *LogCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field(nil), c.fields...), fields...)
	return &clone
}

func (c *LogCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) && !strings.HasPrefix(ent.LoggerName, "lookout") {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *LogCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	c.w.capture(context.Background(), model.TypeLog, func() *model.Entry {
		enc := zapcore.NewMapObjectEncoder()
		for _, f := range c.fields {
			f.AddTo(enc)
		}
		for _, f := range fields {
			f.AddTo(enc)
		}
		content := map[string]any{
			"level":   ent.Level.String(),
			"message": ent.Message,
		}
		if ent.LoggerName != "" {
			content["logger"] = ent.LoggerName
		}
		if ent.Caller.Defined {
			content["caller"] = ent.Caller.TrimmedPath()
		}
		if len(enc.Fields) > 0 {
			content["context"] = enc.Fields
		}
		e := model.NewEntry(content).WithTags("level:" + ent.Level.String())
		if !ent.Time.IsZero() {
			e.RecordedAt = ent.Time.UTC()
		}
		return e
	})
	return nil
}

func (c *LogCore) Sync() error { return nil }
