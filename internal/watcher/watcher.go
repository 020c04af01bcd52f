// Package watcher holds the capture adapters. Each adapter turns one kind of
// host activity into a monitoring entry and hands it to a Recorder. Adapters
// never fail or slow down the host operation they observe.
package watcher

import (
	"context"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/tinytelemetry/lookout/internal/logging"
	"github.com/tinytelemetry/lookout/internal/model"
)

// Recorder accepts captured entries. *dispatch.Dispatcher satisfies it.
type Recorder interface {
	Record(ctx context.Context, t model.EntryType, e *model.Entry)
	FlushAll(ctx context.Context) error
}

// Watcher is the shared base of every adapter.
type Watcher struct {
	name   string
	rec    Recorder
	logger *zap.Logger
}

func newWatcher(name string, rec Recorder, logger *zap.Logger) Watcher {
	return Watcher{name: name, rec: rec, logger: logging.OrNop(logger)}
}

// Name returns the adapter name used in configuration.
func (w *Watcher) Name() string { return w.name }

// capture builds an entry and records it. A panic while building or
// recording is logged and swallowed.
func (w *Watcher) capture(ctx context.Context, t model.EntryType, build func() *model.Entry) {
	if w == nil || w.rec == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watcher: capture failed",
				zap.String("watcher", w.name), zap.Any("panic", r))
		}
	}()
	e := build()
	if e == nil {
		return
	}
	w.rec.Record(ctx, t, e)
}

// flush ends a unit of work.
func (w *Watcher) flush(ctx context.Context) {
	if w == nil || w.rec == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watcher: flush failed",
				zap.String("watcher", w.name), zap.Any("panic", r))
		}
	}()
	if err := w.rec.FlushAll(ctx); err != nil {
		w.logger.Warn("watcher: flush failed", zap.String("watcher", w.name), zap.Error(err))
	}
}

// matchAny reports whether name matches one of the path.Match patterns.
// Malformed patterns never match.
func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == name {
			return true
		}
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), s) {
			return true
		}
	}
	return false
}
