package watcher

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/tinytelemetry/lookout/internal/model"
)

const maxTraceFrames = 32

// Exceptions records errors and recovered panics.
type Exceptions struct {
	Watcher
}

func NewExceptions(rec Recorder, logger *zap.Logger) *Exceptions {
	return &Exceptions{Watcher: newWatcher("exceptions", rec, logger)}
}

// Report records err with optional context values. A nil error is ignored.
func (w *Exceptions) Report(ctx context.Context, err error, extra map[string]any) {
	if err == nil {
		return
	}
	trace := callers(3)
	w.capture(ctx, model.TypeException, func() *model.Entry {
		return exceptionEntry(errorClass(err), err.Error(), trace, extra)
	})
}

// Recover must be deferred directly. It records a panic, flushes and then
// re-raises it so the host's own handling still runs.
func (w *Exceptions) Recover(ctx context.Context) {
	r := recover()
	if r == nil {
		return
	}
	trace := callers(3)
	w.capture(ctx, model.TypeException, func() *model.Entry {
		class := fmt.Sprintf("%T", r)
		msg := fmt.Sprint(r)
		if err, ok := r.(error); ok {
			class = errorClass(err)
			msg = err.Error()
		}
		return exceptionEntry(class, msg, trace, map[string]any{"panic": true})
	})
	w.flush(ctx)
	panic(r)
}

func exceptionEntry(class, message string, trace []map[string]any, extra map[string]any) *model.Entry {
	content := map[string]any{
		"class":   class,
		"message": message,
		"trace":   trace,
	}
	if len(trace) > 0 {
		content["file"] = trace[0]["file"]
		content["line"] = trace[0]["line"]
	}
	if len(extra) > 0 {
		ctx := make(map[string]any, len(extra))
		for k, v := range extra {
			ctx[k] = v
		}
		content["context"] = ctx
	}
	return model.NewEntry(content).WithTags("exception:" + class)
}

// errorClass names the innermost wrapped error type.
func errorClass(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}

// callers returns file/line frames above skip, dropping runtime frames.
func callers(skip int) []map[string]any {
	pcs := make([]uintptr, maxTraceFrames)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	out := make([]map[string]any, 0, n)
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, "runtime.") {
			out = append(out, map[string]any{"file": f.File, "line": f.Line, "function": f.Function})
		}
		if !more {
			break
		}
	}
	return out
}
