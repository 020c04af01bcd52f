package watcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/lookout/internal/batch"
	"github.com/tinytelemetry/lookout/internal/model"
)

// Job statuses.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusFailed    = "failed"
)

// Job describes one queued unit of work.
type Job struct {
	Name       string
	Queue      string
	Connection string
	Attempt    int
	Payload    map[string]any
	// BatchID ties the run to the entry recorded by Jobs.Pending.
	BatchID string
}

// Jobs records queued jobs from dispatch to completion.
type Jobs struct {
	Watcher
}

func NewJobs(rec Recorder, logger *zap.Logger) *Jobs {
	return &Jobs{Watcher: newWatcher("jobs", rec, logger)}
}

// Pending records that job was queued and returns the batch id the worker
// should carry in Job.BatchID so both sides end up in one batch.
func (w *Jobs) Pending(ctx context.Context, job Job) string {
	id := model.NewID()
	if c, ok := batch.FromContext(ctx); ok {
		id = c.Get()
	}
	w.capture(ctx, model.TypeJob, func() *model.Entry {
		return model.NewEntry(jobContent(job, StatusPending)).WithBatchID(id)
	})
	return id
}

// Run executes fn as a unit of work and records its outcome. The error from
// fn is returned unchanged and a panic is re-raised after recording.
func (w *Jobs) Run(ctx context.Context, job Job, fn func(ctx context.Context) error) (err error) {
	ctx, corr := batch.Start(ctx)
	if job.BatchID != "" {
		corr.Set(job.BatchID)
	}
	start := time.Now()

	defer func() {
		r := recover()
		if r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
		status := StatusProcessed
		if err != nil {
			status = StatusFailed
		}
		w.capture(ctx, model.TypeJob, func() *model.Entry {
			content := jobContent(job, status)
			content["duration"] = time.Since(start).Milliseconds()
			if err != nil {
				content["exception"] = err.Error()
			}
			return model.NewEntry(content)
		})
		w.flush(ctx)
		if r != nil {
			panic(r)
		}
	}()
	return fn(ctx)
}

func jobContent(job Job, status string) map[string]any {
	content := map[string]any{
		"status":     status,
		"name":       job.Name,
		"queue":      job.Queue,
		"connection": job.Connection,
		"tries":      job.Attempt,
	}
	if len(job.Payload) > 0 {
		data := make(map[string]any, len(job.Payload))
		for k, v := range job.Payload {
			data[k] = v
		}
		content["data"] = data
	}
	return content
}

// Commands records CLI commands.
type Commands struct {
	Watcher
	ignore []string
}

// NewCommands builds the command watcher. Commands named in ignore, or
// matching one of its path.Match patterns, are not recorded.
func NewCommands(rec Recorder, ignore []string, logger *zap.Logger) *Commands {
	return &Commands{Watcher: newWatcher("commands", rec, logger), ignore: ignore}
}

// Run executes fn as the unit of work for command name and records the exit
// code. Panics are re-raised after recording.
func (w *Commands) Run(ctx context.Context, name string, args []string, fn func(ctx context.Context) error) (err error) {
	if matchAny(w.ignore, name) {
		return fn(ctx)
	}
	ctx, _ = batch.Start(ctx)
	start := time.Now()

	defer func() {
		r := recover()
		if r != nil {
			err = fmt.Errorf("command %s panicked: %v", name, r)
		}
		exitCode := 0
		if err != nil {
			exitCode = 1
		}
		w.capture(ctx, model.TypeCommand, func() *model.Entry {
			content := map[string]any{
				"command":   name,
				"exit_code": exitCode,
				"arguments": append([]string{}, args...),
				"duration":  time.Since(start).Milliseconds(),
			}
			if err != nil {
				content["error"] = err.Error()
			}
			return model.NewEntry(content)
		})
		w.flush(ctx)
		if r != nil {
			panic(r)
		}
	}()
	return fn(ctx)
}

// ScheduledTask describes a scheduler entry.
type ScheduledTask struct {
	Command     string
	Description string
	Expression  string
	Timezone    string
}

// Schedules records scheduled task runs.
type Schedules struct {
	Watcher
}

func NewSchedules(rec Recorder, logger *zap.Logger) *Schedules {
	return &Schedules{Watcher: newWatcher("schedules", rec, logger)}
}

// Run executes fn for task and records the run with its output.
func (w *Schedules) Run(ctx context.Context, task ScheduledTask, fn func(ctx context.Context) (string, error)) (err error) {
	ctx, _ = batch.Start(ctx)
	start := time.Now()
	var output string

	defer func() {
		r := recover()
		if r != nil {
			err = fmt.Errorf("scheduled task %s panicked: %v", task.Command, r)
		}
		w.capture(ctx, model.TypeScheduledTask, func() *model.Entry {
			command := task.Command
			if command == "" {
				command = "Closure"
			}
			content := map[string]any{
				"command":     command,
				"description": task.Description,
				"expression":  task.Expression,
				"timezone":    task.Timezone,
				"output":      output,
				"duration":    time.Since(start).Milliseconds(),
			}
			if err != nil {
				content["error"] = err.Error()
			}
			return model.NewEntry(content)
		})
		w.flush(ctx)
		if r != nil {
			panic(r)
		}
	}()
	output, err = fn(ctx)
	return err
}
