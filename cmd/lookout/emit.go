package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/tinytelemetry/lookout/internal/logging"
	"github.com/tinytelemetry/lookout/internal/logparse"
	"github.com/tinytelemetry/lookout/internal/model"
	"github.com/tinytelemetry/lookout/internal/monitoring"
)

const maxEmitLine = 1 << 20

type emitOptions struct {
	Type string
	Tags []string
	Args []string
}

// runEmit records every line of r as one entry. JSON objects become the
// entry content; any other line is stored under "message". Log entries are
// tagged with their level. The run itself is
// recorded as a command entry in the same batch.
func runEmit(cfg appConfig, opts emitOptions, r io.Reader) error {
	entryType, err := model.ParseEntryType(opts.Type)
	if err != nil {
		return err
	}

	logger, cleanupLogger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer cleanupLogger()
	logger = logger.Named("lookout.emit")

	monitor, err := monitoring.New(cfg.Monitoring, monitoring.Options{
		Logger:  logger,
		OneShot: true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize monitoring: %w", err)
	}

	ctx := context.Background()
	runErr := monitor.Watchers.Commands.Run(ctx, "emit", opts.Args, func(ctx context.Context) error {
		n, err := emitLines(ctx, monitor, entryType, opts.Tags, r)
		logger.Debug("emit finished", zap.Int("entries", n), zap.Error(err))
		return err
	})

	closeCtx, cancel := context.WithTimeout(ctx, defaultShutdown)
	defer cancel()
	if err := monitor.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func emitLines(ctx context.Context, monitor *monitoring.Monitor, t model.EntryType, tags []string, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxEmitLine)

	n := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var content map[string]any
		if err := json.Unmarshal([]byte(line), &content); err != nil || content == nil {
			content = map[string]any{"message": line}
		}
		e := model.NewEntry(content).WithTags(tags...)
		if t == model.TypeLog {
			level := logparse.FromContent(content)
			if _, ok := e.Content["level"]; !ok {
				e.Content["level"] = level
			}
			e.WithTags("level:" + level)
		}
		monitor.Dispatcher.Record(ctx, t, e)
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("reading input: %w", err)
	}
	return n, nil
}
