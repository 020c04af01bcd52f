// Package monitoring assembles the capture pipeline from configuration: one
// backend, the dispatcher in front of it and the watchers feeding it.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tinytelemetry/lookout/internal/collector"
	"github.com/tinytelemetry/lookout/internal/dispatch"
	"github.com/tinytelemetry/lookout/internal/filelog"
	"github.com/tinytelemetry/lookout/internal/logging"
	"github.com/tinytelemetry/lookout/internal/metrics"
	"github.com/tinytelemetry/lookout/internal/model"
	"github.com/tinytelemetry/lookout/internal/queue"
	"github.com/tinytelemetry/lookout/internal/sqlstore"
	"github.com/tinytelemetry/lookout/internal/watcher"
)

// Options carries runtime collaborators that do not come from config.
type Options struct {
	Logger        *zap.Logger
	Metrics       *metrics.Collector
	ActorResolver dispatch.ActorResolver
	// OneShot flushes on every Record. Short-lived processes use it.
	OneShot bool
	// Transport is wrapped by the client request watcher.
	Transport http.RoundTripper
}

// Watchers groups the capture adapters. Disabled watchers are still usable
// but record nothing.
type Watchers struct {
	Requests       *watcher.Requests
	ClientRequests *watcher.ClientRequests
	Jobs           *watcher.Jobs
	Commands       *watcher.Commands
	Schedules      *watcher.Schedules
	Exceptions     *watcher.Exceptions
	Gates          *watcher.Gates
	Events         *watcher.Events
	Notifications  *watcher.Notifications
	Mail           *watcher.Mailer
	Models         *watcher.Models
	Queries        *watcher.Queries
	Logs           *watcher.LogCore
}

// Monitor owns the assembled pipeline.
type Monitor struct {
	Backend    model.Backend
	Dispatcher *dispatch.Dispatcher
	Watchers   Watchers
	Metrics    *metrics.Collector

	queue     *queue.Queue
	retention *sqlstore.RetentionCleaner
	logger    *zap.Logger
}

// New builds the backend selected by cfg.Driver and wires the dispatcher and
// watchers to it.
func New(cfg Config, opts Options) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.OrNop(opts.Logger)
	m := &Monitor{Metrics: opts.Metrics, logger: logger}

	backend, err := m.openBackend(cfg)
	if err != nil {
		m.stopQueue()
		return nil, err
	}
	m.Backend = backend

	if sqlBackend, ok := backend.(*sqlstore.Store); ok {
		m.retention = sqlstore.NewRetentionCleaner(sqlBackend, sqlstore.RetentionConfig{
			RetentionDays: cfg.RetentionDays,
			Logger:        logger,
		})
	}

	m.Dispatcher = dispatch.New(backend, dispatch.Config{
		BufferSize:    cfg.BufferSize,
		MaxPending:    cfg.MaxPending,
		OneShot:       opts.OneShot,
		Async:         cfg.Async,
		FlushTimeout:  cfg.FlushTimeout,
		ActorResolver: opts.ActorResolver,
		Logger:        logger,
		Metrics:       opts.Metrics,
	})
	if !cfg.Enabled {
		m.Dispatcher.Disable()
	}

	m.Watchers = buildWatchers(cfg, opts, m.Dispatcher, logger)
	logger.Info("monitoring ready",
		zap.String("driver", cfg.Driver),
		zap.Int("buffer_size", cfg.BufferSize),
		zap.Bool("enabled", cfg.Enabled),
		zap.Bool("async", cfg.Async),
		zap.Bool("one_shot", opts.OneShot))
	return m, nil
}

func (m *Monitor) openBackend(cfg Config) (model.Backend, error) {
	switch cfg.Driver {
	case DriverDuckDB, DriverSQLite:
		store, err := sqlstore.Open(sqlstore.Config{
			Driver:       cfg.Driver,
			Path:         cfg.SQL.Path,
			QueryTimeout: cfg.SQL.QueryTimeout,
			MaxRows:      cfg.SQL.MaxRows,
			Logger:       m.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
		}
		return store, nil
	case DriverFile:
		log, err := filelog.Open(filelog.Config{Path: cfg.File.Path, MaxRows: cfg.File.MaxRows, Logger: m.logger})
		if err != nil {
			return nil, fmt.Errorf("open file backend: %w", err)
		}
		return log, nil
	case DriverHTTP:
		h := cfg.HTTP
		if h.Mode == "" {
			// The queue is always running here, so units of work never wait
			// on the collector unless sync mode is asked for.
			h.Mode = collector.ModeQueue
		}
		m.queue = queue.New(queue.Config{
			Workers:     h.Queue.Workers,
			MaxAttempts: h.Queue.Attempts,
			RetryDelay:  h.Queue.RetryDelay,
			Rate:        h.Queue.Rate,
			Logger:      m.logger,
			Metrics:     m.Metrics,
		})
		client, err := collector.New(collector.Config{
			Endpoint:         h.Endpoint,
			Token:            h.Token,
			Timeout:          h.Timeout,
			RetryTimes:       h.Retry.Times,
			RetrySleep:       h.Retry.Sleep,
			RetryMultiplier:  h.Retry.Multiplier,
			Fallback:         h.Fallback,
			Mode:             h.Mode,
			QueueDelay:       h.Queue.Delay,
			BreakerThreshold: h.Breaker.Threshold,
			BreakerCooldown:  h.Breaker.Cooldown,
		}, collector.WithQueue(m.queue), collector.WithLogger(m.logger), collector.WithMetrics(m.Metrics))
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return nil, fmt.Errorf("monitoring: unknown driver %q", cfg.Driver)
}

func buildWatchers(cfg Config, opts Options, d *dispatch.Dispatcher, logger *zap.Logger) Watchers {
	w := cfg.Watchers
	rec := func(enabled bool) watcher.Recorder {
		if enabled {
			return d
		}
		return discard{}
	}

	ignoreHosts := append([]string(nil), cfg.Ignore.Hosts...)
	if cfg.Driver == DriverHTTP {
		if u, err := url.Parse(cfg.HTTP.Endpoint); err == nil && u.Hostname() != "" {
			ignoreHosts = append(ignoreHosts, u.Hostname())
		}
	}

	level := zapcore.WarnLevel
	if w.Logs.Level != "" {
		if l, err := zapcore.ParseLevel(w.Logs.Level); err == nil {
			level = l
		} else {
			logger.Warn("monitoring: invalid log watcher level, using warn", zap.String("level", w.Logs.Level))
		}
	}

	return Watchers{
		Requests: watcher.NewRequests(rec(w.Requests.Enabled), watcher.RequestOptions{
			IgnoreMethods:     cfg.Ignore.Methods,
			IgnoreStatusCodes: cfg.Ignore.StatusCodes,
			IgnorePaths:       cfg.Ignore.Paths,
			HiddenHeaders:     w.Requests.HiddenHeaders,
			HiddenParams:      w.Requests.HiddenParams,
			SizeLimitKB:       w.Requests.SizeLimitKB,
		}, logger),
		ClientRequests: watcher.NewClientRequests(rec(w.ClientRequests.Enabled), opts.Transport, watcher.ClientRequestOptions{
			IgnoreHosts: ignoreHosts,
			SizeLimitKB: w.ClientRequests.SizeLimitKB,
		}, logger),
		Jobs:          watcher.NewJobs(rec(w.Jobs.Enabled), logger),
		Commands:      watcher.NewCommands(rec(w.Commands.Enabled), cfg.Ignore.Commands, logger),
		Schedules:     watcher.NewSchedules(rec(w.Schedules.Enabled), logger),
		Exceptions:    watcher.NewExceptions(rec(w.Exceptions.Enabled), logger),
		Gates:         watcher.NewGates(rec(w.Gates.Enabled), cfg.Ignore.Abilities, logger),
		Events:        watcher.NewEvents(rec(w.Events.Enabled), cfg.Ignore.Events, logger),
		Notifications: watcher.NewNotifications(rec(w.Notifications.Enabled), logger),
		Mail:          watcher.NewMailer(rec(w.Mail.Enabled), logger),
		Models:        watcher.NewModels(rec(w.Models.Enabled), logger),
		Queries:       watcher.NewQueries(rec(w.Queries.Enabled), w.Queries.Slow, logger),
		Logs:          watcher.NewLogCore(rec(w.Logs.Enabled), level, logger),
	}
}

// Close flushes buffered entries, drains the redelivery queue and closes the
// backend. ctx bounds the whole shutdown.
func (m *Monitor) Close(ctx context.Context) error {
	var errs []error
	if m.Dispatcher != nil {
		if err := m.Dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
		}
	}
	if m.queue != nil {
		if err := m.queue.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop redelivery queue: %w", err))
		}
	}
	m.retention.Stop()
	if m.Backend != nil {
		if err := m.Backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close backend: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (m *Monitor) stopQueue() {
	if m.queue != nil {
		_ = m.queue.Stop(context.Background())
	}
}

// discard is the recorder behind disabled watchers.
type discard struct{}

func (discard) Record(context.Context, model.EntryType, *model.Entry) {}

func (discard) FlushAll(context.Context) error { return nil }
