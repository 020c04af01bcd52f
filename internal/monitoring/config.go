package monitoring

import (
	"fmt"
	"time"

	"github.com/tinytelemetry/lookout/internal/collector"
	"github.com/tinytelemetry/lookout/internal/dispatch"
	"github.com/tinytelemetry/lookout/internal/model"
	"github.com/tinytelemetry/lookout/internal/sqlstore"
	"github.com/tinytelemetry/lookout/internal/watcher"
)

// Backend driver names.
const (
	DriverDuckDB = sqlstore.DriverDuckDB
	DriverSQLite = sqlstore.DriverSQLite
	DriverHTTP   = "http"
	DriverFile   = "file"
)

// Config is the monitoring configuration as loaded by viper.
type Config struct {
	Enabled       bool           `mapstructure:"enabled" yaml:"enabled"`
	Driver        string         `mapstructure:"driver" yaml:"driver"`
	BufferSize    int            `mapstructure:"buffer-size" yaml:"buffer-size"`
	MaxPending    int            `mapstructure:"max-pending" yaml:"max-pending"`
	Async         bool           `mapstructure:"async" yaml:"async"`
	FlushTimeout  time.Duration  `mapstructure:"flush-timeout" yaml:"flush-timeout"`
	RetentionDays int            `mapstructure:"retention-days" yaml:"retention-days"`
	SQL           SQLConfig      `mapstructure:"sql" yaml:"sql"`
	HTTP          HTTPConfig     `mapstructure:"http" yaml:"http"`
	File          FileConfig     `mapstructure:"file" yaml:"file"`
	Watchers      WatchersConfig `mapstructure:"watchers" yaml:"watchers"`
	Ignore        IgnoreConfig   `mapstructure:"ignore" yaml:"ignore"`
}

type SQLConfig struct {
	Path         string        `mapstructure:"path" yaml:"path"`
	QueryTimeout time.Duration `mapstructure:"query-timeout" yaml:"query-timeout"`
	MaxRows      int           `mapstructure:"max-rows" yaml:"max-rows"`
}

type HTTPConfig struct {
	Endpoint string        `mapstructure:"endpoint" yaml:"endpoint"`
	Token    string        `mapstructure:"token" yaml:"token"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retry    RetryConfig   `mapstructure:"retry" yaml:"retry"`
	Fallback string        `mapstructure:"fallback" yaml:"fallback"`
	Mode     string        `mapstructure:"mode" yaml:"mode"`
	Breaker  BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
	Queue    QueueConfig   `mapstructure:"queue" yaml:"queue"`
}

type RetryConfig struct {
	Times      int           `mapstructure:"times" yaml:"times"`
	Sleep      time.Duration `mapstructure:"sleep" yaml:"sleep"`
	Multiplier float64       `mapstructure:"multiplier" yaml:"multiplier"`
}

// BreakerConfig enables the collector circuit breaker when Threshold > 0.
type BreakerConfig struct {
	Threshold uint32        `mapstructure:"threshold" yaml:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

// QueueConfig tunes the redelivery queue.
type QueueConfig struct {
	Delay      time.Duration `mapstructure:"delay" yaml:"delay"`
	Workers    int           `mapstructure:"workers" yaml:"workers"`
	Attempts   int           `mapstructure:"attempts" yaml:"attempts"`
	RetryDelay time.Duration `mapstructure:"retry-delay" yaml:"retry-delay"`
	Rate       float64       `mapstructure:"rate" yaml:"rate"`
}

type FileConfig struct {
	Path    string `mapstructure:"path" yaml:"path"`
	MaxRows int    `mapstructure:"max-rows" yaml:"max-rows"`
}

// IgnoreConfig lists activity that is never captured.
type IgnoreConfig struct {
	Methods     []string `mapstructure:"methods" yaml:"methods"`
	StatusCodes []int    `mapstructure:"status-codes" yaml:"status-codes"`
	Paths       []string `mapstructure:"paths" yaml:"paths"`
	Events      []string `mapstructure:"events" yaml:"events"`
	Commands    []string `mapstructure:"commands" yaml:"commands"`
	Abilities   []string `mapstructure:"abilities" yaml:"abilities"`
	Hosts       []string `mapstructure:"hosts" yaml:"hosts"`
}

// Toggle switches one watcher on or off.
type Toggle struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type WatchersConfig struct {
	Requests       RequestsWatcher       `mapstructure:"requests" yaml:"requests"`
	ClientRequests ClientRequestsWatcher `mapstructure:"client-requests" yaml:"client-requests"`
	Jobs           Toggle                `mapstructure:"jobs" yaml:"jobs"`
	Commands       Toggle                `mapstructure:"commands" yaml:"commands"`
	Schedules      Toggle                `mapstructure:"schedules" yaml:"schedules"`
	Exceptions     Toggle                `mapstructure:"exceptions" yaml:"exceptions"`
	Gates          Toggle                `mapstructure:"gates" yaml:"gates"`
	Events         Toggle                `mapstructure:"events" yaml:"events"`
	Notifications  Toggle                `mapstructure:"notifications" yaml:"notifications"`
	Mail           Toggle                `mapstructure:"mail" yaml:"mail"`
	Models         Toggle                `mapstructure:"models" yaml:"models"`
	Queries        QueriesWatcher        `mapstructure:"queries" yaml:"queries"`
	Logs           LogsWatcher           `mapstructure:"logs" yaml:"logs"`
}

type RequestsWatcher struct {
	Enabled       bool     `mapstructure:"enabled" yaml:"enabled"`
	SizeLimitKB   int      `mapstructure:"size-limit-kb" yaml:"size-limit-kb"`
	HiddenHeaders []string `mapstructure:"hidden-headers" yaml:"hidden-headers"`
	HiddenParams  []string `mapstructure:"hidden-params" yaml:"hidden-params"`
}

type ClientRequestsWatcher struct {
	Enabled     bool `mapstructure:"enabled" yaml:"enabled"`
	SizeLimitKB int  `mapstructure:"size-limit-kb" yaml:"size-limit-kb"`
}

type QueriesWatcher struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Slow    time.Duration `mapstructure:"slow" yaml:"slow"`
}

type LogsWatcher struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Level   string `mapstructure:"level" yaml:"level"`
}

// DefaultConfig returns a configuration with every watcher on, writing to
// an in-memory DuckDB database.
func DefaultConfig() Config {
	on := Toggle{Enabled: true}
	return Config{
		Enabled:      true,
		Driver:       DriverDuckDB,
		BufferSize:   model.DefaultBufferSize,
		MaxPending:   dispatch.DefaultMaxPending,
		FlushTimeout: model.DefaultFlushTimeout,
		SQL:          SQLConfig{MaxRows: model.DefaultMaxRows},
		HTTP: HTTPConfig{
			Timeout:  model.DefaultHTTPTimeout,
			Fallback: collector.FallbackQueue,
			Mode:     collector.ModeQueue,
			Queue: QueueConfig{
				Delay:      30 * time.Second,
				Workers:    2,
				Attempts:   3,
				RetryDelay: 30 * time.Second,
			},
		},
		File: FileConfig{MaxRows: model.DefaultMaxRows},
		Watchers: WatchersConfig{
			Requests:       RequestsWatcher{Enabled: true, SizeLimitKB: watcher.DefaultSizeLimitKB},
			ClientRequests: ClientRequestsWatcher{Enabled: true, SizeLimitKB: watcher.DefaultSizeLimitKB},
			Jobs:           on,
			Commands:       on,
			Schedules:      on,
			Exceptions:     on,
			Gates:          on,
			Events:         on,
			Notifications:  on,
			Mail:           on,
			Models:         on,
			Queries:        QueriesWatcher{Enabled: true, Slow: watcher.DefaultSlowQuery},
			Logs:           LogsWatcher{Enabled: true, Level: "warn"},
		},
		Ignore: IgnoreConfig{
			Methods:  []string{"OPTIONS"},
			Commands: []string{"schedule:run", "schedule:finish"},
		},
	}
}

// Validate checks the settings New depends on.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverDuckDB, DriverSQLite, DriverFile:
	case DriverHTTP:
		if c.HTTP.Endpoint == "" {
			return fmt.Errorf("monitoring: http driver requires http.endpoint")
		}
	default:
		return fmt.Errorf("monitoring: unknown driver %q (want duckdb, sqlite, http or file)", c.Driver)
	}
	if c.BufferSize < 1 {
		return fmt.Errorf("monitoring: buffer-size must be at least 1, got %d", c.BufferSize)
	}
	if c.Driver == DriverFile && c.File.Path == "" {
		return fmt.Errorf("monitoring: file driver requires file.path")
	}
	return nil
}
