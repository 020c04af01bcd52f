package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tinytelemetry/lookout/internal/logging"
	"github.com/tinytelemetry/lookout/internal/model"
	"github.com/tinytelemetry/lookout/internal/monitoring"
)

const (
	defaultBindHost      = "127.0.0.1"
	defaultAPIPort       = 3000
	defaultRetentionDays = 30 // 0 = disabled
	defaultShutdown      = 10 * time.Second
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	Monitoring monitoring.Config `mapstructure:",squash" yaml:",inline"`
	Log        logging.Config    `mapstructure:"log" yaml:"log"`
	API        apiConfig         `mapstructure:"api" yaml:"api"`
	ConfigPath string            `mapstructure:"-" yaml:"-"` // not from config file
}

type apiConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
	// Token enables the collector receiver under /api/logs.
	Token string `mapstructure:"token" yaml:"token"`
}

func setDefaults(v *viper.Viper, home string) {
	d := monitoring.DefaultConfig()

	v.SetDefault("enabled", d.Enabled)
	v.SetDefault("driver", d.Driver)
	v.SetDefault("buffer-size", d.BufferSize)
	v.SetDefault("max-pending", d.MaxPending)
	v.SetDefault("async", d.Async)
	v.SetDefault("flush-timeout", d.FlushTimeout)
	v.SetDefault("retention-days", defaultRetentionDays)

	v.SetDefault("sql.path", filepath.Join(home, ".local", "share", "lookout", "lookout.duckdb"))
	v.SetDefault("sql.query-timeout", 30*time.Second)
	v.SetDefault("sql.max-rows", d.SQL.MaxRows)

	v.SetDefault("http.endpoint", "")
	v.SetDefault("http.token", "")
	v.SetDefault("http.timeout", d.HTTP.Timeout)
	v.SetDefault("http.retry.times", d.HTTP.Retry.Times)
	v.SetDefault("http.retry.sleep", d.HTTP.Retry.Sleep)
	v.SetDefault("http.retry.multiplier", d.HTTP.Retry.Multiplier)
	v.SetDefault("http.fallback", d.HTTP.Fallback)
	v.SetDefault("http.mode", d.HTTP.Mode)
	v.SetDefault("http.breaker.threshold", d.HTTP.Breaker.Threshold)
	v.SetDefault("http.breaker.cooldown", 30*time.Second)
	v.SetDefault("http.queue.delay", d.HTTP.Queue.Delay)
	v.SetDefault("http.queue.workers", d.HTTP.Queue.Workers)
	v.SetDefault("http.queue.attempts", d.HTTP.Queue.Attempts)
	v.SetDefault("http.queue.retry-delay", d.HTTP.Queue.RetryDelay)
	v.SetDefault("http.queue.rate", d.HTTP.Queue.Rate)

	v.SetDefault("file.path", filepath.Join(home, ".local", "share", "lookout", "monitoring.jsonl"))
	v.SetDefault("file.max-rows", d.File.MaxRows)

	w := d.Watchers
	v.SetDefault("watchers.requests.enabled", w.Requests.Enabled)
	v.SetDefault("watchers.requests.size-limit-kb", w.Requests.SizeLimitKB)
	v.SetDefault("watchers.client-requests.enabled", w.ClientRequests.Enabled)
	v.SetDefault("watchers.client-requests.size-limit-kb", w.ClientRequests.SizeLimitKB)
	for _, name := range []string{"jobs", "commands", "schedules", "exceptions", "gates", "events", "notifications", "mail", "models"} {
		v.SetDefault("watchers."+name+".enabled", true)
	}
	v.SetDefault("watchers.queries.enabled", w.Queries.Enabled)
	v.SetDefault("watchers.queries.slow", w.Queries.Slow)
	v.SetDefault("watchers.logs.enabled", w.Logs.Enabled)
	v.SetDefault("watchers.logs.level", w.Logs.Level)

	v.SetDefault("ignore.methods", d.Ignore.Methods)
	v.SetDefault("ignore.status-codes", []int{})
	v.SetDefault("ignore.paths", []string{})
	v.SetDefault("ignore.events", []string{})
	v.SetDefault("ignore.commands", d.Ignore.Commands)
	v.SetDefault("ignore.abilities", []string{})
	v.SetDefault("ignore.hosts", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.path", logging.DefaultPath())

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.port", defaultAPIPort)
	v.SetDefault("api.addr", "")
	v.SetDefault("api.token", "")
}

// loadConfig merges defaults, the config file, LOOKOUT_* environment
// variables and any flags bound from fs, in increasing precedence.
func loadConfig(configPath string, fs *pflag.FlagSet) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("LOOKOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, home)

	if fs != nil {
		for key, flag := range map[string]string{
			"driver":      "driver",
			"buffer-size": "buffer-size",
			"api.port":    "api-port",
			"log.level":   "log-level",
		} {
			if f := fs.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return cfg, fmt.Errorf("binding flag %s: %w", flag, err)
				}
			}
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "lookout", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &configFileNotFound) || os.IsNotExist(err)
		if !missing || configPath != "" {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if _, statErr := os.Stat(v.ConfigFileUsed()); statErr == nil {
		cfg.ConfigPath = v.ConfigFileUsed()
	}

	if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
		return cfg, fmt.Errorf("invalid api.port: %d", cfg.API.Port)
	}

	// Expand ~ in paths
	for _, p := range []*string{&cfg.Monitoring.SQL.Path, &cfg.Monitoring.File.Path, &cfg.Log.Path} {
		if strings.HasPrefix(*p, "~/") {
			*p = filepath.Join(home, (*p)[2:])
		}
	}

	if cfg.API.Addr == "" {
		cfg.API.Addr = net.JoinHostPort(defaultBindHost, strconv.Itoa(cfg.API.Port))
	}

	if err := cfg.Monitoring.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// redacted returns a copy of cfg safe to print.
func (c appConfig) redacted() appConfig {
	out := c
	if out.Monitoring.HTTP.Token != "" {
		out.Monitoring.HTTP.Token = model.RedactedValue
	}
	if out.API.Token != "" {
		out.API.Token = model.RedactedValue
	}
	return out
}
