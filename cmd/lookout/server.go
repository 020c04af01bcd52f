package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/lookout/internal/httpserver"
	"github.com/tinytelemetry/lookout/internal/logging"
	"github.com/tinytelemetry/lookout/internal/metrics"
	"github.com/tinytelemetry/lookout/internal/monitoring"
)

// runServer assembles the monitoring pipeline and serves its HTTP API until
// SIGINT or SIGTERM.
func runServer(cfg appConfig) error {
	logger, cleanupLogger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer cleanupLogger()
	logger = logger.Named("lookout")

	collector := metrics.NewCollector("lookout")
	monitor, err := monitoring.New(cfg.Monitoring, monitoring.Options{
		Logger:  logger,
		Metrics: collector,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize monitoring: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdown)
		defer cancel()
		if err := monitor.Close(ctx); err != nil {
			logger.Error("monitoring shutdown", zap.Error(err))
		}
	}()

	if cfg.API.Enabled {
		apiServer := httpserver.NewServer(httpserver.Config{
			Addr:    cfg.API.Addr,
			Backend: monitor.Backend,
			Token:   cfg.API.Token,
			Metrics: collector.Handler(),
			Logger:  logger.Named("http"),
		})
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	// Set up context and signal handling before errgroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		deadline := time.NewTimer(defaultShutdown)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	printStartupBanner(cfg, monitor.Backend.Name())

	g, gctx := errgroup.WithContext(ctx)

	// Wait for context cancellation (from signal handler) in the errgroup
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server: errgroup exited with error", zap.Error(err))
	}

	signal.Stop(sigCh)
	return nil
}

func printStartupBanner(cfg appConfig, backendName string) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")
	row := func(mark, label, value string) string {
		return fmt.Sprintf("    %s  %-14s %s", mark, label, value)
	}

	logo := cyan.Bold(true).Render(`
    ╦  ╔═╗╔═╗╦╔═╔═╗╦ ╦╔╦╗
    ║  ║ ║║ ║╠╩╗║ ║║ ║ ║
    ╩═╝╚═╝╚═╝╩ ╩╚═╝╚═╝ ╩ `)

	separator := dim.Render("    ─────────────────────────────────")
	lines := []string{"", logo, "    " + dim.Render("v"+version), "", separator, ""}

	lines = append(lines, bold.Render("    Gateway"), "")
	if cfg.API.Enabled {
		lines = append(lines, row(check, "HTTP API", cyan.Render(cfg.API.Addr)))
		if cfg.API.Token != "" {
			lines = append(lines, row(check, "Receiver", cyan.Render("/api/logs")))
		} else {
			lines = append(lines, row(dot, "Receiver", dim.Render("disabled (no api.token)")))
		}
	} else {
		lines = append(lines, row(dot, "HTTP API", dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Storage"), "")
	switch cfg.Monitoring.Driver {
	case monitoring.DriverHTTP:
		lines = append(lines, row(check, "Collector", dim.Render(cfg.Monitoring.HTTP.Endpoint)))
		lines = append(lines, row(check, "Fallback", dim.Render(cfg.Monitoring.HTTP.Fallback)))
	case monitoring.DriverFile:
		lines = append(lines, row(check, "Log File", dim.Render(shortenPath(cfg.Monitoring.File.Path))))
	default:
		lines = append(lines, row(check, "Database", dim.Render(backendName+" "+shortenPath(cfg.Monitoring.SQL.Path))))
		if cfg.Monitoring.RetentionDays > 0 {
			lines = append(lines, row(check, "Retention", dim.Render(fmt.Sprintf("%d days", cfg.Monitoring.RetentionDays))))
		} else {
			lines = append(lines, row(dot, "Retention", dim.Render("disabled")))
		}
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Runtime"), "")
	if cfg.Monitoring.Enabled {
		lines = append(lines, row(check, "Capture", dim.Render(fmt.Sprintf("buffer %d", cfg.Monitoring.BufferSize))))
	} else {
		lines = append(lines, row(dot, "Capture", dim.Render("disabled")))
	}
	lines = append(lines, row(check, "Operator Log", dim.Render(shortenPath(cfg.Log.Path))))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, row(check, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, row(dot, "Config File", dim.Render("default (no file)")))
	}

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
