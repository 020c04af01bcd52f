package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

const usage = `Usage: lookout [flags] [serve|emit] [-- command args]

  serve   run the monitoring API (default)
  emit    read JSON lines from stdin and record them as entries

Flags:
`

func main() {
	fs := pflag.NewFlagSet("lookout", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}

	var (
		configPath  string
		showVersion bool
		printConfig bool
		entryType   string
		tags        []string
	)
	fs.StringVarP(&configPath, "config", "c", "", "config file (default is $HOME/.config/lookout/config.yml)")
	fs.BoolVar(&showVersion, "version", false, "print version information")
	fs.BoolVar(&printConfig, "print-config", false, "print the effective configuration and exit")
	fs.String("driver", "", "storage driver: duckdb, sqlite, http or file")
	fs.Int("buffer-size", 0, "entries buffered before a flush")
	fs.Int("api-port", 0, "HTTP API port")
	fs.String("log-level", "", "operator log level")
	fs.StringVarP(&entryType, "type", "t", "log", "entry type for emit")
	fs.StringSliceVar(&tags, "tag", nil, "tag added to every emitted entry (repeatable)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		os.Exit(2)
	}

	if showVersion {
		fmt.Printf("Lookout - Application Monitoring\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadConfig(configPath, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if printConfig {
		out, err := yaml.Marshal(cfg.redacted())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	args := fs.Args()
	mode := "serve"
	if len(args) > 0 {
		mode, args = args[0], args[1:]
	}

	switch mode {
	case "serve":
		err = runServer(cfg)
	case "emit":
		err = runEmit(cfg, emitOptions{Type: entryType, Tags: tags, Args: args}, os.Stdin)
	default:
		fs.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
