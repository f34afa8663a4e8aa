package main

import (
	"flag"
	"fmt"
	"os"
)

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	Command      string
	Args         []string
	ConfigPath   string
	LogLevel     string
	LogFormat    string
	ListenAddr   string
	StoreBackend string
	StoreURL     string
	ShowVersion  bool
	ShowHelp     bool
	Validate     bool
}

// flagSet is kept package-level so the help printer can list defaults.
var flagSet *flag.FlagSet

func parseFlags() (*CLIConfig, error) {
	cfg := &CLIConfig{}

	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	flagSet = fs

	// Flags default to empty so loadConfig can tell "not set" apart from
	// an explicit value; file and env defaults apply underneath.
	fs.StringVar(&cfg.ConfigPath, "config",
		os.Getenv("MOTION_CONFIG"),
		"Path to JSON configuration file (env: MOTION_CONFIG)")
	fs.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level: debug, info, warn, error (env: MOTION_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format: json, text (env: MOTION_LOG_FORMAT)")
	fs.StringVar(&cfg.ListenAddr, "listen", "",
		"HTTP listen address (env: MOTION_HTTP_LISTEN_ADDR)")
	fs.StringVar(&cfg.StoreBackend, "store", "",
		"Store backend: memory, nats (env: MOTION_STORE_BACKEND)")
	fs.StringVar(&cfg.StoreURL, "store-url", "",
		"NATS server URL (env: MOTION_STORE_URL)")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = printDetailedHelp

	// First non-flag argument is the command, defaulting to serve.
	args := os.Args[1:]
	cfg.Command = "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cfg.Command = args[0]
		args = args[1:]
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			cfg.ShowHelp = true
			return cfg, nil
		}
		return nil, err
	}
	cfg.Args = fs.Args()

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return nil, fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	return cfg, nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - state runtime for incrementally-updated components

Usage: %s [command] [options]

Commands:
  serve      Run the HTTP service (default)
  inspect    List a component's instances, or print one instance's state
  clear      Remove all persisted data for an instance

Options:
`, appName, os.Args[0])
	if flagSet != nil {
		flagSet.PrintDefaults()
	}
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run the service with a config file
  %s serve --config=/etc/motion/motion.json

  # Run against NATS with debug logging
  %s serve --store=nats --store-url=nats://localhost:4222 --log-level=debug

  # Print an instance's state
  %s inspect ZScore user-123

  # Clear an instance
  %s clear ZScore user-123

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}
