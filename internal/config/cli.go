package config

import (
	"flag"
	"fmt"
	"io"
)

// CLIFlags holds command-line overrides. Nil fields were not set.
type CLIFlags struct {
	ConfigPath *string
	Port       *string
	LogLevel   *string
	DSN        *string
	NatsURL    *string
	Store      *string
}

// ParseFlags parses args into CLIFlags. Both long and short forms are
// accepted (-c/--config, -p/--port).
func ParseFlags(args []string) (CLIFlags, error) {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configPath, port, logLevel, dsn, natsURL, store string
	)
	fs.StringVar(&configPath, "config", "", "path to the YAML config file")
	fs.StringVar(&configPath, "c", "", "shorthand for --config")
	fs.StringVar(&port, "port", "", "health endpoint port")
	fs.StringVar(&port, "p", "", "shorthand for --port")
	fs.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&dsn, "dsn", "", "PostgreSQL DSN for the event archive")
	fs.StringVar(&natsURL, "nats-url", "", "NATS server URL")
	fs.StringVar(&store, "store", "", "key-value backend (nats or sqlite)")

	if err := fs.Parse(args); err != nil {
		return CLIFlags{}, fmt.Errorf("parse flags: %w", err)
	}

	var flags CLIFlags
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config", "c":
			flags.ConfigPath = &configPath
		case "port", "p":
			flags.Port = &port
		case "log-level":
			flags.LogLevel = &logLevel
		case "dsn":
			flags.DSN = &dsn
		case "nats-url":
			flags.NatsURL = &natsURL
		case "store":
			flags.Store = &store
		}
	})
	return flags, nil
}

// LoadWithCLI loads configuration with CLI flags as the highest layer:
// defaults < YAML < ENV < CLI. It returns the YAML path that was used.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	path := DefaultConfigFile
	if flags.ConfigPath != nil {
		path = *flags.ConfigPath
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, path); err != nil {
		return nil, "", fmt.Errorf("config yaml: %w", err)
	}
	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, "", fmt.Errorf("config validate: %w", err)
	}
	return &cfg, path, nil
}

func applyCLI(cfg *Config, flags CLIFlags) {
	if flags.Port != nil {
		cfg.Server.Port = *flags.Port
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
	if flags.DSN != nil {
		cfg.Postgres.DSN = *flags.DSN
	}
	if flags.NatsURL != nil {
		cfg.NATS.URL = *flags.NatsURL
	}
	if flags.Store != nil {
		cfg.Store.Backend = *flags.Store
	}
}
