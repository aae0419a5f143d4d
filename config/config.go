/*
config.go - Server configuration

PURPOSE:
  Collects the server settings from, in increasing priority:
  1. Built-in defaults
  2. A .env file (optional, path from ENV_FILE, default ".env")
  3. Environment variables
  4. Command-line flags

VARIABLES:
  PORT                 HTTP port (8080)
  DB_PATH              SQLite file, ":memory:" for a throwaway database
  LOG_LEVEL            trace|debug|info|warn|error (info)
  LOG_FORMAT           json|human (json)
  COMPLETION_INTERVAL  scheduler period, Go duration (15m)
  SCHEDULER_ENABLED    true|false (true)
  SUBMIT_WORKERS       concurrent reading writes per batch (4)
  CORS_ORIGINS         comma-separated allowed origins

SEE ALSO:
  - cmd/server/main.go: consumes Config
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Port               int           `validate:"min=1,max=65535"`
	DBPath             string        `validate:"required"`
	LogLevel           string        `validate:"oneof=trace debug info warn error"`
	LogFormat          string        `validate:"oneof=json human"`
	CompletionInterval time.Duration `validate:"min=1s"`
	SchedulerEnabled   bool
	SubmitWorkers      int      `validate:"min=1,max=64"`
	CORSOrigins        []string `validate:"dive,url"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:               8080,
		DBPath:             "meter-reading.db",
		LogLevel:           "info",
		LogFormat:          "json",
		CompletionInterval: 15 * time.Minute,
		SchedulerEnabled:   true,
		SubmitWorkers:      4,
	}
}

// Load builds the configuration. args are the command-line arguments
// without the program name.
func Load(args []string) (Config, error) {
	cfg := Default()

	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("loading %s: %w", envFile, err)
	}

	if err := cfg.fromEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.fromFlags(args); err != nil {
		return cfg, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) fromEnv() error {
	if v, ok := os.LookupEnv("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Port = port
	}
	if v, ok := os.LookupEnv("DB_PATH"); ok {
		c.DBPath = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		c.LogLevel = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv("LOG_FORMAT"); ok {
		c.LogFormat = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv("COMPLETION_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("COMPLETION_INTERVAL: %w", err)
		}
		c.CompletionInterval = d
	}
	if v, ok := os.LookupEnv("SCHEDULER_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SCHEDULER_ENABLED: %w", err)
		}
		c.SchedulerEnabled = b
	}
	if v, ok := os.LookupEnv("SUBMIT_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SUBMIT_WORKERS: %w", err)
		}
		c.SubmitWorkers = n
	}
	if v, ok := os.LookupEnv("CORS_ORIGINS"); ok {
		c.CORSOrigins = splitList(v)
	}
	return nil
}

func (c *Config) fromFlags(args []string) error {
	flags := flag.NewFlagSet("server", flag.ContinueOnError)
	flags.IntVar(&c.Port, "port", c.Port, "HTTP server port")
	flags.StringVar(&c.DBPath, "db", c.DBPath, "SQLite database path")
	flags.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level")
	flags.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format: json or human")
	flags.DurationVar(&c.CompletionInterval, "completion-interval", c.CompletionInterval, "Completion scheduler interval")
	flags.BoolVar(&c.SchedulerEnabled, "scheduler", c.SchedulerEnabled, "Run the completion scheduler")
	flags.IntVar(&c.SubmitWorkers, "submit-workers", c.SubmitWorkers, "Concurrent reading writes per batch")
	origins := flags.String("cors-origins", strings.Join(c.CORSOrigins, ","), "Comma-separated allowed origins")

	if err := flags.Parse(args); err != nil {
		return err
	}
	c.CORSOrigins = splitList(*origins)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
