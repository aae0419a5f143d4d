/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the meter reading server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, .env, environment, flags)
  2. Configure zerolog
  3. Initialize SQLite store
  4. Create API handler, metrics and router
  5. Start the completion scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port                 HTTP server port (default: 8080)
  -db                   SQLite database path (default: meter-reading.db)
                        Use ":memory:" for in-memory database
  -log-level            trace|debug|info|warn|error
  -log-format           json|human
  -completion-interval  How often finished assignments are closed
  -scheduler            Run the completion scheduler (default: true)
  -submit-workers       Concurrent reading writes per batch
  -cors-origins         Comma-separated allowed origins

  Each flag has an environment variable counterpart, see config/config.go.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/readings.db"

  # Run in-memory with readable logs
  ./server -db=":memory:" -log-format=human

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/warp/meter-reading/api"
	"github.com/warp/meter-reading/config"
	"github.com/warp/meter-reading/store/sqlite"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(2)
	}

	setupLogging(cfg)

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("db", cfg.DBPath).Msg("failed to initialize database")
	}
	defer store.Close()

	// Initialize handler
	handler := api.NewHandler(store, api.NewMetrics())
	handler.Submitter.Workers = cfg.SubmitWorkers
	handler.Submitter.Logger = log.Logger.With().Str("component", "submitter").Logger()

	scheduler := api.NewCompletionScheduler(handler, log.Logger)
	scheduler.CheckInterval = cfg.CompletionInterval
	scheduler.Enabled = cfg.SchedulerEnabled
	scheduler.Start()

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		Logger:         log.Logger,
		AllowedOrigins: cfg.CORSOrigins,
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Int("port", cfg.Port).Str("db", cfg.DBPath).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		return
	}

	log.Info().Msg("server stopped")
}

// setupLogging configures the global zerolog logger.
func setupLogging(cfg config.Config) {
	// JSON by default, human readable on request
	output := io.Writer(os.Stdout)
	if cfg.LogFormat == "human" {
		output = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(output).With().Timestamp().Logger()
}
