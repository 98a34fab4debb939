/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty points engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load engine configuration (optional YAML file, defaults otherwise)
  3. Initialize SQLite store
  4. Wire services: ledger -> payments -> promotions/milestones
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080)
  -db      SQLite database path (default: loyalty.db)
           Use ":memory:" for in-memory database
  -config  YAML configuration path (optional)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database and defaults
  ./server -db="./data/loyalty.db"

  # Run with explicit configuration
  ./server -config="./config.yaml" -port=3000

SEE ALSO:
  - api/server.go: Router configuration
  - engine/config.go: Configuration format
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/solara/loyalty-engine/api"
	"github.com/solara/loyalty-engine/engine"
	"github.com/solara/loyalty-engine/ledger"
	"github.com/solara/loyalty-engine/payment"
	"github.com/solara/loyalty-engine/promotion"
	"github.com/solara/loyalty-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "loyalty.db", "SQLite database path")
	configPath := flag.String("config", "", "YAML configuration path")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	// Configuration
	cfg := engine.DefaultConfig()
	if *configPath != "" {
		loaded, err := engine.LoadConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load configuration")
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	// Store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()

	// Services
	catalog := engine.NewStaticCatalog(cfg.Products)
	calc := ledger.NewCalculator(cfg, log)
	ledgerSvc := ledger.NewService(store, catalog, cfg, calc, log)
	notifier := engine.LogNotifier{Log: log}
	paymentSvc := payment.NewService(store, cfg, calc, notifier, log)
	tracker := promotion.NewTracker(store, paymentSvc, log)
	detector := promotion.NewMilestoneDetector(store, paymentSvc, cfg, log)

	// Bonus detection runs after every committed claim.
	ledgerSvc.OnAppend(tracker.Hook())
	ledgerSvc.OnAppend(detector.Hook())

	// Router
	handler := api.NewHandler(ledgerSvc, paymentSvc, tracker)
	router := api.NewRouter(handler, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", *port).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
