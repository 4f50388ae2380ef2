package main

import (
	"fmt"
	"net/http"
	"os"

	"spreadpilot/internal/config"
	"spreadpilot/internal/database"
	"spreadpilot/internal/logger"

	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Connect to the database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}

	// Setup HTTP server
	mux := http.NewServeMux()

	apiHandler := NewAPIHandler(log, db)

	// Read-only API endpoints over the persisted records.
	mux.HandleFunc("/api/followers", apiHandler.FollowersHandler)
	mux.HandleFunc("/api/followers/", apiHandler.FollowerStatusHandler)
	mux.HandleFunc("/api/attempts", apiHandler.AttemptsHandler)
	mux.HandleFunc("/healthz", apiHandler.HealthHandler)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Info("Starting monitoring server", zap.String("address", addr))

	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal("Monitoring server failed", zap.Error(err))
	}
}
