// Package cmd contains the command-line entry points for the knowledge
// weaver service.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/weaverhq/knowledge-weaver/db"
	"github.com/weaverhq/knowledge-weaver/internal/config"
	"github.com/weaverhq/knowledge-weaver/internal/log"
)

// Version information (injected at build time via ldflags).
var (
	AppVersion = "0.1.0"
	BuildTime  = "unknown"
	GitCommit  = "unknown"
)

// Execute is the main entry point. It handles command routing and leaves
// main.go as a minimal shim.
func Execute() error {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			printVersionInfo()
			return nil
		case "help", "--help", "-h":
			printHelp()
			return nil
		case "migrate":
			return runMigrate()
		case "serve":
			return runServe()
		default:
			printHelp()
			return fmt.Errorf("unknown command: %s", os.Args[1])
		}
	}

	// Serving is the default behavior.
	return runServe()
}

// initLogger initializes the structured logger. DEBUG enables debug level;
// WEAVER_LOG_JSON switches to JSON output for log aggregation.
func initLogger() *slog.Logger {
	cfg := log.Config{Level: slog.LevelInfo}
	if os.Getenv("DEBUG") != "" {
		cfg.Level = slog.LevelDebug
		cfg.AddSource = true
	}
	if os.Getenv("WEAVER_LOG_JSON") != "" {
		cfg.JSON = true
	}
	return log.New(cfg)
}

// runMigrate applies pending database migrations and exits. Useful for
// deployments that migrate separately from serving.
func runMigrate() error {
	logger := initLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")
	return nil
}

func printVersionInfo() {
	fmt.Printf("knowledge-weaver v%s\n", AppVersion)
	fmt.Printf("Build: %s\n", BuildTime)
	fmt.Printf("Commit: %s\n", GitCommit)
}

func printHelp() {
	fmt.Println("knowledge-weaver - organizational knowledge service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  weaver serve       Start the HTTP API server (default)")
	fmt.Println("  weaver migrate     Apply database migrations and exit")
	fmt.Println("  weaver version     Show version information")
	fmt.Println("  weaver help        Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  GEMINI_API_KEY           Required: Gemini API key")
	fmt.Println("  WEAVER_API_KEY           Required: pre-shared key for X-API-Key auth")
	fmt.Println("  WEAVER_LISTEN_ADDR       Optional: HTTP listen address (default :8080)")
	fmt.Println("  WEAVER_POSTGRES_HOST     Optional: PostgreSQL host (default localhost)")
	fmt.Println("  WEAVER_DATA_DIR          Optional: directory for append logs")
	fmt.Println("  DEBUG                    Optional: enable debug logging")
}
