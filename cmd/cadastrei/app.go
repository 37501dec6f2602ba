package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/golang-sql/civil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/DiegoSheetszu/Cadastrei/internal/config"
	"github.com/DiegoSheetszu/Cadastrei/internal/db"
	"github.com/DiegoSheetszu/Cadastrei/internal/registry"
)

// loadConfig reads the environment and configures the global logger.
// Commands that touch the databases call loadApp instead.
func loadConfig() (*config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg)
	return cfg, nil
}

// loadApp is loadConfig plus the validation the workers require.
func loadApp() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(parseLogLevel(cfg.LogLevel))
	log.Logger = log.With().Str("service", "cadastrei").Logger()

	// Pretty logging for local dev
	if cfg.Dev() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// openTarget connects to the destination database holding the outbox
// tables.
func openTarget(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	return db.Open(ctx, cfg.DB, cfg.Target.Database)
}

// openRegistry returns the client registry, or nil when no registry file
// is configured.
func openRegistry(cfg *config.Config) *registry.Registry {
	if cfg.RegistryFile == "" {
		return nil
	}
	return registry.New(cfg.RegistryFile, *cfg)
}

// leaveStartDate resolves the configured start of the leave scan window,
// defaulting to today.
func leaveStartDate(cfg *config.Config) civil.Date {
	if cfg.LeaveSync.StartDate.IsZero() {
		return civil.DateOf(time.Now())
	}
	return civil.DateOf(cfg.LeaveSync.StartDate)
}

// eventType validates a motoristas|afastamentos CLI argument.
func eventType(arg string) (string, error) {
	typ := registry.NormalizeType(arg)
	if typ != registry.TypeEmployee && typ != registry.TypeLeave {
		return "", fmt.Errorf("unknown event type %q (want motoristas or afastamentos)", arg)
	}
	return typ, nil
}
