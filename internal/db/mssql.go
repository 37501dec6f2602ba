package db

import (
	"context"
	"database/sql"
	"net/url"
	"strconv"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/rs/zerolog/log"

	"github.com/DiegoSheetszu/Cadastrei/internal/config"
)

// Open creates a SQL Server connection pool bound to one database. Source
// and target share the server credentials, so callers pass the database
// they want and reuse the same DBConfig.
func Open(ctx context.Context, cfg config.DBConfig, database string) (*sql.DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlserver"
	}

	pool, err := sql.Open(driver, DSN(cfg, database))
	if err != nil {
		return nil, err
	}

	// Connection pool configuration
	pool.SetMaxOpenConns(20)
	pool.SetMaxIdleConns(2)
	pool.SetConnMaxLifetime(time.Hour)
	pool.SetConnMaxIdleTime(30 * time.Minute)

	// Verify connectivity
	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Str("database", database).
		Int("max_conns", 20).
		Msg("sqlserver connection pool created")

	return pool, nil
}

// DSN renders the sqlserver:// connection URL for one database.
func DSN(cfg config.DBConfig, database string) string {
	q := url.Values{}
	q.Set("database", database)
	if cfg.Encrypt != "" {
		q.Set("encrypt", cfg.Encrypt)
	}
	q.Set("trustservercertificate", strconv.FormatBool(cfg.TrustCert))

	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     cfg.Server,
		RawQuery: q.Encode(),
	}
	return u.String()
}
