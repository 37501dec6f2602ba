package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/DiegoSheetszu/Cadastrei/internal/sqlident"
)

// Config carries every tunable the workers read from the environment.
// FromEnv fills it with defaults, Validate rejects anything the workers
// cannot safely start with.
type Config struct {
	Env      string
	LogLevel string

	DB     DBConfig
	Source SourceConfig
	Target TargetConfig
	API    APIConfig

	EmployeeSync SyncConfig
	LeaveSync    LeaveSyncConfig
	Dispatch     DispatchConfig

	// RegistryFile points at the client registry JSON. Empty disables the
	// registry and the dispatch workers fall back to the env endpoints.
	RegistryFile string

	// OpsAddr is the listen address of the operational HTTP surface.
	OpsAddr string
}

// DBConfig holds the shared SQL Server connection settings. Source and
// target live on the same server; only the database name differs.
type DBConfig struct {
	Server    string
	User      string
	Password  string
	Driver    string
	Encrypt   string
	TrustCert bool
}

// SourceConfig names the upstream HR database per environment.
type SourceConfig struct {
	DatabaseDev  string
	DatabaseProd string
	SchemaDev    string
	SchemaProd   string
}

// Database returns the source database for the given runtime environment.
func (s SourceConfig) Database(env string) string {
	if isProd(env) {
		return s.DatabaseProd
	}
	return s.DatabaseDev
}

// Schema returns the source schema for the given runtime environment.
func (s SourceConfig) Schema(env string) string {
	if isProd(env) {
		return s.SchemaProd
	}
	return s.SchemaDev
}

func isProd(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "prod", "production", "prd":
		return true
	}
	return false
}

// TargetConfig names the destination database and the two outbox tables.
type TargetConfig struct {
	Database      string
	Schema        string
	EmployeeTable string
	LeaveTable    string
}

// APIConfig holds the downstream API settings used when no client registry
// profile is active.
type APIConfig struct {
	LoginURL string
	BaseURL  string
	User     string
	Password string
	Timeout  time.Duration

	EmployeeEndpoint string
	LeaveEndpoint    string

	// DefaultCity/DefaultUF backfill the driver address when the source has
	// no usable residence data.
	DefaultCity string
	DefaultUF   string

	// Union* describe the sindicato block sent with every driver payload.
	UnionName string
	UnionCNPJ string
	UnionCity string
	UnionUF   string

	// ProbePorts lists extra ports to try when the login URL answers 404.
	// Empty keeps probing on the configured port only.
	ProbePorts []int
}

// SyncConfig drives the employee sync worker.
type SyncConfig struct {
	Interval  time.Duration
	BatchSize int
}

// LeaveSyncConfig drives the leave sync worker. A zero StartDate means
// "today", resolved when the worker is built.
type LeaveSyncConfig struct {
	Interval  time.Duration
	BatchSize int
	StartDate time.Time
}

// DispatchConfig drives the dispatch workers.
type DispatchConfig struct {
	Interval      time.Duration
	EmployeeBatch int
	LeaveBatch    int
	MaxAttempts   int
	LockTimeout   time.Duration
	RetryBase     time.Duration
	RetryMax      time.Duration
}

// FromEnv builds a Config from the process environment. Values that fail to
// parse fall back to their defaults; structural problems are left for
// Validate to report.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Env:      env("ENV", "dev"),
		LogLevel: env("LOG_LEVEL", "info"),
		DB: DBConfig{
			Server:    env("DB_SERVER", ""),
			User:      env("DB_USER", ""),
			Password:  env("DB_PASSWORD", ""),
			Driver:    env("DB_DRIVER", "sqlserver"),
			Encrypt:   env("DB_ENCRYPT", "disable"),
			TrustCert: envBool("DB_TRUST_CERT", true),
		},
		Source: SourceConfig{
			DatabaseDev:  env("SOURCE_DATABASE_DEV", "vetorh_teste"),
			DatabaseProd: env("SOURCE_DATABASE_PROD", "vetorh"),
			SchemaDev:    env("SOURCE_SCHEMA_DEV", "dbo"),
			SchemaProd:   env("SOURCE_SCHEMA_PROD", "dbo"),
		},
		Target: TargetConfig{
			Database:      env("TARGET_DATABASE", ""),
			Schema:        env("TARGET_SCHEMA", "dbo"),
			EmployeeTable: env("TARGET_MOTORISTA_TABLE", "MotoristaCadastro"),
			LeaveTable:    env("TARGET_AFASTAMENTO_TABLE", "Afastamento"),
		},
		API: APIConfig{
			LoginURL:         env("API_LOGIN_URL", ""),
			BaseURL:          env("API_BASE_URL", ""),
			User:             env("API_USER", ""),
			Password:         env("API_PASS", ""),
			Timeout:          envSeconds("API_TIMEOUT_SECONDS", 30*time.Second),
			EmployeeEndpoint: env("API_MOTORISTA_ENDPOINT", "/motoristas"),
			LeaveEndpoint:    env("API_AFASTAMENTO_ENDPOINT", "/afastamentos"),
			DefaultCity:      env("API_DEFAULT_CIDADE", "NAO INFORMADO"),
			DefaultUF:        env("API_DEFAULT_UF", "SC"),
			UnionName:        env("API_SINDICATO_NOME", ""),
			UnionCNPJ:        env("API_SINDICATO_CNPJ", ""),
			UnionCity:        env("API_SINDICATO_CIDADE", ""),
			UnionUF:          env("API_SINDICATO_UF", ""),
			ProbePorts:       envInts("API_LOGIN_PROBE_PORTS"),
		},
		EmployeeSync: SyncConfig{
			Interval:  envSeconds("MOTORISTA_SYNC_INTERVAL_SECONDS", 60*time.Second),
			BatchSize: envInt("MOTORISTA_SYNC_BATCH_SIZE", 500),
		},
		LeaveSync: LeaveSyncConfig{
			Interval:  envSeconds("AFASTAMENTO_SYNC_INTERVAL_SECONDS", 60*time.Second),
			BatchSize: envInt("AFASTAMENTO_SYNC_BATCH_SIZE", 500),
		},
		Dispatch: DispatchConfig{
			Interval:      envSeconds("API_SYNC_INTERVAL_SECONDS", 30*time.Second),
			EmployeeBatch: envInt("API_SYNC_BATCH_SIZE_MOTORISTAS", 100),
			LeaveBatch:    envInt("API_SYNC_BATCH_SIZE_AFASTAMENTOS", 100),
			MaxAttempts:   envInt("API_SYNC_MAX_TENTATIVAS", 10),
			LockTimeout:   envMinutes("API_SYNC_LOCK_TIMEOUT_MINUTES", 15*time.Minute),
			RetryBase:     envSeconds("API_SYNC_RETRY_BASE_SECONDS", 60*time.Second),
			RetryMax:      envSeconds("API_SYNC_RETRY_MAX_SECONDS", 3600*time.Second),
		},
		RegistryFile: env("API_CLIENTES_FILE", "clientes_api.json"),
		OpsAddr:      env("OPS_ADDR", ":9180"),
	}

	if raw := strings.TrimSpace(os.Getenv("AFASTAMENTO_SYNC_DATA_INICIO")); raw != "" {
		// Full ISO timestamps are accepted; only the date part counts.
		if len(raw) > 10 {
			raw = raw[:10]
		}
		start, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return nil, fmt.Errorf("%w: AFASTAMENTO_SYNC_DATA_INICIO=%q", ErrInvalidStartDate, raw)
		}
		cfg.LeaveSync.StartDate = start
	}

	cfg.clamp()
	return cfg, nil
}

// clamp forces numeric tunables into their sane minimums so a stray "0" in
// the environment never produces a busy loop or an empty batch.
func (c *Config) clamp() {
	if c.EmployeeSync.BatchSize < 1 {
		c.EmployeeSync.BatchSize = 1
	}
	if c.LeaveSync.BatchSize < 1 {
		c.LeaveSync.BatchSize = 1
	}
	if c.Dispatch.EmployeeBatch < 1 {
		c.Dispatch.EmployeeBatch = 1
	}
	if c.Dispatch.LeaveBatch < 1 {
		c.Dispatch.LeaveBatch = 1
	}
	if c.Dispatch.MaxAttempts < 1 {
		c.Dispatch.MaxAttempts = 1
	}
	if c.EmployeeSync.Interval < time.Second {
		c.EmployeeSync.Interval = time.Second
	}
	if c.LeaveSync.Interval < time.Second {
		c.LeaveSync.Interval = time.Second
	}
	if c.Dispatch.Interval < time.Second {
		c.Dispatch.Interval = time.Second
	}
	if c.Dispatch.LockTimeout < time.Minute {
		c.Dispatch.LockTimeout = time.Minute
	}
	if c.Dispatch.RetryBase < time.Second {
		c.Dispatch.RetryBase = time.Second
	}
	if c.Dispatch.RetryMax < c.Dispatch.RetryBase {
		c.Dispatch.RetryMax = c.Dispatch.RetryBase
	}
	if c.API.Timeout < time.Second {
		c.API.Timeout = time.Second
	}
}

// Validate checks the settings the workers cannot run without. Identifier
// fields (schemas, table names) are verified here so a poisoned environment
// fails at startup instead of inside a query builder.
func (c *Config) Validate() error {
	if c.DB.Server == "" {
		return ErrMissingDBServer
	}
	if c.DB.User == "" || c.DB.Password == "" {
		return ErrMissingDBCredentials
	}
	if c.Target.Database == "" {
		return ErrMissingTargetDatabase
	}
	for label, ident := range map[string]string{
		"TARGET_SCHEMA":            c.Target.Schema,
		"TARGET_MOTORISTA_TABLE":   c.Target.EmployeeTable,
		"TARGET_AFASTAMENTO_TABLE": c.Target.LeaveTable,
		"SOURCE_SCHEMA_DEV":        c.Source.SchemaDev,
		"SOURCE_SCHEMA_PROD":       c.Source.SchemaProd,
	} {
		if _, err := sqlident.Safe(ident, label); err != nil {
			return err
		}
	}
	return nil
}

// Dev reports whether the process runs in a development environment.
func (c *Config) Dev() bool {
	return !isProd(c.Env)
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "t", "yes", "y", "sim", "s", "on":
		return true
	case "0", "false", "f", "no", "n", "nao", "não", "off":
		return false
	}
	return def
}

func envSeconds(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs * float64(time.Second))
}

func envMinutes(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	mins, err := strconv.ParseFloat(v, 64)
	if err != nil || mins <= 0 {
		return def
	}
	return time.Duration(mins * float64(time.Minute))
}

func envInts(key string) []int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
