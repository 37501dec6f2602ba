package db

import (
	"strings"
	"testing"

	"github.com/DiegoSheetszu/Cadastrei/internal/config"
)

func TestDSN(t *testing.T) {
	cfg := config.DBConfig{
		Server:    "sql.example.local:1433",
		User:      "integ",
		Password:  "p@ss/word",
		Encrypt:   "disable",
		TrustCert: true,
	}

	dsn := DSN(cfg, "integracoes")

	if !strings.HasPrefix(dsn, "sqlserver://") {
		t.Fatalf("DSN = %q, want sqlserver:// scheme", dsn)
	}
	for _, want := range []string{
		"database=integracoes",
		"encrypt=disable",
		"trustservercertificate=true",
		"sql.example.local:1433",
	} {
		if !strings.Contains(dsn, want) {
			t.Errorf("DSN %q missing %q", dsn, want)
		}
	}
	if strings.Contains(dsn, "p@ss/word") {
		t.Errorf("DSN %q leaks the raw password, want it URL-escaped", dsn)
	}
}
