package sqlident

import (
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSafe(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    string
		wantErr bool
	}{
		{"plain", "MotoristaCadastro", "MotoristaCadastro", false},
		{"underscore", "_tmp_table", "_tmp_table", false},
		{"trims spaces", "  dbo  ", "dbo", false},
		{"empty", "", "", true},
		{"bracket injection", "x];DROP TABLE y;--", "", true},
		{"space inside", "my table", "", true},
		{"leading digit", "1abc", "", true},
		{"hyphen", "my-table", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Safe(tt.value, "table")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Safe(%q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Safe(%q) = %q, want %q", tt.value, got, tt.want)
			}
		})
	}
}

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"IdDeOrigem", "iddeorigem"},
		{"id_de_origem", "iddeorigem"},
		{"NUMEMP", "numemp"},
		{"Proxima Tentativa Em", "proximatentativaem"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeKey(tt.in); got != tt.want {
			t.Errorf("NormalizeKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolve(t *testing.T) {
	lookup := map[string]string{
		"iddeorigem": "IdDeOrigem",
		"status":     "Status",
		"lockid":     "LockId",
	}

	t.Run("required and optional", func(t *testing.T) {
		resolved, err := Resolve(lookup,
			map[string]string{"id": "IdDeOrigem", "status": "STATUS"},
			map[string]string{"lock": "lock_id", "next_retry": "ProximaTentativaEm"},
		)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if resolved["id"] != "IdDeOrigem" || resolved["status"] != "Status" {
			t.Errorf("required columns resolved wrong: %v", resolved)
		}
		if resolved["lock"] != "LockId" {
			t.Errorf("optional lock = %q, want LockId", resolved["lock"])
		}
		if _, ok := resolved["next_retry"]; ok {
			t.Errorf("absent optional column should be skipped, got %v", resolved)
		}
	})

	t.Run("missing required", func(t *testing.T) {
		_, err := Resolve(lookup, map[string]string{"hash": "HashPayload"}, nil)
		if err == nil {
			t.Fatal("Resolve() expected error for missing required column")
		}
		if !strings.Contains(err.Error(), "HashPayload") {
			t.Errorf("error should name the missing column, got %v", err)
		}
	})
}

func TestTableColumns(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	t.Run("maps normalized keys", func(t *testing.T) {
		mock.ExpectQuery("INFORMATION_SCHEMA.COLUMNS").
			WithArgs("dbo", "Afastamento").
			WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME"}).
				AddRow("NumeroDaEmpresa").
				AddRow("Status"))

		cols, err := TableColumns(context.Background(), db, "dbo", "Afastamento")
		if err != nil {
			t.Fatalf("TableColumns() error = %v", err)
		}
		if cols["numerodaempresa"] != "NumeroDaEmpresa" {
			t.Errorf("cols = %v", cols)
		}
	})

	t.Run("missing table", func(t *testing.T) {
		mock.ExpectQuery("INFORMATION_SCHEMA.COLUMNS").
			WithArgs("dbo", "Nope").
			WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME"}))

		if _, err := TableColumns(context.Background(), db, "dbo", "Nope"); err == nil {
			t.Fatal("TableColumns() expected error for unknown table")
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
