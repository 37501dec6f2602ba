package canonical

import (
	"strings"
	"testing"
)

func TestMarshalSortsKeysRecursively(t *testing.T) {
	a := map[string]any{
		"zeta": map[string]any{"b": 2, "a": 1},
		"alfa": []any{map[string]any{"y": true, "x": false}},
	}
	b := map[string]any{
		"alfa": []any{map[string]any{"x": false, "y": true}},
		"zeta": map[string]any{"a": 1, "b": 2},
	}

	ja, err := Marshal(a)
	if err != nil {
		t.Fatalf("Marshal(a) error = %v", err)
	}
	jb, err := Marshal(b)
	if err != nil {
		t.Fatalf("Marshal(b) error = %v", err)
	}

	if string(ja) != string(jb) {
		t.Errorf("canonical forms differ:\n%s\n%s", ja, jb)
	}
	want := `{"alfa":[{"x":false,"y":true}],"zeta":{"a":1,"b":2}}`
	if string(ja) != want {
		t.Errorf("Marshal = %s, want %s", ja, want)
	}
}

func TestMarshalHasNoInsignificantWhitespace(t *testing.T) {
	got, err := Marshal(map[string]any{"nome": "Ana", "idade": 30})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.ContainsAny(string(got), " \n\t") {
		t.Errorf("Marshal = %q, want no whitespace", got)
	}
}

func TestMarshalKeepsUTF8(t *testing.T) {
	got, err := Marshal(map[string]any{"nome": "João às 3<h>"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(got), "João às") {
		t.Errorf("Marshal = %q, want raw UTF-8 kept", got)
	}
	if strings.Contains(string(got), `<`) {
		t.Errorf("Marshal = %q, want no HTML escaping", got)
	}
}

func TestFingerprintIsStable(t *testing.T) {
	payload := map[string]any{
		"cpf":  "12345678909",
		"nome": "ANA SILVA",
		"endereco": map[string]any{
			"cidade": "Curitiba",
			"uf":     "PR",
		},
	}

	_, h1, err := Fingerprint(payload)
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	_, h2, err := Fingerprint(payload)
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}

	if h1 != h2 {
		t.Errorf("Fingerprint not stable: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}
	if h1 != strings.ToLower(h1) {
		t.Errorf("hash = %s, want lowercase hex", h1)
	}
}

func TestFingerprintChangesWithContent(t *testing.T) {
	_, h1, _ := Fingerprint(map[string]any{"situacao": 3})
	_, h2, _ := Fingerprint(map[string]any{"situacao": 4})
	if h1 == h2 {
		t.Error("different payloads produced the same hash")
	}
}
