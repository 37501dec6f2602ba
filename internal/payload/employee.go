// Package payload turns joined source rows into the canonical JSON bodies
// stored in the outbox. Builders are pure: same row in, same payload out,
// which is what keeps the change-detection hashes meaningful.
package payload

import (
	"strings"

	"github.com/DiegoSheetszu/Cadastrei/internal/normalize"
	"github.com/DiegoSheetszu/Cadastrei/internal/syncx"
)

// Placeholders used when the source has no usable address data. The
// downstream API rejects empty address fields, so absent values are
// filled with these stable markers instead of being dropped.
const (
	UnknownField = "NAO INFORMADO"
	NoNumber     = "SN"
	DefaultUF    = "SC"
	EmptyCEP     = "00000000"
)

// Employee builds the driver registration payload from one joined employee
// row. Rows without a CPF, a name or an admission date cannot be registered
// downstream and are reported as not buildable.
func Employee(row map[string]any) (map[string]any, bool) {
	cpf := normalize.FormatCPF(row["numcpf"])
	nome := strings.ToUpper(syncx.AsString(row["nomfun"]))
	admissao := normalize.ToISODate(row["datadm"])
	if cpf == "" || nome == "" || admissao == "" {
		return nil, false
	}

	p := map[string]any{
		"cpf":          cpf,
		"nome":         nome,
		"dataadmissao": admissao,
		"genero":       normalize.MapGender(row["tipsex"]),
		"matricula":    syncx.AsString(row["numcad"]),
		"endereco": Address(
			syncx.AsString(row["logradouro"]),
			syncx.AsString(row["numero"]),
			syncx.AsString(row["bairro"]),
			syncx.AsString(row["cidade"]),
			syncx.AsString(row["estado_residencia"]),
		),
	}
	if nasc := normalize.ToISODate(row["datnas"]); nasc != "" {
		p["datanascimento"] = nasc
	} else {
		p["datanascimento"] = nil
	}
	return p, true
}

// Employees builds payloads for every buildable row, preserving order.
func Employees(rows []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if p, ok := Employee(row); ok {
			out = append(out, p)
		}
	}
	return out
}

// Address assembles the endereco block, substituting placeholders for
// every empty field.
func Address(rua, numero, bairro, cidade, uf string) map[string]any {
	if strings.TrimSpace(rua) == "" {
		rua = UnknownField
	}
	if strings.TrimSpace(numero) == "" {
		numero = NoNumber
	}
	if strings.TrimSpace(bairro) == "" {
		bairro = UnknownField
	}
	if strings.TrimSpace(cidade) == "" {
		cidade = UnknownField
	}
	if strings.TrimSpace(uf) == "" {
		uf = DefaultUF
	}
	return map[string]any{
		"rua":         rua,
		"numero":      numero,
		"complemento": "",
		"bairro":      bairro,
		"cidade":      cidade,
		"uf":          uf,
		"cep":         EmptyCEP,
		"latitude":    0.0,
		"longitude":   0.0,
	}
}
