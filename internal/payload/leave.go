package payload

import (
	"github.com/DiegoSheetszu/Cadastrei/internal/normalize"
	"github.com/DiegoSheetszu/Cadastrei/internal/syncx"
)

// Leave builds the downstream leave payload from one source row. Rows
// without a start date or an employee id are reported as not buildable.
func Leave(row map[string]any) (map[string]any, bool) {
	inicio := normalize.ToISODate(row["datafa"])
	numcad, hasID := syncx.AsInt(row["numcad"])
	if inicio == "" || !hasID {
		return nil, false
	}

	numemp, _ := syncx.AsInt(row["numemp"])
	tipcol, _ := syncx.AsInt(row["tipcol"])
	sitafa, _ := syncx.AsInt(row["sitafa"])

	descricao := syncx.AsString(row["obsafa"])
	if descricao == "" {
		descricao = syncx.AsString(row["dessit"])
	}
	if descricao == "" {
		descricao = syncx.AsString(row["sitafa"])
	}
	if descricao == "" {
		descricao = "Afastamento"
	}

	p := map[string]any{
		"numerodaempresa":             numemp,
		"tipodecolaborador":           tipcol,
		"numerodeorigemdocolaborador": numcad,
		"cpf":                         normalize.FormatCPF(row["numcpf"]),
		"descricao":                   descricao,
		"datainicio":                  inicio,
		"dataafastamento":             inicio,
		"situacao":                    sitafa,
		"rescisao":                    normalize.ToBool(row["encafa"]),
	}

	if dessit := syncx.AsString(row["dessit"]); dessit != "" {
		p["descricaodasituacao"] = dessit
	} else {
		p["descricaodasituacao"] = nil
	}
	if hora, ok := syncx.AsInt(row["horafa"]); ok {
		p["horadoafastamento"] = hora
	} else {
		p["horadoafastamento"] = nil
	}
	if termino := normalize.ToISODate(row["datter"]); termino != "" {
		p["datatermino"] = termino
	} else {
		p["datatermino"] = nil
	}
	if hora, ok := syncx.AsInt(row["horter"]); ok {
		p["horadotermino"] = hora
	} else {
		p["horadotermino"] = nil
	}
	return p, true
}

// Leaves builds payloads for every buildable row, preserving order.
func Leaves(rows []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if p, ok := Leave(row); ok {
			out = append(out, p)
		}
	}
	return out
}
