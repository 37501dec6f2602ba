// Package depara applies configurable field mapping rules ("de-para") to
// outbound event payloads. Each API client can reshape the canonical
// payload into whatever body its endpoint expects: rename fields, inject
// constants, pull extra outbox columns and convert formats, all without a
// rebuild.
package depara

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/DiegoSheetszu/Cadastrei/internal/normalize"
	"github.com/DiegoSheetszu/Cadastrei/internal/syncx"
)

// Source namespaces a rule's origem path may start with. A path without a
// namespace reads from the payload.
const (
	nsPayload = "payload"
	nsEvent   = "event"
	nsColumns = "colunas"
)

// Rule maps one source path onto one destination path. Origem may be empty
// for constant injection through Default. Destino is dotted: intermediate
// objects are created as needed.
type Rule struct {
	Origem    string `json:"origem"`
	Destino   string `json:"destino"`
	Required  bool   `json:"required,omitempty"`
	Ativo     *bool  `json:"ativo,omitempty"`
	Default   any    `json:"default,omitempty"`
	Transform string `json:"transform,omitempty"`
}

// Active reports whether the rule participates in mapping. Rules are
// active unless explicitly switched off.
func (r Rule) Active() bool {
	return r.Ativo == nil || *r.Ativo
}

// Envelope carries the three value sources a rule can read from.
type Envelope struct {
	Payload map[string]any
	Event   map[string]any
	Columns map[string]any
}

// Apply runs every active rule over the envelope and assembles the mapped
// body. A required rule with no source value and no default fails the
// whole mapping, as does a transform that cannot convert its input; the
// caller records the error on the event instead of sending a broken body.
func Apply(rules []Rule, env Envelope) (map[string]any, error) {
	out := make(map[string]any)
	for _, r := range rules {
		if !r.Active() || r.Destino == "" {
			continue
		}

		v, found := resolve(env, r.Origem)
		if !found || isEmpty(v) {
			switch {
			case r.Default != nil:
				v = r.Default
			case r.Required:
				return nil, fmt.Errorf("campo obrigatorio %q sem valor de origem %q", r.Destino, r.Origem)
			default:
				continue
			}
		}

		if r.Transform != "" {
			tv, err := transform(r.Transform, v)
			if err != nil {
				return nil, fmt.Errorf("campo %q: %w", r.Destino, err)
			}
			v = tv
		}

		assign(out, r.Destino, v)
	}
	return out, nil
}

// ColumnRefs returns the outbox column names referenced by the active
// rules, so the caller can fetch exactly those before mapping.
func ColumnRefs(rules []Rule) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range rules {
		if !r.Active() {
			continue
		}
		ns, path := splitNamespace(r.Origem)
		if ns != nsColumns || path == "" {
			continue
		}
		col := strings.SplitN(path, ".", 2)[0]
		if !seen[col] {
			seen[col] = true
			out = append(out, col)
		}
	}
	return out
}

func splitNamespace(origem string) (ns, path string) {
	before, after, found := strings.Cut(origem, ".")
	if !found {
		return nsPayload, origem
	}
	switch before {
	case nsPayload, nsEvent, nsColumns:
		return before, after
	}
	return nsPayload, origem
}

func resolve(env Envelope, origem string) (any, bool) {
	if strings.TrimSpace(origem) == "" {
		return nil, false
	}
	ns, path := splitNamespace(origem)

	var root map[string]any
	switch ns {
	case nsEvent:
		root = env.Event
	case nsColumns:
		root = env.Columns
	default:
		root = env.Payload
	}

	var cur any = root
	for _, seg := range strings.Split(path, ".") {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(c) {
				return nil, false
			}
			cur = c[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func assign(dst map[string]any, destino string, v any) {
	segs := strings.Split(destino, ".")
	for _, seg := range segs[:len(segs)-1] {
		next, ok := dst[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			dst[seg] = next
		}
		dst = next
	}
	dst[segs[len(segs)-1]] = v
}

// isEmpty treats nil and blank strings as missing. Zero numbers are real
// values: situation codes and hours are legitimately zero.
func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func transform(name string, v any) (any, error) {
	switch name {
	case "str":
		return syncx.AsString(v), nil
	case "upper":
		return strings.ToUpper(syncx.AsString(v)), nil
	case "lower":
		return strings.ToLower(syncx.AsString(v)), nil
	case "int":
		n, ok := syncx.AsInt(v)
		if !ok {
			return nil, fmt.Errorf("transformacao int: valor %v nao e numerico", v)
		}
		return n, nil
	case "float":
		switch t := v.(type) {
		case float64:
			return t, nil
		case float32:
			return float64(t), nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(syncx.AsString(v)), 64)
		if err != nil {
			return nil, fmt.Errorf("transformacao float: valor %v nao e numerico", v)
		}
		return f, nil
	case "bool":
		return normalize.ToBool(v), nil
	case "cpf_digits":
		return normalize.CPFDigits(v), nil
	case "date_yyyy_mm_dd":
		d := normalize.ToISODate(v)
		if d == "" {
			return nil, fmt.Errorf("transformacao date_yyyy_mm_dd: valor %v nao e uma data", v)
		}
		return d, nil
	}
	return nil, fmt.Errorf("transformacao desconhecida %q", name)
}
