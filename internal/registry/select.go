package registry

import (
	"fmt"
	"strings"
)

// Endpoint ids stamped on synthesized entries, so logs show where the
// path came from.
const (
	OverrideEndpointID = "override_cli"
	FallbackEndpointID = "fallback_env"
)

// Selection filters a profile's endpoints for one dispatch run.
type Selection struct {
	// Type is the wanted endpoint type, TypeEmployee or TypeLeave.
	Type string
	// OverridePath, when set, bypasses the profile entirely and
	// dispatches to this single path.
	OverridePath string
	// EndpointID restricts the run to one endpoint entry.
	EndpointID string
	// DefaultPath and DefaultTable are the environment fallbacks used
	// when the profile has no endpoints at all.
	DefaultPath  string
	DefaultTable string
}

// SelectEndpoints returns the endpoints a dispatch run should drive, in
// document order. A nil profile means no registry entry applies and only
// the environment fallback remains. Every returned endpoint has a
// non-empty path.
func SelectEndpoints(p *Profile, sel Selection) ([]Endpoint, error) {
	if path := strings.TrimSpace(sel.OverridePath); path != "" {
		return []Endpoint{{
			ID:          OverrideEndpointID,
			Type:        sel.Type,
			Path:        path,
			TargetTable: strings.TrimSpace(sel.DefaultTable),
			Active:      true,
		}}, nil
	}

	var eps []Endpoint
	if p != nil {
		eps = p.Endpoints
	}
	wanted := strings.TrimSpace(sel.EndpointID)

	var out []Endpoint
	for _, ep := range eps {
		if wanted != "" && ep.ID != wanted {
			continue
		}
		if !ep.Active || ep.Path == "" {
			continue
		}
		if NormalizeType(ep.Type) != sel.Type {
			continue
		}
		out = append(out, ep)
	}
	if len(out) > 0 {
		return out, nil
	}

	if wanted != "" {
		return nil, fmt.Errorf("Endpoint '%s' nao encontrado/ativo para %s no cliente/API selecionado.", wanted, sel.Type)
	}
	if len(eps) > 0 {
		return nil, fmt.Errorf("Cliente/API ativo nao possui endpoint de %s ativo.", sel.Type)
	}

	path := strings.TrimSpace(sel.DefaultPath)
	if path == "" {
		return nil, fmt.Errorf("Nenhum endpoint de %s configurado (registry/.env).", sel.Type)
	}
	return []Endpoint{{
		ID:          FallbackEndpointID,
		Type:        sel.Type,
		Path:        path,
		TargetTable: strings.TrimSpace(sel.DefaultTable),
		Active:      true,
	}}, nil
}
