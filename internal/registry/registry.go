// Package registry persists downstream API client profiles in a single
// JSON document on disk. Each profile carries its own credentials,
// timeout and endpoint list; one profile is marked active and drives
// dispatch when no explicit override is given. Older documents that
// still use flat endpoint fields are migrated to endpoint entries on
// read.
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DiegoSheetszu/Cadastrei/internal/config"
	"github.com/DiegoSheetszu/Cadastrei/internal/depara"
)

// DefaultVendor is stamped on profiles that do not name their vendor.
const DefaultVendor = "ATS_Log"

// defaultTimeoutSeconds backs documents that carry no usable timeout.
const defaultTimeoutSeconds = 30

// Endpoint types recognized by the dispatcher.
const (
	TypeEmployee = "motoristas"
	TypeLeave    = "afastamentos"
)

// Endpoint is one delivery target inside a profile. Mapping rules, when
// present, replace the default payload enrichment for events sent
// through this endpoint.
type Endpoint struct {
	ID          string        `json:"id"`
	Type        string        `json:"tipo"`
	Path        string        `json:"endpoint"`
	TargetTable string        `json:"tabela_destino"`
	Active      bool          `json:"ativo"`
	Mapping     []depara.Rule `json:"de_para,omitempty"`
}

// Profile is one downstream API client: credentials, timeout and the
// endpoints it exposes.
type Profile struct {
	ID             string     `json:"id"`
	Name           string     `json:"nome"`
	Vendor         string     `json:"fornecedor"`
	BaseURL        string     `json:"base_url"`
	LoginURL       string     `json:"login_url"`
	User           string     `json:"usuario"`
	Password       string     `json:"senha"`
	TimeoutSeconds float64    `json:"timeout_seconds"`
	Endpoints      []Endpoint `json:"endpoints"`
}

// Timeout returns the profile timeout as a duration, zero when unset.
func (p Profile) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(p.TimeoutSeconds * float64(time.Second))
}

// Registry reads and rewrites the profile document. Reads are tolerant:
// a missing or unparseable file behaves as an empty registry, and
// unparseable items are skipped. Mutations are serialized by a mutex and
// rewrite the whole file.
type Registry struct {
	path string
	cfg  config.Config
	mu   sync.Mutex
}

// New opens the registry document at path. The config supplies the
// fallbacks used during legacy migration and by DefaultProfile.
func New(path string, cfg config.Config) *Registry {
	return &Registry{path: path, cfg: cfg}
}

// Path returns the backing file location.
func (r *Registry) Path() string { return r.path }

// List returns every parseable profile in the document.
func (r *Registry) List() []Profile {
	return r.load().profiles
}

// ActiveID returns the id of the active profile, "" when none is set.
func (r *Registry) ActiveID() string {
	return r.load().activeID
}

// Active returns the active profile, nil when none is set or the id no
// longer resolves.
func (r *Registry) Active() *Profile {
	doc := r.load()
	if doc.activeID == "" {
		return nil
	}
	for i := range doc.profiles {
		if doc.profiles[i].ID == doc.activeID {
			return &doc.profiles[i]
		}
	}
	return nil
}

// Get returns the profile with the given id, nil when absent.
func (r *Registry) Get(id string) *Profile {
	key := strings.TrimSpace(id)
	if key == "" {
		return nil
	}
	profiles := r.load().profiles
	for i := range profiles {
		if profiles[i].ID == key {
			return &profiles[i]
		}
	}
	return nil
}

// Upsert inserts or replaces a profile by id. A blank id gets a fresh
// uuid, a non-positive timeout falls back to the configured API timeout,
// and endpoints are scrubbed: entries without a path or type are
// dropped, blank endpoint ids get uuids. The first profile written
// becomes active. The stored profile is returned.
func (r *Registry) Upsert(p Profile) (Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = r.configTimeoutSeconds()
	}
	p.Endpoints = scrubEndpoints(p.Endpoints)

	doc := r.load()
	replaced := false
	for i := range doc.profiles {
		if doc.profiles[i].ID == p.ID {
			doc.profiles[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		doc.profiles = append(doc.profiles, p)
	}
	if doc.activeID == "" {
		doc.activeID = p.ID
	}

	if err := r.save(doc); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Delete removes the profile with the given id. When it was active, the
// first remaining profile becomes active, or none. A blank id is a
// no-op.
func (r *Registry) Delete(id string) error {
	key := strings.TrimSpace(id)
	if key == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	doc := r.load()
	kept := doc.profiles[:0]
	for _, p := range doc.profiles {
		if p.ID != key {
			kept = append(kept, p)
		}
	}
	doc.profiles = kept

	if doc.activeID == key {
		doc.activeID = ""
		if len(doc.profiles) > 0 {
			doc.activeID = doc.profiles[0].ID
		}
	}
	return r.save(doc)
}

// SetActive marks the profile with the given id as active. A blank id is
// a no-op; an unknown one returns ErrProfileNotFound.
func (r *Registry) SetActive(id string) error {
	key := strings.TrimSpace(id)
	if key == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	doc := r.load()
	found := false
	for _, p := range doc.profiles {
		if p.ID == key {
			found = true
			break
		}
	}
	if !found {
		return ErrProfileNotFound
	}
	doc.activeID = key
	return r.save(doc)
}

// Resolve picks the dispatch profile: the requested id when given, else
// the active profile, else nil for the environment fallback.
func (r *Registry) Resolve(id string) (*Profile, error) {
	key := strings.TrimSpace(id)
	if key == "" {
		return r.Active(), nil
	}
	if p := r.Get(key); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("Cliente/API nao encontrado no registry: %s", key)
}

// DefaultProfile synthesizes a profile from the environment
// configuration, for running without a registry file.
func (r *Registry) DefaultProfile() Profile {
	return Profile{
		Name:           "Padrao .env",
		Vendor:         DefaultVendor,
		BaseURL:        strings.TrimSpace(r.cfg.API.BaseURL),
		LoginURL:       strings.TrimSpace(r.cfg.API.LoginURL),
		User:           strings.TrimSpace(r.cfg.API.User),
		Password:       strings.TrimSpace(r.cfg.API.Password),
		TimeoutSeconds: r.configTimeoutSeconds(),
		Endpoints: []Endpoint{
			{
				ID:          uuid.NewString(),
				Type:        TypeEmployee,
				Path:        strings.TrimSpace(r.cfg.API.EmployeeEndpoint),
				TargetTable: strings.TrimSpace(r.cfg.Target.EmployeeTable),
				Active:      true,
			},
			{
				ID:          uuid.NewString(),
				Type:        TypeLeave,
				Path:        strings.TrimSpace(r.cfg.API.LeaveEndpoint),
				TargetTable: strings.TrimSpace(r.cfg.Target.LeaveTable),
				Active:      true,
			},
		},
	}
}

func (r *Registry) configTimeoutSeconds() float64 {
	if s := r.cfg.API.Timeout.Seconds(); s > 0 {
		return s
	}
	return defaultTimeoutSeconds
}

// document is the normalized in-memory form of the registry file.
type document struct {
	activeID string
	profiles []Profile
}

// rawDocument matches the file layout. Items stay raw so one broken
// entry does not poison the rest.
type rawDocument struct {
	ActiveID string            `json:"active_id"`
	Items    []json.RawMessage `json:"items"`
}

type rawEndpoint struct {
	ID          string        `json:"id"`
	Type        string        `json:"tipo"`
	Path        string        `json:"endpoint"`
	TargetTable string        `json:"tabela_destino"`
	Active      *bool         `json:"ativo"`
	Mapping     []depara.Rule `json:"de_para"`
}

type rawProfile struct {
	ID             string        `json:"id"`
	Name           string        `json:"nome"`
	Vendor         string        `json:"fornecedor"`
	BaseURL        string        `json:"base_url"`
	LoginURL       string        `json:"login_url"`
	User           string        `json:"usuario"`
	Password       string        `json:"senha"`
	TimeoutSeconds float64       `json:"timeout_seconds"`
	Endpoints      []rawEndpoint `json:"endpoints"`

	// Legacy flat fields from documents written before endpoint lists.
	LegacyEmployee string `json:"endpoint_motorista"`
	LegacyLeave    string `json:"endpoint_afastamento"`
}

func (r *Registry) load() document {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return document{}
	}

	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return document{}
	}

	doc := document{activeID: strings.TrimSpace(raw.ActiveID)}
	for _, item := range raw.Items {
		var rp rawProfile
		if err := json.Unmarshal(item, &rp); err != nil {
			continue
		}
		doc.profiles = append(doc.profiles, r.normalizeProfile(rp))
	}
	return doc
}

func (r *Registry) save(doc document) error {
	out := struct {
		ActiveID string    `json:"active_id"`
		Items    []Profile `json:"items"`
	}{
		ActiveID: doc.activeID,
		Items:    doc.profiles,
	}
	if out.Items == nil {
		out.Items = []Profile{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}

	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(r.path, buf.Bytes(), 0o600)
}

func (r *Registry) normalizeProfile(rp rawProfile) Profile {
	eps := normalizeEndpoints(rp.Endpoints)
	if len(eps) == 0 {
		eps = r.legacyEndpoints(rp)
	}

	id := strings.TrimSpace(rp.ID)
	if id == "" {
		id = uuid.NewString()
	}
	vendor := strings.TrimSpace(rp.Vendor)
	if vendor == "" {
		vendor = DefaultVendor
	}
	timeout := rp.TimeoutSeconds
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds
	}

	return Profile{
		ID:             id,
		Name:           strings.TrimSpace(rp.Name),
		Vendor:         vendor,
		BaseURL:        strings.TrimSpace(rp.BaseURL),
		LoginURL:       strings.TrimSpace(rp.LoginURL),
		User:           strings.TrimSpace(rp.User),
		Password:       strings.TrimSpace(rp.Password),
		TimeoutSeconds: timeout,
		Endpoints:      eps,
	}
}

// legacyEndpoints rebuilds endpoint entries from the flat fields of old
// documents. Target tables come from the environment, the only place old
// documents kept them.
func (r *Registry) legacyEndpoints(rp rawProfile) []Endpoint {
	var out []Endpoint
	if path := strings.TrimSpace(rp.LegacyEmployee); path != "" {
		out = append(out, Endpoint{
			ID:          uuid.NewString(),
			Type:        TypeEmployee,
			Path:        path,
			TargetTable: strings.TrimSpace(r.cfg.Target.EmployeeTable),
			Active:      true,
		})
	}
	if path := strings.TrimSpace(rp.LegacyLeave); path != "" {
		out = append(out, Endpoint{
			ID:          uuid.NewString(),
			Type:        TypeLeave,
			Path:        path,
			TargetTable: strings.TrimSpace(r.cfg.Target.LeaveTable),
			Active:      true,
		})
	}
	return out
}

func normalizeEndpoints(raw []rawEndpoint) []Endpoint {
	var out []Endpoint
	for _, ep := range raw {
		path := strings.TrimSpace(ep.Path)
		tipo := strings.TrimSpace(ep.Type)
		if path == "" || tipo == "" {
			continue
		}
		id := strings.TrimSpace(ep.ID)
		if id == "" {
			id = uuid.NewString()
		}
		out = append(out, Endpoint{
			ID:          id,
			Type:        tipo,
			Path:        path,
			TargetTable: strings.TrimSpace(ep.TargetTable),
			Active:      ep.Active == nil || *ep.Active,
			Mapping:     ep.Mapping,
		})
	}
	return out
}

func scrubEndpoints(eps []Endpoint) []Endpoint {
	out := make([]Endpoint, 0, len(eps))
	for _, ep := range eps {
		ep.Path = strings.TrimSpace(ep.Path)
		ep.Type = strings.TrimSpace(ep.Type)
		if ep.Path == "" || ep.Type == "" {
			continue
		}
		ep.ID = strings.TrimSpace(ep.ID)
		if ep.ID == "" {
			ep.ID = uuid.NewString()
		}
		ep.TargetTable = strings.TrimSpace(ep.TargetTable)
		out = append(out, ep)
	}
	return out
}

// NormalizeType maps free-form endpoint type values onto the recognized
// ones: anything containing "afast" is a leave endpoint, anything
// containing "motor" a driver one. Other values pass through lowercased.
func NormalizeType(s string) string {
	v := strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.Contains(v, "afast"):
		return TypeLeave
	case strings.Contains(v, "motor"):
		return TypeEmployee
	}
	return v
}
