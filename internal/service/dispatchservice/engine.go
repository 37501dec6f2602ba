// Package dispatchservice drains the outbox tables: it claims batches of
// due events under short-lived leases, projects and validates their
// payloads, posts them to the downstream API and settles each row as
// processed or errored with exponential retry backoff.
package dispatchservice

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/DiegoSheetszu/Cadastrei/internal/apiclient"
	"github.com/DiegoSheetszu/Cadastrei/internal/depara"
	"github.com/DiegoSheetszu/Cadastrei/internal/metrics"
	"github.com/DiegoSheetszu/Cadastrei/internal/normalize"
	"github.com/DiegoSheetszu/Cadastrei/internal/outbox"
	"github.com/DiegoSheetszu/Cadastrei/internal/syncx"
)

// maxErrorText caps the error and summary strings persisted on the row.
const maxErrorText = 1000

// Queue is the slice of the outbox a dispatcher drives. *outbox.Queue
// implements it.
type Queue interface {
	Claim(ctx context.Context, lockID string, batchSize, maxAttempts int, lockTimeout time.Duration) ([]outbox.Event, error)
	MarkSuccess(ctx context.Context, ev outbox.Event, lockID string, httpStatus *int, summary string) (bool, error)
	MarkError(ctx context.Context, ev outbox.Event, lockID string, attempts int, httpStatus *int, summary, lastError string, nextRetry *time.Time) (bool, error)
	ReleaseExpiredLocks(ctx context.Context, lockTimeout time.Duration) (int, error)
	FetchColumns(ctx context.Context, ev outbox.Event, names []string) (map[string]any, error)
	Table() string
}

// Poster delivers one JSON payload to a downstream endpoint.
type Poster interface {
	PostJSON(ctx context.Context, endpoint string, payload any) (apiclient.Response, error)
}

// Settings carry the delivery tuning and the per-type endpoint setup. Rule
// lists replace the default enrichment for their event type when present.
type Settings struct {
	EmployeeEndpoint string
	LeaveEndpoint    string
	EmployeeBatch    int
	LeaveBatch       int
	MaxAttempts      int
	LockTimeout      time.Duration
	RetryBase        time.Duration
	RetryMax         time.Duration

	EmployeeRules []depara.Rule
	LeaveRules    []depara.Rule

	DefaultCity string
	DefaultUF   string
	UnionName   string
	UnionCNPJ   string
	UnionCity   string
	UnionUF     string
}

// TypeReport counts what happened to one event type during a cycle.
type TypeReport struct {
	LocksReleased int
	Claimed       int
	Succeeded     int
	Failed        int
}

// DispatchReport summarizes one dispatch cycle.
type DispatchReport struct {
	Employees TypeReport
	Leaves    TypeReport
}

// Merge accumulates another report, for callers that run several passes
// per cycle (one per registry endpoint).
func (r *DispatchReport) Merge(o DispatchReport) {
	r.Employees.LocksReleased += o.Employees.LocksReleased
	r.Employees.Claimed += o.Employees.Claimed
	r.Employees.Succeeded += o.Employees.Succeeded
	r.Employees.Failed += o.Employees.Failed
	r.Leaves.LocksReleased += o.Leaves.LocksReleased
	r.Leaves.Claimed += o.Leaves.Claimed
	r.Leaves.Succeeded += o.Leaves.Succeeded
	r.Leaves.Failed += o.Leaves.Failed
}

// DispatchService drives one or both outbox queues against one API
// client. A nil queue disables its event type, which is how per-endpoint
// dispatch runs single-type passes.
type DispatchService struct {
	employees Queue
	leaves    Queue
	api       Poster
	clock     clockwork.Clock
	settings  Settings
	log       zerolog.Logger
}

// NewDispatchService wires a dispatcher. Numeric settings are clamped to
// their working minimums; a nil clock means wall time.
func NewDispatchService(employees, leaves Queue, api Poster, clock clockwork.Clock, settings Settings, log zerolog.Logger) *DispatchService {
	if settings.EmployeeBatch < 1 {
		settings.EmployeeBatch = 1
	}
	if settings.LeaveBatch < 1 {
		settings.LeaveBatch = 1
	}
	if settings.MaxAttempts < 1 {
		settings.MaxAttempts = 1
	}
	if settings.LockTimeout < time.Minute {
		settings.LockTimeout = time.Minute
	}
	if settings.RetryBase < time.Second {
		settings.RetryBase = time.Second
	}
	if settings.RetryMax < settings.RetryBase {
		settings.RetryMax = settings.RetryBase
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DispatchService{
		employees: employees,
		leaves:    leaves,
		api:       api,
		clock:     clock,
		settings:  settings,
		log:       log,
	}
}

// RunOneCycle sweeps expired leases on both tables, then drains the due
// events of each enabled type in claim-sized batches. Driver events go
// first.
func (s *DispatchService) RunOneCycle(ctx context.Context) (DispatchReport, error) {
	var rep DispatchReport

	if s.employees != nil {
		released, err := s.employees.ReleaseExpiredLocks(ctx, s.settings.LockTimeout)
		if err != nil {
			return rep, err
		}
		rep.Employees.LocksReleased = released
		metrics.DispatchLocksReleased.WithLabelValues(metrics.TypeEmployee).Add(float64(released))
	}
	if s.leaves != nil {
		released, err := s.leaves.ReleaseExpiredLocks(ctx, s.settings.LockTimeout)
		if err != nil {
			return rep, err
		}
		rep.Leaves.LocksReleased = released
		metrics.DispatchLocksReleased.WithLabelValues(metrics.TypeLeave).Add(float64(released))
	}

	if s.employees != nil {
		if err := s.drainQueue(ctx, s.employeeConfig(), &rep.Employees); err != nil {
			return rep, err
		}
	}
	if s.leaves != nil {
		if err := s.drainQueue(ctx, s.leaveConfig(), &rep.Leaves); err != nil {
			return rep, err
		}
	}

	s.log.Info().
		Int("driversClaimed", rep.Employees.Claimed).
		Int("driversOk", rep.Employees.Succeeded).
		Int("driversFailed", rep.Employees.Failed).
		Int("leavesClaimed", rep.Leaves.Claimed).
		Int("leavesOk", rep.Leaves.Succeeded).
		Int("leavesFailed", rep.Leaves.Failed).
		Int("locksReleased", rep.Employees.LocksReleased+rep.Leaves.LocksReleased).
		Msg("dispatch cycle finished")
	return rep, nil
}

// typeConfig bundles what differs between the two event types.
type typeConfig struct {
	queue      Queue
	label      string
	lockPrefix string
	endpoint   string
	batch      int
	rules      []depara.Rule
	enrich     func(map[string]any) map[string]any
	validate   func(map[string]any) error
}

func (s *DispatchService) employeeConfig() typeConfig {
	return typeConfig{
		queue:      s.employees,
		label:      metrics.TypeEmployee,
		lockPrefix: "M",
		endpoint:   s.settings.EmployeeEndpoint,
		batch:      s.settings.EmployeeBatch,
		rules:      s.settings.EmployeeRules,
		enrich:     s.enrichEmployee,
		validate:   validateEmployee,
	}
}

func (s *DispatchService) leaveConfig() typeConfig {
	return typeConfig{
		queue:      s.leaves,
		label:      metrics.TypeLeave,
		lockPrefix: "A",
		endpoint:   s.settings.LeaveEndpoint,
		batch:      s.settings.LeaveBatch,
		rules:      s.settings.LeaveRules,
		validate:   validateLeave,
	}
}

// drainQueue claims due events under fresh lock ids until the
// dispatchable set is exhausted. Every settled row leaves the set, either
// until its retry comes due or for good, so the loop always terminates.
func (s *DispatchService) drainQueue(ctx context.Context, cfg typeConfig, tr *TypeReport) error {
	for {
		lockID := newLockID(cfg.lockPrefix)
		events, err := cfg.queue.Claim(ctx, lockID, cfg.batch, s.settings.MaxAttempts, s.settings.LockTimeout)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		tr.Claimed += len(events)
		metrics.DispatchClaimed.WithLabelValues(cfg.label).Add(float64(len(events)))

		for _, ev := range events {
			ok, err := s.processEvent(ctx, cfg, ev, lockID)
			if err != nil {
				return err
			}
			if ok {
				tr.Succeeded++
				metrics.DispatchSucceeded.WithLabelValues(cfg.label).Inc()
			} else {
				tr.Failed++
				metrics.DispatchFailed.WithLabelValues(cfg.label).Inc()
			}
		}
		if len(events) < cfg.batch {
			return nil
		}
	}
}

// processEvent pushes one claimed row through projection, validation, the
// HTTP call and settlement. It returns true only when the row settled as
// processed; returned errors are database failures that abort the cycle.
func (s *DispatchService) processEvent(ctx context.Context, cfg typeConfig, ev outbox.Event, lockID string) (bool, error) {
	payload, err := s.buildPayload(ctx, cfg, ev)
	if err == nil {
		err = cfg.validate(payload)
	}
	if err != nil {
		return s.settleError(ctx, cfg, ev, lockID, nil, "", err.Error())
	}

	start := time.Now()
	resp, err := s.api.PostJSON(ctx, cfg.endpoint, payload)
	metrics.DispatchHTTPDuration.WithLabelValues(cfg.label).Observe(time.Since(start).Seconds())
	if err != nil {
		return s.settleError(ctx, cfg, ev, lockID, nil, "", err.Error())
	}

	status := resp.StatusCode
	if responseSuccess(resp) {
		settled, err := cfg.queue.MarkSuccess(ctx, ev, lockID, &status, responseSummary(resp))
		if err != nil {
			return false, err
		}
		if !settled {
			s.log.Warn().Str("table", cfg.queue.Table()).Msg("lease lost before settling success")
		}
		return settled, nil
	}
	return s.settleError(ctx, cfg, ev, lockID, &status, responseSummary(resp), responseError(resp))
}

// buildPayload decodes the stored payload and projects it for delivery:
// through the endpoint's mapping rules when configured, otherwise through
// the default enrichment of its type.
func (s *DispatchService) buildPayload(ctx context.Context, cfg typeConfig, ev outbox.Event) (map[string]any, error) {
	payload, err := decodePayload(ev.PayloadJSON)
	if err != nil {
		return nil, err
	}

	if len(cfg.rules) > 0 {
		env := depara.Envelope{Payload: payload, Event: eventMeta(cfg, ev)}
		if refs := depara.ColumnRefs(cfg.rules); len(refs) > 0 {
			cols, err := cfg.queue.FetchColumns(ctx, ev, refs)
			if err != nil {
				return nil, err
			}
			env.Columns = cols
		}
		return depara.Apply(cfg.rules, env)
	}

	if cfg.enrich != nil {
		payload = cfg.enrich(payload)
	}
	return payload, nil
}

// eventMeta exposes the row metadata to mapping rules under the event.*
// namespace: the natural key aliases plus attempt count, type and table.
func eventMeta(cfg typeConfig, ev outbox.Event) map[string]any {
	meta := make(map[string]any, len(ev.Key)+3)
	for alias, value := range ev.Key {
		meta[alias] = value
	}
	meta["tipo"] = cfg.label
	meta["tentativas"] = ev.Attempts
	meta["tabela"] = cfg.queue.Table()
	return meta
}

func (s *DispatchService) settleError(ctx context.Context, cfg typeConfig, ev outbox.Event, lockID string, httpStatus *int, summary, message string) (bool, error) {
	attempts := ev.Attempts + 1
	settled, err := cfg.queue.MarkError(ctx, ev, lockID, attempts, httpStatus,
		normalize.Truncate(summary, maxErrorText),
		normalize.Truncate(message, maxErrorText),
		s.nextRetry(attempts))
	if err != nil {
		return false, err
	}
	if !settled {
		s.log.Warn().Str("table", cfg.queue.Table()).Msg("lease lost before settling error")
	}
	return false, nil
}

// nextRetry schedules the follow-up after the n-th failed attempt:
// retryBase doubled per attempt, capped at retryMax. Nil once the attempt
// cap is reached, which parks the row as a permanent failure.
func (s *DispatchService) nextRetry(attempts int) *time.Time {
	if attempts >= s.settings.MaxAttempts {
		return nil
	}
	delay := s.settings.RetryBase
	for i := 1; i < attempts && delay < s.settings.RetryMax; i++ {
		delay *= 2
	}
	if delay > s.settings.RetryMax {
		delay = s.settings.RetryMax
	}
	t := s.clock.Now().UTC().Add(delay)
	return &t
}

func newLockID(prefix string) string {
	id := uuid.New()
	return prefix + "-" + hex.EncodeToString(id[:])
}

func decodePayload(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("Evento sem PayloadJson.")
	}
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("PayloadJson invalido: %v", err)
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, errors.New("PayloadJson precisa representar um objeto JSON.")
	}
	return obj, nil
}

// enrichEmployee fills the address defaults and the optional union block
// the downstream API expects on driver records.
func (s *DispatchService) enrichEmployee(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}

	out["endereco"] = s.addressWithDefaults(out["endereco"])

	if unionMissing(out["sindicato"]) {
		if union := s.defaultUnion(); union != nil {
			out["sindicato"] = union
		}
	}
	if union, ok := out["sindicato"].(map[string]any); ok {
		enriched := make(map[string]any, len(union)+1)
		for k, v := range union {
			enriched[k] = v
		}
		enriched["endereco"] = s.addressWithDefaults(enriched["endereco"])
		out["sindicato"] = enriched
	}
	return out
}

func (s *DispatchService) addressWithDefaults(v any) map[string]any {
	addr, _ := v.(map[string]any)
	out := make(map[string]any, len(addr)+2)
	for k, v := range addr {
		out[k] = v
	}

	city := syncx.AsString(out["cidade"])
	if city == "" {
		city = strings.TrimSpace(s.settings.DefaultCity)
	}
	out["cidade"] = city

	uf := syncx.AsString(out["uf"])
	if uf == "" {
		uf = strings.TrimSpace(s.settings.DefaultUF)
	}
	out["uf"] = strings.ToUpper(uf)
	return out
}

// defaultUnion builds the configured fallback union block, or nil unless
// all four values are set.
func (s *DispatchService) defaultUnion() map[string]any {
	name := strings.TrimSpace(s.settings.UnionName)
	cnpj := strings.TrimSpace(s.settings.UnionCNPJ)
	city := strings.TrimSpace(s.settings.UnionCity)
	uf := strings.ToUpper(strings.TrimSpace(s.settings.UnionUF))
	if name == "" || cnpj == "" || city == "" || uf == "" {
		return nil
	}
	return map[string]any{
		"nome": name,
		"cnpj": cnpj,
		"endereco": map[string]any{
			"cidade": city,
			"uf":     uf,
		},
	}
}

func unionMissing(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

func validateEmployee(payload map[string]any) error {
	if syncx.AsString(payload["nome"]) == "" {
		return errors.New("Payload de motorista sem nome.")
	}
	if syncx.AsString(payload["cpf"]) == "" {
		return errors.New("Payload de motorista sem CPF.")
	}
	if syncx.AsString(payload["dataadmissao"]) == "" {
		return errors.New("Payload de motorista sem dataadmissao.")
	}
	addr, ok := payload["endereco"].(map[string]any)
	if !ok {
		return errors.New("Payload de motorista sem endereco.")
	}
	if syncx.AsString(addr["cidade"]) == "" || syncx.AsString(addr["uf"]) == "" {
		return errors.New("Endereco do motorista sem cidade/UF.")
	}
	return nil
}

func validateLeave(payload map[string]any) error {
	if syncx.AsString(payload["cpf"]) == "" {
		return errors.New("Payload de afastamento sem CPF.")
	}
	if syncx.AsString(payload["descricao"]) == "" {
		return errors.New("Payload de afastamento sem descricao.")
	}
	if syncx.AsString(payload["datainicio"]) == "" {
		return errors.New("Payload de afastamento sem datainicio.")
	}
	return nil
}

// responseSuccess reports whether the downstream accepted the event: a
// 2xx status whose body either is not a JSON object, carries no id, or
// carries id 0. Vendors signal rejection inside 200 responses through a
// non-zero id.
func responseSuccess(resp apiclient.Response) bool {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	obj, ok := resp.JSON.(map[string]any)
	if !ok {
		return true
	}
	id, ok := obj["id"]
	if !ok || id == nil {
		return true
	}
	switch v := id.(type) {
	case float64:
		return v == 0
	case string:
		return strings.TrimSpace(v) == "0"
	default:
		return strings.TrimSpace(fmt.Sprint(v)) == "0"
	}
}

// responseError extracts the failure text: the body's mensagem, then its
// id, then the raw body, then the bare status.
func responseError(resp apiclient.Response) string {
	if obj, ok := resp.JSON.(map[string]any); ok {
		if msg := strings.TrimSpace(syncx.AsString(obj["mensagem"])); msg != "" {
			return msg
		}
		if id, ok := obj["id"]; ok && id != nil {
			return fmt.Sprintf("Retorno API id=%s sem mensagem.", formatID(id))
		}
	}
	if resp.Text != "" {
		return resp.Text
	}
	return fmt.Sprintf("HTTP %d sem corpo de resposta.", resp.StatusCode)
}

func responseSummary(resp apiclient.Response) string {
	if obj, ok := resp.JSON.(map[string]any); ok {
		if msg := strings.TrimSpace(syncx.AsString(obj["mensagem"])); msg != "" {
			return normalize.Truncate(msg, maxErrorText)
		}
	}
	return normalize.Truncate(resp.Text, maxErrorText)
}

func formatID(id any) string {
	if f, ok := id.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprint(id)
}
